// Package logging はサービス全体で共有する構造化ロガーを提供する。
//
// zerologをベースとし、起動時に Init でログレベルと出力先を決定する。
// 各パッケージは Get で取得したロガーにフィールドを付与して出力する。
package logging
