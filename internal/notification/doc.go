// Package notification は通知配信コアのドメインモデルを提供する。
//
// 通知レコード、配信チャネル、状態遷移、ユーザーの通知設定を定義し、
// 永続化層（Store）と受信者ディレクトリ（Directory）のインターフェースを宣言する。
// 状態遷移の検証は ApplyPatch に集約し、どのストア実装でも不変条件が守られるようにする。
package notification
