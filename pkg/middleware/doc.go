// Package middleware は通知サービスのGin HTTP APIで使用するミドルウェアを提供する。
//
// JWT認証トークンの検証、zerologによるアクセスログ、パニックリカバリ、
// CORS設定を含む。JWTの検証処理はWebSocketのアップグレード時にも共有される。
package middleware
