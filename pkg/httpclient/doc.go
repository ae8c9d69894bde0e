// Package httpclient は外部HTTPエンドポイントへJSONを送受信するクライアントを提供する。
//
// プッシュ通知ゲートウェイ、メール送信API、ユーザー設定のWebhookなど、
// 通知の配信先となるHTTPサービスとの通信パターンを統一する。
package httpclient
