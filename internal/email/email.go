// Package email は通知メールの送信とテンプレート描画を提供する。
//
// 送信はSender実装（SMTP、HTTP API、モック）が担い、
// FallbackSenderが全体のタイムアウト内で順に試行する。
package email

import (
	"context"
	"errors"
)

// ErrNoRecipient は宛先が空であることを表す。
var ErrNoRecipient = errors.New("宛先のメールアドレスが空です")

// Message は描画済みのメール。
type Message struct {
	To      string
	Subject string
	HTML    string
	Text    string
}

// Result は送信結果。
type Result struct {
	Success bool
	// MessageID は送信先が割り当てたメッセージID。
	MessageID string
	Err       error
}

// Sender はメールの送信手段。
type Sender interface {
	// Name は送信手段の名前を返す。ログとメトリクスに使用する。
	Name() string
	// Send はメッセージを送信する。ctxの期限を過ぎた場合は失敗を返す。
	Send(ctx context.Context, msg Message) Result
}

func failed(err error) Result {
	return Result{Success: false, Err: err}
}
