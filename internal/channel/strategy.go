// Package channel は配信チャネルごとの配信戦略と、その登録簿を提供する。
//
// 各戦略は配信可否の判定（CanDeliver）と配信（Deliver）を持つ。
// どの戦略を主チャネルにするかはオーケストレータが決める。
package channel

import (
	"context"
	"time"

	"github.com/nao1215/taskboard/internal/notification"
)

// Context は1回の配信判定・配信に必要な情報。
type Context struct {
	User         *notification.User
	Notification *notification.Notification
	// Online は判定時点でユーザーがライブ接続を持っていたかどうか。
	Online bool
	Now    time.Time
	// RetryAttempt は0始まりの再試行回数。
	RetryAttempt int
	MaxRetries   int
}

// Result は配信結果。
type Result struct {
	Success bool
	// Deferred はダイジェストなどで後から送信されることを表す。Successと同時に真になる。
	Deferred    bool
	DeliveryID  string
	Err         error
	DeliveredAt time.Time
}

// Strategy は1つの配信チャネルの配信方法。
type Strategy interface {
	// Channel は担当するチャネルを返す。
	Channel() notification.Channel
	// CanDeliver は通知をこのチャネルで配信できるかを返す。副作用を持たない。
	CanDeliver(ctx context.Context, dc *Context) bool
	// Deliver は通知を配信する。失敗はResult.Errで返す。
	Deliver(ctx context.Context, dc *Context) Result
	// Priority は同点時の優先度を返す。小さいほど優先される。
	Priority() int
}

// Eligible は全チャネル共通の配信条件を判定する。
// チャネルが有効でミュートされておらず、通知種別が許可され、有効期限内であること。
func Eligible(dc *Context, ch notification.Channel) bool {
	if dc == nil || dc.User == nil || dc.Notification == nil {
		return false
	}
	prefs := dc.User.Preferences
	if !prefs.ChannelEnabled(ch) || prefs.IsMuted(ch) {
		return false
	}
	if !prefs.TypeAllowed(dc.Notification.Type, ch) {
		return false
	}
	return !dc.Notification.Expired(dc.Now)
}

func success(id string, now time.Time) Result {
	return Result{Success: true, DeliveryID: id, DeliveredAt: now}
}

func failure(err error) Result {
	return Result{Err: err}
}
