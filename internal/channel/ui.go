package channel

import (
	"context"
	"fmt"

	"github.com/nao1215/taskboard/internal/notification"
)

// RealtimeNotifier はユーザーのライブ接続へ通知を送る。
type RealtimeNotifier interface {
	// PushNotification は通知をユーザーの全接続へ送り、送信できた接続数を返す。
	// 送信先が1つも無い場合はエラーを返す。
	PushNotification(userID string, n *notification.Notification) (int, error)
}

// UI はアプリ内のリアルタイム通知を配信する。
type UI struct {
	notifier RealtimeNotifier
}

// NewUI はUI戦略を生成する。
func NewUI(notifier RealtimeNotifier) *UI {
	return &UI{notifier: notifier}
}

// Channel は担当するチャネルを返す。
func (u *UI) Channel() notification.Channel { return notification.ChannelUI }

// Priority は優先度を返す。
func (u *UI) Priority() int { return notification.ChannelUI.Priority() }

// CanDeliver はユーザーがオンラインでUIチャネルが有効な場合にtrueを返す。
func (u *UI) CanDeliver(_ context.Context, dc *Context) bool {
	return dc != nil && dc.Online && Eligible(dc, notification.ChannelUI)
}

// Deliver はライブ接続へ通知を送る。1つ以上の接続へ送信できれば成功とする。
func (u *UI) Deliver(_ context.Context, dc *Context) Result {
	delivered, err := u.notifier.PushNotification(dc.User.ID, dc.Notification)
	if err != nil {
		return failure(fmt.Errorf("リアルタイム送信に失敗: %w", err))
	}
	return success(fmt.Sprintf("ui_%s_%d", dc.Notification.ID, delivered), dc.Now)
}
