package channel

import (
	"context"
	"fmt"
	"net/mail"

	"github.com/nao1215/taskboard/internal/digest"
	"github.com/nao1215/taskboard/internal/email"
	"github.com/nao1215/taskboard/internal/notification"
)

// EmailRenderer は通知1件分のメールを描画する。
type EmailRenderer interface {
	Notification(u *notification.User, n *notification.Notification) (email.Message, error)
}

// Email はメールで通知を配信する。
// ダイジェストを設定したユーザーには緊急以外の通知をキューへ積む。
type Email struct {
	renderer EmailRenderer
	sender   email.Sender
	queue    digest.Queue
}

// NewEmail はEmail戦略を生成する。queueがnilの場合は常に即時送信する。
func NewEmail(renderer EmailRenderer, sender email.Sender, queue digest.Queue) *Email {
	return &Email{renderer: renderer, sender: sender, queue: queue}
}

// Channel は担当するチャネルを返す。
func (e *Email) Channel() notification.Channel { return notification.ChannelEmail }

// Priority は優先度を返す。
func (e *Email) Priority() int { return notification.ChannelEmail.Priority() }

// CanDeliver はオンライン状態に関係なく、有効なメールアドレスがあればtrueを返す。
func (e *Email) CanDeliver(_ context.Context, dc *Context) bool {
	if !Eligible(dc, notification.ChannelEmail) {
		return false
	}
	return validAddress(dc.User.Email)
}

// Deliver はメールを送信する。ダイジェスト対象の場合はキューへ積み、Deferredとして成功を返す。
func (e *Email) Deliver(ctx context.Context, dc *Context) Result {
	n := dc.Notification
	freq := dc.User.Preferences.DigestFrequency()
	if e.queue != nil && freq != notification.DigestImmediate && n.Metadata.Priority != notification.PriorityUrgent {
		if err := e.queue.Enqueue(ctx, freq, digest.ItemFrom(n)); err != nil {
			return failure(fmt.Errorf("ダイジェストへの追加に失敗: %w", err))
		}
		return Result{
			Success:     true,
			Deferred:    true,
			DeliveryID:  fmt.Sprintf("email_digest_%s_%s", n.ID, freq),
			DeliveredAt: dc.Now,
		}
	}

	msg, err := e.renderer.Notification(dc.User, n)
	if err != nil {
		return failure(err)
	}
	res := e.sender.Send(ctx, msg)
	if !res.Success {
		return failure(res.Err)
	}
	return success(res.MessageID, dc.Now)
}

// validAddress はRFC 5322のアドレスとして解釈できる単一のアドレスかどうかを返す。
func validAddress(addr string) bool {
	if addr == "" {
		return false
	}
	parsed, err := mail.ParseAddress(addr)
	return err == nil && parsed.Address == addr
}
