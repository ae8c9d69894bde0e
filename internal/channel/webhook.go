package channel

import (
	"context"
	"net/url"
	"time"

	"github.com/google/uuid"

	"github.com/nao1215/taskboard/internal/notification"
	"github.com/nao1215/taskboard/pkg/httpclient"
)

// webhookPayload はWebhookへ送るJSON。
type webhookPayload struct {
	Event        string                     `json:"event"`
	DeliveryID   string                     `json:"deliveryId"`
	Notification *notification.Notification `json:"notification"`
	SentAt       time.Time                  `json:"sentAt"`
}

// Webhook はユーザーが設定したURLへ通知をPOSTする。
type Webhook struct {
	client *httpclient.Client
}

// NewWebhook はWebhook戦略を生成する。
func NewWebhook(timeout time.Duration) *Webhook {
	var opts []httpclient.Option
	if timeout > 0 {
		opts = append(opts, httpclient.WithTimeout(timeout))
	}
	opts = append(opts, httpclient.WithHeader("User-Agent", "taskboard-notification/1"))
	return &Webhook{client: httpclient.New("", opts...)}
}

// Channel は担当するチャネルを返す。
func (w *Webhook) Channel() notification.Channel { return notification.ChannelWebhook }

// Priority は優先度を返す。
func (w *Webhook) Priority() int { return notification.ChannelWebhook.Priority() }

// CanDeliver はhttpまたはhttpsのURLが設定されていればtrueを返す。
func (w *Webhook) CanDeliver(_ context.Context, dc *Context) bool {
	if !Eligible(dc, notification.ChannelWebhook) {
		return false
	}
	u, err := url.Parse(dc.User.Preferences.WebhookURL)
	return err == nil && (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

// Deliver は通知をJSONでPOSTする。2xx応答で成功とする。
func (w *Webhook) Deliver(ctx context.Context, dc *Context) Result {
	id := "webhook_" + uuid.New().String()
	payload := webhookPayload{
		Event:        "notification",
		DeliveryID:   id,
		Notification: dc.Notification,
		SentAt:       dc.Now,
	}
	if err := w.client.PostJSON(ctx, dc.User.Preferences.WebhookURL, payload, nil); err != nil {
		return failure(err)
	}
	return success(id, dc.Now)
}
