package realtime

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nao1215/taskboard/internal/notification"
)

// ワイヤー上のイベント名。
const (
	EventJoin             = "join"
	EventLeave            = "leave"
	EventMarkRead         = "mark_notification_read"
	EventNotification     = "notification"
	EventNotificationRead = "notification_read"
	EventError            = "error"
)

// Envelope は送受信する全メッセージの外枠。
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// GroupPayload はjoin/leaveのペイロード。
type GroupPayload struct {
	UserID string `json:"userId"`
}

// MarkReadPayload はmark_notification_readのペイロード。
type MarkReadPayload struct {
	NotificationID string `json:"notificationId"`
}

// NotificationPayload はクライアントへプッシュする通知。
type NotificationPayload struct {
	ID        string                `json:"id"`
	Type      notification.Type     `json:"type"`
	Title     string                `json:"title"`
	Message   string                `json:"message"`
	Data      map[string]any        `json:"data,omitempty"`
	CreatedAt time.Time             `json:"createdAt"`
	Metadata  notification.Metadata `json:"metadata"`
}

// ReadPayload は既読の通知。
type ReadPayload struct {
	NotificationID string    `json:"notificationId"`
	ReadAt         time.Time `json:"readAt"`
}

// ErrorPayload はクライアントへ返すエラー。
type ErrorPayload struct {
	Message        string `json:"message"`
	NotificationID string `json:"notificationId,omitempty"`
}

// NewNotificationPayload は通知からプッシュ用のペイロードを作る。
func NewNotificationPayload(n *notification.Notification) NotificationPayload {
	return NotificationPayload{
		ID:        n.ID,
		Type:      n.Type,
		Title:     n.Title,
		Message:   n.Message,
		Data:      n.Data,
		CreatedAt: n.CreatedAt,
		Metadata:  n.Metadata,
	}
}

// encode はイベント名とペイロードからメッセージを組み立てる。
func encode(event string, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("ペイロードのシリアライズに失敗: %w", err)
	}
	return json.Marshal(Envelope{Event: event, Data: data})
}
