package notification

import (
	"fmt"
	"time"
	"unicode/utf8"
)

const (
	// MaxTitleLength はタイトルの最大文字数。
	MaxTitleLength = 200
	// MaxMessageLength はメッセージの最大文字数。
	MaxMessageLength = 1000
)

// Metadata は通知の発生元や重要度などの付帯情報。
type Metadata struct {
	// SourceID は通知の発生元エンティティの識別子（例: タスクID）。
	SourceID string `json:"sourceId,omitempty"`
	// SourceType は発生元エンティティの種類（例: "task"）。
	SourceType string `json:"sourceType,omitempty"`
	// TriggeredBy は通知を発生させたユーザーのID。
	TriggeredBy string `json:"triggeredBy,omitempty"`
	// Priority は通知の重要度。
	Priority Priority `json:"priority"`
	// ExpiresAt を過ぎた通知はどのチャネルからも配信されない。
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
}

// Notification は1人の受信者に対する1件の通知レコード。
type Notification struct {
	// ID は通知の一意識別子（UUID）。
	ID string `json:"id"`
	// UserID は受信者のユーザーID。
	UserID string `json:"userId"`
	// Type は通知の種類。
	Type Type `json:"type"`
	// Title は通知のタイトル。
	Title string `json:"title"`
	// Message は通知本文。
	Message string `json:"message"`
	// Data は通知種別ごとの構造化データ。
	Data map[string]any `json:"data"`
	// Channels は配信に使用した（する）チャネルの集合。
	Channels []Channel `json:"channels"`
	// Status は配信状態。
	Status Status `json:"status"`
	// DeliveryAttempts は配信試行回数。減少しない。
	DeliveryAttempts int `json:"deliveryAttempts"`
	// Metadata は付帯情報。
	Metadata Metadata `json:"metadata"`
	// CreatedAt は作成日時。
	CreatedAt time.Time `json:"createdAt"`
	// UpdatedAt は最終更新日時。
	UpdatedAt time.Time `json:"updatedAt"`
	// SentAt は配信成功日時。
	SentAt *time.Time `json:"sentAt,omitempty"`
	// ReadAt は既読日時。設定されている場合StatusはREADである。
	ReadAt *time.Time `json:"readAt,omitempty"`
}

// Expired は通知が有効期限切れかどうかを返す。
func (n *Notification) Expired(now time.Time) bool {
	return n.Metadata.ExpiresAt != nil && now.After(*n.Metadata.ExpiresAt)
}

// HasChannel は通知が指定チャネルを含むかどうかを返す。
func (n *Notification) HasChannel(c Channel) bool {
	for _, ch := range n.Channels {
		if ch == c {
			return true
		}
	}
	return false
}

// Unread は未読として数えられる通知かどうかを返す。
func (n *Notification) Unread() bool {
	return n.ReadAt == nil && (n.Status == StatusSent || n.Status == StatusDelivered)
}

// Validate は作成前の通知内容を検証する。
func (n *Notification) Validate() error {
	if n.UserID == "" {
		return fmt.Errorf("%w: 受信者IDが空です", ErrValidation)
	}
	return ValidateContent(n.Type, n.Title, n.Message, n.Channels, n.Metadata.Priority)
}

// ValidateContent は通知の種類・タイトル・本文・チャネル・重要度を検証する。
// 受信者を伴わないイベント単位の検証でも使用する。
func ValidateContent(t Type, title, message string, channels []Channel, priority Priority) error {
	if !t.Valid() {
		return fmt.Errorf("%w: 未知の通知種別 %q", ErrValidation, t)
	}
	if n := utf8.RuneCountInString(title); n == 0 || n > MaxTitleLength {
		return fmt.Errorf("%w: タイトルは1〜%d文字で指定してください", ErrValidation, MaxTitleLength)
	}
	if n := utf8.RuneCountInString(message); n == 0 || n > MaxMessageLength {
		return fmt.Errorf("%w: メッセージは1〜%d文字で指定してください", ErrValidation, MaxMessageLength)
	}
	for _, c := range channels {
		if !c.Valid() {
			return fmt.Errorf("%w: 未知の配信チャネル %q", ErrValidation, c)
		}
	}
	if priority != "" && !priority.Valid() {
		return fmt.Errorf("%w: 未知の重要度 %q", ErrValidation, priority)
	}
	return nil
}
