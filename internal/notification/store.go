package notification

import (
	"context"
	"time"
)

const (
	// DefaultListLimit は一覧取得の既定件数。
	DefaultListLimit = 50
	// MaxListLimit は一覧取得の最大件数。
	MaxListLimit = 100
)

// Filter はユーザーの通知一覧の絞り込み条件。
type Filter struct {
	Status *Status
	Type   *Type
	// UnreadOnly がtrueの場合は未読のみを返す。
	UnreadOnly bool
	Limit      int
	Offset     int
}

// Normalize は件数とオフセットを有効な範囲に丸めたFilterを返す。
func (f Filter) Normalize() Filter {
	if f.Limit <= 0 {
		f.Limit = DefaultListLimit
	}
	if f.Limit > MaxListLimit {
		f.Limit = MaxListLimit
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	return f
}

// Stats は通知の集計結果。
type Stats struct {
	Total    int            `json:"total"`
	Unread   int            `json:"unread"`
	ByStatus map[Status]int `json:"byStatus"`
	ByType   map[Type]int   `json:"byType"`
}

// Attempt はチャネル戦略1回分の配信試行の記録。
type Attempt struct {
	ID             string  `json:"id"`
	NotificationID string  `json:"notificationId"`
	Channel        Channel `json:"channel"`
	// Number は同一チャネル内での試行番号（1始まり）。
	Number      int       `json:"attempt"`
	Success     bool      `json:"success"`
	Deferred    bool      `json:"deferred"`
	DeliveryID  string    `json:"deliveryId,omitempty"`
	Error       string    `json:"error,omitempty"`
	AttemptedAt time.Time `json:"attemptedAt"`
}

// Store は通知の永続化層。
// Updateの実装はApplyPatchで状態遷移と不変条件を検証しなければならない。
type Store interface {
	// Create は通知を保存する。
	Create(ctx context.Context, n *Notification) error
	// Get は通知を1件取得する。存在しない場合はErrNotFoundを返す。
	Get(ctx context.Context, id string) (*Notification, error)
	// FindByUser はユーザーの通知を新しい順に返す。
	FindByUser(ctx context.Context, userID string, f Filter) ([]*Notification, error)
	// Update は通知にPatchを適用し、更新後の通知を返す。
	Update(ctx context.Context, id string, p Patch) (*Notification, error)
	// MarkAllAsRead はユーザーの未読通知をすべて既読にし、件数を返す。
	MarkAllAsRead(ctx context.Context, userID string) (int, error)
	// Stats は集計結果を返す。userIDが空の場合は全体を集計する。
	Stats(ctx context.Context, userID string) (Stats, error)
	// RecordAttempt は配信試行を記録する。
	RecordAttempt(ctx context.Context, a *Attempt) error
	// Attempts は通知の配信試行を古い順に返す。
	Attempts(ctx context.Context, notificationID string) ([]*Attempt, error)
	// DeleteOlderThan はbeforeより前に作成された通知を削除し、件数を返す。
	DeleteOlderThan(ctx context.Context, before time.Time) (int, error)
}

// Directory は受信者の解決を行う。
type Directory interface {
	// User はユーザーを返す。存在しない場合はErrNotFoundを返す。
	User(ctx context.Context, id string) (*User, error)
}
