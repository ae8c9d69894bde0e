// Package digest はダイジェスト配信のためにメール通知を蓄積し、定期的にまとめて送信する。
package digest

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/nao1215/taskboard/internal/notification"
)

// Item はダイジェストに含める通知のスナップショット。
type Item struct {
	NotificationID string            `json:"notificationId"`
	UserID         string            `json:"userId"`
	Type           notification.Type `json:"type"`
	Title          string            `json:"title"`
	Message        string            `json:"message"`
	CreatedAt      time.Time         `json:"createdAt"`
}

// ItemFrom は通知からItemを作る。
func ItemFrom(n *notification.Notification) Item {
	return Item{
		NotificationID: n.ID,
		UserID:         n.UserID,
		Type:           n.Type,
		Title:          n.Title,
		Message:        n.Message,
		CreatedAt:      n.CreatedAt,
	}
}

// Queue はダイジェスト待ちの通知を頻度・ユーザーごとに保持する。
type Queue interface {
	// Enqueue は通知を追加する。
	Enqueue(ctx context.Context, freq notification.DigestFrequency, item Item) error
	// Users は通知が溜まっているユーザーIDを返す。
	Users(ctx context.Context, freq notification.DigestFrequency) ([]string, error)
	// Drain はユーザーの通知を追加順に取り出して空にする。
	Drain(ctx context.Context, freq notification.DigestFrequency, userID string) ([]Item, error)
}

// MemoryQueue はプロセス内で保持するQueue。Redisを使わない構成で使用する。
type MemoryQueue struct {
	mu    sync.Mutex
	items map[notification.DigestFrequency]map[string][]Item
}

// NewMemoryQueue はMemoryQueueを生成する。
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{items: make(map[notification.DigestFrequency]map[string][]Item)}
}

// Enqueue は通知を追加する。
func (q *MemoryQueue) Enqueue(_ context.Context, freq notification.DigestFrequency, item Item) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	byUser, ok := q.items[freq]
	if !ok {
		byUser = make(map[string][]Item)
		q.items[freq] = byUser
	}
	byUser[item.UserID] = append(byUser[item.UserID], item)
	return nil
}

// Users は通知が溜まっているユーザーIDをソートして返す。
func (q *MemoryQueue) Users(_ context.Context, freq notification.DigestFrequency) ([]string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	users := make([]string, 0, len(q.items[freq]))
	for id := range q.items[freq] {
		users = append(users, id)
	}
	sort.Strings(users)
	return users, nil
}

// Drain はユーザーの通知を取り出して空にする。
func (q *MemoryQueue) Drain(_ context.Context, freq notification.DigestFrequency, userID string) ([]Item, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	items := q.items[freq][userID]
	delete(q.items[freq], userID)
	return items, nil
}
