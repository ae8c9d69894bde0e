package orchestrator

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/nao1215/taskboard/internal/notification"
)

// Event は通知を発生させる出来事。受信者ごとに1件の通知になる。
type Event struct {
	ID      string            `json:"id"`
	Type    notification.Type `json:"type"`
	ActorID string            `json:"actorId"`
	Title   string            `json:"title"`
	Message string            `json:"message"`
	Data    map[string]any    `json:"data,omitempty"`
	// Recipients は受信者のユーザーID。ActorIDと重複は除外される。
	Recipients []string `json:"recipients"`
	// Channels は主チャネルに加えて明示的に要求されたチャネル。
	Channels   []notification.Channel `json:"channels,omitempty"`
	Priority   notification.Priority  `json:"priority,omitempty"`
	SourceID   string                 `json:"sourceId,omitempty"`
	SourceType string                 `json:"sourceType,omitempty"`
	ExpiresAt  *time.Time             `json:"expiresAt,omitempty"`
}

// Validate はイベントを検証する。エラーはnotification.ErrValidationをラップする。
func (e *Event) Validate() error {
	if err := notification.ValidateContent(e.Type, e.Title, e.Message, e.Channels, e.Priority); err != nil {
		return err
	}
	if len(e.Recipients) == 0 {
		return fmt.Errorf("%w: 受信者が指定されていません", notification.ErrValidation)
	}
	return nil
}

// normalize はIDと重要度の既定値を補う。
func (e *Event) normalize() {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Priority == "" {
		e.Priority = notification.PriorityNormal
	}
}

// targets はアクターを除き、重複を取り除いた受信者を返す。
func (e *Event) targets() []string {
	seen := make(map[string]struct{}, len(e.Recipients))
	out := make([]string, 0, len(e.Recipients))
	for _, id := range e.Recipients {
		if id == "" || id == e.ActorID {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

// Summary はNotifyの結果の集計。
type Summary struct {
	EventID    string `json:"eventId"`
	Recipients int    `json:"recipients"`
	Created    int    `json:"created"`
	Sent       int    `json:"sent"`
	Deferred   int    `json:"deferred"`
	Failed     int    `json:"failed"`
	Suppressed int    `json:"suppressed"`
	Skipped    int    `json:"skipped"`
	// Notifications は作成した通知のID。順序は保証しない。
	Notifications []string `json:"notifications"`
}

// Receipt はDispatchが受け付けたイベントの情報。
type Receipt struct {
	EventID    string `json:"eventId"`
	Recipients int    `json:"recipients"`
}
