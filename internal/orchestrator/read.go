package orchestrator

import (
	"context"
	"fmt"

	"github.com/nao1215/taskboard/internal/notification"
)

// owned は通知を取得し、userIDの所有であることを確認する。
func (o *Orchestrator) owned(ctx context.Context, userID, id string) (*notification.Notification, error) {
	n, err := o.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if n.UserID != userID {
		return nil, fmt.Errorf("%w: 通知 %s", notification.ErrForbidden, id)
	}
	return n, nil
}

// MarkAsRead は通知を既読にする。既に既読の場合は何も変更せずに返す。
// 主チャネルで配信中の通知は既読を予約し、配信済みになった時点で反映する。
// 戻り値はその時点で既読になった通知。
func (o *Orchestrator) MarkAsRead(ctx context.Context, userID, id string) (*notification.Notification, error) {
	n, err := o.owned(ctx, userID, id)
	if err != nil {
		return nil, err
	}
	if n.Status == notification.StatusRead {
		return n, nil
	}
	if inFlight(n.Status) {
		if readAt, ok := o.deferRead(id); ok {
			read := *n
			read.Status = notification.StatusRead
			read.ReadAt = &readAt
			return &read, nil
		}
		// 取得から予約までの間に配信が終わった
		if n, err = o.owned(ctx, userID, id); err != nil {
			return nil, err
		}
		if n.Status == notification.StatusRead {
			return n, nil
		}
	}
	updated, err := o.store.Update(ctx, id, notification.StatusPatch(notification.StatusRead))
	if err != nil {
		return nil, fmt.Errorf("既読への更新に失敗: %w", err)
	}
	return updated, nil
}

// MarkAllAsRead はユーザーの未読通知をすべて既読にし、件数を返す。
func (o *Orchestrator) MarkAllAsRead(ctx context.Context, userID string) (int, error) {
	return o.store.MarkAllAsRead(ctx, userID)
}

// List はユーザーの通知を新しい順に返す。
func (o *Orchestrator) List(ctx context.Context, userID string, f notification.Filter) ([]*notification.Notification, error) {
	return o.store.FindByUser(ctx, userID, f.Normalize())
}

// Stats はユーザーの通知の集計を返す。
func (o *Orchestrator) Stats(ctx context.Context, userID string) (notification.Stats, error) {
	return o.store.Stats(ctx, userID)
}

// Attempts はユーザーの通知の配信試行を返す。
func (o *Orchestrator) Attempts(ctx context.Context, userID, id string) ([]*notification.Attempt, error) {
	if _, err := o.owned(ctx, userID, id); err != nil {
		return nil, err
	}
	return o.store.Attempts(ctx, id)
}

func inFlight(s notification.Status) bool {
	switch s {
	case notification.StatusPending, notification.StatusRetrying, notification.StatusFailed:
		return true
	}
	return false
}
