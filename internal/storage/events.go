package storage

import (
	"context"
	"fmt"
	"time"
)

// RecordEvent はドメインイベントを処理済みとして記録する。
// 初めて記録した場合はtrue、既に記録済みの場合はfalseを返す。
func (s *Store) RecordEvent(ctx context.Context, id, eventType, aggregateID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `INSERT OR IGNORE INTO processed_events
		(id, event_type, aggregate_id, processed_at) VALUES (?, ?, ?, ?)`,
		id, eventType, aggregateID, formatTime(s.now()),
	)
	if err != nil {
		return false, fmt.Errorf("処理済みイベントの記録に失敗: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("処理済みイベントの記録に失敗: %w", err)
	}
	return n == 1, nil
}

// ForgetEvent は処理済みの記録を取り消す。配信の受け付けに失敗したイベントを再処理できるようにする。
func (s *Store) ForgetEvent(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM processed_events WHERE id = ?`, id); err != nil {
		return fmt.Errorf("処理済みイベントの削除に失敗: %w", err)
	}
	return nil
}

// DeleteEventsBefore はcutoffより前に処理したイベントの記録を削除し、件数を返す。
func (s *Store) DeleteEventsBefore(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM processed_events WHERE processed_at < ?`, formatTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("処理済みイベントの削除に失敗: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("削除件数の取得に失敗: %w", err)
	}
	return int(n), nil
}
