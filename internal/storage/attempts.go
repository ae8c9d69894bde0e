package storage

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"github.com/nao1215/taskboard/internal/notification"
)

// RecordAttempt は配信試行を記録する。IDが空の場合はUUIDを採番する。
func (s *Store) RecordAttempt(ctx context.Context, a *notification.Attempt) error {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	if a.AttemptedAt.IsZero() {
		a.AttemptedAt = s.now()
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO delivery_attempts
		(id, notification_id, channel, attempt, success, deferred, delivery_id, error, attempted_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.NotificationID, string(a.Channel), a.Number, a.Success, a.Deferred,
		a.DeliveryID, a.Error, formatTime(a.AttemptedAt),
	)
	if err != nil {
		return fmt.Errorf("配信試行の記録に失敗: %w", err)
	}
	return nil
}

// Attempts は通知の配信試行を古い順に返す。
func (s *Store) Attempts(ctx context.Context, notificationID string) ([]*notification.Attempt, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT
		id, notification_id, channel, attempt, success, deferred, delivery_id, error, attempted_at
		FROM delivery_attempts WHERE notification_id = ? ORDER BY attempted_at, rowid`, notificationID)
	if err != nil {
		return nil, fmt.Errorf("配信試行の取得に失敗: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var list []*notification.Attempt
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, fmt.Errorf("配信試行の読み取りに失敗: %w", err)
		}
		list = append(list, a)
	}
	return list, rows.Err()
}

func scanAttempt(row rowScanner) (*notification.Attempt, error) {
	var (
		a           notification.Attempt
		channel     string
		attemptedAt string
		success     sql.NullBool
		deferred    sql.NullBool
	)
	if err := row.Scan(&a.ID, &a.NotificationID, &channel, &a.Number, &success, &deferred,
		&a.DeliveryID, &a.Error, &attemptedAt); err != nil {
		return nil, err
	}
	t, err := parseTime(attemptedAt)
	if err != nil {
		return nil, err
	}
	a.Channel = notification.Channel(channel)
	a.Success = success.Bool
	a.Deferred = deferred.Bool
	a.AttemptedAt = t
	return &a, nil
}
