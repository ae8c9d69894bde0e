package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nao1215/taskboard/internal/notification"
)

var _ notification.Store = (*Store)(nil)

const notificationColumns = `id, user_id, type, title, message, data, channels, status, delivery_attempts,
	source_id, source_type, triggered_by, priority, expires_at, created_at, updated_at, sent_at, read_at`

// unreadCondition は未読通知の条件。
const unreadCondition = `read_at IS NULL AND status IN ('SENT', 'DELIVERED')`

// rowScanner は*sql.Rowと*sql.Rowsの共通インターフェース。
type rowScanner interface {
	Scan(dest ...any) error
}

// Create は通知を保存する。ID・作成日時が空の場合はここで補完しない。
func (s *Store) Create(ctx context.Context, n *notification.Notification) error {
	if err := n.Validate(); err != nil {
		return err
	}
	data, err := json.Marshal(nonNilData(n.Data))
	if err != nil {
		return fmt.Errorf("通知データのシリアライズに失敗: %w", err)
	}
	channels, err := json.Marshal(nonNilChannels(n.Channels))
	if err != nil {
		return fmt.Errorf("配信チャネルのシリアライズに失敗: %w", err)
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = s.now()
	}
	if n.UpdatedAt.IsZero() {
		n.UpdatedAt = n.CreatedAt
	}
	if n.Metadata.Priority == "" {
		n.Metadata.Priority = notification.PriorityNormal
	}

	_, err = s.db.ExecContext(ctx, `INSERT INTO notifications (`+notificationColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		n.ID, n.UserID, string(n.Type), n.Title, n.Message, string(data), string(channels),
		string(n.Status), n.DeliveryAttempts,
		n.Metadata.SourceID, n.Metadata.SourceType, n.Metadata.TriggeredBy, string(n.Metadata.Priority),
		formatNullTime(n.Metadata.ExpiresAt),
		formatTime(n.CreatedAt), formatTime(n.UpdatedAt),
		formatNullTime(n.SentAt), formatNullTime(n.ReadAt),
	)
	if err != nil {
		return fmt.Errorf("通知の保存に失敗: %w", err)
	}
	return nil
}

// Get は通知を1件取得する。
func (s *Store) Get(ctx context.Context, id string) (*notification.Notification, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+notificationColumns+` FROM notifications WHERE id = ?`, id)
	n, err := scanNotification(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notification.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("通知の取得に失敗: %w", err)
	}
	return n, nil
}

// FindByUser はユーザーの通知を新しい順に返す。
func (s *Store) FindByUser(ctx context.Context, userID string, f notification.Filter) ([]*notification.Notification, error) {
	f = f.Normalize()

	where := []string{"user_id = ?"}
	args := []any{userID}
	if f.Status != nil {
		where = append(where, "status = ?")
		args = append(args, string(*f.Status))
	}
	if f.Type != nil {
		where = append(where, "type = ?")
		args = append(args, string(*f.Type))
	}
	if f.UnreadOnly {
		where = append(where, unreadCondition)
	}
	args = append(args, f.Limit, f.Offset)

	query := `SELECT ` + notificationColumns + ` FROM notifications WHERE ` +
		strings.Join(where, " AND ") + ` ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("通知一覧の取得に失敗: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var list []*notification.Notification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, fmt.Errorf("通知の読み取りに失敗: %w", err)
		}
		list = append(list, n)
	}
	return list, rows.Err()
}

// Update は通知にPatchを適用する。
// 読み取り・検証・書き込みを1つのトランザクションで行う。
func (s *Store) Update(ctx context.Context, id string, p notification.Patch) (*notification.Notification, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("トランザクション開始に失敗: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	row := tx.QueryRowContext(ctx, `SELECT `+notificationColumns+` FROM notifications WHERE id = ?`, id)
	n, err := scanNotification(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notification.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("通知の取得に失敗: %w", err)
	}

	changed, err := notification.ApplyPatch(n, p, s.now())
	if err != nil {
		return nil, err
	}
	if !changed {
		return n, nil
	}

	channels, err := json.Marshal(nonNilChannels(n.Channels))
	if err != nil {
		return nil, fmt.Errorf("配信チャネルのシリアライズに失敗: %w", err)
	}
	_, err = tx.ExecContext(ctx, `UPDATE notifications
		SET status = ?, delivery_attempts = ?, channels = ?, updated_at = ?, sent_at = ?, read_at = ?
		WHERE id = ?`,
		string(n.Status), n.DeliveryAttempts, string(channels), formatTime(n.UpdatedAt),
		formatNullTime(n.SentAt), formatNullTime(n.ReadAt), id,
	)
	if err != nil {
		return nil, fmt.Errorf("通知の更新に失敗: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("トランザクションのコミットに失敗: %w", err)
	}
	return n, nil
}

// MarkAllAsRead はユーザーの未読通知をすべて既読にし、更新件数を返す。
// 既読・失敗・キャンセル済みなどの通知は変更しない。
func (s *Store) MarkAllAsRead(ctx context.Context, userID string) (int, error) {
	now := formatTime(s.now())
	res, err := s.db.ExecContext(ctx, `UPDATE notifications
		SET status = 'READ', read_at = ?, updated_at = ?
		WHERE user_id = ? AND `+unreadCondition, now, now, userID)
	if err != nil {
		return 0, fmt.Errorf("一括既読の更新に失敗: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("更新件数の取得に失敗: %w", err)
	}
	return int(n), nil
}

// Stats は状態別・種別ごとの件数と未読数を集計する。
func (s *Store) Stats(ctx context.Context, userID string) (notification.Stats, error) {
	query := `SELECT status, type, COUNT(*),
		COALESCE(SUM(CASE WHEN ` + unreadCondition + ` THEN 1 ELSE 0 END), 0)
		FROM notifications`
	var args []any
	if userID != "" {
		query += ` WHERE user_id = ?`
		args = append(args, userID)
	}
	query += ` GROUP BY status, type`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return notification.Stats{}, fmt.Errorf("通知の集計に失敗: %w", err)
	}
	defer func() { _ = rows.Close() }()

	stats := notification.Stats{
		ByStatus: make(map[notification.Status]int),
		ByType:   make(map[notification.Type]int),
	}
	for rows.Next() {
		var status, typ string
		var count, unread int
		if err := rows.Scan(&status, &typ, &count, &unread); err != nil {
			return notification.Stats{}, fmt.Errorf("集計結果の読み取りに失敗: %w", err)
		}
		stats.Total += count
		stats.Unread += unread
		stats.ByStatus[notification.Status(status)] += count
		stats.ByType[notification.Type(typ)] += count
	}
	return stats, rows.Err()
}

// DeleteOlderThan はbeforeより前に作成された通知と、その配信試行を削除する。
func (s *Store) DeleteOlderThan(ctx context.Context, before time.Time) (int, error) {
	return s.deleteWhere(ctx, "created_at < ?", formatTime(before))
}

// DeleteExpired は有効期限がnowを過ぎた通知と、その配信試行を削除する。
func (s *Store) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	return s.deleteWhere(ctx, "expires_at IS NOT NULL AND expires_at < ?", formatTime(now))
}

func (s *Store) deleteWhere(ctx context.Context, cond string, args ...any) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("トランザクション開始に失敗: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM delivery_attempts WHERE notification_id IN (SELECT id FROM notifications WHERE `+cond+`)`,
		args...); err != nil {
		return 0, fmt.Errorf("配信試行の削除に失敗: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM notifications WHERE `+cond, args...)
	if err != nil {
		return 0, fmt.Errorf("通知の削除に失敗: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("削除件数の取得に失敗: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("トランザクションのコミットに失敗: %w", err)
	}
	return int(n), nil
}

func scanNotification(row rowScanner) (*notification.Notification, error) {
	var (
		n                         notification.Notification
		typ, status, priority     string
		data, channels            string
		createdAt, updatedAt      string
		expiresAt, sentAt, readAt sql.NullString
	)
	err := row.Scan(
		&n.ID, &n.UserID, &typ, &n.Title, &n.Message, &data, &channels, &status, &n.DeliveryAttempts,
		&n.Metadata.SourceID, &n.Metadata.SourceType, &n.Metadata.TriggeredBy, &priority,
		&expiresAt, &createdAt, &updatedAt, &sentAt, &readAt,
	)
	if err != nil {
		return nil, err
	}
	n.Type = notification.Type(typ)
	n.Status = notification.Status(status)
	n.Metadata.Priority = notification.Priority(priority)

	if err := json.Unmarshal([]byte(data), &n.Data); err != nil {
		return nil, fmt.Errorf("通知データのデシリアライズに失敗: %w", err)
	}
	if err := json.Unmarshal([]byte(channels), &n.Channels); err != nil {
		return nil, fmt.Errorf("配信チャネルのデシリアライズに失敗: %w", err)
	}
	if n.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if n.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	if n.Metadata.ExpiresAt, err = parseNullTime(expiresAt); err != nil {
		return nil, err
	}
	if n.SentAt, err = parseNullTime(sentAt); err != nil {
		return nil, err
	}
	if n.ReadAt, err = parseNullTime(readAt); err != nil {
		return nil, err
	}
	return &n, nil
}

func nonNilData(d map[string]any) map[string]any {
	if d == nil {
		return map[string]any{}
	}
	return d
}

func nonNilChannels(c []notification.Channel) []notification.Channel {
	if c == nil {
		return []notification.Channel{}
	}
	return c
}
