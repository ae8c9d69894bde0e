package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/nao1215/taskboard/internal/notification"
)

var _ notification.Directory = (*Store)(nil)

// User は受信者を取得する。登録済みのプッシュトークンも含む。
func (s *Store) User(ctx context.Context, id string) (*notification.User, error) {
	var (
		u     notification.User
		prefs string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, email, name, timezone, preferences FROM users WHERE id = ?`, id,
	).Scan(&u.ID, &u.Email, &u.Name, &u.Timezone, &prefs)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notification.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("ユーザーの取得に失敗: %w", err)
	}

	u.Preferences = notification.DefaultPreferences()
	if prefs != "" && prefs != "{}" {
		if err := json.Unmarshal([]byte(prefs), &u.Preferences); err != nil {
			return nil, fmt.Errorf("通知設定のデシリアライズに失敗: %w", err)
		}
	}
	if u.Preferences.QuietHours.Timezone == "" {
		u.Preferences.QuietHours.Timezone = u.Timezone
	}

	tokens, err := s.PushTokens(ctx, id)
	if err != nil {
		return nil, err
	}
	u.PushTokens = tokens
	return &u, nil
}

// SaveUser は受信者と通知設定を登録または更新する。プッシュトークンは変更しない。
func (s *Store) SaveUser(ctx context.Context, u *notification.User) error {
	if u.ID == "" {
		return fmt.Errorf("%w: ユーザーIDが空です", notification.ErrValidation)
	}
	prefs, err := json.Marshal(u.Preferences)
	if err != nil {
		return fmt.Errorf("通知設定のシリアライズに失敗: %w", err)
	}
	tz := u.Timezone
	if tz == "" {
		tz = "UTC"
	}
	now := formatTime(s.now())
	_, err = s.db.ExecContext(ctx, `INSERT INTO users (id, email, name, timezone, preferences, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			email = excluded.email,
			name = excluded.name,
			timezone = excluded.timezone,
			preferences = excluded.preferences,
			updated_at = excluded.updated_at`,
		u.ID, u.Email, u.Name, tz, string(prefs), now, now)
	if err != nil {
		return fmt.Errorf("ユーザーの保存に失敗: %w", err)
	}
	return nil
}

// AddPushToken はユーザーにプッシュトークンを登録する。登録済みの場合は何もしない。
func (s *Store) AddPushToken(ctx context.Context, userID, token, platform string) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO push_tokens (user_id, token, platform, created_at)
		VALUES (?, ?, ?, ?) ON CONFLICT(user_id, token) DO NOTHING`,
		userID, token, platform, formatTime(s.now()))
	if err != nil {
		return fmt.Errorf("プッシュトークンの登録に失敗: %w", err)
	}
	return nil
}

// RemovePushToken はプッシュトークンを削除する。ゲートウェイが無効と判定したトークンの掃除に使う。
func (s *Store) RemovePushToken(ctx context.Context, userID, token string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM push_tokens WHERE user_id = ? AND token = ?`, userID, token); err != nil {
		return fmt.Errorf("プッシュトークンの削除に失敗: %w", err)
	}
	return nil
}

// PushTokens はユーザーのプッシュトークンを登録順に返す。
func (s *Store) PushTokens(ctx context.Context, userID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT token FROM push_tokens WHERE user_id = ? ORDER BY created_at, token`, userID)
	if err != nil {
		return nil, fmt.Errorf("プッシュトークンの取得に失敗: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var tokens []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, fmt.Errorf("プッシュトークンの読み取りに失敗: %w", err)
		}
		tokens = append(tokens, t)
	}
	return tokens, rows.Err()
}
