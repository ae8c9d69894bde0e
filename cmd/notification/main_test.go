package main

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nao1215/taskboard/internal/config"
	"github.com/nao1215/taskboard/internal/email"
	"github.com/nao1215/taskboard/internal/storage"
)

// TestMigrateCommand はmigrateサブコマンドでスキーマが作成されることを検証する。
func TestMigrateCommand(t *testing.T) {
	path := filepath.Join(t.TempDir(), "notification.db")
	t.Setenv("JWT_SECRET", "secret")
	t.Setenv("TASKBOARD_DATABASE_PATH", path)

	for range 2 {
		cmd := newRootCmd()
		cmd.SetArgs([]string{"migrate"})
		require.NoError(t, cmd.ExecuteContext(context.Background()))
	}

	db, err := storage.Open(context.Background(), path)
	require.NoError(t, err)
	defer db.Close()

	var name string
	err = db.QueryRow(`SELECT name FROM sqlite_master WHERE type = 'table' AND name = 'notifications'`).Scan(&name)
	require.NoError(t, err, "notificationsテーブルが作成されていません")
	assert.Equal(t, "notifications", name)
}

// TestMigrateCommand_MissingSecret はJWT_SECRETが無い場合に失敗することを検証する。
func TestMigrateCommand_MissingSecret(t *testing.T) {
	t.Setenv("JWT_SECRET", "")
	t.Setenv("TASKBOARD_DATABASE_PATH", filepath.Join(t.TempDir(), "notification.db"))

	cmd := newRootCmd()
	cmd.SetArgs([]string{"migrate"})
	assert.Error(t, cmd.ExecuteContext(context.Background()))
}

// TestRootCommand はサブコマンドとフラグの構成を検証する。
func TestRootCommand(t *testing.T) {
	t.Parallel()

	cmd := newRootCmd()
	for _, name := range []string{"serve", "migrate"} {
		found, _, err := cmd.Find([]string{name})
		require.NoError(t, err, name)
		assert.Equal(t, name, found.Name())
	}
	assert.NotNil(t, cmd.PersistentFlags().Lookup("config"))
}

// TestNewMailer は設定に応じた送信手段の組み立てを検証する。
func TestNewMailer(t *testing.T) {
	t.Parallel()

	t.Run("未設定の場合はモックで送信できる", func(t *testing.T) {
		t.Parallel()
		mailer := newMailer(config.EmailConfig{From: "noreply@example.com"})

		res := mailer.Send(context.Background(), email.Message{To: "bob@example.com", Subject: "件名", Text: "本文"})
		assert.True(t, res.Success, "err=%v", res.Err)
	})

	t.Run("常にフォールバック送信を返す", func(t *testing.T) {
		t.Parallel()
		mailer := newMailer(config.EmailConfig{API: config.EmailAPI{BaseURL: "http://127.0.0.1:1"}})

		assert.Equal(t, "fallback", mailer.Name())
	})
}
