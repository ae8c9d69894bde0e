// Package storage は通知・配信試行・受信者情報をSQLiteに永続化する。
//
// notification.Storeとnotification.Directoryの実装を提供する。
// 状態遷移の検証はnotification.ApplyPatchに委ね、トランザクション内で適用する。
package storage

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/nao1215/taskboard/pkg/migration"
)

//go:embed migrations/*.sql
var migrations embed.FS

// timeLayout は日時カラムの保存形式。UTC固定・桁固定のため文字列比較で順序が保たれる。
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Open はSQLiteデータベースを開く。dsnに":memory:"を指定するとインメモリDBになる。
// SQLiteの書き込みは直列化されるため接続数は1に制限する。
func Open(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("データベースのオープンに失敗: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("データベースへの接続に失敗: %w", err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout = 5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("PRAGMAの設定に失敗: %w", err)
	}
	return db, nil
}

// Migrate は未適用のマイグレーションを適用し、適用した件数を返す。
func Migrate(ctx context.Context, db *sql.DB) (int, error) {
	return migration.Run(ctx, db, migrations, "migrations")
}

// Store はnotification.Storeとnotification.DirectoryのSQLite実装。
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// New はStoreを生成する。マイグレーションは事前に適用しておくこと。
func New(db *sql.DB) *Store {
	return &Store{
		db:  db,
		now: func() time.Time { return time.Now().UTC() },
	}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func formatNullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("日時の解析に失敗: %q: %w", s, err)
	}
	return t, nil
}

func parseNullTime(s sql.NullString) (*time.Time, error) {
	if !s.Valid {
		return nil, nil
	}
	t, err := parseTime(s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
