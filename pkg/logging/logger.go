package logging

import (
	"io"
	"os"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

var (
	// mu はグローバルロガーの差し替えを保護する。
	mu sync.RWMutex
	// logger はInitで設定されるパッケージグローバルなロガー。
	logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
)

// ParseLevel は文字列のログレベルをzerologのレベルに変換する。
// 未知の値はinfoとして扱う。
func ParseLevel(level string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "disabled", "off":
		return zerolog.Disabled
	default:
		return zerolog.InfoLevel
	}
}

// Init はグローバルロガーを初期化する。
// wがnilの場合は標準出力に書き込む。
func Init(level string, w io.Writer) {
	if w == nil {
		w = os.Stdout
	}
	l := zerolog.New(w).Level(ParseLevel(level)).With().Timestamp().Logger()

	mu.Lock()
	logger = l
	mu.Unlock()
}

// Get はグローバルロガーを返す。
func Get() *zerolog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	l := logger
	return &l
}

// With はコンポーネント名を付与した子ロガーを返す。
func With(component string) zerolog.Logger {
	return Get().With().Str("component", component).Logger()
}
