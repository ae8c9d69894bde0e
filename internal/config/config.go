// Package config は通知サービスの設定を読み込む。
//
// 既定値、YAMLファイル、.envファイル、環境変数の順に上書きする。
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config は通知サービスの設定。
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Log      LogConfig      `yaml:"log"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	RabbitMQ RabbitMQConfig `yaml:"rabbitmq"`
	Delivery DeliveryConfig `yaml:"delivery"`
	Email    EmailConfig    `yaml:"email"`
	Push     PushConfig     `yaml:"push"`
	Webhook  WebhookConfig  `yaml:"webhook"`
	Realtime RealtimeConfig `yaml:"realtime"`
}

// ServerConfig はHTTPサーバーの設定。
type ServerConfig struct {
	Port            string        `yaml:"port"`
	JWTSecret       string        `yaml:"jwt_secret"`
	AllowedOrigins  []string      `yaml:"allowed_origins"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// LogConfig はログの設定。
type LogConfig struct {
	Level string `yaml:"level"`
}

// DatabaseConfig はSQLiteの設定。
type DatabaseConfig struct {
	Path            string        `yaml:"path"`
	Retention       time.Duration `yaml:"retention"`
	JanitorInterval time.Duration `yaml:"janitor_interval"`
}

// RedisConfig はダイジェストキューの設定。Addrが空の場合はメモリ上のキューを使う。
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

// RabbitMQConfig はイベント受信の設定。URIが空の場合は受信しない。
type RabbitMQConfig struct {
	URI      string `yaml:"uri"`
	Exchange string `yaml:"exchange"`
	Queue    string `yaml:"queue"`
}

// DeliveryConfig は配信の並列度と再試行の設定。
type DeliveryConfig struct {
	Workers        int           `yaml:"workers"`
	MaxAttempts    int           `yaml:"max_attempts"`
	AttemptTimeout time.Duration `yaml:"attempt_timeout"`
	BaseBackoff    time.Duration `yaml:"base_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
}

// EmailConfig はメール送信の設定。
// SMTPとAPIのうち設定されたものを順に試し、どちらも無ければモックで送信する。
type EmailConfig struct {
	From    string        `yaml:"from"`
	AppName string        `yaml:"app_name"`
	AppURL  string        `yaml:"app_url"`
	Timeout time.Duration `yaml:"timeout"`
	SMTP    SMTPConfig    `yaml:"smtp"`
	API     EmailAPI      `yaml:"api"`
}

// SMTPConfig はSMTPサーバーの設定。
type SMTPConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// EmailAPI はメール送信APIの設定。
type EmailAPI struct {
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`
}

// PushConfig はプッシュ通知ゲートウェイの設定。GatewayURLが空の場合はプッシュを無効にする。
type PushConfig struct {
	GatewayURL string        `yaml:"gateway_url"`
	APIKey     string        `yaml:"api_key"`
	Timeout    time.Duration `yaml:"timeout"`
}

// WebhookConfig はWebhook配信の設定。
type WebhookConfig struct {
	Timeout time.Duration `yaml:"timeout"`
}

// RealtimeConfig はWebSocketとプレゼンスの設定。
type RealtimeConfig struct {
	SendBuffer     int           `yaml:"send_buffer"`
	PongWait       time.Duration `yaml:"pong_wait"`
	PresenceShards int           `yaml:"presence_shards"`
}

// Default は既定の設定を返す。
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            "8086",
			AllowedOrigins:  []string{"*"},
			ShutdownTimeout: 15 * time.Second,
		},
		Log: LogConfig{Level: "info"},
		Database: DatabaseConfig{
			Path:            "/data/notification.db",
			Retention:       90 * 24 * time.Hour,
			JanitorInterval: time.Hour,
		},
		Redis: RedisConfig{Prefix: "taskboard:digest"},
		RabbitMQ: RabbitMQConfig{
			Exchange: "task-events",
			Queue:    "notification.task-events",
		},
		Delivery: DeliveryConfig{
			Workers:        8,
			MaxAttempts:    3,
			AttemptTimeout: 8 * time.Second,
			BaseBackoff:    500 * time.Millisecond,
			MaxBackoff:     10 * time.Second,
		},
		Email: EmailConfig{
			From:    "noreply@taskboard.local",
			AppName: "Taskboard",
			AppURL:  "http://localhost:3000",
			Timeout: 8 * time.Second,
			SMTP:    SMTPConfig{Port: 587},
		},
		Push:    PushConfig{Timeout: 5 * time.Second},
		Webhook: WebhookConfig{Timeout: 5 * time.Second},
		Realtime: RealtimeConfig{
			SendBuffer:     64,
			PongWait:       60 * time.Second,
			PresenceShards: 32,
		},
	}
}

// Load は設定ファイルとカレントディレクトリの.envを読み込む。
// pathが空の場合は設定ファイルを読まない。
func Load(path string) (*Config, error) {
	return LoadFiles(path, ".env")
}

// LoadFiles は設定ファイルとenvファイルを指定して設定を読み込む。
// envファイルが存在しない場合は無視する。
func LoadFiles(path, envFile string) (*Config, error) {
	cfg := Default()
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("設定ファイルの読み込みに失敗: %w", err)
		}
		if err := yaml.Unmarshal(b, cfg); err != nil {
			return nil, fmt.Errorf("設定ファイルの解析に失敗: %w", err)
		}
	}

	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf(".envファイルの読み込みに失敗: %w", err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv は環境変数で設定を上書きする。
func (c *Config) applyEnv() error {
	strs := map[string]*string{
		"PORT":                       &c.Server.Port,
		"JWT_SECRET":                 &c.Server.JWTSecret,
		"TASKBOARD_LOG_LEVEL":        &c.Log.Level,
		"TASKBOARD_DATABASE_PATH":    &c.Database.Path,
		"TASKBOARD_REDIS_ADDR":       &c.Redis.Addr,
		"TASKBOARD_REDIS_PASSWORD":   &c.Redis.Password,
		"TASKBOARD_RABBITMQ_URI":     &c.RabbitMQ.URI,
		"TASKBOARD_EMAIL_FROM":       &c.Email.From,
		"TASKBOARD_APP_URL":          &c.Email.AppURL,
		"TASKBOARD_SMTP_HOST":        &c.Email.SMTP.Host,
		"TASKBOARD_SMTP_USERNAME":    &c.Email.SMTP.Username,
		"TASKBOARD_SMTP_PASSWORD":    &c.Email.SMTP.Password,
		"TASKBOARD_EMAIL_API_URL":    &c.Email.API.BaseURL,
		"TASKBOARD_EMAIL_API_KEY":    &c.Email.API.APIKey,
		"TASKBOARD_PUSH_GATEWAY_URL": &c.Push.GatewayURL,
		"TASKBOARD_PUSH_API_KEY":     &c.Push.APIKey,
	}
	for key, dst := range strs {
		if v, ok := os.LookupEnv(key); ok {
			*dst = v
		}
	}

	ints := map[string]*int{
		"TASKBOARD_REDIS_DB":              &c.Redis.DB,
		"TASKBOARD_SMTP_PORT":             &c.Email.SMTP.Port,
		"TASKBOARD_DELIVERY_WORKERS":      &c.Delivery.Workers,
		"TASKBOARD_DELIVERY_MAX_ATTEMPTS": &c.Delivery.MaxAttempts,
	}
	for key, dst := range ints {
		v, ok := os.LookupEnv(key)
		if !ok {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("環境変数 %s が整数ではありません: %w", key, err)
		}
		*dst = n
	}

	durations := map[string]*time.Duration{
		"TASKBOARD_DELIVERY_TIMEOUT": &c.Delivery.AttemptTimeout,
		"TASKBOARD_EMAIL_TIMEOUT":    &c.Email.Timeout,
		"TASKBOARD_RETENTION":        &c.Database.Retention,
	}
	for key, dst := range durations {
		v, ok := os.LookupEnv(key)
		if !ok {
			continue
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("環境変数 %s が期間ではありません: %w", key, err)
		}
		*dst = d
	}

	if v, ok := os.LookupEnv("TASKBOARD_ALLOWED_ORIGINS"); ok {
		c.Server.AllowedOrigins = splitList(v)
	}
	return nil
}

// Validate は必須項目と値の範囲を検証する。
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Port == "" {
		errs = append(errs, errors.New("server.portが必要です"))
	}
	if c.Server.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRETが必要です"))
	}
	if c.Database.Path == "" {
		errs = append(errs, errors.New("database.pathが必要です"))
	}
	if c.Delivery.Workers <= 0 {
		errs = append(errs, errors.New("delivery.workersは1以上である必要があります"))
	}
	if c.Delivery.MaxAttempts <= 0 {
		errs = append(errs, errors.New("delivery.max_attemptsは1以上である必要があります"))
	}
	if c.Delivery.AttemptTimeout <= 0 {
		errs = append(errs, errors.New("delivery.attempt_timeoutは正の値である必要があります"))
	}
	if c.Email.SMTP.Host != "" && (c.Email.SMTP.Port <= 0 || c.Email.SMTP.Port > 65535) {
		errs = append(errs, fmt.Errorf("email.smtp.portが不正です: %d", c.Email.SMTP.Port))
	}
	if c.Email.API.BaseURL != "" && c.Email.API.APIKey == "" {
		errs = append(errs, errors.New("email.api.base_urlにはapi_keyが必要です"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("設定が不正です: %w", errors.Join(errs...))
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, v := range strings.Split(s, ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
