package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"

	"github.com/nao1215/taskboard/internal/channel"
	"github.com/nao1215/taskboard/internal/config"
	"github.com/nao1215/taskboard/internal/consumer"
	"github.com/nao1215/taskboard/internal/digest"
	"github.com/nao1215/taskboard/internal/email"
	"github.com/nao1215/taskboard/internal/orchestrator"
	"github.com/nao1215/taskboard/internal/presence"
	"github.com/nao1215/taskboard/internal/push"
	"github.com/nao1215/taskboard/internal/realtime"
	"github.com/nao1215/taskboard/internal/server"
	"github.com/nao1215/taskboard/internal/storage"
	"github.com/nao1215/taskboard/internal/trigger"
	"github.com/nao1215/taskboard/pkg/logging"
)

// runServe は設定を読み込んで全コンポーネントを組み立て、シグナルを受けるまで稼働する。
func runServe(parent context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logging.Init(cfg.Log.Level, os.Stdout)
	log := logging.With("main")

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := storage.Open(ctx, cfg.Database.Path)
	if err != nil {
		return err
	}
	defer db.Close()
	if _, err := storage.Migrate(ctx, db); err != nil {
		return err
	}
	store := storage.New(db)

	registry := presence.NewRegistry(cfg.Realtime.PresenceShards)
	hub := realtime.NewHub(registry, cfg.Server.JWTSecret,
		realtime.WithAllowedOrigins(cfg.Server.AllowedOrigins),
		realtime.WithSendBuffer(cfg.Realtime.SendBuffer),
		realtime.WithPongWait(cfg.Realtime.PongWait),
	)
	defer hub.Close()

	renderer, err := email.NewRenderer(cfg.Email.AppName, cfg.Email.AppURL)
	if err != nil {
		return err
	}
	mailer := newMailer(cfg.Email)

	queue, closeQueue := newDigestQueue(ctx, cfg.Redis)
	defer closeQueue()
	flusher := digest.NewFlusher(queue, store, renderer, mailer)
	flusher.Start(ctx)
	defer flusher.Stop()

	strategies := []channel.Strategy{
		channel.NewUI(hub),
		channel.NewEmail(renderer, mailer, queue),
		channel.NewWebhook(cfg.Webhook.Timeout),
	}
	if cfg.Push.GatewayURL != "" {
		strategies = append(strategies, channel.NewPush(push.NewGateway(cfg.Push.GatewayURL, cfg.Push.APIKey, cfg.Push.Timeout), store))
	}
	channels := channel.NewRegistry(strategies...)
	log.Info().Interface("channels", channels.Channels()).Msg("配信チャネルを登録しました")

	orch := orchestrator.New(store, store, registry, channels, orchestrator.Config{
		Workers:        cfg.Delivery.Workers,
		MaxAttempts:    cfg.Delivery.MaxAttempts,
		AttemptTimeout: cfg.Delivery.AttemptTimeout,
		BaseBackoff:    cfg.Delivery.BaseBackoff,
		MaxBackoff:     cfg.Delivery.MaxBackoff,
	})
	hub.SetReadMarker(orch)
	events := trigger.NewHandler(store, orch, trigger.WithEventLog(store))

	// consumerErr は未設定の場合nilのままで、selectでは選ばれない
	var consumerErr <-chan error
	if cfg.RabbitMQ.URI != "" {
		c, err := consumer.New(cfg.RabbitMQ.URI, cfg.RabbitMQ.Exchange, cfg.RabbitMQ.Queue, events)
		if err != nil {
			return err
		}
		defer c.Close() //nolint:errcheck
		if err := c.Start(ctx); err != nil {
			return err
		}
		consumerErr = c.Err()
	} else {
		log.Warn().Msg("RabbitMQが未設定のため、イベントはHTTP経由でのみ受け付けます")
	}

	janitor := storage.NewJanitor(store, cfg.Database.Retention, cfg.Database.JanitorInterval)
	janitor.Start(ctx)
	defer janitor.Stop()

	srv := server.NewServer(server.Config{
		Port:           cfg.Server.Port,
		JWTSecret:      cfg.Server.JWTSecret,
		AllowedOrigins: cfg.Server.AllowedOrigins,
	}, orch, store, events, hub)

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("port", cfg.Server.Port).Msg("通知サービスを起動します")
		errCh <- srv.Run()
	}()

	var runErr error
	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("通知サービスの起動に失敗: %w", err)
		}
		return nil
	case err := <-consumerErr:
		log.Error().Err(err).Msg("イベントの受信が停止したため、サービスを停止します")
		runErr = fmt.Errorf("イベントの受信が停止しました: %w", err)
	case <-ctx.Done():
	}

	log.Info().Msg("シャットダウンを開始します")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTPサーバーの停止に失敗")
	}
	if err := orch.Close(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("配信中の通知の完了待ちがタイムアウトしました")
	}
	log.Info().Msg("通知サービスを停止しました")
	return runErr
}

// newMailer は設定されたメール送信手段をフォールバック順に並べる。
func newMailer(cfg config.EmailConfig) email.Sender {
	var senders []email.Sender
	if cfg.SMTP.Host != "" {
		senders = append(senders, &email.SMTPSender{
			Host:     cfg.SMTP.Host,
			Port:     cfg.SMTP.Port,
			Username: cfg.SMTP.Username,
			Password: cfg.SMTP.Password,
			From:     cfg.From,
		})
	}
	if cfg.API.BaseURL != "" {
		senders = append(senders, email.NewAPISender(cfg.API.BaseURL, cfg.API.APIKey, cfg.From))
	}
	if len(senders) == 0 {
		log := logging.With("main")
		log.Warn().Msg("メール送信手段が未設定のため、送信内容はログにのみ出力されます")
		senders = append(senders, &email.MockSender{})
	}
	return email.NewFallbackSender(cfg.Timeout, senders...)
}

// newDigestQueue はRedisが設定されていればRedis、無ければメモリ上のキューを返す。
func newDigestQueue(ctx context.Context, cfg config.RedisConfig) (digest.Queue, func()) {
	if cfg.Addr == "" {
		return digest.NewMemoryQueue(), func() {}
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	log := logging.With("main")
	if err := client.Ping(ctx).Err(); err != nil {
		log.Warn().Err(err).Str("addr", cfg.Addr).Msg("Redisに接続できません。再接続を試み続けます")
	}
	return digest.NewRedisQueue(client, cfg.Prefix), func() { _ = client.Close() }
}
