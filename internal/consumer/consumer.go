// Package consumer はRabbitMQからタスクボードのドメインイベントを受信する。
package consumer

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rabbitmq/amqp091-go"

	"github.com/nao1215/taskboard/internal/notification"
	"github.com/nao1215/taskboard/internal/orchestrator"
	"github.com/nao1215/taskboard/pkg/logging"
)

// 既定のエクスチェンジとキュー。
const (
	DefaultExchange = "task-events"
	DefaultQueue    = "notification.task-events"
	DefaultPrefetch = 10
)

// ErrDeliveryClosed はブローカー側で配信チャネルが閉じられたことを表す。
var ErrDeliveryClosed = errors.New("配信チャネルが閉じられました")

// bindings はキューにバインドするルーティングキー。
var bindings = []string{"task.#", "project.#"}

// EventHandler はイベントのJSONを処理する。
type EventHandler interface {
	Handle(ctx context.Context, raw []byte) (orchestrator.Receipt, error)
}

// Consumer はキューからイベントを取り出し、EventHandlerへ渡す。
type Consumer struct {
	conn     *amqp091.Connection
	channel  *amqp091.Channel
	exchange string
	queue    string
	handler  EventHandler

	wg     sync.WaitGroup
	cancel context.CancelFunc
	// errs は受信が止まった理由を1度だけ通知する。
	errs chan error
}

// New はRabbitMQに接続してConsumerを生成する。
func New(uri, exchange, queue string, handler EventHandler) (*Consumer, error) {
	if exchange == "" {
		exchange = DefaultExchange
	}
	if queue == "" {
		queue = DefaultQueue
	}

	conn, err := amqp091.Dial(uri)
	if err != nil {
		return nil, fmt.Errorf("RabbitMQへの接続に失敗: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("チャネルのオープンに失敗: %w", err)
	}
	if err := ch.Qos(DefaultPrefetch, 0, false); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("QoSの設定に失敗: %w", err)
	}

	return &Consumer{
		conn:     conn,
		channel:  ch,
		exchange: exchange,
		queue:    queue,
		handler:  handler,
		errs:     make(chan error, 1),
	}, nil
}

// Err は受信がブローカー側の理由で止まったときにエラーを受け取るチャネルを返す。
// Closeやコンテキストのキャンセルで止まった場合は何も送られない。
func (c *Consumer) Err() <-chan error {
	return c.errs
}

// Start はエクスチェンジとキューを宣言し、受信を開始する。
func (c *Consumer) Start(ctx context.Context) error {
	log := logging.With("consumer")

	if err := c.channel.ExchangeDeclare(c.exchange, "topic", true, false, false, false, nil); err != nil {
		return fmt.Errorf("エクスチェンジ %s の宣言に失敗: %w", c.exchange, err)
	}
	if _, err := c.channel.QueueDeclare(c.queue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("キュー %s の宣言に失敗: %w", c.queue, err)
	}
	for _, key := range bindings {
		if err := c.channel.QueueBind(c.queue, key, c.exchange, false, nil); err != nil {
			return fmt.Errorf("キュー %s のバインド(%s)に失敗: %w", c.queue, key, err)
		}
	}

	msgs, err := c.channel.Consume(c.queue, "notification-service", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("コンシューマの登録に失敗: %w", err)
	}

	closed := c.channel.NotifyClose(make(chan *amqp091.Error, 1))
	ctx, c.cancel = context.WithCancel(ctx)
	c.run(ctx, msgs, closed)

	log.Info().Str("exchange", c.exchange).Str("queue", c.queue).Msg("イベントの受信を開始しました")
	return nil
}

// run は受信ループを起動し、異常終了した場合はErrへ送る。
func (c *Consumer) run(ctx context.Context, msgs <-chan amqp091.Delivery, closed <-chan *amqp091.Error) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		if err := c.consume(ctx, msgs, closed); err != nil {
			log := logging.With("consumer")
			log.Error().Err(err).Str("queue", c.queue).Msg("イベントの受信が停止しました")
			c.errs <- err
		}
	}()
}

// consume はmsgsが閉じるまでメッセージを処理する。
// コンテキストのキャンセルで止まった場合はnilを返す。
func (c *Consumer) consume(ctx context.Context, msgs <-chan amqp091.Delivery, closed <-chan *amqp091.Error) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-msgs:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				select {
				case reason, ok := <-closed:
					if ok && reason != nil {
						return fmt.Errorf("%w: %w", ErrDeliveryClosed, reason)
					}
				default:
				}
				return ErrDeliveryClosed
			}
			c.process(ctx, d)
		}
	}
}

// process は1件のメッセージを処理して応答する。
// 不正なイベントは破棄し、それ以外の失敗は初回だけ再キューする。
func (c *Consumer) process(ctx context.Context, d amqp091.Delivery) {
	log := logging.With("consumer")

	receipt, err := c.handler.Handle(ctx, d.Body)
	switch {
	case err == nil:
		if ackErr := d.Ack(false); ackErr != nil {
			log.Error().Err(ackErr).Msg("ackに失敗")
		}
		log.Debug().Str("event_id", receipt.EventID).Int("recipients", receipt.Recipients).Msg("イベントを受け付けました")
	case errors.Is(err, notification.ErrValidation):
		log.Warn().Err(err).Str("routing_key", d.RoutingKey).Msg("不正なイベントを破棄します")
		if nackErr := d.Reject(false); nackErr != nil {
			log.Error().Err(nackErr).Msg("rejectに失敗")
		}
	default:
		requeue := !d.Redelivered
		log.Error().Err(err).Str("routing_key", d.RoutingKey).Bool("requeue", requeue).Msg("イベントの処理に失敗")
		if nackErr := d.Nack(false, requeue); nackErr != nil {
			log.Error().Err(nackErr).Msg("nackに失敗")
		}
	}
}

// Close は受信を止め、接続を閉じる。
func (c *Consumer) Close() error {
	if c.cancel != nil {
		c.cancel()
	}
	var errs []error
	if c.channel != nil {
		if err := c.channel.Close(); err != nil && !errors.Is(err, amqp091.ErrClosed) {
			errs = append(errs, err)
		}
	}
	c.wg.Wait()
	if c.conn != nil {
		if err := c.conn.Close(); err != nil && !errors.Is(err, amqp091.ErrClosed) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
