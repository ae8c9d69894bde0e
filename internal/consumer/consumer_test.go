package consumer

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nao1215/taskboard/internal/notification"
	"github.com/nao1215/taskboard/internal/orchestrator"
)

// fakeAcknowledger はack/nackの呼び出しを記録する。
type fakeAcknowledger struct {
	acked    bool
	rejected bool
	nacked   bool
	requeue  bool
}

func (f *fakeAcknowledger) Ack(uint64, bool) error {
	f.acked = true
	return nil
}

func (f *fakeAcknowledger) Nack(_ uint64, _ bool, requeue bool) error {
	f.nacked = true
	f.requeue = requeue
	return nil
}

func (f *fakeAcknowledger) Reject(_ uint64, requeue bool) error {
	f.rejected = true
	f.requeue = requeue
	return nil
}

// stubHandler は固定のエラーを返す。
type stubHandler struct {
	err  error
	body []byte
}

func (s *stubHandler) Handle(_ context.Context, raw []byte) (orchestrator.Receipt, error) {
	s.body = raw
	if s.err != nil {
		return orchestrator.Receipt{}, s.err
	}
	return orchestrator.Receipt{EventID: "e-1", Recipients: 1}, nil
}

func TestProcess(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		err         error
		redelivered bool
		want        fakeAcknowledger
	}{
		{
			name: "成功したらackすること",
			want: fakeAcknowledger{acked: true},
		},
		{
			name: "不正なイベントは再キューせずに破棄すること",
			err:  fmt.Errorf("%w: recipients", notification.ErrValidation),
			want: fakeAcknowledger{rejected: true},
		},
		{
			name: "一時的な失敗は初回だけ再キューすること",
			err:  errors.New("database is locked"),
			want: fakeAcknowledger{nacked: true, requeue: true},
		},
		{
			name:        "再配信でも失敗したら破棄すること",
			err:         errors.New("database is locked"),
			redelivered: true,
			want:        fakeAcknowledger{nacked: true},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			ack := &fakeAcknowledger{}
			h := &stubHandler{err: tt.err}
			c := &Consumer{handler: h}

			c.process(context.Background(), amqp091.Delivery{
				Acknowledger: ack,
				DeliveryTag:  1,
				Redelivered:  tt.redelivered,
				RoutingKey:   "task.moved",
				Body:         []byte(`{"type":"task.moved"}`),
			})

			assert.Equal(t, tt.want, *ack)
			assert.Equal(t, `{"type":"task.moved"}`, string(h.body))
		})
	}
}

func TestConsumeStopsOnClosedChannel(t *testing.T) {
	t.Parallel()

	t.Run("処理後に閉じられたらErrDeliveryClosedを返すこと", func(t *testing.T) {
		t.Parallel()
		ack := &fakeAcknowledger{}
		c := &Consumer{handler: &stubHandler{}}

		msgs := make(chan amqp091.Delivery, 1)
		msgs <- amqp091.Delivery{Acknowledger: ack, Body: []byte(`{}`)}
		close(msgs)

		err := c.consume(context.Background(), msgs, nil)
		assert.ErrorIs(t, err, ErrDeliveryClosed)
		assert.True(t, ack.acked)
	})

	t.Run("ブローカーの切断理由を含めること", func(t *testing.T) {
		t.Parallel()
		c := &Consumer{handler: &stubHandler{}}
		msgs := make(chan amqp091.Delivery)
		close(msgs)
		closed := make(chan *amqp091.Error, 1)
		closed <- &amqp091.Error{Code: amqp091.ConnectionForced, Reason: "CONNECTION_FORCED - broker forced connection closure"}

		err := c.consume(context.Background(), msgs, closed)
		require.ErrorIs(t, err, ErrDeliveryClosed)
		var amqpErr *amqp091.Error
		require.ErrorAs(t, err, &amqpErr)
		assert.Equal(t, amqp091.ConnectionForced, amqpErr.Code)
	})

	t.Run("キャンセルで止まった場合はエラーにしないこと", func(t *testing.T) {
		t.Parallel()
		c := &Consumer{handler: &stubHandler{}}
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		assert.NoError(t, c.consume(ctx, make(chan amqp091.Delivery), nil))
	})
}

func TestRunReportsStop(t *testing.T) {
	t.Parallel()
	c := &Consumer{handler: &stubHandler{}, queue: DefaultQueue, errs: make(chan error, 1)}
	msgs := make(chan amqp091.Delivery)

	c.run(context.Background(), msgs, nil)
	close(msgs)

	select {
	case err := <-c.Err():
		assert.ErrorIs(t, err, ErrDeliveryClosed)
	case <-time.After(3 * time.Second):
		t.Fatal("受信停止が通知されませんでした")
	}
	c.wg.Wait()
}

func TestCloseWithoutConnection(t *testing.T) {
	t.Parallel()
	c := &Consumer{}
	assert.NoError(t, c.Close())
}
