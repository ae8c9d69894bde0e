package digest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nao1215/taskboard/internal/email"
	"github.com/nao1215/taskboard/internal/notification"
)

func newRedisQueue(t *testing.T) *RedisQueue {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisQueue(client, "test")
}

func item(userID, id string) Item {
	return Item{
		NotificationID: id,
		UserID:         userID,
		Type:           notification.TypeComment,
		Title:          "New Comment",
		Message:        "comment " + id,
		CreatedAt:      time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC),
	}
}

func TestQueues(t *testing.T) {
	t.Parallel()

	queues := map[string]func(t *testing.T) Queue{
		"memory": func(*testing.T) Queue { return NewMemoryQueue() },
		"redis":  func(t *testing.T) Queue { return newRedisQueue(t) },
	}

	for name, newQueue := range queues {
		t.Run(name+"で追加順に取り出せること", func(t *testing.T) {
			t.Parallel()
			q := newQueue(t)
			ctx := context.Background()

			require.NoError(t, q.Enqueue(ctx, notification.DigestDaily, item("bob", "n1")))
			require.NoError(t, q.Enqueue(ctx, notification.DigestDaily, item("bob", "n2")))
			require.NoError(t, q.Enqueue(ctx, notification.DigestDaily, item("alice", "n3")))
			require.NoError(t, q.Enqueue(ctx, notification.DigestWeekly, item("carol", "n4")))

			users, err := q.Users(ctx, notification.DigestDaily)
			require.NoError(t, err)
			assert.Equal(t, []string{"alice", "bob"}, users)

			items, err := q.Drain(ctx, notification.DigestDaily, "bob")
			require.NoError(t, err)
			require.Len(t, items, 2)
			assert.Equal(t, "n1", items[0].NotificationID)
			assert.Equal(t, "n2", items[1].NotificationID)
			assert.True(t, items[0].CreatedAt.Equal(item("bob", "n1").CreatedAt))

			users, err = q.Users(ctx, notification.DigestDaily)
			require.NoError(t, err)
			assert.Equal(t, []string{"alice"}, users)

			empty, err := q.Drain(ctx, notification.DigestDaily, "bob")
			require.NoError(t, err)
			assert.Empty(t, empty)
		})

		t.Run(name+"で並行に追加しても失われないこと", func(t *testing.T) {
			t.Parallel()
			q := newQueue(t)
			ctx := context.Background()

			var wg sync.WaitGroup
			for i := range 50 {
				wg.Add(1)
				go func() {
					defer wg.Done()
					_ = q.Enqueue(ctx, notification.DigestHourly, item("dave", fmt.Sprintf("n%d", i)))
				}()
			}
			wg.Wait()

			items, err := q.Drain(ctx, notification.DigestHourly, "dave")
			require.NoError(t, err)
			assert.Len(t, items, 50)
		})
	}
}

// stubDirectory はテスト用の受信者ディレクトリ。
type stubDirectory map[string]*notification.User

func (d stubDirectory) User(_ context.Context, id string) (*notification.User, error) {
	if u, ok := d[id]; ok {
		return u, nil
	}
	return nil, notification.ErrNotFound
}

// failingSender は常に失敗する送信手段。
type failingSender struct{}

func (failingSender) Name() string { return "failing" }

func (failingSender) Send(context.Context, email.Message) email.Result {
	return email.Result{Err: fmt.Errorf("smtp down")}
}

func TestFlusherFlushNow(t *testing.T) {
	t.Parallel()

	renderer, err := email.NewRenderer("Taskboard", "https://board.example.com")
	require.NoError(t, err)
	dir := stubDirectory{
		"bob": {ID: "bob", Name: "Bob", Email: "bob@example.com"},
	}

	t.Run("ユーザーごとに1通のダイジェストを送信すること", func(t *testing.T) {
		t.Parallel()
		ctx := context.Background()
		q := NewMemoryQueue()
		sender := &email.MockSender{}
		f := NewFlusher(q, dir, renderer, sender)

		require.NoError(t, q.Enqueue(ctx, notification.DigestDaily, item("bob", "n1")))
		require.NoError(t, q.Enqueue(ctx, notification.DigestDaily, item("bob", "n2")))

		sent, err := f.FlushNow(ctx, notification.DigestDaily)
		require.NoError(t, err)
		assert.Equal(t, 1, sent)

		msgs := sender.Sent()
		require.Len(t, msgs, 1)
		assert.Equal(t, "bob@example.com", msgs[0].To)
		assert.Contains(t, msgs[0].Text, "comment n1")
		assert.Contains(t, msgs[0].Text, "comment n2")

		users, err := q.Users(ctx, notification.DigestDaily)
		require.NoError(t, err)
		assert.Empty(t, users)
	})

	t.Run("送信に失敗した項目はキューに戻ること", func(t *testing.T) {
		t.Parallel()
		ctx := context.Background()
		q := newRedisQueue(t)
		f := NewFlusher(q, dir, renderer, failingSender{})

		require.NoError(t, q.Enqueue(ctx, notification.DigestHourly, item("bob", "n1")))

		sent, err := f.FlushNow(ctx, notification.DigestHourly)
		assert.Error(t, err)
		assert.Zero(t, sent)

		items, err := q.Drain(ctx, notification.DigestHourly, "bob")
		require.NoError(t, err)
		assert.Len(t, items, 1)
	})

	t.Run("存在しないユーザーの項目は破棄されること", func(t *testing.T) {
		t.Parallel()
		ctx := context.Background()
		q := NewMemoryQueue()
		f := NewFlusher(q, dir, renderer, &email.MockSender{})

		require.NoError(t, q.Enqueue(ctx, notification.DigestWeekly, item("ghost", "n1")))

		sent, err := f.FlushNow(ctx, notification.DigestWeekly)
		require.NoError(t, err)
		assert.Zero(t, sent)
		users, _ := q.Users(ctx, notification.DigestWeekly)
		assert.Empty(t, users)
	})
}

func TestFlusherStartStop(t *testing.T) {
	t.Parallel()

	renderer, err := email.NewRenderer("Taskboard", "https://board.example.com")
	require.NoError(t, err)
	q := NewMemoryQueue()
	sender := &email.MockSender{}
	f := NewFlusher(q, stubDirectory{"bob": {ID: "bob", Email: "bob@example.com"}}, renderer, sender)
	f.intervals = map[notification.DigestFrequency]time.Duration{notification.DigestHourly: 10 * time.Millisecond}

	require.NoError(t, q.Enqueue(context.Background(), notification.DigestHourly, item("bob", "n1")))
	f.Start(context.Background())
	assert.Eventually(t, func() bool { return len(sender.Sent()) == 1 }, time.Second, 5*time.Millisecond)
	f.Stop()
}
