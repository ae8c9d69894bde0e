package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nao1215/taskboard/internal/channel"
	"github.com/nao1215/taskboard/internal/digest"
	"github.com/nao1215/taskboard/internal/email"
	"github.com/nao1215/taskboard/internal/notification"
	"github.com/nao1215/taskboard/internal/presence"
	"github.com/nao1215/taskboard/internal/storage"
)

// recordingNotifier はUIチャネルへのプッシュを記録する。
// onPushはプッシュの直後、送信結果を返す前に呼ばれる。
type recordingNotifier struct {
	mu     sync.Mutex
	pushes map[string][]*notification.Notification
	err    error
	onPush func(userID string, n *notification.Notification)
}

func (r *recordingNotifier) PushNotification(userID string, n *notification.Notification) (int, error) {
	r.mu.Lock()
	if r.pushes == nil {
		r.pushes = make(map[string][]*notification.Notification)
	}
	r.pushes[userID] = append(r.pushes[userID], n)
	r.mu.Unlock()

	if r.onPush != nil {
		r.onPush(userID, n)
	}
	if r.err != nil {
		return 0, r.err
	}
	return 1, nil
}

func (r *recordingNotifier) pushed(userID string) []*notification.Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pushes[userID]
}

// stubSender はメール送信を模倣する。
// blockがtrueの場合はctxが終わるまで戻らない。failuresの回数だけ失敗してから成功する。
type stubSender struct {
	block    bool
	failures int32

	calls atomic.Int32
	mu    sync.Mutex
	sent  []email.Message
}

func (s *stubSender) Name() string { return "stub" }

func (s *stubSender) Send(ctx context.Context, msg email.Message) email.Result {
	n := s.calls.Add(1)
	if s.block {
		<-ctx.Done()
		return email.Result{Err: ctx.Err()}
	}
	if n <= s.failures {
		return email.Result{Err: errors.New("smtp unavailable")}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, msg)
	return email.Result{Success: true, MessageID: fmt.Sprintf("msg-%d", n)}
}

func (s *stubSender) sentTo() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	to := make([]string, 0, len(s.sent))
	for _, m := range s.sent {
		to = append(to, m.To)
	}
	return to
}

// failingDirectory は特定のユーザーの取得に失敗する。
type failingDirectory struct {
	notification.Directory
	failID string
}

func (d failingDirectory) User(ctx context.Context, id string) (*notification.User, error) {
	if id == d.failID {
		return nil, errors.New("directory unavailable")
	}
	return d.Directory.User(ctx, id)
}

type fixture struct {
	o        *Orchestrator
	store    *storage.Store
	presence *presence.Registry
	notifier *recordingNotifier
	sender   *stubSender
}

func newFixture(t *testing.T, cfg Config, sender *stubSender) *fixture {
	t.Helper()
	ctx := context.Background()

	db, err := storage.Open(ctx, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	_, err = storage.Migrate(ctx, db)
	require.NoError(t, err)
	store := storage.New(db)

	for _, id := range []string{"alice", "bob", "carol"} {
		require.NoError(t, store.SaveUser(ctx, &notification.User{
			ID:          id,
			Email:       id + "@example.com",
			Name:        id,
			Preferences: notification.DefaultPreferences(),
		}))
	}
	muted := notification.DefaultPreferences()
	for _, ch := range notification.AllChannels() {
		muted.Enabled[ch] = false
	}
	require.NoError(t, store.SaveUser(ctx, &notification.User{ID: "dave", Email: "dave@example.com", Preferences: muted}))

	renderer, err := email.NewRenderer("Taskboard", "https://board.example.com")
	require.NoError(t, err)

	notifier := &recordingNotifier{}
	if sender == nil {
		sender = &stubSender{}
	}
	registry := channel.NewRegistry(
		channel.NewUI(notifier),
		channel.NewEmail(renderer, sender, digest.NewMemoryQueue()),
	)
	reg := presence.NewRegistry(4)

	o := New(store, store, reg, registry, cfg)
	o.sleep = func(context.Context, time.Duration) error { return nil }
	return &fixture{o: o, store: store, presence: reg, notifier: notifier, sender: sender}
}

func taskMoved(recipients ...string) Event {
	return Event{
		Type:       notification.TypeTaskMoved,
		ActorID:    "alice",
		Title:      "Task Moved",
		Message:    `alice moved task "Write docs" from Todo to Done`,
		Data:       map[string]any{"taskTitle": "Write docs", "from": "Todo", "to": "Done"},
		Recipients: recipients,
		SourceID:   "task-1",
		SourceType: "task",
	}
}

func list(t *testing.T, f *fixture, userID string) []*notification.Notification {
	t.Helper()
	got, err := f.o.List(context.Background(), userID, notification.Filter{})
	require.NoError(t, err)
	return got
}

func TestNotifyOnlineRecipientUsesUI(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{}, nil)
	ctx := context.Background()
	f.presence.Join("bob", "conn-1")

	summary, err := f.o.Notify(ctx, taskMoved("bob"))
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Created)
	assert.Equal(t, 1, summary.Sent)

	pushes := f.notifier.pushed("bob")
	require.Len(t, pushes, 1)
	assert.Equal(t, notification.TypeTaskMoved, pushes[0].Type)

	records := list(t, f, "bob")
	require.Len(t, records, 1)
	n := records[0]
	assert.Equal(t, notification.StatusSent, n.Status)
	assert.Equal(t, []notification.Channel{notification.ChannelUI}, n.Channels)
	assert.NotNil(t, n.SentAt)
	assert.Equal(t, 1, n.DeliveryAttempts)
	assert.Equal(t, "alice", n.Metadata.TriggeredBy)
	assert.Equal(t, notification.PriorityNormal, n.Metadata.Priority)
	assert.Empty(t, f.sender.sentTo())
}

func TestNotifyOfflineRecipientUsesEmail(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{}, nil)
	ctx := context.Background()

	_, err := f.o.Notify(ctx, taskMoved("carol"))
	require.NoError(t, err)
	assert.Empty(t, f.notifier.pushed("carol"))

	records := list(t, f, "carol")
	require.Len(t, records, 1)
	assert.Equal(t, []notification.Channel{notification.ChannelEmail}, records[0].Channels)
	assert.Equal(t, notification.StatusSent, records[0].Status)
	assert.Equal(t, []string{"carol@example.com"}, f.sender.sentTo())

	attempts, err := f.o.Attempts(ctx, "carol", records[0].ID)
	require.NoError(t, err)
	require.Len(t, attempts, 1)
	assert.Equal(t, notification.ChannelEmail, attempts[0].Channel)
	assert.True(t, attempts[0].Success)
}

func TestNotifyExcludesActorAndDuplicates(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{}, nil)
	ctx := context.Background()
	f.presence.Join("bob", "conn-1")

	summary, err := f.o.Notify(ctx, taskMoved("alice", "bob", "carol", "bob"))
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Recipients)
	assert.Equal(t, 2, summary.Created)
	assert.Len(t, summary.Notifications, 2)

	assert.Empty(t, list(t, f, "alice"))
	assert.Len(t, list(t, f, "bob"), 1)
	assert.Len(t, list(t, f, "carol"), 1)

	stats, err := f.o.Stats(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Total)
}

func TestDispatchReturnsBeforeSlowEmailTimesOut(t *testing.T) {
	t.Parallel()
	cfg := Config{MaxAttempts: 3, AttemptTimeout: 100 * time.Millisecond}
	f := newFixture(t, cfg, &stubSender{block: true})
	ctx := context.Background()

	start := time.Now()
	receipt, err := f.o.Dispatch(ctx, taskMoved("alice", "carol"))
	require.NoError(t, err)
	assert.Less(t, time.Since(start), cfg.AttemptTimeout)
	assert.Equal(t, 1, receipt.Recipients)
	assert.NotEmpty(t, receipt.EventID)

	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, f.o.Wait(waitCtx))

	records := list(t, f, "carol")
	require.Len(t, records, 1)
	assert.Equal(t, notification.StatusFailed, records[0].Status)
	assert.Equal(t, 3, records[0].DeliveryAttempts)
	assert.Nil(t, records[0].SentAt)

	attempts, err := f.o.Attempts(ctx, "carol", records[0].ID)
	require.NoError(t, err)
	require.Len(t, attempts, 3)
	for i, a := range attempts {
		assert.Equal(t, i+1, a.Number)
		assert.False(t, a.Success)
		assert.NotEmpty(t, a.Error)
	}
}

func TestNotifyRetriesUntilSuccess(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{MaxAttempts: 3}, &stubSender{failures: 1})
	ctx := context.Background()

	var slept []time.Duration
	f.o.sleep = func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}

	summary, err := f.o.Notify(ctx, taskMoved("carol"))
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Sent)
	assert.Len(t, slept, 1)

	records := list(t, f, "carol")
	require.Len(t, records, 1)
	assert.Equal(t, notification.StatusSent, records[0].Status)
	assert.Equal(t, 2, records[0].DeliveryAttempts)

	attempts, err := f.o.Attempts(ctx, "carol", records[0].ID)
	require.NoError(t, err)
	require.Len(t, attempts, 2)
	assert.False(t, attempts[0].Success)
	assert.True(t, attempts[1].Success)
}

func TestNotifySuppressedByPreferences(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{}, nil)
	ctx := context.Background()

	summary, err := f.o.Notify(ctx, taskMoved("dave"))
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Suppressed)

	records := list(t, f, "dave")
	require.Len(t, records, 1)
	assert.Equal(t, notification.StatusCancelled, records[0].Status)
	assert.Empty(t, records[0].Channels)
}

func TestNotifySkipsUnknownRecipient(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{}, nil)

	summary, err := f.o.Notify(context.Background(), taskMoved("ghost", "carol"))
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Skipped)
	assert.Equal(t, 1, summary.Created)
	assert.Empty(t, list(t, f, "ghost"))
}

func TestNotifyIsolatesRecipientFailures(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{}, nil)
	f.o.directory = failingDirectory{Directory: f.store, failID: "bob"}

	summary, err := f.o.Notify(context.Background(), taskMoved("bob", "carol"))
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Failed)
	assert.Equal(t, 1, summary.Sent)
	assert.Empty(t, list(t, f, "bob"))
	assert.Len(t, list(t, f, "carol"), 1)
}

func TestNotifyRequestedSecondaryChannel(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{}, nil)
	ctx := context.Background()
	f.presence.Join("bob", "conn-1")

	e := taskMoved("bob")
	e.Channels = []notification.Channel{notification.ChannelEmail, notification.ChannelUI}
	_, err := f.o.Notify(ctx, e)
	require.NoError(t, err)

	records := list(t, f, "bob")
	require.Len(t, records, 1)
	assert.Equal(t, []notification.Channel{notification.ChannelUI, notification.ChannelEmail}, records[0].Channels)
	assert.Equal(t, notification.StatusSent, records[0].Status)
	assert.Equal(t, 1, records[0].DeliveryAttempts)
	assert.Equal(t, []string{"bob@example.com"}, f.sender.sentTo())

	attempts, err := f.o.Attempts(ctx, "bob", records[0].ID)
	require.NoError(t, err)
	assert.Len(t, attempts, 2)
}

func TestNotifyValidation(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{}, nil)
	ctx := context.Background()

	tests := []struct {
		name   string
		modify func(e *Event)
	}{
		{name: "受信者が空", modify: func(e *Event) { e.Recipients = nil }},
		{name: "未知の種別", modify: func(e *Event) { e.Type = "UNKNOWN" }},
		{name: "タイトルが空", modify: func(e *Event) { e.Title = "" }},
		{name: "未知のチャネル", modify: func(e *Event) { e.Channels = []notification.Channel{"FAX"} }},
		{name: "未知の重要度", modify: func(e *Event) { e.Priority = "critical" }},
	}
	for _, tt := range tests {
		e := taskMoved("bob")
		tt.modify(&e)

		_, err := f.o.Notify(ctx, e)
		assert.ErrorIs(t, err, notification.ErrValidation, tt.name)
		_, err = f.o.Dispatch(ctx, e)
		assert.ErrorIs(t, err, notification.ErrValidation, tt.name)
	}

	require.NoError(t, f.o.Wait(ctx))
	stats, err := f.o.Stats(ctx, "")
	require.NoError(t, err)
	assert.Zero(t, stats.Total)
}

func TestMarkAsRead(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{}, nil)
	ctx := context.Background()
	f.presence.Join("bob", "conn-1")

	summary, err := f.o.Notify(ctx, taskMoved("bob"))
	require.NoError(t, err)
	require.Len(t, summary.Notifications, 1)
	id := summary.Notifications[0]

	_, err = f.o.MarkAsRead(ctx, "carol", id)
	require.ErrorIs(t, err, notification.ErrForbidden)

	_, err = f.o.MarkAsRead(ctx, "bob", "missing")
	require.ErrorIs(t, err, notification.ErrNotFound)

	first, err := f.o.MarkAsRead(ctx, "bob", id)
	require.NoError(t, err)
	assert.Equal(t, notification.StatusRead, first.Status)
	require.NotNil(t, first.ReadAt)

	second, err := f.o.MarkAsRead(ctx, "bob", id)
	require.NoError(t, err)
	assert.Equal(t, notification.StatusRead, second.Status)
	assert.True(t, first.ReadAt.Equal(*second.ReadAt))
}

func TestMarkAllAsRead(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{}, nil)
	ctx := context.Background()
	f.presence.Join("bob", "conn-1")

	for range 5 {
		_, err := f.o.Notify(ctx, taskMoved("bob"))
		require.NoError(t, err)
	}
	records := list(t, f, "bob")
	require.Len(t, records, 5)
	for _, n := range records[:2] {
		_, err := f.o.MarkAsRead(ctx, "bob", n.ID)
		require.NoError(t, err)
	}

	count, err := f.o.MarkAllAsRead(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, 3, count)

	stats, err := f.o.Stats(ctx, "bob")
	require.NoError(t, err)
	assert.Zero(t, stats.Unread)
}

func TestCloseRejectsDispatch(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{}, nil)
	ctx := context.Background()

	require.NoError(t, f.o.Close(ctx))
	_, err := f.o.Dispatch(ctx, taskMoved("bob"))
	assert.ErrorIs(t, err, ErrClosed)
}

func TestBackoff(t *testing.T) {
	t.Parallel()
	o := &Orchestrator{cfg: Config{BaseBackoff: 100 * time.Millisecond, MaxBackoff: time.Second}}

	for n, want := range map[int]time.Duration{1: 100 * time.Millisecond, 2: 200 * time.Millisecond, 5: time.Second} {
		got := o.backoff(n)
		assert.GreaterOrEqual(t, got, want)
		assert.LessOrEqual(t, got, want+want/2)
	}
}

func TestMarkAsReadDuringDelivery(t *testing.T) {
	t.Parallel()

	t.Run("プッシュ直後の既読は配信済みの後に反映される", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t, Config{}, nil)
		ctx := context.Background()
		f.presence.Join("bob", "conn-1")

		var (
			acked  *notification.Notification
			ackErr error
		)
		f.notifier.onPush = func(userID string, n *notification.Notification) {
			acked, ackErr = f.o.MarkAsRead(ctx, userID, n.ID)
		}

		summary, err := f.o.Notify(ctx, taskMoved("bob"))
		require.NoError(t, err)
		assert.Equal(t, 1, summary.Sent)

		require.NoError(t, ackErr)
		require.NotNil(t, acked)
		assert.Equal(t, notification.StatusRead, acked.Status)
		require.NotNil(t, acked.ReadAt)

		got := list(t, f, "bob")
		require.Len(t, got, 1)
		assert.Equal(t, notification.StatusRead, got[0].Status)
		require.NotNil(t, got[0].ReadAt)
		assert.True(t, acked.ReadAt.Equal(*got[0].ReadAt))
		require.NotNil(t, got[0].SentAt)
		assert.Equal(t, 1, got[0].DeliveryAttempts)

		again, err := f.o.MarkAsRead(ctx, "bob", got[0].ID)
		require.NoError(t, err)
		assert.True(t, again.ReadAt.Equal(*got[0].ReadAt))
	})

	t.Run("配信に失敗した場合は保留中の既読を破棄する", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t, Config{MaxAttempts: 2}, nil)
		ctx := context.Background()
		f.presence.Join("bob", "conn-1")
		f.notifier.err = errors.New("socket closed")

		var ackErr error
		f.notifier.onPush = func(userID string, n *notification.Notification) {
			_, ackErr = f.o.MarkAsRead(ctx, userID, n.ID)
		}

		summary, err := f.o.Notify(ctx, taskMoved("bob"))
		require.NoError(t, err)
		assert.Equal(t, 1, summary.Failed)
		require.NoError(t, ackErr)

		got := list(t, f, "bob")
		require.Len(t, got, 1)
		assert.Equal(t, notification.StatusFailed, got[0].Status)
		assert.Nil(t, got[0].ReadAt)

		_, err = f.o.MarkAsRead(ctx, "bob", got[0].ID)
		assert.ErrorIs(t, err, notification.ErrInvalidTransition)
	})
}
