// Package orchestrator はイベントを受信者ごとの通知に展開し、配信チャネルを選んで配信する。
//
// 受信者は互いに独立しており、上限付きの並列度で処理される。
// 1人の受信者の失敗はログと通知の状態にだけ現れ、他の受信者や呼び出し元には波及しない。
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/nao1215/taskboard/internal/channel"
	"github.com/nao1215/taskboard/internal/notification"
	"github.com/nao1215/taskboard/pkg/logging"
	"github.com/nao1215/taskboard/pkg/metrics"
)

// ErrClosed はClose後にDispatchされたことを表す。
var ErrClosed = errors.New("オーケストレータは停止しています")

// Presence はユーザーのオンライン状態を返す。
type Presence interface {
	IsOnline(userID string) bool
}

// Config はオーケストレータの設定。
type Config struct {
	// Workers は同時に処理する受信者の上限。
	Workers int
	// MaxAttempts は主チャネルへの配信試行回数の上限（初回を含む）。
	MaxAttempts int
	// AttemptTimeout は1回の配信試行の制限時間。
	AttemptTimeout time.Duration
	// BaseBackoff は再試行の初回待ち時間。試行ごとに倍になる。
	BaseBackoff time.Duration
	// MaxBackoff は再試行の待ち時間の上限。
	MaxBackoff time.Duration
}

// DefaultConfig は既定の設定を返す。
func DefaultConfig() Config {
	return Config{
		Workers:        8,
		MaxAttempts:    3,
		AttemptTimeout: 8 * time.Second,
		BaseBackoff:    500 * time.Millisecond,
		MaxBackoff:     10 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Workers <= 0 {
		c.Workers = d.Workers
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.AttemptTimeout <= 0 {
		c.AttemptTimeout = d.AttemptTimeout
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = d.BaseBackoff
	}
	if c.MaxBackoff < c.BaseBackoff {
		c.MaxBackoff = c.BaseBackoff
	}
	return c
}

// Orchestrator は通知の作成と配信を統括する。
type Orchestrator struct {
	store     notification.Store
	directory notification.Directory
	presence  Presence
	channels  *channel.Registry
	cfg       Config

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup

	// flights は主チャネルで配信中の通知。配信中に届いた既読を保留する。
	flightMu sync.Mutex
	flights  map[string]*flight
}

// flight は配信中の通知に届いた既読の要求。
type flight struct {
	readRequested bool
	readAt        time.Time
}

// New はOrchestratorを生成する。
func New(store notification.Store, directory notification.Directory, presence Presence, channels *channel.Registry, cfg Config) *Orchestrator {
	return &Orchestrator{
		store:     store,
		directory: directory,
		presence:  presence,
		channels:  channels,
		cfg:       cfg.withDefaults(),
		now:       func() time.Time { return time.Now().UTC() },
		sleep:     sleepContext,
		flights:   make(map[string]*flight),
	}
}

// outcome は1人の受信者の処理結果。
type outcome int

const (
	outcomeSent outcome = iota
	outcomeDeferred
	outcomeFailed
	outcomeSuppressed
	outcomeSkipped
)

// Notify はイベントを全受信者へ配信し、完了まで待つ。
// 返すエラーは検証エラーだけで、配信の失敗は集計と通知の状態に現れる。
func (o *Orchestrator) Notify(ctx context.Context, e Event) (Summary, error) {
	if err := e.Validate(); err != nil {
		return Summary{}, err
	}
	e.normalize()
	return o.notify(context.WithoutCancel(ctx), e), nil
}

// Dispatch はイベントを検証し、配信をバックグラウンドで開始してすぐに戻る。
func (o *Orchestrator) Dispatch(ctx context.Context, e Event) (Receipt, error) {
	if err := e.Validate(); err != nil {
		return Receipt{}, err
	}
	e.normalize()

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return Receipt{}, ErrClosed
	}
	o.wg.Add(1)
	o.mu.Unlock()

	detached := context.WithoutCancel(ctx)
	go func() {
		defer o.wg.Done()
		o.notify(detached, e)
	}()
	return Receipt{EventID: e.ID, Recipients: len(e.targets())}, nil
}

// Wait はバックグラウンドの配信がすべて終わるか、ctxが終了するまで待つ。
func (o *Orchestrator) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("配信の完了待ちが中断されました: %w", ctx.Err())
	}
}

// Close は新しいDispatchを拒否し、実行中の配信を待つ。
func (o *Orchestrator) Close(ctx context.Context) error {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()
	return o.Wait(ctx)
}

func (o *Orchestrator) notify(ctx context.Context, e Event) Summary {
	log := logging.With("orchestrator")
	targets := e.targets()
	summary := Summary{EventID: e.ID, Recipients: len(targets), Notifications: []string{}}

	var mu sync.Mutex
	var g errgroup.Group
	g.SetLimit(o.cfg.Workers)
	for _, userID := range targets {
		g.Go(func() error {
			id, result, err := o.notifyRecipientSafe(ctx, e, userID)
			if err != nil {
				log.Error().Err(err).
					Str("event_id", e.ID).
					Str("user_id", userID).
					Str("notification_id", id).
					Msg("受信者への通知に失敗")
			}

			mu.Lock()
			defer mu.Unlock()
			if id != "" {
				summary.Created++
				summary.Notifications = append(summary.Notifications, id)
			}
			switch result {
			case outcomeSent:
				summary.Sent++
			case outcomeDeferred:
				summary.Deferred++
			case outcomeFailed:
				summary.Failed++
			case outcomeSuppressed:
				summary.Suppressed++
			case outcomeSkipped:
				summary.Skipped++
			}
			return nil
		})
	}
	_ = g.Wait()

	log.Info().
		Str("event_id", e.ID).
		Str("type", string(e.Type)).
		Int("recipients", summary.Recipients).
		Int("sent", summary.Sent).
		Int("deferred", summary.Deferred).
		Int("failed", summary.Failed).
		Int("suppressed", summary.Suppressed).
		Int("skipped", summary.Skipped).
		Msg("イベントの配信が完了")
	return summary
}

// notifyRecipientSafe は受信者の処理中のpanicをエラーに変換する。
func (o *Orchestrator) notifyRecipientSafe(ctx context.Context, e Event, userID string) (id string, result outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			result = outcomeFailed
			err = fmt.Errorf("受信者の処理中にpanic: %v", r)
		}
	}()
	return o.notifyRecipient(ctx, e, userID)
}

// notifyRecipient は1人の受信者について通知を作成し、主チャネルで配信する。
func (o *Orchestrator) notifyRecipient(ctx context.Context, e Event, userID string) (string, outcome, error) {
	user, err := o.directory.User(ctx, userID)
	if errors.Is(err, notification.ErrNotFound) {
		log := logging.With("orchestrator")
		log.Warn().Str("event_id", e.ID).Str("user_id", userID).Msg("受信者が見つからないためスキップします")
		return "", outcomeSkipped, nil
	}
	if err != nil {
		return "", outcomeFailed, fmt.Errorf("受信者の取得に失敗: %w", err)
	}

	now := o.now()
	n := &notification.Notification{
		ID:      uuid.New().String(),
		UserID:  user.ID,
		Type:    e.Type,
		Title:   e.Title,
		Message: e.Message,
		Data:    e.Data,
		Status:  notification.StatusPending,
		Metadata: notification.Metadata{
			SourceID:    e.SourceID,
			SourceType:  e.SourceType,
			TriggeredBy: e.ActorID,
			Priority:    e.Priority,
			ExpiresAt:   e.ExpiresAt,
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
	dc := &channel.Context{
		User:         user,
		Notification: n,
		Online:       o.presence.IsOnline(user.ID),
		Now:          now,
		MaxRetries:   o.cfg.MaxAttempts - 1,
	}

	primary := o.selectPrimary(ctx, dc)
	secondaries := o.selectSecondaries(ctx, dc, e.Channels, primary)
	if primary != nil {
		n.Channels = append(n.Channels, primary.Channel())
	}
	for _, s := range secondaries {
		n.Channels = append(n.Channels, s.Channel())
	}

	if err := o.store.Create(ctx, n); err != nil {
		return "", outcomeFailed, fmt.Errorf("通知の保存に失敗: %w", err)
	}
	metrics.IncCreated(string(n.Type))

	if primary == nil {
		metrics.IncSuppressed()
		if _, err := o.store.Update(ctx, n.ID, notification.StatusPatch(notification.StatusCancelled)); err != nil {
			return n.ID, outcomeFailed, fmt.Errorf("通知の取り消しに失敗: %w", err)
		}
		log := logging.With("orchestrator")
		log.Info().Str("user_id", user.ID).Str("notification_id", n.ID).Msg("設定により配信を抑止しました")
		return n.ID, outcomeSuppressed, nil
	}

	o.beginFlight(n.ID)
	result, err := o.deliverPrimary(ctx, dc, primary)
	o.endFlight(ctx, n.ID, result)
	for _, s := range secondaries {
		o.deliverSecondary(ctx, dc, s)
	}
	return n.ID, result, err
}

func (o *Orchestrator) beginFlight(id string) {
	o.flightMu.Lock()
	defer o.flightMu.Unlock()
	o.flights[id] = &flight{}
}

// deferRead は配信中の通知に既読を予約する。配信中でなければfalseを返す。
func (o *Orchestrator) deferRead(id string) (time.Time, bool) {
	o.flightMu.Lock()
	defer o.flightMu.Unlock()
	f, ok := o.flights[id]
	if !ok {
		return time.Time{}, false
	}
	if !f.readRequested {
		f.readRequested = true
		f.readAt = o.now()
	}
	return f.readAt, true
}

// endFlight は主チャネルの配信を終え、配信中に届いた既読を反映する。
// 配信が失敗した場合、予約された既読は破棄する。
func (o *Orchestrator) endFlight(ctx context.Context, id string, result outcome) {
	o.flightMu.Lock()
	f := o.flights[id]
	delete(o.flights, id)
	o.flightMu.Unlock()

	if f == nil || !f.readRequested {
		return
	}
	log := logging.With("orchestrator")
	if result != outcomeSent && result != outcomeDeferred {
		log.Info().Str("notification_id", id).Msg("配信に失敗したため保留中の既読を破棄しました")
		return
	}
	read := notification.StatusRead
	readAt := f.readAt
	if _, err := o.store.Update(ctx, id, notification.Patch{Status: &read, ReadAt: &readAt}); err != nil {
		log.Error().Err(err).Str("notification_id", id).Msg("保留中の既読の反映に失敗")
	}
}

// selectPrimary は主チャネルを1つ選ぶ。
// UI、Emailの順に判定し、どちらも使えなければ残りを優先度順に判定する。
func (o *Orchestrator) selectPrimary(ctx context.Context, dc *channel.Context) channel.Strategy {
	for _, ch := range []notification.Channel{notification.ChannelUI, notification.ChannelEmail} {
		if s, ok := o.channels.Get(ch); ok && s.CanDeliver(ctx, dc) {
			return s
		}
	}
	for _, s := range o.channels.ByPriority() {
		if s.Channel() == notification.ChannelUI || s.Channel() == notification.ChannelEmail {
			continue
		}
		if s.CanDeliver(ctx, dc) {
			return s
		}
	}
	return nil
}

// selectSecondaries は明示的に要求されたチャネルのうち配信可能なものを返す。
func (o *Orchestrator) selectSecondaries(ctx context.Context, dc *channel.Context, requested []notification.Channel, primary channel.Strategy) []channel.Strategy {
	var out []channel.Strategy
	seen := make(map[notification.Channel]struct{})
	if primary != nil {
		seen[primary.Channel()] = struct{}{}
	}
	for _, ch := range requested {
		if _, ok := seen[ch]; ok {
			continue
		}
		seen[ch] = struct{}{}
		s, ok := o.channels.Get(ch)
		if !ok || !s.CanDeliver(ctx, dc) {
			continue
		}
		out = append(out, s)
	}
	return out
}

// deliverPrimary は主チャネルで配信し、結果に応じて状態を進める。
// 失敗した場合はFAILED → RETRYINGを経て上限回数まで再試行する。
func (o *Orchestrator) deliverPrimary(ctx context.Context, dc *channel.Context, s channel.Strategy) (outcome, error) {
	id := dc.Notification.ID
	var lastErr error
	for attempt := 1; attempt <= o.cfg.MaxAttempts; attempt++ {
		if attempt > 1 {
			if _, err := o.store.Update(ctx, id, notification.StatusPatch(notification.StatusRetrying)); err != nil {
				return outcomeFailed, fmt.Errorf("再試行状態への更新に失敗: %w", err)
			}
			if err := o.sleep(ctx, o.backoff(attempt-1)); err != nil {
				return outcomeFailed, err
			}
		}

		dc.RetryAttempt = attempt - 1
		dc.Now = o.now()
		res := o.attempt(ctx, dc, s, attempt)
		if res.Success {
			sent := notification.StatusSent
			sentAt := res.DeliveredAt
			if sentAt.IsZero() {
				sentAt = o.now()
			}
			if _, err := o.store.Update(ctx, id, notification.Patch{Status: &sent, SentAt: &sentAt, AddAttempts: 1}); err != nil {
				return outcomeFailed, fmt.Errorf("配信済み状態への更新に失敗: %w", err)
			}
			if res.Deferred {
				return outcomeDeferred, nil
			}
			return outcomeSent, nil
		}

		lastErr = res.Err
		failed := notification.StatusFailed
		if _, err := o.store.Update(ctx, id, notification.Patch{Status: &failed, AddAttempts: 1}); err != nil {
			return outcomeFailed, fmt.Errorf("失敗状態への更新に失敗: %w", err)
		}
	}
	return outcomeFailed, fmt.Errorf("%sでの配信が%d回失敗: %w", s.Channel(), o.cfg.MaxAttempts, lastErr)
}

// deliverSecondary は追加チャネルで1回だけ配信する。通知の状態は変えない。
func (o *Orchestrator) deliverSecondary(ctx context.Context, dc *channel.Context, s channel.Strategy) {
	dc.RetryAttempt = 0
	dc.Now = o.now()
	res := o.attempt(ctx, dc, s, 1)
	if !res.Success {
		log := logging.With("orchestrator")
		log.Warn().Err(res.Err).
			Str("user_id", dc.User.ID).
			Str("notification_id", dc.Notification.ID).
			Str("channel", string(s.Channel())).
			Msg("追加チャネルでの配信に失敗")
	}
}

// attempt は制限時間付きで1回配信し、試行を記録する。
// 戦略がctxを守らない場合も制限時間で打ち切る。
func (o *Orchestrator) attempt(ctx context.Context, dc *channel.Context, s channel.Strategy, number int) channel.Result {
	actx, cancel := context.WithTimeout(ctx, o.cfg.AttemptTimeout)
	defer cancel()

	start := time.Now()
	snapshot := *dc
	done := make(chan channel.Result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- channel.Result{Err: fmt.Errorf("配信中にpanic: %v", r)}
			}
		}()
		done <- s.Deliver(actx, &snapshot)
	}()

	var res channel.Result
	select {
	case res = <-done:
	case <-actx.Done():
		res = channel.Result{Err: fmt.Errorf("%sでの配信がタイムアウト: %w", s.Channel(), actx.Err())}
	}
	if !res.Success && res.Err == nil {
		res.Err = fmt.Errorf("%sでの配信に失敗", s.Channel())
	}

	result := metrics.ResultSent
	switch {
	case !res.Success:
		result = metrics.ResultFailed
	case res.Deferred:
		result = metrics.ResultDeferred
	}
	metrics.ObserveDelivery(string(s.Channel()), result, time.Since(start))

	a := &notification.Attempt{
		NotificationID: dc.Notification.ID,
		Channel:        s.Channel(),
		Number:         number,
		Success:        res.Success,
		Deferred:       res.Deferred,
		DeliveryID:     res.DeliveryID,
		AttemptedAt:    o.now(),
	}
	if res.Err != nil {
		a.Error = res.Err.Error()
	}
	if err := o.store.RecordAttempt(ctx, a); err != nil {
		log := logging.With("orchestrator")
		log.Warn().Err(err).Str("notification_id", dc.Notification.ID).Msg("配信試行の記録に失敗")
	}
	return res
}

// backoff はn回目の再試行の待ち時間を返す。指数的に増やし、最大で半分のゆらぎを加える。
func (o *Orchestrator) backoff(n int) time.Duration {
	d := o.cfg.BaseBackoff << (n - 1)
	if d <= 0 || d > o.cfg.MaxBackoff {
		d = o.cfg.MaxBackoff
	}
	return d + rand.N(d/2+1)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
