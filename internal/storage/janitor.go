package storage

import (
	"context"
	"time"

	"github.com/nao1215/taskboard/pkg/logging"
)

// DefaultRetention は通知の保持期間の既定値。
const DefaultRetention = 90 * 24 * time.Hour

// Janitor は保持期間を過ぎた通知と有効期限切れの通知を定期的に削除する。
// 処理済みイベントの記録も同じ保持期間で削除する。
type Janitor struct {
	store     *Store
	retention time.Duration
	interval  time.Duration
	cancel    context.CancelFunc
	done      chan struct{}
}

// NewJanitor はJanitorを生成する。retentionが0以下の場合はDefaultRetentionを使用する。
func NewJanitor(store *Store, retention, interval time.Duration) *Janitor {
	if retention <= 0 {
		retention = DefaultRetention
	}
	if interval <= 0 {
		interval = time.Hour
	}
	return &Janitor{store: store, retention: retention, interval: interval}
}

// Start はバックグラウンドで定期削除を開始する。
func (j *Janitor) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	j.cancel = cancel
	j.done = make(chan struct{})

	go func() {
		defer close(j.done)
		log := logging.With("janitor")
		log.Info().Dur("retention", j.retention).Msg("通知の定期削除を開始します")
		ticker := time.NewTicker(j.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				log.Info().Msg("通知の定期削除を停止しました")
				return
			case <-ticker.C:
				if _, err := j.Sweep(ctx); err != nil {
					log.Error().Err(err).Msg("通知の削除に失敗")
				}
			}
		}
	}()
}

// Stop は定期削除を停止し、実行中の削除の完了を待つ。
func (j *Janitor) Stop() {
	if j.cancel != nil {
		j.cancel()
		<-j.done
	}
}

// Sweep は保持期間切れと有効期限切れの通知を1回削除し、削除件数を返す。
func (j *Janitor) Sweep(ctx context.Context) (int, error) {
	now := j.store.now()
	old, err := j.store.DeleteOlderThan(ctx, now.Add(-j.retention))
	if err != nil {
		return 0, err
	}
	expired, err := j.store.DeleteExpired(ctx, now)
	if err != nil {
		return old, err
	}
	events, err := j.store.DeleteEventsBefore(ctx, now.Add(-j.retention))
	if err != nil {
		return old + expired, err
	}
	if total := old + expired; total > 0 || events > 0 {
		log := logging.With("janitor")
		log.Info().Int("retention_deleted", old).Int("expired_deleted", expired).Int("events_deleted", events).Msg("通知を削除しました")
	}
	return old + expired, nil
}
