package digest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nao1215/taskboard/internal/email"
	"github.com/nao1215/taskboard/internal/notification"
	"github.com/nao1215/taskboard/pkg/logging"
	"github.com/nao1215/taskboard/pkg/metrics"
)

// Renderer はダイジェストメールを描画する。
type Renderer interface {
	Digest(u *notification.User, freq notification.DigestFrequency, items []*notification.Notification) (email.Message, error)
}

// Flusher は頻度ごとの間隔でダイジェストメールを送信する。
type Flusher struct {
	queue     Queue
	directory notification.Directory
	renderer  Renderer
	sender    email.Sender
	intervals map[notification.DigestFrequency]time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewFlusher はFlusherを生成する。
// 送信間隔は各頻度の既定値（hourly=1時間、daily=24時間、weekly=7日）を使用する。
func NewFlusher(queue Queue, directory notification.Directory, renderer Renderer, sender email.Sender) *Flusher {
	intervals := make(map[notification.DigestFrequency]time.Duration)
	for _, f := range []notification.DigestFrequency{notification.DigestHourly, notification.DigestDaily, notification.DigestWeekly} {
		intervals[f] = f.Interval()
	}
	return &Flusher{
		queue:     queue,
		directory: directory,
		renderer:  renderer,
		sender:    sender,
		intervals: intervals,
	}
}

// Start は頻度ごとのバックグラウンド送信を開始する。
func (f *Flusher) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	f.cancel = cancel

	for freq, interval := range f.intervals {
		f.wg.Add(1)
		go func() {
			defer f.wg.Done()
			log := logging.With("digest")
			ticker := time.NewTicker(interval)
			defer ticker.Stop()

			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					if _, err := f.FlushNow(ctx, freq); err != nil {
						log.Error().Err(err).Str("frequency", string(freq)).Msg("ダイジェスト送信に失敗")
					}
				}
			}
		}()
	}
}

// Stop はバックグラウンド送信を停止し、実行中の送信の完了を待つ。
func (f *Flusher) Stop() {
	if f.cancel != nil {
		f.cancel()
	}
	f.wg.Wait()
}

// FlushNow は指定頻度のダイジェストをユーザーごとに送信し、送信できた件数を返す。
// 送信に失敗したユーザーの項目はキューへ戻し、次回に再送する。
func (f *Flusher) FlushNow(ctx context.Context, freq notification.DigestFrequency) (int, error) {
	log := logging.With("digest")
	users, err := f.queue.Users(ctx, freq)
	if err != nil {
		return 0, err
	}

	sent := 0
	var errs []error
	for _, userID := range users {
		items, err := f.queue.Drain(ctx, freq, userID)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if len(items) == 0 {
			continue
		}
		if err := f.send(ctx, freq, userID, items); err != nil {
			metrics.IncDigest(string(freq), metrics.ResultFailed)
			log.Warn().Err(err).Str("user_id", userID).Int("items", len(items)).Msg("ダイジェストを再キューします")
			if errors.Is(err, notification.ErrNotFound) {
				continue
			}
			for _, item := range items {
				if qerr := f.queue.Enqueue(ctx, freq, item); qerr != nil {
					errs = append(errs, qerr)
				}
			}
			errs = append(errs, err)
			continue
		}
		metrics.IncDigest(string(freq), metrics.ResultSent)
		sent++
	}
	return sent, errors.Join(errs...)
}

func (f *Flusher) send(ctx context.Context, freq notification.DigestFrequency, userID string, items []Item) error {
	user, err := f.directory.User(ctx, userID)
	if err != nil {
		return fmt.Errorf("ユーザー %s の取得に失敗: %w", userID, err)
	}

	list := make([]*notification.Notification, 0, len(items))
	for _, item := range items {
		list = append(list, &notification.Notification{
			ID:        item.NotificationID,
			UserID:    item.UserID,
			Type:      item.Type,
			Title:     item.Title,
			Message:   item.Message,
			CreatedAt: item.CreatedAt,
		})
	}
	msg, err := f.renderer.Digest(user, freq, list)
	if err != nil {
		return err
	}
	if res := f.sender.Send(ctx, msg); !res.Success {
		return fmt.Errorf("ダイジェストメールの送信に失敗: %w", res.Err)
	}
	return nil
}
