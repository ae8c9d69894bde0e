package email

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nao1215/taskboard/pkg/logging"
)

// DefaultTimeout はメール送信全体のタイムアウトの既定値。
const DefaultTimeout = 8 * time.Second

// FallbackSender は複数の送信手段を順に試し、最初に成功した結果を返す。
type FallbackSender struct {
	senders []Sender
	timeout time.Duration
}

// NewFallbackSender はFallbackSenderを生成する。timeoutが0以下の場合はDefaultTimeoutを使用する。
func NewFallbackSender(timeout time.Duration, senders ...Sender) *FallbackSender {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &FallbackSender{senders: senders, timeout: timeout}
}

// Name は送信手段の名前を返す。
func (f *FallbackSender) Name() string {
	return "fallback"
}

// Send はタイムアウト内で各送信手段を順に試す。
// タイムアウトした場合は残りの送信手段を試さずに失敗を返す。
func (f *FallbackSender) Send(ctx context.Context, msg Message) Result {
	if len(f.senders) == 0 {
		return failed(errors.New("メール送信手段が設定されていません"))
	}
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	log := logging.With("email")
	var errs []error
	for _, s := range f.senders {
		res := s.Send(ctx, msg)
		if res.Success {
			return res
		}
		errs = append(errs, fmt.Errorf("%s: %w", s.Name(), res.Err))
		log.Warn().Err(res.Err).Str("sender", s.Name()).Msg("メール送信に失敗、次の送信手段を試します")
		if ctx.Err() != nil {
			errs = append(errs, fmt.Errorf("メール送信が%vでタイムアウト: %w", f.timeout, ctx.Err()))
			break
		}
	}
	return failed(errors.Join(errs...))
}
