package channel

import (
	"context"
	"fmt"

	"github.com/nao1215/taskboard/internal/notification"
	"github.com/nao1215/taskboard/internal/push"
	"github.com/nao1215/taskboard/pkg/logging"
)

// PushGateway はプッシュ通知を送信する。
type PushGateway interface {
	Send(ctx context.Context, msg push.Message) (push.Receipt, error)
}

// TokenPruner は失効したプッシュトークンを削除する。
type TokenPruner interface {
	RemovePushToken(ctx context.Context, userID, token string) error
}

// Push はプッシュ通知を配信する。
type Push struct {
	gateway PushGateway
	pruner  TokenPruner
}

// NewPush はPush戦略を生成する。prunerがnilの場合は失効トークンを削除しない。
func NewPush(gateway PushGateway, pruner TokenPruner) *Push {
	return &Push{gateway: gateway, pruner: pruner}
}

// Channel は担当するチャネルを返す。
func (p *Push) Channel() notification.Channel { return notification.ChannelPush }

// Priority は優先度を返す。
func (p *Push) Priority() int { return notification.ChannelPush.Priority() }

// CanDeliver はトークンが登録済みで、静かな時間帯の外であればtrueを返す。
func (p *Push) CanDeliver(_ context.Context, dc *Context) bool {
	if !Eligible(dc, notification.ChannelPush) || len(dc.User.PushTokens) == 0 {
		return false
	}
	return !dc.User.Preferences.QuietHours.Contains(dc.Now)
}

// Deliver はゲートウェイへ送信する。ゲートウェイが受け付けた時点で成功とする。
func (p *Push) Deliver(ctx context.Context, dc *Context) Result {
	n := dc.Notification
	receipt, err := p.gateway.Send(ctx, push.Message{
		UserID:   dc.User.ID,
		Tokens:   dc.User.PushTokens,
		Title:    n.Title,
		Body:     n.Message,
		Data:     map[string]any{"notificationId": n.ID, "type": string(n.Type)},
		Priority: string(n.Metadata.Priority),
	})
	if err != nil {
		return failure(err)
	}

	if p.pruner != nil {
		log := logging.With("push")
		for _, token := range receipt.InvalidTokens {
			if err := p.pruner.RemovePushToken(ctx, dc.User.ID, token); err != nil {
				log.Warn().Err(err).Str("user_id", dc.User.ID).Msg("失効トークンの削除に失敗")
			}
		}
	}
	return success(fmt.Sprintf("push_%s", receipt.ID), dc.Now)
}
