// Package push はプッシュ通知ゲートウェイへの送信クライアントを提供する。
//
// ゲートウェイが受け付けた時点で送信成功とみなす。端末への到達は追跡しない。
package push

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nao1215/taskboard/pkg/httpclient"
)

// ErrNoTokens は送信先トークンが無いことを表す。
var ErrNoTokens = errors.New("プッシュトークンが登録されていません")

// Message はゲートウェイに送るプッシュ通知。
type Message struct {
	UserID   string         `json:"userId"`
	Tokens   []string       `json:"tokens"`
	Title    string         `json:"title"`
	Body     string         `json:"body"`
	Data     map[string]any `json:"data,omitempty"`
	Priority string         `json:"priority"`
}

// Receipt はゲートウェイの受付結果。
type Receipt struct {
	// ID はゲートウェイが割り当てた配信ID。
	ID string `json:"id"`
	// InvalidTokens は失効していたトークン。
	InvalidTokens []string `json:"invalidTokens,omitempty"`
}

// Gateway はプッシュ通知ゲートウェイのクライアント。
type Gateway struct {
	client *httpclient.Client
}

// NewGateway はGatewayを生成する。
func NewGateway(baseURL, apiKey string, timeout time.Duration) *Gateway {
	var opts []httpclient.Option
	if timeout > 0 {
		opts = append(opts, httpclient.WithTimeout(timeout))
	}
	if apiKey != "" {
		opts = append(opts, httpclient.WithBearerToken(apiKey))
	}
	return &Gateway{client: httpclient.New(baseURL, opts...)}
}

// Send はプッシュ通知をゲートウェイへ送信する。
func (g *Gateway) Send(ctx context.Context, msg Message) (Receipt, error) {
	if len(msg.Tokens) == 0 {
		return Receipt{}, ErrNoTokens
	}
	var receipt Receipt
	ctx = httpclient.WithUserID(ctx, msg.UserID)
	if err := g.client.PostJSON(ctx, "/v1/push", msg, &receipt); err != nil {
		return Receipt{}, fmt.Errorf("プッシュゲートウェイへの送信に失敗: %w", err)
	}
	if receipt.ID == "" {
		return Receipt{}, errors.New("プッシュゲートウェイの応答に配信IDがありません")
	}
	return receipt, nil
}
