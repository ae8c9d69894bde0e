package email

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/nao1215/taskboard/pkg/httpclient"
)

// APISender はSendGrid互換のHTTP APIでメールを送信する。
type APISender struct {
	client *httpclient.Client
	from   string
	path   string
}

// NewAPISender はAPISenderを生成する。baseURLには"https://api.sendgrid.com"などを指定する。
func NewAPISender(baseURL, apiKey, from string) *APISender {
	return &APISender{
		client: httpclient.New(baseURL, httpclient.WithBearerToken(apiKey)),
		from:   from,
		path:   "/v3/mail/send",
	}
}

// Name は送信手段の名前を返す。
func (a *APISender) Name() string {
	return "api"
}

type apiAddress struct {
	Email string `json:"email"`
}

type apiContent struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

type apiPersonalization struct {
	To []apiAddress `json:"to"`
}

type apiRequest struct {
	Personalizations []apiPersonalization `json:"personalizations"`
	From             apiAddress           `json:"from"`
	Subject          string               `json:"subject"`
	Content          []apiContent         `json:"content"`
	CustomArgs       map[string]string    `json:"custom_args,omitempty"`
}

// Send はメッセージをAPIへ送信する。2xx応答を送信成功とみなす。
func (a *APISender) Send(ctx context.Context, msg Message) Result {
	if msg.To == "" {
		return failed(ErrNoRecipient)
	}
	messageID := uuid.New().String()
	req := apiRequest{
		Personalizations: []apiPersonalization{{To: []apiAddress{{Email: msg.To}}}},
		From:             apiAddress{Email: a.from},
		Subject:          msg.Subject,
		CustomArgs:       map[string]string{"message_id": messageID},
	}
	if msg.Text != "" {
		req.Content = append(req.Content, apiContent{Type: "text/plain", Value: msg.Text})
	}
	if msg.HTML != "" {
		req.Content = append(req.Content, apiContent{Type: "text/html", Value: msg.HTML})
	}

	if err := a.client.PostJSON(ctx, a.path, req, nil); err != nil {
		return failed(fmt.Errorf("メール送信APIの呼び出しに失敗: %w", err))
	}
	return Result{Success: true, MessageID: messageID}
}
