package email

import (
	"context"
	"fmt"
	"mime"
	"mime/multipart"
	"net/smtp"
	"net/textproto"
	"strings"
	"time"

	"github.com/google/uuid"
)

// sendMailHook はテストでSMTP送信を差し替えるためのフック。
var sendMailHook = smtp.SendMail

// SMTPSender はSMTPサーバー経由でメールを送信する。
type SMTPSender struct {
	Host     string
	Port     int
	Username string
	Password string
	// From は送信元アドレス。
	From string
}

// Name は送信手段の名前を返す。
func (s *SMTPSender) Name() string {
	return "smtp"
}

// Send はマルチパート（text/plainとtext/html）のメールを送信する。
// net/smtpはコンテキストを受け取らないため、送信を別ゴルーチンで行いctxの完了で打ち切る。
func (s *SMTPSender) Send(ctx context.Context, msg Message) Result {
	if msg.To == "" {
		return failed(ErrNoRecipient)
	}
	messageID := fmt.Sprintf("<%s@%s>", uuid.New().String(), s.Host)
	body, err := s.build(msg, messageID)
	if err != nil {
		return failed(err)
	}

	var auth smtp.Auth
	if s.Username != "" {
		auth = smtp.PlainAuth("", s.Username, s.Password, s.Host)
	}
	addr := fmt.Sprintf("%s:%d", s.Host, s.Port)

	send := sendMailHook
	done := make(chan error, 1)
	go func() {
		done <- send(addr, auth, s.From, []string{msg.To}, body)
	}()

	select {
	case err := <-done:
		if err != nil {
			return failed(fmt.Errorf("SMTP送信に失敗: %w", err))
		}
		return Result{Success: true, MessageID: messageID}
	case <-ctx.Done():
		return failed(fmt.Errorf("SMTP送信がタイムアウト: %w", ctx.Err()))
	}
}

// build はRFC 5322形式のメッセージを組み立てる。
func (s *SMTPSender) build(msg Message, messageID string) ([]byte, error) {
	var parts strings.Builder
	pw := multipart.NewWriter(&parts)
	for _, p := range []struct{ contentType, body string }{
		{"text/plain; charset=utf-8", msg.Text},
		{"text/html; charset=utf-8", msg.HTML},
	} {
		if p.body == "" {
			continue
		}
		w, err := pw.CreatePart(textproto.MIMEHeader{"Content-Type": {p.contentType}})
		if err != nil {
			return nil, fmt.Errorf("マルチパートの作成に失敗: %w", err)
		}
		if _, err := w.Write([]byte(p.body)); err != nil {
			return nil, fmt.Errorf("本文の書き込みに失敗: %w", err)
		}
	}
	if err := pw.Close(); err != nil {
		return nil, fmt.Errorf("マルチパートの終了に失敗: %w", err)
	}

	headers := []string{
		"From: " + s.From,
		"To: " + msg.To,
		"Subject: " + mime.QEncoding.Encode("utf-8", msg.Subject),
		"Message-ID: " + messageID,
		"Date: " + time.Now().UTC().Format(time.RFC1123Z),
		"MIME-Version: 1.0",
		"Content-Type: multipart/alternative; boundary=" + pw.Boundary(),
	}
	return []byte(strings.Join(headers, "\r\n") + "\r\n\r\n" + parts.String()), nil
}
