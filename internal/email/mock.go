package email

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/nao1215/taskboard/pkg/logging"
)

// MockSender は送信せずにログへ記録する。
// 送信手段が設定されていない開発環境で使用する。
type MockSender struct {
	mu   sync.Mutex
	sent []Message
}

// Name は送信手段の名前を返す。
func (m *MockSender) Name() string {
	return "mock"
}

// Send はメッセージを記録し、常に成功を返す。
func (m *MockSender) Send(_ context.Context, msg Message) Result {
	if msg.To == "" {
		return failed(ErrNoRecipient)
	}
	m.mu.Lock()
	m.sent = append(m.sent, msg)
	m.mu.Unlock()

	id := "mock-" + uuid.New().String()
	log := logging.With("email")
	log.Info().Str("to", msg.To).Str("subject", msg.Subject).Str("message_id", id).Msg("モック送信")
	return Result{Success: true, MessageID: id}
}

// Sent は記録したメッセージのコピーを返す。
func (m *MockSender) Sent() []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Message(nil), m.sent...)
}
