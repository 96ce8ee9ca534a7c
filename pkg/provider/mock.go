package provider

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// MockSender is an in-memory Sender for tests and tokenless local runs. It
// records every send and can be scripted to fail.
type MockSender struct {
	mu    sync.Mutex
	sent  []MockSend
	Fail  error // when non-nil, every Send returns this error
	FailN int   // fail the first N sends, then succeed
}

// MockSend is one recorded delivery.
type MockSend struct {
	To        string
	Channel   string
	Text      string
	MessageID string
}

// NewMockSender creates an empty mock.
func NewMockSender() *MockSender { return &MockSender{} }

func (m *MockSender) Send(ctx context.Context, to, channel, text string) (*SendResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.Fail != nil {
		return nil, m.Fail
	}
	if m.FailN > 0 {
		m.FailN--
		return nil, &Error{Code: 500, Message: "scripted transient failure"}
	}

	id := uuid.NewString()
	m.sent = append(m.sent, MockSend{To: to, Channel: channel, Text: text, MessageID: id})
	return &SendResult{ProviderMessageID: id}, nil
}

// Sent returns a copy of the recorded sends.
func (m *MockSender) Sent() []MockSend {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]MockSend, len(m.sent))
	copy(out, m.sent)
	return out
}
