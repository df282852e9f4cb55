package frontdesk

import (
	"context"
	"sync"
)

// MockAdapter is an in-memory Adapter for tests and local development:
// inbound messages are pushed by hand, outbound messages are recorded.
type MockAdapter struct {
	mu        sync.Mutex
	connected bool
	closed    bool
	inbound   chan InboundMessage
	sent      []OutboundMessage
}

// NewMock creates a MockAdapter.
func NewMock() *MockAdapter {
	return &MockAdapter{inbound: make(chan InboundMessage, 100)}
}

func (m *MockAdapter) Connect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = true
	return nil
}

func (m *MockAdapter) Listen(ctx context.Context) (<-chan InboundMessage, error) {
	return m.inbound, nil
}

func (m *MockAdapter) Send(ctx context.Context, msg OutboundMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, msg)
	return nil
}

func (m *MockAdapter) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	close(m.inbound)
	return nil
}

// Push delivers an inbound message as if it came from the platform.
func (m *MockAdapter) Push(msg InboundMessage) {
	m.inbound <- msg
}

// Sent returns a copy of all recorded outbound messages.
func (m *MockAdapter) Sent() []OutboundMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]OutboundMessage, len(m.sent))
	copy(out, m.sent)
	return out
}

var _ Adapter = (*MockAdapter)(nil)
