package queue

import (
	"context"
	"sync"
)

// MemoryClient keeps sent messages in memory. Used by tests and local runs
// that drain the queue in-process.
type MemoryClient struct {
	mu       sync.Mutex
	messages []Message
	Err      error
}

// Send records msg, or returns Err when set.
func (m *MemoryClient) Send(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	m.messages = append(m.messages, msg)
	return nil
}

// Messages returns a copy of the recorded messages.
func (m *MemoryClient) Messages() []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Message(nil), m.messages...)
}

var _ Client = (*MemoryClient)(nil)
