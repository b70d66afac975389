package transport

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"peerlink-backend/internal/domain"
)

// MemoryTransport is an in-process Transport: rows are kept in a slice and
// creation events are fanned out to subscribers in creation order. Used by
// tests and single-node runs.
type MemoryTransport struct {
	mu          sync.Mutex
	rows        map[uuid.UUID][]*domain.Message
	subscribers map[uuid.UUID][]chan *domain.Message
}

// NewMemoryTransport creates an empty in-memory transport.
func NewMemoryTransport() *MemoryTransport {
	return &MemoryTransport{
		rows:        make(map[uuid.UUID][]*domain.Message),
		subscribers: make(map[uuid.UUID][]chan *domain.Message),
	}
}

// Write appends the row and delivers its creation event to every subscriber
// of the conversation. Delivery happens under the lock so subscribers
// observe rows in creation order.
func (t *MemoryTransport) Write(ctx context.Context, message *domain.Message) error {
	fillRowDefaults(message)

	t.mu.Lock()
	defer t.mu.Unlock()
	t.rows[message.ConversationID] = append(t.rows[message.ConversationID], message)
	for _, sub := range t.subscribers[message.ConversationID] {
		sub <- message
	}
	return nil
}

// Subscribe registers a buffered event channel for the conversation.
func (t *MemoryTransport) Subscribe(ctx context.Context, conversationID uuid.UUID) (<-chan *domain.Message, func(), error) {
	ch := make(chan *domain.Message, 64)

	t.mu.Lock()
	t.subscribers[conversationID] = append(t.subscribers[conversationID], ch)
	t.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			t.mu.Lock()
			subs := t.subscribers[conversationID]
			for i, sub := range subs {
				if sub == ch {
					t.subscribers[conversationID] = append(subs[:i], subs[i+1:]...)
					break
				}
			}
			t.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel, nil
}

// Rows returns the stored rows for a conversation, oldest first.
func (t *MemoryTransport) Rows(conversationID uuid.UUID) []*domain.Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*domain.Message, len(t.rows[conversationID]))
	copy(out, t.rows[conversationID])
	return out
}
