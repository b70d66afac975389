// Package transport exposes the shared real-time message channel that chat
// and call signaling both ride on. A write persists one message row and
// broadcasts a creation event; a subscription delivers creation events for
// one conversation in creation order.
package transport

import (
	"context"
	"time"

	"github.com/google/uuid"

	"peerlink-backend/internal/domain"
)

// Transport is the boundary the signaling layer is built against.
// Production wiring uses the Cassandra+Redis implementation; tests inject the
// in-memory one.
type Transport interface {
	// Write persists the message row and broadcasts its creation event.
	// Callers may pre-assign MessageID to recognize their own echo; zero
	// MessageID, Bucket and CreatedAt are filled in.
	Write(ctx context.Context, message *domain.Message) error

	// Subscribe delivers creation events for conversationID until cancel is
	// called or ctx is done. cancel is idempotent.
	Subscribe(ctx context.Context, conversationID uuid.UUID) (<-chan *domain.Message, func(), error)
}

// MessageStore persists message rows. The Cassandra repository implements it.
type MessageStore interface {
	Save(ctx context.Context, message *domain.Message) error
}

func fillRowDefaults(message *domain.Message) {
	if message.CreatedAt.IsZero() {
		message.CreatedAt = time.Now().UTC()
	}
	if message.Bucket == 0 {
		message.Bucket = domain.CalculateBucket(message.CreatedAt)
	}
	if message.MessageID == uuid.Nil {
		message.MessageID = uuid.New()
	}
}
