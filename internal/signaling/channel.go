// Package signaling adapts the shared chat transport into a typed stream of
// signal envelopes scoped to one conversation and one local identity.
package signaling

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"peerlink-backend/internal/domain"
	"peerlink-backend/internal/transport"
	"peerlink-backend/pkg/metrics"
)

// Channel is one endpoint's view of the signaling stream. Inbound envelopes
// are filtered down to those relevant to the local identity; everything else
// on the conversation (chat text, foreign targets, own echoes) is discarded
// before it reaches the state machine.
type Channel struct {
	transport      transport.Transport
	conversationID uuid.UUID
	localID        uuid.UUID
	log            *zap.Logger

	out       chan *domain.SignalEnvelope
	done      chan struct{}
	cancelSub func()
	closeOnce sync.Once

	// sentMu guards sent, the row IDs this channel authored. Echo suppression
	// keys on row identity rather than sender identity so that a self-call
	// (both endpoints sharing one user ID) still delivers across endpoints.
	sentMu sync.Mutex
	sent   map[uuid.UUID]struct{}
}

// Open subscribes to the conversation's creation events and starts filtering.
// The returned envelope stream is lazy, infinite and non-restartable; it is
// closed by Close.
func Open(ctx context.Context, tr transport.Transport, conversationID, localID uuid.UUID, log *zap.Logger) (*Channel, error) {
	events, cancel, err := tr.Subscribe(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to open signaling channel: %w", err)
	}

	c := &Channel{
		transport:      tr,
		conversationID: conversationID,
		localID:        localID,
		log:            log,
		out:            make(chan *domain.SignalEnvelope, 32),
		done:           make(chan struct{}),
		cancelSub:      cancel,
		sent:           make(map[uuid.UUID]struct{}),
	}
	go c.pump(events)
	return c, nil
}

// Send addresses the envelope from the local identity and writes it to the
// conversation as a reserved-type row.
func (c *Channel) Send(ctx context.Context, env *domain.SignalEnvelope) error {
	env.Sender = c.localID
	env.ConversationID = c.conversationID

	content, err := env.Encode()
	if err != nil {
		return err
	}

	// The row ID goes into the sent set before the write so the echo can
	// never outrun the suppression entry.
	row := &domain.Message{
		MessageID:      uuid.New(),
		ConversationID: c.conversationID,
		SenderID:       c.localID,
		Content:        content,
		MessageType:    domain.MessageTypeCallSignal,
	}
	c.sentMu.Lock()
	c.sent[row.MessageID] = struct{}{}
	c.sentMu.Unlock()

	if err := c.transport.Write(ctx, row); err != nil {
		c.sentMu.Lock()
		delete(c.sent, row.MessageID)
		c.sentMu.Unlock()
		return fmt.Errorf("failed to send %s envelope: %w", env.Kind, err)
	}
	metrics.SignalEnvelopesSentTotal.WithLabelValues(string(env.Kind)).Inc()
	return nil
}

// Envelopes returns the inbound stream. Closed when the channel is closed.
func (c *Channel) Envelopes() <-chan *domain.SignalEnvelope {
	return c.out
}

// Close tears down the subscription. Safe to call any number of times.
func (c *Channel) Close() {
	c.closeOnce.Do(func() {
		c.cancelSub()
		close(c.done)
	})
}

// pump filters raw creation events down to relevant envelopes. The done
// select keeps it from parking forever on a full out buffer once the
// consumer is gone.
func (c *Channel) pump(events <-chan *domain.Message) {
	defer close(c.out)
	for msg := range events {
		env, ok := c.filter(msg)
		if !ok {
			continue
		}
		metrics.SignalEnvelopesReceivedTotal.WithLabelValues(string(env.Kind)).Inc()
		select {
		case c.out <- env:
		case <-c.done:
			return
		}
	}
}

func (c *Channel) filter(msg *domain.Message) (*domain.SignalEnvelope, bool) {
	if msg.MessageType != domain.MessageTypeCallSignal {
		return nil, false
	}
	if msg.ConversationID != c.conversationID {
		return nil, false
	}
	c.sentMu.Lock()
	_, echo := c.sent[msg.MessageID]
	c.sentMu.Unlock()
	if echo {
		// No self-delivery: the transport echoes our own writes back.
		return nil, false
	}

	env, err := domain.DecodeSignalEnvelope(msg.Content)
	if err != nil {
		// Expected on a channel shared with human chat; drop and count.
		if errors.Is(err, domain.ErrMalformedSignal) {
			metrics.SignalEnvelopesDroppedTotal.WithLabelValues("malformed").Inc()
			c.log.Debug("dropping malformed signal envelope",
				zap.String("conversation_id", c.conversationID.String()),
				zap.Error(err))
		}
		return nil, false
	}
	if env.ConversationID != c.conversationID {
		metrics.SignalEnvelopesDroppedTotal.WithLabelValues("foreign_conversation").Inc()
		return nil, false
	}
	if !env.TargetedAt(c.localID) {
		metrics.SignalEnvelopesDroppedTotal.WithLabelValues("foreign_target").Inc()
		return nil, false
	}
	return env, true
}
