package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"peerlink-backend/internal/database"
	"peerlink-backend/internal/domain"
	"peerlink-backend/pkg/logger"
	"peerlink-backend/pkg/metrics"
)

// RedisTransport persists rows through a MessageStore and fans creation
// events out over Redis Pub/Sub, one channel per conversation.
type RedisTransport struct {
	store  MessageStore
	client *database.RedisClient
}

// NewRedisTransport creates a transport backed by store and client.
func NewRedisTransport(store MessageStore, client *database.RedisClient) *RedisTransport {
	return &RedisTransport{store: store, client: client}
}

func conversationChannel(conversationID uuid.UUID) string {
	return fmt.Sprintf("chat:%s", conversationID)
}

// Write saves the row, then publishes it. The publish is best-effort: a row
// that missed its broadcast is still in history, and losing it is no worse
// than losing any other real-time event.
func (t *RedisTransport) Write(ctx context.Context, message *domain.Message) error {
	fillRowDefaults(message)

	if err := t.store.Save(ctx, message); err != nil {
		return fmt.Errorf("failed to save message: %w", err)
	}

	payload, err := json.Marshal(message)
	if err != nil {
		logger.Log.Error("failed to marshal message for pub/sub", zap.Error(err))
		return nil
	}
	if err := t.client.SafePublish(ctx, conversationChannel(message.ConversationID), payload).Err(); err != nil {
		logger.Log.Warn("failed to publish message event",
			zap.String("conversation_id", message.ConversationID.String()),
			zap.Error(err))
	}
	metrics.TransportWritesTotal.WithLabelValues(message.MessageType).Inc()
	return nil
}

// Subscribe opens a Pub/Sub subscription for one conversation and decodes
// each event into a message. Rows that fail to decode are dropped.
func (t *RedisTransport) Subscribe(ctx context.Context, conversationID uuid.UUID) (<-chan *domain.Message, func(), error) {
	pubsub := t.client.SafeSubscribe(ctx, conversationChannel(conversationID))
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, nil, fmt.Errorf("failed to subscribe to conversation: %w", err)
	}

	out := make(chan *domain.Message, 32)
	var once sync.Once
	cancel := func() {
		once.Do(func() { _ = pubsub.Close() })
	}

	go func() {
		defer close(out)
		for msg := range pubsub.Channel() {
			var m domain.Message
			if err := json.Unmarshal([]byte(msg.Payload), &m); err != nil {
				logger.Log.Debug("dropping undecodable transport event", zap.Error(err))
				continue
			}
			select {
			case out <- &m:
			case <-ctx.Done():
				cancel()
				return
			}
		}
	}()

	return out, cancel, nil
}
