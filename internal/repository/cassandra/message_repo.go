// Package cassandra holds the message history repositories. Messages are
// partitioned by conversation and daily bucket so a conversation's hot
// partition stays bounded.
package cassandra

import (
	"context"
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"github.com/google/uuid"

	"peerlink-backend/internal/domain"
)

// MessageRepository stores chat and signaling rows in the messages table.
type MessageRepository struct {
	session *gocql.Session
}

func NewMessageRepository(session *gocql.Session) *MessageRepository {
	return &MessageRepository{session: session}
}

// Save inserts one message row. Bucket and MessageID are filled in when the
// caller left them zero.
func (r *MessageRepository) Save(ctx context.Context, message *domain.Message) error {
	if message.CreatedAt.IsZero() {
		message.CreatedAt = time.Now().UTC()
	}
	if message.Bucket == 0 {
		message.Bucket = domain.CalculateBucket(message.CreatedAt)
	}
	if message.MessageID == uuid.Nil {
		message.MessageID = uuid.New()
	}

	query := `
		INSERT INTO messages (
			conversation_id, bucket, message_id, sender_id, content,
			message_type, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?)
	`

	err := r.session.Query(query,
		message.ConversationID,
		message.Bucket,
		message.MessageID,
		message.SenderID,
		message.Content,
		message.MessageType,
		message.CreatedAt,
	).WithContext(ctx).Exec()
	if err != nil {
		return fmt.Errorf("failed to save message: %w", err)
	}

	return nil
}

// History retrieves one bucket's messages newest-first with cursor-based
// pagination. Signaling rows are included; presentation layers filter on
// MessageType.
func (r *MessageRepository) History(
	ctx context.Context,
	conversationID uuid.UUID,
	bucket int,
	limit int,
	pageState []byte,
) ([]*domain.Message, []byte, error) {
	query := `
		SELECT conversation_id, bucket, message_id, sender_id, content,
		       message_type, created_at
		FROM messages
		WHERE conversation_id = ? AND bucket = ?
		ORDER BY created_at DESC
		LIMIT ?
	`

	iter := r.session.Query(query, conversationID, bucket, limit).
		WithContext(ctx).
		PageState(pageState).
		Iter()

	var messages []*domain.Message
	for {
		message := &domain.Message{}
		if !iter.Scan(
			&message.ConversationID,
			&message.Bucket,
			&message.MessageID,
			&message.SenderID,
			&message.Content,
			&message.MessageType,
			&message.CreatedAt,
		) {
			break
		}
		messages = append(messages, message)
	}

	nextPageState := iter.PageState()
	if err := iter.Close(); err != nil {
		return nil, nil, fmt.Errorf("failed to fetch messages: %w", err)
	}

	return messages, nextPageState, nil
}

// Recent walks backwards from today's bucket until limit rows are collected
// or maxBuckets empty days have been scanned.
func (r *MessageRepository) Recent(
	ctx context.Context,
	conversationID uuid.UUID,
	limit int,
	maxBuckets int,
) ([]*domain.Message, error) {
	bucket := domain.CalculateBucket(time.Now())

	var collected []*domain.Message
	for i := 0; i < maxBuckets && len(collected) < limit; i++ {
		messages, _, err := r.History(ctx, conversationID, bucket-i, limit-len(collected), nil)
		if err != nil {
			return nil, err
		}
		collected = append(collected, messages...)
	}

	return collected, nil
}

// GetByID fetches one row by its full primary key.
func (r *MessageRepository) GetByID(ctx context.Context, conversationID uuid.UUID, bucket int, messageID uuid.UUID) (*domain.Message, error) {
	query := `
		SELECT conversation_id, bucket, message_id, sender_id, content,
		       message_type, created_at
		FROM messages
		WHERE conversation_id = ? AND bucket = ? AND message_id = ?
		LIMIT 1
	`

	message := &domain.Message{}
	err := r.session.Query(query, conversationID, bucket, messageID).WithContext(ctx).Scan(
		&message.ConversationID,
		&message.Bucket,
		&message.MessageID,
		&message.SenderID,
		&message.Content,
		&message.MessageType,
		&message.CreatedAt,
	)
	if err != nil {
		if err == gocql.ErrNotFound {
			return nil, fmt.Errorf("message not found")
		}
		return nil, fmt.Errorf("failed to get message: %w", err)
	}

	return message, nil
}

// Delete removes one row, used by retention jobs.
func (r *MessageRepository) Delete(ctx context.Context, conversationID uuid.UUID, bucket int, messageID uuid.UUID) error {
	query := `DELETE FROM messages WHERE conversation_id = ? AND bucket = ? AND message_id = ?`

	if err := r.session.Query(query, conversationID, bucket, messageID).WithContext(ctx).Exec(); err != nil {
		return fmt.Errorf("failed to delete message: %w", err)
	}
	return nil
}
