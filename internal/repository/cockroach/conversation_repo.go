// Package cockroach holds the relational repositories: conversation
// membership and the call log.
package cockroach

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"peerlink-backend/internal/domain"
)

// Transaction wraps a pgx transaction for multi-step writes.
type Transaction struct {
	tx pgx.Tx
}

func (t *Transaction) Commit(ctx context.Context) error   { return t.tx.Commit(ctx) }
func (t *Transaction) Rollback(ctx context.Context) error { return t.tx.Rollback(ctx) }

// ConversationRepository handles conversation metadata and membership. It is
// the participant directory call setup resolves targets against.
type ConversationRepository struct {
	pool *pgxpool.Pool
}

func NewConversationRepository(pool *pgxpool.Pool) *ConversationRepository {
	return &ConversationRepository{pool: pool}
}

// BeginTx starts a transaction for conversation-plus-participant creation.
func (r *ConversationRepository) BeginTx(ctx context.Context) (*Transaction, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	return &Transaction{tx: tx}, nil
}

// Create inserts a conversation row.
func (r *ConversationRepository) Create(ctx context.Context, conversation *domain.Conversation) error {
	query := `
		INSERT INTO conversations (
			conversation_id, type, name, created_by, created_at
		) VALUES ($1, $2, $3, $4, $5)
	`

	_, err := r.pool.Exec(ctx, query,
		conversation.ConversationID,
		conversation.Type,
		conversation.Name,
		conversation.CreatedBy,
		conversation.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create conversation: %w", err)
	}
	return nil
}

// CreateTx inserts a conversation row within a transaction.
func (r *ConversationRepository) CreateTx(ctx context.Context, tx *Transaction, conversation *domain.Conversation) error {
	query := `
		INSERT INTO conversations (
			conversation_id, type, name, created_by, created_at
		) VALUES ($1, $2, $3, $4, $5)
	`

	_, err := tx.tx.Exec(ctx, query,
		conversation.ConversationID,
		conversation.Type,
		conversation.Name,
		conversation.CreatedBy,
		conversation.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create conversation: %w", err)
	}
	return nil
}

// AddParticipant adds one user to a conversation.
func (r *ConversationRepository) AddParticipant(ctx context.Context, conversationID, userID uuid.UUID, role string) error {
	query := `
		INSERT INTO conversation_participants (
			conversation_id, user_id, role, joined_at
		) VALUES ($1, $2, $3, $4)
	`

	if _, err := r.pool.Exec(ctx, query, conversationID, userID, role, time.Now()); err != nil {
		return fmt.Errorf("failed to add participant: %w", err)
	}
	return nil
}

// AddParticipantTx adds one user within a transaction.
func (r *ConversationRepository) AddParticipantTx(ctx context.Context, tx *Transaction, conversationID, userID uuid.UUID, role string) error {
	query := `
		INSERT INTO conversation_participants (
			conversation_id, user_id, role, joined_at
		) VALUES ($1, $2, $3, $4)
	`

	if _, err := tx.tx.Exec(ctx, query, conversationID, userID, role, time.Now()); err != nil {
		return fmt.Errorf("failed to add participant: %w", err)
	}
	return nil
}

// GetByID retrieves conversation metadata.
func (r *ConversationRepository) GetByID(ctx context.Context, conversationID uuid.UUID) (*domain.Conversation, error) {
	query := `
		SELECT conversation_id, type, name, created_by, created_at
		FROM conversations
		WHERE conversation_id = $1
	`

	conversation := &domain.Conversation{}
	err := r.pool.QueryRow(ctx, query, conversationID).Scan(
		&conversation.ConversationID,
		&conversation.Type,
		&conversation.Name,
		&conversation.CreatedBy,
		&conversation.CreatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, fmt.Errorf("conversation not found")
		}
		return nil, fmt.Errorf("failed to get conversation: %w", err)
	}

	return conversation, nil
}

// Participants returns the conversation's member IDs. Call setup uses this
// list to pick the peer to ring.
func (r *ConversationRepository) Participants(ctx context.Context, conversationID uuid.UUID) ([]uuid.UUID, error) {
	query := `
		SELECT user_id FROM conversation_participants
		WHERE conversation_id = $1
		ORDER BY joined_at ASC
	`

	rows, err := r.pool.Query(ctx, query, conversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to get participants: %w", err)
	}
	defer rows.Close()

	var participants []uuid.UUID
	for rows.Next() {
		var userID uuid.UUID
		if err := rows.Scan(&userID); err != nil {
			return nil, fmt.Errorf("failed to scan participant: %w", err)
		}
		participants = append(participants, userID)
	}

	return participants, rows.Err()
}

// IsParticipant reports whether userID belongs to the conversation.
func (r *ConversationRepository) IsParticipant(ctx context.Context, conversationID, userID uuid.UUID) (bool, error) {
	query := `SELECT EXISTS(SELECT 1 FROM conversation_participants WHERE conversation_id = $1 AND user_id = $2)`

	var exists bool
	if err := r.pool.QueryRow(ctx, query, conversationID, userID).Scan(&exists); err != nil {
		return false, fmt.Errorf("failed to check participant: %w", err)
	}
	return exists, nil
}

// UserConversations lists a user's conversations, most recent first.
func (r *ConversationRepository) UserConversations(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*domain.Conversation, error) {
	query := `
		SELECT c.conversation_id, c.type, c.name, c.created_by, c.created_at
		FROM conversations c
		INNER JOIN conversation_participants cp ON c.conversation_id = cp.conversation_id
		WHERE cp.user_id = $1
		ORDER BY c.created_at DESC
		LIMIT $2 OFFSET $3
	`

	rows, err := r.pool.Query(ctx, query, userID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to get user conversations: %w", err)
	}
	defer rows.Close()

	var conversations []*domain.Conversation
	for rows.Next() {
		conversation := &domain.Conversation{}
		err := rows.Scan(
			&conversation.ConversationID,
			&conversation.Type,
			&conversation.Name,
			&conversation.CreatedBy,
			&conversation.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan conversation: %w", err)
		}
		conversations = append(conversations, conversation)
	}

	return conversations, rows.Err()
}

// RemoveParticipant removes one user from a conversation.
func (r *ConversationRepository) RemoveParticipant(ctx context.Context, conversationID, userID uuid.UUID) error {
	query := `DELETE FROM conversation_participants WHERE conversation_id = $1 AND user_id = $2`

	cmdTag, err := r.pool.Exec(ctx, query, conversationID, userID)
	if err != nil {
		return fmt.Errorf("failed to remove participant: %w", err)
	}
	if cmdTag.RowsAffected() == 0 {
		return fmt.Errorf("participant not found")
	}
	return nil
}
