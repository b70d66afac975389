package cockroach

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"peerlink-backend/internal/domain"
)

// CallRepository writes the call log. One row per attempt; Finalize stamps
// the outcome on the terminal transition.
type CallRepository struct {
	pool *pgxpool.Pool
}

func NewCallRepository(pool *pgxpool.Pool) *CallRepository {
	return &CallRepository{pool: pool}
}

// Create inserts the row when a call attempt starts. Outcome stays empty
// until Finalize.
func (r *CallRepository) Create(ctx context.Context, call *domain.Call) error {
	query := `
		INSERT INTO calls (
			call_id, conversation_id, caller_id, callee_id, call_type, outcome, started_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
	`

	_, err := r.pool.Exec(ctx, query,
		call.CallID,
		call.ConversationID,
		call.CallerID,
		call.CalleeID,
		call.CallType,
		call.Outcome,
		call.StartedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create call: %w", err)
	}
	return nil
}

// SetCallee records the resolved peer once call setup knows it.
func (r *CallRepository) SetCallee(ctx context.Context, callID, calleeID uuid.UUID) error {
	query := `UPDATE calls SET callee_id = $2 WHERE call_id = $1`

	if _, err := r.pool.Exec(ctx, query, callID, calleeID); err != nil {
		return fmt.Errorf("failed to set callee: %w", err)
	}
	return nil
}

// Finalize stamps outcome, end time and duration on the terminal
// transition.
func (r *CallRepository) Finalize(ctx context.Context, callID uuid.UUID, outcome string) error {
	query := `
		UPDATE calls
		SET outcome = $2,
		    ended_at = NOW(),
		    duration = EXTRACT(EPOCH FROM (NOW() - started_at))::INT
		WHERE call_id = $1
	`

	if _, err := r.pool.Exec(ctx, query, callID, outcome); err != nil {
		return fmt.Errorf("failed to finalize call: %w", err)
	}
	return nil
}

// CreateLink stores a shareable call link. The slug column is unique.
func (r *CallRepository) CreateLink(ctx context.Context, link *domain.CallLink) error {
	query := `
		INSERT INTO call_links (link_id, slug, creator_id, settings, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`

	_, err := r.pool.Exec(ctx, query,
		link.LinkID,
		link.Slug,
		link.CreatorID,
		link.Settings,
		link.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create call link: %w", err)
	}
	return nil
}

// LinkBySlug resolves a call link; nil when the slug is unknown.
func (r *CallRepository) LinkBySlug(ctx context.Context, slug string) (*domain.CallLink, error) {
	query := `
		SELECT link_id, slug, creator_id, settings, created_at
		FROM call_links
		WHERE slug = $1
	`

	link := &domain.CallLink{}
	err := r.pool.QueryRow(ctx, query, slug).Scan(
		&link.LinkID,
		&link.Slug,
		&link.CreatorID,
		&link.Settings,
		&link.CreatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get call link: %w", err)
	}

	return link, nil
}

// GetByID retrieves one call record.
func (r *CallRepository) GetByID(ctx context.Context, callID uuid.UUID) (*domain.Call, error) {
	query := `
		SELECT call_id, conversation_id, caller_id, callee_id, call_type,
		       outcome, started_at, ended_at, duration
		FROM calls
		WHERE call_id = $1
	`

	call := &domain.Call{}
	err := r.pool.QueryRow(ctx, query, callID).Scan(
		&call.CallID,
		&call.ConversationID,
		&call.CallerID,
		&call.CalleeID,
		&call.CallType,
		&call.Outcome,
		&call.StartedAt,
		&call.EndedAt,
		&call.Duration,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, fmt.Errorf("call not found")
		}
		return nil, fmt.Errorf("failed to get call: %w", err)
	}

	return call, nil
}

// UserCalls lists a user's call history, newest first. A user appears as
// caller or callee.
func (r *CallRepository) UserCalls(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*domain.Call, error) {
	query := `
		SELECT call_id, conversation_id, caller_id, callee_id, call_type,
		       outcome, started_at, ended_at, duration
		FROM calls
		WHERE caller_id = $1 OR callee_id = $1
		ORDER BY started_at DESC
		LIMIT $2 OFFSET $3
	`

	rows, err := r.pool.Query(ctx, query, userID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to get user calls: %w", err)
	}
	defer rows.Close()

	var calls []*domain.Call
	for rows.Next() {
		call := &domain.Call{}
		err := rows.Scan(
			&call.CallID,
			&call.ConversationID,
			&call.CallerID,
			&call.CalleeID,
			&call.CallType,
			&call.Outcome,
			&call.StartedAt,
			&call.EndedAt,
			&call.Duration,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan call: %w", err)
		}
		calls = append(calls, call)
	}

	return calls, rows.Err()
}
