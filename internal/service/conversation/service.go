package conversation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"peerlink-backend/internal/domain"
)

var (
	ErrInvalidType     = errors.New("invalid conversation type")
	ErrBadParticipants = errors.New("participant list does not match conversation type")
	ErrNotParticipant  = errors.New("user is not a conversation participant")
)

// Store is the persistence surface the service needs.
type Store interface {
	Create(ctx context.Context, conversation *domain.Conversation) error
	AddParticipant(ctx context.Context, conversationID, userID uuid.UUID, role string) error
	GetByID(ctx context.Context, conversationID uuid.UUID) (*domain.Conversation, error)
	Participants(ctx context.Context, conversationID uuid.UUID) ([]uuid.UUID, error)
	IsParticipant(ctx context.Context, conversationID, userID uuid.UUID) (bool, error)
	UserConversations(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*domain.Conversation, error)
	RemoveParticipant(ctx context.Context, conversationID, userID uuid.UUID) error
}

// Service handles conversation membership. Calls ride on top of this:
// a call can only be placed inside a conversation the user belongs to,
// and a single-member conversation is how a user calls their own other
// devices.
type Service struct {
	store Store
}

func NewService(store Store) *Service {
	return &Service{store: store}
}

// CreateInput contains conversation creation data.
type CreateInput struct {
	Name         string
	Type         string // direct, group, self
	CreatedBy    uuid.UUID
	Participants []uuid.UUID
}

func (s *Service) Create(ctx context.Context, input *CreateInput) (*domain.Conversation, error) {
	members := dedupe(append(input.Participants, input.CreatedBy))

	switch input.Type {
	case domain.ConversationTypeDirect:
		if len(members) != 2 {
			return nil, ErrBadParticipants
		}
	case domain.ConversationTypeGroup:
		if len(members) < 2 {
			return nil, ErrBadParticipants
		}
	case domain.ConversationTypeSelf:
		if len(members) != 1 {
			return nil, ErrBadParticipants
		}
	default:
		return nil, ErrInvalidType
	}

	conv := &domain.Conversation{
		ConversationID: uuid.New(),
		Type:           input.Type,
		CreatedBy:      input.CreatedBy,
		CreatedAt:      time.Now(),
	}
	if input.Name != "" {
		conv.Name = &input.Name
	}

	if err := s.store.Create(ctx, conv); err != nil {
		return nil, fmt.Errorf("create conversation: %w", err)
	}

	for _, userID := range members {
		role := domain.ParticipantRoleMember
		if userID == input.CreatedBy {
			role = domain.ParticipantRoleAdmin
		}
		if err := s.store.AddParticipant(ctx, conv.ConversationID, userID, role); err != nil {
			return nil, fmt.Errorf("add participant %s: %w", userID, err)
		}
	}

	return conv, nil
}

// Get returns a conversation, but only to its participants.
func (s *Service) Get(ctx context.Context, conversationID, userID uuid.UUID) (*domain.Conversation, error) {
	member, err := s.store.IsParticipant(ctx, conversationID, userID)
	if err != nil {
		return nil, fmt.Errorf("check membership: %w", err)
	}
	if !member {
		return nil, ErrNotParticipant
	}
	return s.store.GetByID(ctx, conversationID)
}

// Participants lists the member IDs of a conversation the user belongs to.
func (s *Service) Participants(ctx context.Context, conversationID, userID uuid.UUID) ([]uuid.UUID, error) {
	member, err := s.store.IsParticipant(ctx, conversationID, userID)
	if err != nil {
		return nil, fmt.Errorf("check membership: %w", err)
	}
	if !member {
		return nil, ErrNotParticipant
	}
	return s.store.Participants(ctx, conversationID)
}

// ListForUser returns the conversations the user belongs to.
func (s *Service) ListForUser(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*domain.Conversation, error) {
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}
	return s.store.UserConversations(ctx, userID, limit, offset)
}

// AddParticipants adds users to a group conversation.
func (s *Service) AddParticipants(ctx context.Context, conversationID, actor uuid.UUID, userIDs []uuid.UUID) error {
	conv, err := s.Get(ctx, conversationID, actor)
	if err != nil {
		return err
	}
	if conv.Type != domain.ConversationTypeGroup {
		return ErrInvalidType
	}
	for _, userID := range dedupe(userIDs) {
		if err := s.store.AddParticipant(ctx, conversationID, userID, domain.ParticipantRoleMember); err != nil {
			return fmt.Errorf("add participant %s: %w", userID, err)
		}
	}
	return nil
}

// Leave removes the user from a conversation.
func (s *Service) Leave(ctx context.Context, conversationID, userID uuid.UUID) error {
	member, err := s.store.IsParticipant(ctx, conversationID, userID)
	if err != nil {
		return fmt.Errorf("check membership: %w", err)
	}
	if !member {
		return ErrNotParticipant
	}
	return s.store.RemoveParticipant(ctx, conversationID, userID)
}

func dedupe(ids []uuid.UUID) []uuid.UUID {
	seen := make(map[uuid.UUID]struct{}, len(ids))
	out := ids[:0]
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
