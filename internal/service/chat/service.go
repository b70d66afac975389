package chat

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"peerlink-backend/internal/domain"
	"peerlink-backend/internal/transport"
)

var ErrNotParticipant = errors.New("user is not a conversation participant")

const recentBucketSpan = 30 // days scanned when no cursor is given

// HistoryStore reads persisted messages.
type HistoryStore interface {
	History(ctx context.Context, conversationID uuid.UUID, bucket, limit int, pageState []byte) ([]*domain.Message, []byte, error)
	Recent(ctx context.Context, conversationID uuid.UUID, limit, maxBuckets int) ([]*domain.Message, error)
}

// Membership answers whether a user belongs to a conversation.
type Membership interface {
	IsParticipant(ctx context.Context, conversationID, userID uuid.UUID) (bool, error)
}

// Service handles chat messaging. Delivery and persistence both go
// through the conversation transport so REST and WebSocket senders
// share one path.
type Service struct {
	transport  transport.Transport
	history    HistoryStore
	membership Membership
}

func NewService(t transport.Transport, history HistoryStore, membership Membership) *Service {
	return &Service{
		transport:  t,
		history:    history,
		membership: membership,
	}
}

// SendInput contains message data.
type SendInput struct {
	ConversationID uuid.UUID
	SenderID       uuid.UUID
	Content        string
	MessageType    string
}

// Send stores a message and fans it out to live subscribers.
func (s *Service) Send(ctx context.Context, input *SendInput) (*domain.Message, error) {
	if err := s.requireMember(ctx, input.ConversationID, input.SenderID); err != nil {
		return nil, err
	}

	now := time.Now()
	message := &domain.Message{
		MessageID:      uuid.New(),
		ConversationID: input.ConversationID,
		SenderID:       input.SenderID,
		Content:        input.Content,
		MessageType:    input.MessageType,
		Bucket:         domain.CalculateBucket(now),
		CreatedAt:      now,
	}

	if err := s.transport.Write(ctx, message); err != nil {
		return nil, fmt.Errorf("write message: %w", err)
	}
	return message, nil
}

// HistoryInput contains query parameters.
type HistoryInput struct {
	ConversationID uuid.UUID
	UserID         uuid.UUID
	Bucket         int // 0 means today's bucket
	Limit          int
	PageState      []byte
}

// HistoryOutput contains one page of messages.
type HistoryOutput struct {
	Messages      []*domain.Message
	NextPageState []byte
}

// History pages through one day bucket of a conversation, newest first.
// Call signaling rows are filtered out of the result.
func (s *Service) History(ctx context.Context, input *HistoryInput) (*HistoryOutput, error) {
	if err := s.requireMember(ctx, input.ConversationID, input.UserID); err != nil {
		return nil, err
	}

	bucket := input.Bucket
	if bucket == 0 {
		bucket = domain.CalculateBucket(time.Now())
	}
	limit := clampLimit(input.Limit)

	messages, nextPageState, err := s.history.History(ctx, input.ConversationID, bucket, limit, input.PageState)
	if err != nil {
		return nil, fmt.Errorf("fetch history: %w", err)
	}

	return &HistoryOutput{
		Messages:      filterChatRows(messages),
		NextPageState: nextPageState,
	}, nil
}

// Recent returns the latest messages across recent day buckets.
func (s *Service) Recent(ctx context.Context, conversationID, userID uuid.UUID, limit int) ([]*domain.Message, error) {
	if err := s.requireMember(ctx, conversationID, userID); err != nil {
		return nil, err
	}

	messages, err := s.history.Recent(ctx, conversationID, clampLimit(limit), recentBucketSpan)
	if err != nil {
		return nil, fmt.Errorf("fetch recent messages: %w", err)
	}
	return filterChatRows(messages), nil
}

func (s *Service) requireMember(ctx context.Context, conversationID, userID uuid.UUID) error {
	member, err := s.membership.IsParticipant(ctx, conversationID, userID)
	if err != nil {
		return fmt.Errorf("check membership: %w", err)
	}
	if !member {
		return ErrNotParticipant
	}
	return nil
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return 50
	}
	if limit > 200 {
		return 200
	}
	return limit
}

func filterChatRows(messages []*domain.Message) []*domain.Message {
	out := messages[:0]
	for _, m := range messages {
		if m.MessageType == domain.MessageTypeCallSignal {
			continue
		}
		out = append(out, m)
	}
	return out
}
