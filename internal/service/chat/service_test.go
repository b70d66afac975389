package chat

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"peerlink-backend/internal/domain"
	"peerlink-backend/internal/transport"
)

type MockHistoryStore struct {
	mock.Mock
}

func (m *MockHistoryStore) History(ctx context.Context, conversationID uuid.UUID, bucket, limit int, pageState []byte) ([]*domain.Message, []byte, error) {
	args := m.Called(ctx, conversationID, bucket, limit, pageState)
	var messages []*domain.Message
	if got := args.Get(0); got != nil {
		messages = got.([]*domain.Message)
	}
	var next []byte
	if got := args.Get(1); got != nil {
		next = got.([]byte)
	}
	return messages, next, args.Error(2)
}

func (m *MockHistoryStore) Recent(ctx context.Context, conversationID uuid.UUID, limit, maxBuckets int) ([]*domain.Message, error) {
	args := m.Called(ctx, conversationID, limit, maxBuckets)
	if got := args.Get(0); got != nil {
		return got.([]*domain.Message), args.Error(1)
	}
	return nil, args.Error(1)
}

type MockMembership struct {
	mock.Mock
}

func (m *MockMembership) IsParticipant(ctx context.Context, conversationID, userID uuid.UUID) (bool, error) {
	args := m.Called(ctx, conversationID, userID)
	return args.Bool(0), args.Error(1)
}

func TestSendDeliversToSubscribers(t *testing.T) {
	tr := transport.NewMemoryTransport()
	history := new(MockHistoryStore)
	membership := new(MockMembership)
	svc := NewService(tr, history, membership)

	convID := uuid.New()
	sender := uuid.New()

	membership.On("IsParticipant", mock.Anything, convID, sender).Return(true, nil)

	sub, cancel, err := tr.Subscribe(context.Background(), convID)
	require.NoError(t, err)
	defer cancel()

	message, err := svc.Send(context.Background(), &SendInput{
		ConversationID: convID,
		SenderID:       sender,
		Content:        "hello",
		MessageType:    domain.MessageTypeText,
	})
	require.NoError(t, err)
	assert.NotEqual(t, uuid.Nil, message.MessageID)
	assert.Equal(t, domain.CalculateBucket(message.CreatedAt), message.Bucket)

	select {
	case got := <-sub:
		assert.Equal(t, message.MessageID, got.MessageID)
		assert.Equal(t, "hello", got.Content)
	case <-time.After(time.Second):
		t.Fatal("message was not delivered")
	}
}

func TestSendRejectsNonParticipant(t *testing.T) {
	tr := transport.NewMemoryTransport()
	membership := new(MockMembership)
	svc := NewService(tr, new(MockHistoryStore), membership)

	convID := uuid.New()
	outsider := uuid.New()

	membership.On("IsParticipant", mock.Anything, convID, outsider).Return(false, nil)

	_, err := svc.Send(context.Background(), &SendInput{
		ConversationID: convID,
		SenderID:       outsider,
		Content:        "hello",
		MessageType:    domain.MessageTypeText,
	})

	assert.ErrorIs(t, err, ErrNotParticipant)
}

func TestHistoryFiltersSignalRows(t *testing.T) {
	history := new(MockHistoryStore)
	membership := new(MockMembership)
	svc := NewService(transport.NewMemoryTransport(), history, membership)

	convID := uuid.New()
	userID := uuid.New()

	chatRow := &domain.Message{MessageID: uuid.New(), MessageType: domain.MessageTypeText}
	signalRow := &domain.Message{MessageID: uuid.New(), MessageType: domain.MessageTypeCallSignal}

	membership.On("IsParticipant", mock.Anything, convID, userID).Return(true, nil)
	history.On("History", mock.Anything, convID, mock.AnythingOfType("int"), 50, []byte(nil)).
		Return([]*domain.Message{chatRow, signalRow}, []byte("cursor"), nil)

	output, err := svc.History(context.Background(), &HistoryInput{
		ConversationID: convID,
		UserID:         userID,
	})

	require.NoError(t, err)
	require.Len(t, output.Messages, 1)
	assert.Equal(t, chatRow.MessageID, output.Messages[0].MessageID)
	assert.Equal(t, []byte("cursor"), output.NextPageState)
}

func TestHistoryDefaultsToTodayBucket(t *testing.T) {
	history := new(MockHistoryStore)
	membership := new(MockMembership)
	svc := NewService(transport.NewMemoryTransport(), history, membership)

	convID := uuid.New()
	userID := uuid.New()
	today := domain.CalculateBucket(time.Now())

	membership.On("IsParticipant", mock.Anything, convID, userID).Return(true, nil)
	history.On("History", mock.Anything, convID, today, 50, []byte(nil)).
		Return([]*domain.Message{}, []byte(nil), nil)

	_, err := svc.History(context.Background(), &HistoryInput{
		ConversationID: convID,
		UserID:         userID,
	})

	require.NoError(t, err)
	history.AssertExpectations(t)
}

func TestRecentClampsLimit(t *testing.T) {
	history := new(MockHistoryStore)
	membership := new(MockMembership)
	svc := NewService(transport.NewMemoryTransport(), history, membership)

	convID := uuid.New()
	userID := uuid.New()

	membership.On("IsParticipant", mock.Anything, convID, userID).Return(true, nil)
	history.On("Recent", mock.Anything, convID, 200, recentBucketSpan).
		Return([]*domain.Message{}, nil)

	_, err := svc.Recent(context.Background(), convID, userID, 5000)

	require.NoError(t, err)
	history.AssertExpectations(t)
}
