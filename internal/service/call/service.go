// Package call is the service layer for peer calls: it opens the signaling
// channel, builds the media engine, runs one session per user and records
// the result in the call log.
package call

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	callsession "peerlink-backend/internal/call"
	"peerlink-backend/internal/domain"
	"peerlink-backend/internal/media"
	"peerlink-backend/internal/signaling"
	"peerlink-backend/internal/transport"
)

// ConversationStore is the membership lookup the service needs. The
// cockroach conversation repository implements it.
type ConversationStore interface {
	IsParticipant(ctx context.Context, conversationID, userID uuid.UUID) (bool, error)
	Participants(ctx context.Context, conversationID uuid.UUID) ([]uuid.UUID, error)
}

// CallStore persists the call log. The cockroach call repository implements
// it.
type CallStore interface {
	Create(ctx context.Context, call *domain.Call) error
	SetCallee(ctx context.Context, callID, calleeID uuid.UUID) error
	Finalize(ctx context.Context, callID uuid.UUID, outcome string) error
	UserCalls(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*domain.Call, error)
	CreateLink(ctx context.Context, link *domain.CallLink) error
	LinkBySlug(ctx context.Context, slug string) (*domain.CallLink, error)
}

// ErrAlreadyInCall is returned when a user starts a call while another of
// theirs is still live.
var ErrAlreadyInCall = errors.New("user already has an active call")

// ErrNotParticipant is returned when the user does not belong to the
// conversation they are calling into.
var ErrNotParticipant = errors.New("user is not a participant of the conversation")

// ErrNoActiveCall is returned by call-scoped operations when the user has no
// live session.
var ErrNoActiveCall = errors.New("no active call for user")

// ErrLinkNotFound is returned when a call link slug resolves to nothing.
var ErrLinkNotFound = errors.New("call link not found")

// ErrSlugTaken is returned when a call link slug is already in use.
var ErrSlugTaken = errors.New("call link slug already taken")

// Service orchestrates call sessions. One live session per user; the session
// owns its signaling channel and media engine and the service finalizes the
// call log when it ends.
type Service struct {
	transport transport.Transport
	convRepo  ConversationStore
	callRepo  CallStore
	log       *zap.Logger

	iceServers    []string
	listenTimeout time.Duration

	// newSession is swapped out in tests to avoid real capture devices.
	newSession func(input *StartCallInput) (*callsession.Session, error)

	mu     sync.Mutex
	active map[uuid.UUID]*activeCall
}

type activeCall struct {
	callID  uuid.UUID
	session *callsession.Session
	changes chan callsession.StateChange
}

// Options tunes session construction.
type Options struct {
	// ICEServers overrides the default STUN set.
	ICEServers []string
	// ListenTimeout bounds how long a callee waits for an offer.
	// Zero keeps listeners available until hangup.
	ListenTimeout time.Duration
}

func NewService(
	tr transport.Transport,
	convRepo ConversationStore,
	callRepo CallStore,
	opts Options,
	log *zap.Logger,
) *Service {
	s := &Service{
		transport:     tr,
		convRepo:      convRepo,
		callRepo:      callRepo,
		iceServers:    opts.ICEServers,
		listenTimeout: opts.ListenTimeout,
		log:           log,
		active:        make(map[uuid.UUID]*activeCall),
	}
	s.newSession = s.buildSession
	return s
}

// StartCallInput describes one call attempt.
type StartCallInput struct {
	ConversationID uuid.UUID
	UserID         uuid.UUID
	Role           callsession.Role
	CallType       string // audio or video
}

// StartCallOutput identifies the created session.
type StartCallOutput struct {
	CallID         uuid.UUID
	ConversationID uuid.UUID
	Role           callsession.Role
	CallType       string
}

// StartCall verifies membership, builds the session stack and starts it.
// The caller role writes a call log row; listeners appear in the log only
// through the caller's row.
func (s *Service) StartCall(ctx context.Context, input *StartCallInput) (*StartCallOutput, error) {
	if input.CallType != domain.CallTypeAudio && input.CallType != domain.CallTypeVideo {
		return nil, fmt.Errorf("unknown call type %q", input.CallType)
	}

	isMember, err := s.convRepo.IsParticipant(ctx, input.ConversationID, input.UserID)
	if err != nil {
		return nil, fmt.Errorf("failed to verify membership: %w", err)
	}
	if !isMember {
		return nil, ErrNotParticipant
	}

	s.mu.Lock()
	if _, busy := s.active[input.UserID]; busy {
		s.mu.Unlock()
		return nil, ErrAlreadyInCall
	}
	// Reserve the slot before the slow setup below.
	s.active[input.UserID] = nil
	s.mu.Unlock()

	callID := uuid.New()
	session, err := s.newSession(input)
	if err != nil {
		s.clearActive(input.UserID)
		return nil, err
	}

	if input.Role == callsession.RoleCaller {
		record := &domain.Call{
			CallID:         callID,
			ConversationID: input.ConversationID,
			CallerID:       input.UserID,
			CallType:       input.CallType,
			StartedAt:      time.Now().UTC(),
		}
		if err := s.callRepo.Create(ctx, record); err != nil {
			// The call can still proceed without its log row.
			s.log.Error("failed to create call record", zap.Error(err))
		}
	}

	ac := &activeCall{
		callID:  callID,
		session: session,
		changes: make(chan callsession.StateChange, 16),
	}
	s.mu.Lock()
	s.active[input.UserID] = ac
	s.mu.Unlock()

	// The session owns resources beyond this request; it lives on a
	// background context and is stopped by Hangup or its own lifecycle.
	session.Start(context.Background())
	go s.watch(input, ac)

	return &StartCallOutput{
		CallID:         callID,
		ConversationID: input.ConversationID,
		Role:           input.Role,
		CallType:       input.CallType,
	}, nil
}

func (s *Service) buildSession(input *StartCallInput) (*callsession.Session, error) {
	channel, err := signaling.Open(context.Background(), s.transport, input.ConversationID, input.UserID, s.log)
	if err != nil {
		return nil, fmt.Errorf("failed to open signaling: %w", err)
	}

	engine := media.NewEngine(s.iceServers, s.log)
	cfg := callsession.Config{
		ConversationID: input.ConversationID,
		LocalID:        input.UserID,
		Role:           input.Role,
		Audio:          true,
		Video:          input.CallType == domain.CallTypeVideo,
		ListenTimeout:  s.listenTimeout,
	}
	return callsession.NewSession(cfg, channel, &engineAdapter{engine}, s.convRepo, s.log), nil
}

// watch drains the session's state changes, fans them out to the user's
// subscriber and finalizes the call log on the terminal transition.
func (s *Service) watch(input *StartCallInput, ac *activeCall) {
	defer close(ac.changes)

	sawConnected := false
	for change := range ac.session.Changes() {
		if change.State == callsession.StateConnected {
			sawConnected = true
		}
		if input.Role == callsession.RoleCaller && change.State == callsession.StateOffering {
			// The session has resolved its target by the time the offer is
			// out; complete the log row with the peer.
			s.recordCallee(ac)
		}

		select {
		case ac.changes <- change:
		default:
			// A stalled subscriber must not stall the session.
			s.log.Warn("dropping state change for slow subscriber",
				zap.String("call_id", ac.callID.String()))
		}

		if change.State.Terminal() {
			s.finalize(input, ac, change, sawConnected)
		}
	}
	s.clearActive(input.UserID)
}

func (s *Service) recordCallee(ac *activeCall) {
	calleeID := ac.session.RemoteID()
	if calleeID == uuid.Nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.callRepo.SetCallee(ctx, ac.callID, calleeID); err != nil {
		s.log.Error("failed to record callee",
			zap.String("call_id", ac.callID.String()), zap.Error(err))
	}
}

func (s *Service) finalize(input *StartCallInput, ac *activeCall, change callsession.StateChange, sawConnected bool) {
	if input.Role != callsession.RoleCaller {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	outcome := callOutcome(change, sawConnected)
	if err := s.callRepo.Finalize(ctx, ac.callID, outcome); err != nil {
		s.log.Error("failed to finalize call record",
			zap.String("call_id", ac.callID.String()), zap.Error(err))
	}
}

// callOutcome maps a terminal transition to a log outcome, seen from the
// caller's side.
func callOutcome(change callsession.StateChange, sawConnected bool) string {
	if sawConnected {
		if change.State == callsession.StateFailed {
			return domain.CallOutcomeFailed
		}
		return domain.CallOutcomeCompleted
	}
	switch change.Reason {
	case callsession.ReasonHangupRemote:
		return domain.CallOutcomeRejected
	case callsession.ReasonHangupLocal:
		return domain.CallOutcomeMissed
	default:
		return domain.CallOutcomeFailed
	}
}

func (s *Service) clearActive(userID uuid.UUID) {
	s.mu.Lock()
	delete(s.active, userID)
	s.mu.Unlock()
}

// Hangup ends the user's live session, if any.
func (s *Service) Hangup(userID uuid.UUID) error {
	s.mu.Lock()
	ac := s.active[userID]
	s.mu.Unlock()

	if ac == nil {
		return ErrNoActiveCall
	}
	ac.session.Hangup()
	return nil
}

// Watch returns the user's live state-change stream. The channel closes when
// the session ends.
func (s *Service) Watch(userID uuid.UUID) (<-chan callsession.StateChange, error) {
	s.mu.Lock()
	ac := s.active[userID]
	s.mu.Unlock()

	if ac == nil {
		return nil, ErrNoActiveCall
	}
	return ac.changes, nil
}

// ActiveState reports the live session's current state.
func (s *Service) ActiveState(userID uuid.UUID) (callsession.State, error) {
	s.mu.Lock()
	ac := s.active[userID]
	s.mu.Unlock()

	if ac == nil {
		return "", ErrNoActiveCall
	}
	return ac.session.State(), nil
}

// CallHistory lists a user's past calls.
func (s *Service) CallHistory(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*domain.Call, error) {
	return s.callRepo.UserCalls(ctx, userID, limit, offset)
}

// CreateCallLink registers a shareable slug for the creator. The unique
// constraint on the slug column backs the pre-check under races.
func (s *Service) CreateCallLink(ctx context.Context, creatorID uuid.UUID, slug string, settings json.RawMessage) (*domain.CallLink, error) {
	existing, err := s.callRepo.LinkBySlug(ctx, slug)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, ErrSlugTaken
	}

	if len(settings) == 0 {
		settings = json.RawMessage(`{}`)
	}
	link := &domain.CallLink{
		LinkID:    uuid.New(),
		Slug:      slug,
		CreatorID: creatorID,
		Settings:  settings,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.callRepo.CreateLink(ctx, link); err != nil {
		return nil, err
	}
	return link, nil
}

// ResolveCallLink looks a slug up, for clients landing on a shared call URL.
func (s *Service) ResolveCallLink(ctx context.Context, slug string) (*domain.CallLink, error) {
	link, err := s.callRepo.LinkBySlug(ctx, slug)
	if err != nil {
		return nil, err
	}
	if link == nil {
		return nil, ErrLinkNotFound
	}
	return link, nil
}

// engineAdapter narrows *media.Engine to the session's Media port; NewPeer's
// concrete return type needs the indirection.
type engineAdapter struct {
	*media.Engine
}

func (a *engineAdapter) NewPeer() (callsession.Peer, error) {
	return a.Engine.NewPeer()
}
