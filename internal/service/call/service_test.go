package call

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	callsession "peerlink-backend/internal/call"
	"peerlink-backend/internal/domain"
	"peerlink-backend/internal/transport"
)

// Mocks

type MockConversationStore struct {
	mock.Mock
}

func (m *MockConversationStore) IsParticipant(ctx context.Context, conversationID, userID uuid.UUID) (bool, error) {
	args := m.Called(ctx, conversationID, userID)
	return args.Bool(0), args.Error(1)
}

func (m *MockConversationStore) Participants(ctx context.Context, conversationID uuid.UUID) ([]uuid.UUID, error) {
	args := m.Called(ctx, conversationID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]uuid.UUID), args.Error(1)
}

type MockCallStore struct {
	mock.Mock
}

func (m *MockCallStore) Create(ctx context.Context, call *domain.Call) error {
	args := m.Called(ctx, call)
	return args.Error(0)
}

func (m *MockCallStore) SetCallee(ctx context.Context, callID, calleeID uuid.UUID) error {
	args := m.Called(ctx, callID, calleeID)
	return args.Error(0)
}

func (m *MockCallStore) Finalize(ctx context.Context, callID uuid.UUID, outcome string) error {
	args := m.Called(ctx, callID, outcome)
	return args.Error(0)
}

func (m *MockCallStore) UserCalls(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*domain.Call, error) {
	args := m.Called(ctx, userID, limit, offset)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*domain.Call), args.Error(1)
}

func (m *MockCallStore) CreateLink(ctx context.Context, link *domain.CallLink) error {
	args := m.Called(ctx, link)
	return args.Error(0)
}

func (m *MockCallStore) LinkBySlug(ctx context.Context, slug string) (*domain.CallLink, error) {
	args := m.Called(ctx, slug)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.CallLink), args.Error(1)
}

// Session fakes, wired through the service's session factory.

type stubSignaling struct {
	mu   sync.Mutex
	sent []*domain.SignalEnvelope
	in   chan *domain.SignalEnvelope
	once sync.Once
}

func newStubSignaling() *stubSignaling {
	return &stubSignaling{in: make(chan *domain.SignalEnvelope, 16)}
}

func (s *stubSignaling) Send(ctx context.Context, env *domain.SignalEnvelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, env)
	return nil
}

func (s *stubSignaling) Envelopes() <-chan *domain.SignalEnvelope { return s.in }

func (s *stubSignaling) Close() {
	s.once.Do(func() { close(s.in) })
}

type stubPeer struct {
	mu          sync.Mutex
	onConnState func(webrtc.PeerConnectionState)
}

func (p *stubPeer) CreateOffer(ctx context.Context) (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0\r\nstub\r\n"}, nil
}

func (p *stubPeer) CreateAnswer(ctx context.Context) (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0\r\nstub\r\n"}, nil
}

func (p *stubPeer) SetLocalDescription(desc webrtc.SessionDescription) error  { return nil }
func (p *stubPeer) SetRemoteDescription(desc webrtc.SessionDescription) error { return nil }
func (p *stubPeer) AddICECandidate(candidate webrtc.ICECandidateInit) error   { return nil }
func (p *stubPeer) OnICECandidate(fn func(*webrtc.ICECandidate))              {}

func (p *stubPeer) OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onConnState = fn
}

func (p *stubPeer) OnTrack(fn func(*webrtc.TrackRemote, *webrtc.RTPReceiver)) {}
func (p *stubPeer) Close() error                                              { return nil }

func (p *stubPeer) connect() {
	p.mu.Lock()
	fn := p.onConnState
	p.mu.Unlock()
	if fn != nil {
		fn(webrtc.PeerConnectionStateConnected)
	}
}

type stubMedia struct {
	peer *stubPeer
}

func (m *stubMedia) AcquireLocal(ctx context.Context, audio, video bool) error { return nil }
func (m *stubMedia) NewPeer() (callsession.Peer, error)                        { return m.peer, nil }
func (m *stubMedia) AttachRemote(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
}
func (m *stubMedia) Release() {}

type serviceFixture struct {
	svc      *Service
	convRepo *MockConversationStore
	callRepo *MockCallStore
	sig      *stubSignaling
	peer     *stubPeer
}

func newServiceFixture(t *testing.T) *serviceFixture {
	t.Helper()
	convRepo := &MockConversationStore{}
	callRepo := &MockCallStore{}
	sig := newStubSignaling()
	peer := &stubPeer{}

	svc := NewService(transport.NewMemoryTransport(), convRepo, callRepo, Options{}, zap.NewNop())
	svc.newSession = func(input *StartCallInput) (*callsession.Session, error) {
		cfg := callsession.Config{
			ConversationID: input.ConversationID,
			LocalID:        input.UserID,
			Role:           input.Role,
			Audio:          true,
			Video:          input.CallType == domain.CallTypeVideo,
		}
		return callsession.NewSession(cfg, sig, &stubMedia{peer: peer}, convRepo, zap.NewNop()), nil
	}

	return &serviceFixture{svc: svc, convRepo: convRepo, callRepo: callRepo, sig: sig, peer: peer}
}

func waitForState(t *testing.T, changes <-chan callsession.StateChange, want callsession.State) callsession.StateChange {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case change, ok := <-changes:
			if !ok {
				t.Fatalf("stream closed before reaching %q", want)
			}
			if change.State == want {
				return change
			}
		case <-deadline:
			t.Fatalf("timed out waiting for state %q", want)
		}
	}
}

func TestStartCallRejectsNonParticipant(t *testing.T) {
	f := newServiceFixture(t)
	conversationID := uuid.New()
	userID := uuid.New()

	f.convRepo.On("IsParticipant", mock.Anything, conversationID, userID).Return(false, nil)

	_, err := f.svc.StartCall(context.Background(), &StartCallInput{
		ConversationID: conversationID,
		UserID:         userID,
		Role:           callsession.RoleCaller,
		CallType:       domain.CallTypeAudio,
	})
	assert.ErrorIs(t, err, ErrNotParticipant)
	f.convRepo.AssertExpectations(t)
}

func TestStartCallRejectsUnknownCallType(t *testing.T) {
	f := newServiceFixture(t)

	_, err := f.svc.StartCall(context.Background(), &StartCallInput{
		ConversationID: uuid.New(),
		UserID:         uuid.New(),
		Role:           callsession.RoleCaller,
		CallType:       "screenshare",
	})
	assert.Error(t, err)
}

func TestStartCallRejectsSecondConcurrentCall(t *testing.T) {
	f := newServiceFixture(t)
	conversationID := uuid.New()
	userID := uuid.New()
	remote := uuid.New()

	f.convRepo.On("IsParticipant", mock.Anything, conversationID, userID).Return(true, nil)
	f.convRepo.On("Participants", mock.Anything, conversationID).Return([]uuid.UUID{userID, remote}, nil)
	f.callRepo.On("Create", mock.Anything, mock.Anything).Return(nil)
	f.callRepo.On("SetCallee", mock.Anything, mock.Anything, remote).Return(nil)

	input := &StartCallInput{
		ConversationID: conversationID,
		UserID:         userID,
		Role:           callsession.RoleCaller,
		CallType:       domain.CallTypeAudio,
	}
	_, err := f.svc.StartCall(context.Background(), input)
	require.NoError(t, err)

	_, err = f.svc.StartCall(context.Background(), input)
	assert.ErrorIs(t, err, ErrAlreadyInCall)
}

func TestCallerLifecycleFinalizesCompleted(t *testing.T) {
	f := newServiceFixture(t)
	conversationID := uuid.New()
	userID := uuid.New()
	remote := uuid.New()

	f.convRepo.On("IsParticipant", mock.Anything, conversationID, userID).Return(true, nil)
	f.convRepo.On("Participants", mock.Anything, conversationID).Return([]uuid.UUID{userID, remote}, nil)
	f.callRepo.On("Create", mock.Anything, mock.Anything).Return(nil)
	f.callRepo.On("SetCallee", mock.Anything, mock.Anything, remote).Return(nil)
	f.callRepo.On("Finalize", mock.Anything, mock.Anything, domain.CallOutcomeCompleted).Return(nil)

	out, err := f.svc.StartCall(context.Background(), &StartCallInput{
		ConversationID: conversationID,
		UserID:         userID,
		Role:           callsession.RoleCaller,
		CallType:       domain.CallTypeVideo,
	})
	require.NoError(t, err)
	require.NotEqual(t, uuid.Nil, out.CallID)

	changes, err := f.svc.Watch(userID)
	require.NoError(t, err)
	waitForState(t, changes, callsession.StateOffering)

	answer, err := json.Marshal(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0\r\nanswer\r\n"})
	require.NoError(t, err)
	f.sig.in <- &domain.SignalEnvelope{Kind: domain.SignalAnswer, Sender: remote, Payload: answer}
	waitForState(t, changes, callsession.StateNegotiating)

	f.peer.connect()
	waitForState(t, changes, callsession.StateConnected)

	require.NoError(t, f.svc.Hangup(userID))
	change := waitForState(t, changes, callsession.StateEnded)
	assert.Equal(t, callsession.ReasonHangupLocal, change.Reason)

	// The watcher finalizes and clears the slot after the terminal change.
	assert.Eventually(t, func() bool {
		_, err := f.svc.ActiveState(userID)
		return err == ErrNoActiveCall
	}, 2*time.Second, 10*time.Millisecond)
	f.callRepo.AssertExpectations(t)
}

func TestHangupWithoutActiveCall(t *testing.T) {
	f := newServiceFixture(t)
	assert.ErrorIs(t, f.svc.Hangup(uuid.New()), ErrNoActiveCall)

	_, err := f.svc.Watch(uuid.New())
	assert.ErrorIs(t, err, ErrNoActiveCall)
}

func TestCallOutcomeMapping(t *testing.T) {
	cases := []struct {
		name         string
		change       callsession.StateChange
		sawConnected bool
		want         string
	}{
		{"completed after connect", callsession.StateChange{State: callsession.StateEnded, Reason: callsession.ReasonHangupRemote}, true, domain.CallOutcomeCompleted},
		{"failed after connect", callsession.StateChange{State: callsession.StateFailed, Reason: callsession.ReasonConnectivity}, true, domain.CallOutcomeFailed},
		{"rejected before connect", callsession.StateChange{State: callsession.StateEnded, Reason: callsession.ReasonHangupRemote}, false, domain.CallOutcomeRejected},
		{"missed on local cancel", callsession.StateChange{State: callsession.StateEnded, Reason: callsession.ReasonHangupLocal}, false, domain.CallOutcomeMissed},
		{"failed on media", callsession.StateChange{State: callsession.StateFailed, Reason: callsession.ReasonMediaAcquisition}, false, domain.CallOutcomeFailed},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, callOutcome(tc.change, tc.sawConnected))
		})
	}
}

func TestCreateCallLinkStoresSlug(t *testing.T) {
	f := newServiceFixture(t)
	creator := uuid.New()

	f.callRepo.On("LinkBySlug", mock.Anything, "team-standup").Return(nil, nil)
	f.callRepo.On("CreateLink", mock.Anything, mock.MatchedBy(func(link *domain.CallLink) bool {
		return link.Slug == "team-standup" && link.CreatorID == creator && link.LinkID != uuid.Nil
	})).Return(nil)

	link, err := f.svc.CreateCallLink(context.Background(), creator, "team-standup", nil)
	require.NoError(t, err)
	assert.Equal(t, json.RawMessage(`{}`), link.Settings)
	f.callRepo.AssertExpectations(t)
}

func TestCreateCallLinkRejectsTakenSlug(t *testing.T) {
	f := newServiceFixture(t)

	f.callRepo.On("LinkBySlug", mock.Anything, "team-standup").
		Return(&domain.CallLink{Slug: "team-standup"}, nil)

	_, err := f.svc.CreateCallLink(context.Background(), uuid.New(), "team-standup", nil)
	assert.ErrorIs(t, err, ErrSlugTaken)
	f.callRepo.AssertNotCalled(t, "CreateLink", mock.Anything, mock.Anything)
}

func TestResolveCallLink(t *testing.T) {
	f := newServiceFixture(t)
	want := &domain.CallLink{LinkID: uuid.New(), Slug: "team-standup"}

	f.callRepo.On("LinkBySlug", mock.Anything, "team-standup").Return(want, nil)
	f.callRepo.On("LinkBySlug", mock.Anything, "nope").Return(nil, nil)

	link, err := f.svc.ResolveCallLink(context.Background(), "team-standup")
	require.NoError(t, err)
	assert.Equal(t, want, link)

	_, err = f.svc.ResolveCallLink(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrLinkNotFound)
}

func TestCallHistoryDelegatesToStore(t *testing.T) {
	f := newServiceFixture(t)
	userID := uuid.New()
	want := []*domain.Call{{CallID: uuid.New(), CallerID: userID, Outcome: domain.CallOutcomeCompleted}}

	f.callRepo.On("UserCalls", mock.Anything, userID, 20, 0).Return(want, nil)

	calls, err := f.svc.CallHistory(context.Background(), userID, 20, 0)
	require.NoError(t, err)
	assert.Equal(t, want, calls)
	f.callRepo.AssertExpectations(t)
}
