package call

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"peerlink-backend/internal/domain"
)

type fakeSignaling struct {
	mu     sync.Mutex
	sent   []*domain.SignalEnvelope
	in     chan *domain.SignalEnvelope
	closed int
	once   sync.Once
}

func newFakeSignaling() *fakeSignaling {
	return &fakeSignaling{in: make(chan *domain.SignalEnvelope, 16)}
}

func (f *fakeSignaling) Send(ctx context.Context, env *domain.SignalEnvelope) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, env)
	return nil
}

func (f *fakeSignaling) Envelopes() <-chan *domain.SignalEnvelope { return f.in }

func (f *fakeSignaling) Close() {
	f.mu.Lock()
	f.closed++
	f.mu.Unlock()
	f.once.Do(func() { close(f.in) })
}

func (f *fakeSignaling) deliver(env *domain.SignalEnvelope) { f.in <- env }

func (f *fakeSignaling) sentEnvelopes() []*domain.SignalEnvelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*domain.SignalEnvelope, len(f.sent))
	copy(out, f.sent)
	return out
}

func (f *fakeSignaling) sentOfKind(kind domain.SignalKind) []*domain.SignalEnvelope {
	var out []*domain.SignalEnvelope
	for _, env := range f.sentEnvelopes() {
		if env.Kind == kind {
			out = append(out, env)
		}
	}
	return out
}

func (f *fakeSignaling) closeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

type fakePeer struct {
	mu          sync.Mutex
	localDesc   *webrtc.SessionDescription
	remoteDesc  *webrtc.SessionDescription
	added       []webrtc.ICECandidateInit
	onCandidate func(*webrtc.ICECandidate)
	onConnState func(webrtc.PeerConnectionState)
	closed      int
}

func (f *fakePeer) CreateOffer(ctx context.Context) (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0\r\nfake offer\r\n"}, nil
}

func (f *fakePeer) CreateAnswer(ctx context.Context) (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0\r\nfake answer\r\n"}, nil
}

func (f *fakePeer) SetLocalDescription(desc webrtc.SessionDescription) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.localDesc = &desc
	return nil
}

func (f *fakePeer) SetRemoteDescription(desc webrtc.SessionDescription) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.remoteDesc = &desc
	return nil
}

func (f *fakePeer) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.added = append(f.added, candidate)
	return nil
}

func (f *fakePeer) OnICECandidate(fn func(*webrtc.ICECandidate)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onCandidate = fn
}

func (f *fakePeer) OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onConnState = fn
}

func (f *fakePeer) OnTrack(fn func(*webrtc.TrackRemote, *webrtc.RTPReceiver)) {}

func (f *fakePeer) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed++
	return nil
}

func (f *fakePeer) fireConnState(state webrtc.PeerConnectionState) {
	f.mu.Lock()
	fn := f.onConnState
	f.mu.Unlock()
	if fn != nil {
		fn(state)
	}
}

func (f *fakePeer) addedCandidates() []webrtc.ICECandidateInit {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]webrtc.ICECandidateInit, len(f.added))
	copy(out, f.added)
	return out
}

type fakeMedia struct {
	mu         sync.Mutex
	peer       *fakePeer
	acquireErr error
	gate       chan struct{} // when set, AcquireLocal blocks until closed
	acquired   int
	released   int
}

func (f *fakeMedia) AcquireLocal(ctx context.Context, audio, video bool) error {
	f.mu.Lock()
	gate := f.gate
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.acquireErr != nil {
		return f.acquireErr
	}
	f.acquired++
	return nil
}

func (f *fakeMedia) NewPeer() (Peer, error) { return f.peer, nil }

func (f *fakeMedia) AttachRemote(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {}

func (f *fakeMedia) Release() {
	f.mu.Lock()
	f.released++
	f.mu.Unlock()
}

func (f *fakeMedia) releaseCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.released
}

type fakeDirectory struct {
	participants []uuid.UUID
	err          error
}

func (f *fakeDirectory) Participants(ctx context.Context, conversationID uuid.UUID) ([]uuid.UUID, error) {
	return f.participants, f.err
}

type sessionHarness struct {
	session *Session
	sig     *fakeSignaling
	media   *fakeMedia
	peer    *fakePeer
	dir     *fakeDirectory
	cancel  context.CancelFunc
}

func newHarness(t *testing.T, cfg Config, dir *fakeDirectory) *sessionHarness {
	t.Helper()
	sig := newFakeSignaling()
	peer := &fakePeer{}
	media := &fakeMedia{peer: peer}
	session := NewSession(cfg, sig, media, dir, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	session.Start(ctx)

	return &sessionHarness{session: session, sig: sig, media: media, peer: peer, dir: dir, cancel: cancel}
}

// newGatedHarness holds media acquisition open until gate is closed, so tests
// can interleave events with a pending capture prompt.
func newGatedHarness(t *testing.T, cfg Config, dir *fakeDirectory) (*sessionHarness, chan struct{}) {
	t.Helper()
	sig := newFakeSignaling()
	peer := &fakePeer{}
	gate := make(chan struct{})
	media := &fakeMedia{peer: peer, gate: gate}
	session := NewSession(cfg, sig, media, dir, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	session.Start(ctx)

	return &sessionHarness{session: session, sig: sig, media: media, peer: peer, dir: dir, cancel: cancel}, gate
}

// waitFor consumes state changes until the wanted state appears.
func (h *sessionHarness) waitFor(t *testing.T, want State) StateChange {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case change, ok := <-h.session.Changes():
			if !ok {
				t.Fatalf("changes closed before reaching %q", want)
			}
			if change.State == want {
				return change
			}
		case <-deadline:
			t.Fatalf("timed out waiting for state %q, current %q", want, h.session.State())
		}
	}
}

func descEnvelope(t *testing.T, kind domain.SignalKind, sender uuid.UUID, sdpType webrtc.SDPType) *domain.SignalEnvelope {
	t.Helper()
	payload, err := json.Marshal(webrtc.SessionDescription{Type: sdpType, SDP: "v=0\r\nremote\r\n"})
	require.NoError(t, err)
	return &domain.SignalEnvelope{Kind: kind, Sender: sender, Payload: payload}
}

func candEnvelope(t *testing.T, sender uuid.UUID, candidate string) *domain.SignalEnvelope {
	t.Helper()
	payload, err := json.Marshal(webrtc.ICECandidateInit{Candidate: candidate})
	require.NoError(t, err)
	return &domain.SignalEnvelope{Kind: domain.SignalCandidate, Sender: sender, Payload: payload}
}

func TestSessionCallerHappyPath(t *testing.T) {
	local := uuid.New()
	remote := uuid.New()
	dir := &fakeDirectory{participants: []uuid.UUID{local, remote}}
	h := newHarness(t, Config{ConversationID: uuid.New(), LocalID: local, Role: RoleCaller, Audio: true, Video: true}, dir)

	h.waitFor(t, StateAwaitingMedia)
	h.waitFor(t, StateOffering)

	offers := h.sig.sentOfKind(domain.SignalOffer)
	require.Len(t, offers, 1)
	require.NotNil(t, offers[0].Target)
	assert.Equal(t, remote, *offers[0].Target)
	assert.Equal(t, remote, h.session.RemoteID())

	h.sig.deliver(descEnvelope(t, domain.SignalAnswer, remote, webrtc.SDPTypeAnswer))
	h.waitFor(t, StateNegotiating)

	h.peer.fireConnState(webrtc.PeerConnectionStateConnected)
	h.waitFor(t, StateConnected)

	h.session.Hangup()
	change := h.waitFor(t, StateEnded)
	assert.Equal(t, ReasonHangupLocal, change.Reason)

	byes := h.sig.sentOfKind(domain.SignalBye)
	require.Len(t, byes, 1)
	assert.Equal(t, remote, *byes[0].Target)
	assert.Equal(t, 1, h.media.releaseCount())
	assert.Equal(t, 1, h.sig.closeCount())
}

func TestSessionCalleeAnswersOffer(t *testing.T) {
	local := uuid.New()
	remote := uuid.New()
	h := newHarness(t, Config{ConversationID: uuid.New(), LocalID: local, Role: RoleCallee, Audio: true}, &fakeDirectory{})

	h.waitFor(t, StateListening)

	h.sig.deliver(descEnvelope(t, domain.SignalOffer, remote, webrtc.SDPTypeOffer))
	h.waitFor(t, StateNegotiating)

	answers := h.sig.sentOfKind(domain.SignalAnswer)
	require.Len(t, answers, 1)
	require.NotNil(t, answers[0].Target)
	assert.Equal(t, remote, *answers[0].Target)
}

func TestSessionCalleeReplaysOfferFromMediaPrompt(t *testing.T) {
	local := uuid.New()
	remote := uuid.New()
	h, gate := newGatedHarness(t, Config{ConversationID: uuid.New(), LocalID: local, Role: RoleCallee, Audio: true}, &fakeDirectory{})

	h.waitFor(t, StateAwaitingMedia)

	// Signaling is live before the capture prompt resolves; an offer landing
	// now must not be lost, since it is never re-delivered.
	h.session.post(evEnvelope{descEnvelope(t, domain.SignalOffer, remote, webrtc.SDPTypeOffer)})
	close(gate)

	h.waitFor(t, StateListening)
	h.waitFor(t, StateNegotiating)

	answers := h.sig.sentOfKind(domain.SignalAnswer)
	require.Len(t, answers, 1)
	require.NotNil(t, answers[0].Target)
	assert.Equal(t, remote, *answers[0].Target)
}

func TestSessionQueuesCandidatesUntilDescription(t *testing.T) {
	local := uuid.New()
	remote := uuid.New()
	h := newHarness(t, Config{ConversationID: uuid.New(), LocalID: local, Role: RoleCallee, Audio: true}, &fakeDirectory{})

	h.waitFor(t, StateListening)

	h.sig.deliver(candEnvelope(t, remote, "candidate:1 early"))
	h.sig.deliver(candEnvelope(t, remote, "candidate:2 early"))
	h.sig.deliver(descEnvelope(t, domain.SignalOffer, remote, webrtc.SDPTypeOffer))
	h.waitFor(t, StateNegotiating)
	h.sig.deliver(candEnvelope(t, remote, "candidate:3 late"))

	assert.Eventually(t, func() bool {
		return len(h.peer.addedCandidates()) == 3
	}, 2*time.Second, 10*time.Millisecond)

	added := h.peer.addedCandidates()
	assert.Equal(t, "candidate:1 early", added[0].Candidate)
	assert.Equal(t, "candidate:2 early", added[1].Candidate)
	assert.Equal(t, "candidate:3 late", added[2].Candidate)
}

func TestSessionEvictsOldestPendingCandidate(t *testing.T) {
	local := uuid.New()
	remote := uuid.New()
	h := newHarness(t, Config{
		ConversationID: uuid.New(), LocalID: local, Role: RoleCallee,
		Audio: true, MaxPendingCandidates: 2,
	}, &fakeDirectory{})

	h.waitFor(t, StateListening)

	h.sig.deliver(candEnvelope(t, remote, "candidate:1"))
	h.sig.deliver(candEnvelope(t, remote, "candidate:2"))
	h.sig.deliver(candEnvelope(t, remote, "candidate:3"))
	h.sig.deliver(descEnvelope(t, domain.SignalOffer, remote, webrtc.SDPTypeOffer))
	h.waitFor(t, StateNegotiating)

	added := h.peer.addedCandidates()
	require.Len(t, added, 2)
	assert.Equal(t, "candidate:2", added[0].Candidate)
	assert.Equal(t, "candidate:3", added[1].Candidate)
}

func TestSessionIgnoresMalformedPayload(t *testing.T) {
	local := uuid.New()
	remote := uuid.New()
	h := newHarness(t, Config{ConversationID: uuid.New(), LocalID: local, Role: RoleCallee, Audio: true}, &fakeDirectory{})

	h.waitFor(t, StateListening)

	h.sig.deliver(&domain.SignalEnvelope{Kind: domain.SignalOffer, Sender: remote, Payload: json.RawMessage(`{"sdp":""}`)})
	h.sig.deliver(&domain.SignalEnvelope{Kind: domain.SignalCandidate, Sender: remote, Payload: json.RawMessage(`not json`)})

	// The session survives garbage and still negotiates on a valid offer.
	h.sig.deliver(descEnvelope(t, domain.SignalOffer, remote, webrtc.SDPTypeOffer))
	h.waitFor(t, StateNegotiating)
	assert.Empty(t, h.sig.sentOfKind(domain.SignalBye))
}

func TestSessionIgnoresSecondOffer(t *testing.T) {
	local := uuid.New()
	remote := uuid.New()
	h := newHarness(t, Config{ConversationID: uuid.New(), LocalID: local, Role: RoleCallee, Audio: true}, &fakeDirectory{})

	h.waitFor(t, StateListening)
	h.sig.deliver(descEnvelope(t, domain.SignalOffer, remote, webrtc.SDPTypeOffer))
	h.waitFor(t, StateNegotiating)

	h.sig.deliver(descEnvelope(t, domain.SignalOffer, remote, webrtc.SDPTypeOffer))
	h.sig.deliver(candEnvelope(t, remote, "candidate:sync"))
	assert.Eventually(t, func() bool {
		return len(h.peer.addedCandidates()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	assert.Len(t, h.sig.sentOfKind(domain.SignalAnswer), 1)
	assert.Equal(t, StateNegotiating, h.session.State())
}

func TestSessionMediaDenied(t *testing.T) {
	local := uuid.New()
	sig := newFakeSignaling()
	media := &fakeMedia{peer: &fakePeer{}, acquireErr: errors.New("permission denied")}
	session := NewSession(Config{ConversationID: uuid.New(), LocalID: local, Role: RoleCaller, Video: true},
		sig, media, &fakeDirectory{}, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	session.Start(ctx)

	h := &sessionHarness{session: session, sig: sig, media: media}
	change := h.waitFor(t, StateFailed)
	assert.Equal(t, ReasonMediaAcquisition, change.Reason)
	assert.Empty(t, sig.sentEnvelopes())
	assert.Equal(t, 1, media.releaseCount())
}

func TestSessionPeerResolutionFailure(t *testing.T) {
	local := uuid.New()
	dir := &fakeDirectory{participants: []uuid.UUID{local, uuid.New(), uuid.New()}}
	h := newHarness(t, Config{ConversationID: uuid.New(), LocalID: local, Role: RoleCaller, Audio: true}, dir)

	change := h.waitFor(t, StateFailed)
	assert.Equal(t, ReasonPeerResolution, change.Reason)
	assert.Empty(t, h.sig.sentOfKind(domain.SignalOffer))
}

func TestSessionSelfCallTargetsLocalIdentity(t *testing.T) {
	local := uuid.New()
	dir := &fakeDirectory{participants: []uuid.UUID{local}}
	h := newHarness(t, Config{ConversationID: uuid.New(), LocalID: local, Role: RoleCaller, Audio: true}, dir)

	h.waitFor(t, StateOffering)

	offers := h.sig.sentOfKind(domain.SignalOffer)
	require.Len(t, offers, 1)
	require.NotNil(t, offers[0].Target)
	assert.Equal(t, local, *offers[0].Target)
}

func TestSessionRemoteHangup(t *testing.T) {
	local := uuid.New()
	remote := uuid.New()
	h := newHarness(t, Config{ConversationID: uuid.New(), LocalID: local, Role: RoleCallee, Audio: true}, &fakeDirectory{})

	h.waitFor(t, StateListening)
	h.sig.deliver(descEnvelope(t, domain.SignalOffer, remote, webrtc.SDPTypeOffer))
	h.waitFor(t, StateNegotiating)

	h.sig.deliver(&domain.SignalEnvelope{Kind: domain.SignalBye, Sender: remote})
	change := h.waitFor(t, StateEnded)
	assert.Equal(t, ReasonHangupRemote, change.Reason)

	// A remote hangup must not be answered with another bye.
	assert.Empty(t, h.sig.sentOfKind(domain.SignalBye))
	assert.Equal(t, 1, h.media.releaseCount())
}

func TestSessionHangupIsIdempotent(t *testing.T) {
	local := uuid.New()
	remote := uuid.New()
	dir := &fakeDirectory{participants: []uuid.UUID{local, remote}}
	h := newHarness(t, Config{ConversationID: uuid.New(), LocalID: local, Role: RoleCaller, Audio: true}, dir)

	h.waitFor(t, StateOffering)
	h.session.Hangup()
	h.session.Hangup()
	h.waitFor(t, StateEnded)
	<-h.session.Done()
	h.session.Hangup()

	assert.Len(t, h.sig.sentOfKind(domain.SignalBye), 1)
	assert.Equal(t, 1, h.media.releaseCount())
	assert.Equal(t, 1, h.sig.closeCount())
}

func TestSessionListenTimeout(t *testing.T) {
	local := uuid.New()
	h := newHarness(t, Config{
		ConversationID: uuid.New(), LocalID: local, Role: RoleCallee,
		Audio: true, ListenTimeout: 30 * time.Millisecond,
	}, &fakeDirectory{})

	h.waitFor(t, StateListening)
	change := h.waitFor(t, StateFailed)
	assert.Equal(t, ReasonOfferTimeout, change.Reason)
}

func TestSessionLocalCandidatesAreForwarded(t *testing.T) {
	local := uuid.New()
	remote := uuid.New()
	dir := &fakeDirectory{participants: []uuid.UUID{local, remote}}
	h := newHarness(t, Config{ConversationID: uuid.New(), LocalID: local, Role: RoleCaller, Audio: true}, dir)

	h.waitFor(t, StateOffering)

	h.peer.mu.Lock()
	fire := h.peer.onCandidate
	h.peer.mu.Unlock()
	require.NotNil(t, fire)
	fire(&webrtc.ICECandidate{Foundation: "1", Protocol: webrtc.ICEProtocolUDP})

	assert.Eventually(t, func() bool {
		return len(h.sig.sentOfKind(domain.SignalCandidate)) == 1
	}, 2*time.Second, 10*time.Millisecond)

	cands := h.sig.sentOfKind(domain.SignalCandidate)
	require.NotNil(t, cands[0].Target)
	assert.Equal(t, remote, *cands[0].Target)
}
