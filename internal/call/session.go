// Package call drives one peer call end-to-end: media acquisition, peer
// resolution, offer/answer exchange, candidate queueing and lifecycle
// transitions. Signaling rides on the shared chat transport.
package call

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"peerlink-backend/internal/domain"
	"peerlink-backend/pkg/metrics"
)

// DefaultMaxPendingCandidates bounds the queue of remote candidates received
// before a remote description exists. Oldest entries are evicted when full.
const DefaultMaxPendingCandidates = 64

// opTimeout bounds individual signaling and negotiation steps inside the
// event loop.
const opTimeout = 10 * time.Second

// Config fixes a session's identity and knobs at creation.
type Config struct {
	ConversationID uuid.UUID
	LocalID        uuid.UUID
	Role           Role
	Audio          bool
	Video          bool

	// ListenTimeout bounds how long a callee waits for an offer.
	// Zero keeps the listener available indefinitely.
	ListenTimeout time.Duration

	// MaxPendingCandidates caps the pre-description candidate queue.
	// Zero or negative selects DefaultMaxPendingCandidates.
	MaxPendingCandidates int
}

// Session is the state machine for one call attempt. All mutable session
// fields are owned by a single event-loop goroutine; inbound envelopes,
// media results, peer callbacks and user actions are posted as events and
// handled serially, each handler checking the current state before mutating
// anything so late arrivals after teardown are no-ops.
type Session struct {
	cfg   Config
	sig   Signaling
	media Media
	dir   Directory
	log   *zap.Logger

	events   chan any
	changes  chan StateChange
	done     chan struct{}
	doneOnce sync.Once
	started  sync.Once

	mu       sync.Mutex
	state    State
	reason   Reason
	remoteID uuid.UUID

	// Loop-owned fields; never touched off the event loop.
	runCtx      context.Context
	peer        Peer
	localDesc   *webrtc.SessionDescription
	remoteDesc  *webrtc.SessionDescription
	pending     []webrtc.ICECandidateInit
	earlyOffer  *domain.SignalEnvelope
	connectedAt time.Time
}

// Internal events.
type (
	evMediaReady    struct{}
	evMediaFailed   struct{ err error }
	evEnvelope      struct{ env *domain.SignalEnvelope }
	evLocalCand     struct{ candidate webrtc.ICECandidateInit }
	evConnState     struct{ state webrtc.PeerConnectionState }
	evHangup        struct{}
	evListenTimeout struct{}
)

// NewSession creates an idle session. Start begins the lifecycle.
func NewSession(cfg Config, sig Signaling, media Media, dir Directory, log *zap.Logger) *Session {
	if cfg.MaxPendingCandidates <= 0 {
		cfg.MaxPendingCandidates = DefaultMaxPendingCandidates
	}
	return &Session{
		cfg:     cfg,
		sig:     sig,
		media:   media,
		dir:     dir,
		log:     log.With(zap.String("conversation_id", cfg.ConversationID.String()), zap.String("role", string(cfg.Role))),
		events:  make(chan any, 64),
		changes: make(chan StateChange, 16),
		done:    make(chan struct{}),
		state:   StateIdle,
	}
}

// Start moves Idle → AwaitingMedia and begins media acquisition and the
// event loop. Cancelling ctx hangs the session up.
func (s *Session) Start(ctx context.Context) {
	s.started.Do(func() {
		s.runCtx = ctx
		metrics.CallsStartedTotal.WithLabelValues(string(s.cfg.Role)).Inc()
		s.transition(StateAwaitingMedia, ReasonNone)

		go s.run()
		go s.pumpSignals()
		go s.acquireMedia(ctx)
		go func() {
			select {
			case <-ctx.Done():
				s.post(evHangup{})
			case <-s.done:
			}
		}()
	})
}

// Hangup ends the call from the local side, effective from any state.
func (s *Session) Hangup() {
	s.post(evHangup{})
}

// Changes is the state-change notification stream, closed when the session
// reaches a terminal state. It is the only window into the session.
func (s *Session) Changes() <-chan StateChange {
	return s.changes
}

// Done is closed when the session has torn down.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// RemoteID returns the resolved peer identity, or uuid.Nil before an offer
// has been sent or received.
func (s *Session) RemoteID() uuid.UUID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remoteID
}

func (s *Session) setRemote(id uuid.UUID) {
	s.mu.Lock()
	s.remoteID = id
	s.mu.Unlock()
}

func (s *Session) post(ev any) {
	select {
	case s.events <- ev:
	case <-s.done:
	}
}

func (s *Session) run() {
	defer close(s.changes)
	for {
		select {
		case <-s.done:
			return
		case ev := <-s.events:
			s.handle(ev)
		}
	}
}

func (s *Session) pumpSignals() {
	for env := range s.sig.Envelopes() {
		select {
		case s.events <- evEnvelope{env}:
		case <-s.done:
			return
		}
	}
}

func (s *Session) acquireMedia(ctx context.Context) {
	if err := s.media.AcquireLocal(ctx, s.cfg.Audio, s.cfg.Video); err != nil {
		s.post(evMediaFailed{err})
		return
	}
	s.post(evMediaReady{})
}

func (s *Session) handle(ev any) {
	switch ev := ev.(type) {
	case evMediaReady:
		s.handleMediaReady()
	case evMediaFailed:
		s.handleMediaFailed(ev.err)
	case evEnvelope:
		s.handleEnvelope(ev.env)
	case evLocalCand:
		s.handleLocalCandidate(ev.candidate)
	case evConnState:
		s.handleConnState(ev.state)
	case evHangup:
		s.handleHangup()
	case evListenTimeout:
		s.handleListenTimeout()
	}
}

func (s *Session) handleMediaReady() {
	if s.State() != StateAwaitingMedia {
		// Hung up while the capture dialog was open; teardown already ran.
		return
	}

	peer, err := s.media.NewPeer()
	if err != nil {
		s.fail(ReasonConnectivity, err)
		return
	}
	s.peer = peer
	s.wirePeer(peer)

	switch s.cfg.Role {
	case RoleCaller:
		s.beginOffer()
	case RoleCallee:
		s.transition(StateListening, ReasonNone)
		if s.cfg.ListenTimeout > 0 {
			time.AfterFunc(s.cfg.ListenTimeout, func() { s.post(evListenTimeout{}) })
		}
		if env := s.earlyOffer; env != nil {
			s.earlyOffer = nil
			s.handleOffer(env)
		}
	}
}

func (s *Session) handleMediaFailed(err error) {
	if s.State().Terminal() {
		return
	}
	s.fail(ReasonMediaAcquisition, err)
}

func (s *Session) wirePeer(peer Peer) {
	peer.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		s.post(evLocalCand{c.ToJSON()})
	})
	peer.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		s.post(evConnState{state})
	})
	peer.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		s.media.AttachRemote(track, receiver)
	})
}

// beginOffer resolves the call target, creates the local description and
// sends the offer. Caller role only.
func (s *Session) beginOffer() {
	ctx, cancel := context.WithTimeout(s.runCtx, opTimeout)
	defer cancel()

	remote, err := s.resolveRemote(ctx)
	if err != nil {
		s.fail(ReasonPeerResolution, err)
		return
	}
	s.setRemote(remote)

	offer, err := s.peer.CreateOffer(ctx)
	if err != nil {
		s.fail(ReasonConnectivity, err)
		return
	}
	if err := s.peer.SetLocalDescription(offer); err != nil {
		s.fail(ReasonConnectivity, err)
		return
	}
	s.localDesc = &offer

	payload, err := descriptionPayload(offer)
	if err != nil {
		s.fail(ReasonConnectivity, err)
		return
	}
	target := remote
	env := &domain.SignalEnvelope{Kind: domain.SignalOffer, Target: &target, Payload: payload}
	if err := s.sig.Send(ctx, env); err != nil {
		s.fail(ReasonConnectivity, err)
		return
	}
	s.transition(StateOffering, ReasonNone)
}

// resolveRemote picks the conversation participant that is not the local
// identity. A single-participant conversation is a self-call: the local
// identity is also the target.
func (s *Session) resolveRemote(ctx context.Context) (uuid.UUID, error) {
	participants, err := s.dir.Participants(ctx, s.cfg.ConversationID)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: %v", ErrPeerResolution, err)
	}

	others := make([]uuid.UUID, 0, len(participants))
	localSeen := false
	for _, p := range participants {
		if p == s.cfg.LocalID {
			localSeen = true
			continue
		}
		others = append(others, p)
	}

	switch {
	case len(others) == 1:
		return others[0], nil
	case len(others) == 0 && localSeen:
		return s.cfg.LocalID, nil
	default:
		return uuid.Nil, fmt.Errorf("%w: no distinguishable other participant among %d", ErrPeerResolution, len(participants))
	}
}

func (s *Session) handleEnvelope(env *domain.SignalEnvelope) {
	if s.State().Terminal() {
		return
	}
	switch env.Kind {
	case domain.SignalOffer:
		s.handleOffer(env)
	case domain.SignalAnswer:
		s.handleAnswer(env)
	case domain.SignalCandidate:
		s.handleCandidate(env)
	case domain.SignalBye:
		s.end(ReasonHangupRemote)
	}
}

func (s *Session) handleOffer(env *domain.SignalEnvelope) {
	if s.cfg.Role == RoleCallee && s.State() == StateAwaitingMedia {
		// The signaling stream is live before the capture prompt resolves,
		// and envelopes are never re-delivered. Park the offer and replay it
		// once the listener is up.
		s.earlyOffer = env
		return
	}
	if s.State() != StateListening {
		// A second offer after negotiation has begun is ignored, not fatal.
		s.log.Debug("ignoring offer", zap.String("state", string(s.State())))
		return
	}

	desc, err := decodeDescription(env.Payload)
	if err != nil {
		s.dropPayload(env, err)
		return
	}
	s.setRemote(env.Sender)

	if err := s.peer.SetRemoteDescription(desc); err != nil {
		s.dropPayload(env, err)
		return
	}
	s.remoteDesc = &desc
	s.flushPending()

	ctx, cancel := context.WithTimeout(s.runCtx, opTimeout)
	defer cancel()

	answer, err := s.peer.CreateAnswer(ctx)
	if err != nil {
		s.fail(ReasonConnectivity, err)
		return
	}
	if err := s.peer.SetLocalDescription(answer); err != nil {
		s.fail(ReasonConnectivity, err)
		return
	}
	s.localDesc = &answer

	payload, err := descriptionPayload(answer)
	if err != nil {
		s.fail(ReasonConnectivity, err)
		return
	}
	target := env.Sender
	reply := &domain.SignalEnvelope{Kind: domain.SignalAnswer, Target: &target, Payload: payload}
	if err := s.sig.Send(ctx, reply); err != nil {
		s.fail(ReasonConnectivity, err)
		return
	}
	s.transition(StateNegotiating, ReasonNone)
}

func (s *Session) handleAnswer(env *domain.SignalEnvelope) {
	if s.State() != StateOffering {
		s.log.Debug("ignoring answer", zap.String("state", string(s.State())))
		return
	}

	desc, err := decodeDescription(env.Payload)
	if err != nil {
		s.dropPayload(env, err)
		return
	}
	if err := s.peer.SetRemoteDescription(desc); err != nil {
		s.dropPayload(env, err)
		return
	}
	s.remoteDesc = &desc
	s.flushPending()
	s.transition(StateNegotiating, ReasonNone)
}

func (s *Session) handleCandidate(env *domain.SignalEnvelope) {
	candidate, err := decodeCandidate(env.Payload)
	if err != nil {
		s.dropPayload(env, err)
		return
	}

	if s.remoteDesc == nil {
		// Descriptions and candidates may arrive out of order; queue until a
		// remote description exists, then apply in arrival order.
		if len(s.pending) >= s.cfg.MaxPendingCandidates {
			s.pending = s.pending[1:]
			metrics.PendingCandidateEvictionsTotal.Inc()
			s.log.Warn("pending candidate queue full, evicting oldest")
		}
		s.pending = append(s.pending, candidate)
		return
	}

	if err := s.peer.AddICECandidate(candidate); err != nil {
		s.log.Warn("failed to apply remote candidate", zap.Error(err))
	}
}

func (s *Session) flushPending() {
	for _, candidate := range s.pending {
		if err := s.peer.AddICECandidate(candidate); err != nil {
			s.log.Warn("failed to apply queued candidate", zap.Error(err))
		}
	}
	s.pending = nil
}

func (s *Session) handleLocalCandidate(candidate webrtc.ICECandidateInit) {
	if s.State().Terminal() {
		return
	}
	payload, err := candidatePayload(candidate)
	if err != nil {
		s.log.Warn("failed to encode local candidate", zap.Error(err))
		return
	}

	env := &domain.SignalEnvelope{Kind: domain.SignalCandidate, Payload: payload}
	if s.remoteID != uuid.Nil {
		target := s.remoteID
		env.Target = &target
	}

	ctx, cancel := context.WithTimeout(s.runCtx, opTimeout)
	defer cancel()
	if err := s.sig.Send(ctx, env); err != nil {
		// Best-effort: the peer can usually connect on the candidates that
		// did arrive.
		s.log.Warn("failed to send candidate", zap.Error(err))
	}
}

func (s *Session) handleConnState(state webrtc.PeerConnectionState) {
	switch state {
	case webrtc.PeerConnectionStateConnected:
		if s.State() != StateNegotiating {
			return
		}
		s.connectedAt = time.Now()
		metrics.CallsConnectedTotal.Inc()
		s.transition(StateConnected, ReasonNone)
	case webrtc.PeerConnectionStateFailed:
		s.fail(ReasonConnectivity, errors.New("peer connection failed"))
	case webrtc.PeerConnectionStateDisconnected:
		// No automatic reconnection; ICE gets its timeout window to recover.
		s.log.Warn("peer connection disconnected")
	}
}

func (s *Session) handleHangup() {
	if s.State().Terminal() {
		return
	}
	s.end(ReasonHangupLocal)
}

func (s *Session) handleListenTimeout() {
	if s.State() != StateListening {
		return
	}
	s.fail(ReasonOfferTimeout, errors.New("no offer arrived within the listen timeout"))
}

// end finalizes the session on a normal path. A local hangup announces
// itself with a best-effort Bye; a remote hangup must not send one back.
func (s *Session) end(reason Reason) {
	if s.State().Terminal() {
		return
	}
	if reason == ReasonHangupLocal && s.remoteID != uuid.Nil {
		s.sendBye()
	}
	s.teardown()
	s.transition(StateEnded, reason)
}

func (s *Session) fail(reason Reason, err error) {
	if s.State().Terminal() {
		return
	}
	s.log.Warn("call failed", zap.String("reason", string(reason)), zap.Error(err))
	metrics.CallsFailedTotal.WithLabelValues(string(reason)).Inc()
	s.teardown()
	s.transition(StateFailed, reason)
}

func (s *Session) sendBye() {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	target := s.remoteID
	env := &domain.SignalEnvelope{Kind: domain.SignalBye, Target: &target}
	if err := s.sig.Send(ctx, env); err != nil {
		s.log.Warn("failed to send bye", zap.Error(err))
	}
}

// teardown releases every owned resource. It runs exactly once, on both the
// Ended and Failed paths; error paths never skip it.
func (s *Session) teardown() {
	s.media.Release()
	s.sig.Close()
	if s.peer != nil {
		if err := s.peer.Close(); err != nil {
			s.log.Debug("peer close", zap.Error(err))
		}
	}
	if !s.connectedAt.IsZero() {
		metrics.CallDurationSeconds.Observe(time.Since(s.connectedAt).Seconds())
	}
	s.doneOnce.Do(func() { close(s.done) })
}

func (s *Session) dropPayload(env *domain.SignalEnvelope, err error) {
	metrics.SignalEnvelopesDroppedTotal.WithLabelValues("bad_payload").Inc()
	s.log.Debug("dropping signal with bad payload",
		zap.String("kind", string(env.Kind)), zap.Error(err))
}

func (s *Session) transition(state State, reason Reason) {
	s.mu.Lock()
	s.state = state
	s.reason = reason
	s.mu.Unlock()

	metrics.CallStateTransitionsTotal.WithLabelValues(string(state)).Inc()
	s.log.Info("call state changed",
		zap.String("state", string(state)),
		zap.String("reason", string(reason)))
	s.changes <- StateChange{State: state, Reason: reason}
}
