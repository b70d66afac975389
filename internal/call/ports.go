package call

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"

	"peerlink-backend/internal/domain"
)

// ErrPeerResolution means the call target could not be determined from the
// conversation's participant set. Terminal for the attempt.
var ErrPeerResolution = errors.New("cannot resolve call target")

// Signaling is the typed envelope stream the session drives. The signaling
// package's Channel implements it.
type Signaling interface {
	Send(ctx context.Context, env *domain.SignalEnvelope) error
	Envelopes() <-chan *domain.SignalEnvelope
	Close()
}

// Peer is the narrow peer-connection surface the state machine needs.
// media.Peer implements it; tests use a scripted fake.
type Peer interface {
	CreateOffer(ctx context.Context) (webrtc.SessionDescription, error)
	CreateAnswer(ctx context.Context) (webrtc.SessionDescription, error)
	SetLocalDescription(desc webrtc.SessionDescription) error
	SetRemoteDescription(desc webrtc.SessionDescription) error
	AddICECandidate(candidate webrtc.ICECandidateInit) error
	OnICECandidate(fn func(*webrtc.ICECandidate))
	OnConnectionStateChange(fn func(webrtc.PeerConnectionState))
	OnTrack(fn func(*webrtc.TrackRemote, *webrtc.RTPReceiver))
	Close() error
}

// Media owns local capture and remote stream wiring for one session.
type Media interface {
	AcquireLocal(ctx context.Context, audio, video bool) error
	NewPeer() (Peer, error)
	AttachRemote(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver)
	Release()
}

// Directory resolves a conversation's participant set. Only the caller role
// uses it, to pick the participant that is not the local identity.
type Directory interface {
	Participants(ctx context.Context, conversationID uuid.UUID) ([]uuid.UUID, error)
}
