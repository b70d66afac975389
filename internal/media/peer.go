package media

import (
	"context"

	"github.com/pion/webrtc/v4"
)

// Peer wraps a pion peer connection behind the narrow surface the call state
// machine drives, so tests can substitute a fake.
type Peer struct {
	pc *webrtc.PeerConnection
}

// CreateOffer creates a local session description proposing the call.
func (p *Peer) CreateOffer(ctx context.Context) (webrtc.SessionDescription, error) {
	if err := ctx.Err(); err != nil {
		return webrtc.SessionDescription{}, err
	}
	return p.pc.CreateOffer(nil)
}

// CreateAnswer creates a local session description answering a remote offer.
func (p *Peer) CreateAnswer(ctx context.Context) (webrtc.SessionDescription, error) {
	if err := ctx.Err(); err != nil {
		return webrtc.SessionDescription{}, err
	}
	return p.pc.CreateAnswer(nil)
}

// SetLocalDescription applies the local end of the negotiation.
func (p *Peer) SetLocalDescription(desc webrtc.SessionDescription) error {
	return p.pc.SetLocalDescription(desc)
}

// SetRemoteDescription applies the remote end of the negotiation.
func (p *Peer) SetRemoteDescription(desc webrtc.SessionDescription) error {
	return p.pc.SetRemoteDescription(desc)
}

// AddICECandidate applies one remote connectivity candidate.
func (p *Peer) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	return p.pc.AddICECandidate(candidate)
}

// OnICECandidate registers the trickle-ICE callback for local candidates.
func (p *Peer) OnICECandidate(fn func(*webrtc.ICECandidate)) {
	p.pc.OnICECandidate(fn)
}

// OnConnectionStateChange registers the connectivity-state callback.
func (p *Peer) OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) {
	p.pc.OnConnectionStateChange(fn)
}

// OnTrack registers the inbound remote-track callback.
func (p *Peer) OnTrack(fn func(*webrtc.TrackRemote, *webrtc.RTPReceiver)) {
	p.pc.OnTrack(fn)
}

// Close tears down the peer connection.
func (p *Peer) Close() error {
	return p.pc.Close()
}
