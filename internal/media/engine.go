// Package media owns local capture and the wiring of local/remote media
// streams. It is the only package that touches capture hardware; everything
// else sees tracks and peer connections.
package media

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"
)

// ErrMediaAcquisition marks a permission or device failure during local
// capture. Terminal for the call attempt; never retried automatically.
var ErrMediaAcquisition = errors.New("media acquisition failed")

// DefaultICEServers is used when no ICE configuration is supplied.
var DefaultICEServers = []string{"stun:stun.l.google.com:19302"}

// RemoteSink consumes an inbound remote track. The engine drains tracks with
// no sink attached so RTCP keeps flowing.
type RemoteSink interface {
	Consume(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver)
}

// Engine acquires local media and builds peer connections carrying it.
// One engine instance serves one call session.
type Engine struct {
	iceURLs []string
	log     *zap.Logger

	mu        sync.Mutex
	capture   *capture
	sink      RemoteSink
	attachSeq int
	released  bool
}

// NewEngine creates an engine using iceURLs, or DefaultICEServers when empty.
func NewEngine(iceURLs []string, log *zap.Logger) *Engine {
	if len(iceURLs) == 0 {
		iceURLs = DefaultICEServers
	}
	return &Engine{iceURLs: iceURLs, log: log}
}

// SetRemoteSink sets the output sink remote tracks are attached to.
func (e *Engine) SetRemoteSink(sink RemoteSink) {
	e.mu.Lock()
	e.sink = sink
	e.mu.Unlock()
}

// AcquireLocal requests local capture. Failure is terminal for the call
// attempt. Acquiring after Release is an error.
func (e *Engine) AcquireLocal(ctx context.Context, audio, video bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	cap, err := acquireCapture(audio, video, e.log)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMediaAcquisition, err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.released {
		cap.stop()
		return fmt.Errorf("%w: engine already released", ErrMediaAcquisition)
	}
	e.capture = cap
	return nil
}

// NewPeer builds a peer connection with the acquired local tracks attached,
// or receive-only transceivers when there are none.
func (e *Engine) NewPeer() (*Peer, error) {
	e.mu.Lock()
	cap := e.capture
	e.mu.Unlock()

	api, err := buildAPI(cap)
	if err != nil {
		return nil, fmt.Errorf("failed to build webrtc api: %w", err)
	}

	iceServers := make([]webrtc.ICEServer, 0, 1)
	iceServers = append(iceServers, webrtc.ICEServer{URLs: e.iceURLs})
	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: iceServers})
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	attached := 0
	if cap != nil {
		for _, track := range cap.tracks {
			if _, err := pc.AddTrack(track); err != nil {
				e.log.Warn("failed to add local track", zap.Error(err))
				continue
			}
			attached++
		}
	}
	if attached == 0 {
		// Recv-only transceivers keep the SDP valid with no local media.
		addRecvOnlyTransceivers(pc, e.log)
	}

	return &Peer{pc: pc}, nil
}

// AttachRemote wires an inbound remote track to the current sink. A later
// attach replaces the earlier one; the earlier track is still drained so the
// connection stays healthy.
func (e *Engine) AttachRemote(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
	e.mu.Lock()
	if e.released {
		e.mu.Unlock()
		return
	}
	e.attachSeq++
	seq := e.attachSeq
	sink := e.sink
	e.mu.Unlock()

	e.log.Info("remote track attached",
		zap.String("kind", track.Kind().String()),
		zap.String("id", track.ID()))

	if sink != nil && seq == e.currentAttach() {
		sink.Consume(track, receiver)
		return
	}
	go drainTrack(track)
}

func (e *Engine) currentAttach() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.attachSeq
}

// Release stops all local tracks. Idempotent; called on every call-ending
// transition, error paths included.
func (e *Engine) Release() {
	e.mu.Lock()
	cap := e.capture
	e.capture = nil
	e.released = true
	e.mu.Unlock()

	if cap != nil {
		cap.stop()
	}
}

// drainTrack reads and discards RTP until the track ends.
func drainTrack(track *webrtc.TrackRemote) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := track.Read(buf); err != nil {
			return
		}
	}
}

func addRecvOnlyTransceivers(pc *webrtc.PeerConnection, log *zap.Logger) {
	for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeVideo, webrtc.RTPCodecTypeAudio} {
		if _, err := pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			log.Warn("failed to add recvonly transceiver",
				zap.String("kind", kind.String()), zap.Error(err))
		}
	}
}
