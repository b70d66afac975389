package media

import (
	"context"
	"strings"
	"testing"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// Acquiring with neither audio nor video skips the capture drivers entirely,
// so these tests run without devices on any platform.

func TestEngineReleaseIsIdempotent(t *testing.T) {
	engine := NewEngine(nil, zap.NewNop())
	require.NoError(t, engine.AcquireLocal(context.Background(), false, false))

	assert.NotPanics(t, func() {
		engine.Release()
		engine.Release()
		engine.Release()
	})
}

func TestEngineAcquireAfterReleaseFails(t *testing.T) {
	engine := NewEngine(nil, zap.NewNop())
	engine.Release()

	err := engine.AcquireLocal(context.Background(), false, false)
	assert.ErrorIs(t, err, ErrMediaAcquisition)
}

func TestEngineAcquireHonorsCancelledContext(t *testing.T) {
	engine := NewEngine(nil, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, engine.AcquireLocal(ctx, false, false), context.Canceled)
}

func TestEngineNewPeerWithoutCaptureIsRecvOnly(t *testing.T) {
	engine := NewEngine(nil, zap.NewNop())
	peer, err := engine.NewPeer()
	require.NoError(t, err)
	defer peer.Close()

	offer, err := peer.CreateOffer(context.Background())
	require.NoError(t, err)
	assert.Equal(t, webrtc.SDPTypeOffer, offer.Type)
	assert.Contains(t, offer.SDP, "recvonly")
}

func TestEngineDefaultsICEServers(t *testing.T) {
	engine := NewEngine(nil, zap.NewNop())
	assert.Equal(t, DefaultICEServers, engine.iceURLs)

	custom := NewEngine([]string{"stun:stun.example.org:3478"}, zap.NewNop())
	assert.Equal(t, []string{"stun:stun.example.org:3478"}, custom.iceURLs)
}

func TestEngineReleaseStopsCapture(t *testing.T) {
	engine := NewEngine(nil, zap.NewNop())

	stopped := 0
	engine.mu.Lock()
	engine.capture = &capture{stop: func() { stopped++ }}
	engine.mu.Unlock()

	engine.Release()
	engine.Release()
	assert.Equal(t, 1, stopped, "tracks must stop exactly once")
}

func TestEngineOfferCarriesAudioAndVideoSections(t *testing.T) {
	engine := NewEngine(nil, zap.NewNop())
	peer, err := engine.NewPeer()
	require.NoError(t, err)
	defer peer.Close()

	offer, err := peer.CreateOffer(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, strings.Count(offer.SDP, "m=audio"))
	assert.Equal(t, 1, strings.Count(offer.SDP, "m=video"))
}
