package media

import (
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
)

// capture holds the result of local acquisition: the tracks to attach, the
// codec registration they require, and a stop function for teardown.
type capture struct {
	tracks   []webrtc.TrackLocal
	populate func(*webrtc.MediaEngine)
	stop     func()
}

// buildAPI assembles the webrtc API for one peer connection. When a capture
// brings its own codecs (mediadevices), they replace the defaults.
func buildAPI(cap *capture) (*webrtc.API, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if cap != nil && cap.populate != nil {
		cap.populate(mediaEngine)
	} else if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, err
	}

	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, err
	}

	// Generous ICE timeouts: a brief NAT or relay hiccup should not tear the
	// call down before ICE has a chance to recover.
	settingEngine := webrtc.SettingEngine{}
	settingEngine.SetICETimeouts(30*time.Second, 120*time.Second, 2*time.Second)

	return webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
		webrtc.WithSettingEngine(settingEngine),
	), nil
}
