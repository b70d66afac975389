//go:build linux && cgo

package media

import (
	"errors"
	"fmt"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"
)

// acquireCapture captures camera/microphone via pion/mediadevices (V4L2 and
// malgo). GetUserMedia fails as a unit when either requested track cannot be
// opened, so requests degrade: both, then video-only, then audio-only. Only
// when every requested combination fails is the acquisition an error.
func acquireCapture(audio, video bool, log *zap.Logger) (*capture, error) {
	if !audio && !video {
		return &capture{stop: func() {}}, nil
	}

	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, err
	}
	vpxParams.BitRate = 1_500_000

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, err
	}

	codecSelector := mediadevices.NewCodecSelector(
		mediadevices.WithVideoEncoders(&vpxParams),
		mediadevices.WithAudioEncoders(&opusParams),
	)

	type attempt struct {
		video bool
		audio bool
		label string
	}
	var attempts []attempt
	if video && audio {
		attempts = append(attempts, attempt{true, true, "video+audio"})
	}
	if video {
		attempts = append(attempts, attempt{true, false, "video-only"})
	}
	if audio {
		attempts = append(attempts, attempt{false, true, "audio-only"})
	}

	var lastErr error
	for _, a := range attempts {
		constraints := mediadevices.MediaStreamConstraints{Codec: codecSelector}
		if a.video {
			constraints.Video = func(c *mediadevices.MediaTrackConstraints) {
				// Raw formats only. MJPEG V4L2 nodes can emit malformed
				// frames that poison the VP8 encoder.
				c.FrameFormat = prop.FrameFormatOneOf{
					frame.FormatYUYV,
					frame.FormatI420,
					frame.FormatI444,
					frame.FormatRGBA,
				}
				c.Width = prop.IntRanged{Max: 640}
				c.Height = prop.IntRanged{Max: 480}
			}
		}
		if a.audio {
			constraints.Audio = func(_ *mediadevices.MediaTrackConstraints) {}
		}

		stream, err := mediadevices.GetUserMedia(constraints)
		if err != nil {
			lastErr = err
			log.Warn("media capture attempt failed",
				zap.String("attempt", a.label), zap.Error(err))
			continue
		}

		mdTracks := stream.GetTracks()
		tracks := make([]webrtc.TrackLocal, 0, len(mdTracks))
		for _, track := range mdTracks {
			track.OnEnded(func(err error) {
				if err != nil {
					log.Warn("local track ended", zap.Error(err))
				}
			})
			tracks = append(tracks, track)
		}

		log.Info("local media captured",
			zap.String("attempt", a.label), zap.Int("tracks", len(tracks)))
		return &capture{
			tracks:   tracks,
			populate: codecSelector.Populate,
			stop: func() {
				for _, t := range mdTracks {
					t.Close()
				}
			},
		}, nil
	}

	if lastErr == nil {
		lastErr = errors.New("no capture attempt was possible")
	}
	return nil, fmt.Errorf("all capture attempts failed: %w", lastErr)
}
