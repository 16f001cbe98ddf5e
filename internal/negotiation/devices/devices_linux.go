//go:build linux && cgo

// Package devices captures camera and microphone through pion/mediadevices.
package devices

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"

	"github.com/SAASIMAHMEDW/BridgeCall-MobileApp/internal/negotiation"
)

const Available = true

// Source opens camera and microphone with VP8 and Opus encoders. Video is
// capped at 640x480.
type Source struct {
	logger   *slog.Logger
	selector *mediadevices.CodecSelector
}

func NewSource(logger *slog.Logger) (*Source, error) {
	if logger == nil {
		logger = slog.Default()
	}
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, fmt.Errorf("vp8 params: %w", err)
	}
	vpxParams.BitRate = 1_000_000

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, fmt.Errorf("opus params: %w", err)
	}

	return &Source{
		logger: logger,
		selector: mediadevices.NewCodecSelector(
			mediadevices.WithVideoEncoders(&vpxParams),
			mediadevices.WithAudioEncoders(&opusParams),
		),
	}, nil
}

// ConfigureMediaEngine registers exactly the codecs the encoders produce.
func (s *Source) ConfigureMediaEngine(me *webrtc.MediaEngine) error {
	s.selector.Populate(me)
	return nil
}

func (s *Source) Open(ctx context.Context) (*negotiation.LocalMedia, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	devices := mediadevices.EnumerateDevices()
	if len(devices) == 0 {
		return nil, fmt.Errorf("%w: no capture devices", negotiation.ErrMediaDeviceNotFound)
	}
	for _, d := range devices {
		s.logger.Debug("media device", "kind", d.Kind, "label", d.Label)
	}

	stream, err := mediadevices.GetUserMedia(mediadevices.MediaStreamConstraints{
		Codec: s.selector,
		Video: func(c *mediadevices.MediaTrackConstraints) {
			// MJPEG nodes on some cameras poison the VP8 encoder.
			c.FrameFormat = prop.FrameFormatOneOf{
				frame.FormatYUYV,
				frame.FormatI420,
				frame.FormatI444,
				frame.FormatRGBA,
			}
			c.Width = prop.IntRanged{Max: 640}
			c.Height = prop.IntRanged{Max: 480}
		},
		Audio: func(*mediadevices.MediaTrackConstraints) {},
	})
	if err != nil {
		return nil, classify(err)
	}

	tracks := stream.GetTracks()
	local := make([]webrtc.TrackLocal, 0, len(tracks))
	for _, track := range tracks {
		track.OnEnded(func(err error) {
			if err != nil {
				s.logger.Warn("local track ended", "kind", track.Kind().String(), "err", err)
			}
		})
		local = append(local, track)
	}
	streamID := "local"
	if len(tracks) > 0 {
		streamID = tracks[0].StreamID()
	}
	return negotiation.NewLocalMedia(streamID, local, func() {
		for _, t := range tracks {
			_ = t.Close()
		}
	}), nil
}

// mediadevices reports a missing driver without a typed error, so an
// unclassified failure with no devices left is treated as not found.
func classify(err error) error {
	classified := negotiation.ClassifyMediaError(err)
	if errors.Is(classified, negotiation.ErrNegotiationInitFailed) && len(mediadevices.EnumerateDevices()) == 0 {
		return fmt.Errorf("%w: %w", negotiation.ErrMediaDeviceNotFound, err)
	}
	return classified
}
