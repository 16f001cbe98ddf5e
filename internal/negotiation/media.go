package negotiation

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
)

// MediaSource acquires local media for one call.
type MediaSource interface {
	Open(ctx context.Context) (*LocalMedia, error)
}

// LocalMedia is the local stream handed to the UI and attached to the peer
// connection.
type LocalMedia struct {
	StreamID string
	Tracks   []webrtc.TrackLocal

	closeOnce sync.Once
	closeFn   func()
}

func NewLocalMedia(streamID string, tracks []webrtc.TrackLocal, closeFn func()) *LocalMedia {
	return &LocalMedia{StreamID: streamID, Tracks: tracks, closeFn: closeFn}
}

// Close stops every local track. Safe to call more than once.
func (m *LocalMedia) Close() {
	if m == nil {
		return
	}
	m.closeOnce.Do(func() {
		if m.closeFn != nil {
			m.closeFn()
		}
	})
}

// Opus frame of digital silence.
var opusSilence = []byte{0xf8, 0xff, 0xfe}

const syntheticFrameDuration = 20 * time.Millisecond

// SyntheticSource produces a single Opus track carrying silence. It needs no
// capture hardware, which makes it the default for headless agents and tests.
type SyntheticSource struct{}

func (SyntheticSource) Open(ctx context.Context) (*LocalMedia, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	streamID := "synthetic-" + uuid.NewString()
	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
		"audio",
		streamID,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: create synthetic track: %w", ErrNegotiationInitFailed, err)
	}

	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(syntheticFrameDuration)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				_ = track.WriteSample(media.Sample{Data: opusSilence, Duration: syntheticFrameDuration})
			}
		}
	}()

	return NewLocalMedia(streamID, []webrtc.TrackLocal{track}, func() { close(done) }), nil
}

// SourceFunc adapts a function to MediaSource.
type SourceFunc func(ctx context.Context) (*LocalMedia, error)

func (f SourceFunc) Open(ctx context.Context) (*LocalMedia, error) { return f(ctx) }
