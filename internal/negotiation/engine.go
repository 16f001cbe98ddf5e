// Package negotiation owns the local peer connection of one call: it acquires
// local media, produces and applies session descriptions and buffers remote
// ICE candidates until they can be applied.
package negotiation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
)

const DefaultICERestartDelay = 3 * time.Second

// Config is passed through to the peer connection.
type Config struct {
	ICEServers           []webrtc.ICEServer
	ICECandidatePoolSize uint8
	BundlePolicy         webrtc.BundlePolicy
	RTCPMuxPolicy        webrtc.RTCPMuxPolicy
	// ICERestartDelay is how long ICE must stay failed before OnICERestart
	// fires. Zero means DefaultICERestartDelay.
	ICERestartDelay time.Duration
}

// RemoteStream is reported once per distinct remote stream id.
type RemoteStream struct {
	ID    string
	Track *webrtc.TrackRemote
}

// Handlers are fixed for the lifetime of an Engine. Any of them may be nil.
// They are invoked from pion's goroutines and must not block.
type Handlers struct {
	OnLocalStream     func(*LocalMedia)
	OnRemoteStream    func(RemoteStream)
	OnICECandidate    func(webrtc.ICECandidateInit)
	OnConnectionState func(webrtc.PeerConnectionState)
	// OnICERestart fires once when ICE has stayed failed for
	// ICERestartDelay. It is a notification only: the engine does not create
	// an ICE-restart offer, because a call record carries exactly one offer
	// and one answer, so there is nowhere to publish a second round.
	OnICERestart func()
	// OnRemoteTrack, when set, takes ownership of reading every remote track.
	// Otherwise the engine drains remote RTP itself.
	OnRemoteTrack func(*webrtc.TrackRemote, *webrtc.RTPReceiver)
}

// Engine drives exactly one peer connection. Apart from Close, its methods
// are expected to be called from a single goroutine.
type Engine struct {
	api    *webrtc.API
	source MediaSource
	h      Handlers
	logger *slog.Logger

	mu        sync.Mutex
	pc        *webrtc.PeerConnection
	media     *LocalMedia
	inited    bool
	closed    bool
	remoteSet bool
	pending   []webrtc.ICECandidateInit

	restart *iceRestarter

	streamsMu sync.Mutex
	streams   map[string]struct{}
}

func NewEngine(api *webrtc.API, source MediaSource, h Handlers, logger *slog.Logger) *Engine {
	if api == nil {
		api = webrtc.NewAPI()
	}
	if source == nil {
		source = SyntheticSource{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{
		api:     api,
		source:  source,
		h:       h,
		logger:  logger,
		streams: make(map[string]struct{}),
	}
	e.restart = newICERestarter(DefaultICERestartDelay, func() {
		if e.h.OnICERestart != nil {
			e.h.OnICERestart()
		}
	}, logger)
	return e
}

// Init acquires local media and builds the peer connection. Media failures
// are reported as ErrMediaAccessDenied, ErrMediaDeviceNotFound or
// ErrMediaDeviceBusy; anything else as ErrNegotiationInitFailed.
func (e *Engine) Init(ctx context.Context, cfg Config) error {
	e.mu.Lock()
	switch {
	case e.closed:
		e.mu.Unlock()
		return fmt.Errorf("%w: engine closed", ErrNegotiationState)
	case e.inited:
		e.mu.Unlock()
		return fmt.Errorf("%w: already initialized", ErrNegotiationState)
	}
	e.inited = true
	e.mu.Unlock()

	// Media acquisition can block on hardware; Close must stay usable meanwhile.
	local, err := e.source.Open(ctx)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
			return fmt.Errorf("%w: %w", ErrNegotiationInitFailed, err)
		}
		return ClassifyMediaError(err)
	}

	pc, err := e.api.NewPeerConnection(webrtc.Configuration{
		ICEServers:           cfg.ICEServers,
		ICECandidatePoolSize: cfg.ICECandidatePoolSize,
		BundlePolicy:         cfg.BundlePolicy,
		RTCPMuxPolicy:        cfg.RTCPMuxPolicy,
	})
	if err != nil {
		local.Close()
		return fmt.Errorf("%w: new peer connection: %w", ErrNegotiationInitFailed, err)
	}
	for _, track := range local.Tracks {
		sender, err := pc.AddTrack(track)
		if err != nil {
			_ = pc.Close()
			local.Close()
			return fmt.Errorf("%w: add track %s: %w", ErrNegotiationInitFailed, track.ID(), err)
		}
		go drainRTCP(sender)
	}

	if cfg.ICERestartDelay > 0 {
		e.restart.setDelay(cfg.ICERestartDelay)
	}
	e.register(pc)

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		_ = pc.Close()
		local.Close()
		return fmt.Errorf("%w: engine closed during init", ErrNegotiationState)
	}
	e.pc = pc
	e.media = local
	e.mu.Unlock()

	e.logger.Debug("peer connection ready", "stream_id", local.StreamID, "tracks", len(local.Tracks))
	if e.h.OnLocalStream != nil {
		e.h.OnLocalStream(local)
	}
	return nil
}

func (e *Engine) register(pc *webrtc.PeerConnection) {
	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		if e.h.OnICECandidate != nil {
			e.h.OnICECandidate(c.ToJSON())
		}
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		e.logger.Debug("remote track", "kind", track.Kind().String(), "track_id", track.ID(), "stream_id", track.StreamID())
		if e.h.OnRemoteTrack != nil {
			e.h.OnRemoteTrack(track, receiver)
		} else {
			go drainTrack(track)
		}

		id := track.StreamID()
		e.streamsMu.Lock()
		_, seen := e.streams[id]
		e.streams[id] = struct{}{}
		e.streamsMu.Unlock()
		if !seen && e.h.OnRemoteStream != nil {
			e.h.OnRemoteStream(RemoteStream{ID: id, Track: track})
		}
	})

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		e.logger.Debug("connection state", "state", s.String())
		if e.h.OnConnectionState != nil {
			e.h.OnConnectionState(s)
		}
	})

	pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		e.logger.Debug("ice connection state", "state", s.String())
		e.restart.observe(s)
	})

	pc.OnSignalingStateChange(func(s webrtc.SignalingState) {
		e.logger.Debug("signaling state", "state", s.String())
	})
}

func (e *Engine) peer() (*webrtc.PeerConnection, error) {
	switch {
	case e.closed:
		return nil, fmt.Errorf("%w: engine closed", ErrNegotiationState)
	case e.pc == nil:
		return nil, fmt.Errorf("%w: engine not initialized", ErrNegotiationState)
	}
	return e.pc, nil
}

// CreateOffer creates an offer and sets it as the local description.
func (e *Engine) CreateOffer(ctx context.Context) (webrtc.SessionDescription, error) {
	if err := ctx.Err(); err != nil {
		return webrtc.SessionDescription{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	pc, err := e.peer()
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("%w: create offer: %w", ErrNegotiationState, err)
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("%w: set local offer: %w", ErrNegotiationState, err)
	}
	return offer, nil
}

// CreateAnswer is only valid once a remote offer has been applied.
func (e *Engine) CreateAnswer(ctx context.Context) (webrtc.SessionDescription, error) {
	if err := ctx.Err(); err != nil {
		return webrtc.SessionDescription{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	pc, err := e.peer()
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	remote := pc.RemoteDescription()
	if remote == nil || remote.Type != webrtc.SDPTypeOffer {
		return webrtc.SessionDescription{}, fmt.Errorf("%w: no remote offer", ErrNegotiationState)
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("%w: create answer: %w", ErrNegotiationState, err)
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("%w: set local answer: %w", ErrNegotiationState, err)
	}
	return answer, nil
}

// SetRemoteDescription applies desc once. Candidates queued before it are
// then applied in arrival order.
func (e *Engine) SetRemoteDescription(ctx context.Context, desc webrtc.SessionDescription) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	pc, err := e.peer()
	if err != nil {
		return err
	}
	if e.remoteSet {
		return fmt.Errorf("%w: remote description already set", ErrNegotiationState)
	}
	if err := pc.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("%w: set remote %s: %w", ErrNegotiationState, desc.Type, err)
	}
	e.remoteSet = true

	pending := e.pending
	e.pending = nil
	if len(pending) > 0 {
		e.logger.Debug("applying queued candidates", "count", len(pending))
	}
	for _, c := range pending {
		e.applyLocked(pc, c)
	}
	return nil
}

// AddICECandidate applies c, or queues it while no remote description is set.
// Failures to apply are logged and otherwise ignored.
func (e *Engine) AddICECandidate(c webrtc.ICECandidateInit) error {
	if c.Candidate == "" {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return fmt.Errorf("%w: engine closed", ErrNegotiationState)
	}
	if e.pc == nil || !e.remoteSet {
		e.pending = append(e.pending, c)
		return nil
	}
	e.applyLocked(e.pc, c)
	return nil
}

func (e *Engine) applyLocked(pc *webrtc.PeerConnection, c webrtc.ICECandidateInit) {
	if err := pc.AddICECandidate(c); err != nil {
		e.logger.Warn("ignoring remote candidate",
			"candidate", c.Candidate,
			"err", fmt.Errorf("%w: %w", ErrCandidateApplyFailed, err),
		)
	}
}

// PendingCandidates reports how many remote candidates await a remote
// description.
func (e *Engine) PendingCandidates() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.pending)
}

func (e *Engine) ConnectionState() webrtc.PeerConnectionState {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.pc == nil {
		return webrtc.PeerConnectionStateNew
	}
	return e.pc.ConnectionState()
}

// Close releases the peer connection and local media. It is idempotent, safe
// before Init and safe to call concurrently with other methods.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	pc, local := e.pc, e.media
	e.pending = nil
	e.mu.Unlock()

	e.restart.stop()

	var err error
	if pc != nil {
		err = pc.Close()
	}
	local.Close()
	return err
}

func drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}

func drainTrack(track *webrtc.TrackRemote) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := track.Read(buf); err != nil {
			return
		}
	}
}
