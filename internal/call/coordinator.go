// Package call drives one call from role resolution to teardown.
//
// A Coordinator is an actor: store snapshots and engine callbacks are pushed
// onto one FIFO and handled to completion, one at a time, by a single
// goroutine. Signaling writes for a call are therefore never issued
// concurrently.
package call

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/webrtc/v4"
	"go.uber.org/multierr"

	"github.com/SAASIMAHMEDW/BridgeCall-MobileApp/internal/callrecord"
	"github.com/SAASIMAHMEDW/BridgeCall-MobileApp/internal/mailbox"
	"github.com/SAASIMAHMEDW/BridgeCall-MobileApp/internal/metrics"
	"github.com/SAASIMAHMEDW/BridgeCall-MobileApp/internal/negotiation"
	"github.com/SAASIMAHMEDW/BridgeCall-MobileApp/internal/queue"
)

const teardownTimeout = 5 * time.Second

// Engine is the part of negotiation.Engine the coordinator drives.
type Engine interface {
	Init(ctx context.Context, cfg negotiation.Config) error
	CreateOffer(ctx context.Context) (webrtc.SessionDescription, error)
	CreateAnswer(ctx context.Context) (webrtc.SessionDescription, error)
	SetRemoteDescription(ctx context.Context, desc webrtc.SessionDescription) error
	AddICECandidate(c webrtc.ICECandidateInit) error
	Close() error
}

// EngineFactory builds the engine of one call around the coordinator's
// handlers.
type EngineFactory func(h negotiation.Handlers) Engine

// PionEngines returns an EngineFactory for negotiation.Engine.
func PionEngines(api *webrtc.API, source negotiation.MediaSource, logger *slog.Logger) EngineFactory {
	return func(h negotiation.Handlers) Engine {
		return negotiation.NewEngine(api, source, h, logger)
	}
}

// UI receives everything the user sees of a call. Methods are invoked from
// the coordinator goroutine, one at a time.
type UI interface {
	OnLocalStream(local *negotiation.LocalMedia)
	OnRemoteStream(remote negotiation.RemoteStream)
	OnConnectionStatus(text string)
	OnError(kind ErrorKind, message string)
}

// Navigator returns the user to a safe screen once a call is over.
type Navigator interface {
	// Back pops the back stack and reports whether there was anything to pop.
	Back() bool
	ResetHome()
}

type Options struct {
	Identity string
	CallID   string

	Channel mailbox.Channel
	// Presence is optional.
	Presence mailbox.Presence

	NewEngine    EngineFactory
	EngineConfig negotiation.Config

	UI        UI
	Navigator Navigator
	Retry     Retry
	Metrics   *metrics.Metrics
	Logger    *slog.Logger

	// Record, when set, is used for role resolution instead of reading the
	// call from Channel.
	Record *callrecord.Record

	// OnFinished runs once, after teardown has completed.
	OnFinished func(*Coordinator)
}

type eventKind int

const (
	evStart eventKind = iota
	evSnapshot
	evLocalStream
	evRemoteStream
	evLocalCandidate
	evConnState
	evICERestart
	evEnd
)

type event struct {
	kind eventKind

	rec    callrecord.Record
	exists bool

	local     *negotiation.LocalMedia
	remote    negotiation.RemoteStream
	candidate webrtc.ICECandidateInit
	connState webrtc.PeerConnectionState
}

type Coordinator struct {
	opts   Options
	logger *slog.Logger

	events    *queue.FIFO[event]
	cancelled atomic.Bool
	started   atomic.Bool
	endOnce   sync.Once
	done      chan struct{}

	ctx    context.Context
	cancel context.CancelFunc

	engineMu sync.Mutex
	engine   Engine

	mu    sync.Mutex
	state State
	role  Role
	err   error

	// Owned by the coordinator goroutine.
	last          callrecord.Record
	seen          bool
	remoteSet     bool
	remoteApplied int
	remoteEnded   bool
	status        string
	unsub         mailbox.Unsubscribe
}

func NewCoordinator(opts Options) *Coordinator {
	if opts.UI == nil {
		opts.UI = nopUI{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		opts:   opts,
		logger: opts.Logger.With("call_id", opts.CallID),
		events: queue.New[event](),
		done:   make(chan struct{}),
		ctx:    ctx,
		cancel: cancel,
	}
}

func (c *Coordinator) CallID() string { return c.opts.CallID }

func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Coordinator) Role() Role {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.role
}

// Err returns the error that failed the call, if any.
func (c *Coordinator) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Done is closed once teardown has completed.
func (c *Coordinator) Done() <-chan struct{} { return c.done }

// Wait blocks until teardown has completed or ctx is done.
func (c *Coordinator) Wait(ctx context.Context) error {
	select {
	case <-c.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Coordinator) setState(s State) {
	c.mu.Lock()
	prev := c.state
	if prev.Terminal() {
		c.mu.Unlock()
		return
	}
	c.state = s
	c.mu.Unlock()
	if prev != s {
		c.logger.Debug("call state", "from", prev.String(), "to", s.String())
	}
}

// Start resolves the local role and starts negotiating in the background. ctx
// only bounds the initial read; the call then runs until EndCall or until the
// remote side ends it.
//
// A failed role resolution is reported to the UI and returned, and the
// coordinator is finished when Start returns.
func (c *Coordinator) Start(ctx context.Context) error {
	if !c.started.CompareAndSwap(false, true) {
		return ErrStarted
	}

	rec, role, err := c.resolve(ctx)
	if err != nil {
		c.cancelled.Store(true)
		c.cancel()
		c.events.Close(true)
		c.failed(err)
		c.finish(false)
		return err
	}

	c.mu.Lock()
	c.role = role
	c.mu.Unlock()
	c.logger = c.logger.With("role", role.String())
	c.last, c.seen = rec, true
	c.setState(StateRoleResolved)

	c.events.Push(event{kind: evStart})
	go c.loop()
	return nil
}

func (c *Coordinator) resolve(ctx context.Context) (callrecord.Record, Role, error) {
	var rec callrecord.Record
	if c.opts.Record != nil {
		rec = c.opts.Record.Clone()
	} else {
		var err error
		rec, err = c.opts.Channel.GetCall(ctx, c.opts.CallID)
		if err != nil {
			return callrecord.Record{}, RoleUnknown, fmt.Errorf("load call %s: %w", c.opts.CallID, err)
		}
	}
	if rec.Status == callrecord.StatusEnded {
		return callrecord.Record{}, RoleUnknown, fmt.Errorf("%w: %s", callrecord.ErrCallEnded, rec.ID)
	}
	role, err := ResolveRole(rec, c.opts.Identity)
	if err != nil {
		return callrecord.Record{}, RoleUnknown, err
	}
	return rec, role, nil
}

// EndCall tears the call down. It is idempotent and does not wait; use Done
// or Wait for completion.
func (c *Coordinator) EndCall() {
	if !c.started.Load() {
		return
	}
	c.endOnce.Do(func() {
		c.cancelled.Store(true)
		c.cancel()
		// Unblocks an engine stuck in Init or a description exchange.
		_ = c.closeEngine()
		c.events.Push(event{kind: evEnd})
	})
}

func (c *Coordinator) closeEngine() error {
	c.engineMu.Lock()
	e := c.engine
	c.engineMu.Unlock()
	if e == nil {
		return nil
	}
	return e.Close()
}

func (c *Coordinator) loop() {
	for {
		ev, ok := c.events.Pop()
		if !ok {
			return
		}
		if ev.kind == evEnd {
			c.finish(true)
			return
		}
		if c.cancelled.Load() {
			continue
		}
		if c.handle(ev) {
			return
		}
	}
}

// handle processes one event and reports whether the call is over.
func (c *Coordinator) handle(ev event) bool {
	var err error
	switch ev.kind {
	case evStart:
		err = c.onStart()
	case evSnapshot:
		err = c.onSnapshot(ev.rec, ev.exists)
	case evLocalStream:
		c.opts.UI.OnLocalStream(ev.local)
	case evRemoteStream:
		c.opts.UI.OnRemoteStream(ev.remote)
		c.connected()
	case evLocalCandidate:
		c.relayCandidate(ev.candidate)
	case evConnState:
		c.onConnState(ev.connState)
	case evICERestart:
		c.report(StatusReconnecting)
	}

	switch {
	case c.remoteEnded:
		c.logger.Info("call ended remotely")
		c.stop()
		c.finish(true)
		return true
	case err != nil && c.cancelled.Load():
		// Errors caused by EndCall closing the engine under us.
		c.logger.Debug("ignoring error after cancellation", "err", err)
		return false
	case err != nil:
		c.stop()
		c.failed(err)
		c.finish(true)
		return true
	}
	return false
}

// stop marks the call cancelled from inside the coordinator goroutine.
func (c *Coordinator) stop() {
	c.endOnce.Do(func() {})
	c.cancelled.Store(true)
	c.cancel()
	c.events.Close(true)
}

func (c *Coordinator) onStart() error {
	c.report(StatusConnecting)

	if c.opts.NewEngine == nil {
		return fmt.Errorf("%w: no engine factory", negotiation.ErrNegotiationInitFailed)
	}
	engine := c.opts.NewEngine(negotiation.Handlers{
		OnLocalStream: func(m *negotiation.LocalMedia) {
			c.events.Push(event{kind: evLocalStream, local: m})
		},
		OnRemoteStream: func(s negotiation.RemoteStream) {
			c.events.Push(event{kind: evRemoteStream, remote: s})
		},
		OnICECandidate: func(cand webrtc.ICECandidateInit) {
			c.events.Push(event{kind: evLocalCandidate, candidate: cand})
		},
		OnConnectionState: func(s webrtc.PeerConnectionState) {
			c.events.Push(event{kind: evConnState, connState: s})
		},
		OnICERestart: func() {
			c.events.Push(event{kind: evICERestart})
		},
	})
	c.engineMu.Lock()
	c.engine = engine
	c.engineMu.Unlock()
	if c.cancelled.Load() {
		_ = engine.Close()
		return nil
	}

	if err := engine.Init(c.ctx, c.opts.EngineConfig); err != nil {
		return err
	}
	c.setState(StateEngineReady)

	unsub, err := c.opts.Channel.SubscribeToCall(c.ctx, c.opts.CallID, func(rec callrecord.Record, exists bool) {
		c.events.Push(event{kind: evSnapshot, rec: rec, exists: exists})
	})
	if err != nil {
		return fmt.Errorf("subscribe to call: %w", err)
	}
	c.unsub = unsub

	if c.Role() == RoleCallee {
		c.setState(StateCalleeNegotiating)
		return nil
	}

	if c.last.Offer != nil {
		return fmt.Errorf("%w: call %s already has an offer", negotiation.ErrNegotiationState, c.opts.CallID)
	}
	offer, err := engine.CreateOffer(c.ctx)
	if err != nil {
		return err
	}
	desc := callrecord.SessionDescriptionFromPion(offer)
	if err := c.write(c.ctx, "write offer", callrecord.Patch{Offer: &desc}); err != nil {
		if errors.Is(err, callrecord.ErrCallEnded) {
			c.remoteEnded = true
			return nil
		}
		return err
	}
	c.logger.Info("offer written")
	c.setState(StateCallerNegotiating)
	return nil
}

func (c *Coordinator) onSnapshot(rec callrecord.Record, exists bool) error {
	if !exists {
		if c.seen {
			c.logger.Warn("call record disappeared")
			c.remoteEnded = true
		}
		return nil
	}
	c.last, c.seen = rec, true
	if rec.Status == callrecord.StatusEnded {
		c.remoteEnded = true
		return nil
	}

	switch c.Role() {
	case RoleCaller:
		if rec.Answer != nil && !c.remoteSet {
			if err := c.applyRemote(*rec.Answer); err != nil {
				return err
			}
			c.logger.Info("answer applied")
		}
		return c.feedCandidates(rec.AnswerCandidates)

	case RoleCallee:
		if rec.Offer == nil || c.remoteSet {
			return c.feedCandidates(rec.OfferCandidates)
		}
		if err := c.applyRemote(*rec.Offer); err != nil {
			return err
		}
		if err := c.feedCandidates(rec.OfferCandidates); err != nil {
			return err
		}
		answer, err := c.engine.CreateAnswer(c.ctx)
		if err != nil {
			return err
		}
		desc := callrecord.SessionDescriptionFromPion(answer)
		connected := callrecord.StatusConnected
		err = c.write(c.ctx, "write answer", callrecord.Patch{Answer: &desc, Status: &connected})
		if errors.Is(err, callrecord.ErrCallEnded) {
			c.remoteEnded = true
			return nil
		}
		if err == nil {
			c.logger.Info("answer written")
		}
		return err
	}
	return nil
}

// applyRemote sets the remote description. It runs at most once per call.
func (c *Coordinator) applyRemote(d callrecord.SessionDescription) error {
	desc, err := d.ToPion()
	if err != nil {
		return fmt.Errorf("%w: %w", negotiation.ErrNegotiationState, err)
	}
	c.remoteSet = true
	return c.engine.SetRemoteDescription(c.ctx, desc)
}

// feedCandidates hands the engine every remote candidate it has not seen yet.
// The engine queues them while no remote description is set.
func (c *Coordinator) feedCandidates(all []callrecord.Candidate) error {
	for ; c.remoteApplied < len(all); c.remoteApplied++ {
		if err := c.engine.AddICECandidate(all[c.remoteApplied].ToPion()); err != nil {
			return err
		}
	}
	return nil
}

func (c *Coordinator) relayCandidate(cand webrtc.ICECandidateInit) {
	var p callrecord.Patch
	rc := callrecord.CandidateFromPion(cand)
	if c.Role() == RoleCaller {
		p.OfferCandidates = []callrecord.Candidate{rc}
	} else {
		p.AnswerCandidates = []callrecord.Candidate{rc}
	}
	err := c.write(c.ctx, "append candidate", p)
	switch {
	case err == nil:
	case errors.Is(err, callrecord.ErrCallEnded), c.cancelled.Load():
	default:
		c.opts.Metrics.Inc(metrics.CandidatesDropped)
		c.logger.Warn("dropping local candidate", "err", err)
	}
}

func (c *Coordinator) write(ctx context.Context, what string, p callrecord.Patch) error {
	err := c.opts.Retry.do(ctx, c.logger, what, func(ctx context.Context) error {
		_, err := c.opts.Channel.UpdateCall(ctx, c.opts.CallID, p)
		return err
	}, func() { c.opts.Metrics.Inc(metrics.SignalingWriteRetries) })
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrSignalingWrite, what, err)
	}
	return nil
}

func (c *Coordinator) onConnState(s webrtc.PeerConnectionState) {
	switch s {
	case webrtc.PeerConnectionStateConnected:
		c.connected()
	case webrtc.PeerConnectionStateDisconnected:
		c.report(StatusDisconnected)
	case webrtc.PeerConnectionStateFailed:
		c.report(StatusFailed)
	}
}

func (c *Coordinator) connected() {
	if c.State() != StateConnected {
		c.setState(StateConnected)
		c.logger.Info("call connected")
		c.setPresence(c.ctx, mailbox.PresenceInCall)
	}
	c.report(StatusConnected)
}

// report forwards a status text when it differs from the last one.
func (c *Coordinator) report(text string) {
	if c.status == text {
		return
	}
	c.status = text
	c.opts.UI.OnConnectionStatus(text)
}

func (c *Coordinator) failed(err error) {
	c.mu.Lock()
	c.err = err
	c.mu.Unlock()
	c.setState(StateFailed)

	kind := KindOf(err)
	c.logger.Error("call failed", "kind", string(kind), "err", err)
	c.opts.UI.OnError(kind, err.Error())
}

func (c *Coordinator) setPresence(ctx context.Context, s mailbox.PresenceStatus) error {
	if c.opts.Presence == nil {
		return nil
	}
	if err := c.opts.Presence.SetPresence(ctx, c.opts.Identity, s); err != nil {
		c.logger.Warn("presence update failed", "status", string(s), "err", err)
		return fmt.Errorf("set presence %s: %w", s, err)
	}
	return nil
}

// finish releases everything the call holds. Failures are logged and never
// stop the remaining steps. writeEnded is false when the record was never
// confirmed to belong to this identity.
func (c *Coordinator) finish(writeEnded bool) {
	c.cancelled.Store(true)
	ctx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
	defer cancel()

	var errs error
	if err := c.closeEngine(); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("close engine: %w", err))
	}

	if writeEnded && !c.remoteEnded && c.last.Status != callrecord.StatusEnded {
		_, err := c.opts.Channel.UpdateCall(ctx, c.opts.CallID, callrecord.StatusPatch(callrecord.StatusEnded))
		switch {
		case err == nil:
			c.last.Status = callrecord.StatusEnded
		case errors.Is(err, callrecord.ErrCallEnded), errors.Is(err, mailbox.ErrNotFound):
		default:
			errs = multierr.Append(errs, fmt.Errorf("%w: write ended: %w", ErrSignalingWrite, err))
		}
	}

	if c.unsub != nil {
		c.unsub()
		c.unsub = nil
	}
	errs = multierr.Append(errs, c.setPresence(ctx, mailbox.PresenceOnline))

	if nav := c.opts.Navigator; nav != nil {
		func() {
			defer func() {
				if r := recover(); r != nil {
					errs = multierr.Append(errs, fmt.Errorf("navigation panicked: %v", r))
				}
			}()
			if !nav.Back() {
				nav.ResetHome()
			}
		}()
	}

	c.cancel()
	c.events.Close(true)
	c.setState(StateEnded)
	if errs != nil {
		c.logger.Warn("call teardown incomplete", "err", errs)
	} else {
		c.logger.Info("call ended", "state", c.State().String())
	}
	close(c.done)
	if c.opts.OnFinished != nil {
		c.opts.OnFinished(c)
	}
}

type nopUI struct{}

func (nopUI) OnLocalStream(*negotiation.LocalMedia)   {}
func (nopUI) OnRemoteStream(negotiation.RemoteStream) {}
func (nopUI) OnConnectionStatus(string)               {}
func (nopUI) OnError(ErrorKind, string)               {}
