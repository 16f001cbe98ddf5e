package call

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/SAASIMAHMEDW/BridgeCall-MobileApp/internal/callrecord"
	"github.com/SAASIMAHMEDW/BridgeCall-MobileApp/internal/mailbox"
	"github.com/SAASIMAHMEDW/BridgeCall-MobileApp/internal/metrics"
	"github.com/SAASIMAHMEDW/BridgeCall-MobileApp/internal/negotiation"
)

type ManagerOptions struct {
	Identity string
	Name     string

	Channel  mailbox.Channel
	Presence mailbox.Presence

	NewEngine    EngineFactory
	EngineConfig negotiation.Config

	UI        UI
	Navigator Navigator
	Retry     Retry
	Metrics   *metrics.Metrics
	Logger    *slog.Logger

	// OnIdle runs after a call has finished and no other call is active.
	OnIdle func()

	// NewID generates call ids. Defaults to uuid.NewString.
	NewID func() string
	Now   func() time.Time
}

// Manager is the application's entry point to calls. It allows one active
// call at a time.
type Manager struct {
	opts   ManagerOptions
	logger *slog.Logger

	mu      sync.Mutex
	active  *Coordinator
	pending bool
	closed  bool
}

func NewManager(opts ManagerOptions) *Manager {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Manager{opts: opts, logger: opts.Logger}
}

func (m *Manager) reserve() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch {
	case m.closed:
		return mailbox.ErrClosed
	case m.active != nil || m.pending:
		return ErrBusy
	}
	m.pending = true
	return nil
}

func (m *Manager) release() {
	m.mu.Lock()
	m.pending = false
	m.mu.Unlock()
}

// StartCall creates a call record addressed to calleeID and starts
// negotiating it as the caller. It returns the new call id.
func (m *Manager) StartCall(ctx context.Context, calleeID, calleeName string) (string, error) {
	if err := m.reserve(); err != nil {
		return "", err
	}

	rec := callrecord.New(m.opts.NewID(), m.opts.Identity, calleeID, m.opts.Name, calleeName, m.opts.Now())
	created, err := m.opts.Channel.CreateCall(ctx, rec)
	if err != nil {
		m.release()
		return "", fmt.Errorf("create call: %w", err)
	}
	m.logger.Info("call created", "call_id", created.ID, "callee_id", calleeID)
	m.opts.Metrics.Inc(metrics.CallsStarted)

	if m.opts.Presence != nil {
		if err := m.opts.Presence.SetPresence(ctx, m.opts.Identity, mailbox.PresenceCallInitiated); err != nil {
			m.logger.Warn("presence update failed", "call_id", created.ID, "err", err)
		}
	}

	if err := m.start(ctx, created.ID, &created); err != nil {
		return created.ID, err
	}
	return created.ID, nil
}

// JoinCall attaches to an existing call in whichever role the local identity
// holds in it.
func (m *Manager) JoinCall(ctx context.Context, callID string) error {
	if err := m.reserve(); err != nil {
		return err
	}
	m.opts.Metrics.Inc(metrics.CallsJoined)
	return m.start(ctx, callID, nil)
}

func (m *Manager) start(ctx context.Context, callID string, rec *callrecord.Record) error {
	c := NewCoordinator(Options{
		Identity:     m.opts.Identity,
		CallID:       callID,
		Channel:      m.opts.Channel,
		Presence:     m.opts.Presence,
		NewEngine:    m.opts.NewEngine,
		EngineConfig: m.opts.EngineConfig,
		UI:           m.opts.UI,
		Navigator:    m.opts.Navigator,
		Retry:        m.opts.Retry,
		Metrics:      m.opts.Metrics,
		Logger:       m.opts.Logger,
		Record:       rec,
		OnFinished:   m.finished,
	})

	m.mu.Lock()
	m.pending = false
	m.active = c
	m.mu.Unlock()
	m.opts.Metrics.SetActiveCalls(1)

	return c.Start(ctx)
}

func (m *Manager) finished(c *Coordinator) {
	m.mu.Lock()
	if m.active == c {
		m.active = nil
	}
	idle := m.active == nil && !m.pending && !m.closed
	m.mu.Unlock()

	if c.State() == StateFailed {
		m.opts.Metrics.Inc(metrics.CallsFailed)
	} else {
		m.opts.Metrics.Inc(metrics.CallsEnded)
	}
	if idle {
		m.opts.Metrics.SetActiveCalls(0)
		if m.opts.OnIdle != nil {
			m.opts.OnIdle()
		}
	}
}

// EndCall ends the active call if its id is callID.
func (m *Manager) EndCall(callID string) error {
	m.mu.Lock()
	c := m.active
	m.mu.Unlock()
	if c == nil || c.CallID() != callID {
		return fmt.Errorf("%w: %s", ErrNotActive, callID)
	}
	c.EndCall()
	return nil
}

// Active returns the current call, or nil.
func (m *Manager) Active() *Coordinator {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

func (m *Manager) Busy() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active != nil || m.pending
}

// Close ends the active call, waits for its teardown and rejects new calls.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	c := m.active
	m.mu.Unlock()
	if c == nil {
		return nil
	}
	c.EndCall()
	return c.Wait(ctx)
}
