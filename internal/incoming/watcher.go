// Package incoming surfaces calls addressed to the local identity while no
// call is active.
package incoming

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/SAASIMAHMEDW/BridgeCall-MobileApp/internal/callrecord"
	"github.com/SAASIMAHMEDW/BridgeCall-MobileApp/internal/mailbox"
	"github.com/SAASIMAHMEDW/BridgeCall-MobileApp/internal/metrics"
	"github.com/SAASIMAHMEDW/BridgeCall-MobileApp/internal/queue"
)

const (
	DefaultRingWindow = 30 * time.Second

	writeTimeout = 5 * time.Second
)

var (
	ErrNoRing = errors.New("call is not ringing")
	ErrClosed = errors.New("watcher closed")
)

type CancelReason string

const (
	ReasonExpired         CancelReason = "expired"
	ReasonDeclined        CancelReason = "declined"
	ReasonAccepted        CancelReason = "accepted"
	ReasonCallerCancelled CancelReason = "caller_cancelled"
	ReasonStopped         CancelReason = "stopped"
)

// Ring is one surfaced incoming call.
type Ring struct {
	Call      callrecord.Record
	ExpiresAt time.Time
}

// Handler is notified from a single goroutine, in order. It may call back
// into the Watcher.
type Handler interface {
	Ringing(r Ring)
	RingCancelled(callID string, reason CancelReason)
}

// Acceptor takes over an accepted call. *call.Manager implements it.
type Acceptor interface {
	JoinCall(ctx context.Context, callID string) error
}

// Timer is the part of *time.Timer the watcher uses.
type Timer interface {
	Stop() bool
}

type Options struct {
	Identity string
	Channel  mailbox.Channel
	Handler  Handler
	Acceptor Acceptor
	// Busy suspends surfacing while it returns true.
	Busy func() bool

	RingWindow time.Duration
	Metrics    *metrics.Metrics
	Logger     *slog.Logger

	AfterFunc func(d time.Duration, f func()) Timer
	Now       func() time.Time
}

type ring struct {
	rec     callrecord.Record
	expires time.Time
	timer   Timer
}

type Watcher struct {
	opts   Options
	logger *slog.Logger
	notes  *queue.FIFO[func()]
	wg     sync.WaitGroup

	mu     sync.Mutex
	closed bool
	unsub  mailbox.Unsubscribe
	// gen identifies the live subscription; lists from older ones are
	// dropped.
	gen     uint64
	latest  []callrecord.Record
	current *ring
	inert   map[string]struct{}
	// deadlines keeps the ring expiry of every surfaced call, so a call
	// surfaced again after Stop keeps its original window.
	deadlines map[string]time.Time
	// accepting is set while a ring is being handed to the Acceptor.
	accepting bool
}

func New(opts Options) *Watcher {
	if opts.RingWindow <= 0 {
		opts.RingWindow = DefaultRingWindow
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.AfterFunc == nil {
		opts.AfterFunc = func(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Handler == nil {
		opts.Handler = nopHandler{}
	}
	if opts.Busy == nil {
		opts.Busy = func() bool { return false }
	}
	w := &Watcher{
		opts:   opts,
		logger: opts.Logger.With("identity", opts.Identity),
		notes:  queue.New[func()](),
		inert:  make(map[string]struct{}),

		deadlines: make(map[string]time.Time),
	}
	w.wg.Add(1)
	go w.deliver()
	return w
}

func (w *Watcher) deliver() {
	defer w.wg.Done()
	for {
		f, ok := w.notes.Pop()
		if !ok {
			return
		}
		f()
	}
}

// Start subscribes to incoming calls. It is a no-op while already subscribed.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return ErrClosed
	}
	if w.unsub != nil {
		w.mu.Unlock()
		return nil
	}
	w.gen++
	gen := w.gen
	w.mu.Unlock()

	unsub, err := w.opts.Channel.SubscribeToIncoming(ctx, w.opts.Identity, func(calls []callrecord.Record) {
		w.onList(gen, calls)
	})
	if err != nil {
		return fmt.Errorf("subscribe incoming: %w", err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed || w.unsub != nil || w.gen != gen {
		unsub()
		return nil
	}
	w.unsub = unsub
	w.logger.Debug("watching incoming calls")
	return nil
}

// Stop drops the subscription and silences the current ring.
func (w *Watcher) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.stopLocked()
}

func (w *Watcher) stopLocked() {
	w.gen++
	if w.unsub != nil {
		w.unsub()
		w.unsub = nil
	}
	w.latest = nil
	if w.current != nil {
		w.cancelLocked(ReasonStopped)
	}
}

// Resume re-subscribes from scratch, for example when the host regains
// focus and earlier subscriptions may have been dropped.
func (w *Watcher) Resume(ctx context.Context) error {
	w.Stop()
	return w.Start(ctx)
}

// Close stops watching and waits for pending notifications to be delivered.
func (w *Watcher) Close() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.stopLocked()
	w.closed = true
	w.mu.Unlock()
	w.notes.Close(false)
	w.wg.Wait()
}

// Rescan surfaces the oldest waiting call, if any. Call it when Busy turns
// false.
func (w *Watcher) Rescan() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.surfaceLocked()
}

// Current returns the ringing call, if any.
func (w *Watcher) Current() (Ring, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.current == nil {
		return Ring{}, false
	}
	return Ring{Call: w.current.rec.Clone(), ExpiresAt: w.current.expires}, true
}

func (w *Watcher) onList(gen uint64, calls []callrecord.Record) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed || gen != w.gen {
		return
	}
	w.latest = calls

	present := make(map[string]struct{}, len(calls))
	for _, rec := range calls {
		present[rec.ID] = struct{}{}
	}
	for id := range w.inert {
		if _, ok := present[id]; !ok {
			delete(w.inert, id)
		}
	}
	for id := range w.deadlines {
		if _, ok := present[id]; !ok {
			delete(w.deadlines, id)
		}
	}
	if w.current != nil {
		if _, ok := present[w.current.rec.ID]; !ok {
			w.logger.Info("incoming call withdrawn", "call_id", w.current.rec.ID)
			w.cancelLocked(ReasonCallerCancelled)
		}
	}
	w.surfaceLocked()
}

func (w *Watcher) surfaceLocked() {
	if w.closed || w.current != nil || w.accepting || w.opts.Busy() {
		return
	}
	for _, rec := range w.latest {
		if _, skip := w.inert[rec.ID]; skip {
			continue
		}
		id := rec.ID
		now := w.opts.Now()
		expires, seen := w.deadlines[id]
		if !seen {
			expires = now.Add(w.opts.RingWindow)
			w.deadlines[id] = expires
		}
		r := &ring{rec: rec.Clone(), expires: expires}
		r.timer = w.opts.AfterFunc(max(expires.Sub(now), 0), func() { w.expire(id) })
		w.current = r

		ring := Ring{Call: r.rec.Clone(), ExpiresAt: r.expires}
		w.logger.Info("incoming call", "call_id", id, "caller_id", rec.CallerID, "expires_at", r.expires)
		w.opts.Metrics.Inc(metrics.RingsSurfaced)
		w.notes.Push(func() { w.opts.Handler.Ringing(ring) })
		return
	}
}

// cancelLocked clears the current ring and notifies the handler.
func (w *Watcher) cancelLocked(reason CancelReason) {
	r := w.current
	w.current = nil
	if r.timer != nil {
		r.timer.Stop()
	}
	id := r.rec.ID
	w.notes.Push(func() { w.opts.Handler.RingCancelled(id, reason) })
}

// take makes callID inert and clears it if it is the ringing call.
func (w *Watcher) take(callID string, reason CancelReason) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrClosed
	}
	if w.current == nil || w.current.rec.ID != callID {
		return fmt.Errorf("%w: %s", ErrNoRing, callID)
	}
	w.inert[callID] = struct{}{}
	delete(w.deadlines, callID)
	if reason == ReasonAccepted {
		w.accepting = true
	}
	w.cancelLocked(reason)
	return nil
}

func (w *Watcher) expire(callID string) {
	if err := w.take(callID, ReasonExpired); err != nil {
		return
	}
	w.logger.Info("incoming call not answered", "call_id", callID, "window", w.opts.RingWindow)
	w.opts.Metrics.Inc(metrics.RingsExpired)

	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := w.end(ctx, callID); err != nil {
		w.logger.Warn("auto-decline failed", "call_id", callID, "err", err)
	}
	w.Rescan()
}

// Decline ends the ringing call without joining it.
func (w *Watcher) Decline(ctx context.Context, callID string) error {
	if err := w.take(callID, ReasonDeclined); err != nil {
		return err
	}
	w.logger.Info("incoming call declined", "call_id", callID)
	w.opts.Metrics.Inc(metrics.RingsDeclined)
	err := w.end(ctx, callID)
	w.Rescan()
	return err
}

// Accept hands the ringing call to the Acceptor. If the hand-off fails the
// call is ended, as if declined, so the caller is not left waiting.
func (w *Watcher) Accept(ctx context.Context, callID string) error {
	if err := w.take(callID, ReasonAccepted); err != nil {
		return err
	}
	w.logger.Info("incoming call accepted", "call_id", callID)
	w.opts.Metrics.Inc(metrics.RingsAccepted)

	var err error
	if w.opts.Acceptor == nil {
		err = errors.New("no acceptor")
	} else {
		err = w.opts.Acceptor.JoinCall(ctx, callID)
	}

	w.mu.Lock()
	w.accepting = false
	w.mu.Unlock()

	if err != nil {
		w.logger.Warn("accepted call could not be joined; ending it", "call_id", callID, "err", err)
		// ctx may be the reason JoinCall failed.
		endCtx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		defer cancel()
		if endErr := w.end(endCtx, callID); endErr != nil {
			w.logger.Warn("ending unjoined call failed", "call_id", callID, "err", endErr)
		}
		w.Rescan()
		return fmt.Errorf("accept %s: %w", callID, err)
	}
	w.Rescan()
	return nil
}

func (w *Watcher) end(ctx context.Context, callID string) error {
	_, err := w.opts.Channel.UpdateCall(ctx, callID, callrecord.StatusPatch(callrecord.StatusEnded))
	if err != nil && !errors.Is(err, callrecord.ErrCallEnded) && !errors.Is(err, mailbox.ErrNotFound) {
		return fmt.Errorf("end call %s: %w", callID, err)
	}
	return nil
}

type nopHandler struct{}

func (nopHandler) Ringing(Ring)                       {}
func (nopHandler) RingCancelled(string, CancelReason) {}
