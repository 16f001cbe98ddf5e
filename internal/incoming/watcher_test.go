package incoming_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/SAASIMAHMEDW/BridgeCall-MobileApp/internal/callrecord"
	"github.com/SAASIMAHMEDW/BridgeCall-MobileApp/internal/incoming"
	"github.com/SAASIMAHMEDW/BridgeCall-MobileApp/internal/mailbox"
	"github.com/SAASIMAHMEDW/BridgeCall-MobileApp/internal/metrics"
)

type note struct {
	ringing  bool
	callID   string
	reason   incoming.CancelReason
	expires  time.Time
	callerID string
}

type recordingHandler struct {
	notes chan note
}

func newHandler() *recordingHandler {
	return &recordingHandler{notes: make(chan note, 32)}
}

func (h *recordingHandler) Ringing(r incoming.Ring) {
	h.notes <- note{ringing: true, callID: r.Call.ID, expires: r.ExpiresAt, callerID: r.Call.CallerID}
}

func (h *recordingHandler) RingCancelled(callID string, reason incoming.CancelReason) {
	h.notes <- note{callID: callID, reason: reason}
}

func (h *recordingHandler) next(t *testing.T) note {
	t.Helper()
	select {
	case n := <-h.notes:
		return n
	case <-time.After(5 * time.Second):
		t.Fatalf("no notification")
		return note{}
	}
}

func (h *recordingHandler) none(t *testing.T) {
	t.Helper()
	select {
	case n := <-h.notes:
		t.Fatalf("unexpected notification %+v", n)
	case <-time.After(50 * time.Millisecond):
	}
}

// fakeTimers hands out timers that only fire when the test says so.
type fakeTimers struct {
	mu     sync.Mutex
	timers []*fakeTimer
}

type fakeTimer struct {
	d       time.Duration
	f       func()
	stopped atomic.Bool
}

func (t *fakeTimer) Stop() bool { return !t.stopped.Swap(true) }

func (ft *fakeTimers) AfterFunc(d time.Duration, f func()) incoming.Timer {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	t := &fakeTimer{d: d, f: f}
	ft.timers = append(ft.timers, t)
	return t
}

func (ft *fakeTimers) fireLast(t *testing.T) {
	t.Helper()
	ft.mu.Lock()
	if len(ft.timers) == 0 {
		ft.mu.Unlock()
		t.Fatalf("no timer armed")
	}
	timer := ft.timers[len(ft.timers)-1]
	ft.mu.Unlock()
	if timer.stopped.Load() {
		t.Fatalf("last timer already stopped")
	}
	timer.f()
}

type fakeAcceptor struct {
	joined chan string
	err    error
	// release, when set, holds JoinCall until it is closed.
	release chan struct{}
}

func (a *fakeAcceptor) JoinCall(ctx context.Context, callID string) error {
	a.joined <- callID
	if a.release != nil {
		<-a.release
	}
	return a.err
}

type fixture struct {
	mem      *mailbox.Memory
	handler  *recordingHandler
	timers   *fakeTimers
	acceptor *fakeAcceptor
	metrics  *metrics.Metrics
	busy     atomic.Bool
	w        *incoming.Watcher
	now      time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		mem:      mailbox.NewMemory(),
		handler:  newHandler(),
		timers:   &fakeTimers{},
		acceptor: &fakeAcceptor{joined: make(chan string, 4)},
		metrics:  metrics.New(),
		now:      time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
	}
	f.w = incoming.New(incoming.Options{
		Identity:  "bob",
		Channel:   f.mem,
		Handler:   f.handler,
		Acceptor:  f.acceptor,
		Busy:      f.busy.Load,
		Metrics:   f.metrics,
		AfterFunc: f.timers.AfterFunc,
		Now:       func() time.Time { return f.now },
	})
	t.Cleanup(func() {
		f.w.Close()
		_ = f.mem.Close()
	})
	return f
}

func (f *fixture) create(t *testing.T, id string, at time.Time) {
	t.Helper()
	if _, err := f.mem.CreateCall(context.Background(), callrecord.New(id, "alice", "bob", "Alice", "Bob", at)); err != nil {
		t.Fatalf("CreateCall(%s): %v", id, err)
	}
}

func (f *fixture) status(t *testing.T, id string) callrecord.Status {
	t.Helper()
	rec, err := f.mem.GetCall(context.Background(), id)
	if err != nil {
		t.Fatalf("GetCall(%s): %v", id, err)
	}
	return rec.Status
}

func TestWatcher_SurfacesOldestFirst(t *testing.T) {
	f := newFixture(t)
	f.create(t, "late", f.now.Add(time.Second))
	f.create(t, "early", f.now)

	if err := f.w.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	n := f.handler.next(t)
	if !n.ringing || n.callID != "early" || n.callerID != "alice" {
		t.Fatalf("first notification=%+v, want ring for early", n)
	}
	if want := f.now.Add(incoming.DefaultRingWindow); !n.expires.Equal(want) {
		t.Fatalf("expires=%v, want %v", n.expires, want)
	}
	if f.timers.timers[0].d != incoming.DefaultRingWindow {
		t.Fatalf("ring window=%v, want %v", f.timers.timers[0].d, incoming.DefaultRingWindow)
	}
	f.handler.none(t)
	if r, ok := f.w.Current(); !ok || r.Call.ID != "early" {
		t.Fatalf("Current=%+v,%v", r, ok)
	}
}

func TestWatcher_ExpiryEndsCallAndMovesOn(t *testing.T) {
	f := newFixture(t)
	f.create(t, "c1", f.now)
	f.create(t, "c2", f.now.Add(time.Second))
	if err := f.w.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if n := f.handler.next(t); n.callID != "c1" {
		t.Fatalf("ring=%+v, want c1", n)
	}

	f.timers.fireLast(t)
	if n := f.handler.next(t); n.ringing || n.callID != "c1" || n.reason != incoming.ReasonExpired {
		t.Fatalf("notification=%+v, want c1 expired", n)
	}
	if got := f.status(t, "c1"); got != callrecord.StatusEnded {
		t.Fatalf("c1 status=%s, want ended", got)
	}
	if n := f.handler.next(t); !n.ringing || n.callID != "c2" {
		t.Fatalf("notification=%+v, want ring for c2", n)
	}
	if got := f.metrics.Get(metrics.RingsExpired); got != 1 {
		t.Fatalf("expired=%d, want 1", got)
	}
	if err := f.w.Accept(context.Background(), "c1"); !errors.Is(err, incoming.ErrNoRing) {
		t.Fatalf("Accept(expired) err=%v, want ErrNoRing", err)
	}
}

func TestWatcher_DeclineWritesEnded(t *testing.T) {
	f := newFixture(t)
	f.create(t, "c1", f.now)
	if err := f.w.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	f.handler.next(t)

	if err := f.w.Decline(context.Background(), "c1"); err != nil {
		t.Fatalf("Decline: %v", err)
	}
	if n := f.handler.next(t); n.reason != incoming.ReasonDeclined {
		t.Fatalf("notification=%+v, want declined", n)
	}
	if got := f.status(t, "c1"); got != callrecord.StatusEnded {
		t.Fatalf("status=%s, want ended", got)
	}
	f.handler.none(t)
	if err := f.w.Decline(context.Background(), "c1"); !errors.Is(err, incoming.ErrNoRing) {
		t.Fatalf("second Decline err=%v, want ErrNoRing", err)
	}
	select {
	case id := <-f.acceptor.joined:
		t.Fatalf("declined call %s was joined", id)
	default:
	}
}

func TestWatcher_AcceptHandsOff(t *testing.T) {
	f := newFixture(t)
	f.create(t, "c1", f.now)
	if err := f.w.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	f.handler.next(t)

	f.busy.Store(true)
	if err := f.w.Accept(context.Background(), "c1"); err != nil {
		t.Fatalf("Accept: %v", err)
	}
	if id := <-f.acceptor.joined; id != "c1" {
		t.Fatalf("joined %s, want c1", id)
	}
	if n := f.handler.next(t); n.reason != incoming.ReasonAccepted {
		t.Fatalf("notification=%+v, want accepted", n)
	}
	if got := f.status(t, "c1"); got != callrecord.StatusInitiated {
		t.Fatalf("accepting must not write: status=%s", got)
	}

	// While busy, new calls wait.
	f.create(t, "c2", f.now.Add(time.Second))
	f.handler.none(t)

	f.busy.Store(false)
	f.w.Rescan()
	if n := f.handler.next(t); !n.ringing || n.callID != "c2" {
		t.Fatalf("notification=%+v, want ring for c2 (c1 is inert)", n)
	}
}

func TestWatcher_AcceptError(t *testing.T) {
	f := newFixture(t)
	f.acceptor.err = errors.New("media busy")
	f.create(t, "c1", f.now)
	if err := f.w.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	f.handler.next(t)
	if err := f.w.Accept(context.Background(), "c1"); err == nil {
		t.Fatalf("Accept err=nil, want acceptor error")
	}
	if n := f.handler.next(t); n.reason != incoming.ReasonAccepted {
		t.Fatalf("notification=%+v, want accepted", n)
	}
	if got := f.status(t, "c1"); got != callrecord.StatusEnded {
		t.Fatalf("status after failed join=%s, want ended", got)
	}
	f.w.Rescan()
	f.handler.none(t)
	if _, ok := f.w.Current(); ok {
		t.Fatalf("a ring is left behind after the failed join")
	}
}

func TestWatcher_AcceptErrorWithCancelledContext(t *testing.T) {
	f := newFixture(t)
	f.acceptor.err = context.Canceled
	f.create(t, "c1", f.now)
	f.create(t, "c2", f.now.Add(time.Second))
	if err := f.w.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	f.handler.next(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := f.w.Accept(ctx, "c1"); !errors.Is(err, context.Canceled) {
		t.Fatalf("Accept err=%v, want context.Canceled", err)
	}
	if got := f.status(t, "c1"); got != callrecord.StatusEnded {
		t.Fatalf("c1 status=%s, want ended", got)
	}
	f.handler.next(t) // accepted
	if n := f.handler.next(t); !n.ringing || n.callID != "c2" {
		t.Fatalf("notification=%+v, want ring for c2", n)
	}
}

func TestWatcher_NoRingDuringHandOff(t *testing.T) {
	f := newFixture(t)
	f.acceptor.release = make(chan struct{})
	f.create(t, "c1", f.now)
	if err := f.w.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	f.handler.next(t)

	done := make(chan error, 1)
	go func() { done <- f.w.Accept(context.Background(), "c1") }()
	<-f.acceptor.joined
	f.handler.next(t) // accepted

	// The acceptor has not reported busy yet; c2 must still wait.
	f.create(t, "c2", f.now.Add(time.Second))
	f.handler.none(t)

	f.busy.Store(true)
	close(f.acceptor.release)
	if err := <-done; err != nil {
		t.Fatalf("Accept: %v", err)
	}
	f.handler.none(t)

	f.busy.Store(false)
	f.w.Rescan()
	if n := f.handler.next(t); !n.ringing || n.callID != "c2" {
		t.Fatalf("notification=%+v, want ring for c2", n)
	}
}

func TestWatcher_CallerCancels(t *testing.T) {
	f := newFixture(t)
	f.create(t, "c1", f.now)
	if err := f.w.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	f.handler.next(t)

	if _, err := f.mem.UpdateCall(context.Background(), "c1", callrecord.StatusPatch(callrecord.StatusEnded)); err != nil {
		t.Fatalf("end: %v", err)
	}
	if n := f.handler.next(t); n.reason != incoming.ReasonCallerCancelled || n.callID != "c1" {
		t.Fatalf("notification=%+v, want caller_cancelled", n)
	}
	if _, ok := f.w.Current(); ok {
		t.Fatalf("still ringing")
	}
}

func TestWatcher_ResumeResubscribes(t *testing.T) {
	f := newFixture(t)
	if err := f.w.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	f.create(t, "c1", f.now)
	f.handler.next(t)

	f.w.Stop()
	if n := f.handler.next(t); n.reason != incoming.ReasonStopped {
		t.Fatalf("notification=%+v, want stopped", n)
	}
	f.create(t, "c2", f.now.Add(time.Second))
	f.handler.none(t)

	if err := f.w.Resume(context.Background()); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if n := f.handler.next(t); !n.ringing || n.callID != "c1" {
		t.Fatalf("notification=%+v, want c1 ringing again", n)
	}
}

func TestWatcher_ClosedRejects(t *testing.T) {
	f := newFixture(t)
	f.w.Close()
	if err := f.w.Start(context.Background()); !errors.Is(err, incoming.ErrClosed) {
		t.Fatalf("Start after Close err=%v, want ErrClosed", err)
	}
	f.w.Close()
}

func TestWatcher_ResumeKeepsRingDeadline(t *testing.T) {
	f := newFixture(t)
	f.create(t, "c1", f.now)
	if err := f.w.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	first := f.handler.next(t)

	f.w.Stop()
	f.handler.next(t) // stopped
	f.w.Rescan()
	f.handler.none(t)

	f.now = f.now.Add(10 * time.Second)
	if err := f.w.Resume(context.Background()); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	again := f.handler.next(t)
	if !again.ringing || !again.expires.Equal(first.expires) {
		t.Fatalf("ring after Resume=%+v, want expiry %v", again, first.expires)
	}
	f.timers.mu.Lock()
	d := f.timers.timers[len(f.timers.timers)-1].d
	f.timers.mu.Unlock()
	if want := incoming.DefaultRingWindow - 10*time.Second; d != want {
		t.Fatalf("remaining window=%v, want %v", d, want)
	}
}

// capturingChannel keeps the incoming callbacks handed to it.
type capturingChannel struct {
	mailbox.Channel
	mu  sync.Mutex
	fns []mailbox.IncomingFunc
}

func (c *capturingChannel) SubscribeToIncoming(ctx context.Context, calleeID string, fn mailbox.IncomingFunc) (mailbox.Unsubscribe, error) {
	c.mu.Lock()
	c.fns = append(c.fns, fn)
	c.mu.Unlock()
	return func() {}, nil
}

func TestWatcher_IgnoresListsAfterStop(t *testing.T) {
	mem := mailbox.NewMemory()
	defer mem.Close()
	ch := &capturingChannel{Channel: mem}
	h := newHandler()
	timers := &fakeTimers{}
	w := incoming.New(incoming.Options{Identity: "bob", Channel: ch, Handler: h, AfterFunc: timers.AfterFunc})
	defer w.Close()

	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	stale := ch.fns[0]
	w.Stop()

	stale([]callrecord.Record{callrecord.New("c1", "alice", "bob", "Alice", "Bob", time.Now())})
	h.none(t)
	if _, ok := w.Current(); ok {
		t.Fatalf("list from a stopped subscription surfaced a ring")
	}
	if len(timers.timers) != 0 {
		t.Fatalf("ring timer armed after Stop")
	}

	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	ch.fns[1]([]callrecord.Record{callrecord.New("c1", "alice", "bob", "Alice", "Bob", time.Now())})
	if n := h.next(t); !n.ringing || n.callID != "c1" {
		t.Fatalf("notification=%+v, want ring from the live subscription", n)
	}
}
