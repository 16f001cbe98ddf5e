package call_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/SAASIMAHMEDW/BridgeCall-MobileApp/internal/call"
	"github.com/SAASIMAHMEDW/BridgeCall-MobileApp/internal/callrecord"
	"github.com/SAASIMAHMEDW/BridgeCall-MobileApp/internal/mailbox"
	"github.com/SAASIMAHMEDW/BridgeCall-MobileApp/internal/negotiation"
)

const (
	offerSDP  = "v=0 offer"
	answerSDP = "v=0 answer"
)

type fakeEngine struct {
	h negotiation.Handlers

	initErr   error
	blockInit bool

	mu         sync.Mutex
	inited     bool
	closed     int
	remote     []webrtc.SessionDescription
	candidates []string
	unblock    chan struct{}
	closeOnce  sync.Once
}

func (e *fakeEngine) Init(ctx context.Context, cfg negotiation.Config) error {
	if e.blockInit {
		<-e.unblock
		return negotiation.ErrNegotiationState
	}
	if e.initErr != nil {
		return e.initErr
	}
	e.mu.Lock()
	e.inited = true
	e.mu.Unlock()
	if e.h.OnLocalStream != nil {
		e.h.OnLocalStream(negotiation.NewLocalMedia("local", nil, nil))
	}
	return nil
}

func (e *fakeEngine) CreateOffer(ctx context.Context) (webrtc.SessionDescription, error) {
	e.h.OnICECandidate(webrtc.ICECandidateInit{Candidate: "candidate:offer-1"})
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offerSDP}, nil
}

func (e *fakeEngine) CreateAnswer(ctx context.Context) (webrtc.SessionDescription, error) {
	e.mu.Lock()
	n := len(e.remote)
	e.mu.Unlock()
	if n == 0 {
		return webrtc.SessionDescription{}, negotiation.ErrNegotiationState
	}
	e.h.OnICECandidate(webrtc.ICECandidateInit{Candidate: "candidate:answer-1"})
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: answerSDP}, nil
}

func (e *fakeEngine) SetRemoteDescription(ctx context.Context, desc webrtc.SessionDescription) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.remote) > 0 {
		return negotiation.ErrNegotiationState
	}
	e.remote = append(e.remote, desc)
	return nil
}

func (e *fakeEngine) AddICECandidate(c webrtc.ICECandidateInit) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.candidates = append(e.candidates, c.Candidate)
	return nil
}

func (e *fakeEngine) Close() error {
	e.mu.Lock()
	e.closed++
	e.mu.Unlock()
	e.closeOnce.Do(func() { close(e.unblock) })
	return nil
}

func (e *fakeEngine) snapshot() (remote []webrtc.SessionDescription, candidates []string, closed int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]webrtc.SessionDescription(nil), e.remote...), append([]string(nil), e.candidates...), e.closed
}

// engines records every fakeEngine a factory hands out.
type engines struct {
	configure func(*fakeEngine)

	mu  sync.Mutex
	all []*fakeEngine
}

func (f *engines) factory(h negotiation.Handlers) call.Engine {
	e := &fakeEngine{h: h, unblock: make(chan struct{})}
	if f.configure != nil {
		f.configure(e)
	}
	f.mu.Lock()
	f.all = append(f.all, e)
	f.mu.Unlock()
	return e
}

func (f *engines) wait(t *testing.T) *fakeEngine {
	t.Helper()
	var e *fakeEngine
	waitUntil(t, func() bool {
		f.mu.Lock()
		defer f.mu.Unlock()
		if len(f.all) == 0 {
			return false
		}
		e = f.all[len(f.all)-1]
		return true
	})
	return e
}

type recordingUI struct {
	mu       sync.Mutex
	local    int
	remote   int
	statuses []string
	errors   []call.ErrorKind
}

func (u *recordingUI) OnLocalStream(*negotiation.LocalMedia) {
	u.mu.Lock()
	u.local++
	u.mu.Unlock()
}

func (u *recordingUI) OnRemoteStream(negotiation.RemoteStream) {
	u.mu.Lock()
	u.remote++
	u.mu.Unlock()
}

func (u *recordingUI) OnConnectionStatus(text string) {
	u.mu.Lock()
	u.statuses = append(u.statuses, text)
	u.mu.Unlock()
}

func (u *recordingUI) OnError(kind call.ErrorKind, message string) {
	u.mu.Lock()
	u.errors = append(u.errors, kind)
	u.mu.Unlock()
}

func (u *recordingUI) count(status string) int {
	u.mu.Lock()
	defer u.mu.Unlock()
	n := 0
	for _, s := range u.statuses {
		if s == status {
			n++
		}
	}
	return n
}

func (u *recordingUI) errorKinds() []call.ErrorKind {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]call.ErrorKind(nil), u.errors...)
}

type recordingNav struct {
	canGoBack bool
	backs     atomic.Int32
	homes     atomic.Int32
}

func (n *recordingNav) Back() bool {
	n.backs.Add(1)
	return n.canGoBack
}

func (n *recordingNav) ResetHome() { n.homes.Add(1) }

// countingChannel counts writes that end a call and can fail updates.
type countingChannel struct {
	mailbox.Channel

	endWrites atomic.Int32
	// failUpdates makes the next n UpdateCall calls fail; negative fails all.
	failUpdates atomic.Int32
}

var errTransient = errors.New("backend unavailable")

func (c *countingChannel) UpdateCall(ctx context.Context, id string, p callrecord.Patch) (callrecord.Record, error) {
	if n := c.failUpdates.Load(); n != 0 {
		if n > 0 {
			c.failUpdates.Add(-1)
		}
		return callrecord.Record{}, errTransient
	}
	if p.OnlyEnds() {
		c.endWrites.Add(1)
	}
	return c.Channel.UpdateCall(ctx, id, p)
}

func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not met before deadline")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func waitDone(t *testing.T, c *call.Coordinator) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.Wait(ctx); err != nil {
		t.Fatalf("coordinator did not finish: %v", err)
	}
}

func getCall(t *testing.T, ch mailbox.Channel, id string) callrecord.Record {
	t.Helper()
	rec, err := ch.GetCall(context.Background(), id)
	if err != nil {
		t.Fatalf("GetCall(%s): %v", id, err)
	}
	return rec
}

func createCall(t *testing.T, ch mailbox.Channel, id string) callrecord.Record {
	t.Helper()
	rec, err := ch.CreateCall(context.Background(), callrecord.New(id, "alice", "bob", "Alice", "Bob", time.Now()))
	if err != nil {
		t.Fatalf("CreateCall: %v", err)
	}
	return rec
}

func fastRetry() call.Retry {
	return call.Retry{Attempts: 3, BaseDelay: time.Millisecond, MaxDelay: 4 * time.Millisecond}
}
