package call_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/SAASIMAHMEDW/BridgeCall-MobileApp/internal/call"
	"github.com/SAASIMAHMEDW/BridgeCall-MobileApp/internal/callrecord"
	"github.com/SAASIMAHMEDW/BridgeCall-MobileApp/internal/mailbox"
	"github.com/SAASIMAHMEDW/BridgeCall-MobileApp/internal/metrics"
	"github.com/SAASIMAHMEDW/BridgeCall-MobileApp/internal/negotiation"
)

func TestResolveRole(t *testing.T) {
	rec := callrecord.New("c1", "alice", "bob", "", "", time.Unix(1700000000, 0))
	cases := []struct {
		identity string
		want     call.Role
		wantErr  bool
	}{
		{"alice", call.RoleCaller, false},
		{"bob", call.RoleCallee, false},
		{"mallory", call.RoleUnknown, true},
		{"", call.RoleUnknown, true},
	}
	for _, tc := range cases {
		got, err := call.ResolveRole(rec, tc.identity)
		if got != tc.want || (err != nil) != tc.wantErr {
			t.Fatalf("ResolveRole(%q)=(%v, %v), want %v (err=%v)", tc.identity, got, err, tc.want, tc.wantErr)
		}
		if err != nil && !errors.Is(err, call.ErrRoleResolution) {
			t.Fatalf("err=%v, want ErrRoleResolution", err)
		}
	}

	self := callrecord.New("c2", "alice", "alice", "", "", time.Unix(1700000000, 0))
	if _, err := call.ResolveRole(self, "alice"); !errors.Is(err, call.ErrRoleResolution) {
		t.Fatalf("self call err=%v, want ErrRoleResolution", err)
	}
}

func TestKindOf(t *testing.T) {
	cases := []struct {
		err  error
		want call.ErrorKind
	}{
		{fmt.Errorf("x: %w", negotiation.ErrMediaAccessDenied), call.KindMediaAccessDenied},
		{negotiation.ErrMediaDeviceNotFound, call.KindMediaDeviceNotFound},
		{negotiation.ErrMediaDeviceBusy, call.KindMediaDeviceBusy},
		{negotiation.ErrNegotiationInitFailed, call.KindNegotiationInitFailed},
		{negotiation.ErrNegotiationState, call.KindNegotiationState},
		{fmt.Errorf("%w: %w", call.ErrSignalingWrite, callrecord.ErrOfferAlreadySet), call.KindNegotiationState},
		{fmt.Errorf("%w: %w", call.ErrSignalingWrite, errTransient), call.KindSignalingWriteFailed},
		{call.ErrRoleResolution, call.KindRoleResolutionFailed},
		{fmt.Errorf("load: %w", mailbox.ErrNotFound), call.KindCallNotFound},
		{errors.New("boom"), call.KindUnknown},
	}
	for _, tc := range cases {
		if got := call.KindOf(tc.err); got != tc.want {
			t.Fatalf("KindOf(%v)=%q, want %q", tc.err, got, tc.want)
		}
	}
}

type harness struct {
	ch       *countingChannel
	presence *mailbox.PresenceBook
	engines  *engines
	ui       *recordingUI
	nav      *recordingNav
	metrics  *metrics.Metrics
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	mem := mailbox.NewMemory()
	t.Cleanup(func() { _ = mem.Close() })
	return &harness{
		ch:       &countingChannel{Channel: mem},
		presence: mailbox.NewPresenceBook(),
		engines:  &engines{},
		ui:       &recordingUI{},
		nav:      &recordingNav{canGoBack: true},
		metrics:  metrics.New(),
	}
}

func (h *harness) coordinator(identity, callID string) *call.Coordinator {
	return call.NewCoordinator(call.Options{
		Identity:  identity,
		CallID:    callID,
		Channel:   h.ch,
		Presence:  h.presence,
		NewEngine: h.engines.factory,
		UI:        h.ui,
		Navigator: h.nav,
		Retry:     fastRetry(),
		Metrics:   h.metrics,
	})
}

func TestCoordinator_CallerWritesOfferAndAppliesAnswerOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	createCall(t, h.ch, "c1")

	c := h.coordinator("alice", "c1")
	if err := c.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(c.EndCall)
	if c.Role() != call.RoleCaller {
		t.Fatalf("role=%v, want caller", c.Role())
	}
	engine := h.engines.wait(t)

	waitUntil(t, func() bool {
		rec := getCall(t, h.ch, "c1")
		return rec.Offer != nil && len(rec.OfferCandidates) == 1
	})
	rec := getCall(t, h.ch, "c1")
	if rec.Offer.SDP != offerSDP || rec.Offer.Type != "offer" {
		t.Fatalf("offer=%+v", rec.Offer)
	}
	if rec.OfferCandidates[0].Candidate != "candidate:offer-1" {
		t.Fatalf("offerCandidates=%+v", rec.OfferCandidates)
	}
	waitUntil(t, func() bool { return c.State() == call.StateCallerNegotiating })

	// The callee answers, then trickles two candidates.
	answer := callrecord.SessionDescription{Type: "answer", SDP: answerSDP}
	connected := callrecord.StatusConnected
	if _, err := h.ch.UpdateCall(ctx, "c1", callrecord.Patch{Answer: &answer, Status: &connected}); err != nil {
		t.Fatalf("write answer: %v", err)
	}
	for _, cand := range []string{"candidate:b1", "candidate:b2"} {
		if _, err := h.ch.UpdateCall(ctx, "c1", callrecord.Patch{AnswerCandidates: []callrecord.Candidate{{Candidate: cand}}}); err != nil {
			t.Fatalf("append %s: %v", cand, err)
		}
	}
	// Rewriting the same answer bumps the version but must not re-apply it.
	if _, err := h.ch.UpdateCall(ctx, "c1", callrecord.Patch{Answer: &answer}); err != nil {
		t.Fatalf("rewrite answer: %v", err)
	}

	waitUntil(t, func() bool {
		_, cands, _ := engine.snapshot()
		return len(cands) == 2
	})
	remote, cands, _ := engine.snapshot()
	if len(remote) != 1 || remote[0].Type != webrtc.SDPTypeAnswer || remote[0].SDP != answerSDP {
		t.Fatalf("remote descriptions=%+v, want the answer once", remote)
	}
	if cands[0] != "candidate:b1" || cands[1] != "candidate:b2" {
		t.Fatalf("candidates=%v, want arrival order", cands)
	}

	engine.h.OnRemoteStream(negotiation.RemoteStream{ID: "remote"})
	engine.h.OnConnectionState(webrtc.PeerConnectionStateConnected)
	waitUntil(t, func() bool { return c.State() == call.StateConnected })
	waitUntil(t, func() bool { return h.presence.Get("alice") == mailbox.PresenceInCall })
	if n := h.ui.count(call.StatusConnected); n != 1 {
		t.Fatalf("Connected reported %d times, want 1", n)
	}
	if h.ui.count(call.StatusConnecting) != 1 {
		t.Fatalf("Connecting reported %d times, want 1", h.ui.count(call.StatusConnecting))
	}
}

func TestCoordinator_CalleeAnswersOffer(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	createCall(t, h.ch, "c1")
	offer := callrecord.SessionDescription{Type: "offer", SDP: offerSDP}
	if _, err := h.ch.UpdateCall(ctx, "c1", callrecord.Patch{
		Offer:           &offer,
		OfferCandidates: []callrecord.Candidate{{Candidate: "candidate:a1"}, {Candidate: "candidate:a2"}},
	}); err != nil {
		t.Fatalf("write offer: %v", err)
	}

	c := h.coordinator("bob", "c1")
	if err := c.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(c.EndCall)
	if c.Role() != call.RoleCallee {
		t.Fatalf("role=%v, want callee", c.Role())
	}
	engine := h.engines.wait(t)

	waitUntil(t, func() bool {
		rec := getCall(t, h.ch, "c1")
		return rec.Answer != nil && len(rec.AnswerCandidates) == 1
	})
	rec := getCall(t, h.ch, "c1")
	if rec.Status != callrecord.StatusConnected || rec.Answer.SDP != answerSDP {
		t.Fatalf("record status=%s answer=%+v", rec.Status, rec.Answer)
	}

	if _, err := h.ch.UpdateCall(ctx, "c1", callrecord.Patch{OfferCandidates: []callrecord.Candidate{{Candidate: "candidate:a3"}}}); err != nil {
		t.Fatalf("append: %v", err)
	}
	waitUntil(t, func() bool {
		_, cands, _ := engine.snapshot()
		return len(cands) == 3
	})
	remote, cands, _ := engine.snapshot()
	if len(remote) != 1 || remote[0].Type != webrtc.SDPTypeOffer {
		t.Fatalf("remote=%+v, want the offer once", remote)
	}
	want := []string{"candidate:a1", "candidate:a2", "candidate:a3"}
	for i := range want {
		if cands[i] != want[i] {
			t.Fatalf("candidates=%v, want %v", cands, want)
		}
	}
	if c.State() != call.StateCalleeNegotiating {
		t.Fatalf("state=%v, want callee_negotiating", c.State())
	}
}

func TestCoordinator_RemoteEndTearsDownWithoutWriting(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	createCall(t, h.ch, "c1")

	c := h.coordinator("alice", "c1")
	if err := c.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	engine := h.engines.wait(t)
	waitUntil(t, func() bool { return getCall(t, h.ch, "c1").Offer != nil })

	// The callee declines.
	if _, err := h.ch.Channel.UpdateCall(ctx, "c1", callrecord.StatusPatch(callrecord.StatusEnded)); err != nil {
		t.Fatalf("end: %v", err)
	}
	waitDone(t, c)

	if c.State() != call.StateEnded {
		t.Fatalf("state=%v, want ended", c.State())
	}
	if n := h.ch.endWrites.Load(); n != 0 {
		t.Fatalf("coordinator wrote ended %d times, want 0", n)
	}
	if _, _, closed := engine.snapshot(); closed == 0 {
		t.Fatalf("engine not closed")
	}
	if h.nav.backs.Load() != 1 || h.nav.homes.Load() != 0 {
		t.Fatalf("navigation back=%d home=%d", h.nav.backs.Load(), h.nav.homes.Load())
	}
	if got := h.presence.Get("alice"); got != mailbox.PresenceOnline {
		t.Fatalf("presence=%s, want online", got)
	}

	c.EndCall()
	if n := h.ch.endWrites.Load(); n != 0 {
		t.Fatalf("EndCall after remote end wrote %d times", n)
	}
}

func TestCoordinator_EndCallIsIdempotent(t *testing.T) {
	h := newHarness(t)
	createCall(t, h.ch, "c1")

	c := h.coordinator("alice", "c1")
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	engine := h.engines.wait(t)
	waitUntil(t, func() bool { return getCall(t, h.ch, "c1").Offer != nil })

	c.EndCall()
	c.EndCall()
	waitDone(t, c)
	c.EndCall()

	if n := h.ch.endWrites.Load(); n != 1 {
		t.Fatalf("ended written %d times, want 1", n)
	}
	if got := getCall(t, h.ch, "c1").Status; got != callrecord.StatusEnded {
		t.Fatalf("status=%s, want ended", got)
	}
	if _, _, closed := engine.snapshot(); closed == 0 {
		t.Fatalf("engine not closed")
	}
	if c.State() != call.StateEnded || c.Err() != nil {
		t.Fatalf("state=%v err=%v", c.State(), c.Err())
	}
}

func TestCoordinator_RoleResolutionFailure(t *testing.T) {
	h := newHarness(t)
	h.nav.canGoBack = false
	createCall(t, h.ch, "c1")

	c := h.coordinator("mallory", "c1")
	err := c.Start(context.Background())
	if !errors.Is(err, call.ErrRoleResolution) {
		t.Fatalf("Start err=%v, want ErrRoleResolution", err)
	}
	select {
	case <-c.Done():
	default:
		t.Fatalf("coordinator not finished after failed Start")
	}
	if c.State() != call.StateFailed {
		t.Fatalf("state=%v, want failed", c.State())
	}
	if kinds := h.ui.errorKinds(); len(kinds) != 1 || kinds[0] != call.KindRoleResolutionFailed {
		t.Fatalf("ui errors=%v", kinds)
	}
	if h.ch.endWrites.Load() != 0 {
		t.Fatalf("foreign call was ended")
	}
	if h.nav.homes.Load() != 1 {
		t.Fatalf("ResetHome not called")
	}
	if err := c.Start(context.Background()); !errors.Is(err, call.ErrStarted) {
		t.Fatalf("second Start err=%v, want ErrStarted", err)
	}
}

func TestCoordinator_CallNotFound(t *testing.T) {
	h := newHarness(t)
	c := h.coordinator("alice", "missing")
	if err := c.Start(context.Background()); !errors.Is(err, mailbox.ErrNotFound) {
		t.Fatalf("Start err=%v, want ErrNotFound", err)
	}
	if kinds := h.ui.errorKinds(); len(kinds) != 1 || kinds[0] != call.KindCallNotFound {
		t.Fatalf("ui errors=%v", kinds)
	}
}

func TestCoordinator_MediaFailureEndsCall(t *testing.T) {
	h := newHarness(t)
	h.engines.configure = func(e *fakeEngine) {
		e.initErr = fmt.Errorf("%w: camera blocked", negotiation.ErrMediaAccessDenied)
	}
	createCall(t, h.ch, "c1")

	c := h.coordinator("alice", "c1")
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitDone(t, c)

	if c.State() != call.StateFailed {
		t.Fatalf("state=%v, want failed", c.State())
	}
	if !errors.Is(c.Err(), negotiation.ErrMediaAccessDenied) {
		t.Fatalf("err=%v", c.Err())
	}
	if kinds := h.ui.errorKinds(); len(kinds) != 1 || kinds[0] != call.KindMediaAccessDenied {
		t.Fatalf("ui errors=%v", kinds)
	}
	if got := getCall(t, h.ch, "c1").Status; got != callrecord.StatusEnded {
		t.Fatalf("status=%s, want ended so the peer stops waiting", got)
	}
}

func TestCoordinator_EndCallUnblocksInit(t *testing.T) {
	h := newHarness(t)
	h.engines.configure = func(e *fakeEngine) { e.blockInit = true }
	createCall(t, h.ch, "c1")

	c := h.coordinator("alice", "c1")
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	h.engines.wait(t)
	c.EndCall()
	waitDone(t, c)

	if c.State() != call.StateEnded {
		t.Fatalf("state=%v, want ended", c.State())
	}
	if kinds := h.ui.errorKinds(); len(kinds) != 0 {
		t.Fatalf("ui errors=%v, want none for a local hang-up", kinds)
	}
}

func TestCoordinator_RetriesSignalingWrites(t *testing.T) {
	h := newHarness(t)
	createCall(t, h.ch, "c1")
	h.ch.failUpdates.Store(2)

	c := h.coordinator("alice", "c1")
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(c.EndCall)

	waitUntil(t, func() bool { return getCall(t, h.ch, "c1").Offer != nil })
	if got := h.metrics.Get(metrics.SignalingWriteRetries); got != 2 {
		t.Fatalf("retries=%d, want 2", got)
	}
}

func TestCoordinator_OfferWriteExhaustionFails(t *testing.T) {
	h := newHarness(t)
	createCall(t, h.ch, "c1")
	h.ch.failUpdates.Store(-1)

	c := h.coordinator("alice", "c1")
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitDone(t, c)

	if kinds := h.ui.errorKinds(); len(kinds) != 1 || kinds[0] != call.KindSignalingWriteFailed {
		t.Fatalf("ui errors=%v", kinds)
	}
	if !errors.Is(c.Err(), call.ErrSignalingWrite) {
		t.Fatalf("err=%v, want ErrSignalingWrite", c.Err())
	}
}

func TestCoordinator_ConnectionStatusTexts(t *testing.T) {
	h := newHarness(t)
	createCall(t, h.ch, "c1")
	c := h.coordinator("alice", "c1")
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(c.EndCall)
	engine := h.engines.wait(t)
	waitUntil(t, func() bool { return c.State() == call.StateCallerNegotiating })

	engine.h.OnConnectionState(webrtc.PeerConnectionStateConnected)
	engine.h.OnConnectionState(webrtc.PeerConnectionStateDisconnected)
	engine.h.OnICERestart()
	engine.h.OnConnectionState(webrtc.PeerConnectionStateConnected)

	waitUntil(t, func() bool { return h.ui.count(call.StatusConnected) == 2 })
	for _, s := range []string{call.StatusDisconnected, call.StatusReconnecting} {
		if h.ui.count(s) != 1 {
			t.Fatalf("status %q reported %d times", s, h.ui.count(s))
		}
	}
}
