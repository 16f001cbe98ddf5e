// Package mailboxtest holds behavior tests shared by every mailbox.Channel
// implementation.
package mailboxtest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/SAASIMAHMEDW/BridgeCall-MobileApp/internal/callrecord"
	"github.com/SAASIMAHMEDW/BridgeCall-MobileApp/internal/mailbox"
)

const waitTimeout = 5 * time.Second

// Run exercises ch through every Channel operation. newChannel must return an
// empty store; cleanup is the caller's business (t.Cleanup).
func Run(t *testing.T, newChannel func(t *testing.T) mailbox.Channel) {
	t.Run("CreateGet", func(t *testing.T) { testCreateGet(t, newChannel(t)) })
	t.Run("Update", func(t *testing.T) { testUpdate(t, newChannel(t)) })
	t.Run("SubscribeToCall", func(t *testing.T) { testSubscribeToCall(t, newChannel(t)) })
	t.Run("SubscribeToIncoming", func(t *testing.T) { testSubscribeToIncoming(t, newChannel(t)) })
	t.Run("Unsubscribe", func(t *testing.T) { testUnsubscribe(t, newChannel(t)) })
	t.Run("ConcurrentCandidateAppends", func(t *testing.T) { testConcurrentAppends(t, newChannel(t)) })
}

// NewRecord returns a valid initiated record between alice and bob.
func NewRecord(id string) callrecord.Record {
	return callrecord.New(id, "alice", "bob", "Alice", "Bob", time.Now())
}

func testCreateGet(t *testing.T, ch mailbox.Channel) {
	ctx := context.Background()
	created, err := ch.CreateCall(ctx, NewRecord("c1"))
	if err != nil {
		t.Fatalf("CreateCall: %v", err)
	}
	if created.Status != callrecord.StatusInitiated {
		t.Fatalf("status=%q, want initiated", created.Status)
	}
	if created.Version <= 0 {
		t.Fatalf("version=%d, want > 0", created.Version)
	}

	got, err := ch.GetCall(ctx, "c1")
	if err != nil {
		t.Fatalf("GetCall: %v", err)
	}
	if got.CallerID != "alice" || got.CalleeID != "bob" || got.CallerName != "Alice" {
		t.Fatalf("got=%+v", got)
	}
	if got.Offer != nil || len(got.OfferCandidates) != 0 {
		t.Fatalf("new record has offer state: %+v", got)
	}

	if _, err := ch.CreateCall(ctx, NewRecord("c1")); !errors.Is(err, mailbox.ErrCallExists) {
		t.Fatalf("duplicate create err=%v, want ErrCallExists", err)
	}
	if _, err := ch.GetCall(ctx, "missing"); !errors.Is(err, mailbox.ErrNotFound) {
		t.Fatalf("get missing err=%v, want ErrNotFound", err)
	}
	bad := NewRecord("c2")
	bad.CalleeID = ""
	if _, err := ch.CreateCall(ctx, bad); !errors.Is(err, callrecord.ErrInvalidRecord) {
		t.Fatalf("invalid create err=%v, want ErrInvalidRecord", err)
	}
}

func testUpdate(t *testing.T, ch mailbox.Channel) {
	ctx := context.Background()
	created, err := ch.CreateCall(ctx, NewRecord("c1"))
	if err != nil {
		t.Fatalf("CreateCall: %v", err)
	}

	offer := callrecord.SessionDescription{Type: "offer", SDP: "v=0 offer"}
	rec, err := ch.UpdateCall(ctx, "c1", callrecord.Patch{Offer: &offer})
	if err != nil {
		t.Fatalf("UpdateCall offer: %v", err)
	}
	if rec.Offer == nil || rec.Offer.SDP != offer.SDP {
		t.Fatalf("offer=%+v", rec.Offer)
	}
	if rec.Version <= created.Version {
		t.Fatalf("version=%d, want > %d", rec.Version, created.Version)
	}

	rec, err = ch.UpdateCall(ctx, "c1", callrecord.Patch{OfferCandidates: []callrecord.Candidate{{Candidate: "cand-1"}}})
	if err != nil {
		t.Fatalf("UpdateCall candidate: %v", err)
	}
	rec, err = ch.UpdateCall(ctx, "c1", callrecord.Patch{OfferCandidates: []callrecord.Candidate{{Candidate: "cand-2"}}})
	if err != nil {
		t.Fatalf("UpdateCall candidate: %v", err)
	}
	if len(rec.OfferCandidates) != 2 || rec.OfferCandidates[1].Candidate != "cand-2" {
		t.Fatalf("offerCandidates=%+v", rec.OfferCandidates)
	}

	other := callrecord.SessionDescription{Type: "offer", SDP: "v=0 other"}
	if _, err := ch.UpdateCall(ctx, "c1", callrecord.Patch{Offer: &other}); !errors.Is(err, callrecord.ErrOfferAlreadySet) {
		t.Fatalf("second offer err=%v, want ErrOfferAlreadySet", err)
	}

	if _, err := ch.UpdateCall(ctx, "c1", callrecord.StatusPatch(callrecord.StatusEnded)); err != nil {
		t.Fatalf("end: %v", err)
	}
	if _, err := ch.UpdateCall(ctx, "c1", callrecord.StatusPatch(callrecord.StatusEnded)); !errors.Is(err, callrecord.ErrCallEnded) {
		t.Fatalf("second end err=%v, want ErrCallEnded", err)
	}
	if _, err := ch.UpdateCall(ctx, "missing", callrecord.StatusPatch(callrecord.StatusEnded)); !errors.Is(err, mailbox.ErrNotFound) {
		t.Fatalf("update missing err=%v, want ErrNotFound", err)
	}

	got, err := ch.GetCall(ctx, "c1")
	if err != nil {
		t.Fatalf("GetCall: %v", err)
	}
	if got.Status != callrecord.StatusEnded || len(got.OfferCandidates) != 2 {
		t.Fatalf("final=%+v", got)
	}
}

type snapshot struct {
	rec    callrecord.Record
	exists bool
}

func testSubscribeToCall(t *testing.T, ch mailbox.Channel) {
	ctx := context.Background()
	snaps := make(chan snapshot, 64)
	unsub, err := ch.SubscribeToCall(ctx, "c1", func(rec callrecord.Record, exists bool) {
		snaps <- snapshot{rec, exists}
	})
	if err != nil {
		t.Fatalf("SubscribeToCall: %v", err)
	}
	defer unsub()

	first := next(t, snaps)
	if first.exists {
		t.Fatalf("first snapshot exists for a missing call: %+v", first.rec)
	}

	if _, err := ch.CreateCall(ctx, NewRecord("c1")); err != nil {
		t.Fatalf("CreateCall: %v", err)
	}
	offer := callrecord.SessionDescription{Type: "offer", SDP: "v=0"}
	if _, err := ch.UpdateCall(ctx, "c1", callrecord.Patch{Offer: &offer}); err != nil {
		t.Fatalf("UpdateCall: %v", err)
	}
	if _, err := ch.UpdateCall(ctx, "c1", callrecord.StatusPatch(callrecord.StatusEnded)); err != nil {
		t.Fatalf("UpdateCall: %v", err)
	}

	var lastVersion int64
	for {
		s := next(t, snaps)
		if !s.exists {
			t.Fatalf("unexpected missing snapshot after create")
		}
		if s.rec.Version <= lastVersion {
			t.Fatalf("version went from %d to %d", lastVersion, s.rec.Version)
		}
		lastVersion = s.rec.Version
		if s.rec.Status == callrecord.StatusEnded {
			if s.rec.Offer == nil {
				t.Fatalf("ended snapshot lost the offer: %+v", s.rec)
			}
			return
		}
	}
}

func testSubscribeToIncoming(t *testing.T, ch mailbox.Channel) {
	ctx := context.Background()
	lists := make(chan []callrecord.Record, 64)
	unsub, err := ch.SubscribeToIncoming(ctx, "bob", func(calls []callrecord.Record) {
		lists <- calls
	})
	if err != nil {
		t.Fatalf("SubscribeToIncoming: %v", err)
	}
	defer unsub()

	if l := nextList(t, lists); len(l) != 0 {
		t.Fatalf("initial list=%v, want empty", ids(l))
	}

	if _, err := ch.CreateCall(ctx, NewRecord("c1")); err != nil {
		t.Fatalf("CreateCall: %v", err)
	}
	other := callrecord.New("c-other", "alice", "carol", "Alice", "Carol", time.Now())
	if _, err := ch.CreateCall(ctx, other); err != nil {
		t.Fatalf("CreateCall: %v", err)
	}

	waitList(t, lists, func(l []callrecord.Record) bool {
		return len(l) == 1 && l[0].ID == "c1"
	})

	if _, err := ch.UpdateCall(ctx, "c1", callrecord.StatusPatch(callrecord.StatusEnded)); err != nil {
		t.Fatalf("UpdateCall: %v", err)
	}
	waitList(t, lists, func(l []callrecord.Record) bool { return len(l) == 0 })
}

func testUnsubscribe(t *testing.T, ch mailbox.Channel) {
	ctx := context.Background()
	if _, err := ch.CreateCall(ctx, NewRecord("c1")); err != nil {
		t.Fatalf("CreateCall: %v", err)
	}

	var mu sync.Mutex
	count := 0
	first := make(chan struct{})
	unsub, err := ch.SubscribeToCall(ctx, "c1", func(callrecord.Record, bool) {
		mu.Lock()
		count++
		if count == 1 {
			close(first)
		}
		mu.Unlock()
	})
	if err != nil {
		t.Fatalf("SubscribeToCall: %v", err)
	}
	select {
	case <-first:
	case <-time.After(waitTimeout):
		t.Fatalf("no initial snapshot")
	}
	unsub()
	unsub()

	if _, err := ch.UpdateCall(ctx, "c1", callrecord.StatusPatch(callrecord.StatusConnected)); err != nil {
		t.Fatalf("UpdateCall: %v", err)
	}
	time.Sleep(100 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if count != 1 {
		t.Fatalf("callbacks=%d after unsubscribe, want 1", count)
	}
}

func testConcurrentAppends(t *testing.T, ch mailbox.Channel) {
	ctx := context.Background()
	if _, err := ch.CreateCall(ctx, NewRecord("c1")); err != nil {
		t.Fatalf("CreateCall: %v", err)
	}

	const writers = 16
	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := ch.UpdateCall(ctx, "c1", callrecord.Patch{
				OfferCandidates: []callrecord.Candidate{{Candidate: fmt.Sprintf("cand-%d", i)}},
			})
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("UpdateCall: %v", err)
		}
	}

	rec, err := ch.GetCall(ctx, "c1")
	if err != nil {
		t.Fatalf("GetCall: %v", err)
	}
	if len(rec.OfferCandidates) != writers {
		t.Fatalf("offerCandidates=%d, want %d (lost appends)", len(rec.OfferCandidates), writers)
	}
	seen := make(map[string]bool)
	for _, c := range rec.OfferCandidates {
		if seen[c.Candidate] {
			t.Fatalf("duplicate candidate %q", c.Candidate)
		}
		seen[c.Candidate] = true
	}
}

func next(t *testing.T, ch <-chan snapshot) snapshot {
	t.Helper()
	select {
	case s := <-ch:
		return s
	case <-time.After(waitTimeout):
		t.Fatalf("timed out waiting for call snapshot")
		return snapshot{}
	}
}

func nextList(t *testing.T, ch <-chan []callrecord.Record) []callrecord.Record {
	t.Helper()
	select {
	case l := <-ch:
		return l
	case <-time.After(waitTimeout):
		t.Fatalf("timed out waiting for incoming list")
		return nil
	}
}

func waitList(t *testing.T, ch <-chan []callrecord.Record, pred func([]callrecord.Record) bool) {
	t.Helper()
	deadline := time.After(waitTimeout)
	for {
		select {
		case l := <-ch:
			if pred(l) {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for matching incoming list")
		}
	}
}

func ids(recs []callrecord.Record) []string {
	out := make([]string, len(recs))
	for i, r := range recs {
		out[i] = r.ID
	}
	return out
}
