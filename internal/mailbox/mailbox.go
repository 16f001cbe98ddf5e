// Package mailbox abstracts the shared call document store used as the
// signaling channel between two call endpoints.
//
// Implementations deliver subscription callbacks serially per subscription on
// a goroutine owned by that subscription, starting with an initial snapshot.
package mailbox

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/SAASIMAHMEDW/BridgeCall-MobileApp/internal/callrecord"
)

var (
	ErrNotFound   = errors.New("call not found")
	ErrCallExists = errors.New("call already exists")
	ErrClosed     = errors.New("mailbox closed")
)

// CallFunc receives call snapshots. exists is false when the record does not
// exist (yet, or any more).
type CallFunc func(rec callrecord.Record, exists bool)

// IncomingFunc receives the current set of initiated calls for a callee,
// oldest first.
type IncomingFunc func(calls []callrecord.Record)

// Unsubscribe stops a subscription. It is safe to call more than once and from
// inside the subscription's own callback.
type Unsubscribe func()

type Channel interface {
	CreateCall(ctx context.Context, rec callrecord.Record) (callrecord.Record, error)
	GetCall(ctx context.Context, id string) (callrecord.Record, error)
	// UpdateCall applies p atomically against the latest stored record.
	UpdateCall(ctx context.Context, id string, p callrecord.Patch) (callrecord.Record, error)
	SubscribeToCall(ctx context.Context, id string, fn CallFunc) (Unsubscribe, error)
	SubscribeToIncoming(ctx context.Context, calleeID string, fn IncomingFunc) (Unsubscribe, error)
}

// IncomingOf filters recs down to the initiated calls addressed to calleeID,
// ordered by creation time.
func IncomingOf(recs []callrecord.Record, calleeID string) []callrecord.Record {
	out := make([]callrecord.Record, 0)
	for _, rec := range recs {
		if rec.CalleeID == calleeID && rec.Status == callrecord.StatusInitiated {
			out = append(out, rec.Clone())
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// BindContext makes unsub run when ctx is done and returns an idempotent
// Unsubscribe that also detaches from ctx.
func BindContext(ctx context.Context, unsub func()) Unsubscribe {
	var once sync.Once
	do := func() { once.Do(unsub) }
	stop := context.AfterFunc(ctx, do)
	return func() {
		stop()
		do()
	}
}
