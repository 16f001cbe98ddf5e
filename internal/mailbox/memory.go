package mailbox

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/SAASIMAHMEDW/BridgeCall-MobileApp/internal/callrecord"
)

// Memory is an in-process Channel. It backs single-node mailbox servers and
// tests.
type Memory struct {
	now func() time.Time

	mu     sync.Mutex
	calls  map[string]callrecord.Record
	hub    *Hub
	closed bool
}

func NewMemory() *Memory {
	return &Memory{
		now:   time.Now,
		calls: make(map[string]callrecord.Record),
		hub:   NewHub(),
	}
}

func (m *Memory) CreateCall(ctx context.Context, rec callrecord.Record) (callrecord.Record, error) {
	if err := ctx.Err(); err != nil {
		return callrecord.Record{}, err
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = m.now().UTC()
	}
	if err := rec.Validate(); err != nil {
		return callrecord.Record{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return callrecord.Record{}, ErrClosed
	}
	if _, ok := m.calls[rec.ID]; ok {
		return callrecord.Record{}, fmt.Errorf("%w: %s", ErrCallExists, rec.ID)
	}
	rec = rec.Clone()
	rec.Version = 1
	m.calls[rec.ID] = rec
	m.publishLocked(rec, true)
	return rec.Clone(), nil
}

func (m *Memory) GetCall(ctx context.Context, id string) (callrecord.Record, error) {
	if err := ctx.Err(); err != nil {
		return callrecord.Record{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return callrecord.Record{}, ErrClosed
	}
	rec, ok := m.calls[id]
	if !ok {
		return callrecord.Record{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return rec.Clone(), nil
}

func (m *Memory) UpdateCall(ctx context.Context, id string, p callrecord.Patch) (callrecord.Record, error) {
	if err := ctx.Err(); err != nil {
		return callrecord.Record{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return callrecord.Record{}, ErrClosed
	}
	cur, ok := m.calls[id]
	if !ok {
		return callrecord.Record{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	next, err := callrecord.Apply(cur, p)
	if err != nil {
		return cur.Clone(), err
	}
	next.Version = cur.Version + 1
	m.calls[id] = next
	m.publishLocked(next, cur.Status != next.Status)
	return next.Clone(), nil
}

func (m *Memory) SubscribeToCall(ctx context.Context, id string, fn CallFunc) (Unsubscribe, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	w, unsub, err := m.hub.WatchCall(id, fn)
	if err != nil {
		return nil, err
	}
	rec, ok := m.calls[id]
	w.Offer(rec, ok)
	return BindContext(ctx, unsub), nil
}

func (m *Memory) SubscribeToIncoming(ctx context.Context, calleeID string, fn IncomingFunc) (Unsubscribe, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	w, unsub, err := m.hub.WatchIncoming(calleeID, fn)
	if err != nil {
		return nil, err
	}
	w.Offer(m.incomingLocked(calleeID))
	return BindContext(ctx, unsub), nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	m.hub.Close()
	return nil
}

func (m *Memory) publishLocked(rec callrecord.Record, statusChanged bool) {
	m.hub.PublishCall(rec)
	if statusChanged && m.hub.HasIncomingWatchers(rec.CalleeID) {
		m.hub.PublishIncoming(rec.CalleeID, m.incomingLocked(rec.CalleeID))
	}
}

func (m *Memory) incomingLocked(calleeID string) []callrecord.Record {
	all := make([]callrecord.Record, 0, len(m.calls))
	for _, rec := range m.calls {
		if rec.CalleeID == calleeID {
			all = append(all, rec)
		}
	}
	return IncomingOf(all, calleeID)
}
