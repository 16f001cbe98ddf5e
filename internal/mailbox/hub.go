package mailbox

import (
	"sync"

	"github.com/SAASIMAHMEDW/BridgeCall-MobileApp/internal/callrecord"
)

// Hub fans store changes out to in-process watchers.
//
// Stores call Publish* while still holding their own write lock so that
// watchers observe writes in commit order.
type Hub struct {
	mu       sync.Mutex
	calls    map[string]map[*CallWatcher]struct{}
	incoming map[string]map[*IncomingWatcher]struct{}
	closed   bool
}

func NewHub() *Hub {
	return &Hub{
		calls:    make(map[string]map[*CallWatcher]struct{}),
		incoming: make(map[string]map[*IncomingWatcher]struct{}),
	}
}

// WatchCall registers fn for id. The caller is expected to Offer the initial
// snapshot to the returned watcher.
func (h *Hub) WatchCall(id string, fn CallFunc) (*CallWatcher, func(), error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, nil, ErrClosed
	}
	w := NewCallWatcher(fn)
	set := h.calls[id]
	if set == nil {
		set = make(map[*CallWatcher]struct{})
		h.calls[id] = set
	}
	set[w] = struct{}{}
	return w, func() {
		h.mu.Lock()
		if set := h.calls[id]; set != nil {
			delete(set, w)
			if len(set) == 0 {
				delete(h.calls, id)
			}
		}
		h.mu.Unlock()
		w.Stop()
	}, nil
}

func (h *Hub) WatchIncoming(calleeID string, fn IncomingFunc) (*IncomingWatcher, func(), error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, nil, ErrClosed
	}
	w := NewIncomingWatcher(fn)
	set := h.incoming[calleeID]
	if set == nil {
		set = make(map[*IncomingWatcher]struct{})
		h.incoming[calleeID] = set
	}
	set[w] = struct{}{}
	return w, func() {
		h.mu.Lock()
		if set := h.incoming[calleeID]; set != nil {
			delete(set, w)
			if len(set) == 0 {
				delete(h.incoming, calleeID)
			}
		}
		h.mu.Unlock()
		w.Stop()
	}, nil
}

func (h *Hub) PublishCall(rec callrecord.Record) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for w := range h.calls[rec.ID] {
		w.Offer(rec, true)
	}
}

// HasIncomingWatchers lets stores skip building incoming lists nobody reads.
func (h *Hub) HasIncomingWatchers(calleeID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.incoming[calleeID]) > 0
}

func (h *Hub) PublishIncoming(calleeID string, calls []callrecord.Record) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for w := range h.incoming[calleeID] {
		w.Offer(calls)
	}
}

func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for _, set := range h.calls {
		for w := range set {
			w.Stop()
		}
	}
	for _, set := range h.incoming {
		for w := range set {
			w.Stop()
		}
	}
	h.calls = nil
	h.incoming = nil
}
