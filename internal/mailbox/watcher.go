package mailbox

import (
	"github.com/SAASIMAHMEDW/BridgeCall-MobileApp/internal/callrecord"
	"github.com/SAASIMAHMEDW/BridgeCall-MobileApp/internal/queue"
)

type callSnapshot struct {
	rec    callrecord.Record
	exists bool
}

// CallWatcher delivers call snapshots to a CallFunc in order on its own
// goroutine. Snapshots that are not newer than the last delivered version are
// dropped, so racing publishers cannot make a subscriber observe a regression.
type CallWatcher struct {
	fn CallFunc
	q  *queue.FIFO[callSnapshot]
}

func NewCallWatcher(fn CallFunc) *CallWatcher {
	w := &CallWatcher{fn: fn, q: queue.New[callSnapshot]()}
	go w.loop()
	return w
}

func (w *CallWatcher) Offer(rec callrecord.Record, exists bool) {
	w.q.Push(callSnapshot{rec: rec.Clone(), exists: exists})
}

func (w *CallWatcher) Stop() { w.q.Close(true) }

func (w *CallWatcher) loop() {
	var (
		delivered   bool
		lastExists  bool
		lastVersion int64
	)
	for {
		s, ok := w.q.Pop()
		if !ok {
			return
		}
		if delivered {
			if s.exists && lastExists && s.rec.Version <= lastVersion {
				continue
			}
			if !s.exists && !lastExists {
				continue
			}
		}
		delivered = true
		lastExists = s.exists
		if s.exists {
			lastVersion = s.rec.Version
		}
		w.fn(s.rec, s.exists)
	}
}

// IncomingWatcher delivers incoming-call lists to an IncomingFunc in order on
// its own goroutine.
type IncomingWatcher struct {
	fn IncomingFunc
	q  *queue.FIFO[[]callrecord.Record]
}

func NewIncomingWatcher(fn IncomingFunc) *IncomingWatcher {
	w := &IncomingWatcher{fn: fn, q: queue.New[[]callrecord.Record]()}
	go w.loop()
	return w
}

func (w *IncomingWatcher) Offer(calls []callrecord.Record) {
	cp := make([]callrecord.Record, len(calls))
	for i, rec := range calls {
		cp[i] = rec.Clone()
	}
	w.q.Push(cp)
}

func (w *IncomingWatcher) Stop() { w.q.Close(true) }

func (w *IncomingWatcher) loop() {
	for {
		calls, ok := w.q.Pop()
		if !ok {
			return
		}
		w.fn(calls)
	}
}
