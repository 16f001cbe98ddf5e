// Package queue provides the unbounded FIFO used to hand events from
// arbitrary goroutines to a single consumer goroutine.
package queue

import "sync"

// FIFO is an unbounded first-in first-out queue.
//
// Push never blocks, so producers such as pion callbacks or store
// subscriptions can never stall on a slow consumer.
type FIFO[T any] struct {
	mu       sync.Mutex
	notEmpty *sync.Cond
	closed   bool
	items    []T
}

func New[T any]() *FIFO[T] {
	q := &FIFO[T]{}
	q.notEmpty = sync.NewCond(&q.mu)
	return q
}

// Push appends v. It returns false once the queue is closed.
func (q *FIFO[T]) Push(v T) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	q.items = append(q.items, v)
	q.notEmpty.Signal()
	return true
}

// Pop blocks until an item is available or the queue is closed and drained.
func (q *FIFO[T]) Pop() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) == 0 && !q.closed {
		q.notEmpty.Wait()
	}
	var zero T
	if len(q.items) == 0 {
		return zero, false
	}
	v := q.items[0]
	q.items[0] = zero
	q.items = q.items[1:]
	if len(q.items) == 0 {
		q.items = nil
	}
	return v, true
}

func (q *FIFO[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close stops accepting items. Items already queued are still returned by Pop
// unless discard is set.
func (q *FIFO[T]) Close(discard bool) {
	q.mu.Lock()
	q.closed = true
	if discard {
		q.items = nil
	}
	q.mu.Unlock()
	q.notEmpty.Broadcast()
}
