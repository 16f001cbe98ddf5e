package queue

import (
	"sync"
	"testing"
	"time"
)

func TestFIFO_Order(t *testing.T) {
	q := New[int]()
	for i := 0; i < 100; i++ {
		if !q.Push(i) {
			t.Fatalf("push %d rejected", i)
		}
	}
	for i := 0; i < 100; i++ {
		v, ok := q.Pop()
		if !ok || v != i {
			t.Fatalf("pop=%d,%v want %d,true", v, ok, i)
		}
	}
}

func TestFIFO_PopBlocksUntilPush(t *testing.T) {
	q := New[string]()
	got := make(chan string, 1)
	go func() {
		v, _ := q.Pop()
		got <- v
	}()

	select {
	case v := <-got:
		t.Fatalf("pop returned early with %q", v)
	case <-time.After(20 * time.Millisecond):
	}

	q.Push("x")
	select {
	case v := <-got:
		if v != "x" {
			t.Fatalf("v=%q, want x", v)
		}
	case <-time.After(time.Second):
		t.Fatalf("pop did not wake up")
	}
}

func TestFIFO_CloseDrainsThenStops(t *testing.T) {
	q := New[int]()
	q.Push(1)
	q.Push(2)
	q.Close(false)

	if q.Push(3) {
		t.Fatalf("push after close accepted")
	}
	for _, want := range []int{1, 2} {
		v, ok := q.Pop()
		if !ok || v != want {
			t.Fatalf("pop=%d,%v want %d,true", v, ok, want)
		}
	}
	if _, ok := q.Pop(); ok {
		t.Fatalf("pop after drain returned ok")
	}
}

func TestFIFO_CloseDiscard(t *testing.T) {
	q := New[int]()
	q.Push(1)
	q.Close(true)
	if _, ok := q.Pop(); ok {
		t.Fatalf("expected discarded queue to be empty")
	}
}

func TestFIFO_CloseWakesWaiters(t *testing.T) {
	q := New[int]()
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			q.Pop()
		}()
	}
	time.Sleep(10 * time.Millisecond)
	q.Close(false)

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("waiters not released by Close")
	}
}
