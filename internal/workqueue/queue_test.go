package workqueue

import (
	"fmt"
	"math/rand"
	"sync"
	"testing"
)

func TestQueueFIFOAndDrain(t *testing.T) {
	t.Parallel()

	q := New([]string{"a", "b"})
	if it, _ := q.Take(); it != "a" {
		t.Fatalf("first=%q", it)
	}
	q.PutBack("a")
	if it, _ := q.Take(); it != "b" {
		t.Fatalf("second=%q", it)
	}
	if it, _ := q.Take(); it != "a" {
		t.Fatalf("requeued item not at tail, got %q", it)
	}
	if _, ok := q.Take(); ok {
		t.Fatalf("expected drained queue")
	}
}

func TestQueueExactlyOnceUnderConcurrency(t *testing.T) {
	t.Parallel()

	const n = 200
	items := make([]string, n)
	for i := range items {
		items[i] = fmt.Sprintf("chat-%d", i)
	}
	q := New(items)

	var wg sync.WaitGroup
	for w := 0; w < 6; w++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(seed))
			throttled := map[string]bool{}
			for {
				it, ok := q.Take()
				if !ok {
					return
				}
				switch r := rng.Intn(10); {
				case r < 2 && !throttled[it]:
					throttled[it] = true
					q.PutBack(it)
				case r < 3:
					q.Drop(it, "invalid invite")
				default:
					q.Done(it)
				}
			}
		}(int64(w))
	}
	wg.Wait()

	// Items put back after every consumer exited stay pending; settle them here.
	for {
		it, ok := q.Take()
		if !ok {
			break
		}
		q.Done(it)
	}

	for _, it := range items {
		if got := q.Settled(it); got != 1 {
			t.Fatalf("%s settled %d times, want 1", it, got)
		}
	}
	s := q.Stats()
	if s.Done+s.Dropped != n || s.Pending != 0 {
		t.Fatalf("stats=%+v", s)
	}
}

func TestDropReason(t *testing.T) {
	t.Parallel()

	q := New([]string{"x"})
	it, _ := q.Take()
	q.Drop(it, "expired")
	if r, ok := q.DropReason("x"); !ok || r != "expired" {
		t.Fatalf("reason=%q ok=%v", r, ok)
	}
}

func TestQueueRetryDropsAfterLimit(t *testing.T) {
	t.Parallel()

	q := New([]string{"a"})
	for i := 0; i < 2; i++ {
		it, _ := q.Take()
		if !q.Retry(it, 2, "flood wait") {
			t.Fatalf("retry %d refused", i)
		}
	}
	it, _ := q.Take()
	if q.Retry(it, 2, "flood wait") {
		t.Fatalf("retry past limit accepted")
	}
	if reason, ok := q.DropReason("a"); !ok || reason != "flood wait" {
		t.Fatalf("drop reason=%q ok=%v", reason, ok)
	}
	s := q.Stats()
	if s.Requeued != 2 || s.Dropped != 1 || s.Pending != 0 || q.Settled("a") != 1 {
		t.Fatalf("stats=%+v settled=%d", s, q.Settled("a"))
	}
}
