package proxy

import (
	"math/rand"
	"sync"
	"testing"
)

func endpoints(n int) []Endpoint {
	out := make([]Endpoint, n)
	for i := range out {
		out[i] = Endpoint{Host: "10.0.0.1", Port: 1000 + i}
	}
	return out
}

func TestPoolEmptyAcquireDoesNotBlock(t *testing.T) {
	t.Parallel()

	p := NewPool(nil, nil)
	if l, ok := p.Acquire(); ok || l != nil {
		t.Fatalf("expected empty acquire, got %v", l)
	}
	var nilPool *Pool
	if _, ok := nilPool.Acquire(); ok {
		t.Fatalf("nil pool must behave as empty")
	}
}

func TestPoolFIFOAndReleaseAtTail(t *testing.T) {
	t.Parallel()

	eps := endpoints(3)
	p := NewPool(eps, nil)

	a, _ := p.Acquire()
	if a.Endpoint() != eps[0] {
		t.Fatalf("head=%v, want %v", a.Endpoint(), eps[0])
	}
	a.Release()

	b, _ := p.Acquire()
	c, _ := p.Acquire()
	d, _ := p.Acquire()
	if b.Endpoint() != eps[1] || c.Endpoint() != eps[2] || d.Endpoint() != eps[0] {
		t.Fatalf("order=%v,%v,%v", b.Endpoint(), c.Endpoint(), d.Endpoint())
	}
	if _, ok := p.Acquire(); ok {
		t.Fatalf("pool should be exhausted")
	}
}

func TestLeaseIsReturnedExactlyOnce(t *testing.T) {
	t.Parallel()

	p := NewPool(endpoints(1), nil)
	l, _ := p.Acquire()
	l.Release()
	l.Release()
	l.Discard()
	if got := p.Available(); got != 1 {
		t.Fatalf("available=%d, want 1", got)
	}
	if got := p.Outstanding(); got != 0 {
		t.Fatalf("outstanding=%d, want 0", got)
	}
}

func TestDiscardShrinksPool(t *testing.T) {
	t.Parallel()

	p := NewPool(endpoints(2), nil)
	l, _ := p.Acquire()
	l.Discard()
	if p.Size() != 1 || p.Available() != 1 {
		t.Fatalf("size=%d available=%d", p.Size(), p.Available())
	}
}

func TestPoolConcurrentNoLossNoDuplication(t *testing.T) {
	t.Parallel()

	const n = 8
	p := NewPool(endpoints(n), rand.New(rand.NewSource(1)))

	var (
		mu     sync.Mutex
		inUse  = map[Endpoint]bool{}
		wg     sync.WaitGroup
		broken bool
	)
	for w := 0; w < 32; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				l, ok := p.Acquire()
				if !ok {
					continue
				}
				mu.Lock()
				if inUse[l.Endpoint()] {
					broken = true
				}
				inUse[l.Endpoint()] = true
				mu.Unlock()

				mu.Lock()
				delete(inUse, l.Endpoint())
				mu.Unlock()
				l.Release()
			}
		}()
	}
	wg.Wait()

	if broken {
		t.Fatalf("an endpoint was leased twice at the same time")
	}
	if p.Available() != n || p.Outstanding() != 0 {
		t.Fatalf("available=%d outstanding=%d, want %d/0", p.Available(), p.Outstanding(), n)
	}
	seen := map[Endpoint]bool{}
	for i := 0; i < n; i++ {
		l, _ := p.Acquire()
		if seen[l.Endpoint()] {
			t.Fatalf("duplicate endpoint %v", l.Endpoint())
		}
		seen[l.Endpoint()] = true
	}
}

func TestShuffleKeepsMembership(t *testing.T) {
	t.Parallel()

	eps := endpoints(10)
	p := NewPool(eps, rand.New(rand.NewSource(42)))
	got := map[Endpoint]bool{}
	for {
		l, ok := p.Acquire()
		if !ok {
			break
		}
		got[l.Endpoint()] = true
	}
	if len(got) != len(eps) {
		t.Fatalf("got %d distinct endpoints, want %d", len(got), len(eps))
	}
}
