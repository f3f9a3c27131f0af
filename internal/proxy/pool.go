package proxy

import (
	"math/rand"
	"sync"
)

// Pool is a FIFO of proxy endpoints shared by the workers of one run.
//
// Acquire never blocks: an empty pool means "connect directly".
// Every lease is returned exactly once, by Release (tail of the queue) or
// Discard (dropped for the rest of the run).
type Pool struct {
	mu          sync.Mutex
	queue       []Endpoint
	outstanding int
	size        int
}

// NewPool shuffles endpoints once with rng. A nil rng keeps the given order.
func NewPool(endpoints []Endpoint, rng *rand.Rand) *Pool {
	q := append([]Endpoint(nil), endpoints...)
	if rng != nil {
		rng.Shuffle(len(q), func(i, j int) { q[i], q[j] = q[j], q[i] })
	}
	return &Pool{queue: q, size: len(q)}
}

// Acquire takes the head of the queue, or reports false when the pool is empty.
func (p *Pool) Acquire() (*Lease, bool) {
	if p == nil {
		return nil, false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.queue) == 0 {
		return nil, false
	}
	ep := p.queue[0]
	p.queue[0] = Endpoint{}
	p.queue = p.queue[1:]
	p.outstanding++
	return &Lease{pool: p, ep: ep}, true
}

// Available is the number of endpoints ready to be acquired.
func (p *Pool) Available() int {
	if p == nil {
		return 0
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

// Outstanding is the number of leases not yet returned.
func (p *Pool) Outstanding() int {
	if p == nil {
		return 0
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.outstanding
}

// Size is the number of endpoints the pool was seeded with.
func (p *Pool) Size() int {
	if p == nil {
		return 0
	}
	return p.size
}

func (p *Pool) giveBack(ep Endpoint, requeue bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.outstanding--
	if requeue {
		p.queue = append(p.queue, ep)
	} else {
		p.size--
	}
}

// Lease is a checked-out endpoint.
type Lease struct {
	pool *Pool
	ep   Endpoint

	mu   sync.Mutex
	done bool
}

func (l *Lease) Endpoint() Endpoint { return l.ep }

// Release returns the endpoint to the tail of the pool. Later calls are no-ops.
func (l *Lease) Release() { l.finish(true) }

// Discard drops the endpoint for the rest of the run. Later calls are no-ops.
func (l *Lease) Discard() { l.finish(false) }

func (l *Lease) finish(requeue bool) {
	if l == nil {
		return
	}
	l.mu.Lock()
	if l.done {
		l.mu.Unlock()
		return
	}
	l.done = true
	l.mu.Unlock()
	l.pool.giveBack(l.ep, requeue)
}
