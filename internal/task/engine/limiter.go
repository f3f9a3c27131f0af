package engine

import (
	"context"
	"sync/atomic"
)

// admission is a counting gate: at most limit workers of one run may be
// connecting or executing at a time. Tokens are pre-filled up to limit.
type admission struct {
	limit int
	ch    chan struct{}

	inUse atomic.Int32
	peak  atomic.Int32
}

func newAdmission(limit int) *admission {
	if limit <= 0 {
		limit = 1
	}
	a := &admission{limit: limit, ch: make(chan struct{}, limit)}
	for i := 0; i < limit; i++ {
		a.ch <- struct{}{}
	}
	return a
}

// acquire blocks until a slot is free or ctx is done. The returned release
// func is safe to call more than once.
func (a *admission) acquire(ctx context.Context) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-a.ch:
	}
	n := a.inUse.Add(1)
	for {
		p := a.peak.Load()
		if n <= p || a.peak.CompareAndSwap(p, n) {
			break
		}
	}
	var once atomic.Bool
	return func() {
		if !once.CompareAndSwap(false, true) {
			return
		}
		a.inUse.Add(-1)
		// Never block on release.
		select {
		case a.ch <- struct{}{}:
		default:
		}
	}, nil
}

func (a *admission) Limit() int { return a.limit }

// InUse is the number of slots currently held.
func (a *admission) InUse() int { return int(a.inUse.Load()) }

// Peak is the highest InUse observed.
func (a *admission) Peak() int { return int(a.peak.Load()) }
