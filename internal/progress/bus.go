package progress

import (
	"sync"
	"sync/atomic"
	"time"
)

// Type classifies a progress event.
type Type string

const (
	// TypeAccount carries a worker status update.
	TypeAccount Type = "account"
	// TypeRunStarted is published once a run has been admitted.
	TypeRunStarted Type = "run.started"
	// TypeRunFinished is published after the report has been persisted.
	TypeRunFinished Type = "run.finished"
)

// Event is one structured progress update.
//
// Contract:
//   - Publish never blocks.
//   - Subscribers use buffered channels.
//   - Slow subscribers drop account updates; the run's progress map remains authoritative.
//   - Run lifecycle events are never dropped for account updates: they evict
//     queued account updates instead, keeping lifecycle order.
type Event struct {
	Type    Type      `json:"type"`
	Task    string    `json:"task"`
	RunID   string    `json:"run_id"`
	Account string    `json:"account,omitempty"`
	State   string    `json:"state,omitempty"`
	Status  string    `json:"status"`
	Time    time.Time `json:"time"`
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// NewBus returns an in-memory fanout bus. It owns no goroutines.
func NewBus() Bus {
	return &memBus{subs: map[uint64]chan Event{}}
}

type memBus struct {
	// life serializes lifecycle publishes so eviction keeps their order.
	life    sync.Mutex
	mu      sync.RWMutex
	subs    map[uint64]chan Event
	seq     atomic.Uint64
	dropped atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.RLock()
	chs := make([]chan Event, 0, len(b.subs))
	for _, ch := range b.subs {
		chs = append(chs, ch)
	}
	b.mu.RUnlock()

	if e.Type != TypeAccount {
		b.life.Lock()
		defer b.life.Unlock()
	}
	for _, ch := range chs {
		b.send(ch, e)
	}
}

func (b *memBus) send(ch chan Event, e Event) {
	// A concurrent unsubscribe may close ch; recover from the send panic.
	defer func() { _ = recover() }()
	select {
	case ch <- e:
		return
	default:
	}
	if e.Type == TypeAccount {
		b.dropped.Add(1)
		return
	}
	b.evict(ch, e)
}

// evict makes room for a lifecycle event on a full channel by discarding the
// queued account updates. Lifecycle events pulled off the channel go back
// ahead of e.
func (b *memBus) evict(ch chan Event, e Event) {
	queue := []Event{e}
	for attempt := 0; attempt < 4 && len(queue) > 0; attempt++ {
		var kept []Event
	drain:
		for i := 0; i < cap(ch); i++ {
			select {
			case old := <-ch:
				if old.Type == TypeAccount {
					b.dropped.Add(1)
					continue
				}
				kept = append(kept, old)
			default:
				break drain
			}
		}
		queue = append(kept, queue...)
	push:
		for len(queue) > 0 {
			select {
			case ch <- queue[0]:
				queue = queue[1:]
			default:
				break push
			}
		}
	}
	b.dropped.Add(uint64(len(queue)))
}

// Dropped reports how many events were discarded for slow subscribers.
func (b *memBus) Dropped() uint64 { return b.dropped.Load() }

func (b *memBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan Event, buffer)
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
}

// Nop discards every event.
type Nop struct{}

func (Nop) Publish(Event) {}

func (Nop) Subscribe(int) (<-chan Event, func()) {
	ch := make(chan Event)
	close(ch)
	return ch, func() {}
}
