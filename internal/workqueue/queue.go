// Package workqueue is the shared, drain-once queue that several account
// workers of one run consume together.
package workqueue

import "sync"

// Stats counts item outcomes. Taken counts every Take, including retakes
// after PutBack.
type Stats struct {
	Total    int `json:"total"`
	Taken    int `json:"taken"`
	Done     int `json:"done"`
	Dropped  int `json:"dropped"`
	Requeued int `json:"requeued"`
	Pending  int `json:"pending"`
}

// Queue is a FIFO of work items.
//
// Every item ends exactly once as Done or Dropped. PutBack never loses an item.
// A consumer that sees an empty queue stops; items put back later are picked
// up by consumers that are still running.
type Queue struct {
	mu      sync.Mutex
	items   []string
	stats   Stats
	settled map[string]int
	reasons map[string]string
	retries map[string]int
}

func New(items []string) *Queue {
	q := &Queue{
		items:   append([]string(nil), items...),
		settled: map[string]int{},
		reasons: map[string]string{},
		retries: map[string]int{},
	}
	q.stats.Total = len(q.items)
	return q
}

// Take removes the head item; false means the queue is drained.
func (q *Queue) Take() (string, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return "", false
	}
	it := q.items[0]
	q.items = q.items[1:]
	q.stats.Taken++
	return it, true
}

// PutBack re-enqueues an item at the tail after a transient failure.
func (q *Queue) PutBack(item string) {
	q.mu.Lock()
	q.items = append(q.items, item)
	q.stats.Requeued++
	q.mu.Unlock()
}

// Retry puts an item back like PutBack until it has been retried limit
// times; after that it is dropped with reason and Retry reports false.
func (q *Queue) Retry(item string, limit int, reason string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.retries[item] >= limit {
		q.stats.Dropped++
		q.settled[item]++
		q.reasons[item] = reason
		return false
	}
	q.retries[item]++
	q.items = append(q.items, item)
	q.stats.Requeued++
	return true
}

// Done marks an item as successfully consumed.
func (q *Queue) Done(item string) {
	q.mu.Lock()
	q.stats.Done++
	q.settled[item]++
	q.mu.Unlock()
}

// Drop marks an item as permanently failed.
func (q *Queue) Drop(item, reason string) {
	q.mu.Lock()
	q.stats.Dropped++
	q.settled[item]++
	q.reasons[item] = reason
	q.mu.Unlock()
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	s := q.stats
	s.Pending = len(q.items)
	return s
}

// DropReason returns why an item was dropped, if it was.
func (q *Queue) DropReason(item string) (string, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	r, ok := q.reasons[item]
	return r, ok
}

// Settled reports how many times an item reached Done or Drop.
func (q *Queue) Settled(item string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.settled[item]
}
