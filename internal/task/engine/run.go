package engine

import (
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"fleetbot/internal/progress"
	"fleetbot/internal/proxy"
	rtsup "fleetbot/internal/runtime/supervisor"
	"fleetbot/internal/safety"
	"fleetbot/internal/task"
	"fleetbot/internal/workqueue"
)

// Run is the ephemeral state of one task execution.
type Run struct {
	ID      string
	Task    task.Task
	Started time.Time

	accounts []string
	policies map[string]safety.Policy
	limiter  *admission
	pool     *proxy.Pool
	queue    *workqueue.Queue
	sup      *rtsup.Supervisor
	bus      progress.Bus

	stopping atomic.Bool
	done     chan struct{}

	mu            sync.Mutex
	progress      map[string]*AccountProgress
	accountStatus map[string]string
}

func newRun(id string, t task.Task, accounts []string, started time.Time) *Run {
	r := &Run{
		ID:            id,
		Task:          t,
		Started:       started,
		accounts:      accounts,
		done:          make(chan struct{}),
		progress:      make(map[string]*AccountProgress, len(accounts)),
		accountStatus: map[string]string{},
		bus:           progress.Nop{},
	}
	for _, a := range accounts {
		r.progress[a] = &AccountProgress{Account: a, State: StateQueued, Status: "⏳ queued", Updated: started}
	}
	return r
}

// Stop sets the cancellation flag. It reports whether this call set it.
func (r *Run) Stop() bool {
	if !r.stopping.CompareAndSwap(false, true) {
		return false
	}
	if r.sup != nil {
		r.sup.Cancel()
	}
	return true
}

// Stopping reports whether Stop was called.
func (r *Run) Stopping() bool { return r.stopping.Load() }

// Done is closed after the run's report has been persisted.
func (r *Run) Done() <-chan struct{} { return r.done }

// Accounts returns the assigned accounts in report order.
func (r *Run) Accounts() []string { return append([]string(nil), r.accounts...) }

// Queue is the shared work queue, nil for kinds without one.
func (r *Run) Queue() *workqueue.Queue { return r.queue }

// Peak is the highest number of simultaneously admitted workers.
func (r *Run) Peak() int { return r.limiter.Peak() }

func (r *Run) update(account, state, status string) {
	now := time.Now()
	r.mu.Lock()
	p := r.progress[account]
	if p == nil {
		p = &AccountProgress{Account: account}
		r.progress[account] = p
	}
	if state != "" {
		p.State = state
	}
	if status != "" {
		p.Status = status
	}
	p.Updated = now
	ev := progress.Event{
		Type: progress.TypeAccount, Task: r.Task.Name, RunID: r.ID,
		Account: account, State: p.State, Status: p.Status, Time: now,
	}
	r.mu.Unlock()
	r.bus.Publish(ev)
}

func (r *Run) setOutcome(account, outcome string) {
	r.mu.Lock()
	if p := r.progress[account]; p != nil {
		p.Outcome = outcome
	}
	r.mu.Unlock()
}

func (r *Run) setAccountStatus(account, status string) {
	r.mu.Lock()
	r.accountStatus[account] = status
	r.mu.Unlock()
}

func (r *Run) accountStatuses() map[string]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]string, len(r.accountStatus))
	for k, v := range r.accountStatus {
		out[k] = v
	}
	return out
}

// Progress returns a snapshot of every account's last known state, in
// assigned order.
func (r *Run) Progress() []AccountProgress {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]AccountProgress, 0, len(r.accounts))
	for _, a := range r.accounts {
		if p := r.progress[a]; p != nil {
			out = append(out, *p)
		}
	}
	return out
}

// Report renders one "account: status" line per assigned account.
func (r *Run) Report() string {
	var b strings.Builder
	for i, p := range r.Progress() {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(p.Account)
		b.WriteString(": ")
		b.WriteString(p.Status)
	}
	return b.String()
}

func (r *Run) info() RunInfo {
	in := RunInfo{
		Task:     r.Task.Name,
		RunID:    r.ID,
		Action:   r.Task.Action.String(),
		Started:  r.Started,
		Accounts: len(r.accounts),
		Workers:  r.limiter.Limit(),
		InUse:    r.limiter.InUse(),
		States:   map[string]int{},
		Stopping: r.Stopping(),
	}
	for _, p := range r.Progress() {
		in.States[p.State]++
	}
	return in
}

// RunRegistry holds the live runs, at most one per task name.
type RunRegistry struct {
	mu   sync.RWMutex
	runs map[string]*Run
}

func NewRunRegistry() *RunRegistry {
	return &RunRegistry{runs: map[string]*Run{}}
}

// add registers r unless its task already has a live run.
func (g *RunRegistry) add(r *Run) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.runs[r.Task.Name]; ok {
		return false
	}
	g.runs[r.Task.Name] = r
	return true
}

func (g *RunRegistry) remove(r *Run) {
	g.mu.Lock()
	if g.runs[r.Task.Name] == r {
		delete(g.runs, r.Task.Name)
	}
	g.mu.Unlock()
}

func (g *RunRegistry) Get(name string) *Run {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.runs[name]
}

// List returns live runs sorted by task name.
func (g *RunRegistry) List() []*Run {
	g.mu.RLock()
	out := make([]*Run, 0, len(g.runs))
	for _, r := range g.runs {
		out = append(out, r)
	}
	g.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Task.Name < out[j].Task.Name })
	return out
}

func (g *RunRegistry) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.runs)
}
