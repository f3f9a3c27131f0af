package engine

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"fleetbot/internal/action"
	"fleetbot/internal/progress"
	"fleetbot/internal/proxy"
	rtsup "fleetbot/internal/runtime/supervisor"
	"fleetbot/internal/safety"
	"fleetbot/internal/storage"
	"fleetbot/internal/task"
	"fleetbot/internal/workqueue"
	logx "fleetbot/pkg/logx"
)

const persistTimeout = 10 * time.Second

// Service is the task orchestrator: it admits runs, spawns one account
// worker per assigned account and persists the aggregated report.
type Service struct {
	deps    Deps
	log     logx.Logger
	runs    *RunRegistry
	metrics *Metrics
	sup     *rtsup.Supervisor

	mu   sync.Mutex
	opts Options
	rng  *rand.Rand

	closing atomic.Bool
}

func New(deps Deps, opts Options, log logx.Logger) *Service {
	opts = opts.withDefaults()
	if deps.Actions == nil {
		deps.Actions = action.Default()
	}
	if deps.Bus == nil {
		deps.Bus = progress.Nop{}
	}
	seed := opts.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	log = log.With(logx.String("comp", "engine"))
	return &Service{
		deps:    deps,
		log:     log,
		runs:    NewRunRegistry(),
		metrics: deps.Metrics,
		sup:     rtsup.New(context.Background(), rtsup.WithLogger(log)),
		opts:    opts,
		rng:     rand.New(rand.NewSource(seed)),
	}
}

// SetEnforceWorkerCap applies a hot config change; it affects later runs only.
func (s *Service) SetEnforceWorkerCap(enabled bool) {
	s.mu.Lock()
	s.opts.EnforceWorkerCap = enabled
	s.mu.Unlock()
}

func (s *Service) options() Options {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opts
}

// newRand derives an independent source so workers never share one.
func (s *Service) newRand() *rand.Rand {
	s.mu.Lock()
	seed := s.rng.Int63()
	s.mu.Unlock()
	return rand.New(rand.NewSource(seed))
}

// Supervisor exposes goroutine counters for health reporting.
func (s *Service) Supervisor() *rtsup.Supervisor { return s.sup }

// Start validates the task, consults the safety gate for every assigned
// account and, when all pass, launches the run. Nothing is spawned on rejection.
func (s *Service) Start(ctx context.Context, name string) (*Run, error) {
	if s.closing.Load() {
		return nil, ErrShuttingDown
	}
	name = strings.TrimSpace(name)
	if s.runs.Get(name) != nil {
		return nil, fmt.Errorf("%s: %w", name, ErrAlreadyRunning)
	}
	t, err := s.deps.Store.LoadTask(ctx, name)
	if err != nil {
		return nil, err
	}

	spec, accounts, err := s.validate(t)
	if err != nil {
		s.metrics.rejected(rejectReason(err))
		return nil, fmt.Errorf("%s: %w", name, err)
	}

	policies, err := s.gate(ctx, accounts, spec.Kind)
	if err != nil {
		s.metrics.rejected("safety")
		s.log.Warn("task rejected by safety gate", logx.String("task", name), logx.Err(err))
		return nil, fmt.Errorf("%s: %w", name, err)
	}

	opts := s.options()
	limit := t.Settings.ConcurrentWorkers
	if limit <= 0 {
		limit = opts.DefaultWorkers
	}
	if opts.EnforceWorkerCap {
		for _, p := range policies {
			limit = min(limit, p.MaxWorkers)
		}
	}
	limit = max(1, min(limit, len(accounts)))

	r := newRun(uuid.NewString(), t.Clone(), accounts, opts.Now())
	r.policies = policies
	r.limiter = newAdmission(limit)
	r.pool = proxy.NewPool(s.eligibleProxies(ctx), s.newRand())
	if spec.QueueList != "" {
		r.queue = workqueue.New(t.List(spec.QueueList))
	}
	r.bus = s.deps.Bus
	r.sup = rtsup.New(s.sup.Context(), rtsup.WithLogger(s.log.With(logx.String("task", name))))

	if !s.runs.add(r) {
		r.sup.Cancel()
		return nil, fmt.Errorf("%s: %w", name, ErrAlreadyRunning)
	}

	t.Status = task.StatusRunning
	if err := s.deps.Store.SaveTask(ctx, t); err != nil {
		s.runs.remove(r)
		r.sup.Cancel()
		return nil, fmt.Errorf("persist running state: %w", err)
	}

	s.metrics.runStarted(string(spec.Kind))
	// Published before any worker so subscribers see it ahead of account events.
	s.deps.Bus.Publish(progress.Event{Type: progress.TypeRunStarted, Task: name, RunID: r.ID, Status: t.Action.String()})
	for _, acc := range accounts {
		w := &worker{
			svc:     s,
			run:     r,
			account: acc,
			spec:    spec,
			opts:    opts,
			rng:     s.newRand(),
			log:     s.log.With(logx.String("task", name), logx.String("account", acc)),
		}
		w.minDelay, w.maxDelay = opts.PacingBounds(t.Settings, policies[acc])
		r.sup.Go0("account:"+acc, w.exec)
	}
	s.sup.Go0("run:"+name, func(context.Context) {
		<-r.sup.Done()
		s.finish(r)
	})

	s.log.Info("task started",
		logx.String("task", name),
		logx.String("run_id", r.ID),
		logx.String("action", t.Action.String()),
		logx.Int("accounts", len(accounts)),
		logx.Int("workers", limit),
		logx.Int("proxies", r.pool.Size()),
	)
	return r, nil
}

func (s *Service) validate(t task.Task) (action.Spec, []string, error) {
	if t.Action.IsZero() {
		return action.Spec{}, nil, ErrNoAction
	}
	spec, err := s.deps.Actions.Validate(t)
	if err != nil {
		return spec, nil, err
	}
	accounts := uniqueAccounts(t.Accounts)
	if len(accounts) == 0 {
		return spec, nil, ErrNoAccounts
	}
	if spec.Kind == task.KindBroadcastDM && !t.Settings.DMWarningAccepted {
		return spec, nil, ErrDMWarning
	}
	return spec, accounts, nil
}

// gate checks every account, cooldown included; any rejection refuses the
// whole run.
func (s *Service) gate(ctx context.Context, accounts []string, kind task.Kind) (map[string]safety.Policy, error) {
	policies := make(map[string]safety.Policy, len(accounts))
	var errs []error
	for _, acc := range accounts {
		v, err := s.deps.Governor.CheckStart(ctx, acc, kind)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if err := v.Err(); err != nil {
			errs = append(errs, err)
			continue
		}
		policies[acc] = v.Policy
	}
	if len(errs) > 0 {
		return nil, fmt.Errorf("%w: %w", ErrRejected, errors.Join(errs...))
	}
	return policies, nil
}

func (s *Service) eligibleProxies(ctx context.Context) []proxy.Endpoint {
	recs, err := s.deps.Store.ListProxies(ctx)
	if err != nil {
		s.log.Warn("load proxies failed; connecting directly", logx.Err(err))
		return nil
	}
	return proxy.Eligible(recs)
}

// finish persists the report once every worker has disconnected.
func (s *Service) finish(r *Run) {
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	defer func() {
		s.runs.remove(r)
		s.metrics.runFinished()
		close(r.done)
	}()

	report := r.Report()
	name := r.Task.Name

	t, err := s.deps.Store.LoadTask(ctx, name)
	if err != nil {
		s.log.Warn("reload task for report failed", logx.String("task", name), logx.Err(err))
		t = r.Task
	}
	t.Status = task.StatusStopped
	t.Report = &report
	if err := s.deps.Store.SaveTask(ctx, t); err != nil {
		s.log.Error("persist report failed", logx.String("task", name), logx.Err(err))
	}

	for acc, st := range r.accountStatuses() {
		if err := s.deps.Store.SetAccountStatus(ctx, acc, st); err != nil {
			s.log.Warn("persist account status failed", logx.String("account", acc), logx.Err(err))
		}
	}

	var ok, fail, stopped int
	for _, p := range r.Progress() {
		switch p.Outcome {
		case OutcomeFinished:
			ok++
		case OutcomeStopped:
			stopped++
		default:
			fail++
		}
	}
	took := time.Since(r.Started)
	entry := storage.AuditEntry{
		Action: "run:" + r.Task.Action.String(),
		Target: name,
		RunID:  r.ID,
		OK:     ok,
		Fail:   fail,
		TookMS: took.Milliseconds(),
	}
	if r.Stopping() {
		entry.Error = "stopped"
	}
	if err := s.deps.Store.AppendAudit(ctx, entry); err != nil {
		s.log.Warn("audit append failed", logx.Err(err))
	}

	state := "finished"
	if r.Stopping() {
		state = "stopped"
	}
	s.deps.Bus.Publish(progress.Event{Type: progress.TypeRunFinished, Task: name, RunID: r.ID, State: state, Status: report})
	s.log.Info("task "+state,
		logx.String("task", name),
		logx.String("run_id", r.ID),
		logx.Int("ok", ok),
		logx.Int("failed", fail),
		logx.Int("stopped", stopped),
		logx.Int("peak_workers", r.Peak()),
		logx.Duration("took", took),
	)
	if q := r.queue; q != nil {
		st := q.Stats()
		s.log.Info("work queue drained",
			logx.String("task", name),
			logx.Int("done", st.Done),
			logx.Int("dropped", st.Dropped),
			logx.Int("requeued", st.Requeued),
			logx.Int("pending", st.Pending),
		)
	}
}

// Stop sets the run's cancellation flag. Stopping a task that is not running
// is a no-op that returns false.
func (s *Service) Stop(name string) bool {
	r := s.runs.Get(name)
	if r == nil {
		return false
	}
	if r.Stop() {
		s.log.Info("task stop requested", logx.String("task", name), logx.String("run_id", r.ID))
	}
	return true
}

func (s *Service) IsRunning(name string) bool { return s.runs.Get(name) != nil }

// Run returns the live run of a task, or nil.
func (s *Service) Run(name string) *Run { return s.runs.Get(name) }

// LiveReport renders the current progress of a running task.
func (s *Service) LiveReport(name string) (string, bool) {
	r := s.runs.Get(name)
	if r == nil {
		return "", false
	}
	return r.Report(), true
}

// Active lists live runs sorted by task name.
func (s *Service) Active() []RunInfo {
	runs := s.runs.List()
	out := make([]RunInfo, 0, len(runs))
	for _, r := range runs {
		out = append(out, r.info())
	}
	return out
}

// Report returns the live report when running, otherwise the persisted one.
func (s *Service) Report(ctx context.Context, name string) (string, error) {
	if rep, ok := s.LiveReport(name); ok {
		return rep, nil
	}
	t, err := s.deps.Store.LoadTask(ctx, name)
	if err != nil {
		return "", err
	}
	if t.Report == nil {
		return "", fmt.Errorf("%s: %w", name, ErrNoReport)
	}
	return *t.Report, nil
}

// Delete removes a task definition; it is refused while the task runs.
func (s *Service) Delete(ctx context.Context, name string) error {
	if s.IsRunning(name) {
		return fmt.Errorf("%s: %w", name, ErrTaskRunning)
	}
	t, err := s.deps.Store.LoadTask(ctx, name)
	if err != nil {
		return err
	}
	if t.Status == task.StatusRunning {
		return fmt.Errorf("%s: %w", name, ErrTaskRunning)
	}
	return s.deps.Store.DeleteTask(ctx, name)
}

// RecoverStale resets tasks left "running" by a previous process.
func (s *Service) RecoverStale(ctx context.Context) (int, error) {
	tasks, err := s.deps.Store.ListTasks(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, t := range tasks {
		if t.Status != task.StatusRunning || s.IsRunning(t.Name) {
			continue
		}
		t.Status = task.StatusStopped
		if t.Report == nil {
			rep := "⚠️ interrupted by restart"
			t.Report = &rep
		}
		if err := s.deps.Store.SaveTask(ctx, t); err != nil {
			return n, err
		}
		n++
		s.log.Warn("stale running task reset", logx.String("task", t.Name))
	}
	return n, nil
}

// Shutdown stops every run and waits for their reports to be written.
func (s *Service) Shutdown(ctx context.Context) error {
	s.closing.Store(true)
	for _, r := range s.runs.List() {
		r.Stop()
	}
	err := s.sup.Wait(ctx)
	s.sup.Cancel()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func uniqueAccounts(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, a := range in {
		a = strings.TrimSpace(a)
		if a == "" || seen[a] {
			continue
		}
		seen[a] = true
		out = append(out, a)
	}
	return out
}

func rejectReason(err error) string {
	switch {
	case errors.Is(err, ErrNoAction), errors.Is(err, task.ErrUnknownAction), errors.Is(err, action.ErrBadVariant):
		return "action"
	case errors.Is(err, ErrNoAccounts):
		return "accounts"
	case errors.Is(err, action.ErrMissingSecret):
		return "secret"
	case errors.Is(err, action.ErrMissingContent):
		return "content"
	case errors.Is(err, ErrDMWarning):
		return "dm_warning"
	default:
		return "other"
	}
}
