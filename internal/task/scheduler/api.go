package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"fleetbot/internal/task"
	"fleetbot/internal/task/engine"
	logx "fleetbot/pkg/logx"
)

// Sync makes the registered schedules match the tasks: new or changed
// schedules are (re)registered, and tasks without one are removed.
// Invalid schedules are reported and skipped.
func (s *Service) Sync(tasks []task.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	want := make(map[string]string, len(tasks))
	for _, t := range tasks {
		if raw := strings.TrimSpace(t.Settings.Schedule); raw != "" {
			want[t.Name] = raw
		}
	}

	for name := range s.defs {
		if _, ok := want[name]; !ok {
			s.removeLocked(name)
		}
	}

	var errs []error
	for name, raw := range want {
		if d, ok := s.defs[name]; ok && d.raw == raw {
			continue
		}
		if err := s.upsertLocked(name, raw); err != nil {
			errs = append(errs, fmt.Errorf("task %s: %w", name, err))
			s.log.Warn("invalid task schedule", logx.String("task", name), logx.String("schedule", raw), logx.Err(err))
		}
	}
	return errors.Join(errs...)
}

// Set registers or replaces the schedule of one task.
func (s *Service) Set(name, schedule string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if strings.TrimSpace(name) == "" {
		return errors.New("task name required")
	}
	if strings.TrimSpace(schedule) == "" {
		s.removeLocked(name)
		return nil
	}
	return s.upsertLocked(name, schedule)
}

// Remove drops the schedule of a task, reporting whether one existed.
func (s *Service) Remove(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.removeLocked(name)
}

func (s *Service) upsertLocked(name, raw string) error {
	ps, err := ParseSchedule(raw)
	if err != nil {
		return err
	}
	spec := ps.Cron
	if ps.Kind == SpecInterval {
		spec = "@every " + ps.Every.String()
	} else if _, err := s.parser.Parse(spec); err != nil {
		return fmt.Errorf("invalid cron %q: %w", spec, err)
	}

	s.removeLocked(name)
	d := &scheduleDef{task: name, raw: raw, spec: spec}
	s.defs[name] = d
	if s.c != nil {
		s.registerLocked(d)
	}
	return nil
}

func (s *Service) removeLocked(name string) bool {
	d, ok := s.defs[name]
	if !ok {
		return false
	}
	if s.c != nil && d.entryID != 0 {
		s.c.Remove(d.entryID)
	}
	delete(s.defs, name)
	s.log.Debug("schedule removed", logx.String("task", name))
	return true
}

// registerLocked adds d to the running cron. Interval schedules get a random
// first-run spread so a restart does not fire every task at once.
func (s *Service) registerLocked(d *scheduleDef) {
	name := d.task
	job := cron.FuncJob(func() { s.fire(name) })

	if strings.HasPrefix(d.spec, "@every") {
		every, err := time.ParseDuration(strings.TrimSpace(strings.TrimPrefix(d.spec, "@every")))
		if err == nil && every > 0 {
			loc := s.loc
			if loc == nil {
				loc = time.Local
			}
			sched, jitter := makeIntervalScheduleWithSpread(every, time.Now().In(loc), name)
			d.startupSpread = jitter
			d.entryID = s.c.Schedule(sched, job)
			s.log.Debug("schedule registered", logx.String("task", name), logx.String("spec", d.spec), logx.Duration("spread", jitter))
			return
		}
	}

	d.startupSpread = 0
	eid, err := s.c.AddJob(d.spec, job)
	if err != nil {
		s.log.Error("schedule register failed", logx.String("task", name), logx.String("spec", d.spec), logx.Err(err))
		return
	}
	d.entryID = eid
	fields := []logx.Field{logx.String("task", name), logx.String("spec", d.spec)}
	if next := s.previewNextRunsLocked(d.spec, 3); next != "" {
		fields = append(fields, logx.String("next", next))
	}
	s.log.Debug("schedule registered", fields...)
}

// fire starts the task unless it is already running.
func (s *Service) fire(name string) {
	s.trigMu.Lock()
	s.triggered[name]++
	ctx := s.ctx
	s.trigMu.Unlock()

	if s.launcher == nil {
		return
	}
	if s.launcher.IsRunning(name) {
		s.reportStartError(name, engine.ErrAlreadyRunning)
		return
	}
	sctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	r, err := s.launcher.Start(sctx, name)
	if err != nil {
		s.reportStartError(name, err)
		return
	}
	fields := []logx.Field{logx.String("task", name)}
	if r != nil {
		fields = append(fields, logx.String("run_id", r.ID))
	}
	s.log.Info("scheduled task started", fields...)
}

// previewNextRunsLocked lists upcoming run times for debug logs.
func (s *Service) previewNextRunsLocked(spec string, n int) string {
	if !s.log.Enabled(logx.LevelDebug) || n <= 0 {
		return ""
	}
	loc := s.loc
	if loc == nil {
		loc = s.loadLocationLocked()
	}
	sched, err := s.parser.Parse(spec)
	if err != nil {
		return ""
	}
	t := time.Now().In(loc)
	var b strings.Builder
	for i := 0; i < n; i++ {
		t = sched.Next(t)
		if t.IsZero() {
			break
		}
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(t.Format("2006-01-02 15:04:05"))
	}
	return b.String()
}
