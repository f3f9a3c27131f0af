package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"fleetbot/internal/task"
	"fleetbot/internal/task/engine"
	logx "fleetbot/pkg/logx"
)

type fakeLauncher struct {
	mu      sync.Mutex
	running map[string]bool
	started []string
	err     error
}

func (f *fakeLauncher) Start(ctx context.Context, name string) (*engine.Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.started = append(f.started, name)
	return nil, nil
}

func (f *fakeLauncher) IsRunning(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running[name]
}

func (f *fakeLauncher) starts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.started...)
}

func scheduled(name, schedule string) task.Task {
	return task.Task{Name: name, Settings: task.Settings{Schedule: schedule}}
}

func TestSyncRegistersAndRemoves(t *testing.T) {
	t.Parallel()

	s := New(Config{Enabled: true, Timezone: "UTC"}, &fakeLauncher{}, logx.Nop())
	s.Start(context.Background())
	defer s.Stop(context.Background())

	err := s.Sync([]task.Task{
		scheduled("daily", "daily:09:00"),
		scheduled("hourly", "1h"),
		scheduled("manual", ""),
		scheduled("broken", "whenever"),
	})
	if err == nil {
		t.Fatalf("expected error for the broken schedule")
	}

	snap := s.Snapshot()
	if !snap.Running || snap.Timezone != "UTC" {
		t.Fatalf("snapshot=%+v", snap)
	}
	if len(snap.Schedules) != 2 || snap.Schedules[0].Task != "daily" || snap.Schedules[1].Task != "hourly" {
		t.Fatalf("schedules=%+v", snap.Schedules)
	}
	if snap.Schedules[0].Spec != "0 9 * * *" || snap.Schedules[0].Next.IsZero() {
		t.Fatalf("daily=%+v", snap.Schedules[0])
	}
	if snap.Schedules[1].Spec != "@every 1h0m0s" {
		t.Fatalf("hourly spec=%q", snap.Schedules[1].Spec)
	}
	if next := snap.Schedules[1].Next; next.Before(time.Now().Add(time.Hour - time.Second)) {
		t.Fatalf("hourly first run %s ignores the interval", next)
	}

	if err := s.Sync([]task.Task{scheduled("hourly", "2h")}); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	snap = s.Snapshot()
	if len(snap.Schedules) != 1 || snap.Schedules[0].Spec != "@every 2h0m0s" {
		t.Fatalf("after resync=%+v", snap.Schedules)
	}
	if !s.Remove("hourly") || s.Remove("hourly") {
		t.Fatalf("Remove should report true once")
	}
}

func TestFireSkipsRunningTask(t *testing.T) {
	t.Parallel()

	l := &fakeLauncher{running: map[string]bool{"busy": true}}
	s := New(Config{Enabled: true}, l, logx.Nop())

	s.fire("busy")
	s.fire("idle")
	if got := l.starts(); len(got) != 1 || got[0] != "idle" {
		t.Fatalf("started=%v", got)
	}
	if s.Triggered("busy") != 1 || s.Triggered("idle") != 1 {
		t.Fatalf("trigger counts busy=%d idle=%d", s.Triggered("busy"), s.Triggered("idle"))
	}

	l.err = errors.New("rejected")
	s.fire("idle")
	s.fire("idle")
	if len(l.starts()) != 1 {
		t.Fatalf("failed start was recorded")
	}
}

func TestDisabledSchedulerKeepsDefinitions(t *testing.T) {
	t.Parallel()

	s := New(Config{Enabled: false}, &fakeLauncher{}, logx.Nop())
	s.Start(context.Background())
	if err := s.Set("t", "30m"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	snap := s.Snapshot()
	if snap.Running || len(snap.Schedules) != 1 || !snap.Schedules[0].Next.IsZero() {
		t.Fatalf("snapshot=%+v", snap)
	}

	s.Apply(Config{Enabled: true})
	defer s.Stop(context.Background())
	snap = s.Snapshot()
	if !snap.Running || snap.Schedules[0].Next.IsZero() {
		t.Fatalf("schedule not registered after enabling: %+v", snap)
	}

	if err := s.Set("t", ""); err != nil {
		t.Fatalf("Set empty: %v", err)
	}
	if len(s.Snapshot().Schedules) != 0 {
		t.Fatalf("empty schedule should remove the entry")
	}
}

func TestIntervalSpreadIsStable(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	_, a := makeIntervalScheduleWithSpread(time.Hour, now, "task-a")
	_, b := makeIntervalScheduleWithSpread(time.Hour, now, "task-a")
	if a != b {
		t.Fatalf("spread differs for the same task: %s vs %s", a, b)
	}
	if a < 0 || a >= maxStartupSpread {
		t.Fatalf("spread %s out of range", a)
	}
	sched, jitter := makeIntervalScheduleWithSpread(10*time.Second, now, "short")
	if jitter >= 10*time.Second {
		t.Fatalf("spread %s exceeds the interval", jitter)
	}
	if got := sched.Next(now); !got.Equal(now.Add(10*time.Second + jitter)) {
		t.Fatalf("first run=%s", got)
	}
}
