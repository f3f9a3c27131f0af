package supervisor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestCancelOnError(t *testing.T) {
	t.Parallel()
	s := New(context.Background(), WithCancelOnError(true))
	boom := errors.New("boom")
	s.Go("fails", func(context.Context) error { return boom })
	s.Go0("waits", func(ctx context.Context) { <-ctx.Done() })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Wait(ctx); !errors.Is(err, boom) {
		t.Fatalf("Wait=%v, want boom", err)
	}
	if c := s.Counters(); c.Active != 0 || c.Started != 2 {
		t.Fatalf("counters=%+v", c)
	}
}

func TestPanicIsRecovered(t *testing.T) {
	t.Parallel()
	s := New(context.Background())
	s.Go0("panics", func(context.Context) { panic("oops") })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Wait(ctx); err == nil {
		t.Fatalf("expected panic error")
	}
	if s.Counters().Panics != 1 {
		t.Fatalf("panics=%d", s.Counters().Panics)
	}
	if s.Context().Err() != nil {
		t.Fatalf("context canceled without WithCancelOnError")
	}
	s.Cancel()
}

func TestGoRestart(t *testing.T) {
	t.Parallel()
	s := New(context.Background())
	var runs atomic.Int32
	s.GoRestart("flaky", func(context.Context) error {
		if runs.Add(1) < 3 {
			return errors.New("transient")
		}
		return nil
	}, WithRestartBackoff(time.Millisecond, 5*time.Millisecond))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Wait(ctx); err != nil {
		t.Fatalf("Wait=%v", err)
	}
	if got := runs.Load(); got != 3 {
		t.Fatalf("runs=%d, want 3", got)
	}
}

func TestGoRestartGivesUp(t *testing.T) {
	t.Parallel()
	s := New(context.Background())
	var runs atomic.Int32
	s.GoRestart("broken", func(context.Context) error {
		runs.Add(1)
		return errors.New("permanent")
	}, WithRestartBackoff(time.Millisecond, time.Millisecond), WithMaxRestarts(2))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Wait(ctx); err == nil {
		t.Fatalf("expected give-up error")
	}
	if got := runs.Load(); got != 3 {
		t.Fatalf("runs=%d, want initial run plus 2 restarts", got)
	}
}

func TestStopWaitsForGoroutines(t *testing.T) {
	t.Parallel()
	s := New(context.Background())
	var exited atomic.Bool
	s.Go0("loop", func(ctx context.Context) {
		<-ctx.Done()
		time.Sleep(10 * time.Millisecond)
		exited.Store(true)
	})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("Stop=%v", err)
	}
	if !exited.Load() {
		t.Fatalf("Stop returned before goroutine exit")
	}
}
