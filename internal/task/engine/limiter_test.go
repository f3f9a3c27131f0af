package engine

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"fleetbot/internal/safety"
	"fleetbot/internal/task"
	logx "fleetbot/pkg/logx"
)

func TestAdmissionBoundsConcurrency(t *testing.T) {
	t.Parallel()

	a := newAdmission(3)
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := a.acquire(context.Background())
			if err != nil {
				t.Errorf("acquire: %v", err)
				return
			}
			time.Sleep(time.Millisecond)
			release()
			release()
		}()
	}
	wg.Wait()

	if a.Peak() > 3 || a.Peak() == 0 {
		t.Fatalf("peak=%d", a.Peak())
	}
	if a.InUse() != 0 {
		t.Fatalf("in use=%d after all released", a.InUse())
	}
	if got := len(a.ch); got != 3 {
		t.Fatalf("tokens=%d, want 3", got)
	}
}

func TestAdmissionCancelWhileWaiting(t *testing.T) {
	t.Parallel()

	a := newAdmission(1)
	release, err := a.acquire(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := a.acquire(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err=%v", err)
	}
	if a.InUse() != 1 {
		t.Fatalf("in use=%d", a.InUse())
	}
}

func TestAdmissionMinimumOne(t *testing.T) {
	t.Parallel()

	if got := newAdmission(0).Limit(); got != 1 {
		t.Fatalf("limit=%d", got)
	}
}

func TestPacingWidensToPolicy(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name           string
		min, max       time.Duration
		polMin, polMax time.Duration
		wantMin        time.Duration
		wantMax        time.Duration
	}{
		{name: "task stricter", min: 60 * time.Second, max: 120 * time.Second, polMin: 30 * time.Second, polMax: 90 * time.Second, wantMin: 60 * time.Second, wantMax: 120 * time.Second},
		{name: "policy stricter", min: time.Second, max: 2 * time.Second, polMin: 30 * time.Second, polMax: 90 * time.Second, wantMin: 30 * time.Second, wantMax: 90 * time.Second},
		{name: "inverted", min: 200 * time.Second, max: 0, polMin: 30 * time.Second, polMax: 90 * time.Second, wantMin: 200 * time.Second, wantMax: 200 * time.Second},
	}
	for _, tt := range tests {
		s := task.Settings{DelayMin: task.Duration(tt.min), DelayMax: task.Duration(tt.max)}
		lo, hi := pacing(s, safety.Policy{MinDelay: tt.polMin, MaxDelay: tt.polMax})
		if lo != tt.wantMin || hi != tt.wantMax {
			t.Fatalf("%s: got [%s,%s], want [%s,%s]", tt.name, lo, hi, tt.wantMin, tt.wantMax)
		}
	}
}

func TestPaceScalesWithRecentActivity(t *testing.T) {
	t.Parallel()

	gov := safety.NewGovernor(nil, safety.Options{}, logx.Nop())
	w := &worker{
		svc:      &Service{deps: Deps{Governor: gov}},
		account:  "a",
		rng:      rand.New(rand.NewSource(1)),
		minDelay: 20 * time.Millisecond,
		maxDelay: 20 * time.Millisecond,
	}
	gov.Record("a", task.KindJoinChats, true)

	start := time.Now()
	if err := w.Pace(context.Background()); err != nil {
		t.Fatal(err)
	}
	if took := time.Since(start); took < 30*time.Millisecond {
		t.Fatalf("pace took %s, want the 1.5x delay", took)
	}
}
