package safety

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"fleetbot/internal/task"
	logx "fleetbot/pkg/logx"
)

type profiles map[string]Profile

func (p profiles) AccountProfile(_ context.Context, id string) (Profile, error) {
	prof, ok := p[id]
	if !ok {
		return Profile{}, errors.New("unknown account")
	}
	return prof, nil
}

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newGovernor(p profiles, c *clock) *Governor {
	return NewGovernor(p, Options{ErrorWindow: time.Hour, MaxErrors: 5, Now: c.Now}, logx.Nop())
}

func TestBucketFor(t *testing.T) {
	t.Parallel()

	cases := []struct {
		age  time.Duration
		want Bucket
	}{
		{age: time.Hour, want: BucketFresh},
		{age: 3 * 24 * time.Hour, want: BucketNew},
		{age: 10 * 24 * time.Hour, want: BucketYoung},
		{age: 90 * 24 * time.Hour, want: BucketMature},
	}
	for _, tc := range cases {
		if got := BucketFor(now.Add(-tc.age), now); got != tc.want {
			t.Fatalf("age %v: got %s, want %s", tc.age, got, tc.want)
		}
	}
	if got := BucketFor(time.Time{}, now); got != BucketFresh {
		t.Fatalf("unknown creation: got %s", got)
	}
}

func TestPolicyScaling(t *testing.T) {
	t.Parallel()

	p := PolicyFor(BucketMature, task.KindBroadcastDM)
	if p.MinDelay != 90*time.Second || p.MaxDelay != 270*time.Second {
		t.Fatalf("delays=%v..%v", p.MinDelay, p.MaxDelay)
	}
	if p.MaxPerDay != 16 {
		t.Fatalf("cap=%d, want 16", p.MaxPerDay)
	}

	// 5 / 3.0 floors to 1, never 0.
	if got := PolicyFor(BucketFresh, task.KindBroadcastDM).MaxPerDay; got != 1 {
		t.Fatalf("fresh dm cap=%d, want 1", got)
	}
	if got := PolicyFor(BucketFresh, task.KindCheckAll).MaxPerDay; got != 5 {
		t.Fatalf("fresh check cap=%d, want 5", got)
	}
}

func TestCheckGates(t *testing.T) {
	t.Parallel()

	c := &clock{t: now}
	g := newGovernor(profiles{
		"fresh":  {CreatedAt: now.Add(-time.Hour)},
		"new":    {CreatedAt: now.Add(-3 * 24 * time.Hour)},
		"newok":  {CreatedAt: now.Add(-3 * 24 * time.Hour), WarmedUp: true},
		"mature": {CreatedAt: now.Add(-100 * 24 * time.Hour)},
	}, c)
	ctx := context.Background()

	cases := []struct {
		account string
		kind    task.Kind
		allowed bool
		reason  string
	}{
		{account: "fresh", kind: task.KindBroadcastDM, reason: "may not run"},
		{account: "fresh", kind: task.KindCheckAll, allowed: true},
		{account: "new", kind: task.KindBroadcastDM, reason: "may not run"},
		{account: "new", kind: task.KindJoinChats, reason: "warm-up required"},
		{account: "newok", kind: task.KindJoinChats, allowed: true},
		{account: "mature", kind: task.KindBroadcastDM, allowed: true},
	}
	for _, tc := range cases {
		v, err := g.Check(ctx, tc.account, tc.kind)
		if err != nil {
			t.Fatalf("%s/%s: %v", tc.account, tc.kind, err)
		}
		if v.Allowed != tc.allowed {
			t.Fatalf("%s/%s: allowed=%v reason=%q", tc.account, tc.kind, v.Allowed, v.Reason)
		}
		if !tc.allowed && !strings.Contains(v.Reason, tc.reason) {
			t.Fatalf("%s/%s: reason=%q, want %q", tc.account, tc.kind, v.Reason, tc.reason)
		}
		if !tc.allowed {
			var rej *Rejection
			if !errors.As(v.Err(), &rej) || rej.Account != tc.account {
				t.Fatalf("Err()=%v", v.Err())
			}
		}
	}

	if _, err := g.Check(ctx, "ghost", task.KindCheckAll); err == nil {
		t.Fatalf("expected profile error")
	}
}

func TestWarmupMarkLiftsGate(t *testing.T) {
	t.Parallel()

	c := &clock{t: now}
	g := newGovernor(profiles{"n": {CreatedAt: now.Add(-2 * 24 * time.Hour)}}, c)
	v, _ := g.Check(context.Background(), "n", task.KindJoinChats)
	if v.Allowed {
		t.Fatalf("expected warm-up gate")
	}
	g.MarkWarmedUp("n")
	v, _ = g.Check(context.Background(), "n", task.KindJoinChats)
	if !v.Allowed {
		t.Fatalf("still rejected after warm-up: %s", v.Reason)
	}
}

func TestDailyCapRevokesAndResets(t *testing.T) {
	t.Parallel()

	c := &clock{t: now}
	g := newGovernor(profiles{"f": {CreatedAt: now.Add(-time.Hour)}}, c)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		g.Record("f", task.KindCheckAll, true)
	}
	v, _ := g.Check(ctx, "f", task.KindCheckAll)
	if v.Allowed || !strings.Contains(v.Reason, "daily cap") {
		t.Fatalf("verdict=%+v", v)
	}

	c.Advance(24 * time.Hour)
	v, _ = g.Check(ctx, "f", task.KindCheckAll)
	if !v.Allowed {
		t.Fatalf("cap not reset next day: %s", v.Reason)
	}
}

func TestErrorWindowRevokes(t *testing.T) {
	t.Parallel()

	c := &clock{t: now}
	g := newGovernor(profiles{"m": {CreatedAt: now.Add(-100 * 24 * time.Hour)}}, c)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		g.Record("m", task.KindBroadcast, false)
	}
	v, _ := g.Check(ctx, "m", task.KindBroadcast)
	if v.Allowed || !strings.Contains(v.Reason, "too many errors") {
		t.Fatalf("verdict=%+v", v)
	}

	c.Advance(61 * time.Minute)
	v, _ = g.Check(ctx, "m", task.KindBroadcast)
	if !v.Allowed {
		t.Fatalf("errors did not age out: %s", v.Reason)
	}
}

func TestBlockAndUnblock(t *testing.T) {
	t.Parallel()

	c := &clock{t: now}
	g := newGovernor(profiles{"m": {CreatedAt: now.Add(-100 * 24 * time.Hour)}}, c)
	g.Block("m", "spam block")
	v, _ := g.Check(context.Background(), "m", task.KindCheckAll)
	if v.Allowed || !strings.Contains(v.Reason, "spam block") {
		t.Fatalf("verdict=%+v", v)
	}
	g.Unblock("m")
	if v, _ = g.Check(context.Background(), "m", task.KindCheckAll); !v.Allowed {
		t.Fatalf("still blocked: %s", v.Reason)
	}
}

func TestPaceFactorEscalates(t *testing.T) {
	t.Parallel()
	c := &clock{t: now}
	g := newGovernor(profiles{"a": {CreatedAt: now.Add(-90 * 24 * time.Hour)}}, c)

	if f := g.PaceFactor("a"); f != 1 {
		t.Fatalf("idle factor=%v", f)
	}
	g.Record("a", task.KindJoinChats, true)
	if f := g.PaceFactor("a"); f != 1.5 {
		t.Fatalf("recent factor=%v", f)
	}

	for i := 0; i < 30; i++ {
		g.Record("a", task.KindBroadcast, true)
	}
	for i := 0; i < 20; i++ {
		g.Record("a", task.KindJoinChats, true)
	}
	if f := g.PaceFactor("a"); f != 3 {
		t.Fatalf("recent+busy factor=%v", f)
	}
	c.Advance(10 * time.Minute)
	if f := g.PaceFactor("a"); f != 2 {
		t.Fatalf("busy factor=%v", f)
	}
	v, err := g.Check(context.Background(), "a", task.KindJoinChats)
	if err != nil || v.Pace != 2 {
		t.Fatalf("verdict pace=%v err=%v", v.Pace, err)
	}
	if act := g.Activity("a", ""); act.UsageToday != 51 || !act.LastActive.Equal(now) {
		t.Fatalf("activity=%+v", act)
	}

	c.Advance(24 * time.Hour)
	if f := g.PaceFactor("a"); f != 1 {
		t.Fatalf("next day factor=%v", f)
	}
}

func TestCooldownOnlyGatesStarts(t *testing.T) {
	t.Parallel()
	c := &clock{t: now}
	g := NewGovernor(profiles{"a": {CreatedAt: now.Add(-90 * 24 * time.Hour)}},
		Options{Cooldown: time.Minute, Now: c.Now}, logx.Nop())
	ctx := context.Background()

	if v, _ := g.CheckStart(ctx, "a", task.KindCheckAll); !v.Allowed {
		t.Fatalf("unused account refused: %s", v.Reason)
	}
	g.Record("a", task.KindCheckAll, false)
	c.Advance(20 * time.Second)

	v, err := g.CheckStart(ctx, "a", task.KindCheckAll)
	if err != nil || v.Allowed || !strings.Contains(v.Reason, "cooldown 1m0s") {
		t.Fatalf("start verdict=%+v err=%v", v, err)
	}
	if v, _ := g.Check(ctx, "a", task.KindCheckAll); !v.Allowed {
		t.Fatalf("in-run check refused: %s", v.Reason)
	}

	c.Advance(time.Minute)
	if v, _ := g.CheckStart(ctx, "a", task.KindCheckAll); !v.Allowed {
		t.Fatalf("refused after cooldown: %s", v.Reason)
	}

	g.SetOptions(Options{})
	g.Record("a", task.KindCheckAll, true)
	if v, _ := g.CheckStart(ctx, "a", task.KindCheckAll); !v.Allowed {
		t.Fatalf("disabled cooldown still refuses: %s", v.Reason)
	}
}
