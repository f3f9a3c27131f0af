package control

import (
	"context"
	"errors"
	"net"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"fleetbot/internal/progress"
	"fleetbot/internal/proxy"
	"fleetbot/internal/remote/remotetest"
	"fleetbot/internal/safety"
	"fleetbot/internal/storage"
	"fleetbot/internal/task"
	"fleetbot/internal/task/engine"
	kit "fleetbot/internal/transport"
	"fleetbot/internal/transport/telegram/router"
	"fleetbot/internal/transport/transporttest"
	logx "fleetbot/pkg/logx"
)

const mature = 60 * 24 * time.Hour

type fixture struct {
	ctl   *Controller
	eng   *engine.Service
	store storage.Store
	bus   progress.Bus
	fake  *transporttest.Adapter
}

func newFixture(t *testing.T, d *remotetest.Dialer) *fixture {
	t.Helper()
	st, err := storage.Open(storage.Config{Path: filepath.Join(t.TempDir(), "db.json")}, logx.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	gov := safety.NewGovernor(storage.Profiles{Store: st}, safety.Options{}, logx.Nop())
	bus := progress.NewBus()
	eng := engine.New(engine.Deps{Store: st, Dialer: d, Governor: gov, Bus: bus}, engine.Options{
		Seed:         1,
		CyclePause:   20 * time.Millisecond,
		PacingBounds: func(task.Settings, safety.Policy) (time.Duration, time.Duration) { return 0, 0 },
	}, logx.Nop())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = eng.Shutdown(ctx)
	})
	checker := proxy.NewChecker(proxy.CheckerOptions{URL: "http://example.invalid/", Timeout: 2 * time.Second}, logx.Nop())

	ctl := New(Deps{Store: st, Engine: eng, Governor: gov, Checker: checker}, logx.Nop())
	return &fixture{ctl: ctl, eng: eng, store: st, bus: bus, fake: transporttest.New()}
}

func (f *fixture) req(args ...string) *router.Request {
	return &router.Request{Chat: kit.ChatTarget{ChatID: 10}, FromID: 1, Args: args, Adapter: f.fake, Logger: logx.Nop()}
}

func (f *fixture) lastText(t *testing.T) string {
	t.Helper()
	sent := f.fake.Sent()
	if len(sent) == 0 {
		t.Fatalf("nothing sent")
	}
	return sent[len(sent)-1].Text
}

func (f *fixture) waitIdle(t *testing.T, name string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for f.eng.IsRunning(name) {
		if time.Now().After(deadline) {
			t.Fatalf("%s still running", name)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func (f *fixture) seed(t *testing.T, age time.Duration, tk task.Task, accounts ...string) {
	t.Helper()
	ctx := context.Background()
	for _, id := range accounts {
		if err := f.store.SaveAccount(ctx, storage.Account{ID: id, CreatedAt: time.Now().Add(-age)}); err != nil {
			t.Fatal(err)
		}
	}
	if tk.Name == "" {
		return
	}
	tk.Status = task.StatusStopped
	tk.Settings.ConcurrentWorkers = 5
	if err := f.store.SaveTask(ctx, tk); err != nil {
		t.Fatal(err)
	}
}

func TestRunAndReport(t *testing.T) {
	t.Parallel()
	f := newFixture(t, &remotetest.Dialer{})
	f.seed(t, mature, task.Task{Name: "T1", Action: task.Action{Kind: task.KindCheckAll}, Accounts: []string{"A", "B"}}, "A", "B")
	ctx := context.Background()

	if err := f.ctl.cmdRun(ctx, f.req("T1")); err != nil {
		t.Fatalf("run: %v", err)
	}
	sent := f.fake.Sent()
	if !strings.HasPrefix(sent[0].Text, "▶️ T1 started") {
		t.Fatalf("start reply: %q", sent[0].Text)
	}
	if b := sent[0].Opt.Buttons; len(b) != 1 || b[0][0].Data != "run:stop:T1" {
		t.Fatalf("stop button: %+v", b)
	}
	f.waitIdle(t, "T1")

	if err := f.ctl.cmdReport(ctx, f.req("T1")); err != nil {
		t.Fatalf("report: %v", err)
	}
	if got := f.lastText(t); !strings.Contains(got, "A: ✅") || !strings.Contains(got, "B: ✅") {
		t.Fatalf("report: %q", got)
	}

	if err := f.ctl.cmdTasks(ctx, f.req()); err != nil {
		t.Fatal(err)
	}
	if got := f.lastText(t); !strings.Contains(got, "⏸ T1 · check_all · 2 accounts") {
		t.Fatalf("tasks: %q", got)
	}
}

func TestRunErrors(t *testing.T) {
	t.Parallel()
	f := newFixture(t, &remotetest.Dialer{})
	f.seed(t, mature, task.Task{Name: "empty", Action: task.Action{Kind: task.KindCheckAll}})
	ctx := context.Background()

	var uerr usageError
	if err := f.ctl.cmdRun(ctx, f.req()); !errors.As(err, &uerr) {
		t.Fatalf("missing arg: %v", err)
	}
	if err := f.ctl.cmdRun(ctx, f.req("empty")); !errors.Is(err, engine.ErrNoAccounts) {
		t.Fatalf("no accounts: %v", err)
	}
	if err := f.ctl.cmdRun(ctx, f.req("missing")); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("unknown task: %v", err)
	}
	if err := f.ctl.cmdStop(ctx, f.req("empty")); err != nil {
		t.Fatal(err)
	}
	if got := f.lastText(t); got != "empty is not running" {
		t.Fatalf("stop idle: %q", got)
	}
}

func TestRunRejectionNamesAccounts(t *testing.T) {
	t.Parallel()
	f := newFixture(t, &remotetest.Dialer{})
	f.seed(t, mature, task.Task{Name: "J", Action: task.Action{Kind: task.KindCheckAll}, Accounts: []string{"old"}}, "old")
	f.ctl.deps.Governor.Block("old", "manual")

	if err := f.ctl.cmdRun(context.Background(), f.req("J")); err != nil {
		t.Fatalf("run: %v", err)
	}
	got := f.lastText(t)
	for _, want := range []string{"⛔ J not started, blocked by:", "• old: account blocked: manual", "details: /safety check_all"} {
		if !strings.Contains(got, want) {
			t.Fatalf("rejection missing %q:\n%s", want, got)
		}
	}
	if f.eng.IsRunning("J") {
		t.Fatalf("rejected task is running")
	}
}

func TestCommandHints(t *testing.T) {
	t.Parallel()
	f := newFixture(t, &remotetest.Dialer{})
	f.seed(t, mature, task.Task{Name: "idle", Action: task.Action{Kind: task.KindCheckAll}, Accounts: []string{"A"}}, "A")
	ctx := context.Background()

	if got := f.ctl.stoppedTasks(ctx); len(got) != 1 || got[0] != "idle" {
		t.Fatalf("stopped hints: %v", got)
	}
	if got := f.ctl.runningTasks(ctx); len(got) != 0 {
		t.Fatalf("running hints: %v", got)
	}
	found := false
	for _, k := range kindNames(ctx) {
		found = found || k == string(task.KindJoinChats)
	}
	if !found {
		t.Fatalf("kind hints lack join_chats")
	}
}

func TestDeleteRefusedWhileRunning(t *testing.T) {
	t.Parallel()
	release := make(chan struct{})
	d := &remotetest.Dialer{Hook: func(ctx context.Context, account, op string, args ...any) error {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return nil
	}}
	f := newFixture(t, d)
	f.seed(t, mature, task.Task{Name: "T", Action: task.Action{Kind: task.KindCheckAll}, Accounts: []string{"A"}}, "A")
	ctx := context.Background()

	if err := f.ctl.cmdRun(ctx, f.req("T")); err != nil {
		t.Fatal(err)
	}
	if err := f.ctl.cmdDelete(ctx, f.req("T")); !errors.Is(err, engine.ErrTaskRunning) {
		t.Fatalf("delete while running: %v", err)
	}
	if err := f.ctl.cmdActive(ctx, f.req()); err != nil {
		t.Fatal(err)
	}
	if got := f.lastText(t); !strings.Contains(got, "▶️ T (check_all)") {
		t.Fatalf("active: %q", got)
	}

	if err := f.ctl.cbStop(ctx, f.req(), "T"); err != nil {
		t.Fatal(err)
	}
	if got := f.lastText(t); !strings.HasPrefix(got, "⏹ stopping T") {
		t.Fatalf("stop reply: %q", got)
	}
	close(release)
	f.waitIdle(t, "T")

	if err := f.ctl.cmdDelete(ctx, f.req("T")); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := f.store.LoadTask(ctx, "T"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("task survived delete: %v", err)
	}
}

func closedPort(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	_ = ln.Close()
	return addr
}

func TestProxiesCheckAndPrune(t *testing.T) {
	t.Parallel()
	f := newFixture(t, &remotetest.Dialer{})
	ctx := context.Background()

	withCreds := closedPort(t) + ":user:hunter2"
	if err := f.store.SaveProxies(ctx, []proxy.Record{{Endpoint: withCreds}, {Endpoint: closedPort(t)}}); err != nil {
		t.Fatal(err)
	}

	if err := f.ctl.cmdProxies(ctx, f.req()); err != nil {
		t.Fatal(err)
	}
	got := f.lastText(t)
	if !strings.Contains(got, "proxies: 2") || strings.Contains(got, "hunter2") {
		t.Fatalf("proxies: %q", got)
	}

	if err := f.ctl.cmdProxiesCheck(ctx, f.req()); err != nil {
		t.Fatalf("check: %v", err)
	}
	if got := f.lastText(t); !strings.Contains(got, "❌ 2 not working") {
		t.Fatalf("check summary: %q", got)
	}
	recs, _ := f.store.ListProxies(ctx)
	for _, r := range recs {
		if r.Status != proxy.StatusNotWorking || r.CheckedAt.IsZero() {
			t.Fatalf("record not updated: %+v", r)
		}
	}

	if err := f.ctl.cmdProxiesPrune(ctx, f.req()); err != nil {
		t.Fatal(err)
	}
	if recs, _ := f.store.ListProxies(ctx); len(recs) != 0 {
		t.Fatalf("prune left %d proxies", len(recs))
	}
	if err := f.ctl.cmdProxiesCheck(ctx, f.req()); !errors.Is(err, errNoProxies) {
		t.Fatalf("check with none: %v", err)
	}
}

func TestSafetyCommand(t *testing.T) {
	t.Parallel()
	f := newFixture(t, &remotetest.Dialer{})
	f.seed(t, time.Hour, task.Task{}, "fresh")
	f.seed(t, mature, task.Task{}, "old")
	ctx := context.Background()

	if err := f.ctl.cmdSafety(ctx, f.req("broadcast_dm")); err != nil {
		t.Fatal(err)
	}
	got := f.lastText(t)
	for _, want := range []string{"🛡 broadcast_dm", "≤ 2 workers", "⚠️", "⛔ fresh (fresh)", "✅ old (mature) · 0/16 today", "blocked by fresh"} {
		if !strings.Contains(got, want) {
			t.Fatalf("safety output missing %q:\n%s", want, got)
		}
	}

	if err := f.ctl.cmdSafety(ctx, f.req("nonsense")); !errors.Is(err, task.ErrUnknownAction) {
		t.Fatalf("bad kind: %v", err)
	}
}

func TestSinkLifecycle(t *testing.T) {
	t.Parallel()
	f := newFixture(t, &remotetest.Dialer{})
	f.seed(t, mature, task.Task{Name: "T1", Action: task.Action{Kind: task.KindCheckAll}, Accounts: []string{"A"}}, "A")

	sink := NewSink(f.fake, f.bus, f.eng, SinkOptions{Chat: kit.ChatTarget{ChatID: 99}, Every: 10 * time.Millisecond}, logx.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sink.Run(ctx)

	if _, err := f.eng.Start(ctx, "T1"); err != nil {
		t.Fatal(err)
	}
	wctx, wcancel := context.WithTimeout(ctx, 5*time.Second)
	defer wcancel()
	final, ok := f.fake.WaitFor(wctx, func(s transporttest.Sent) bool {
		return !s.Edit && strings.HasPrefix(s.Text, "✅ T1 finished")
	})
	if !ok {
		t.Fatalf("no final message: %+v", f.fake.Sent())
	}
	if !strings.Contains(final.Text, "A: ✅") || final.Ref.ChatID != 99 {
		t.Fatalf("final message: %+v", final)
	}

	sent := f.fake.Sent()
	live := sent[0]
	if live.Edit || !strings.HasPrefix(live.Text, "▶️ T1 (check_all)") || len(live.Opt.Buttons) != 1 {
		t.Fatalf("live message: %+v", live)
	}
	var closed bool
	for _, s := range sent {
		if s.Edit && s.Ref == live.Ref && s.Text == "✅ T1 finished" && len(s.Opt.Buttons) == 0 {
			closed = true
		}
	}
	if !closed {
		t.Fatalf("live message not finalized: %+v", sent)
	}
}

func TestSinkDisabledWithoutChat(t *testing.T) {
	t.Parallel()
	f := newFixture(t, &remotetest.Dialer{})
	sink := NewSink(f.fake, f.bus, f.eng, SinkOptions{}, logx.Nop())
	sink.handle(context.Background(), progress.Event{Type: progress.TypeRunStarted, Task: "x", RunID: "r"})
	if n := len(f.fake.Sent()); n != 0 {
		t.Fatalf("disabled sink sent %d messages", n)
	}
}

func TestSinkSlowChatKeepsFinalReport(t *testing.T) {
	t.Parallel()
	f := newFixture(t, &remotetest.Dialer{})
	gate := make(chan struct{})
	f.fake.Gate = gate

	sink := NewSink(f.fake, f.bus, f.eng, SinkOptions{Chat: kit.ChatTarget{ChatID: 99}, Every: time.Millisecond}, logx.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sink.Run(ctx)

	f.bus.Publish(progress.Event{Type: progress.TypeRunStarted, Task: "busy", RunID: "r1", Status: "join_chats"})
	for i := 0; i < 300; i++ {
		f.bus.Publish(progress.Event{Type: progress.TypeAccount, Task: "busy", RunID: "r1", Account: "a", Status: "x"})
	}
	f.bus.Publish(progress.Event{Type: progress.TypeRunFinished, Task: "busy", RunID: "r1", State: "finished", Status: "a: ✅ done"})
	close(gate)

	wctx, wcancel := context.WithTimeout(ctx, 5*time.Second)
	defer wcancel()
	final, ok := f.fake.WaitFor(wctx, func(s transporttest.Sent) bool {
		return !s.Edit && strings.HasPrefix(s.Text, "✅ busy finished")
	})
	if !ok {
		t.Fatalf("no final report: %d messages", len(f.fake.Sent()))
	}
	if !strings.Contains(final.Text, "a: ✅ done") {
		t.Fatalf("final=%q", final.Text)
	}
	deadline := time.Now().Add(time.Second)
	for {
		sink.mu.Lock()
		n := len(sink.live)
		sink.mu.Unlock()
		if n == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("live messages left: %d", n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}
