package app

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"fleetbot/internal/config"
	"fleetbot/internal/storage"
	"fleetbot/internal/task"
	kit "fleetbot/internal/transport"
	"fleetbot/internal/transport/transporttest"
	logx "fleetbot/pkg/logx"
)

const testConfig = `{
  "telegram": {"token": "unused", "owner_user_ids": [42], "progress_chat_id": 42},
  "logging": {"level": "warn", "console": false},
  "storage": {"driver": "file", "path": %q},
  "engine": {},
  "safety": {"max_errors": 3},
  "proxy": {},
  "scheduler": {"enabled": true},
  "ops": {"enabled": true, "addr": "127.0.0.1:0", "metrics": true},
  "remote": {"driver": "dryrun", "sessions_dir": %q}
}`

func writeFile(t *testing.T, path, body string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func TestAppLifecycle(t *testing.T) {
	dir := t.TempDir()
	sessions := filepath.Join(dir, "sessions")
	if err := os.MkdirAll(sessions, 0o755); err != nil {
		t.Fatal(err)
	}
	writeFile(t, filepath.Join(sessions, "79990001.session"), "")
	writeFile(t, filepath.Join(sessions, "79990001.json"), `{"app_id": 2040, "app_hash": "b18441a1ff607e10a989891a5462e627"}`)

	dbPath := filepath.Join(dir, "data", "fleetbot.json")
	seed, err := storage.Open(storage.Config{Driver: "file", Path: dbPath}, logx.Nop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := seed.SaveTask(context.Background(), task.Task{
		Name:     "stale",
		Action:   task.Action{Kind: task.KindCheckAll},
		Accounts: []string{"79990001"},
		Settings: task.DefaultSettings(),
		Status:   task.StatusRunning,
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	_ = seed.Close()

	cfgPath := filepath.Join(dir, "config.json")
	writeFile(t, cfgPath, fmt.Sprintf(testConfig, dbPath, sessions))

	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	ad := transporttest.New()
	a, err := build(cfgm, cfg, ad)
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := a.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	tk, err := a.store.LoadTask(ctx, "stale")
	if err != nil {
		t.Fatalf("load task: %v", err)
	}
	if tk.Status != task.StatusStopped || tk.Report == nil || !strings.Contains(*tk.Report, "interrupted by restart") {
		t.Fatalf("stale task not recovered: status=%s report=%v", tk.Status, tk.Report)
	}
	if _, err := a.store.LoadAccount(ctx, "79990001"); err != nil {
		t.Fatalf("session not imported: %v", err)
	}

	a.updates <- kit.Update{Kind: kit.UpdateMessage, Message: &kit.Message{ChatID: 42, FromID: 42, Text: "/tasks"}}
	if _, ok := ad.WaitFor(ctx, transporttest.Contains("stale")); !ok {
		t.Fatalf("no /tasks reply; sent=%v", ad.Sent())
	}

	var addr string
	for addr == "" {
		if ctx.Err() != nil {
			t.Fatalf("ops server never bound")
		}
		addr = a.ops.Addr()
		time.Sleep(10 * time.Millisecond)
	}
	resp, err := http.Get("http://" + addr + "/metrics")
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if !strings.Contains(string(body), "fleetbot_engine_runs_active") {
		t.Fatalf("engine metrics missing from /metrics")
	}

	if err := a.Stop(ctx, StopSignal); err != nil {
		t.Fatalf("stop: %v", err)
	}
	select {
	case <-a.Done():
	default:
		t.Fatalf("app context still alive after Stop")
	}
}

func TestImportSessionsSkipsKnown(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	for _, id := range []string{"1001", "1002"} {
		writeFile(t, filepath.Join(dir, id+".session"), "")
		writeFile(t, filepath.Join(dir, id+".json"), `{"api_id": 1, "api_hash": "h"}`)
	}
	st, err := storage.Open(storage.Config{Driver: "file", Path: filepath.Join(dir, "db.json")}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()
	ctx := context.Background()
	if err := st.SaveAccount(ctx, storage.Account{ID: "1001", Status: "banned"}); err != nil {
		t.Fatal(err)
	}

	n, err := importSessions(ctx, st, dir)
	if err != nil || n != 1 {
		t.Fatalf("import: n=%d err=%v", n, err)
	}
	known, _ := st.LoadAccount(ctx, "1001")
	if known.Status != "banned" {
		t.Fatalf("existing account overwritten: %+v", known)
	}
	if n, _ := importSessions(ctx, st, dir); n != 0 {
		t.Fatalf("second import added %d", n)
	}
}

func TestMapping(t *testing.T) {
	t.Parallel()

	if _, err := mapStorage(&config.Config{Storage: config.StorageConfig{Driver: "sqlite"}}); err == nil {
		t.Fatalf("sqlite without path accepted")
	}
	if _, err := mapStorage(&config.Config{Storage: config.StorageConfig{Driver: "redis"}}); err == nil {
		t.Fatalf("unknown driver accepted")
	}
	sc, err := mapStorage(&config.Config{Storage: config.StorageConfig{Driver: "SQLite", Path: "x.db"}})
	if err != nil || sc.Driver != "sqlite" || sc.BusyTimeout != 5*time.Second {
		t.Fatalf("sqlite mapping: %+v err=%v", sc, err)
	}

	so, err := mapSink(&config.Config{Telegram: config.TelegramConfig{ProgressChatID: 7}})
	if err != nil || so.Every != 3*time.Second || so.Chat.ChatID != 7 {
		t.Fatalf("sink mapping: %+v err=%v", so, err)
	}

	off := false
	eo, err := mapEngine(&config.Config{Safety: config.SafetyConfig{EnforceWorkerCap: &off}})
	if err != nil || eo.EnforceWorkerCap || eo.DefaultWorkers != 5 {
		t.Fatalf("engine mapping: %+v err=%v", eo, err)
	}

	if _, err := newDialer(&config.Config{Remote: config.RemoteConfig{Driver: "mtproto"}}, logx.Nop()); err == nil {
		t.Fatalf("unknown remote driver accepted")
	}
}
