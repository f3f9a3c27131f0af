package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDecodeFormats(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		file string
		raw  string
	}{
		{
			name: "json",
			file: "config.json",
			raw:  `{"storage":{"driver":"file","path":"./data"},"engine":{"default_workers":3}}`,
		},
		{
			name: "yaml",
			file: "config.yaml",
			raw:  "storage:\n  driver: file\n  path: ./data\nengine:\n  default_workers: 3\n",
		},
		{
			name: "toml",
			file: "config.toml",
			raw:  "[storage]\ndriver = \"file\"\npath = \"./data\"\n\n[engine]\ndefault_workers = 3\n",
		},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cfg, err := Decode(tc.file, []byte(tc.raw))
			if err != nil {
				t.Fatalf("Decode: %v", err)
			}
			if cfg.Storage.Driver != "file" || cfg.Storage.Path != "./data" {
				t.Fatalf("storage=%+v", cfg.Storage)
			}
			if cfg.Engine.DefaultWorkers != 3 {
				t.Fatalf("default_workers=%d, want 3", cfg.Engine.DefaultWorkers)
			}
		})
	}
}

func TestDecodeRejectsUnknownAndTrailing(t *testing.T) {
	t.Parallel()

	if _, err := Decode("c.json", []byte(`{"nope":1}`)); err == nil {
		t.Fatalf("expected unknown field error")
	}
	if _, err := Decode("c.json", []byte(`{} {}`)); err == nil {
		t.Fatalf("expected trailing data error")
	}
	if _, err := Decode("c.yaml", []byte("engine:\n  bogus: 1\n")); err == nil {
		t.Fatalf("expected unknown nested field error")
	}
}

func TestEngineResolveDefaults(t *testing.T) {
	t.Parallel()

	got, err := EngineConfig{}.Resolve()
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got.DefaultWorkers != 5 || got.MaxThrottleRetries != 3 {
		t.Fatalf("unexpected defaults: %+v", got)
	}
	if got.ConnectTimeout != 15*time.Second || got.CyclePause != 5*time.Minute {
		t.Fatalf("unexpected duration defaults: %+v", got)
	}

	if _, err := (EngineConfig{CyclePause: "soon"}).Resolve(); err == nil {
		t.Fatalf("expected invalid duration error")
	}
}

func TestSafetyResolveCooldown(t *testing.T) {
	t.Parallel()

	got, err := SafetyConfig{}.Resolve()
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got.Cooldown != time.Minute {
		t.Fatalf("default cooldown=%s, want 1m", got.Cooldown)
	}
	got, err = SafetyConfig{Cooldown: "0s"}.Resolve()
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got.Cooldown != 0 {
		t.Fatalf("cooldown=%s, want disabled", got.Cooldown)
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		cfg     Config
		wantErr string
	}{
		{name: "zero value ok", cfg: Config{}},
		{name: "bad storage", cfg: Config{Storage: StorageConfig{Driver: "mongo"}}, wantErr: "storage.driver"},
		{name: "bad remote", cfg: Config{Remote: RemoteConfig{Driver: "tdlib"}}, wantErr: "remote.driver"},
		{name: "bad fail rate", cfg: Config{Remote: RemoteConfig{FailRate: 2}}, wantErr: "fail_rate"},
		{name: "bad timezone", cfg: Config{Scheduler: SchedulerConfig{Timezone: "Mars/Olympus"}}, wantErr: "scheduler.timezone"},
		{name: "bad window", cfg: Config{Safety: SafetyConfig{ErrorWindow: "-1h"}}, wantErr: "safety.error_window"},
		{name: "bad cooldown", cfg: Config{Safety: SafetyConfig{Cooldown: "-1s"}}, wantErr: "safety.cooldown"},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			err := tc.cfg.Validate()
			if tc.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("err=%v, want containing %q", err, tc.wantErr)
			}
		})
	}
}

func TestManagerLoadAndEnvOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("telegram:\n  token: from-file\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	t.Setenv(EnvTelegramToken, "from-env")

	m := NewConfigManager(path)
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Telegram.Token != "from-env" {
		t.Fatalf("token=%q, want env override", cfg.Telegram.Token)
	}
	if m.Get() != cfg {
		t.Fatalf("Get did not return committed config")
	}
}

func TestManagerPublishKeepsNewest(t *testing.T) {
	t.Parallel()

	m := NewConfigManager("unused.json")
	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)

	a := &Config{Engine: EngineConfig{DefaultWorkers: 1}}
	b := &Config{Engine: EngineConfig{DefaultWorkers: 2}}
	m.publish(a)
	m.publish(b)

	got := <-ch
	if got != b {
		t.Fatalf("got workers=%d, want newest", got.Engine.DefaultWorkers)
	}
}

func TestSummarizeConfigChange(t *testing.T) {
	t.Parallel()

	oldCfg := &Config{Telegram: TelegramConfig{Token: "a"}, Logging: LoggingConfig{Level: "info"}}
	newCfg := &Config{Telegram: TelegramConfig{Token: "b"}, Logging: LoggingConfig{Level: "debug"}}

	changed, attrs := SummarizeConfigChange(oldCfg, newCfg)
	if strings.Join(changed, ",") != "telegram,logging" {
		t.Fatalf("changed=%v", changed)
	}
	if len(attrs) == 0 {
		t.Fatalf("expected attrs")
	}
	if got := RequiresRestart(changed); len(got) != 1 || got[0] != "telegram" {
		t.Fatalf("RequiresRestart=%v", got)
	}
}
