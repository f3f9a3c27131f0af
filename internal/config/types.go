package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Config is the root of the process configuration.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type Config struct {
	Telegram  TelegramConfig  `json:"telegram"`
	Logging   LoggingConfig   `json:"logging"`
	Storage   StorageConfig   `json:"storage"`
	Engine    EngineConfig    `json:"engine"`
	Safety    SafetyConfig    `json:"safety"`
	Proxy     ProxyConfig     `json:"proxy"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Ops       OpsConfig       `json:"ops,omitempty"`
	Remote    RemoteConfig    `json:"remote"`
}

type TelegramConfig struct {
	Token        string  `json:"token"`
	OwnerUserIDs []int64 `json:"owner_user_ids"`
	PollTimeout  string  `json:"poll_timeout"`

	// ProgressChatID receives live run status messages. 0 disables them.
	ProgressChatID int64 `json:"progress_chat_id,omitempty"`
	// ProgressEvery bounds how often a live status message is edited.
	ProgressEvery string `json:"progress_every,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
	Chat    LoggingChat `json:"chat"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type LoggingChat struct {
	Enabled    bool   `json:"enabled"`
	ChatID     int64  `json:"chat_id"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// StorageConfig selects the persistence driver.
//
//	"storage": { "driver": "file", "path": "./fleetbot_data" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite
}

// EngineConfig controls the task orchestrator.
//
// Defaults:
//   - default_workers: 5
//   - max_throttle_retries: 3
//   - connect_timeout: "15s"
//   - verify_delay: "15s"
//   - cycle_pause: "5m"
//   - progress_buffer: 256
//   - shutdown_timeout: "30s"
type EngineConfig struct {
	DefaultWorkers     int    `json:"default_workers,omitempty"`
	MaxThrottleRetries int    `json:"max_throttle_retries,omitempty"`
	ConnectTimeout     string `json:"connect_timeout,omitempty"`
	VerifyDelay        string `json:"verify_delay,omitempty"`
	CyclePause         string `json:"cycle_pause,omitempty"`
	ProgressBuffer     int    `json:"progress_buffer,omitempty"`
	ShutdownTimeout    string `json:"shutdown_timeout,omitempty"`
}

// SafetyConfig tunes the safety governor.
//
// Defaults: error_window "1h", max_errors 5, enforce_worker_cap true,
// cooldown "1m" ("0s" turns it off).
type SafetyConfig struct {
	ErrorWindow      string `json:"error_window,omitempty"`
	MaxErrors        int    `json:"max_errors,omitempty"`
	EnforceWorkerCap *bool  `json:"enforce_worker_cap,omitempty"`
	Cooldown         string `json:"cooldown,omitempty"`
}

type ProxyConfig struct {
	CheckURL         string `json:"check_url,omitempty"`
	CheckTimeout     string `json:"check_timeout,omitempty"`
	CheckConcurrency int    `json:"check_concurrency,omitempty"`
	CheckRatePerSec  int    `json:"check_rate_per_sec,omitempty"`
}

type SchedulerConfig struct {
	Enabled  bool   `json:"enabled"`
	Timezone string `json:"timezone,omitempty"`
}

// OpsConfig controls the optional ops HTTP server (pprof, metrics, health).
//
// Prefer binding to localhost. A non-loopback address requires a token
// unless allow_insecure is set.
type OpsConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"` // default: "127.0.0.1:6060"
	Token         string `json:"token,omitempty"`
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`
	Metrics       bool   `json:"metrics,omitempty"`
}

// RemoteConfig selects the remote-account driver.
type RemoteConfig struct {
	Driver      string `json:"driver"` // "dryrun"
	SessionsDir string `json:"sessions_dir,omitempty"`
	// FailRate makes the dryrun driver inject connection failures (0..1).
	FailRate float64 `json:"fail_rate,omitempty"`
}

// EngineSettings is EngineConfig with defaults applied and durations parsed.
type EngineSettings struct {
	DefaultWorkers     int
	MaxThrottleRetries int
	ConnectTimeout     time.Duration
	VerifyDelay        time.Duration
	CyclePause         time.Duration
	ProgressBuffer     int
	ShutdownTimeout    time.Duration
}

func (c EngineConfig) Resolve() (EngineSettings, error) {
	out := EngineSettings{
		DefaultWorkers:     c.DefaultWorkers,
		MaxThrottleRetries: c.MaxThrottleRetries,
		ProgressBuffer:     c.ProgressBuffer,
	}
	if out.DefaultWorkers <= 0 {
		out.DefaultWorkers = 5
	}
	if out.MaxThrottleRetries <= 0 {
		out.MaxThrottleRetries = 3
	}
	if out.ProgressBuffer <= 0 {
		out.ProgressBuffer = 256
	}
	var err error
	if out.ConnectTimeout, err = ParseDurationOrDefault("engine.connect_timeout", c.ConnectTimeout, 15*time.Second); err != nil {
		return out, err
	}
	if out.VerifyDelay, err = ParseDurationOrDefault("engine.verify_delay", c.VerifyDelay, 15*time.Second); err != nil {
		return out, err
	}
	if out.CyclePause, err = ParseDurationOrDefault("engine.cycle_pause", c.CyclePause, 5*time.Minute); err != nil {
		return out, err
	}
	if out.ShutdownTimeout, err = ParseDurationOrDefault("engine.shutdown_timeout", c.ShutdownTimeout, 30*time.Second); err != nil {
		return out, err
	}
	return out, nil
}

// SafetySettings is SafetyConfig with defaults applied.
type SafetySettings struct {
	ErrorWindow      time.Duration
	MaxErrors        int
	EnforceWorkerCap bool
	Cooldown         time.Duration
}

func (c SafetyConfig) Resolve() (SafetySettings, error) {
	out := SafetySettings{MaxErrors: c.MaxErrors, EnforceWorkerCap: true}
	if out.MaxErrors <= 0 {
		out.MaxErrors = 5
	}
	if c.EnforceWorkerCap != nil {
		out.EnforceWorkerCap = *c.EnforceWorkerCap
	}
	var err error
	if out.ErrorWindow, err = ParseDurationOrDefault("safety.error_window", c.ErrorWindow, time.Hour); err != nil {
		return out, err
	}
	out.Cooldown = time.Minute
	if strings.TrimSpace(c.Cooldown) != "" {
		out.Cooldown, err = ParseDurationField("safety.cooldown", c.Cooldown)
	}
	return out, err
}

// ProxySettings is ProxyConfig with defaults applied.
type ProxySettings struct {
	CheckURL         string
	CheckTimeout     time.Duration
	CheckConcurrency int
	CheckRatePerSec  int
}

func (c ProxyConfig) Resolve() (ProxySettings, error) {
	out := ProxySettings{
		CheckURL:         strings.TrimSpace(c.CheckURL),
		CheckConcurrency: c.CheckConcurrency,
		CheckRatePerSec:  c.CheckRatePerSec,
	}
	if out.CheckURL == "" {
		out.CheckURL = "http://httpbin.org/ip"
	}
	if out.CheckConcurrency <= 0 {
		out.CheckConcurrency = 20
	}
	if out.CheckRatePerSec <= 0 {
		out.CheckRatePerSec = 50
	}
	var err error
	out.CheckTimeout, err = ParseDurationOrDefault("proxy.check_timeout", c.CheckTimeout, 15*time.Second)
	return out, err
}

// Validate checks cross-field constraints that strict decoding cannot express.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	var errs []error
	switch strings.ToLower(strings.TrimSpace(c.Storage.Driver)) {
	case "", "file", "sqlite":
	default:
		errs = append(errs, fmt.Errorf("storage.driver: unknown driver %q", c.Storage.Driver))
	}
	switch strings.ToLower(strings.TrimSpace(c.Remote.Driver)) {
	case "", "dryrun":
	default:
		errs = append(errs, fmt.Errorf("remote.driver: unknown driver %q", c.Remote.Driver))
	}
	if c.Remote.FailRate < 0 || c.Remote.FailRate > 1 {
		errs = append(errs, fmt.Errorf("remote.fail_rate: must be within [0,1]"))
	}
	if _, err := c.Engine.Resolve(); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.Safety.Resolve(); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.Proxy.Resolve(); err != nil {
		errs = append(errs, err)
	}
	if _, err := ParseDurationField("telegram.poll_timeout", c.Telegram.PollTimeout); err != nil {
		errs = append(errs, err)
	}
	if _, err := ParseDurationField("telegram.progress_every", c.Telegram.ProgressEvery); err != nil {
		errs = append(errs, err)
	}
	if tz := strings.TrimSpace(c.Scheduler.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			errs = append(errs, fmt.Errorf("scheduler.timezone: %w", err))
		}
	}
	return errors.Join(errs...)
}
