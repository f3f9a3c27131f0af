package app

import (
	"fmt"
	"strings"
	"time"

	"fleetbot/internal/config"
	"fleetbot/internal/control"
	"fleetbot/internal/observability/ops"
	"fleetbot/internal/proxy"
	"fleetbot/internal/safety"
	"fleetbot/internal/storage"
	"fleetbot/internal/task/engine"
	"fleetbot/internal/task/scheduler"
	kit "fleetbot/internal/transport"
	logx "fleetbot/pkg/logx"
)

func mapLogging(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Chat: logx.ChatConfig{
			Enabled:    cfg.Logging.Chat.Enabled,
			ChatID:     cfg.Logging.Chat.ChatID,
			MinLevel:   cfg.Logging.Chat.MinLevel,
			RatePerSec: cfg.Logging.Chat.RatePerSec,
		},
	}
}

func mapStorage(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	path := strings.TrimSpace(sc.Path)
	switch driver {
	case "", "file":
		return storage.Config{Driver: "file", Path: path}, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, 5*time.Second)
		if err != nil {
			return storage.Config{}, err
		}
		return storage.Config{Driver: "sqlite", Path: path, BusyTimeout: busy}, nil
	default:
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

func mapSafety(cfg *config.Config) (safety.Options, bool, error) {
	ss, err := cfg.Safety.Resolve()
	if err != nil {
		return safety.Options{}, false, err
	}
	return safety.Options{ErrorWindow: ss.ErrorWindow, MaxErrors: ss.MaxErrors, Cooldown: ss.Cooldown}, ss.EnforceWorkerCap, nil
}

func mapEngine(cfg *config.Config) (engine.Options, error) {
	es, err := cfg.Engine.Resolve()
	if err != nil {
		return engine.Options{}, err
	}
	_, enforce, err := mapSafety(cfg)
	if err != nil {
		return engine.Options{}, err
	}
	return engine.Options{
		DefaultWorkers:     es.DefaultWorkers,
		MaxThrottleRetries: es.MaxThrottleRetries,
		ConnectTimeout:     es.ConnectTimeout,
		VerifyDelay:        es.VerifyDelay,
		CyclePause:         es.CyclePause,
		EnforceWorkerCap:   enforce,
	}, nil
}

func mapChecker(cfg *config.Config) (proxy.CheckerOptions, error) {
	ps, err := cfg.Proxy.Resolve()
	if err != nil {
		return proxy.CheckerOptions{}, err
	}
	return proxy.CheckerOptions{
		URL:         ps.CheckURL,
		Timeout:     ps.CheckTimeout,
		Concurrency: ps.CheckConcurrency,
		RatePerSec:  ps.CheckRatePerSec,
	}, nil
}

func mapScheduler(cfg *config.Config) scheduler.Config {
	return scheduler.Config{Enabled: cfg.Scheduler.Enabled, Timezone: cfg.Scheduler.Timezone}
}

func mapOps(cfg *config.Config) ops.Config {
	o := cfg.Ops
	return ops.Config{
		Enabled:       o.Enabled,
		Addr:          o.Addr,
		Token:         o.Token,
		AllowInsecure: o.AllowInsecure,
		Pprof:         o.Pprof,
		Metrics:       o.Metrics,
	}
}

func mapSink(cfg *config.Config) (control.SinkOptions, error) {
	every, err := config.ParseDurationOrDefault("telegram.progress_every", cfg.Telegram.ProgressEvery, 3*time.Second)
	if err != nil {
		return control.SinkOptions{}, err
	}
	return control.SinkOptions{
		Chat:  kit.ChatTarget{ChatID: cfg.Telegram.ProgressChatID},
		Every: every,
	}, nil
}
