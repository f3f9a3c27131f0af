package config

import (
	"reflect"
	"strings"

	logx "fleetbot/pkg/logx"
)

// SummarizeConfigChange returns the changed top-level sections and safe log
// fields describing them. Secrets (bot token, ops token) are never included.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 16)

	ot, nt := oldCfg.Telegram, newCfg.Telegram
	if ot.Token != nt.Token || ot.PollTimeout != nt.PollTimeout || ot.ProgressChatID != nt.ProgressChatID ||
		ot.ProgressEvery != nt.ProgressEvery || !reflect.DeepEqual(ot.OwnerUserIDs, nt.OwnerUserIDs) {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.Int("telegram.owner_count", len(nt.OwnerUserIDs)),
			logx.Bool("telegram.token_changed", ot.Token != nt.Token),
			logx.Bool("telegram.progress_chat_set", nt.ProgressChatID != 0),
		)
	}
	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.file", newCfg.Logging.File.Enabled),
			logx.Bool("logging.chat", newCfg.Logging.Chat.Enabled),
		)
	}
	if oldCfg.Storage != newCfg.Storage {
		changed = append(changed, "storage")
		attrs = append(attrs, logx.String("storage.driver", strings.TrimSpace(newCfg.Storage.Driver)))
	}
	if oldCfg.Engine != newCfg.Engine {
		changed = append(changed, "engine")
		attrs = append(attrs, logx.Int("engine.default_workers", newCfg.Engine.DefaultWorkers))
	}
	if !reflect.DeepEqual(oldCfg.Safety, newCfg.Safety) {
		changed = append(changed, "safety")
		attrs = append(attrs,
			logx.String("safety.error_window", newCfg.Safety.ErrorWindow),
			logx.Int("safety.max_errors", newCfg.Safety.MaxErrors),
			logx.String("safety.cooldown", newCfg.Safety.Cooldown),
		)
	}
	if oldCfg.Proxy != newCfg.Proxy {
		changed = append(changed, "proxy")
	}
	if oldCfg.Scheduler != newCfg.Scheduler {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.Bool("scheduler.enabled", newCfg.Scheduler.Enabled),
			logx.String("scheduler.timezone", newCfg.Scheduler.Timezone),
		)
	}
	oo, no := oldCfg.Ops, newCfg.Ops
	oo.Token, no.Token = "", ""
	if oo != no || (oldCfg.Ops.Token != "") != (newCfg.Ops.Token != "") {
		changed = append(changed, "ops")
		attrs = append(attrs,
			logx.Bool("ops.enabled", newCfg.Ops.Enabled),
			logx.String("ops.addr", newCfg.Ops.Addr),
			logx.Secret("ops.token", newCfg.Ops.Token),
		)
	}
	if oldCfg.Remote != newCfg.Remote {
		changed = append(changed, "remote")
		attrs = append(attrs, logx.String("remote.driver", newCfg.Remote.Driver))
	}
	return changed, attrs
}

// RequiresRestart reports sections that cannot be applied to a running process.
func RequiresRestart(changed []string) []string {
	var out []string
	for _, s := range changed {
		switch s {
		case "storage", "remote", "engine", "telegram", "proxy":
			out = append(out, s)
		}
	}
	return out
}
