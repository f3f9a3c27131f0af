package app

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	logx "fleetbot/pkg/logx"
)

// notifyReady tells systemd (Type=notify) that startup finished. Outside
// systemd NOTIFY_SOCKET is unset and this is a no-op.
func notifyReady(log logx.Logger) {
	sdNotify(log, daemon.SdNotifyReady)
}

func notifyStopping(log logx.Logger) {
	sdNotify(log, daemon.SdNotifyStopping)
}

func sdNotify(log logx.Logger, state string) {
	sent, err := daemon.SdNotify(false, state)
	if err != nil {
		log.Warn("sd_notify failed", logx.String("state", state), logx.Err(err))
		return
	}
	if sent {
		log.Debug("sd_notify sent", logx.String("state", state))
	}
}

// runWatchdog pings systemd at half the WatchdogSec interval until ctx ends.
func runWatchdog(ctx context.Context, log logx.Logger) {
	every, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		log.Warn("systemd watchdog config invalid", logx.Err(err))
		return
	}
	if every <= 0 {
		return
	}
	t := time.NewTicker(every / 2)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			sdNotify(log, daemon.SdNotifyWatchdog)
		}
	}
}
