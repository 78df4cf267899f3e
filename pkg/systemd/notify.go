// Package systemd reports service state to systemd (sd_notify).
//
// Every call is a no-op when the process was not started by systemd with
// Type=notify, i.e. when NOTIFY_SOCKET is unset.
package systemd

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	logx "mssqltask/pkg/logx"
)

// Ready reports READY=1 together with a status line.
func Ready(status string) (bool, error) {
	return notify(daemon.SdNotifyReady, status)
}

// Stopping reports STOPPING=1.
func Stopping(status string) (bool, error) {
	return notify(daemon.SdNotifyStopping, status)
}

// Reloading reports RELOADING=1; call Ready once the new config is applied.
func Reloading() (bool, error) {
	return daemon.SdNotify(false, daemon.SdNotifyReloading)
}

// Status updates the free-form status line shown by systemctl status.
func Status(status string) (bool, error) {
	return daemon.SdNotify(false, "STATUS="+status)
}

func notify(state, status string) (bool, error) {
	if status != "" {
		state += "\nSTATUS=" + status
	}
	return daemon.SdNotify(false, state)
}

// Watchdog pings the systemd watchdog at half the configured interval until
// ctx is done. It returns immediately when WatchdogSec is not set.
func Watchdog(ctx context.Context, log logx.Logger) {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		log.Warn("systemd watchdog config invalid", logx.Err(err))
		return
	}
	if interval <= 0 {
		return
	}
	t := time.NewTicker(interval / 2)
	defer t.Stop()
	log.Debug("systemd watchdog enabled", logx.Duration("interval", interval))
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if _, err := daemon.SdNotify(false, daemon.SdNotifyWatchdog); err != nil {
				log.Warn("systemd watchdog ping failed", logx.Err(err))
			}
		}
	}
}
