// Package sdnotify reports service state to systemd when the agent runs as a
// Type=notify unit. Without NOTIFY_SOCKET every call is a no-op.
package sdnotify

import (
	"context"
	"log/slog"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
)

// Notifier sends sd_notify datagrams.
type Notifier struct {
	notify   func(unsetEnvironment bool, state string) (bool, error)
	watchdog func(unsetEnvironment bool) (time.Duration, error)
	logger   *slog.Logger
}

// New returns a Notifier bound to the process environment.
func New(logger *slog.Logger) *Notifier {
	return &Notifier{
		notify:   daemon.SdNotify,
		watchdog: daemon.SdWatchdogEnabled,
		logger:   logger,
	}
}

// Ready tells systemd start-up has finished.
func (n *Notifier) Ready() bool {
	return n.send(daemon.SdNotifyReady)
}

// Stopping tells systemd shutdown has begun.
func (n *Notifier) Stopping() bool {
	return n.send(daemon.SdNotifyStopping)
}

// Status publishes a free-form line shown by systemctl status.
func (n *Notifier) Status(msg string) bool {
	return n.send("STATUS=" + msg)
}

// RunWatchdog pings systemd at half of WatchdogSec until ctx is done. It
// returns at once when the unit has no watchdog configured.
func (n *Notifier) RunWatchdog(ctx context.Context) {
	interval, err := n.watchdog(false)
	if err != nil {
		n.logger.Warn("systemd watchdog unavailable", "error", err)
		return
	}
	if interval <= 0 {
		return
	}

	n.logger.Info("systemd watchdog enabled", "interval", interval)
	ticker := time.NewTicker(interval / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n.send(daemon.SdNotifyWatchdog)
		}
	}
}

func (n *Notifier) send(state string) bool {
	sent, err := n.notify(false, state)
	if err != nil {
		n.logger.Warn("sd_notify failed", "state", state, "error", err)
		return false
	}
	return sent
}
