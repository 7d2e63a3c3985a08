package app

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"github.com/trishtzy/weatherbot/pkg/logx"
)

// sdNotifier reports lifecycle state to systemd. Outside a unit with
// NOTIFY_SOCKET every call is a no-op.
type sdNotifier struct {
	log      logx.Logger
	notify   func(unsetEnv bool, state string) (bool, error)
	watchdog func(unsetEnv bool) (time.Duration, error)
}

func newSDNotifier(log logx.Logger) *sdNotifier {
	return &sdNotifier{
		log:      log.With(logx.String("comp", "systemd")),
		notify:   daemon.SdNotify,
		watchdog: daemon.SdWatchdogEnabled,
	}
}

func (n *sdNotifier) send(state string) {
	sent, err := n.notify(false, state)
	if err != nil {
		n.log.Warn("sd_notify failed", logx.String("state", state), logx.Err(err))
		return
	}
	if sent {
		n.log.Debug("sd_notify", logx.String("state", state))
	}
}

func (n *sdNotifier) Ready()    { n.send(daemon.SdNotifyReady) }
func (n *sdNotifier) Stopping() { n.send(daemon.SdNotifyStopping) }

// Status sets the free-form status line shown by systemctl status.
func (n *sdNotifier) Status(s string) { n.send("STATUS=" + s) }

// WatchdogInterval returns how often to ping, or 0 when the unit has no
// WatchdogSec. Pings go out at half the configured timeout.
func (n *sdNotifier) WatchdogInterval() time.Duration {
	d, err := n.watchdog(false)
	if err != nil {
		n.log.Warn("sd watchdog lookup failed", logx.Err(err))
		return 0
	}
	return d / 2
}

// RunWatchdog pings systemd every interval while healthy reports true.
func (n *sdNotifier) RunWatchdog(ctx context.Context, interval time.Duration, healthy func() bool) {
	if interval <= 0 {
		return
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if healthy == nil || healthy() {
				n.send(daemon.SdNotifyWatchdog)
			}
		}
	}
}
