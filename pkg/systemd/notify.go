// Package systemd reports daemon state to the service manager. Every call is
// a no-op when the process is not run by systemd.
package systemd

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
)

// Notifier sends sd_notify messages. The zero value uses the real socket.
type Notifier struct {
	// send is swapped in tests.
	send func(state string) (bool, error)
}

func (n Notifier) notify(state string) (bool, error) {
	if n.send != nil {
		return n.send(state)
	}
	return daemon.SdNotify(false, state)
}

func (n Notifier) Ready() (bool, error)    { return n.notify(daemon.SdNotifyReady) }
func (n Notifier) Stopping() (bool, error) { return n.notify(daemon.SdNotifyStopping) }
func (n Notifier) Reloading() (bool, error) {
	return n.notify(daemon.SdNotifyReloading)
}

// Status sets the free-form status line shown by systemctl status.
func (n Notifier) Status(s string) (bool, error) { return n.notify("STATUS=" + s) }

// Watchdog pings the service manager at half the configured WatchdogSec
// while healthy reports true, until ctx ends. It returns immediately when
// the watchdog is not enabled for this process.
func (n Notifier) Watchdog(ctx context.Context, healthy func() bool) error {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil || interval <= 0 {
		return err
	}
	return n.watchdog(ctx, interval/2, healthy)
}

func (n Notifier) watchdog(ctx context.Context, every time.Duration, healthy func() bool) error {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if healthy != nil && !healthy() {
				continue
			}
			if _, err := n.notify(daemon.SdNotifyWatchdog); err != nil {
				return err
			}
		}
	}
}
