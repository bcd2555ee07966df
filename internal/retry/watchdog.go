package retry

import (
	"github.com/coreos/go-systemd/v22/daemon"
)

// Watchdog is a liveness signal fed before every attempt of a wrapped
// operation, so a retry storm cannot silently run into a watchdog reset.
type Watchdog interface {
	Feed()
}

type nopWatchdog struct{}

func (nopWatchdog) Feed() {}

// NopWatchdog returns a watchdog that discards feeds, for bench runs and
// tests.
func NopWatchdog() Watchdog {
	return nopWatchdog{}
}

type systemdWatchdog struct{}

func (systemdWatchdog) Feed() {
	_, _ = daemon.SdNotify(false, daemon.SdNotifyWatchdog)
}

// SystemWatchdog returns the service manager's watchdog when one is armed
// (WatchdogSec= on the unit), or a no-op feeder otherwise.
func SystemWatchdog() Watchdog {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil || interval == 0 {
		return nopWatchdog{}
	}

	return systemdWatchdog{}
}
