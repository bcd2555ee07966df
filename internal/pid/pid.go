// Package pid guards against concurrent node instances, which would fight
// over the I2C bus and double-publish telemetry.
package pid

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"codeberg.org/howlx/atmosd/internal/errors"
)

const pidFile = "atmosd.pid"

// Write writes the current process ID to the PID file, refusing when an
// earlier instance is still alive. A stale file from a dead process is
// overwritten.
func Write() error {
	pid := os.Getpid()
	path := filepath.Join(os.TempDir(), pidFile)

	if _, err := os.Stat(path); err == nil {
		raw, err := os.ReadFile(path)
		if err != nil {
			return errors.Wrap(errors.ErrInternal, err)
		}

		oldPID, err := strconv.Atoi(strings.TrimSpace(string(raw)))
		if err == nil {
			process, err := os.FindProcess(oldPID)
			if err == nil && process.Signal(syscall.Signal(0)) == nil {
				return errors.WithData(errors.ErrAlreadyRunning, oldPID)
			}
		}
	}

	if err := os.WriteFile(path, []byte(strconv.Itoa(pid)), 0o600); err != nil {
		return errors.Wrap(errors.ErrInternal, err)
	}

	return nil
}

// Remove removes the PID file.
func Remove() error {
	path := filepath.Join(os.TempDir(), pidFile)

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}

	if err := os.Remove(path); err != nil {
		return errors.Wrap(errors.ErrInternal, err)
	}

	return nil
}
