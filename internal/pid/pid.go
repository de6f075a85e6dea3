// Package pid guards against two controllers driving the same fan pin.
package pid

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"codeberg.org/mutker/pifanctl/internal/errors"
)

const (
	pidFile = "pifanctl.pid"
)

// DefaultPath is the PID file location used when none is configured.
func DefaultPath() string {
	return filepath.Join(os.TempDir(), pidFile)
}

// Write writes the current process ID to path. It fails with
// ErrAlreadyRunning when path names a live process; stale or unreadable
// contents are overwritten.
func Write(path string) error {
	errFactory := errors.New()

	if running, pid := holder(path); running {
		return errFactory.WithData(errors.ErrAlreadyRunning, "pid "+strconv.Itoa(pid))
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errFactory.Wrap(errors.ErrInternal, err)
	}

	err := os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o600)
	if err != nil {
		return errFactory.Wrap(errors.ErrInternal, err)
	}

	return nil
}

func holder(path string) (bool, int) {
	bytes, err := os.ReadFile(path)
	if err != nil {
		return false, 0
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(bytes)))
	if err != nil || pid <= 0 {
		return false, 0
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		return false, 0
	}

	return process.Signal(syscall.Signal(0)) == nil, pid
}

// Remove removes the PID file.
func Remove(path string) error {
	errFactory := errors.New()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}

	if err := os.Remove(path); err != nil {
		return errFactory.Wrap(errors.ErrInternal, err)
	}

	return nil
}
