// Package pidfile guards against a second axectl instance driving the same
// device.
package pidfile

import (
	"os"
	"path/filepath"
	"strconv"
	"syscall"

	"codeberg.org/mutker/axectl/internal/errors"
)

const fileName = "axectl.pid"

// ErrAlreadyRunning reports a live process holding the PID file.
const ErrAlreadyRunning = errors.ErrorCode("pidfile_already_running")

func path() string {
	return filepath.Join(os.TempDir(), fileName)
}

// Write records the current process ID. It fails when another live process
// already holds the file; a stale file from a dead process is overwritten.
func Write() error {
	errFactory := errors.New()

	if raw, err := os.ReadFile(path()); err == nil {
		if pid, err := strconv.Atoi(string(raw)); err == nil {
			if proc, err := os.FindProcess(pid); err == nil {
				if proc.Signal(syscall.Signal(0)) == nil {
					return errFactory.New(ErrAlreadyRunning)
				}
			}
		}
	}

	if err := os.WriteFile(path(), []byte(strconv.Itoa(os.Getpid())), 0o600); err != nil {
		return errFactory.Wrap(errors.ErrWritePIDFile, err)
	}

	return nil
}

// Remove deletes the PID file. A missing file is not an error.
func Remove() error {
	errFactory := errors.New()

	if err := os.Remove(path()); err != nil && !os.IsNotExist(err) {
		return errFactory.Wrap(errors.ErrInternal, err)
	}

	return nil
}
