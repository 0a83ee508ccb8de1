// Package pidfile implements the persisted-state contract spec.md §6
// describes: a decimal PID, one line, written on start and removed on a
// graceful exit that owns it.
package pidfile

import (
	"os"
	"strconv"
	"strings"
	"syscall"

	"github.com/anthanhphan/atapp/internal/errs"
)

// Write overwrites path with the current process's PID, one decimal line.
func Write(path string) error {
	if path == "" {
		return nil
	}
	data := []byte(strconv.Itoa(os.Getpid()) + "\n")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return errs.Wrap(err, "write pid file")
	}
	return nil
}

// Read returns the PID recorded at path. A missing file or unparsable
// content is reported as ok=false rather than an error — callers treat
// "no pidfile" and "garbage pidfile" the same way (nothing to stop).
func Read(path string) (pid int, ok bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, false
	}
	n, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, false
	}
	return n, true
}

// Remove deletes path only if the PID it records matches the current
// process, so one instance's exit never clobbers a pidfile a newer
// instance has already overwritten (e.g. during an upgrade).
func Remove(path string) error {
	if path == "" {
		return nil
	}
	pid, ok := Read(path)
	if !ok || pid != os.Getpid() {
		return nil
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return errs.Wrap(err, "remove pid file")
	}
	return nil
}

// IsRunning reports whether the process recorded at path is alive, by
// sending it signal 0 (Unix "does this PID exist and can I signal it").
func IsRunning(path string) (pid int, running bool) {
	pid, ok := Read(path)
	if !ok {
		return 0, false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return pid, false
	}
	// os.FindProcess never fails to find a PID on Unix; confirm liveness
	// with a zero-signal probe instead.
	if err := proc.Signal(syscall.Signal(0)); err != nil {
		return pid, false
	}
	return pid, true
}
