// Package procutil implements the OS-level process-liveness probe the
// Singleton Lock Manager (§4.1) uses to decide whether a recorded lock
// owner is still running, following the reference codebase's use of
// syscall directly in its own internal/lock package.
package procutil

import (
	"errors"
	"os"
	"syscall"
)

// IsAlive sends signal 0 to pid, the standard POSIX liveness probe: the
// kernel still performs permission checks but delivers no signal, so
// this is safe to call against any pid, including ones owned by other
// users (which the kernel answers with EPERM, reported here as alive).
func IsAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	if err == nil {
		return true
	}
	if err == os.ErrProcessDone {
		return false
	}
	// EPERM means the process exists but we lack permission to signal
	// it — still alive from the lock manager's point of view.
	if errors.Is(err, syscall.EPERM) {
		return true
	}
	return false
}
