// ABOUTME: Process liveness probing via the zero-signal existence check.
// ABOUTME: Used by the registry to detect crashed agents without waiting out staleness.

package proc

import (
	"errors"
	"os"
	"syscall"
)

// Alive reports whether a process with the given pid currently exists.
//
// Signal 0 checks existence without delivering a real signal. ESRCH means
// the process is gone; EPERM means it exists but belongs to another user,
// which still counts as alive for presence purposes.
func Alive(pid int) bool {
	if pid <= 0 {
		return false
	}

	// os.FindProcess on Unix always succeeds (just wraps the PID).
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}

	err = process.Signal(syscall.Signal(0))
	if err == nil {
		return true
	}
	return errors.Is(err, syscall.EPERM)
}
