// Package process holds small helpers for inspecting OS processes.
package process

import (
	"os"
	"syscall"
)

// IsAlive reports whether a process with the given PID exists. It sends
// signal 0, which probes for existence without delivering anything. EPERM
// means the process exists but belongs to another user, which still counts
// as alive.
func IsAlive(pid int) bool {
	if pid <= 0 {
		return false
	}

	// os.FindProcess never fails on Unix; the signal probe is the real check.
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}

	err = proc.Signal(syscall.Signal(0))
	return err == nil || os.IsPermission(err)
}
