//go:build !windows

package singleinstance

import (
	"os"
	"syscall"
)

// processAlive reports whether pid names a live process, by sending the
// null signal — a no-op that still fails with ESRCH when the process
// doesn't exist.
func processAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}
