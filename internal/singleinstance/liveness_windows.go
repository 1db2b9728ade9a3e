//go:build windows

package singleinstance

import (
	"fmt"
	"os/exec"
	"strings"
)

// processAlive shells out to tasklist; a zero-signal probe is not a
// reliable liveness check on Windows.
func processAlive(pid int) bool {
	cmd := exec.Command("tasklist", "/FI", fmt.Sprintf("PID eq %d", pid), "/NH", "/FO", "CSV")
	output, err := cmd.Output()
	if err != nil {
		return false
	}
	return strings.Contains(string(output), fmt.Sprintf("%d", pid))
}
