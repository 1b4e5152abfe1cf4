//go:build !windows

package clientproxy

import (
	"os"
	"syscall"
)

// defaultPidAlive probes a pid with signal 0, the standard POSIX liveness
// check: it is delivered to no one but still fails if the process is gone.
func defaultPidAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}
