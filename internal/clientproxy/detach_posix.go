//go:build !windows

package clientproxy

import (
	"os/exec"
	"syscall"
)

// detachProcess puts the spawned daemon worker in its own session so it
// outlives the starting process's terminal/process group.
func detachProcess(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
}
