//go:build windows

package clientproxy

import "os/exec"

// detachProcess is a no-op on Windows: exec.Cmd processes already don't
// share a console session with a detached parent by default here.
func detachProcess(cmd *exec.Cmd) {}
