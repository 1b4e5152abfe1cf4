//go:build windows

package hygiene

import "os"

// defaultPidAlive opens the process by pid; os.FindProcess on Windows
// actually attempts to open a handle, so a non-nil error here reliably
// means the process does not exist.
func defaultPidAlive(pid int) bool {
	_, err := os.FindProcess(pid)
	return err == nil
}
