//go:build !windows

package metadata

import (
	"fmt"
	"os"
	"syscall"
)

// checkOwnership enforces spec.md §3: "readable only if file permissions
// are not group/world-readable and owner uid matches current process uid
// (enforced on POSIX; skipped on Windows)".
func checkOwnership(path string) (ok bool, reason string) {
	info, err := os.Stat(path)
	if err != nil {
		return false, fmt.Sprintf("stat failed: %v", err)
	}

	if info.Mode().Perm()&0o077 != 0 {
		return false, "group/world permission bits set"
	}

	stat, ok2 := info.Sys().(*syscall.Stat_t)
	if !ok2 {
		return false, "could not determine file owner"
	}
	if uint32(stat.Uid) != uint32(os.Getuid()) {
		return false, "owner uid mismatch"
	}

	return true, ""
}
