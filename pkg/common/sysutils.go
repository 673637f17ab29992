package common

import (
	"fmt"
	"syscall"

	"golang.org/x/sys/unix"
)

// LockMemory locks current and future pages in memory so payment keys are never swapped out
// to disk. This is a privileged operation and requires CAP_IPC_LOCK.
func LockMemory() error {
	if err := unix.Mlockall(syscall.MCL_CURRENT | syscall.MCL_FUTURE); err != nil {
		return fmt.Errorf("failed to lock memory: %w (CAP_IPC_LOCK missing?)", err)
	}
	return nil
}

// SetRestrictiveUmask masks the group and world bits, so keystores and databases we create
// aren't group- or world-readable.
func SetRestrictiveUmask() {
	syscall.Umask(0077) // cannot fail
}
