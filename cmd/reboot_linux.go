//go:build linux

package main

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// systemReboot flushes filesystems and restarts the board. Requires
// CAP_SYS_BOOT; on success it does not return.
func systemReboot() error {
	unix.Sync()
	if err := unix.Reboot(unix.LINUX_REBOOT_CMD_RESTART); err != nil {
		return fmt.Errorf("reboot: %w", err)
	}
	return nil
}
