//go:build unix

package filelock

import (
	"os"
	"syscall"
)

// processAlive reports whether pid names a running process. Signal 0
// performs the existence check without delivering anything.
func processAlive(pid int) bool {
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = p.Signal(syscall.Signal(0))
	return err == nil || err == syscall.EPERM
}
