//go:build windows

package filelock

import "os"

// processAlive is best effort on Windows; FindProcess succeeds for any
// pid, so a stale marker from a dead process is only reclaimed after its
// pid stops resolving.
func processAlive(pid int) bool {
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	p.Release()
	return true
}
