// Package filelock serializes work on a source file across worker
// goroutines and across processes sharing the same lock directory.
package filelock

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

const (
	// DefaultTimeout bounds how long Acquire waits on contention.
	DefaultTimeout = 30 * time.Second

	retryInterval = 100 * time.Millisecond
)

// Manager hands out exclusive per-file locks backed by marker files. The
// marker name is the MD5 of the absolute source path, so any path spelling
// of the same file maps to the same lock.
type Manager struct {
	dir     string
	timeout time.Duration

	mu   sync.Mutex
	held map[string]string // marker path -> source path
}

// NewManager creates the lock directory if needed.
func NewManager(dir string, timeout time.Duration) (*Manager, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, eris.Wrap(err, "filelock: create lock directory")
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Manager{dir: dir, timeout: timeout, held: make(map[string]string)}, nil
}

func (m *Manager) markerFor(path string) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	sum := md5.Sum([]byte(abs))
	return filepath.Join(m.dir, hex.EncodeToString(sum[:])+".lock")
}

// Acquire takes the lock for path, waiting up to the manager timeout. It
// returns false when the lock stays contended past the deadline, and an
// error only for filesystem failures. A marker owned by a dead process is
// reclaimed.
func (m *Manager) Acquire(ctx context.Context, path string) (bool, error) {
	marker := m.markerFor(path)
	deadline := time.Now().Add(m.timeout)
	for {
		ok, err := m.tryAcquire(marker, path)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
		if m.reclaimStale(marker) {
			continue
		}
		if time.Now().After(deadline) {
			return false, nil
		}
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(retryInterval):
		}
	}
}

func (m *Manager) tryAcquire(marker, path string) (bool, error) {
	f, err := os.OpenFile(marker, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return false, nil
		}
		return false, eris.Wrap(err, "filelock: create marker")
	}
	fmt.Fprintf(f, "%d\n%s\n", os.Getpid(), path)
	if err := f.Close(); err != nil {
		os.Remove(marker)
		return false, eris.Wrap(err, "filelock: write marker")
	}
	m.mu.Lock()
	m.held[marker] = path
	m.mu.Unlock()
	return true, nil
}

// reclaimStale removes a marker whose owning PID no longer exists. Returns
// true when a marker was removed and acquisition should be retried.
func (m *Manager) reclaimStale(marker string) bool {
	b, err := os.ReadFile(marker)
	if err != nil {
		// Holder may have released between our create attempt and now.
		return os.IsNotExist(err)
	}
	line, _, _ := strings.Cut(string(b), "\n")
	pid, err := strconv.Atoi(strings.TrimSpace(line))
	if err != nil || pid <= 0 {
		return false
	}
	if pid == os.Getpid() || processAlive(pid) {
		return false
	}
	zap.L().Warn("reclaiming stale file lock",
		zap.String("marker", marker),
		zap.Int("pid", pid))
	return os.Remove(marker) == nil
}

// Release drops the lock for path. Missing markers are not an error.
func (m *Manager) Release(path string) error {
	marker := m.markerFor(path)
	m.mu.Lock()
	delete(m.held, marker)
	m.mu.Unlock()
	if err := os.Remove(marker); err != nil && !os.IsNotExist(err) {
		return eris.Wrap(err, "filelock: remove marker")
	}
	return nil
}

// ReleaseAll drops every lock this manager still holds. Called on
// shutdown.
func (m *Manager) ReleaseAll() {
	m.mu.Lock()
	markers := make([]string, 0, len(m.held))
	for marker := range m.held {
		markers = append(markers, marker)
	}
	m.held = make(map[string]string)
	m.mu.Unlock()
	for _, marker := range markers {
		if err := os.Remove(marker); err != nil && !os.IsNotExist(err) {
			zap.L().Warn("failed to release file lock", zap.String("marker", marker), zap.Error(err))
		}
	}
}
