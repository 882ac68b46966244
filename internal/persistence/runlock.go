package persistence

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"
)

// ErrSessionLocked is returned when another live process already holds
// the run lock for a symbol.
var ErrSessionLocked = errors.New("another session holds the run lock")

// RunLockInfo is the JSON payload written to the lock file.
type RunLockInfo struct {
	PID        int       `json:"pid"`
	Symbol     string    `json:"symbol"`
	AcquiredAt time.Time `json:"acquired_at"`
	Heartbeat  time.Time `json:"heartbeat"`
}

// RunLock guards a symbol against concurrent sessions. A lock is stale
// when its owning pid is dead or its heartbeat exceeded the TTL; stale
// locks are broken silently on acquire. The session's heartbeat task
// calls Refresh to keep the lock fresh.
type RunLock struct {
	path string
	ttl  time.Duration
	info RunLockInfo
}

// AcquireRunLock takes <dir>/<symbol>.lock or fails with
// ErrSessionLocked when a live process holds a fresh one.
func AcquireRunLock(dir, symbol string, ttl time.Duration) (*RunLock, error) {
	if ttl <= 0 {
		ttl = time.Minute
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create lock directory: %w", err)
	}

	l := &RunLock{path: filepath.Join(dir, symbol+".lock"), ttl: ttl}
	if prev, err := readLockInfo(l.path); err == nil && prev != nil {
		if prev.PID != os.Getpid() && pidAlive(prev.PID) && time.Since(prev.Heartbeat) < ttl {
			return nil, fmt.Errorf("%w: pid %d since %s",
				ErrSessionLocked, prev.PID, prev.AcquiredAt.Format(time.RFC3339))
		}
		// Dead pid or expired heartbeat: the lock is stale, break it.
	}

	now := time.Now()
	l.info = RunLockInfo{PID: os.Getpid(), Symbol: symbol, AcquiredAt: now, Heartbeat: now}
	if err := l.write(); err != nil {
		return nil, err
	}
	return l, nil
}

// Refresh advances the heartbeat timestamp.
func (l *RunLock) Refresh() error {
	l.info.Heartbeat = time.Now()
	return l.write()
}

// Release removes the lock file. Safe to call more than once.
func (l *RunLock) Release() error {
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Path returns the lock file location, for logging.
func (l *RunLock) Path() string { return l.path }

// write replaces the lock file atomically via rename so a crashed
// writer can never leave a truncated payload.
func (l *RunLock) write() error {
	data, err := json.Marshal(&l.info)
	if err != nil {
		return err
	}
	tmp := l.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write lock file: %w", err)
	}
	return os.Rename(tmp, l.path)
}

func readLockInfo(path string) (*RunLockInfo, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var info RunLockInfo
	if err := json.Unmarshal(data, &info); err != nil {
		// An unreadable lock file counts as stale.
		return nil, nil
	}
	return &info, nil
}

// pidAlive checks process existence with a null signal.
func pidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	return err == nil || errors.Is(err, syscall.EPERM)
}
