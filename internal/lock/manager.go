// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package lock provides named, cross-process mutual exclusion backed by
// advisory locks on marker files.
//
// Each name maps to <LockDir>/<name>.lock. The marker file exists only while
// the lock is held: the holder creates it, locks it, and unlinks it before
// unlocking on release. Acquisition is always bounded; a caller that cannot
// get the lock within its timeout receives a *LockTimeoutError.
package lock

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"
)

// ManagerConfig configures a Manager.
type ManagerConfig struct {
	// LockDir holds the marker files. Created if missing.
	LockDir string

	// Timeout bounds every Acquire. Default: 10s.
	Timeout time.Duration

	// PollInterval is the base delay between attempts. Default: 25ms.
	// Each wait adds up to 50% jitter so contending processes spread out.
	PollInterval time.Duration

	// Logger receives debug and warning events. Default: slog.Default().
	Logger *slog.Logger

	// Metrics is optional.
	Metrics *Metrics
}

// DefaultManagerConfig returns a config with the default timeout and poll
// interval. LockDir must still be set.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		Timeout:      10 * time.Second,
		PollInterval: 25 * time.Millisecond,
	}
}

// Manager hands out named locks.
//
// # Thread Safety
//
// All methods are safe for concurrent use. Two goroutines asking for the
// same name contend exactly like two processes would.
type Manager struct {
	dir     string
	timeout time.Duration
	poll    time.Duration
	locker  FileLocker
	logger  *slog.Logger
	metrics *Metrics
}

// Lock is a held named lock. Release it exactly once on every exit path;
// further releases are no-ops.
type Lock struct {
	name string
	path string

	mu       sync.Mutex
	file     *os.File
	manager  *Manager
	released bool
}

// Name returns the logical lock name.
func (l *Lock) Name() string {
	if l == nil {
		return ""
	}
	return l.name
}

// Release releases the lock. Safe on a nil or already-released Lock.
func (l *Lock) Release() error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.released {
		return nil
	}
	l.released = true
	return l.manager.release(l)
}

// NewManager creates a Manager.
//
// # Inputs
//
//   - config: Use DefaultManagerConfig() and set LockDir.
//
// # Outputs
//
//   - *Manager: Ready-to-use manager.
//   - error: Non-nil if LockDir is empty or cannot be created.
func NewManager(config ManagerConfig) (*Manager, error) {
	if config.LockDir == "" {
		return nil, fmt.Errorf("lock directory is required")
	}
	if config.Timeout <= 0 {
		config.Timeout = 10 * time.Second
	}
	if config.PollInterval <= 0 {
		config.PollInterval = 25 * time.Millisecond
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if err := os.MkdirAll(config.LockDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating lock directory %s: %w", config.LockDir, err)
	}

	return &Manager{
		dir:     config.LockDir,
		timeout: config.Timeout,
		poll:    config.PollInterval,
		locker:  newFileLocker(),
		logger:  config.Logger,
		metrics: config.Metrics,
	}, nil
}

// Timeout returns the configured bounded wait.
func (m *Manager) Timeout() time.Duration {
	return m.timeout
}

// Acquire blocks until the named lock is held or the wait is exhausted.
//
// # Description
//
// The wait ends at whichever comes first: the manager's Timeout or the
// context's deadline/cancellation. Both produce a *LockTimeoutError that
// matches ErrLockTimeout. A failed acquisition leaves no marker file that
// claims ownership.
//
// # Inputs
//
//   - ctx: Cancellation and optional tighter deadline.
//   - name: Logical name. Names outside [A-Za-z0-9._-] are hashed.
//
// # Outputs
//
//   - *Lock: The held lock.
//   - error: *LockTimeoutError, ErrInvalidName, or an I/O error.
//
// # Example
//
//	l, err := m.Acquire(ctx, "index")
//	if err != nil {
//	    return err
//	}
//	defer l.Release()
func (m *Manager) Acquire(ctx context.Context, name string) (*Lock, error) {
	if name == "" {
		return nil, ErrInvalidName
	}
	path := m.Path(name)
	start := time.Now()

	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	attempts := 0
	for {
		attempts++
		l, err := m.tryOnce(name, path)
		if err == nil {
			waited := time.Since(start)
			m.metrics.observeAcquired(waited)
			m.logger.Debug("lock acquired",
				"name", name,
				"waited_ms", waited.Milliseconds(),
				"attempts", attempts)
			return l, nil
		}
		if !errors.Is(err, ErrFileLocked) && !errors.Is(err, errStaleMarker) {
			return nil, fmt.Errorf("acquiring lock %q: %w", name, err)
		}

		select {
		case <-ctx.Done():
			waited := time.Since(start)
			m.metrics.observeTimeout()
			m.logger.Warn("lock wait exhausted",
				"name", name,
				"waited_ms", waited.Milliseconds(),
				"attempts", attempts)
			cause := ErrLockTimeout
			if !errors.Is(ctx.Err(), context.DeadlineExceeded) {
				cause = ctx.Err()
			}
			return nil, &LockTimeoutError{Name: name, Waited: waited, Cause: cause}
		case <-time.After(m.jitter()):
		}
	}
}

// TryAcquire makes a single non-blocking attempt.
//
// # Outputs
//
//   - *Lock: The held lock.
//   - error: ErrFileLocked if held elsewhere.
func (m *Manager) TryAcquire(name string) (*Lock, error) {
	if name == "" {
		return nil, ErrInvalidName
	}
	for {
		l, err := m.tryOnce(name, m.Path(name))
		if errors.Is(err, errStaleMarker) {
			continue
		}
		if err == nil {
			m.metrics.observeAcquired(0)
		}
		return l, err
	}
}

// Release releases l. Nil, already-released, and foreign locks are no-ops.
func (m *Manager) Release(l *Lock) error {
	if l == nil || l.manager != m {
		return nil
	}
	return l.Release()
}

// With runs fn while holding the named lock and always releases it.
//
// # Outputs
//
//   - error: The acquisition error, else fn's error, else any release error.
func (m *Manager) With(ctx context.Context, name string, fn func() error) (err error) {
	l, err := m.Acquire(ctx, name)
	if err != nil {
		return err
	}
	defer func() {
		if relErr := l.Release(); relErr != nil && err == nil {
			err = relErr
		}
	}()
	return fn()
}

// IsLocked reports whether some holder currently owns name.
//
// It tries a non-blocking acquire and releases immediately, so the
// answer may be stale by the time the caller acts on it.
func (m *Manager) IsLocked(name string) (bool, error) {
	if _, err := os.Stat(m.Path(name)); os.IsNotExist(err) {
		return false, nil
	}
	l, err := m.TryAcquire(name)
	if errors.Is(err, ErrFileLocked) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	return false, l.Release()
}

// Path returns the marker file path for name.
func (m *Manager) Path(name string) string {
	return filepath.Join(m.dir, fileName(name)+".lock")
}

// =============================================================================
// Internal helpers
// =============================================================================

// errStaleMarker means the marker we locked was unlinked by its previous
// holder between our open and our lock; the attempt must be repeated.
var errStaleMarker = errors.New("lock marker replaced during acquisition")

var safeName = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)

// fileName maps a logical name to a filesystem-safe base name.
// Uses SHA256[:16] for names that cannot be used verbatim.
func fileName(name string) string {
	if safeName.MatchString(name) {
		return name
	}
	sum := sha256.Sum256([]byte(name))
	return "h-" + hex.EncodeToString(sum[:])[:16]
}

func (m *Manager) tryOnce(name, path string) (*Lock, error) {
	if err := os.MkdirAll(m.dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating lock directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening lock marker %s: %w", path, err)
	}
	if err := m.locker.TryLock(f); err != nil {
		f.Close()
		return nil, err
	}

	// The previous holder unlinks the marker before unlocking. If that
	// happened after our open, we hold a lock on an orphaned inode.
	held, statErr := f.Stat()
	onDisk, pathErr := os.Stat(path)
	if statErr != nil || pathErr != nil || !os.SameFile(held, onDisk) {
		_ = m.locker.Unlock(f)
		f.Close()
		return nil, errStaleMarker
	}

	return &Lock{name: name, path: path, file: f, manager: m}, nil
}

func (m *Manager) release(l *Lock) error {
	// Unlink first so a waiter that opened the old marker detects it as stale.
	rmErr := os.Remove(l.path)

	var firstErr error
	if err := m.locker.Unlock(l.file); err != nil {
		m.logger.Warn("failed to unlock marker", "name", l.name, "error", err)
		firstErr = fmt.Errorf("unlocking %q: %w", l.name, err)
	}
	if err := l.file.Close(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("closing lock marker %q: %w", l.name, err)
	}

	// Platforms that refuse to unlink an open file get a second try.
	if rmErr != nil && !os.IsNotExist(rmErr) {
		if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
			m.logger.Warn("failed to remove lock marker", "path", l.path, "error", err)
		}
	}

	m.metrics.observeReleased()
	m.logger.Debug("lock released", "name", l.name)
	return firstErr
}

func (m *Manager) jitter() time.Duration {
	return m.poll + time.Duration(rand.Int64N(int64(m.poll)/2+1))
}
