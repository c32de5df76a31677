// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package lock

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const helperEnv = "CASCADE_LOCK_HELPER_DIR"

// TestMain lets the test binary double as a lock-holding child process.
func TestMain(m *testing.M) {
	if dir := os.Getenv(helperEnv); dir != "" {
		os.Exit(runHelper(dir))
	}
	os.Exit(m.Run())
}

func runHelper(dir string) int {
	mgr, err := NewManager(ManagerConfig{LockDir: filepath.Join(dir, "locks")})
	if err != nil {
		return 2
	}
	l, err := mgr.Acquire(context.Background(), "shared")
	if err != nil {
		return 3
	}
	defer l.Release()

	if err := os.WriteFile(filepath.Join(dir, "ready"), []byte("1"), 0o644); err != nil {
		return 4
	}
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := os.Stat(filepath.Join(dir, "release")); err == nil {
			return 0
		}
		time.Sleep(10 * time.Millisecond)
	}
	return 5
}

func createTestManager(t *testing.T, timeout time.Duration) *Manager {
	t.Helper()
	cfg := DefaultManagerConfig()
	cfg.LockDir = filepath.Join(t.TempDir(), "locks")
	cfg.Timeout = timeout
	cfg.PollInterval = 5 * time.Millisecond
	m, err := NewManager(cfg)
	require.NoError(t, err)
	return m
}

func TestNewManager(t *testing.T) {
	t.Run("requires lock directory", func(t *testing.T) {
		_, err := NewManager(ManagerConfig{})
		assert.Error(t, err)
	})

	t.Run("applies defaults", func(t *testing.T) {
		m, err := NewManager(ManagerConfig{LockDir: filepath.Join(t.TempDir(), "l")})
		require.NoError(t, err)
		assert.Equal(t, 10*time.Second, m.Timeout())
	})
}

func TestAcquireRelease(t *testing.T) {
	m := createTestManager(t, time.Second)
	ctx := context.Background()

	l, err := m.Acquire(ctx, "index")
	require.NoError(t, err)
	assert.Equal(t, "index", l.Name())

	_, err = os.Stat(m.Path("index"))
	require.NoError(t, err, "marker exists while held")

	locked, err := m.IsLocked("index")
	require.NoError(t, err)
	assert.True(t, locked)

	require.NoError(t, l.Release())
	_, err = os.Stat(m.Path("index"))
	assert.True(t, os.IsNotExist(err), "marker removed on release")

	assert.NoError(t, l.Release(), "second release is a no-op")
	assert.NoError(t, m.Release(l))
	assert.NoError(t, m.Release(nil), "releasing a never-acquired lock is a no-op")

	locked, err = m.IsLocked("index")
	require.NoError(t, err)
	assert.False(t, locked)
}

func TestAcquire_EmptyName(t *testing.T) {
	m := createTestManager(t, time.Second)
	_, err := m.Acquire(context.Background(), "")
	assert.ErrorIs(t, err, ErrInvalidName)
}

func TestDifferentNamesDoNotContend(t *testing.T) {
	m := createTestManager(t, 200*time.Millisecond)
	ctx := context.Background()

	a, err := m.Acquire(ctx, "rec-a")
	require.NoError(t, err)
	defer a.Release()

	b, err := m.Acquire(ctx, "rec-b")
	require.NoError(t, err)
	defer b.Release()
}

func TestAcquire_TimesOut(t *testing.T) {
	m := createTestManager(t, 80*time.Millisecond)
	ctx := context.Background()

	held, err := m.Acquire(ctx, "busy")
	require.NoError(t, err)

	start := time.Now()
	_, err = m.Acquire(ctx, "busy")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrLockTimeout)

	var lte *LockTimeoutError
	require.True(t, errors.As(err, &lte))
	assert.Equal(t, "busy", lte.Name)
	assert.GreaterOrEqual(t, time.Since(start), 80*time.Millisecond)
	assert.Less(t, time.Since(start), 2*time.Second, "wait is bounded")

	_, err = m.TryAcquire("busy")
	assert.ErrorIs(t, err, ErrFileLocked)

	require.NoError(t, held.Release())
	l, err := m.TryAcquire("busy")
	require.NoError(t, err)
	require.NoError(t, l.Release())
}

func TestAcquire_ContextCancelled(t *testing.T) {
	m := createTestManager(t, 5*time.Second)
	held, err := m.Acquire(context.Background(), "busy")
	require.NoError(t, err)
	defer held.Release()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()

	_, err = m.Acquire(ctx, "busy")
	assert.ErrorIs(t, err, ErrLockTimeout)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestWith_ReleasesOnError(t *testing.T) {
	m := createTestManager(t, time.Second)
	boom := errors.New("boom")

	err := m.With(context.Background(), "index", func() error { return boom })
	assert.ErrorIs(t, err, boom)

	locked, err := m.IsLocked("index")
	require.NoError(t, err)
	assert.False(t, locked, "lock released on the error path")
}

func TestSerializesGoroutines(t *testing.T) {
	m := createTestManager(t, 10*time.Second)
	counter := filepath.Join(t.TempDir(), "counter")
	require.NoError(t, os.WriteFile(counter, []byte("0"), 0o644))

	const workers, rounds = 6, 15
	var wg sync.WaitGroup
	errs := make(chan error, workers*rounds)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for r := 0; r < rounds; r++ {
				errs <- m.With(context.Background(), "counter", func() error {
					b, err := os.ReadFile(counter)
					if err != nil {
						return err
					}
					n, err := strconv.Atoi(strings.TrimSpace(string(b)))
					if err != nil {
						return err
					}
					return os.WriteFile(counter, []byte(strconv.Itoa(n+1)), 0o644)
				})
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	b, err := os.ReadFile(counter)
	require.NoError(t, err)
	assert.Equal(t, strconv.Itoa(workers*rounds), string(b))
}

func TestCrossProcess(t *testing.T) {
	if testing.Short() {
		t.Skip("spawns a child process")
	}
	dir := t.TempDir()

	cmd := exec.Command(os.Args[0], "-test.run=^$")
	cmd.Env = append(os.Environ(), helperEnv+"="+dir)
	require.NoError(t, cmd.Start())
	t.Cleanup(func() { _ = cmd.Process.Kill() })

	require.Eventually(t, func() bool {
		_, err := os.Stat(filepath.Join(dir, "ready"))
		return err == nil
	}, 10*time.Second, 10*time.Millisecond)

	cfg := DefaultManagerConfig()
	cfg.LockDir = filepath.Join(dir, "locks")
	cfg.Timeout = 100 * time.Millisecond
	cfg.PollInterval = 5 * time.Millisecond
	m, err := NewManager(cfg)
	require.NoError(t, err)

	_, err = m.Acquire(context.Background(), "shared")
	require.ErrorIs(t, err, ErrLockTimeout, "child process holds the lock")

	require.NoError(t, os.WriteFile(filepath.Join(dir, "release"), []byte("1"), 0o644))
	require.NoError(t, cmd.Wait())

	l, err := m.Acquire(context.Background(), "shared")
	require.NoError(t, err)
	require.NoError(t, l.Release())
}

func TestFileName(t *testing.T) {
	assert.Equal(t, "index", fileName("index"))
	assert.Equal(t, "0b6f-uuid.x", fileName("0b6f-uuid.x"))

	hashed := fileName("/abs/path/to/file.json")
	assert.True(t, strings.HasPrefix(hashed, "h-"))
	assert.Len(t, hashed, 18)
	assert.Equal(t, hashed, fileName("/abs/path/to/file.json"))
	assert.NotEqual(t, "..", fileName(".."))
}

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	cfg := DefaultManagerConfig()
	cfg.LockDir = filepath.Join(t.TempDir(), "locks")
	cfg.Timeout = 30 * time.Millisecond
	cfg.PollInterval = 5 * time.Millisecond
	cfg.Metrics = NewMetrics(reg)
	m, err := NewManager(cfg)
	require.NoError(t, err)

	l, err := m.Acquire(context.Background(), "x")
	require.NoError(t, err)
	assert.Equal(t, 1.0, testutil.ToFloat64(cfg.Metrics.Held))

	_, err = m.Acquire(context.Background(), "x")
	require.Error(t, err)
	assert.Equal(t, 1.0, testutil.ToFloat64(cfg.Metrics.TimeoutsTotal))

	require.NoError(t, l.Release())
	assert.Equal(t, 0.0, testutil.ToFloat64(cfg.Metrics.Held))
}
