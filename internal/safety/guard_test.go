// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package safety

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func createTestGuard(t *testing.T) (*Guard, string) {
	t.Helper()
	root := t.TempDir()
	g, err := NewGuard(Config{Dir: filepath.Join(root, "safety")})
	require.NoError(t, err)
	return g, root
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestNewGuard_RequiresDir(t *testing.T) {
	_, err := NewGuard(Config{})
	assert.Error(t, err)
}

func TestSafeToModify(t *testing.T) {
	t.Run("never tracked is safe", func(t *testing.T) {
		g, root := createTestGuard(t)
		path := filepath.Join(root, "plan.json")
		writeFile(t, path, "v1")

		ok, reason, err := g.SafeToModify(path)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, ReasonNeverTracked, reason)
	})

	t.Run("unchanged after record is safe", func(t *testing.T) {
		g, root := createTestGuard(t)
		path := filepath.Join(root, "plan.json")
		writeFile(t, path, "v1")
		_, err := g.RecordState(path)
		require.NoError(t, err)

		ok, reason, err := g.SafeToModify(path)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, ReasonUnchanged, reason)
	})

	t.Run("changed bytes are unsafe until re-recorded", func(t *testing.T) {
		g, root := createTestGuard(t)
		path := filepath.Join(root, "plan.json")
		writeFile(t, path, "v1")
		_, err := g.RecordState(path)
		require.NoError(t, err)

		writeFile(t, path, "edited elsewhere")
		ok, reason, err := g.SafeToModify(path)
		require.NoError(t, err)
		assert.False(t, ok)
		assert.Equal(t, ReasonHashChanged, reason)

		_, err = g.RecordState(path)
		require.NoError(t, err)
		ok, _, err = g.SafeToModify(path)
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("touched mtime alone is unsafe", func(t *testing.T) {
		g, root := createTestGuard(t)
		path := filepath.Join(root, "plan.json")
		writeFile(t, path, "v1")
		st, err := g.RecordState(path)
		require.NoError(t, err)

		later := st.Mtime.Add(5 * time.Second)
		require.NoError(t, os.Chtimes(path, later, later))

		ok, reason, err := g.SafeToModify(path)
		require.NoError(t, err)
		assert.False(t, ok)
		assert.Equal(t, ReasonMtimeChanged, reason)
	})

	t.Run("deleted tracked file is unsafe", func(t *testing.T) {
		g, root := createTestGuard(t)
		path := filepath.Join(root, "plan.json")
		writeFile(t, path, "v1")
		_, err := g.RecordState(path)
		require.NoError(t, err)
		require.NoError(t, os.Remove(path))

		ok, reason, err := g.SafeToModify(path)
		require.NoError(t, err)
		assert.False(t, ok)
		assert.Equal(t, ReasonMissing, reason)
	})
}

func TestRecordState(t *testing.T) {
	g, root := createTestGuard(t)

	t.Run("missing file", func(t *testing.T) {
		_, err := g.RecordState(filepath.Join(root, "missing.json"))
		assert.ErrorIs(t, err, os.ErrNotExist)
	})

	t.Run("same base name in different directories", func(t *testing.T) {
		a := filepath.Join(root, "a", "index.json")
		b := filepath.Join(root, "b", "index.json")
		require.NoError(t, os.MkdirAll(filepath.Dir(a), 0o755))
		require.NoError(t, os.MkdirAll(filepath.Dir(b), 0o755))
		writeFile(t, a, "A")
		writeFile(t, b, "B")

		_, err := g.RecordState(a)
		require.NoError(t, err)
		_, err = g.RecordState(b)
		require.NoError(t, err)

		sa, ok, err := g.State(a)
		require.NoError(t, err)
		require.True(t, ok)
		sb, ok, err := g.State(b)
		require.NoError(t, err)
		require.True(t, ok)
		assert.NotEqual(t, sa.ContentHash, sb.ContentHash)
	})

	t.Run("forget returns to never tracked", func(t *testing.T) {
		p := filepath.Join(root, "f.json")
		writeFile(t, p, "x")
		_, err := g.RecordState(p)
		require.NoError(t, err)
		require.NoError(t, g.Forget(p))
		require.NoError(t, g.Forget(p))

		ok, reason, err := g.SafeToModify(p)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, ReasonNeverTracked, reason)
	})
}

func TestWatch_ReportsExternalWrite(t *testing.T) {
	g, root := createTestGuard(t)
	path := filepath.Join(root, "plan.json")
	writeFile(t, path, "v1")
	_, err := g.RecordState(path)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var (
		mu     sync.Mutex
		events []ChangeEvent
	)
	require.NoError(t, g.Watch(ctx, []string{path}, func(ev ChangeEvent) {
		mu.Lock()
		defer mu.Unlock()
		events = append(events, ev)
	}))

	// Unrelated files in the same directory are ignored.
	writeFile(t, filepath.Join(root, "other.json"), "o")
	writeFile(t, path, "tampered")

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(events) > 0
	}, 5*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	abs, _ := filepath.Abs(path)
	for _, ev := range events {
		assert.Equal(t, abs, ev.Path)
		assert.NotEmpty(t, ev.Reason)
	}
}

func TestWatch_RejectsEmpty(t *testing.T) {
	g, _ := createTestGuard(t)
	assert.Error(t, g.Watch(context.Background(), nil, func(ChangeEvent) {}))
}
