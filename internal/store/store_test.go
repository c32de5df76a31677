// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package store

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/cascade/internal/backup"
	"github.com/AleutianAI/cascade/internal/cache"
	"github.com/AleutianAI/cascade/internal/lock"
	"github.com/AleutianAI/cascade/internal/policy"
	"github.com/AleutianAI/cascade/internal/storage"
	"github.com/AleutianAI/cascade/internal/storage/badgerkv"
	"github.com/AleutianAI/cascade/internal/storage/sqlitekv"
)

// testClock is a settable clock shared by the store and its components.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func createTestStore(t *testing.T, mutate func(*Config)) *Store {
	t.Helper()
	cfg := Config{
		Root:        t.TempDir(),
		LockTimeout: 5 * time.Second,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	s, err := Open(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func contentOf(t *testing.T, rec Record) map[string]any {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.Unmarshal(rec.Content, &m))
	return m
}

func TestOpen_InitializesLayout(t *testing.T) {
	s := createTestStore(t, nil)

	for _, rel := range []string{"meta/index.json", "meta/schema.json", "backups", "locks", "safety"} {
		_, err := os.Stat(filepath.Join(s.Root(), rel))
		assert.NoError(t, err, rel)
	}

	stats, err := s.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Total)
	assert.False(t, stats.CreatedAt.IsZero())

	_, err = Open(context.Background(), Config{})
	assert.Error(t, err)

	_, err = Open(context.Background(), Config{Root: t.TempDir(), Rules: []policy.Rule{{Kind: "nope"}}})
	assert.ErrorIs(t, err, policy.ErrUnknownKind)
}

func TestOpen_ExistingStoreIsUntouched(t *testing.T) {
	root := t.TempDir()
	s, err := Open(context.Background(), Config{Root: root})
	require.NoError(t, err)
	id, err := s.Create(context.Background(), "note", map[string]any{"a": 1})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	reopened, err := Open(context.Background(), Config{Root: root})
	require.NoError(t, err)
	defer reopened.Close()

	rec, err := reopened.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, 1, rec.Version)
}

func TestCreateGet_RoundTrip(t *testing.T) {
	clock := newTestClock()
	s := createTestStore(t, func(c *Config) { c.Now = clock.Now })
	ctx := context.Background()

	critique := Critique{
		Strengths:    []string{"clear stages"},
		Weaknesses:   []string{"no rollback"},
		Improvements: []string{"add rollback step"},
	}
	content := map[string]any{"stage": 1, "steps": []any{"fetch", "build"}, "meta": map[string]any{"z": true, "a": "x"}}

	id, err := s.Create(ctx, "build_plan", content, WithCritique(critique))
	require.NoError(t, err)
	assert.True(t, validID(id))

	rec, err := s.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, id, rec.ID)
	assert.Equal(t, "build_plan", rec.Type)
	assert.Equal(t, 1, rec.Version)
	assert.Equal(t, critique, rec.Critique)
	assert.True(t, rec.CreatedAt.Equal(clock.Now()))
	assert.True(t, rec.UpdatedAt.Equal(rec.CreatedAt))
	assert.Nil(t, rec.ExpiresAt)
	assert.JSONEq(t, `{"stage":1,"steps":["fetch","build"],"meta":{"a":"x","z":true}}`, string(rec.Content))

	_, err = os.Stat(filepath.Join(s.Root(), "data", id+".json"))
	assert.NoError(t, err)
}

func TestCreate_CritiqueDefaultsToEmptyLists(t *testing.T) {
	s := createTestStore(t, nil)
	id, err := s.Create(context.Background(), "note", "plain string content")
	require.NoError(t, err)

	raw, err := os.ReadFile(filepath.Join(s.Root(), "data", id+".json"))
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"strengths": []`)
}

func TestCreate_Validation(t *testing.T) {
	s := createTestStore(t, nil)
	ctx := context.Background()

	tests := []struct {
		name    string
		typ     string
		content any
		opts    []Option
		field   string
	}{
		{"empty type", "", map[string]any{"a": 1}, nil, "type"},
		{"type starts with digit", "9plan", map[string]any{"a": 1}, nil, "type"},
		{"nil content", "note", nil, nil, "content"},
		{"unmarshalable content", "note", func() {}, nil, "content"},
		{"empty critique entry", "note", map[string]any{"a": 1},
			[]Option{WithCritique(Critique{Strengths: []string{""}})}, "critique.strengths[0]"},
		{"bad dependencies", "note", map[string]any{"dependencies": "x"}, nil, "content.dependencies"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.Create(ctx, tt.typ, tt.content, tt.opts...)
			require.ErrorIs(t, err, ErrValidation)
			var ve *ValidationError
			require.True(t, errors.As(err, &ve))
			assert.Equal(t, tt.field, ve.Field)
		})
	}

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Total, "rejected records leave no trace")
	keys, err := s.backend.List(ctx, dataPrefix)
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestCreate_Policies(t *testing.T) {
	s := createTestStore(t, func(c *Config) {
		c.Rules = []policy.Rule{
			{Kind: policy.KindMaxContentBytes, MaxBytes: 32},
			{Kind: policy.KindDenyTypes, Types: []string{"secret"}},
			{Kind: policy.KindRequireCritique, Types: []string{"review"}},
		}
	})
	ctx := context.Background()

	tests := []struct {
		name    string
		typ     string
		content any
		opts    []Option
		field   string
	}{
		{"too large", "note", map[string]any{"text": "this content is definitely longer than the limit"}, nil, "content"},
		{"denied type", "secret", map[string]any{"a": 1}, nil, "type"},
		{"missing critique", "review", map[string]any{"a": 1}, nil, "critique"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.Create(ctx, tt.typ, tt.content, tt.opts...)
			var ve *ValidationError
			require.True(t, errors.As(err, &ve), "got %v", err)
			assert.Equal(t, tt.field, ve.Field)
		})
	}

	_, err := s.Create(ctx, "review", map[string]any{"a": 1}, WithCritique(Critique{Strengths: []string{"ok"}}))
	assert.NoError(t, err)
}

func TestUpdate_SequentialVersions(t *testing.T) {
	clock := newTestClock()
	s := createTestStore(t, func(c *Config) { c.Now = clock.Now })
	ctx := context.Background()

	id, err := s.Create(ctx, "counter", map[string]any{"n": 0})
	require.NoError(t, err)

	const n = 5
	for i := 1; i <= n; i++ {
		clock.Advance(time.Minute)
		rec, err := s.Update(ctx, id, map[string]any{"n": i})
		require.NoError(t, err)
		assert.Equal(t, i+1, rec.Version)
	}

	rec, err := s.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, n+1, rec.Version)
	assert.Equal(t, float64(n), contentOf(t, rec)["n"])
	assert.True(t, rec.UpdatedAt.After(rec.CreatedAt))

	idx, _, err := s.loadIndex(ctx)
	require.NoError(t, err)
	assert.Equal(t, n+1, idx.Memories[id].Version)
	assert.True(t, idx.Memories[id].LastUpdated.Equal(rec.UpdatedAt))

	snaps, err := s.Backups().List(id)
	require.NoError(t, err)
	assert.Len(t, snaps, 3, "record snapshots are rotated")
}

func TestUpdate_KeepsOrReplacesCritique(t *testing.T) {
	s := createTestStore(t, nil)
	ctx := context.Background()

	id, err := s.Create(ctx, "note", map[string]any{"a": 1}, WithCritique(Critique{Strengths: []string{"s1"}}))
	require.NoError(t, err)

	rec, err := s.Update(ctx, id, map[string]any{"a": 2})
	require.NoError(t, err)
	assert.Equal(t, []string{"s1"}, rec.Critique.Strengths)

	rec, err = s.Update(ctx, id, map[string]any{"a": 3}, WithCritique(Critique{Weaknesses: []string{"w1"}}))
	require.NoError(t, err)
	assert.Empty(t, rec.Critique.Strengths)
	assert.Equal(t, []string{"w1"}, rec.Critique.Weaknesses)
}

func TestUpdate_NotFound(t *testing.T) {
	s := createTestStore(t, nil)
	ctx := context.Background()

	for _, id := range []string{uuid.NewString(), "not-a-uuid", "../../etc/passwd", ""} {
		_, err := s.Update(ctx, id, map[string]any{"a": 1})
		require.ErrorIs(t, err, ErrNotFound, id)
		var nf *NotFoundError
		require.True(t, errors.As(err, &nf))
		assert.Equal(t, id, nf.ID)

		_, err = s.Get(ctx, id)
		assert.ErrorIs(t, err, ErrNotFound)
	}
}

func TestUpdate_InvalidContentLeavesRecordUntouched(t *testing.T) {
	s := createTestStore(t, nil)
	ctx := context.Background()
	id, err := s.Create(ctx, "note", map[string]any{"a": 1})
	require.NoError(t, err)

	_, err = s.Update(ctx, id, nil)
	assert.ErrorIs(t, err, ErrValidation)

	rec, err := s.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 1, rec.Version)
}

func TestUpdate_ConcurrentSameID(t *testing.T) {
	s := createTestStore(t, nil)
	ctx := context.Background()
	id, err := s.Create(ctx, "counter", map[string]any{"n": 0})
	require.NoError(t, err)

	// A second Store on the same root stands in for another process.
	other, err := Open(ctx, Config{Root: s.Root(), LockTimeout: 5 * time.Second})
	require.NoError(t, err)
	defer other.Close()

	const k = 8
	var wg sync.WaitGroup
	errs := make(chan error, k)
	for i := 0; i < k; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			target := s
			if i%2 == 1 {
				target = other
			}
			_, err := target.Update(ctx, id, map[string]any{"writer": i})
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	rec, err := s.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 1+k, rec.Version, "no update lost")

	report, err := s.Check(ctx)
	require.NoError(t, err)
	assert.True(t, report.OK(), "%+v", report)
}

func TestUpdate_DifferentIDsDoNotContend(t *testing.T) {
	s := createTestStore(t, nil)
	ctx := context.Background()
	a, err := s.Create(ctx, "note", map[string]any{"a": 1})
	require.NoError(t, err)
	b, err := s.Create(ctx, "note", map[string]any{"b": 1})
	require.NoError(t, err)

	held, err := s.Locks().Acquire(ctx, recordLock(a))
	require.NoError(t, err)
	defer held.Release()

	rec, err := s.Update(ctx, b, map[string]any{"b": 2})
	require.NoError(t, err)
	assert.Equal(t, 2, rec.Version)
}

func TestLockTimeout(t *testing.T) {
	s := createTestStore(t, func(c *Config) { c.LockTimeout = 100 * time.Millisecond })
	ctx := context.Background()

	held, err := s.Locks().Acquire(ctx, indexLock)
	require.NoError(t, err)

	_, err = s.Create(ctx, "note", map[string]any{"a": 1})
	require.ErrorIs(t, err, lock.ErrLockTimeout)
	var lte *lock.LockTimeoutError
	assert.True(t, errors.As(err, &lte))

	require.NoError(t, held.Release())
	_, err = s.Create(ctx, "note", map[string]any{"a": 1})
	assert.NoError(t, err)

	locked, err := s.Locks().IsLocked(indexLock)
	require.NoError(t, err)
	assert.False(t, locked, "no marker left behind")
}

func TestUpdate_BackupFailureAbortsWrite(t *testing.T) {
	s := createTestStore(t, func(c *Config) { c.LockTimeout = 100 * time.Millisecond })
	ctx := context.Background()
	id, err := s.Create(ctx, "note", map[string]any{"a": 1})
	require.NoError(t, err)

	held, err := s.Locks().Acquire(ctx, "backup-"+id)
	require.NoError(t, err)
	defer held.Release()

	_, err = s.Update(ctx, id, map[string]any{"a": 2})
	require.ErrorIs(t, err, backup.ErrBackup)

	rec, err := s.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 1, rec.Version)
	assert.Equal(t, float64(1), contentOf(t, rec)["a"])
}

func TestUpdate_IndexLockTimeoutLeavesNoPartialWrite(t *testing.T) {
	s := createTestStore(t, func(c *Config) { c.LockTimeout = 100 * time.Millisecond })
	ctx := context.Background()
	id, err := s.Create(ctx, "note", map[string]any{"a": 1})
	require.NoError(t, err)

	held, err := s.Locks().Acquire(ctx, indexLock)
	require.NoError(t, err)
	_, err = s.Update(ctx, id, map[string]any{"a": 2})
	require.ErrorIs(t, err, lock.ErrLockTimeout)
	require.NoError(t, held.Release())

	rec, err := s.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 1, rec.Version)
	assert.Equal(t, float64(1), contentOf(t, rec)["a"])

	report, err := s.Check(ctx)
	require.NoError(t, err)
	assert.True(t, report.OK(), "%+v", report)

	rec, err = s.Update(ctx, id, map[string]any{"a": 2})
	require.NoError(t, err)
	assert.Equal(t, 2, rec.Version, "a retry advances the version once")
}

func TestGet_NoImplicitRepair(t *testing.T) {
	s := createTestStore(t, nil)
	ctx := context.Background()
	id, err := s.Create(ctx, "note", map[string]any{"a": 1})
	require.NoError(t, err)
	_, err = s.Update(ctx, id, map[string]any{"a": 2})
	require.NoError(t, err)

	path := filepath.Join(s.Root(), "data", id+".json")
	require.NoError(t, os.WriteFile(path, []byte("{broken"), 0o644))

	_, err = s.Get(ctx, id)
	require.ErrorIs(t, err, ErrCorruption)
	var ce *CorruptionError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, id, ce.Name)

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "{broken", string(raw))
}

func TestSearch(t *testing.T) {
	s := createTestStore(t, nil)
	ctx := context.Background()

	var plans []string
	for i := 0; i < 3; i++ {
		id, err := s.Create(ctx, "build_plan", map[string]any{"i": i})
		require.NoError(t, err)
		plans = append(plans, id)
	}
	_, err := s.Create(ctx, "note", map[string]any{"x": 1})
	require.NoError(t, err)

	all, err := s.Search(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 4)

	got, err := s.Search(ctx, "build_plan")
	require.NoError(t, err)
	var ids []string
	for _, r := range got {
		assert.Equal(t, "build_plan", r.Type)
		ids = append(ids, r.ID)
	}
	assert.ElementsMatch(t, plans, ids)
	assert.IsIncreasing(t, ids)

	none, err := s.Search(ctx, "missing")
	require.NoError(t, err)
	assert.NotNil(t, none)
	assert.Empty(t, none)
}

func TestSearch_MissingRecordIsAnError(t *testing.T) {
	s := createTestStore(t, nil)
	ctx := context.Background()
	id, err := s.Create(ctx, "note", map[string]any{"a": 1})
	require.NoError(t, err)
	require.NoError(t, os.Remove(filepath.Join(s.Root(), "data", id+".json")))

	_, err = s.Search(ctx, "")
	assert.ErrorIs(t, err, ErrCorruption)
}

func TestScenario_BuildPlan(t *testing.T) {
	s := createTestStore(t, nil)
	ctx := context.Background()

	id1, err := s.Create(ctx, "build_plan", map[string]any{"stage": 1})
	require.NoError(t, err)

	rec, err := s.Update(ctx, id1, map[string]any{"stage": 2})
	require.NoError(t, err)
	assert.Equal(t, 2, rec.Version)

	got, err := s.Get(ctx, id1)
	require.NoError(t, err)
	assert.JSONEq(t, `{"stage":2}`, string(got.Content))

	found, err := s.Search(ctx, "build_plan")
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, got, found[0])
}

func TestCleanupExpired(t *testing.T) {
	clock := newTestClock()
	s := createTestStore(t, func(c *Config) { c.Now = clock.Now })
	ctx := context.Background()

	later, err := s.Create(ctx, "note", map[string]any{"k": "later"}, WithTTL(time.Hour))
	require.NoError(t, err)
	now, err := s.Create(ctx, "note", map[string]any{"k": "now"}, WithExpiry(clock.Now()))
	require.NoError(t, err)
	forever, err := s.Create(ctx, "note", map[string]any{"k": "forever"})
	require.NoError(t, err)

	n, err := s.CleanupExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "expiry equal to now counts as expired")

	_, err = s.Get(ctx, now)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = os.Stat(filepath.Join(s.Root(), "data", now+".json"))
	assert.True(t, os.IsNotExist(err))

	clock.Advance(time.Hour)
	n, err = s.CleanupExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	_, err = s.Get(ctx, later)
	assert.ErrorIs(t, err, ErrNotFound)

	n, err = s.CleanupExpired(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	idx, _, err := s.loadIndex(ctx)
	require.NoError(t, err)
	assert.Len(t, idx.Memories, 1)
	assert.Contains(t, idx.Memories, forever)
	assert.Equal(t, 1, idx.Stats.Total)
	require.NotNil(t, idx.Stats.LastCleanup)
	assert.True(t, idx.Stats.LastCleanup.Equal(clock.Now()))

	report, err := s.Check(ctx)
	require.NoError(t, err)
	assert.True(t, report.OK(), "%+v", report)
	assert.Equal(t, 1, report.Records)

	snaps, err := s.Backups().List(now)
	require.NoError(t, err)
	assert.Len(t, snaps, 1, "removed record was snapshotted first")
}

func TestCleanupExpired_SnapshotsIndexWhenNothingExpired(t *testing.T) {
	s := createTestStore(t, nil)
	ctx := context.Background()
	_, err := s.Create(ctx, "note", map[string]any{"a": 1})
	require.NoError(t, err)

	before, err := s.Backups().List(indexTarget)
	require.NoError(t, err)

	n, err := s.CleanupExpired(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	after, err := s.Backups().List(indexTarget)
	require.NoError(t, err)
	assert.Len(t, after, len(before)+1, "last_cleanup rewrite is preceded by a snapshot")

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.NotNil(t, stats.LastCleanup)
}

func TestCleanupExpired_MissingRecordIsCorruption(t *testing.T) {
	s := createTestStore(t, nil)
	ctx := context.Background()
	id, err := s.Create(ctx, "note", map[string]any{"a": 1})
	require.NoError(t, err)
	require.NoError(t, os.Remove(filepath.Join(s.Root(), "data", id+".json")))

	_, err = s.CleanupExpired(ctx)
	require.ErrorIs(t, err, ErrCorruption)
	assert.NotErrorIs(t, err, ErrNotFound)
	var ce *CorruptionError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, id, ce.Name)
}

func TestUpdate_RacingExpiryReportsNotFound(t *testing.T) {
	clock := newTestClock()
	s := createTestStore(t, func(c *Config) { c.Now = clock.Now })
	ctx := context.Background()

	id, err := s.Create(ctx, "note", map[string]any{"a": 1}, WithTTL(time.Minute))
	require.NoError(t, err)

	// Remove the index entry as an expiry sweep would, leaving the file.
	require.NoError(t, s.locks.With(ctx, indexLock, func() error {
		idx, _, err := s.loadIndex(ctx)
		if err != nil {
			return err
		}
		delete(idx.Memories, id)
		return s.writeIndex(ctx, idx)
	}))

	_, err = s.Update(ctx, id, map[string]any{"a": 2})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLoadWithValidation_RestoresPreviousVersion(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	s := createTestStore(t, func(c *Config) { c.Metrics = m })
	ctx := context.Background()

	for v := 1; v <= 3; v++ {
		doc, err := s.SaveWithBackup(ctx, "plan", map[string]any{"version": v})
		require.NoError(t, err)
		assert.Equal(t, v, doc.Version)
	}

	doc, err := s.LoadWithValidation(ctx, "plan")
	require.NoError(t, err)
	assert.Equal(t, 3, doc.Version)

	corruptDocumentHash(t, s, "plan")

	doc, err = s.LoadWithValidation(ctx, "plan")
	require.NoError(t, err)
	assert.Equal(t, 2, doc.Version)
	assert.JSONEq(t, `{"version":2}`, string(doc.Content))

	assert.Equal(t, float64(1), testutil.ToFloat64(m.CorruptionsTotal))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.RepairsTotal))

	doc, err = s.LoadWithValidation(ctx, "plan")
	require.NoError(t, err)
	assert.Equal(t, 2, doc.Version, "the repaired copy is now live")
}

func TestLoadWithValidation_NoSnapshot(t *testing.T) {
	s := createTestStore(t, nil)
	ctx := context.Background()

	_, err := s.SaveWithBackup(ctx, "solo", map[string]any{"a": 1})
	require.NoError(t, err)
	corruptDocumentHash(t, s, "solo")

	_, err = s.LoadWithValidation(ctx, "solo")
	require.ErrorIs(t, err, ErrCorruption)
	assert.ErrorIs(t, err, backup.ErrNoSnapshot)
	var ce *CorruptionError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, "solo", ce.Name)
	assert.Equal(t, "docs/solo.json", ce.Path)
	assert.Equal(t, "0000", ce.Expected)
}

func TestLoadWithValidation_SingleRepairAttempt(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	s := createTestStore(t, func(c *Config) { c.Metrics = m })
	ctx := context.Background()

	_, err := s.SaveWithBackup(ctx, "plan", map[string]any{"a": 1})
	require.NoError(t, err)
	corruptDocumentHash(t, s, "plan")
	// The next save snapshots the already corrupt copy.
	_, err = s.SaveWithBackup(ctx, "plan", map[string]any{"a": 2})
	require.NoError(t, err)
	corruptDocumentHash(t, s, "plan")

	_, err = s.LoadWithValidation(ctx, "plan")
	require.ErrorIs(t, err, ErrCorruption)
	assert.Equal(t, float64(1), testutil.ToFloat64(m.CorruptionsTotal))
	assert.Equal(t, float64(0), testutil.ToFloat64(m.RepairsTotal))
}

func TestLoadWithValidation_UndecodableDocument(t *testing.T) {
	s := createTestStore(t, nil)
	ctx := context.Background()
	_, err := s.SaveWithBackup(ctx, "cfg", map[string]any{"a": 1})
	require.NoError(t, err)
	_, err = s.SaveWithBackup(ctx, "cfg", map[string]any{"a": 2})
	require.NoError(t, err)

	require.NoError(t, s.backend.Put(ctx, docKey("cfg"), []byte("not json")))

	doc, err := s.LoadWithValidation(ctx, "cfg")
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":1}`, string(doc.Content))
}

func TestLoadWithValidation_Missing(t *testing.T) {
	s := createTestStore(t, nil)
	_, err := s.LoadWithValidation(context.Background(), "absent")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.LoadWithValidation(context.Background(), "../escape")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSaveWithBackup_InvalidName(t *testing.T) {
	s := createTestStore(t, nil)
	_, err := s.SaveWithBackup(context.Background(), "../x", map[string]any{"a": 1})
	assert.ErrorIs(t, err, ErrValidation)
}

func TestRestoreDocument(t *testing.T) {
	s := createTestStore(t, nil)
	ctx := context.Background()

	ok, err := s.RestoreDocument(ctx, "notes")
	require.NoError(t, err)
	assert.False(t, ok, "no snapshot yet")

	_, err = s.SaveWithBackup(ctx, "notes", []string{"first"})
	require.NoError(t, err)
	_, err = s.SaveWithBackup(ctx, "notes", []string{"second"})
	require.NoError(t, err)

	ok, err = s.RestoreDocument(ctx, "notes")
	require.NoError(t, err)
	assert.True(t, ok)

	doc, err := s.LoadWithValidation(ctx, "notes")
	require.NoError(t, err)
	assert.JSONEq(t, `["first"]`, string(doc.Content))
}

func TestRestoreRecord(t *testing.T) {
	s := createTestStore(t, nil)
	ctx := context.Background()

	id, err := s.Create(ctx, "note", map[string]any{"v": 1})
	require.NoError(t, err)

	ok, err := s.RestoreRecord(ctx, id)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = s.Update(ctx, id, map[string]any{"v": 2})
	require.NoError(t, err)
	_, err = s.Update(ctx, id, map[string]any{"v": 3})
	require.NoError(t, err)

	ok, err = s.RestoreRecord(ctx, id)
	require.NoError(t, err)
	assert.True(t, ok)

	rec, err := s.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 2, rec.Version)
	assert.Equal(t, float64(2), contentOf(t, rec)["v"])

	report, err := s.Check(ctx)
	require.NoError(t, err)
	assert.Empty(t, report.Mismatched)
}

func TestBackupAllRestoreAll(t *testing.T) {
	s := createTestStore(t, nil)
	ctx := context.Background()

	ok, err := s.RestoreAll(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	id, err := s.Create(ctx, "note", map[string]any{"v": 1})
	require.NoError(t, err)
	_, err = s.SaveWithBackup(ctx, "doc", map[string]any{"d": 1})
	require.NoError(t, err)

	snap, err := s.BackupAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, backup.KindTree, snap.Kind)
	var paths, safetyFiles []string
	for _, f := range snap.Files {
		paths = append(paths, f.Path)
		if strings.HasPrefix(f.Path, SafetyDir+"/") {
			safetyFiles = append(safetyFiles, f.Path)
		}
		assert.False(t, strings.HasPrefix(f.Path, BackupsDir+"/"), f.Path)
		assert.False(t, strings.HasPrefix(f.Path, LocksDir+"/"), f.Path)
	}
	assert.Subset(t, paths, []string{"data/" + id + ".json", "docs/doc.json", "meta/index.json", "meta/schema.json"})
	assert.NotEmpty(t, safetyFiles, "safety records are part of the store snapshot")

	_, err = s.Update(ctx, id, map[string]any{"v": 2})
	require.NoError(t, err)
	for _, rel := range safetyFiles {
		require.NoError(t, os.Remove(filepath.Join(s.Root(), filepath.FromSlash(rel))))
	}

	ok, err = s.RestoreAll(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	rec, err := s.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 1, rec.Version)

	for _, rel := range safetyFiles {
		_, err := os.Stat(filepath.Join(s.Root(), filepath.FromSlash(rel)))
		assert.NoError(t, err, rel)
	}
	safe, reason, err := s.Guard().SafeToModify(filepath.Join(s.Root(), "data", id+".json"))
	require.NoError(t, err)
	assert.True(t, safe, reason)

	report, err := s.Check(ctx)
	require.NoError(t, err)
	assert.True(t, report.OK(), "%+v", report)
}

func TestCheck_ReportsProblems(t *testing.T) {
	s := createTestStore(t, nil)
	ctx := context.Background()

	dangling, err := s.Create(ctx, "note", map[string]any{"a": 1})
	require.NoError(t, err)
	edited, err := s.Create(ctx, "note", map[string]any{"b": 1})
	require.NoError(t, err)

	require.NoError(t, os.Remove(filepath.Join(s.Root(), "data", dangling+".json")))

	editedPath := filepath.Join(s.Root(), "data", edited+".json")
	raw, err := os.ReadFile(editedPath)
	require.NoError(t, err)
	var rec Record
	require.NoError(t, json.Unmarshal(raw, &rec))
	rec.Version = 7
	raw, err = json.Marshal(rec)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(editedPath, raw, 0o644))

	orphan := uuid.NewString()
	require.NoError(t, os.WriteFile(filepath.Join(s.Root(), "data", orphan+".json"), []byte(`{}`), 0o644))

	report, err := s.Check(ctx)
	require.NoError(t, err)
	assert.False(t, report.OK())
	assert.Equal(t, []string{dangling}, report.Dangling)
	assert.Equal(t, []string{edited}, report.Mismatched)
	assert.Equal(t, []string{"data/" + orphan + ".json"}, report.Orphans)
	assert.Equal(t, []string{"data/" + edited + ".json"}, report.Tampered)
	assert.Equal(t, 1, report.Records)
}

func TestSafetyStateTracksTrustedWrites(t *testing.T) {
	s := createTestStore(t, nil)
	ctx := context.Background()
	id, err := s.Create(ctx, "note", map[string]any{"a": 1})
	require.NoError(t, err)

	path := filepath.Join(s.Root(), "data", id+".json")
	ok, _, err := s.Guard().SafeToModify(path)
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = s.Update(ctx, id, map[string]any{"a": 2})
	require.NoError(t, err)
	ok, _, err = s.Guard().SafeToModify(path)
	require.NoError(t, err)
	assert.True(t, ok, "store writes refresh the safety record")

	require.NoError(t, os.WriteFile(path, []byte(`{"tampered":true}`), 0o644))
	ok, reason, err := s.Guard().SafeToModify(path)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.NotEmpty(t, reason)
}

func TestOrder(t *testing.T) {
	s := createTestStore(t, nil)
	ctx := context.Background()

	fetch, err := s.Create(ctx, "task", map[string]any{"name": "fetch"})
	require.NoError(t, err)
	build, err := s.Create(ctx, "task", map[string]any{"name": "build", "dependencies": []string{fetch}})
	require.NoError(t, err)
	deploy, err := s.Create(ctx, "task", map[string]any{"name": "deploy", "dependencies": []string{build, fetch}})
	require.NoError(t, err)

	order, err := s.Order(ctx, deploy)
	require.NoError(t, err)
	assert.Equal(t, []string{fetch, build, deploy}, order)

	deps, err := s.Dependencies(ctx, deploy)
	require.NoError(t, err)
	assert.Equal(t, []string{build, fetch}, deps)

	_, err = s.Order(ctx, uuid.NewString())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestOrder_SkipsDependenciesNotStored(t *testing.T) {
	clock := newTestClock()
	s := createTestStore(t, func(c *Config) { c.Now = clock.Now })
	ctx := context.Background()

	unknown := uuid.NewString()
	a, err := s.Create(ctx, "task", map[string]any{"name": "a", "dependencies": []string{unknown}})
	require.NoError(t, err)

	order, err := s.Order(ctx, a)
	require.NoError(t, err)
	assert.Equal(t, []string{a}, order)

	fetch, err := s.Create(ctx, "task", map[string]any{"name": "fetch"}, WithTTL(time.Minute))
	require.NoError(t, err)
	build, err := s.Create(ctx, "task", map[string]any{"name": "build", "dependencies": []string{fetch}})
	require.NoError(t, err)

	order, err = s.Order(ctx, build)
	require.NoError(t, err)
	assert.Equal(t, []string{fetch, build}, order)

	clock.Advance(time.Hour)
	n, err := s.CleanupExpired(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	order, err = s.Order(ctx, build)
	require.NoError(t, err)
	assert.Equal(t, []string{build}, order, "swept dependency is skipped")
}

func TestUpdate_RejectsDependencyCycle(t *testing.T) {
	s := createTestStore(t, nil)
	ctx := context.Background()

	a, err := s.Create(ctx, "task", map[string]any{"name": "a"})
	require.NoError(t, err)
	b, err := s.Create(ctx, "task", map[string]any{"name": "b", "dependencies": []string{a}})
	require.NoError(t, err)

	_, err = s.Update(ctx, a, map[string]any{"name": "a", "dependencies": []string{b}})
	require.ErrorIs(t, err, ErrValidation)
	var ve *ValidationError
	require.True(t, errors.As(err, &ve))
	assert.Equal(t, "content.dependencies", ve.Field)
	assert.Contains(t, ve.Reason, "cycle")

	rec, err := s.Get(ctx, a)
	require.NoError(t, err)
	assert.Equal(t, 1, rec.Version)

	_, err = s.Update(ctx, a, map[string]any{"name": "a", "dependencies": []string{uuid.NewString()}})
	assert.NoError(t, err, "unknown dependencies are allowed")
}

func TestCache(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	c := cache.New[string, Record](cache.Config{TTL: time.Minute})
	s := createTestStore(t, func(cfg *Config) {
		cfg.Cache = c
		cfg.Metrics = m
	})
	ctx := context.Background()

	id, err := s.Create(ctx, "note", map[string]any{"a": 1})
	require.NoError(t, err)

	rec, err := s.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, float64(1), testutil.ToFloat64(m.CacheLookups.WithLabelValues("hit")))

	// Mutating the returned record must not leak into the cache.
	rec.Content[0] = '['
	again, err := s.Get(ctx, id)
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":1}`, string(again.Content))

	// Another writer bumps the version behind this store's back.
	other, err := Open(ctx, Config{Root: s.Root()})
	require.NoError(t, err)
	defer other.Close()
	_, err = other.Update(ctx, id, map[string]any{"a": 2})
	require.NoError(t, err)

	fresh, err := s.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 2, fresh.Version)
	assert.Equal(t, float64(1), testutil.ToFloat64(m.CacheLookups.WithLabelValues("stale")))
}

func TestMetrics_Operations(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	s := createTestStore(t, func(c *Config) { c.Metrics = m })
	ctx := context.Background()

	id, err := s.Create(ctx, "note", map[string]any{"a": 1})
	require.NoError(t, err)
	_, err = s.Get(ctx, uuid.NewString())
	require.Error(t, err)
	_, err = s.Create(ctx, "", map[string]any{"a": 1})
	require.Error(t, err)
	_, err = s.Get(ctx, id)
	require.NoError(t, err)

	assert.Equal(t, float64(1), testutil.ToFloat64(m.OpsTotal.WithLabelValues("create", "ok")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.OpsTotal.WithLabelValues("create", "invalid")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.OpsTotal.WithLabelValues("get", "not_found")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.OpsTotal.WithLabelValues("get", "ok")))
}

func TestClosed(t *testing.T) {
	s := createTestStore(t, nil)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	_, err := s.Create(context.Background(), "note", map[string]any{"a": 1})
	assert.ErrorIs(t, err, ErrClosed)
	_, err = s.Get(context.Background(), uuid.NewString())
	assert.ErrorIs(t, err, ErrClosed)
}

func TestCorruptIndexAborts(t *testing.T) {
	s := createTestStore(t, nil)
	ctx := context.Background()
	require.NoError(t, os.WriteFile(filepath.Join(s.Root(), "meta", "index.json"), []byte("garbage"), 0o644))

	_, err := s.Create(ctx, "note", map[string]any{"a": 1})
	require.ErrorIs(t, err, ErrCorruption)

	keys, err := s.backend.List(ctx, dataPrefix)
	require.NoError(t, err)
	assert.Empty(t, keys, "no record written when the index is unreadable")

	raw, err := os.ReadFile(filepath.Join(s.Root(), "meta", "index.json"))
	require.NoError(t, err)
	assert.Equal(t, "garbage", string(raw), "index is never repaired automatically")
}

// TestBackends runs the core properties against every Backend.
func TestBackends(t *testing.T) {
	backends := map[string]func(t *testing.T) storage.Backend{
		"badger": func(t *testing.T) storage.Backend {
			b, err := badgerkv.Open(badgerkv.InMemoryConfig())
			require.NoError(t, err)
			return b
		},
		"sqlite": func(t *testing.T) storage.Backend {
			b, err := sqlitekv.Open(filepath.Join(t.TempDir(), "cascade.db"))
			require.NoError(t, err)
			return b
		},
	}

	for name, newBackend := range backends {
		t.Run(name, func(t *testing.T) {
			s := createTestStore(t, func(c *Config) { c.Backend = newBackend(t) })
			ctx := context.Background()

			id, err := s.Create(ctx, "build_plan", map[string]any{"stage": 1}, WithTTL(time.Hour))
			require.NoError(t, err)

			var wg sync.WaitGroup
			for i := 0; i < 4; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					_, err := s.Update(ctx, id, map[string]any{"stage": 2})
					assert.NoError(t, err)
				}()
			}
			wg.Wait()

			rec, err := s.Get(ctx, id)
			require.NoError(t, err)
			assert.Equal(t, 5, rec.Version)

			found, err := s.Search(ctx, "build_plan")
			require.NoError(t, err)
			require.Len(t, found, 1)

			for v := 1; v <= 2; v++ {
				_, err := s.SaveWithBackup(ctx, "doc", map[string]any{"v": v})
				require.NoError(t, err)
			}
			corruptDocumentHash(t, s, "doc")
			doc, err := s.LoadWithValidation(ctx, "doc")
			require.NoError(t, err)
			assert.Equal(t, 1, doc.Version)

			snap, err := s.BackupAll(ctx)
			require.NoError(t, err)
			assert.NotEmpty(t, snap.Files)
			for _, f := range snap.Files {
				assert.False(t, strings.HasPrefix(f.Path, SafetyDir+"/"), f.Path)
			}

			_, err = s.Update(ctx, id, map[string]any{"stage": 3})
			require.NoError(t, err)
			ok, err := s.RestoreAll(ctx)
			require.NoError(t, err)
			require.True(t, ok)
			rec, err = s.Get(ctx, id)
			require.NoError(t, err)
			assert.Equal(t, 5, rec.Version)

			report, err := s.Check(ctx)
			require.NoError(t, err)
			assert.True(t, report.OK(), "%+v", report)
		})
	}
}

// corruptDocumentHash rewrites the stored hash of a document.
func corruptDocumentHash(t *testing.T, s *Store, name string) {
	t.Helper()
	ctx := context.Background()
	raw, err := s.backend.Get(ctx, docKey(name))
	require.NoError(t, err)
	var doc Document
	require.NoError(t, json.Unmarshal(raw, &doc))
	doc.Hash = "0000"
	raw, err = json.Marshal(doc)
	require.NoError(t, err)
	require.NoError(t, s.backend.Put(ctx, docKey(name), raw))
}
