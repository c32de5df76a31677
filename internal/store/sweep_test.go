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
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/cascade/internal/backup"
	"github.com/AleutianAI/cascade/internal/cache"
	"github.com/AleutianAI/cascade/internal/lock"
)

func TestSweeper_RunNow(t *testing.T) {
	clock := newTestClock()
	c := cache.New[string, Record](cache.Config{TTL: time.Minute, Now: clock.Now})
	s := createTestStore(t, func(cfg *Config) {
		cfg.Now = clock.Now
		cfg.Cache = c
	})
	ctx := context.Background()

	_, err := s.Create(ctx, "note", map[string]any{"a": 1}, WithTTL(time.Hour))
	require.NoError(t, err)
	keep, err := s.Create(ctx, "note", map[string]any{"b": 1})
	require.NoError(t, err)
	require.Equal(t, 2, c.Len())

	clock.Advance(2 * time.Hour)
	w := NewSweeper(s, SweeperConfig{})
	result, err := w.RunNow(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Removed)
	assert.Equal(t, 1, result.CacheEvicted, "the surviving record's cache entry had expired")
	assert.GreaterOrEqual(t, result.Duration(), time.Duration(0))

	_, err = s.Get(ctx, keep)
	assert.NoError(t, err)
}

func TestSweeper_StartStop(t *testing.T) {
	s := createTestStore(t, nil)
	ctx := context.Background()
	_, err := s.Create(ctx, "note", map[string]any{"a": 1}, WithExpiry(time.Now().Add(-time.Second)))
	require.NoError(t, err)

	cycles := make(chan SweepResult, 8)
	w := NewSweeper(s, SweeperConfig{
		Interval: 10 * time.Millisecond,
		OnCycle: func(r SweepResult, err error) {
			if err != nil {
				return
			}
			select {
			case cycles <- r:
			default:
			}
		},
	})
	require.NoError(t, w.Start(ctx))
	assert.Error(t, w.Start(ctx), "second start is rejected")

	first := <-cycles
	assert.Equal(t, 1, first.Removed, "first cycle runs immediately")
	<-cycles

	w.Stop()
	w.Stop()

	require.NoError(t, w.Start(ctx), "a stopped sweeper can be restarted")
	w.Stop()
}

func TestSweeper_StopsWithContext(t *testing.T) {
	s := createTestStore(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	w := NewSweeper(s, SweeperConfig{Interval: time.Hour})
	require.NoError(t, w.Start(ctx))
	cancel()

	done := make(chan struct{})
	go func() {
		w.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Stop did not return after the context was cancelled")
	}
}

func TestErrorTaxonomy(t *testing.T) {
	cause := errors.New("disk full")
	tests := []struct {
		name   string
		err    error
		target error
	}{
		{"validation", &ValidationError{Field: "type", Reason: "is required"}, ErrValidation},
		{"not found", &NotFoundError{ID: "x"}, ErrNotFound},
		{"corruption", &CorruptionError{Name: "doc", Path: "docs/doc.json"}, ErrCorruption},
		{"corruption cause", &CorruptionError{Name: "doc", Err: cause}, cause},
		{"storage", &StorageError{Op: "put", Key: "k", Err: cause}, ErrStorage},
		{"storage cause", &StorageError{Op: "put", Key: "k", Err: cause}, cause},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, tt.err, tt.target)
			assert.NotEmpty(t, tt.err.Error())
		})
	}
}

func TestClassify(t *testing.T) {
	assert.Nil(t, classify("op", "k", nil))

	ve := &ValidationError{Field: "f", Reason: "r"}
	assert.Same(t, ve, classify("op", "k", ve))

	wrapped := fmt.Errorf("outer: %w", &NotFoundError{ID: "x"})
	assert.Equal(t, wrapped, classify("op", "k", wrapped))

	lte := &lock.LockTimeoutError{Name: "index", Waited: time.Second, Cause: lock.ErrLockTimeout}
	assert.Equal(t, error(lte), classify("op", "k", lte))

	be := &backup.BackupError{Op: "snapshot", Target: "t", Err: errors.New("x")}
	assert.Equal(t, error(be), classify("op", "k", be))

	raw := errors.New("EIO")
	err := classify("put", "data/x.json", raw)
	var se *StorageError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, "put", se.Op)
	assert.Equal(t, "data/x.json", se.Key)
	assert.ErrorIs(t, err, raw)
}
