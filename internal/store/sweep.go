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
	"log/slog"
	"sync"
	"time"
)

// SweepResult summarizes one sweep cycle.
type SweepResult struct {
	StartTime time.Time
	EndTime   time.Time

	// Removed is the number of expired records removed.
	Removed int

	// CacheEvicted is the number of expired cache entries dropped.
	CacheEvicted int
}

// Duration returns how long the cycle took.
func (r SweepResult) Duration() time.Duration {
	return r.EndTime.Sub(r.StartTime)
}

// Sweeper runs CleanupExpired and a cache sweep on a fixed interval.
//
// # Description
//
// The first cycle runs immediately on Start. A failed cycle is logged and
// the next one runs on schedule.
//
// # Thread Safety
//
// Start, Stop, and RunNow are safe for concurrent use. Cycles started by
// different processes serialize on the index lock.
type Sweeper struct {
	store    *Store
	interval time.Duration
	logger   *slog.Logger
	onCycle  func(SweepResult, error)

	mu      sync.Mutex
	running bool
	done    chan struct{}
	stopped chan struct{}
}

// SweeperConfig configures a Sweeper.
type SweeperConfig struct {
	// Interval between cycles. Default: 1h.
	Interval time.Duration

	// Logger defaults to the store's logger.
	Logger *slog.Logger

	// OnCycle, if set, is called after every cycle.
	OnCycle func(SweepResult, error)
}

// NewSweeper creates a Sweeper for s.
func NewSweeper(s *Store, cfg SweeperConfig) *Sweeper {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Hour
	}
	if cfg.Logger == nil {
		cfg.Logger = s.logger
	}
	return &Sweeper{
		store:    s,
		interval: cfg.Interval,
		logger:   cfg.Logger,
		onCycle:  cfg.OnCycle,
	}
}

// Start launches the sweep loop. It stops when ctx is cancelled or Stop is
// called.
func (w *Sweeper) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return errors.New("sweeper is already running")
	}
	w.running = true
	w.done = make(chan struct{})
	w.stopped = make(chan struct{})

	w.logger.Info("expiry sweeper starting", "interval", w.interval.String())
	go w.runLoop(ctx, w.done, w.stopped)
	return nil
}

// Stop ends the loop and waits for an in-flight cycle to finish. Stopping
// a sweeper that is not running is a no-op.
func (w *Sweeper) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	close(w.done)
	stopped := w.stopped
	w.mu.Unlock()

	<-stopped
	w.logger.Info("expiry sweeper stopped")
}

// RunNow runs one cycle synchronously.
func (w *Sweeper) RunNow(ctx context.Context) (SweepResult, error) {
	result := SweepResult{StartTime: time.Now()}
	removed, err := w.store.CleanupExpired(ctx)
	result.Removed = removed
	if c := w.store.Cache(); c != nil {
		result.CacheEvicted = c.Sweep()
	}
	result.EndTime = time.Now()
	return result, err
}

func (w *Sweeper) runLoop(ctx context.Context, done, stopped chan struct{}) {
	defer close(stopped)
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.executeCycle(ctx)
	for {
		select {
		case <-ctx.Done():
			w.logger.Info("expiry sweeper stopped (context cancelled)")
			return
		case <-done:
			return
		case <-ticker.C:
			w.executeCycle(ctx)
		}
	}
}

func (w *Sweeper) executeCycle(ctx context.Context) {
	result, err := w.RunNow(ctx)
	if w.onCycle != nil {
		w.onCycle(result, err)
	}
	if err != nil {
		w.logger.Error("expiry sweep failed", "error", err)
		return
	}
	if result.Removed > 0 || result.CacheEvicted > 0 {
		w.logger.Info("expiry sweep completed",
			"removed", result.Removed,
			"cache_evicted", result.CacheEvicted,
			"duration_ms", result.Duration().Milliseconds(),
		)
	} else {
		w.logger.Debug("expiry sweep completed (nothing expired)")
	}
}
