// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/AleutianAI/cascade/internal/store"
	"github.com/AleutianAI/cascade/pkg/ux"
)

func runCheck(cmd *cobra.Command, args []string) error {
	return withStore(cmd, func(ctx context.Context, s *store.Store) error {
		report, err := s.Check(ctx)
		if err != nil {
			return err
		}
		if err := emit(report, func() { printCheck(report) }); err != nil {
			return err
		}
		if !report.OK() {
			return fmt.Errorf("check found problems: %w", errUnsafe)
		}
		return nil
	})
}

func printCheck(r store.CheckReport) {
	app.printer.Title("Store check")
	if r.OK() {
		app.printer.Success(fmt.Sprintf("%d record(s), no problems", r.Records))
		return
	}
	app.printer.Warning(fmt.Sprintf("%d readable record(s), problems found", r.Records))
	for _, group := range []struct {
		reason string
		items  []string
	}{
		{"in index, unreadable", r.Dangling},
		{"not in index", r.Orphans},
		{"disagrees with index", r.Mismatched},
		{"changed outside the store", r.Tampered},
	} {
		for _, item := range group.items {
			app.printer.FileStatus(item, ux.IconError, group.reason)
		}
	}
}

func runSweep(cmd *cobra.Command, args []string) error {
	interval := app.cfg.Sweep.Interval
	if sweepInterval != "" {
		d, err := time.ParseDuration(sweepInterval)
		if err != nil || d <= 0 {
			return &store.ValidationError{Field: "interval", Reason: fmt.Sprintf("invalid --interval %q", sweepInterval)}
		}
		interval = d
	}
	addr := app.cfg.Metrics.Addr
	if metricsAddr != "" {
		addr = metricsAddr
	}

	return withStore(cmd, func(ctx context.Context, s *store.Store) error {
		sweeper := store.NewSweeper(s, store.SweeperConfig{
			Interval: interval,
			OnCycle: func(r store.SweepResult, err error) {
				if err == nil && r.Removed > 0 {
					app.printer.Info(fmt.Sprintf("removed %d expired record(s)", r.Removed))
				}
			},
		})

		if sweepOnce {
			result, err := sweeper.RunNow(ctx)
			if err != nil {
				return err
			}
			return emit(map[string]any{
				"removed":       result.Removed,
				"cache_evicted": result.CacheEvicted,
				"duration_ms":   result.Duration().Milliseconds(),
			}, func() {
				app.printer.Success(fmt.Sprintf("removed %d expired record(s)", result.Removed))
			})
		}

		if addr != "" {
			srv := serveMetrics(addr)
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = srv.Shutdown(shutdownCtx)
			}()
		}

		if err := sweeper.Start(ctx); err != nil {
			return err
		}
		app.printer.Info(fmt.Sprintf("sweeping every %s, interrupt to stop", interval))
		<-ctx.Done()
		sweeper.Stop()
		return nil
	})
}

// serveMetrics exposes app.registry on addr in the background.
func serveMetrics(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(app.registry, promhttp.HandlerOpts{}))
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("metrics server failed", "addr", addr, "error", err)
		}
	}()
	slog.Info("serving metrics", "addr", addr)
	return srv
}

// statusView is the JSON shape of status.
type statusView struct {
	Root        string           `json:"root"`
	Backend     string           `json:"backend"`
	Stats       store.IndexStats `json:"stats"`
	Targets     []string         `json:"snapshot_targets"`
	KeepLast    int              `json:"keep_last"`
	LockTimeout string           `json:"lock_timeout"`
	CacheTTL    string           `json:"cache_ttl"`
}

func runStatus(cmd *cobra.Command, args []string) error {
	return withStore(cmd, func(ctx context.Context, s *store.Store) error {
		stats, err := s.Stats(ctx)
		if err != nil {
			return err
		}
		targets, err := s.Backups().Targets()
		if err != nil {
			return err
		}
		if targets == nil {
			targets = []string{}
		}
		v := statusView{
			Root:        s.Root(),
			Backend:     app.cfg.Backend,
			Stats:       stats,
			Targets:     targets,
			KeepLast:    s.Backups().KeepLast(),
			LockTimeout: s.Locks().Timeout().String(),
			CacheTTL:    app.cfg.Cache.TTL.String(),
		}
		return emit(v, func() { printStatus(v) })
	})
}

func printStatus(v statusView) {
	lastCleanup := "never"
	if v.Stats.LastCleanup != nil {
		lastCleanup = v.Stats.LastCleanup.Format(time.RFC3339)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "root:          %s\n", v.Root)
	fmt.Fprintf(&b, "backend:       %s\n", v.Backend)
	fmt.Fprintf(&b, "records:       %d\n", v.Stats.Total)
	fmt.Fprintf(&b, "created:       %s\n", v.Stats.CreatedAt.Format(time.RFC3339))
	fmt.Fprintf(&b, "last cleanup:  %s\n", lastCleanup)
	fmt.Fprintf(&b, "snapshots:     %d target(s), keep %d each\n", len(v.Targets), v.KeepLast)
	fmt.Fprintf(&b, "lock timeout:  %s\n", v.LockTimeout)
	fmt.Fprintf(&b, "cache ttl:     %s", v.CacheTTL)
	app.printer.Box("cascade", b.String())
}
