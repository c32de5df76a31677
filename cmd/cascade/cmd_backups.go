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
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/cascade/internal/backup"
	"github.com/AleutianAI/cascade/internal/store"
)

func runBackup(cmd *cobra.Command, args []string) error {
	return withStore(cmd, func(ctx context.Context, s *store.Store) error {
		snap, err := s.BackupAll(ctx)
		if err != nil {
			return err
		}
		return emit(snap, func() {
			app.printer.Success(fmt.Sprintf("snapshot %s (%d files)", snap.ID, len(snap.Files)))
		})
	})
}

// snapshotView is the JSON shape of one listed snapshot.
type snapshotView struct {
	ID        string      `json:"id"`
	Target    string      `json:"target"`
	Kind      backup.Kind `json:"kind"`
	CreatedAt time.Time   `json:"created_at"`
	Files     int         `json:"files"`
}

func runSnapshots(cmd *cobra.Command, args []string) error {
	return withStore(cmd, func(ctx context.Context, s *store.Store) error {
		if len(args) == 0 {
			targets, err := s.Backups().Targets()
			if err != nil {
				return err
			}
			if targets == nil {
				targets = []string{}
			}
			return emit(targets, func() {
				if len(targets) == 0 {
					app.printer.Muted("no snapshots yet")
				}
				for _, t := range targets {
					app.printer.Line("%s", t)
				}
			})
		}

		snaps, err := s.Backups().List(args[0])
		if err != nil {
			return err
		}
		views := make([]snapshotView, 0, len(snaps))
		for _, sn := range snaps {
			views = append(views, snapshotView{
				ID:        sn.ID,
				Target:    sn.Target,
				Kind:      sn.Kind,
				CreatedAt: sn.CreatedAt,
				Files:     len(sn.Files),
			})
		}
		return emit(views, func() {
			if len(views) == 0 {
				app.printer.Muted("no snapshots of " + args[0])
			}
			for _, v := range views {
				app.printer.Line("%s  %-4s  %d file(s)", v.ID, v.Kind, v.Files)
			}
		})
	})
}

func runRestoreRecord(cmd *cobra.Command, args []string) error {
	return withStore(cmd, func(ctx context.Context, s *store.Store) error {
		ok, err := s.RestoreRecord(ctx, args[0])
		return reportRestore(ok, err, "record "+args[0])
	})
}

func runRestoreDoc(cmd *cobra.Command, args []string) error {
	return withStore(cmd, func(ctx context.Context, s *store.Store) error {
		ok, err := s.RestoreDocument(ctx, args[0])
		return reportRestore(ok, err, "document "+args[0])
	})
}

func runRestoreAll(cmd *cobra.Command, args []string) error {
	return withStore(cmd, func(ctx context.Context, s *store.Store) error {
		ok, err := s.RestoreAll(ctx)
		return reportRestore(ok, err, "store")
	})
}

// reportRestore turns "nothing to restore" into an error so scripts see a
// non-zero exit.
func reportRestore(ok bool, err error, what string) error {
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s", backup.ErrNoSnapshot, what)
	}
	return emit(map[string]bool{"restored": true}, func() {
		app.printer.Success("restored " + what)
	})
}

func runPrune(cmd *cobra.Command, args []string) error {
	return withStore(cmd, func(ctx context.Context, s *store.Store) error {
		removed, err := s.Prune(ctx, args[0], keepLast)
		if err != nil {
			return err
		}
		return emit(map[string]int{"removed": removed}, func() {
			app.printer.Success(fmt.Sprintf("pruned %d snapshot(s) of %s", removed, args[0]))
		})
	})
}

// verifyResult is one verified snapshot.
type verifyResult struct {
	ID    string `json:"id"`
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

func runVerify(cmd *cobra.Command, args []string) error {
	return withStore(cmd, func(ctx context.Context, s *store.Store) error {
		target := args[0]
		var ids []string
		if len(args) == 2 {
			ids = []string{args[1]}
		} else {
			snaps, err := s.Backups().List(target)
			if err != nil {
				return err
			}
			for _, sn := range snaps {
				ids = append(ids, sn.ID)
			}
		}

		results := make([]verifyResult, 0, len(ids))
		var failed error
		for _, id := range ids {
			err := s.Backups().Verify(ctx, target, id)
			r := verifyResult{ID: id, OK: err == nil}
			if err != nil {
				r.Error = err.Error()
				if failed == nil {
					failed = err
				}
			}
			results = append(results, r)
		}

		if err := emit(results, func() {
			if len(results) == 0 {
				app.printer.Muted("no snapshots of " + target)
			}
			for _, r := range results {
				if r.OK {
					app.printer.Success(r.ID)
				} else {
					app.printer.Error(r.ID + ": " + r.Error)
				}
			}
		}); err != nil {
			return err
		}
		if failed != nil {
			return fmt.Errorf("verify %s: %w", target, failed)
		}
		return nil
	})
}
