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
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/cascade/internal/safety"
	"github.com/AleutianAI/cascade/internal/store"
	"github.com/AleutianAI/cascade/pkg/ux"
)

func runRecordState(cmd *cobra.Command, args []string) error {
	return withStore(cmd, func(ctx context.Context, s *store.Store) error {
		st, err := s.Guard().RecordState(args[0])
		if err != nil {
			return err
		}
		return emit(st, func() {
			app.printer.Success("recorded " + st.Path)
			app.printer.Muted("sha256 " + st.ContentHash)
		})
	})
}

// safeCheckResult is the JSON shape of a safe-check answer.
type safeCheckResult struct {
	Path   string `json:"path"`
	Safe   bool   `json:"safe"`
	Reason string `json:"reason"`
}

func runSafeCheck(cmd *cobra.Command, args []string) error {
	return withStore(cmd, func(ctx context.Context, s *store.Store) error {
		ok, reason, err := s.Guard().SafeToModify(args[0])
		if err != nil {
			return err
		}
		res := safeCheckResult{Path: args[0], Safe: ok, Reason: reason}
		if err := emit(res, func() {
			if ok {
				app.printer.Success(args[0] + ": " + reason)
			} else {
				app.printer.Warning(args[0] + ": " + reason)
			}
		}); err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%s: %w: %s", args[0], errUnsafe, reason)
		}
		return nil
	})
}

// runWatch reports external changes until interrupted. Without arguments
// it watches the record, index, and document files of the store.
func runWatch(cmd *cobra.Command, args []string) error {
	return withStore(cmd, func(ctx context.Context, s *store.Store) error {
		paths := args
		if len(paths) == 0 {
			var err error
			if paths, err = storePaths(s.Root()); err != nil {
				return err
			}
		}
		if len(paths) == 0 {
			return fmt.Errorf("nothing to watch under %s", s.Root())
		}

		err := s.Guard().Watch(ctx, paths, func(ev safety.ChangeEvent) {
			if app.printer.Machine() {
				_ = app.printer.JSON(ev)
				return
			}
			app.printer.FileStatus(ev.Path, ux.IconWarning, ev.Op+": "+ev.Reason)
		})
		if err != nil {
			return err
		}
		app.printer.Info(fmt.Sprintf("watching %d file(s), interrupt to stop", len(paths)))
		<-ctx.Done()
		return nil
	})
}

// storePaths lists the record, index, and document files of a file-backed
// store.
func storePaths(root string) ([]string, error) {
	var out []string
	for _, pattern := range []string{"data/*.json", "meta/index.json", "docs/*.json"} {
		matches, err := filepath.Glob(filepath.Join(root, filepath.FromSlash(pattern)))
		if err != nil {
			return nil, err
		}
		out = append(out, matches...)
	}
	return out, nil
}
