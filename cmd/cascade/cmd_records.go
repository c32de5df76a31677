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
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/cascade/internal/config"
	"github.com/AleutianAI/cascade/internal/storage"
	"github.com/AleutianAI/cascade/internal/store"
)

func runInit(cmd *cobra.Command, args []string) error {
	return withStore(cmd, func(ctx context.Context, s *store.Store) error {
		path := configPath
		if path == "" {
			path = config.DefaultPath(s.Root())
		}
		wrote := false
		if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
			cfg := app.cfg
			cfg.Root = s.Root()
			data, err := yaml.Marshal(cfg)
			if err != nil {
				return fmt.Errorf("encode config: %w", err)
			}
			if err := storage.WriteFileAtomic(path, data, 0o644); err != nil {
				return fmt.Errorf("write config %s: %w", path, err)
			}
			wrote = true
		}

		result := map[string]any{"root": s.Root(), "config": path, "config_written": wrote}
		return emit(result, func() {
			app.printer.Success("store ready at " + s.Root())
			if wrote {
				app.printer.Info("wrote default config to " + path)
			} else {
				app.printer.Muted("using existing config " + path)
			}
		})
	})
}

func runCreate(cmd *cobra.Command, args []string) error {
	content, err := readContent(cmd, args, 1)
	if err != nil {
		return err
	}
	opts, err := writeOptions(cmd)
	if err != nil {
		return err
	}
	return withStore(cmd, func(ctx context.Context, s *store.Store) error {
		id, err := s.Create(ctx, args[0], content, opts...)
		if err != nil {
			return err
		}
		return emit(map[string]string{"id": id}, func() {
			app.printer.Line("%s", id)
		})
	})
}

func runUpdate(cmd *cobra.Command, args []string) error {
	content, err := readContent(cmd, args, 1)
	if err != nil {
		return err
	}
	opts, err := writeOptions(cmd)
	if err != nil {
		return err
	}
	return withStore(cmd, func(ctx context.Context, s *store.Store) error {
		rec, err := s.Update(ctx, args[0], content, opts...)
		if err != nil {
			return err
		}
		return emit(rec, func() {
			app.printer.Success(fmt.Sprintf("%s updated to version %d", rec.ID, rec.Version))
		})
	})
}

func runGet(cmd *cobra.Command, args []string) error {
	return withStore(cmd, func(ctx context.Context, s *store.Store) error {
		rec, err := s.Get(ctx, args[0])
		if err != nil {
			return err
		}
		return emit(rec, func() { printRecord(rec) })
	})
}

func runSearch(cmd *cobra.Command, args []string) error {
	return withStore(cmd, func(ctx context.Context, s *store.Store) error {
		recs, err := s.Search(ctx, args[0])
		if err != nil {
			return err
		}
		return emit(recs, func() {
			if len(recs) == 0 {
				app.printer.Muted("no records of type " + args[0])
				return
			}
			for _, r := range recs {
				app.printer.Line("%s  v%-3d  %s", r.ID, r.Version, r.UpdatedAt.Format(time.RFC3339))
			}
		})
	})
}

func runCleanup(cmd *cobra.Command, args []string) error {
	return withStore(cmd, func(ctx context.Context, s *store.Store) error {
		removed, err := s.CleanupExpired(ctx)
		if err != nil {
			return err
		}
		return emit(map[string]int{"removed": removed}, func() {
			app.printer.Success(fmt.Sprintf("removed %d expired record(s)", removed))
		})
	})
}

func runDeps(cmd *cobra.Command, args []string) error {
	return withStore(cmd, func(ctx context.Context, s *store.Store) error {
		order, err := s.Order(ctx, args[0])
		if err != nil {
			return err
		}
		return emit(order, func() {
			for i, id := range order {
				app.printer.Line("%d. %s", i+1, id)
			}
		})
	})
}

func printRecord(rec store.Record) {
	rows := [][2]string{
		{"id", rec.ID},
		{"type", rec.Type},
		{"version", strconv.Itoa(rec.Version)},
		{"created", rec.CreatedAt.Format(time.RFC3339Nano)},
		{"updated", rec.UpdatedAt.Format(time.RFC3339Nano)},
	}
	if rec.ExpiresAt != nil {
		rows = append(rows, [2]string{"expires", rec.ExpiresAt.Format(time.RFC3339Nano)})
	}
	rows = append(rows, [2]string{"content", string(rec.Content)})
	app.printer.KeyValues(rows)

	if rec.Critique.Entries() == 0 {
		return
	}
	var b strings.Builder
	for _, group := range []struct {
		label   string
		entries []string
	}{
		{"strengths", rec.Critique.Strengths},
		{"weaknesses", rec.Critique.Weaknesses},
		{"improvements", rec.Critique.Improvements},
	} {
		for _, e := range group.entries {
			fmt.Fprintf(&b, "%s: %s\n", group.label, e)
		}
	}
	app.printer.Box("critique", strings.TrimSuffix(b.String(), "\n"))
}
