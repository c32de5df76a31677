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
	"errors"
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// ChangeEvent reports a watched file that became unsafe to modify.
type ChangeEvent struct {
	Path   string
	Op     string
	Reason string
}

// Watch reports tracked files that stop matching their recorded state.
//
// # Description
//
// Watches the parent directory of each path (editors often replace files
// by rename) and re-evaluates SafeToModify on every write, create, rename,
// or remove touching one of paths. fn is called for each unsafe result.
// Setup happens before Watch returns; events are delivered on a background
// goroutine until ctx is cancelled. A trusted writer that has not yet
// called RecordState may be reported in that window.
//
// # Inputs
//
//   - ctx: Stops the watch when cancelled.
//   - paths: Files to watch. Must be non-empty.
//   - fn: Called from the watch goroutine, one event at a time.
//
// # Outputs
//
//   - error: Non-nil if the watcher cannot be created.
func (g *Guard) Watch(ctx context.Context, paths []string, fn func(ChangeEvent)) error {
	if len(paths) == 0 {
		return errors.New("no paths to watch")
	}
	if fn == nil {
		return errors.New("callback is required")
	}

	watched := make(map[string]bool, len(paths))
	dirs := make(map[string]bool)
	for _, p := range paths {
		abs, err := filepath.Abs(p)
		if err != nil {
			return fmt.Errorf("resolve %s: %w", p, err)
		}
		watched[abs] = true
		dirs[filepath.Dir(abs)] = true
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating file watcher: %w", err)
	}
	for dir := range dirs {
		if err := watcher.Add(dir); err != nil {
			watcher.Close()
			return fmt.Errorf("watching %s: %w", dir, err)
		}
	}

	go g.watchLoop(ctx, watcher, watched, fn)
	return nil
}

// watchLoop handles fsnotify events until ctx is done.
func (g *Guard) watchLoop(ctx context.Context, watcher *fsnotify.Watcher, watched map[string]bool, fn func(ChangeEvent)) {
	defer watcher.Close()
	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			g.handleWatchEvent(event, watched, fn)

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			g.logger.Warn("file watcher error", "error", err)
		}
	}
}

// handleWatchEvent processes a single fsnotify event.
func (g *Guard) handleWatchEvent(event fsnotify.Event, watched map[string]bool, fn func(ChangeEvent)) {
	if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) &&
		!event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
		return
	}
	abs, err := filepath.Abs(event.Name)
	if err != nil || !watched[abs] {
		return
	}

	ok, reason, err := g.SafeToModify(abs)
	if err != nil {
		g.logger.Warn("safety check after file event failed", "path", abs, "error", err)
		return
	}
	if ok {
		return
	}
	g.logger.Warn("external modification detected", "path", abs, "event", event.Op.String(), "reason", reason)
	fn(ChangeEvent{Path: abs, Op: event.Op.String(), Reason: reason})
}
