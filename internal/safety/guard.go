// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package safety detects files modified outside the process that last
// wrote them.
//
// After a trusted write the writer calls RecordState, which stores the
// file's content hash and modification time. Before overwriting the file
// again, anyone can ask SafeToModify whether it still matches. A change in
// either value is reported as unsafe. The guard only reports; it never
// blocks or repairs.
package safety

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/AleutianAI/cascade/internal/hashing"
	"github.com/AleutianAI/cascade/internal/storage"
)

// Reasons returned by SafeToModify.
const (
	ReasonNeverTracked = "never tracked"
	ReasonUnchanged    = "unchanged since last recorded state"
	ReasonHashChanged  = "content hash changed since last recorded state"
	ReasonMtimeChanged = "modification time changed since last recorded state"
	ReasonMissing      = "tracked file no longer exists"
)

// State is the last known-good state of one tracked file.
type State struct {
	Path        string    `json:"path"`
	ContentHash string    `json:"content_hash"`
	Mtime       time.Time `json:"mtime"`
	Size        int64     `json:"size"`
	RecordedAt  time.Time `json:"recorded_at"`
}

// Config configures a Guard.
type Config struct {
	// Dir holds one JSON safety record per tracked file. Created if missing.
	Dir string

	// Logger defaults to slog.Default().
	Logger *slog.Logger

	// Now defaults to time.Now.
	Now func() time.Time
}

// Guard records and checks file states.
//
// # Thread Safety
//
// Safe for concurrent use. Each safety record is replaced atomically.
type Guard struct {
	dir    string
	logger *slog.Logger
	now    func() time.Time
}

// NewGuard creates a Guard.
func NewGuard(cfg Config) (*Guard, error) {
	if cfg.Dir == "" {
		return nil, errors.New("safety directory is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create safety directory %s: %w", cfg.Dir, err)
	}
	return &Guard{dir: cfg.Dir, logger: cfg.Logger, now: cfg.Now}, nil
}

// RecordState captures the current hash and mtime of path.
//
// # Description
//
// Call after every trusted write. Replaces any earlier state for path.
//
// # Outputs
//
//   - State: What was recorded.
//   - error: Non-nil if path cannot be read or the record cannot be
//     written.
func (g *Guard) RecordState(path string) (State, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return State{}, fmt.Errorf("resolve %s: %w", path, err)
	}
	cur, err := observe(abs)
	if err != nil {
		return State{}, fmt.Errorf("record state of %s: %w", abs, err)
	}
	cur.RecordedAt = g.now().UTC()

	data, err := json.MarshalIndent(cur, "", "  ")
	if err != nil {
		return State{}, fmt.Errorf("encode safety record: %w", err)
	}
	if err := storage.WriteFileAtomic(g.recordPath(abs), data, 0o644); err != nil {
		return State{}, fmt.Errorf("write safety record for %s: %w", abs, err)
	}
	g.logger.Debug("file state recorded", "path", abs, "hash", cur.ContentHash[:12])
	return cur, nil
}

// SafeToModify reports whether path still matches its recorded state.
//
// # Description
//
// A path never passed to RecordState is always safe. A tracked path is
// unsafe when its content hash or its mtime differs from the record, or
// when it has been deleted.
//
// # Outputs
//
//   - bool: true if safe to modify.
//   - string: One of the Reason constants.
//   - error: I/O failures other than a missing file or record.
//
// # Example
//
//	ok, reason, err := g.SafeToModify(path)
//	if err != nil {
//	    return err
//	}
//	if !ok {
//	    return fmt.Errorf("refusing to overwrite %s: %s", path, reason)
//	}
func (g *Guard) SafeToModify(path string) (bool, string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return false, "", fmt.Errorf("resolve %s: %w", path, err)
	}
	rec, ok, err := g.load(abs)
	if err != nil {
		return false, "", err
	}
	if !ok {
		return true, ReasonNeverTracked, nil
	}

	cur, err := observe(abs)
	if errors.Is(err, fs.ErrNotExist) {
		return false, ReasonMissing, nil
	}
	if err != nil {
		return false, "", fmt.Errorf("inspect %s: %w", abs, err)
	}
	if cur.ContentHash != rec.ContentHash {
		return false, ReasonHashChanged, nil
	}
	if !cur.Mtime.Equal(rec.Mtime) {
		return false, ReasonMtimeChanged, nil
	}
	return true, ReasonUnchanged, nil
}

// State returns the recorded state of path, if any.
func (g *Guard) State(path string) (State, bool, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return State{}, false, fmt.Errorf("resolve %s: %w", path, err)
	}
	return g.load(abs)
}

// Forget drops the safety record for path. Forgetting an untracked path is
// a no-op.
func (g *Guard) Forget(path string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", path, err)
	}
	if err := os.Remove(g.recordPath(abs)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("forget %s: %w", abs, err)
	}
	return nil
}

// =============================================================================
// Internal helpers
// =============================================================================

// recordPath names the record <base>-<first 8 hex of sha256(abs)>.json so
// files with the same base name in different directories do not collide.
func (g *Guard) recordPath(abs string) string {
	sum := sha256.Sum256([]byte(abs))
	return filepath.Join(g.dir, filepath.Base(abs)+"-"+hex.EncodeToString(sum[:])[:8]+".json")
}

func (g *Guard) load(abs string) (State, bool, error) {
	data, err := os.ReadFile(g.recordPath(abs))
	if errors.Is(err, fs.ErrNotExist) {
		return State{}, false, nil
	}
	if err != nil {
		return State{}, false, fmt.Errorf("read safety record for %s: %w", abs, err)
	}
	var rec State
	if err := json.Unmarshal(data, &rec); err != nil {
		return State{}, false, fmt.Errorf("parse safety record for %s: %w", abs, err)
	}
	return rec, true, nil
}

func observe(abs string) (State, error) {
	info, err := os.Stat(abs)
	if err != nil {
		return State{}, err
	}
	if info.IsDir() {
		return State{}, fmt.Errorf("%s is a directory", abs)
	}
	sum, err := hashing.File(abs)
	if err != nil {
		return State{}, err
	}
	return State{
		Path:        abs,
		ContentHash: sum,
		Mtime:       info.ModTime().UTC(),
		Size:        info.Size(),
	}, nil
}
