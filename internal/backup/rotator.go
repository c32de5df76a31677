// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package backup creates, rotates, verifies, and restores snapshots.
//
// Layout under the backup directory:
//
//	<dir>/<target>/<id>/manifest.json    target, kind, created_at, file hashes
//	<dir>/<target>/<id>/files/<path>     captured payload
//
// An id is a sortable UTC timestamp. Snapshots are staged in a hidden
// directory and renamed into place once the manifest is written, so a
// visible snapshot is always complete. Snapshot, prune, and restore for one
// target are serialized by the named lock "backup-<target>".
package backup

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/cascade/internal/hashing"
	"github.com/AleutianAI/cascade/internal/lock"
	"github.com/AleutianAI/cascade/internal/storage"
)

// idLayout formats snapshot ids. Lexical order equals chronological order.
const idLayout = "20060102T150405.000000000Z"

const stagingPrefix = ".tmp-"

var targetPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)

// Config configures a Rotator.
type Config struct {
	// Dir is the backup directory. Created if missing.
	Dir string

	// KeepLast is how many snapshots per target survive automatic rotation
	// after each snapshot. Default: 3.
	KeepLast int

	// Locks serializes operations on one target across processes. Required.
	Locks *lock.Manager

	// Concurrency bounds parallel file copies and hashes. Default: 8.
	Concurrency int

	// Logger defaults to slog.Default().
	Logger *slog.Logger

	// Metrics is optional.
	Metrics *Metrics

	// Now defaults to time.Now.
	Now func() time.Time
}

// Rotator manages snapshots for any number of targets.
//
// # Thread Safety
//
// Safe for concurrent use by goroutines and processes sharing Dir.
type Rotator struct {
	dir         string
	keepLast    int
	locks       *lock.Manager
	concurrency int
	logger      *slog.Logger
	metrics     *Metrics
	now         func() time.Time
	removeAll   func(string) error
}

// NewRotator creates a Rotator.
//
// # Outputs
//
//   - *Rotator: Ready to use.
//   - error: Non-nil if Dir or Locks is missing or Dir cannot be created.
func NewRotator(cfg Config) (*Rotator, error) {
	if cfg.Dir == "" {
		return nil, errors.New("backup directory is required")
	}
	if cfg.Locks == nil {
		return nil, errors.New("lock manager is required")
	}
	if cfg.KeepLast <= 0 {
		cfg.KeepLast = 3
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 8
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create backup directory %s: %w", cfg.Dir, err)
	}

	return &Rotator{
		dir:         cfg.Dir,
		keepLast:    cfg.KeepLast,
		locks:       cfg.Locks,
		concurrency: cfg.Concurrency,
		logger:      cfg.Logger,
		metrics:     cfg.Metrics,
		now:         cfg.Now,
		removeAll:   os.RemoveAll,
	}, nil
}

// Dir returns the backup directory.
func (r *Rotator) Dir() string {
	return r.dir
}

// KeepLast returns the retention count applied after each snapshot.
func (r *Rotator) KeepLast() int {
	return r.keepLast
}

// SnapshotFiles captures in-memory content as a new snapshot of target.
//
// # Description
//
// Writes every file and its hash into a staging directory, writes the
// manifest, and renames the staging directory into place. Any failure
// removes the staging directory. Afterwards the target is pruned to
// KeepLast; prune failures are logged, not returned.
//
// # Inputs
//
//   - ctx: Cancellation and lock wait bound.
//   - target: Snapshot target name ([A-Za-z0-9._-]).
//   - kind: KindFile requires exactly one file.
//   - files: Content to capture. Paths are slash-separated and relative.
//
// # Outputs
//
//   - Snapshot: The created snapshot.
//   - error: *BackupError on any failure; lock timeouts match
//     lock.ErrLockTimeout.
func (r *Rotator) SnapshotFiles(ctx context.Context, target string, kind Kind, files []File) (Snapshot, error) {
	srcs := make([]source, 0, len(files))
	for _, f := range files {
		data := f.Data
		srcs = append(srcs, source{
			rel:  f.Path,
			open: func() (io.ReadCloser, error) { return io.NopCloser(bytes.NewReader(data)), nil },
		})
	}
	return r.capture(ctx, target, kind, srcs)
}

// SnapshotPath captures a file or directory tree from disk.
//
// A regular file produces a KindFile snapshot holding its base name. A
// directory produces a KindTree snapshot of every regular file beneath it,
// skipping the top-level entries named in exclude and temp files left by
// interrupted atomic writes.
func (r *Rotator) SnapshotPath(ctx context.Context, target, src string, exclude ...string) (Snapshot, error) {
	info, err := os.Stat(src)
	if err != nil {
		r.metrics.failed("snapshot")
		return Snapshot{}, wrapErr("snapshot", target, err)
	}
	if !info.IsDir() {
		return r.capture(ctx, target, KindFile, []source{fileSource(filepath.Base(src), src)})
	}

	skip := make(map[string]bool, len(exclude))
	for _, e := range exclude {
		skip[e] = true
	}
	var srcs []source
	err = filepath.WalkDir(src, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if rel == "." {
			return nil
		}
		if !strings.Contains(rel, "/") && skip[rel] {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() || !d.Type().IsRegular() || strings.HasPrefix(d.Name(), ".tmp-") {
			return nil
		}
		srcs = append(srcs, fileSource(rel, p))
		return nil
	})
	if err != nil {
		r.metrics.failed("snapshot")
		return Snapshot{}, wrapErr("snapshot", target, fmt.Errorf("walk %s: %w", src, err))
	}
	return r.capture(ctx, target, KindTree, srcs)
}

// Prune deletes all but the keepLast newest snapshots of target.
//
// # Description
//
// Snapshots are ordered by id (timestamp) descending. Deletion failures are
// logged and do not stop the pass. Leftover staging directories from
// crashed snapshots are removed as well.
//
// # Outputs
//
//   - int: Number of snapshots removed.
//   - error: *BackupError if the lock or the listing fails, or keepLast < 0.
func (r *Rotator) Prune(ctx context.Context, target string, keepLast int) (int, error) {
	if keepLast < 0 {
		return 0, wrapErr("prune", target, fmt.Errorf("keep_last must be >= 0, got %d", keepLast))
	}
	var removed int
	err := r.withTarget(ctx, "prune", target, func() error {
		var err error
		removed, err = r.pruneLocked(target, keepLast)
		return err
	})
	return removed, err
}

// List returns the complete snapshots of target, newest first. A target
// that was never snapshotted has none.
func (r *Rotator) List(target string) ([]Snapshot, error) {
	if err := checkTarget(target); err != nil {
		return nil, wrapErr("list", target, err)
	}
	snaps, err := r.list(target)
	if err != nil {
		return nil, wrapErr("list", target, err)
	}
	return snaps, nil
}

// Targets returns every target with a backup directory, sorted.
func (r *Rotator) Targets() ([]string, error) {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return nil, wrapErr("list", "", err)
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() && !strings.HasPrefix(e.Name(), ".") {
			out = append(out, e.Name())
		}
	}
	return out, nil
}

// Verify re-hashes every file of snapshot id against its manifest.
//
// # Outputs
//
//   - error: nil if intact; a *BackupError matching ErrInvalidSnapshotID
//     if id is not a snapshot id, or ErrSnapshotCorrupt if a file is
//     missing or its hash differs.
func (r *Rotator) Verify(ctx context.Context, target, id string) error {
	if err := checkTarget(target); err != nil {
		return wrapErr("verify", target, err)
	}
	if _, err := time.Parse(idLayout, id); err != nil {
		return wrapErr("verify", target, fmt.Errorf("%w: %q", ErrInvalidSnapshotID, id))
	}
	dir := filepath.Join(r.dir, target, id)
	m, err := readManifest(dir)
	if err != nil {
		return wrapErr("verify", target, err)
	}
	snap := Snapshot{ID: id, Dir: dir, Manifest: m}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.concurrency)
	for _, fe := range m.Files {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			got, err := hashing.File(snap.payloadPath(fe.Path))
			if err != nil {
				return fmt.Errorf("%w: %s: %v", ErrSnapshotCorrupt, fe.Path, err)
			}
			if got != fe.Hash {
				return fmt.Errorf("%w: %s: hash %s, manifest %s", ErrSnapshotCorrupt, fe.Path, got, fe.Hash)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		r.metrics.failed("verify")
		return wrapErr("verify", target, err)
	}
	return nil
}

// LatestFiles returns the newest snapshot of target whose files still
// match its manifest, together with the captured content.
//
// # Outputs
//
//   - Snapshot, []File: The snapshot and its files in manifest order.
//   - error: *BackupError matching ErrNoSnapshot when the target has no
//     snapshot, or ErrSnapshotCorrupt when none verifies.
func (r *Rotator) LatestFiles(ctx context.Context, target string) (Snapshot, []File, error) {
	var (
		snap  Snapshot
		files []File
	)
	err := r.withTarget(ctx, "restore", target, func() error {
		var err error
		snap, files, err = r.latestLocked(target)
		return err
	})
	return snap, files, err
}

// RestoreLatest copies the newest verified snapshot of target over dst.
//
// # Description
//
// For a KindFile snapshot dst is the file to overwrite. For a KindTree
// snapshot dst is a directory; every captured file is rewritten beneath it
// and files absent from the snapshot are left alone. Each file is written
// atomically. A snapshot that fails verification is skipped in favour of
// the next older one.
//
// # Outputs
//
//   - Snapshot: The snapshot written back.
//   - bool: false, with a nil error, when target has no snapshot.
//   - error: *BackupError on failure.
func (r *Rotator) RestoreLatest(ctx context.Context, target, dst string) (snap Snapshot, restored bool, err error) {
	err = r.withTarget(ctx, "restore", target, func() error {
		latest, files, err := r.latestLocked(target)
		if errors.Is(err, ErrNoSnapshot) {
			return nil
		}
		if err != nil {
			return err
		}
		snap = latest

		for _, f := range files {
			path := dst
			if snap.Kind == KindTree {
				path = filepath.Join(dst, filepath.FromSlash(f.Path))
			}
			if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
				return err
			}
			if err := storage.WriteFileAtomic(path, f.Data, 0o644); err != nil {
				return fmt.Errorf("write %s: %w", path, err)
			}
		}
		restored = true
		r.metrics.restored()
		r.logger.Info("snapshot restored", "target", target, "snapshot", snap.ID, "dst", dst)
		return nil
	})
	return snap, restored, err
}

// =============================================================================
// Internal helpers
// =============================================================================

type source struct {
	rel  string
	open func() (io.ReadCloser, error)
}

func fileSource(rel, path string) source {
	return source{rel: rel, open: func() (io.ReadCloser, error) { return os.Open(path) }}
}

func (s Snapshot) payloadPath(rel string) string {
	return filepath.Join(s.Dir, payloadDir, filepath.FromSlash(rel))
}

func checkTarget(target string) error {
	if !targetPattern.MatchString(target) {
		return fmt.Errorf("%w: %q", ErrInvalidTarget, target)
	}
	return nil
}

func (r *Rotator) withTarget(ctx context.Context, op, target string, fn func() error) error {
	if err := checkTarget(target); err != nil {
		return wrapErr(op, target, err)
	}
	if err := r.locks.With(ctx, "backup-"+target, fn); err != nil {
		if !errors.Is(err, ErrNoSnapshot) {
			r.metrics.failed(op)
		}
		return wrapErr(op, target, err)
	}
	return nil
}

func (r *Rotator) capture(ctx context.Context, target string, kind Kind, srcs []source) (Snapshot, error) {
	if kind != KindFile && kind != KindTree {
		return Snapshot{}, wrapErr("snapshot", target, fmt.Errorf("unknown kind %q", kind))
	}
	if kind == KindFile && len(srcs) != 1 {
		return Snapshot{}, wrapErr("snapshot", target, fmt.Errorf("file snapshot needs exactly one file, got %d", len(srcs)))
	}
	for _, s := range srcs {
		if _, err := storage.CleanKey(s.rel); err != nil {
			return Snapshot{}, wrapErr("snapshot", target, err)
		}
	}
	sort.Slice(srcs, func(i, j int) bool { return srcs[i].rel < srcs[j].rel })

	var snap Snapshot
	err := r.withTarget(ctx, "snapshot", target, func() error {
		var err error
		snap, err = r.captureLocked(ctx, target, kind, srcs)
		if err != nil {
			return err
		}
		if _, err := r.pruneLocked(target, r.keepLast); err != nil {
			r.logger.Warn("prune after snapshot failed", "target", target, "error", err)
		}
		return nil
	})
	return snap, err
}

func (r *Rotator) captureLocked(ctx context.Context, target string, kind Kind, srcs []source) (Snapshot, error) {
	targetDir := filepath.Join(r.dir, target)
	if err := os.MkdirAll(targetDir, 0o755); err != nil {
		return Snapshot{}, err
	}
	created, id, err := r.nextID(target)
	if err != nil {
		return Snapshot{}, err
	}

	stage := filepath.Join(targetDir, stagingPrefix+id)
	if err := os.MkdirAll(filepath.Join(stage, payloadDir), 0o755); err != nil {
		return Snapshot{}, err
	}
	committed := false
	defer func() {
		if !committed {
			if err := os.RemoveAll(stage); err != nil {
				r.logger.Warn("failed to remove partial snapshot", "path", stage, "error", err)
			}
		}
	}()

	entries := make([]FileEntry, len(srcs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.concurrency)
	for i, s := range srcs {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			fe, err := copySource(s, filepath.Join(stage, payloadDir, filepath.FromSlash(s.rel)))
			if err != nil {
				return err
			}
			entries[i] = fe
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Snapshot{}, err
	}

	m := Manifest{Target: target, Kind: kind, CreatedAt: created, Files: entries}
	if err := writeManifest(stage, m); err != nil {
		return Snapshot{}, err
	}
	final := filepath.Join(targetDir, id)
	if err := os.Rename(stage, final); err != nil {
		return Snapshot{}, err
	}
	committed = true

	r.metrics.snapshotCreated()
	r.logger.Debug("snapshot created", "target", target, "snapshot", id, "files", len(entries))
	return Snapshot{ID: id, Dir: final, Manifest: m}, nil
}

// nextID returns a timestamp id strictly greater than every existing id of
// target, bumping by a nanosecond on collision or a backwards clock.
func (r *Rotator) nextID(target string) (time.Time, string, error) {
	now := r.now().UTC()
	existing, err := r.list(target)
	if err != nil {
		return time.Time{}, "", err
	}
	if len(existing) > 0 {
		if newest, err := time.Parse(idLayout, existing[0].ID); err == nil && !now.After(newest) {
			now = newest.Add(time.Nanosecond)
		}
	}
	return now, now.Format(idLayout), nil
}

func copySource(s source, dst string) (FileEntry, error) {
	rc, err := s.open()
	if err != nil {
		return FileEntry{}, err
	}
	defer rc.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return FileEntry{}, err
	}
	f, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o644)
	if err != nil {
		return FileEntry{}, err
	}
	h := sha256.New()
	n, err := io.Copy(io.MultiWriter(f, h), rc)
	if err == nil {
		err = f.Sync()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return FileEntry{}, fmt.Errorf("copy %s: %w", s.rel, err)
	}
	return FileEntry{Path: s.rel, Hash: hex.EncodeToString(h.Sum(nil)), Size: n}, nil
}

func (r *Rotator) list(target string) ([]Snapshot, error) {
	targetDir := filepath.Join(r.dir, target)
	entries, err := os.ReadDir(targetDir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var snaps []Snapshot
	for _, e := range entries {
		if !e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		dir := filepath.Join(targetDir, e.Name())
		m, err := readManifest(dir)
		if err != nil {
			r.logger.Debug("skipping snapshot without readable manifest", "path", dir, "error", err)
			continue
		}
		snaps = append(snaps, Snapshot{ID: e.Name(), Dir: dir, Manifest: m})
	}
	sort.Slice(snaps, func(i, j int) bool { return snaps[i].ID > snaps[j].ID })
	return snaps, nil
}

func (r *Rotator) pruneLocked(target string, keepLast int) (int, error) {
	targetDir := filepath.Join(r.dir, target)
	if entries, err := os.ReadDir(targetDir); err == nil {
		for _, e := range entries {
			if strings.HasPrefix(e.Name(), stagingPrefix) {
				_ = os.RemoveAll(filepath.Join(targetDir, e.Name()))
			}
		}
	}

	snaps, err := r.list(target)
	if err != nil {
		return 0, err
	}
	if len(snaps) <= keepLast {
		return 0, nil
	}

	removed := 0
	for _, s := range snaps[keepLast:] {
		if err := r.removeAll(s.Dir); err != nil {
			r.logger.Warn("failed to remove snapshot", "target", target, "snapshot", s.ID, "error", err)
			continue
		}
		removed++
	}
	r.metrics.pruned(removed)
	if removed > 0 {
		r.logger.Debug("snapshots pruned", "target", target, "removed", removed, "kept", keepLast)
	}
	return removed, nil
}

func (r *Rotator) latestLocked(target string) (Snapshot, []File, error) {
	snaps, err := r.list(target)
	if err != nil {
		return Snapshot{}, nil, err
	}
	if len(snaps) == 0 {
		return Snapshot{}, nil, ErrNoSnapshot
	}

	for _, s := range snaps {
		files, err := readVerified(s)
		if err != nil {
			r.logger.Warn("skipping snapshot that fails verification",
				"target", target, "snapshot", s.ID, "error", err)
			continue
		}
		return s, files, nil
	}
	return Snapshot{}, nil, fmt.Errorf("%w: all %d snapshots of %s", ErrSnapshotCorrupt, len(snaps), target)
}

func readVerified(s Snapshot) ([]File, error) {
	if s.Kind == KindFile && len(s.Files) != 1 {
		return nil, fmt.Errorf("%w: file snapshot lists %d files", ErrSnapshotCorrupt, len(s.Files))
	}
	files := make([]File, 0, len(s.Files))
	for _, fe := range s.Files {
		data, err := os.ReadFile(s.payloadPath(fe.Path))
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrSnapshotCorrupt, fe.Path, err)
		}
		if got := hashing.Bytes(data); got != fe.Hash {
			return nil, fmt.Errorf("%w: %s", ErrSnapshotCorrupt, fe.Path)
		}
		files = append(files, File{Path: fe.Path, Data: data})
	}
	return files, nil
}
