// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

const tempPrefix = ".tmp-"

// FileBackend stores each key as a regular file under Root.
//
// # Description
//
// Writes go to a temp file in the destination directory, are fsynced, and
// then renamed over the target, so a crash leaves either the old file or
// the new one. Top-level directories named in Skip are invisible to List;
// the store uses this to keep backups, lock markers, and safety records out
// of its own key space while sharing the root directory with them.
//
// # Thread Safety
//
// Safe for concurrent use. Concurrent Puts to the same key are last-writer
// wins.
type FileBackend struct {
	root string
	skip map[string]bool
	perm os.FileMode
}

// FileOption configures a FileBackend.
type FileOption func(*FileBackend)

// WithSkipDirs hides the named top-level directories from List.
func WithSkipDirs(dirs ...string) FileOption {
	return func(b *FileBackend) {
		for _, d := range dirs {
			b.skip[d] = true
		}
	}
}

// WithFileMode sets the permission bits of written files. Default: 0644.
func WithFileMode(perm os.FileMode) FileOption {
	return func(b *FileBackend) {
		b.perm = perm
	}
}

// NewFileBackend creates a FileBackend rooted at root, creating the
// directory if needed.
func NewFileBackend(root string, opts ...FileOption) (*FileBackend, error) {
	if root == "" {
		return nil, errors.New("root is required")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve root %s: %w", root, err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create root %s: %w", abs, err)
	}

	b := &FileBackend{root: abs, skip: make(map[string]bool), perm: 0o644}
	for _, opt := range opts {
		opt(b)
	}
	return b, nil
}

// Root returns the absolute root directory.
func (b *FileBackend) Root() string {
	return b.root
}

// Path implements PathResolver.
func (b *FileBackend) Path(key string) (string, error) {
	cleaned, err := CleanKey(key)
	if err != nil {
		return "", err
	}
	return filepath.Join(b.root, filepath.FromSlash(cleaned)), nil
}

// Get implements Backend.
func (b *FileBackend) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p, err := b.Path(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", key, err)
	}
	return data, nil
}

// Put implements Backend.
func (b *FileBackend) Put(ctx context.Context, key string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p, err := b.Path(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return fmt.Errorf("create directory for %s: %w", key, err)
	}
	if err := WriteFileAtomic(p, data, b.perm); err != nil {
		return fmt.Errorf("write %s: %w", key, err)
	}
	return nil
}

// Delete implements Backend.
func (b *FileBackend) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p, err := b.Path(key)
	if err != nil {
		return err
	}
	err = os.Remove(p)
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

// List implements Backend. Temp files from interrupted writes are ignored.
func (b *FileBackend) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	err := filepath.WalkDir(b.root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		rel, relErr := filepath.Rel(b.root, p)
		if relErr != nil {
			return relErr
		}
		key := filepath.ToSlash(rel)
		if d.IsDir() {
			if key != "." && !strings.Contains(key, "/") && b.skip[key] {
				return filepath.SkipDir
			}
			return nil
		}
		if strings.HasPrefix(d.Name(), tempPrefix) || !d.Type().IsRegular() {
			return nil
		}
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list %q: %w", prefix, err)
	}
	sort.Strings(keys)
	return keys, nil
}

// Close implements Backend. FileBackend holds no resources.
func (b *FileBackend) Close() error {
	return nil
}

// WriteFileAtomic writes data to path via a synced temp file and rename.
//
// # Description
//
// The temp file is created in the destination directory so the rename stays
// on one filesystem. On any failure the temp file is removed and the
// destination is untouched.
//
// # Inputs
//
//   - path: Destination. Its directory must exist.
//   - data: Full file contents.
//   - perm: Permission bits for the new file.
//
// # Outputs
//
//   - error: Non-nil if any step fails.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), tempPrefix+"*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	success := false
	defer func() {
		if !success {
			_ = tmp.Close()
			_ = os.Remove(tmpName)
		}
	}()

	if err := tmp.Chmod(perm); err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		return err
	}
	if err := tmp.Sync(); err != nil {
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	success = true
	return nil
}
