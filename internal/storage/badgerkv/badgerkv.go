// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package badgerkv implements storage.Backend on BadgerDB.
//
// The record store writes the same keys it would write as files
// ("data/<id>.json", "meta/index.json", ...) as BadgerDB keys. Cross-process
// exclusion still comes from the lock package; BadgerDB itself only allows a
// single process to open a directory at a time.
//
// License: BadgerDB is Apache 2.0 licensed (github.com/dgraph-io/badger).
package badgerkv

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/AleutianAI/cascade/internal/storage"
)

// Config selects where the database lives and how it is maintained.
type Config struct {
	// Path is the database directory. Ignored when InMemory is set.
	Path string

	// InMemory keeps every key in memory and writes nothing to disk.
	InMemory bool

	// SyncWrites fsyncs each commit before Put returns.
	SyncWrites bool

	// Logger receives badger's own log lines. Nil silences them.
	Logger *slog.Logger

	// GCInterval is the period of value log compaction. Zero disables it.
	GCInterval time.Duration

	// GCDiscardRatio is the share of stale data a value log file needs
	// before it is rewritten.
	GCDiscardRatio float64
}

// DefaultConfig is the on-disk configuration used by the CLI. Callers set
// Path.
func DefaultConfig() Config {
	return Config{
		SyncWrites:     true,
		GCInterval:     5 * time.Minute,
		GCDiscardRatio: 0.5,
	}
}

// InMemoryConfig is a throwaway database for tests.
func InMemoryConfig() Config {
	return Config{InMemory: true}
}

// slogAdapter forwards badger.Logger calls to slog.
type slogAdapter struct {
	l *slog.Logger
}

func (a slogAdapter) Errorf(format string, args ...interface{}) {
	a.l.Error(strings.TrimSpace(fmt.Sprintf(format, args...)), "component", "badger")
}

func (a slogAdapter) Warningf(format string, args ...interface{}) {
	a.l.Warn(strings.TrimSpace(fmt.Sprintf(format, args...)), "component", "badger")
}

func (a slogAdapter) Infof(format string, args ...interface{}) {
	a.l.Debug(strings.TrimSpace(fmt.Sprintf(format, args...)), "component", "badger")
}

func (a slogAdapter) Debugf(format string, args ...interface{}) {
	a.l.Debug(strings.TrimSpace(fmt.Sprintf(format, args...)), "component", "badger")
}

// Backend is a storage.Backend on a BadgerDB instance.
//
// # Thread Safety
//
// Safe for concurrent use. Each Put runs in its own transaction.
type Backend struct {
	db     *badger.DB
	path   string
	ratio  float64
	logger *slog.Logger

	stopGC context.CancelFunc
	gcDone chan struct{}

	closeOnce sync.Once
	closeErr  error
}

var _ storage.Backend = (*Backend)(nil)

// Open opens a BadgerDB-backed store and starts value log GC if configured.
//
// # Inputs
//
//   - cfg: Path is required unless InMemory is true.
//
// # Outputs
//
//   - *Backend: The opened backend. Caller must call Close() when done.
//   - error: Non-nil if the path is invalid or BadgerDB cannot open it.
func Open(cfg Config) (*Backend, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("path is required for persistent database")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0o750); err != nil {
			return nil, fmt.Errorf("create database directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}

	opts = opts.WithSyncWrites(cfg.SyncWrites)
	opts = opts.WithNumVersionsToKeep(1)
	if cfg.Logger != nil {
		opts = opts.WithLogger(slogAdapter{l: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}
	if cfg.GCDiscardRatio <= 0 || cfg.GCDiscardRatio >= 1 {
		cfg.GCDiscardRatio = 0.5
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger database: %w", err)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	path := cfg.Path
	if cfg.InMemory {
		path = ""
	}
	b := &Backend{db: db, path: path, ratio: cfg.GCDiscardRatio, logger: logger}
	if cfg.GCInterval > 0 && !cfg.InMemory {
		ctx, cancel := context.WithCancel(context.Background())
		b.stopGC = cancel
		b.gcDone = make(chan struct{})
		go b.gcLoop(ctx, cfg.GCInterval)
	}
	return b, nil
}

// Path returns the database directory, or "" for in-memory databases.
func (b *Backend) Path() string {
	return b.path
}

// Get implements storage.Backend.
func (b *Backend) Get(ctx context.Context, key string) ([]byte, error) {
	k, err := checkKey(ctx, key)
	if err != nil {
		return nil, err
	}

	var out []byte
	err = b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(k)
		if err != nil {
			return err
		}
		out, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("%w: %s", storage.ErrNotFound, key)
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	return out, nil
}

// Put implements storage.Backend.
func (b *Backend) Put(ctx context.Context, key string, data []byte) error {
	k, err := checkKey(ctx, key)
	if err != nil {
		return err
	}
	val := append([]byte(nil), data...)
	if err := b.db.Update(func(txn *badger.Txn) error {
		return txn.Set(k, val)
	}); err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	return nil
}

// Delete implements storage.Backend.
func (b *Backend) Delete(ctx context.Context, key string) error {
	k, err := checkKey(ctx, key)
	if err != nil {
		return err
	}
	err = b.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(k); err != nil {
			return err
		}
		return txn.Delete(k)
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return fmt.Errorf("%w: %s", storage.ErrNotFound, key)
	}
	if err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

// List implements storage.Backend. BadgerDB iterates in key order, so the
// result is already sorted.
func (b *Backend) List(ctx context.Context, prefix string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var keys []string
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(prefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			keys = append(keys, string(it.Item().KeyCopy(nil)))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list %q: %w", prefix, err)
	}
	return keys, nil
}

// Close stops value log compaction and closes the database. Later calls
// return the first result.
func (b *Backend) Close() error {
	b.closeOnce.Do(func() {
		if b.stopGC != nil {
			b.stopGC()
			<-b.gcDone
		}
		b.closeErr = b.db.Close()
	})
	return b.closeErr
}

func checkKey(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	cleaned, err := storage.CleanKey(key)
	if err != nil {
		return nil, err
	}
	return []byte(cleaned), nil
}

// CollectGarbage rewrites value log files until none has more stale data
// than the discard ratio. It returns the number of files rewritten. In-memory
// databases have no value log and report zero.
func (b *Backend) CollectGarbage() (int, error) {
	if b.path == "" {
		return 0, nil
	}
	n := 0
	for {
		err := b.db.RunValueLogGC(b.ratio)
		switch {
		case err == nil:
			n++
		case errors.Is(err, badger.ErrNoRewrite), errors.Is(err, badger.ErrRejected):
			return n, nil
		default:
			return n, fmt.Errorf("value log gc: %w", err)
		}
	}
}

func (b *Backend) gcLoop(ctx context.Context, every time.Duration) {
	defer close(b.gcDone)
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := b.CollectGarbage()
			if err != nil {
				b.logger.Warn("badger gc failed", "path", b.path, "error", err)
			} else if n > 0 {
				b.logger.Debug("badger gc", "path", b.path, "rewritten", n)
			}
		}
	}
}
