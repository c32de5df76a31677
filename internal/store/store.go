// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package store implements the versioned record store.
//
// # Description
//
// Records live under data/<id>.json and are catalogued by meta/index.json,
// which is the single source of truth. Creation and expiry hold the global
// "index" lock. Updates hold a per-record lock and take the index lock only
// for the final index write, so updates to different ids do not serialize.
// Every destructive write is preceded by a snapshot; a failed snapshot
// aborts the write.
//
// All locks are file locks shared with other processes using the same root.
//
// # Thread Safety
//
// A Store is safe for concurrent use by goroutines and by other processes
// opening the same root.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/AleutianAI/cascade/internal/backup"
	"github.com/AleutianAI/cascade/internal/cache"
	"github.com/AleutianAI/cascade/internal/lock"
	"github.com/AleutianAI/cascade/internal/policy"
	"github.com/AleutianAI/cascade/internal/safety"
	"github.com/AleutianAI/cascade/internal/storage"
	"github.com/AleutianAI/cascade/internal/taskgraph"
)

// Directories under the root that belong to the store's own machinery
// rather than to the backend.
const (
	BackupsDir = "backups"
	LocksDir   = "locks"
	SafetyDir  = "safety"
)

// Config configures a Store. Only Root is required.
type Config struct {
	// Root is the store directory. Created if missing.
	Root string

	// Backend holds records, the index, and documents.
	// Default: a FileBackend on Root. The Store closes it on Close.
	Backend storage.Backend

	// Locks defaults to a Manager on <Root>/locks using LockTimeout.
	Locks *lock.Manager

	// LockTimeout bounds lock waits when Locks is nil. Default: 10s.
	LockTimeout time.Duration

	// Backups defaults to a Rotator on <Root>/backups keeping KeepLast.
	Backups *backup.Rotator

	// KeepLast is the retention count when Backups is nil. Default: 3.
	KeepLast int

	// Guard defaults to a Guard on <Root>/safety. It is only consulted
	// when the backend implements storage.PathResolver.
	Guard *safety.Guard

	// Cache is optional. Nil disables read caching.
	Cache *cache.TTL[string, Record]

	// Rules are evaluated on every create and update.
	Rules []policy.Rule

	// MaxDependencyNodes bounds dependency traversals.
	// Default: taskgraph.DefaultMaxNodes.
	MaxDependencyNodes int

	// Logger defaults to slog.Default().
	Logger *slog.Logger

	// Metrics is optional.
	Metrics *Metrics

	// Now defaults to time.Now.
	Now func() time.Time
}

// Store is the versioned record store.
type Store struct {
	root     string
	backend  storage.Backend
	resolver storage.PathResolver
	onDisk   bool
	locks    *lock.Manager
	backups  *backup.Rotator
	guard    *safety.Guard
	cache    *cache.TTL[string, Record]
	rules    []policy.Rule
	maxNodes int
	logger   *slog.Logger
	metrics  *Metrics
	clock    func() time.Time
	closed   atomic.Bool
}

// Open opens or initializes a store.
//
// # Description
//
// Builds any component not supplied in cfg, then writes an empty index and
// the record schema if they do not exist yet. Opening an existing store
// does not modify it.
//
// # Outputs
//
//   - *Store: Ready to use. Call Close when done.
//   - error: Non-nil if Root is empty, a component cannot be built, or the
//     index cannot be initialized.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Root == "" {
		return nil, errors.New("store root is required")
	}
	root, err := filepath.Abs(cfg.Root)
	if err != nil {
		return nil, fmt.Errorf("resolve root %s: %w", cfg.Root, err)
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create root %s: %w", root, err)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.MaxDependencyNodes <= 0 {
		cfg.MaxDependencyNodes = taskgraph.DefaultMaxNodes
	}
	if err := policy.Validate(cfg.Rules); err != nil {
		return nil, fmt.Errorf("invalid policy rules: %w", err)
	}

	if cfg.Locks == nil {
		lc := lock.DefaultManagerConfig()
		lc.LockDir = filepath.Join(root, LocksDir)
		lc.Logger = cfg.Logger
		if cfg.LockTimeout > 0 {
			lc.Timeout = cfg.LockTimeout
		}
		if cfg.Locks, err = lock.NewManager(lc); err != nil {
			return nil, fmt.Errorf("create lock manager: %w", err)
		}
	}
	if cfg.Backups == nil {
		cfg.Backups, err = backup.NewRotator(backup.Config{
			Dir:      filepath.Join(root, BackupsDir),
			KeepLast: cfg.KeepLast,
			Locks:    cfg.Locks,
			Logger:   cfg.Logger,
			Now:      cfg.Now,
		})
		if err != nil {
			return nil, fmt.Errorf("create backup rotator: %w", err)
		}
	}
	if cfg.Guard == nil {
		cfg.Guard, err = safety.NewGuard(safety.Config{
			Dir:    filepath.Join(root, SafetyDir),
			Logger: cfg.Logger,
			Now:    cfg.Now,
		})
		if err != nil {
			return nil, fmt.Errorf("create safety guard: %w", err)
		}
	}
	if cfg.Backend == nil {
		cfg.Backend, err = storage.NewFileBackend(root, storage.WithSkipDirs(BackupsDir, LocksDir, SafetyDir))
		if err != nil {
			return nil, fmt.Errorf("create file backend: %w", err)
		}
	}

	s := &Store{
		root:     root,
		backend:  cfg.Backend,
		locks:    cfg.Locks,
		backups:  cfg.Backups,
		guard:    cfg.Guard,
		cache:    cfg.Cache,
		rules:    cfg.Rules,
		maxNodes: cfg.MaxDependencyNodes,
		logger:   cfg.Logger.With("component", "store"),
		metrics:  cfg.Metrics,
		clock:    cfg.Now,
	}
	if r, ok := cfg.Backend.(storage.PathResolver); ok {
		s.resolver = r
		// Keys stored as files under root are backed up as a directory tree.
		if p, err := r.Path(indexKey); err == nil && p == filepath.Join(root, filepath.FromSlash(indexKey)) {
			s.onDisk = true
		}
	}

	if err := s.initialize(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// Close closes the backend. Further operations return ErrClosed.
func (s *Store) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	return s.backend.Close()
}

// Root returns the absolute store directory.
func (s *Store) Root() string {
	return s.root
}

// Backups returns the snapshot rotator.
func (s *Store) Backups() *backup.Rotator {
	return s.backups
}

// Guard returns the safety guard.
func (s *Store) Guard() *safety.Guard {
	return s.guard
}

// Locks returns the lock manager.
func (s *Store) Locks() *lock.Manager {
	return s.locks
}

// Cache returns the read cache, or nil.
func (s *Store) Cache() *cache.TTL[string, Record] {
	return s.cache
}

// Create stores a new record at version 1 and returns its id.
//
// # Description
//
// Under the index lock: snapshot the current index, write the record,
// then write the index. If the record write fails the index is untouched.
// If the index write fails the record is removed again.
//
// # Inputs
//
//   - typ: Record type.
//   - content: Any JSON-marshalable value, or raw JSON.
//   - opts: WithCritique, WithExpiry, WithTTL.
//
// # Outputs
//
//   - string: The new id.
//   - error: *ValidationError, *lock.LockTimeoutError, *backup.BackupError,
//     *CorruptionError (unreadable index), or *StorageError.
//
// # Example
//
//	id, err := s.Create(ctx, "build_plan", map[string]any{"stage": 1})
func (s *Store) Create(ctx context.Context, typ string, content any, opts ...Option) (id string, err error) {
	start := time.Now()
	ctx, span := startSpan(ctx, "Create", attribute.String("cascade.type", typ))
	defer func() {
		s.metrics.observe("create", start, err)
		endSpan(span, err)
	}()
	if err := s.checkOpen(); err != nil {
		return "", err
	}

	o := applyOptions(opts)
	raw, err := canonicalContent(content)
	if err != nil {
		return "", err
	}
	now := s.now()
	rec := Record{
		ID:        uuid.NewString(),
		Type:      typ,
		Content:   raw,
		CreatedAt: now,
		UpdatedAt: now,
		Version:   1,
		ExpiresAt: o.expiry(now),
	}
	if o.critique != nil {
		rec.Critique = *o.critique
	}
	rec.Critique = rec.Critique.normalized()
	if err := validateRecord(&rec); err != nil {
		return "", err
	}
	if err := checkPolicy(s.rules, "create", &rec); err != nil {
		return "", err
	}
	span.SetAttributes(attribute.String("cascade.id", rec.ID))

	data, err := encode(rec)
	if err != nil {
		return "", classify("encode", rec.ID, err)
	}
	key := recordKey(rec.ID)

	err = s.locks.With(ctx, indexLock, func() error {
		idx, prev, err := s.loadIndex(ctx)
		if err != nil {
			return err
		}
		if _, exists := idx.Memories[rec.ID]; exists {
			return &StorageError{Op: "create", Key: key, Err: errors.New("id already registered")}
		}
		if err := s.snapshotIndex(ctx, prev); err != nil {
			return err
		}
		if err := s.backend.Put(ctx, key, data); err != nil {
			return classify("put", key, err)
		}
		idx.Memories[rec.ID] = IndexEntry{
			Path:        key,
			Type:        rec.Type,
			Version:     rec.Version,
			LastUpdated: rec.UpdatedAt,
		}
		if err := s.writeIndex(ctx, idx); err != nil {
			s.deleteQuietly(ctx, key)
			return err
		}
		s.track(key)
		return nil
	})
	if err != nil {
		return "", classify("create", key, err)
	}

	if s.cache != nil {
		s.cache.Set(rec.ID, rec.clone())
	}
	s.logger.Info("record created", "id", rec.ID, "type", rec.Type)
	return rec.ID, nil
}

// Update replaces the content of a record and increments its version.
//
// # Description
//
// Under the per-record lock: read the current record, build the next
// version, validate it, snapshot the current file, write the new one.
// The index entry is then updated under the index lock. Concurrent updates
// of one id are applied one after another; none is lost.
//
// Dependencies listed in content.dependencies must not form a cycle
// through this record.
//
// # Outputs
//
//   - Record: The record as written.
//   - error: *NotFoundError if id is not in the index, plus the errors of
//     Create.
func (s *Store) Update(ctx context.Context, id string, content any, opts ...Option) (rec Record, err error) {
	start := time.Now()
	ctx, span := startSpan(ctx, "Update", attribute.String("cascade.id", id))
	defer func() {
		s.metrics.observe("update", start, err)
		endSpan(span, err)
	}()
	if err := s.checkOpen(); err != nil {
		return Record{}, err
	}
	if !validID(id) {
		return Record{}, &NotFoundError{ID: id}
	}

	idx, _, err := s.loadIndex(ctx)
	if err != nil {
		return Record{}, err
	}
	if _, ok := idx.Memories[id]; !ok {
		return Record{}, &NotFoundError{ID: id}
	}

	o := applyOptions(opts)
	raw, err := canonicalContent(content)
	if err != nil {
		return Record{}, err
	}
	key := recordKey(id)

	err = s.locks.With(ctx, recordLock(id), func() error {
		cur, curData, err := s.readRecord(ctx, id)
		if err != nil {
			return err
		}

		next := cur.clone()
		next.Content = raw
		next.Version = cur.Version + 1
		next.UpdatedAt = s.now()
		if next.UpdatedAt.Before(cur.UpdatedAt) {
			next.UpdatedAt = cur.UpdatedAt
		}
		if o.critique != nil {
			next.Critique = o.critique.normalized()
		}
		if exp := o.expiry(next.UpdatedAt); exp != nil {
			next.ExpiresAt = exp
		}
		if err := validateRecord(&next); err != nil {
			return err
		}
		if err := checkPolicy(s.rules, "update", &next); err != nil {
			return err
		}
		if err := s.checkAcyclic(ctx, &next); err != nil {
			return err
		}

		data, err := encode(next)
		if err != nil {
			return err
		}
		if _, err := s.backups.SnapshotFiles(ctx, id, backup.KindFile,
			[]backup.File{{Path: id + ".json", Data: curData}}); err != nil {
			return err
		}

		// The record and its index entry change together under the index
		// lock; a failed index write puts the previous bytes back.
		err = s.locks.With(ctx, indexLock, func() error {
			idx, _, err := s.loadIndex(ctx)
			if err != nil {
				return err
			}
			entry, ok := idx.Memories[id]
			if !ok {
				// Expired and removed while we held the record lock.
				return &NotFoundError{ID: id}
			}
			if err := s.backend.Put(ctx, key, data); err != nil {
				return classify("put", key, err)
			}
			entry.Type = next.Type
			entry.Version = next.Version
			entry.LastUpdated = next.UpdatedAt
			idx.Memories[id] = entry
			if err := s.writeIndex(ctx, idx); err != nil {
				s.revert(ctx, key, curData)
				return err
			}
			s.track(key)
			return nil
		})
		if err != nil {
			return err
		}
		rec = next
		return nil
	})
	if err != nil {
		return Record{}, classify("update", key, err)
	}

	if s.cache != nil {
		s.cache.Set(id, rec.clone())
	}
	span.SetAttributes(attribute.String("cascade.type", rec.Type), attribute.Int("cascade.version", rec.Version))
	s.logger.Info("record updated", "id", id, "version", rec.Version)
	return rec, nil
}

// Get returns a record exactly as stored. No repair is attempted.
//
// # Outputs
//
//   - Record: The record.
//   - error: *NotFoundError if id is not in the index; *CorruptionError
//     if the index references a record that cannot be read.
func (s *Store) Get(ctx context.Context, id string) (rec Record, err error) {
	start := time.Now()
	ctx, span := startSpan(ctx, "Get", attribute.String("cascade.id", id))
	defer func() {
		s.metrics.observe("get", start, err)
		endSpan(span, err)
	}()
	if err := s.checkOpen(); err != nil {
		return Record{}, err
	}
	rec, err = s.get(ctx, id)
	if err != nil {
		return Record{}, classify("get", recordKey(id), err)
	}
	span.SetAttributes(attribute.String("cascade.type", rec.Type))
	return rec, nil
}

// Search returns every record, or only those whose type equals typ when
// typ is non-empty. Records are ordered by id.
//
// A record removed by a concurrent expiry between reading the index and
// reading the record is left out. A record missing for any other reason is
// reported as corruption.
func (s *Store) Search(ctx context.Context, typ string) (recs []Record, err error) {
	start := time.Now()
	ctx, span := startSpan(ctx, "Search", attribute.String("cascade.type", typ))
	defer func() {
		s.metrics.observe("search", start, err)
		endSpan(span, err)
	}()
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	idx, _, err := s.loadIndex(ctx)
	if err != nil {
		return nil, classify("search", indexKey, err)
	}

	var missing []string
	recs = []Record{}
	for _, id := range sortedIDs(idx) {
		if typ != "" && idx.Memories[id].Type != typ {
			continue
		}
		rec, _, err := s.readRecord(ctx, id)
		if errors.Is(err, ErrNotFound) {
			missing = append(missing, id)
			continue
		}
		if err != nil {
			return nil, classify("search", recordKey(id), err)
		}
		recs = append(recs, *rec)
	}

	if len(missing) > 0 {
		fresh, _, err := s.loadIndex(ctx)
		if err != nil {
			return nil, classify("search", indexKey, err)
		}
		for _, id := range missing {
			if _, still := fresh.Memories[id]; still {
				return nil, &CorruptionError{Name: id, Path: recordKey(id), Err: errors.New("indexed record is missing")}
			}
		}
	}
	span.SetAttributes(attribute.Int("cascade.results", len(recs)))
	return recs, nil
}

// CleanupExpired removes every record whose expiry is at or before now.
//
// # Description
//
// Runs as one batch under the index lock. The index and each expiring
// record are snapshotted first; a failed snapshot aborts with nothing
// removed. The index is written before the record files are deleted, so a
// failed delete can leave an orphan file but never a dangling index entry.
//
// # Outputs
//
//   - int: Number of records removed from the index.
//   - error: Any failure. When files could not be deleted the count is
//     still returned alongside a *StorageError.
func (s *Store) CleanupExpired(ctx context.Context) (removed int, err error) {
	start := time.Now()
	ctx, span := startSpan(ctx, "CleanupExpired")
	defer func() {
		s.metrics.observe("cleanup", start, err)
		endSpan(span, err)
	}()
	if err := s.checkOpen(); err != nil {
		return 0, err
	}

	err = s.locks.With(ctx, indexLock, func() error {
		idx, prev, err := s.loadIndex(ctx)
		if err != nil {
			return err
		}
		now := s.now()

		var expired []string
		data := make(map[string][]byte)
		for _, id := range sortedIDs(idx) {
			rec, raw, err := s.readRecord(ctx, id)
			if errors.Is(err, ErrNotFound) {
				return &CorruptionError{Name: id, Path: recordKey(id), Err: errors.New("indexed record is missing")}
			}
			if err != nil {
				return err
			}
			if rec.Expired(now) {
				expired = append(expired, id)
				data[id] = raw
			}
		}

		idx.Stats.LastCleanup = &now
		if err := s.snapshotIndex(ctx, prev); err != nil {
			return err
		}
		if len(expired) == 0 {
			return s.writeIndex(ctx, idx)
		}
		for _, id := range expired {
			if _, err := s.backups.SnapshotFiles(ctx, id, backup.KindFile,
				[]backup.File{{Path: id + ".json", Data: data[id]}}); err != nil {
				return err
			}
			delete(idx.Memories, id)
		}
		if err := s.writeIndex(ctx, idx); err != nil {
			return err
		}
		removed = len(expired)

		var errs []error
		for _, id := range expired {
			key := recordKey(id)
			if err := s.backend.Delete(ctx, key); err != nil && !errors.Is(err, storage.ErrNotFound) {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
			}
			s.forget(key)
			if s.cache != nil {
				s.cache.Delete(id)
			}
		}
		if len(errs) > 0 {
			return &StorageError{Op: "delete", Key: dataPrefix, Err: errors.Join(errs...)}
		}
		return nil
	})

	s.metrics.expired(removed)
	span.SetAttributes(attribute.Int("cascade.removed", removed))
	if removed > 0 {
		s.logger.Info("expired records removed", "count", removed)
	}
	return removed, classify("cleanup", indexKey, err)
}

// Stats returns the index statistics.
func (s *Store) Stats(ctx context.Context) (IndexStats, error) {
	if err := s.checkOpen(); err != nil {
		return IndexStats{}, err
	}
	idx, _, err := s.loadIndex(ctx)
	if err != nil {
		return IndexStats{}, classify("stats", indexKey, err)
	}
	return idx.Stats, nil
}

// Dependencies returns the ids listed in the record's content.dependencies.
func (s *Store) Dependencies(ctx context.Context, id string) ([]string, error) {
	rec, err := s.get(ctx, id)
	if err != nil {
		return nil, classify("dependencies", recordKey(id), err)
	}
	return dependencies(rec.Content)
}

// Order returns id and every stored record it transitively depends on, each
// after its dependencies. Dependencies that are not stored are skipped.
//
// # Outputs
//
//   - []string: Dependencies first, id last.
//   - error: *ValidationError for a cycle or an oversized graph;
//     *NotFoundError for an unknown id.
func (s *Store) Order(ctx context.Context, id string) (order []string, err error) {
	ctx, span := startSpan(ctx, "Order", attribute.String("cascade.id", id))
	defer func() { endSpan(span, err) }()
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	if _, err := s.get(ctx, id); err != nil {
		return nil, classify("order", recordKey(id), err)
	}
	missing := make(map[string]bool)
	order, err = taskgraph.Order(ctx, s.dependencySource(missing, ""), id, taskgraph.Options{MaxNodes: s.maxNodes})
	if err != nil {
		return nil, classify("order", recordKey(id), graphError(err))
	}
	out := order[:0]
	for _, dep := range order {
		if !missing[dep] {
			out = append(out, dep)
		}
	}
	return out, nil
}

// =============================================================================
// Internal helpers
// =============================================================================

func (s *Store) checkOpen() error {
	if s.closed.Load() {
		return ErrClosed
	}
	return nil
}

// now returns the current time in UTC without a monotonic reading, so it
// survives a JSON round trip unchanged.
func (s *Store) now() time.Time {
	return s.clock().UTC().Round(0)
}

func (s *Store) initialize(ctx context.Context) error {
	return s.locks.With(ctx, indexLock, func() error {
		if _, err := s.backend.Get(ctx, indexKey); errors.Is(err, storage.ErrNotFound) {
			idx := &Index{
				Memories: map[string]IndexEntry{},
				Stats:    IndexStats{CreatedAt: s.now()},
			}
			if err := s.writeIndex(ctx, idx); err != nil {
				return err
			}
			s.logger.Info("store initialized", "root", s.root)
		} else if err != nil {
			return classify("get", indexKey, err)
		}

		if _, err := s.backend.Get(ctx, schemaKey); errors.Is(err, storage.ErrNotFound) {
			if err := s.backend.Put(ctx, schemaKey, recordSchema); err != nil {
				return classify("put", schemaKey, err)
			}
		} else if err != nil {
			return classify("get", schemaKey, err)
		}
		return nil
	})
}

func (s *Store) get(ctx context.Context, id string) (Record, error) {
	if !validID(id) {
		return Record{}, &NotFoundError{ID: id}
	}
	idx, _, err := s.loadIndex(ctx)
	if err != nil {
		return Record{}, err
	}
	entry, ok := idx.Memories[id]
	if !ok {
		return Record{}, &NotFoundError{ID: id}
	}

	if s.cache != nil {
		if cached, hit := s.cache.Get(id); hit {
			if cached.Version == entry.Version && cached.UpdatedAt.Equal(entry.LastUpdated) {
				s.metrics.cacheLookup("hit")
				return cached.clone(), nil
			}
			s.metrics.cacheLookup("stale")
		} else {
			s.metrics.cacheLookup("miss")
		}
	}

	rec, _, err := s.readRecord(ctx, id)
	if errors.Is(err, ErrNotFound) {
		fresh, _, ferr := s.loadIndex(ctx)
		if ferr != nil {
			return Record{}, ferr
		}
		if _, still := fresh.Memories[id]; !still {
			return Record{}, &NotFoundError{ID: id}
		}
		return Record{}, &CorruptionError{Name: id, Path: recordKey(id), Err: errors.New("indexed record is missing")}
	}
	if err != nil {
		return Record{}, err
	}
	if s.cache != nil && rec.Version == entry.Version {
		s.cache.Set(id, rec.clone())
	}
	return *rec, nil
}

// readRecord reads and decodes one record file.
func (s *Store) readRecord(ctx context.Context, id string) (*Record, []byte, error) {
	key := recordKey(id)
	data, err := s.backend.Get(ctx, key)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil, &NotFoundError{ID: id}
	}
	if err != nil {
		return nil, nil, classify("get", key, err)
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, nil, &CorruptionError{Name: id, Path: key, Err: err}
	}
	if rec.ID != id {
		return nil, nil, &CorruptionError{Name: id, Path: key, Err: fmt.Errorf("file holds record %q", rec.ID)}
	}
	return &rec, data, nil
}

// loadIndex returns the decoded index and its raw bytes. A missing or
// undecodable index is corruption; it is never rebuilt automatically.
func (s *Store) loadIndex(ctx context.Context) (*Index, []byte, error) {
	data, err := s.backend.Get(ctx, indexKey)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil, &CorruptionError{Name: "index", Path: indexKey, Err: errors.New("index is missing")}
	}
	if err != nil {
		return nil, nil, classify("get", indexKey, err)
	}
	var idx Index
	if err := json.Unmarshal(data, &idx); err != nil {
		return nil, nil, &CorruptionError{Name: "index", Path: indexKey, Err: err}
	}
	if idx.Memories == nil {
		idx.Memories = map[string]IndexEntry{}
	}
	return &idx, data, nil
}

func (s *Store) writeIndex(ctx context.Context, idx *Index) error {
	idx.Stats.Total = len(idx.Memories)
	data, err := encode(idx)
	if err != nil {
		return classify("encode", indexKey, err)
	}
	if err := s.backend.Put(ctx, indexKey, data); err != nil {
		return classify("put", indexKey, err)
	}
	s.track(indexKey)
	return nil
}

// snapshotIndex captures the index bytes about to be replaced.
func (s *Store) snapshotIndex(ctx context.Context, prev []byte) error {
	if prev == nil {
		return nil
	}
	_, err := s.backups.SnapshotFiles(ctx, indexTarget, backup.KindFile,
		[]backup.File{{Path: "index.json", Data: prev}})
	return err
}

// checkAcyclic rejects next if its dependencies lead back to it.
func (s *Store) checkAcyclic(ctx context.Context, next *Record) error {
	deps, err := dependencies(next.Content)
	if err != nil || len(deps) == 0 {
		return err
	}
	src := s.dependencySource(nil, next.ID, deps...)
	_, err = taskgraph.Order(ctx, src, next.ID, taskgraph.Options{MaxNodes: s.maxNodes})
	return graphError(err)
}

// dependencySource resolves dependencies from the store. Ids that are not
// stored, such as swept records, are leaves and are added to missing when
// it is non-nil. If pending is non-empty its dependencies replace the
// stored ones.
func (s *Store) dependencySource(missing map[string]bool, pending string, deps ...string) taskgraph.Source {
	return taskgraph.SourceFunc(func(ctx context.Context, id string) ([]string, error) {
		if pending != "" && id == pending {
			return deps, nil
		}
		d, err := s.Dependencies(ctx, id)
		if errors.Is(err, ErrNotFound) {
			if missing != nil {
				missing[id] = true
			}
			return nil, nil
		}
		return d, err
	})
}

// graphError converts traversal failures into validation errors.
func graphError(err error) error {
	var ce *taskgraph.CycleError
	switch {
	case errors.As(err, &ce):
		return &ValidationError{Field: "content.dependencies", Reason: ce.Error()}
	case errors.Is(err, taskgraph.ErrTooLarge):
		return &ValidationError{Field: "content.dependencies", Reason: err.Error()}
	}
	return err
}

// track records the safety state of a key after a trusted write.
func (s *Store) track(key string) {
	if s.resolver == nil {
		return
	}
	path, err := s.resolver.Path(key)
	if err != nil {
		return
	}
	if _, err := s.guard.RecordState(path); err != nil {
		s.logger.Warn("failed to record safety state", "key", key, "error", err)
	}
}

func (s *Store) forget(key string) {
	if s.resolver == nil {
		return
	}
	if path, err := s.resolver.Path(key); err == nil {
		if err := s.guard.Forget(path); err != nil {
			s.logger.Warn("failed to forget safety state", "key", key, "error", err)
		}
	}
}

// revert restores the bytes a failed write replaced.
func (s *Store) revert(ctx context.Context, key string, prev []byte) {
	if err := s.backend.Put(context.WithoutCancel(ctx), key, prev); err != nil {
		s.logger.Error("revert failed", "key", key, "error", err)
	}
}

// deleteQuietly undoes a write whose commit failed.
func (s *Store) deleteQuietly(ctx context.Context, key string) {
	if err := s.backend.Delete(ctx, key); err != nil && !errors.Is(err, storage.ErrNotFound) {
		s.logger.Warn("failed to remove uncommitted record", "key", key, "error", err)
	}
	s.forget(key)
}

func (r Record) clone() Record {
	c := r
	c.Content = append(json.RawMessage(nil), r.Content...)
	c.Critique = Critique{
		Strengths:    append([]string{}, r.Critique.Strengths...),
		Weaknesses:   append([]string{}, r.Critique.Weaknesses...),
		Improvements: append([]string{}, r.Critique.Improvements...),
	}
	if r.ExpiresAt != nil {
		t := *r.ExpiresAt
		c.ExpiresAt = &t
	}
	return c
}

func encode(v any) ([]byte, error) {
	return json.MarshalIndent(v, "", "  ")
}

func recordKey(id string) string {
	return dataPrefix + id + ".json"
}

func recordLock(id string) string {
	return "record-" + id
}

// validID accepts only the canonical lowercase form produced by Create.
func validID(id string) bool {
	u, err := uuid.Parse(id)
	return err == nil && u.String() == id
}

func sortedIDs(idx *Index) []string {
	ids := make([]string, 0, len(idx.Memories))
	for id := range idx.Memories {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
