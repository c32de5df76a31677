// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package store

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/AleutianAI/cascade/internal/backup"
	"github.com/AleutianAI/cascade/internal/safety"
)

// BackupAll snapshots the whole store as target "store".
//
// When the backend keeps its keys as files under the root, the snapshot is
// the root directory tree without backups/ and locks/, so safety records
// are captured with the data. Other backends are snapshotted key by key.
// Runs under the index lock so the snapshot holds an index and a set of
// records that agree with each other.
func (s *Store) BackupAll(ctx context.Context) (snap backup.Snapshot, err error) {
	start := time.Now()
	ctx, span := startSpan(ctx, "BackupAll")
	defer func() {
		s.metrics.observe("backup_all", start, err)
		endSpan(span, err)
	}()
	if err := s.checkOpen(); err != nil {
		return backup.Snapshot{}, err
	}

	err = s.locks.With(ctx, indexLock, func() error {
		if s.onDisk {
			snap, err = s.backups.SnapshotPath(ctx, storeTarget, s.root, BackupsDir, LocksDir)
			return err
		}
		keys, err := s.backend.List(ctx, "")
		if err != nil {
			return classify("list", "", err)
		}
		files := make([]backup.File, 0, len(keys))
		for _, key := range keys {
			data, err := s.backend.Get(ctx, key)
			if err != nil {
				return classify("get", key, err)
			}
			files = append(files, backup.File{Path: key, Data: data})
		}
		snap, err = s.backups.SnapshotFiles(ctx, storeTarget, backup.KindTree, files)
		return err
	})
	if err != nil {
		return backup.Snapshot{}, classify("backup_all", "", err)
	}
	span.SetAttributes(attribute.String("cascade.snapshot", snap.ID), attribute.Int("cascade.files", len(snap.Files)))
	s.logger.Info("store backed up", "snapshot", snap.ID, "files", len(snap.Files))
	return snap, nil
}

// RestoreAll writes every file of the newest verified "store" snapshot
// back. Tree snapshots are written under the root and key snapshots
// through the backend. Keys absent from the snapshot are left alone and
// show up as orphans in Check.
//
// # Outputs
//
//   - bool: false, with a nil error, if no whole-store snapshot exists.
func (s *Store) RestoreAll(ctx context.Context) (restored bool, err error) {
	start := time.Now()
	ctx, span := startSpan(ctx, "RestoreAll")
	defer func() {
		s.metrics.observe("restore_all", start, err)
		endSpan(span, err)
	}()
	if err := s.checkOpen(); err != nil {
		return false, err
	}

	err = s.locks.With(ctx, indexLock, func() error {
		if s.onDisk {
			return s.restoreTree(ctx, &restored)
		}
		snap, files, err := s.backups.LatestFiles(ctx, storeTarget)
		if errors.Is(err, backup.ErrNoSnapshot) {
			return nil
		}
		if err != nil {
			return err
		}
		for _, f := range files {
			if err := s.backend.Put(ctx, f.Path, f.Data); err != nil {
				return classify("put", f.Path, err)
			}
			s.track(f.Path)
		}
		if s.cache != nil {
			s.cache.Purge()
		}
		restored = true
		s.logger.Info("store restored", "snapshot", snap.ID, "files", len(files))
		return nil
	})
	return restored, classify("restore_all", "", err)
}

// restoreTree writes the newest tree snapshot under the root, then records
// fresh safety states for the restored store files.
func (s *Store) restoreTree(ctx context.Context, restored *bool) error {
	snap, ok, err := s.backups.RestoreLatest(ctx, storeTarget, s.root)
	if err != nil || !ok {
		return err
	}
	for _, f := range snap.Files {
		if strings.HasPrefix(f.Path, SafetyDir+"/") {
			continue
		}
		s.track(f.Path)
	}
	if s.cache != nil {
		s.cache.Purge()
	}
	*restored = true
	s.logger.Info("store restored", "snapshot", snap.ID, "files", len(snap.Files))
	return nil
}

// RestoreRecord writes the newest verified snapshot of a record back and
// realigns its index entry.
//
// # Outputs
//
//   - bool: false, with a nil error, if the record has no snapshot.
//   - error: *NotFoundError if id is not in the index.
func (s *Store) RestoreRecord(ctx context.Context, id string) (restored bool, err error) {
	start := time.Now()
	ctx, span := startSpan(ctx, "RestoreRecord", attribute.String("cascade.id", id))
	defer func() {
		s.metrics.observe("restore", start, err)
		endSpan(span, err)
	}()
	if err := s.checkOpen(); err != nil {
		return false, err
	}
	if !validID(id) {
		return false, &NotFoundError{ID: id}
	}
	key := recordKey(id)

	err = s.locks.With(ctx, recordLock(id), func() error {
		_, files, err := s.backups.LatestFiles(ctx, id)
		if errors.Is(err, backup.ErrNoSnapshot) {
			return nil
		}
		if err != nil {
			return err
		}

		return s.locks.With(ctx, indexLock, func() error {
			idx, _, err := s.loadIndex(ctx)
			if err != nil {
				return err
			}
			entry, ok := idx.Memories[id]
			if !ok {
				return &NotFoundError{ID: id}
			}
			if err := s.backend.Put(ctx, key, files[0].Data); err != nil {
				return classify("put", key, err)
			}
			s.track(key)
			rec, _, err := s.readRecord(ctx, id)
			if err != nil {
				return err
			}
			entry.Type = rec.Type
			entry.Version = rec.Version
			entry.LastUpdated = rec.UpdatedAt
			idx.Memories[id] = entry
			if err := s.writeIndex(ctx, idx); err != nil {
				return err
			}
			restored = true
			return nil
		})
	})
	if s.cache != nil {
		s.cache.Delete(id)
	}
	return restored, classify("restore", key, err)
}

// Check compares the index with the stored records and with the safety
// records of their files. It reports problems and repairs nothing.
func (s *Store) Check(ctx context.Context) (report CheckReport, err error) {
	start := time.Now()
	ctx, span := startSpan(ctx, "Check")
	defer func() {
		s.metrics.observe("check", start, err)
		endSpan(span, err)
	}()
	if err := s.checkOpen(); err != nil {
		return CheckReport{}, err
	}

	err = s.locks.With(ctx, indexLock, func() error {
		idx, _, err := s.loadIndex(ctx)
		if err != nil {
			return err
		}

		for _, id := range sortedIDs(idx) {
			entry := idx.Memories[id]
			rec, _, err := s.readRecord(ctx, id)
			switch {
			case errors.Is(err, ErrNotFound), errors.Is(err, ErrCorruption):
				report.Dangling = append(report.Dangling, id)
				continue
			case err != nil:
				return err
			}
			report.Records++
			if rec.Type != entry.Type || rec.Version != entry.Version {
				report.Mismatched = append(report.Mismatched, id)
			}
		}

		keys, err := s.backend.List(ctx, dataPrefix)
		if err != nil {
			return classify("list", dataPrefix, err)
		}
		for _, key := range keys {
			id := strings.TrimSuffix(strings.TrimPrefix(key, dataPrefix), ".json")
			if _, ok := idx.Memories[id]; !ok {
				report.Orphans = append(report.Orphans, key)
			}
		}

		report.Tampered, err = s.tampered(ctx)
		return err
	})
	if err != nil {
		return CheckReport{}, classify("check", indexKey, err)
	}
	span.SetAttributes(attribute.Bool("cascade.ok", report.OK()))
	return report, nil
}

// tampered lists keys whose files no longer match their safety records.
// Keys never tracked are not reported.
func (s *Store) tampered(ctx context.Context) ([]string, error) {
	if s.resolver == nil {
		return nil, nil
	}
	keys, err := s.backend.List(ctx, "")
	if err != nil {
		return nil, classify("list", "", err)
	}
	var out []string
	for _, key := range keys {
		path, err := s.resolver.Path(key)
		if err != nil {
			continue
		}
		ok, reason, err := s.guard.SafeToModify(path)
		if err != nil {
			return nil, classify("safety", key, err)
		}
		if !ok && reason != safety.ReasonMissing {
			out = append(out, key)
		}
	}
	sort.Strings(out)
	return out, nil
}

// Prune applies retention to a snapshot target and returns how many
// snapshots were removed.
func (s *Store) Prune(ctx context.Context, target string, keepLast int) (int, error) {
	if err := s.checkOpen(); err != nil {
		return 0, err
	}
	if keepLast <= 0 {
		keepLast = s.backups.KeepLast()
	}
	n, err := s.backups.Prune(ctx, target, keepLast)
	if err != nil && errors.Is(err, backup.ErrInvalidTarget) {
		return 0, &ValidationError{Field: "target", Reason: err.Error()}
	}
	return n, classify("prune", target, err)
}
