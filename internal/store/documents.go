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
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/AleutianAI/cascade/internal/backup"
	"github.com/AleutianAI/cascade/internal/hashing"
	"github.com/AleutianAI/cascade/internal/storage"
)

// SaveWithBackup writes a named document, snapshotting the previous
// version first.
//
// # Description
//
// Under the document lock: if a previous version exists it is captured as
// a snapshot of target "doc-<name>", and a failed snapshot aborts the
// save. The new document carries the hash of its canonical content and a
// version one past the previous one.
//
// # Outputs
//
//   - Document: What was written.
//   - error: *ValidationError for a bad name or content,
//     *lock.LockTimeoutError, *backup.BackupError, or *StorageError.
func (s *Store) SaveWithBackup(ctx context.Context, name string, content any) (doc Document, err error) {
	start := time.Now()
	ctx, span := startSpan(ctx, "SaveWithBackup", attribute.String("cascade.name", name))
	defer func() {
		s.metrics.observe("save", start, err)
		endSpan(span, err)
	}()
	if err := s.checkOpen(); err != nil {
		return Document{}, err
	}
	if err := validateName(name); err != nil {
		return Document{}, err
	}
	raw, err := canonicalContent(content)
	if err != nil {
		return Document{}, err
	}
	key := docKey(name)

	err = s.locks.With(ctx, docLock(name), func() error {
		version := 1
		prev, err := s.backend.Get(ctx, key)
		switch {
		case err == nil:
			if _, err := s.backups.SnapshotFiles(ctx, docTarget(name), backup.KindFile,
				[]backup.File{{Path: name + ".json", Data: prev}}); err != nil {
				return err
			}
			var old Document
			if json.Unmarshal(prev, &old) == nil && old.Version > 0 {
				version = old.Version + 1
			}
		case errors.Is(err, storage.ErrNotFound):
		default:
			return classify("get", key, err)
		}

		doc = Document{
			Name:      name,
			Content:   raw,
			Version:   version,
			UpdatedAt: s.now(),
			Hash:      hashing.Bytes(raw),
		}
		data, err := encode(doc)
		if err != nil {
			return err
		}
		if err := s.backend.Put(ctx, key, data); err != nil {
			return classify("put", key, err)
		}
		s.track(key)
		return nil
	})
	if err != nil {
		return Document{}, classify("save", key, err)
	}
	span.SetAttributes(attribute.Int("cascade.version", doc.Version))
	s.logger.Info("document saved", "name", name, "version", doc.Version)
	return doc, nil
}

// LoadWithValidation reads a named document and verifies its hash.
//
// # Description
//
// On a hash mismatch, or a document that cannot be decoded, the newest
// verified snapshot is written back and the load is retried exactly once.
// If there is no usable snapshot, or the retry fails again, the load fails
// with a *CorruptionError naming the document.
//
// # Outputs
//
//   - Document: The verified document.
//   - error: *NotFoundError, *CorruptionError, *lock.LockTimeoutError,
//     *backup.BackupError, or *StorageError.
func (s *Store) LoadWithValidation(ctx context.Context, name string) (doc Document, err error) {
	start := time.Now()
	ctx, span := startSpan(ctx, "LoadWithValidation", attribute.String("cascade.name", name))
	defer func() {
		s.metrics.observe("load", start, err)
		endSpan(span, err)
	}()
	if err := s.checkOpen(); err != nil {
		return Document{}, err
	}
	if err := validateName(name); err != nil {
		return Document{}, &NotFoundError{ID: name}
	}
	key := docKey(name)

	err = s.locks.With(ctx, docLock(name), func() error {
		var verr error
		doc, verr = s.readDocument(ctx, name)
		if verr == nil || errors.Is(verr, ErrNotFound) {
			return verr
		}
		if !errors.Is(verr, ErrCorruption) {
			return verr
		}

		s.metrics.corruption()
		s.logger.Warn("document failed validation, restoring latest snapshot", "name", name, "error", verr)
		span.AddEvent("restore_attempt")

		if _, rerr := s.restoreDocumentLocked(ctx, name); rerr != nil {
			if errors.Is(rerr, backup.ErrNoSnapshot) || errors.Is(rerr, backup.ErrSnapshotCorrupt) {
				return withCause(verr, rerr)
			}
			return rerr
		}

		doc, verr = s.readDocument(ctx, name)
		if verr != nil {
			return verr
		}
		s.metrics.repaired()
		s.logger.Info("document restored from snapshot", "name", name, "version", doc.Version)
		return nil
	})
	if err != nil {
		return Document{}, classify("load", key, err)
	}
	return doc, nil
}

// RestoreDocument writes the newest verified snapshot of a document back
// over the live copy.
//
// # Outputs
//
//   - bool: false, with a nil error, if the document has no snapshot.
//   - error: *backup.BackupError or *StorageError.
func (s *Store) RestoreDocument(ctx context.Context, name string) (restored bool, err error) {
	start := time.Now()
	ctx, span := startSpan(ctx, "RestoreDocument", attribute.String("cascade.name", name))
	defer func() {
		s.metrics.observe("restore", start, err)
		endSpan(span, err)
	}()
	if err := s.checkOpen(); err != nil {
		return false, err
	}
	if err := validateName(name); err != nil {
		return false, err
	}

	err = s.locks.With(ctx, docLock(name), func() error {
		var err error
		restored, err = s.restoreDocumentLocked(ctx, name)
		if errors.Is(err, backup.ErrNoSnapshot) {
			return nil
		}
		return err
	})
	return restored, classify("restore", docKey(name), err)
}

// readDocument decodes a document and checks its hash.
func (s *Store) readDocument(ctx context.Context, name string) (Document, error) {
	key := docKey(name)
	data, err := s.backend.Get(ctx, key)
	if errors.Is(err, storage.ErrNotFound) {
		return Document{}, &NotFoundError{ID: name}
	}
	if err != nil {
		return Document{}, classify("get", key, err)
	}

	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return Document{}, &CorruptionError{Name: name, Path: key, Err: err}
	}
	actual, err := hashing.Value(doc.Content)
	if err != nil {
		return Document{}, &CorruptionError{Name: name, Path: key, Expected: doc.Hash, Err: err}
	}
	if actual != doc.Hash {
		return Document{}, &CorruptionError{Name: name, Path: key, Expected: doc.Hash, Actual: actual}
	}
	return doc, nil
}

// restoreDocumentLocked copies the newest verified snapshot over the live
// document. The caller holds the document lock.
func (s *Store) restoreDocumentLocked(ctx context.Context, name string) (bool, error) {
	key := docKey(name)
	snap, files, err := s.backups.LatestFiles(ctx, docTarget(name))
	if err != nil {
		return false, err
	}
	if len(files) != 1 {
		return false, &CorruptionError{Name: name, Path: snap.Dir,
			Err: fmt.Errorf("snapshot %s holds %d files, want 1", snap.ID, len(files))}
	}
	if err := s.backend.Put(ctx, key, files[0].Data); err != nil {
		return false, classify("put", key, err)
	}
	s.track(key)
	s.logger.Info("document snapshot restored", "name", name, "snapshot", snap.ID)
	return true, nil
}

// withCause attaches cause to a corruption error.
func withCause(err, cause error) error {
	var ce *CorruptionError
	if errors.As(err, &ce) {
		c := *ce
		c.Err = errors.Join(c.Err, cause)
		return &c
	}
	return err
}

func docKey(name string) string {
	return docsPrefix + name + ".json"
}

func docLock(name string) string {
	return "doc-" + name
}

func docTarget(name string) string {
	return "doc-" + name
}
