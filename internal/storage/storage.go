// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package storage defines the key/value surface the record store persists
// through, plus the default file-per-key implementation.
//
// Keys are slash-separated relative paths such as "data/<id>.json" or
// "meta/index.json". Every backend stores the same keys, so a store can move
// between the on-disk layout and an embedded engine without changing the
// record format.
package storage

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
)

// ErrNotFound is returned by Get and Delete when the key does not exist.
var ErrNotFound = errors.New("key not found")

// ErrInvalidKey is returned for keys that are empty, absolute, or escape the
// backend root.
var ErrInvalidKey = errors.New("invalid storage key")

// Backend is the persistence surface of the record store.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use. Callers provide their own
// cross-process exclusion; a Backend only guarantees that each Put is atomic
// (readers see the old bytes or the new bytes, never a mix).
type Backend interface {
	// Get returns the bytes stored under key, or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// Put stores data under key, replacing any previous value atomically.
	Put(ctx context.Context, key string, data []byte) error

	// Delete removes key. Returns ErrNotFound if it does not exist.
	Delete(ctx context.Context, key string) error

	// List returns every key with the given prefix, sorted ascending.
	List(ctx context.Context, prefix string) ([]string, error)

	// Close releases backend resources.
	Close() error
}

// PathResolver is implemented by backends whose keys live as regular files,
// letting callers hash or watch the underlying file directly.
type PathResolver interface {
	// Path returns the absolute filesystem path of key.
	Path(key string) (string, error)
}

// CleanKey validates key and returns its normalized form.
//
// # Outputs
//
//   - string: The cleaned key ("a/./b" becomes "a/b").
//   - error: ErrInvalidKey if key is empty, absolute, or contains "..".
func CleanKey(key string) (string, error) {
	if key == "" || strings.HasPrefix(key, "/") || strings.Contains(key, `\`) {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	cleaned := path.Clean(key)
	if cleaned == "." || cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return cleaned, nil
}
