// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package backup

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/AleutianAI/cascade/internal/storage"
)

const manifestName = "manifest.json"

// payloadDir holds the captured files inside a snapshot directory, keeping
// them apart from the manifest.
const payloadDir = "files"

// Kind distinguishes single-file snapshots from directory trees.
type Kind string

const (
	// KindFile is a snapshot of exactly one file.
	KindFile Kind = "file"

	// KindTree is a snapshot of a directory tree.
	KindTree Kind = "tree"
)

// FileEntry is one captured file in a manifest.
type FileEntry struct {
	// Path is slash-separated and relative to the snapshot payload.
	Path string `json:"path"`

	// Hash is the hex SHA-256 of the file contents.
	Hash string `json:"hash"`

	Size int64 `json:"size"`
}

// Manifest describes a snapshot. It is written last, so a snapshot
// directory with a readable manifest is complete.
type Manifest struct {
	Target    string      `json:"target"`
	Kind      Kind        `json:"kind"`
	CreatedAt time.Time   `json:"created_at"`
	Files     []FileEntry `json:"files"`
}

// Snapshot is a complete snapshot on disk.
type Snapshot struct {
	// ID is the sortable UTC timestamp naming the snapshot directory.
	ID string

	// Dir is the absolute snapshot directory.
	Dir string

	Manifest
}

// File is captured or restored content addressed by a relative path.
type File struct {
	Path string
	Data []byte
}

func readManifest(dir string) (Manifest, error) {
	var m Manifest
	data, err := os.ReadFile(filepath.Join(dir, manifestName))
	if err != nil {
		return m, err
	}
	if err := json.Unmarshal(data, &m); err != nil {
		return m, fmt.Errorf("parse manifest %s: %w", dir, err)
	}
	return m, nil
}

func writeManifest(dir string, m Manifest) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}
	return storage.WriteFileAtomic(filepath.Join(dir, manifestName), data, 0o644)
}
