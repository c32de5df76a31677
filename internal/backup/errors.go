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
	"errors"
	"fmt"
)

// Sentinel errors for backup operations.
var (
	// ErrBackup is matched by every *BackupError.
	ErrBackup = errors.New("backup failed")

	// ErrNoSnapshot indicates a target has no usable snapshot.
	ErrNoSnapshot = errors.New("no snapshot available")

	// ErrSnapshotCorrupt indicates a snapshot's files no longer match its
	// manifest.
	ErrSnapshotCorrupt = errors.New("snapshot does not match manifest")

	// ErrInvalidTarget indicates a target name that cannot be used as a
	// directory name.
	ErrInvalidTarget = errors.New("invalid backup target")

	// ErrInvalidSnapshotID indicates a string that is not a snapshot id.
	ErrInvalidSnapshotID = errors.New("invalid snapshot id")
)

// BackupError reports a failed snapshot, prune, restore, or verify.
//
// # Fields
//
//   - Op: "snapshot", "prune", "restore", "verify", or "list".
//   - Target: The backup target name.
//   - Err: The underlying cause.
type BackupError struct {
	Op     string
	Target string
	Err    error
}

// Error returns a human-readable error message.
func (e *BackupError) Error() string {
	return fmt.Sprintf("backup %s %q: %v", e.Op, e.Target, e.Err)
}

// Unwrap exposes ErrBackup and the cause.
func (e *BackupError) Unwrap() []error {
	return []error{ErrBackup, e.Err}
}

func wrapErr(op, target string, err error) error {
	if err == nil {
		return nil
	}
	var be *BackupError
	if errors.As(err, &be) {
		return err
	}
	return &BackupError{Op: op, Target: target, Err: err}
}
