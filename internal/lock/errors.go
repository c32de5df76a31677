// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package lock

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for lock operations.
var (
	// ErrLockTimeout indicates the bounded wait for a lock elapsed.
	ErrLockTimeout = errors.New("timed out waiting for lock")

	// ErrFileLocked indicates a single non-blocking attempt found the lock held.
	ErrFileLocked = errors.New("lock is held by another holder")

	// ErrInvalidName indicates an empty lock name.
	ErrInvalidName = errors.New("invalid lock name")
)

// LockTimeoutError reports which lock could not be acquired and how long the
// caller waited before giving up.
//
// # Fields
//
//   - Name: The logical lock name (e.g. "index" or a record id).
//   - Waited: Time spent waiting.
//   - Cause: ErrLockTimeout, or the context error when the caller's own
//     deadline or cancellation ended the wait.
type LockTimeoutError struct {
	Name   string
	Waited time.Duration
	Cause  error
}

// Error returns a human-readable error message.
func (e *LockTimeoutError) Error() string {
	return fmt.Sprintf("lock %q not acquired after %s: %v", e.Name, e.Waited.Round(time.Millisecond), e.Cause)
}

// Unwrap exposes both ErrLockTimeout and the underlying cause, so
// errors.Is(err, ErrLockTimeout) holds even when a context ended the wait.
func (e *LockTimeoutError) Unwrap() []error {
	if e.Cause == nil || e.Cause == ErrLockTimeout {
		return []error{ErrLockTimeout}
	}
	return []error{ErrLockTimeout, e.Cause}
}
