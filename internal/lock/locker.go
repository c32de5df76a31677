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
	"os"
)

// FileLocker abstracts platform-specific advisory locking.
//
// # Description
//
// Unix uses flock(2), Windows uses LockFileEx. Both are visible across
// independent processes and are dropped by the kernel when the holder
// exits, so a crashed process never leaves a lock that is still enforced.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use on different handles.
type FileLocker interface {
	// TryLock takes an exclusive lock without blocking.
	// Returns ErrFileLocked if another handle holds it.
	TryLock(f *os.File) error

	// Unlock releases a lock taken with TryLock.
	Unlock(f *os.File) error
}

// newFileLocker returns the platform locker.
func newFileLocker() FileLocker {
	return newPlatformLocker()
}
