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
	"errors"
	"fmt"

	"github.com/AleutianAI/cascade/internal/backup"
	"github.com/AleutianAI/cascade/internal/lock"
	"github.com/AleutianAI/cascade/internal/storage"
)

// Sentinel errors. Every error returned by a Store operation matches one of
// these, lock.ErrLockTimeout, backup.ErrBackup, or a context error.
var (
	// ErrValidation means the record or request is malformed.
	ErrValidation = errors.New("validation failed")

	// ErrNotFound means the id or document name is unknown.
	ErrNotFound = errors.New("not found")

	// ErrCorruption means stored content does not match its recorded hash,
	// or a stored structure cannot be decoded.
	ErrCorruption = errors.New("corruption detected")

	// ErrStorage wraps backend failures that fit no other category.
	ErrStorage = errors.New("storage failure")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("store closed")
)

// ValidationError names the field that failed.
type ValidationError struct {
	Field  string
	Reason string
}

// Error returns a human-readable error message.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Reason)
}

// Unwrap returns ErrValidation.
func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

// NotFoundError names the missing id.
type NotFoundError struct {
	ID string
}

// Error returns a human-readable error message.
func (e *NotFoundError) Error() string {
	return fmt.Sprintf("not found: %s", e.ID)
}

// Unwrap returns ErrNotFound.
func (e *NotFoundError) Unwrap() error {
	return ErrNotFound
}

// CorruptionError locates content that failed validation after the single
// automatic repair attempt, or a structure that could not be decoded.
type CorruptionError struct {
	Name     string
	Path     string
	Expected string
	Actual   string
	Err      error
}

// Error returns a human-readable error message.
func (e *CorruptionError) Error() string {
	msg := fmt.Sprintf("corruption detected: %s (%s)", e.Name, e.Path)
	if e.Expected != "" || e.Actual != "" {
		msg += fmt.Sprintf(": expected hash %s, got %s", e.Expected, e.Actual)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns ErrCorruption and the cause, if any.
func (e *CorruptionError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrCorruption}
	}
	return []error{ErrCorruption, e.Err}
}

// StorageError wraps a backend failure.
type StorageError struct {
	Op  string
	Key string
	Err error
}

// Error returns a human-readable error message.
func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s %s: %v", e.Op, e.Key, e.Err)
}

// Unwrap returns ErrStorage and the cause.
func (e *StorageError) Unwrap() []error {
	return []error{ErrStorage, e.Err}
}

// classify converts an internal error into the store taxonomy. Errors
// already in the taxonomy pass through unchanged.
func classify(op, key string, err error) error {
	if err == nil {
		return nil
	}
	var (
		ve *ValidationError
		ne *NotFoundError
		ce *CorruptionError
		se *StorageError
	)
	switch {
	case errors.As(err, &ve), errors.As(err, &ne), errors.As(err, &ce), errors.As(err, &se):
		return err
	case errors.Is(err, lock.ErrLockTimeout), errors.Is(err, backup.ErrBackup):
		return err
	case errors.Is(err, storage.ErrInvalidKey):
		return &ValidationError{Field: "key", Reason: err.Error()}
	}
	return &StorageError{Op: op, Key: key, Err: err}
}
