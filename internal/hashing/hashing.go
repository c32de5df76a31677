// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package hashing computes deterministic SHA-256 content digests.
//
// Digests are lowercase hex strings. Structured values are hashed over a
// canonical JSON form in which object keys are sorted, so two values that
// differ only in key insertion order produce the same digest on every
// platform and across restarts.
package hashing

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
)

// Bytes returns the hex SHA-256 digest of data.
func Bytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Reader streams r through SHA-256 and returns the hex digest.
func Reader(r io.Reader) (string, error) {
	h := sha256.New()
	if _, err := io.Copy(h, r); err != nil {
		return "", fmt.Errorf("hashing stream: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// File returns the hex SHA-256 digest of the file at path.
//
// # Outputs
//
//   - string: Hex digest.
//   - error: Wraps os.ErrNotExist when the file is missing.
func File(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	return Reader(f)
}

// Canonical renders v as canonical JSON.
//
// # Description
//
// v is first marshalled, then decoded into generic values with numbers kept
// as json.Number (no float rounding), then marshalled again. encoding/json
// writes map keys in sorted order, so the second pass is independent of the
// field order of the input. HTML escaping is disabled so the output matches
// what other tools produce for the same document.
//
// # Inputs
//
//   - v: Any JSON-marshalable value. Raw JSON ([]byte or json.RawMessage)
//     is decoded as a document rather than hashed as a byte string.
//
// # Outputs
//
//   - []byte: Canonical encoding without a trailing newline.
//   - error: Non-nil if v is not representable as JSON.
func Canonical(v any) ([]byte, error) {
	var raw []byte
	switch t := v.(type) {
	case json.RawMessage:
		raw = t
	case []byte:
		raw = t
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("canonicalize: marshal: %w", err)
		}
		raw = b
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var generic any
	if err := dec.Decode(&generic); err != nil {
		return nil, fmt.Errorf("canonicalize: decode: %w", err)
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(generic); err != nil {
		return nil, fmt.Errorf("canonicalize: encode: %w", err)
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

// Value returns the digest of the canonical JSON form of v.
func Value(v any) (string, error) {
	b, err := Canonical(v)
	if err != nil {
		return "", err
	}
	return Bytes(b), nil
}

// Equal reports whether the canonical forms of a and b hash identically.
func Equal(a, b any) (bool, error) {
	ha, err := Value(a)
	if err != nil {
		return false, err
	}
	hb, err := Value(b)
	if err != nil {
		return false, err
	}
	return ha == hb, nil
}
