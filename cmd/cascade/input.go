// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/cascade/internal/store"
)

// readContent returns the JSON content for a write. It comes from the
// positional argument if present, else --file, else stdin.
func readContent(cmd *cobra.Command, args []string, pos int) (json.RawMessage, error) {
	var data []byte
	var err error
	switch {
	case len(args) > pos:
		data = []byte(args[pos])
	case contentFile != "" && contentFile != "-":
		data, err = os.ReadFile(contentFile)
	default:
		data, err = io.ReadAll(cmd.InOrStdin())
	}
	if err != nil {
		return nil, fmt.Errorf("read content: %w", err)
	}
	if !json.Valid(data) {
		return nil, &store.ValidationError{Field: "content", Reason: "is not valid JSON"}
	}
	return json.RawMessage(data), nil
}

// writeOptions turns the expiry and critique flags into store options.
// The critique option is only added when a critique flag was given, so an
// update without one keeps the existing critique.
func writeOptions(cmd *cobra.Command) ([]store.Option, error) {
	var opts []store.Option
	flags := cmd.Flags()

	if ttlArg != "" && expiresArg != "" {
		return nil, &store.ValidationError{Field: "expires_at", Reason: "--ttl and --expires-at are mutually exclusive"}
	}
	if ttlArg != "" {
		d, err := time.ParseDuration(ttlArg)
		if err != nil || d <= 0 {
			return nil, &store.ValidationError{Field: "expires_at", Reason: fmt.Sprintf("invalid --ttl %q", ttlArg)}
		}
		opts = append(opts, store.WithTTL(d))
	}
	if expiresArg != "" {
		t, err := time.Parse(time.RFC3339, expiresArg)
		if err != nil {
			return nil, &store.ValidationError{Field: "expires_at", Reason: fmt.Sprintf("invalid --expires-at %q", expiresArg)}
		}
		opts = append(opts, store.WithExpiry(t))
	}

	if flags.Changed("strength") || flags.Changed("weakness") || flags.Changed("improvement") {
		opts = append(opts, store.WithCritique(store.Critique{
			Strengths:    strengths,
			Weaknesses:   weaknesses,
			Improvements: improvements,
		}))
	}
	return opts, nil
}

// emit prints v as JSON in machine mode and runs human otherwise.
func emit(v any, human func()) error {
	if app.printer.Machine() {
		return app.printer.JSON(v)
	}
	human()
	return nil
}
