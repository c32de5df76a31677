// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ux

import (
	"fmt"
	"os"
	"strings"

	"github.com/mattn/go-isatty"
)

// Mode controls how much styling output carries.
type Mode string

const (
	// ModeRich renders colors, icons, and boxes.
	ModeRich Mode = "rich"

	// ModePlain renders the same text without styling.
	ModePlain Mode = "plain"

	// ModeMachine suppresses human text and prints JSON only.
	ModeMachine Mode = "json"
)

// ParseMode converts a flag or environment value to a Mode.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "rich", "color", "full":
		return ModeRich, nil
	case "plain", "text", "minimal":
		return ModePlain, nil
	case "json", "machine", "quiet":
		return ModeMachine, nil
	default:
		return "", fmt.Errorf("unknown output mode %q (want rich, plain, or json)", s)
	}
}

// DetectMode picks a mode from CASCADE_OUTPUT, falling back to rich output
// on a terminal and plain output otherwise.
func DetectMode() Mode {
	if env := os.Getenv("CASCADE_OUTPUT"); env != "" {
		if m, err := ParseMode(env); err == nil {
			return m
		}
	}
	if isTerminal(os.Stdout) {
		return ModeRich
	}
	return ModePlain
}

func isTerminal(f *os.File) bool {
	fd := f.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}
