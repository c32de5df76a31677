// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package ux provides terminal output styling for the cascade CLI.
package ux

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

// Palette
var (
	ColorTealBright  = lipgloss.Color("#2CD7C7")
	ColorTealPrimary = lipgloss.Color("#20B9B4")
	ColorTealDeep    = lipgloss.Color("#16858E")
	ColorSlate       = lipgloss.Color("#2C4A54")

	ColorSuccess = lipgloss.Color("#2CD7C7")
	ColorWarning = lipgloss.Color("#F4D03F")
	ColorError   = lipgloss.Color("#E74C3C")
)

// Styles provides pre-configured lipgloss styles.
var Styles = struct {
	Title   lipgloss.Style
	Bold    lipgloss.Style
	Muted   lipgloss.Style
	Success lipgloss.Style
	Warning lipgloss.Style
	Error   lipgloss.Style
	Key     lipgloss.Style

	Box        lipgloss.Style
	WarningBox lipgloss.Style
}{
	Title:   lipgloss.NewStyle().Bold(true).Foreground(ColorTealBright),
	Bold:    lipgloss.NewStyle().Bold(true),
	Muted:   lipgloss.NewStyle().Foreground(ColorSlate),
	Success: lipgloss.NewStyle().Foreground(ColorSuccess),
	Warning: lipgloss.NewStyle().Foreground(ColorWarning),
	Error:   lipgloss.NewStyle().Foreground(ColorError),
	Key:     lipgloss.NewStyle().Foreground(ColorTealPrimary),

	Box: lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(ColorTealDeep).
		Padding(0, 1),
	WarningBox: lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(ColorWarning).
		Padding(0, 1),
}

// Icon is a status glyph.
type Icon string

const (
	IconSuccess Icon = "✓"
	IconWarning Icon = "⚠"
	IconError   Icon = "✗"
	IconPending Icon = "○"
	IconArrow   Icon = "→"
	IconBullet  Icon = "•"
)

// Render returns the icon with its color.
func (i Icon) Render() string {
	switch i {
	case IconSuccess:
		return Styles.Success.Render(string(i))
	case IconWarning:
		return Styles.Warning.Render(string(i))
	case IconError:
		return Styles.Error.Render(string(i))
	case IconPending:
		return Styles.Muted.Render(string(i))
	default:
		return string(i)
	}
}

// Printer writes CLI output in one Mode.
//
// In ModeMachine every human-oriented helper is a no-op and only JSON
// writes anything, so scripts see exactly one JSON document per command.
type Printer struct {
	w    io.Writer
	mode Mode
}

// NewPrinter creates a Printer on w.
func NewPrinter(w io.Writer, mode Mode) *Printer {
	if mode == "" {
		mode = ModePlain
	}
	return &Printer{w: w, mode: mode}
}

// Mode returns the printer's mode.
func (p *Printer) Mode() Mode { return p.mode }

// Machine reports whether the printer only emits JSON.
func (p *Printer) Machine() bool { return p.mode == ModeMachine }

// Title prints a heading.
func (p *Printer) Title(text string) {
	if p.Machine() {
		return
	}
	fmt.Fprintln(p.w, p.style(Styles.Title, text))
}

// Success prints a line prefixed with a success icon.
func (p *Printer) Success(text string) {
	p.status(IconSuccess, Styles.Success, text)
}

// Warning prints a line prefixed with a warning icon.
func (p *Printer) Warning(text string) {
	p.status(IconWarning, Styles.Warning, text)
}

// Error prints a line prefixed with an error icon.
func (p *Printer) Error(text string) {
	p.status(IconError, Styles.Error, text)
}

// Info prints a bulleted line.
func (p *Printer) Info(text string) {
	if p.Machine() {
		return
	}
	fmt.Fprintf(p.w, "%s %s\n", p.icon(IconBullet), text)
}

// Muted prints de-emphasized text.
func (p *Printer) Muted(text string) {
	if p.Machine() {
		return
	}
	fmt.Fprintln(p.w, p.style(Styles.Muted, text))
}

// Line prints text as is.
func (p *Printer) Line(format string, args ...any) {
	if p.Machine() {
		return
	}
	fmt.Fprintf(p.w, format+"\n", args...)
}

// Box prints content inside a bordered box with a title line.
func (p *Printer) Box(title, content string) {
	p.box(Styles.Box, title, content)
}

// WarningBox prints content inside a warning-colored box.
func (p *Printer) WarningBox(title, content string) {
	p.box(Styles.WarningBox, title, content)
}

// KeyValues prints aligned "key: value" rows in order.
func (p *Printer) KeyValues(rows [][2]string) {
	if p.Machine() {
		return
	}
	width := 0
	for _, r := range rows {
		if len(r[0]) > width {
			width = len(r[0])
		}
	}
	for _, r := range rows {
		key := fmt.Sprintf("%-*s", width+1, r[0]+":")
		fmt.Fprintf(p.w, "%s %s\n", p.style(Styles.Key, key), r[1])
	}
}

// FileStatus prints one path with a status icon and optional reason.
func (p *Printer) FileStatus(path string, status Icon, reason string) {
	if p.Machine() {
		return
	}
	if reason == "" {
		fmt.Fprintf(p.w, "  %s %s\n", p.icon(status), path)
		return
	}
	fmt.Fprintf(p.w, "  %s %s %s\n", p.icon(status), path, p.style(Styles.Muted, "("+reason+")"))
}

// JSON writes v as indented JSON. It prints in every mode.
func (p *Printer) JSON(v any) error {
	enc := json.NewEncoder(p.w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func (p *Printer) status(i Icon, s lipgloss.Style, text string) {
	if p.Machine() {
		return
	}
	fmt.Fprintf(p.w, "%s %s\n", p.icon(i), p.style(s, text))
}

func (p *Printer) box(s lipgloss.Style, title, content string) {
	if p.Machine() {
		return
	}
	if p.mode != ModeRich {
		fmt.Fprintln(p.w, title)
		for _, line := range strings.Split(content, "\n") {
			fmt.Fprintf(p.w, "  %s\n", line)
		}
		return
	}
	body := Styles.Bold.Render(title) + "\n" + content
	fmt.Fprintln(p.w, s.Render(body))
}

func (p *Printer) style(s lipgloss.Style, text string) string {
	if p.mode != ModeRich {
		return text
	}
	return s.Render(text)
}

func (p *Printer) icon(i Icon) string {
	if p.mode != ModeRich {
		return string(i)
	}
	return i.Render()
}
