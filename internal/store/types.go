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
	"encoding/json"
	"time"
)

// Storage keys. All keys are slash-separated and relative to the store root.
const (
	dataPrefix = "data/"
	docsPrefix = "docs/"
	indexKey   = "meta/index.json"
	schemaKey  = "meta/schema.json"
)

// Lock and snapshot target names.
const (
	indexLock   = "index"
	indexTarget = "index"
	storeTarget = "store"
)

// Critique is the reviewer feedback attached to a record.
type Critique struct {
	Strengths    []string `json:"strengths" validate:"dive,required,max=4096"`
	Weaknesses   []string `json:"weaknesses" validate:"dive,required,max=4096"`
	Improvements []string `json:"improvements" validate:"dive,required,max=4096"`
}

// Entries returns the total number of critique entries.
func (c Critique) Entries() int {
	return len(c.Strengths) + len(c.Weaknesses) + len(c.Improvements)
}

func (c Critique) normalized() Critique {
	if c.Strengths == nil {
		c.Strengths = []string{}
	}
	if c.Weaknesses == nil {
		c.Weaknesses = []string{}
	}
	if c.Improvements == nil {
		c.Improvements = []string{}
	}
	return c
}

// Record is one versioned memory.
//
// # Description
//
// Identity is ID. Every mutation increments Version by exactly one and
// refreshes UpdatedAt. Content is stored in canonical JSON form.
type Record struct {
	ID        string          `json:"id" validate:"required,uuid"`
	Type      string          `json:"type" validate:"required,rectype"`
	Content   json.RawMessage `json:"content" validate:"required,jsonvalue"`
	CreatedAt time.Time       `json:"created_at" validate:"required"`
	UpdatedAt time.Time       `json:"updated_at" validate:"required,gtefield=CreatedAt"`
	Version   int             `json:"version" validate:"gte=1"`
	Critique  Critique        `json:"critique"`
	ExpiresAt *time.Time      `json:"expires_at,omitempty"`
}

// Expired reports whether the record's expiry is at or before now.
func (r Record) Expired(now time.Time) bool {
	return r.ExpiresAt != nil && !r.ExpiresAt.After(now)
}

// IndexEntry locates one record.
type IndexEntry struct {
	Path        string    `json:"path"`
	Type        string    `json:"type"`
	Version     int       `json:"version"`
	LastUpdated time.Time `json:"last_updated"`
}

// IndexStats summarizes the index.
type IndexStats struct {
	Total       int        `json:"total"`
	CreatedAt   time.Time  `json:"created_at"`
	LastCleanup *time.Time `json:"last_cleanup,omitempty"`
}

// Index is the authoritative catalog of records.
type Index struct {
	Memories map[string]IndexEntry `json:"memories"`
	Stats    IndexStats            `json:"stats"`
}

// Document is a named blob stored with the hash of its content.
type Document struct {
	Name      string          `json:"name"`
	Content   json.RawMessage `json:"content"`
	Version   int             `json:"version"`
	UpdatedAt time.Time       `json:"updated_at"`
	Hash      string          `json:"hash"`
}

// Option adjusts a Create or Update call.
type Option func(*writeOptions)

type writeOptions struct {
	critique  *Critique
	expiresAt *time.Time
	ttl       time.Duration
}

// WithCritique attaches a critique. On Update it replaces the existing one;
// without it Update keeps the current critique.
func WithCritique(c Critique) Option {
	return func(o *writeOptions) {
		o.critique = &c
	}
}

// WithExpiry sets an absolute expiry time.
func WithExpiry(t time.Time) Option {
	return func(o *writeOptions) {
		t := t.UTC()
		o.expiresAt = &t
		o.ttl = 0
	}
}

// WithTTL sets the expiry relative to the time of the write.
func WithTTL(d time.Duration) Option {
	return func(o *writeOptions) {
		o.ttl = d
		o.expiresAt = nil
	}
}

func applyOptions(opts []Option) writeOptions {
	var o writeOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func (o writeOptions) expiry(now time.Time) *time.Time {
	if o.expiresAt != nil {
		return o.expiresAt
	}
	if o.ttl > 0 {
		t := now.Add(o.ttl)
		return &t
	}
	return nil
}

// CheckReport lists inconsistencies found by Check. Nothing is repaired.
type CheckReport struct {
	Records int `json:"records"`

	// Dangling ids are in the index but their record cannot be read.
	Dangling []string `json:"dangling,omitempty"`

	// Orphans are record keys with no index entry.
	Orphans []string `json:"orphans,omitempty"`

	// Mismatched ids disagree with their index entry on type or version.
	Mismatched []string `json:"mismatched,omitempty"`

	// Tampered paths changed outside the store since their last trusted
	// write.
	Tampered []string `json:"tampered,omitempty"`
}

// OK reports whether the check found nothing.
func (r CheckReport) OK() bool {
	return len(r.Dangling) == 0 && len(r.Orphans) == 0 && len(r.Mismatched) == 0 && len(r.Tampered) == 0
}
