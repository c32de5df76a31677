// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package policy evaluates write policies drawn from a closed set of rule
// kinds.
//
// Rules are plain data. Evaluate dispatches on Kind, runs rules in the order
// given, and stops at the first violation, so the outcome for a given rule
// list is always the same.
package policy

import (
	"errors"
	"fmt"
	"slices"
	"strings"
)

// Kind identifies a rule variant.
type Kind string

const (
	// KindMaxContentBytes rejects content whose canonical encoding exceeds
	// MaxBytes.
	KindMaxContentBytes Kind = "max_content_bytes"

	// KindDenyTypes rejects records whose type is in Types.
	KindDenyTypes Kind = "deny_types"

	// KindAllowTypes rejects records whose type is not in Types.
	KindAllowTypes Kind = "allow_types"

	// KindRequireCritique rejects records without at least one critique
	// entry when their type is in Types (or for every type if Types is
	// empty).
	KindRequireCritique Kind = "require_critique"
)

// Kinds lists every supported rule kind.
var Kinds = []Kind{KindMaxContentBytes, KindDenyTypes, KindAllowTypes, KindRequireCritique}

// Rule is one policy. Fields not used by Kind are ignored.
type Rule struct {
	Kind     Kind     `yaml:"kind" json:"kind"`
	MaxBytes int      `yaml:"max_bytes,omitempty" json:"max_bytes,omitempty"`
	Types    []string `yaml:"types,omitempty" json:"types,omitempty"`
}

// Subject is what a write looks like to the policies.
type Subject struct {
	// Op is "create" or "update".
	Op string

	Type string

	// ContentBytes is the size of the canonical content encoding.
	ContentBytes int

	// CritiqueEntries counts strengths, weaknesses, and improvements.
	CritiqueEntries int
}

// Violation is returned by Evaluate when a rule rejects a subject.
type Violation struct {
	Rule   Kind
	Field  string
	Reason string
}

// Error returns a human-readable error message.
func (v *Violation) Error() string {
	return fmt.Sprintf("policy %s: %s: %s", v.Rule, v.Field, v.Reason)
}

// ErrUnknownKind is returned by Validate for a rule kind outside Kinds.
var ErrUnknownKind = errors.New("unknown policy kind")

// Validate checks that every rule is well formed.
func Validate(rules []Rule) error {
	for i, r := range rules {
		switch r.Kind {
		case KindMaxContentBytes:
			if r.MaxBytes <= 0 {
				return fmt.Errorf("rule %d (%s): max_bytes must be positive", i, r.Kind)
			}
		case KindDenyTypes, KindAllowTypes:
			if len(r.Types) == 0 {
				return fmt.Errorf("rule %d (%s): types must not be empty", i, r.Kind)
			}
		case KindRequireCritique:
		default:
			return fmt.Errorf("rule %d: %w %q", i, ErrUnknownKind, r.Kind)
		}
	}
	return nil
}

// Evaluate runs rules against s in order.
//
// # Outputs
//
//   - error: nil if every rule passes; the first *Violation otherwise; an
//     error wrapping ErrUnknownKind for a rule of unknown kind.
func Evaluate(rules []Rule, s Subject) error {
	for _, r := range rules {
		v, err := evaluate(r, s)
		if err != nil {
			return err
		}
		if v != nil {
			return v
		}
	}
	return nil
}

func evaluate(r Rule, s Subject) (*Violation, error) {
	switch r.Kind {
	case KindMaxContentBytes:
		if r.MaxBytes > 0 && s.ContentBytes > r.MaxBytes {
			return &Violation{Rule: r.Kind, Field: "content",
				Reason: fmt.Sprintf("%d bytes exceeds limit of %d", s.ContentBytes, r.MaxBytes)}, nil
		}
	case KindDenyTypes:
		if slices.Contains(r.Types, s.Type) {
			return &Violation{Rule: r.Kind, Field: "type",
				Reason: fmt.Sprintf("type %q is denied", s.Type)}, nil
		}
	case KindAllowTypes:
		if !slices.Contains(r.Types, s.Type) {
			return &Violation{Rule: r.Kind, Field: "type",
				Reason: fmt.Sprintf("type %q is not one of [%s]", s.Type, strings.Join(r.Types, ", "))}, nil
		}
	case KindRequireCritique:
		applies := len(r.Types) == 0 || slices.Contains(r.Types, s.Type)
		if applies && s.CritiqueEntries == 0 {
			return &Violation{Rule: r.Kind, Field: "critique",
				Reason: fmt.Sprintf("type %q requires a critique", s.Type)}, nil
		}
	default:
		return nil, fmt.Errorf("%w %q", ErrUnknownKind, r.Kind)
	}
	return nil, nil
}
