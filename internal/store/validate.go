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
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/AleutianAI/cascade/internal/hashing"
	"github.com/AleutianAI/cascade/internal/policy"
)

// recordSchema is written to meta/schema.json for external tooling. The
// validator tags on Record enforce the same constraints.
//
//go:embed schema.json
var recordSchema []byte

var (
	typePattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_.-]{0,63}$`)
	namePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]{0,99}$`)
)

// recordValidate is the validator instance for records.
// Initialized in init() with custom validators.
var recordValidate *validator.Validate

func init() {
	recordValidate = validator.New()

	// Report fields by their JSON names.
	recordValidate.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	_ = recordValidate.RegisterValidation("rectype", validateRecordType)
	_ = recordValidate.RegisterValidation("jsonvalue", validateJSONValue)
}

// validateRecordType checks the type name against typePattern.
func validateRecordType(fl validator.FieldLevel) bool {
	return typePattern.MatchString(fl.Field().String())
}

// validateJSONValue accepts any well-formed JSON document except null.
func validateJSONValue(fl validator.FieldLevel) bool {
	raw := bytes.TrimSpace(fl.Field().Bytes())
	return len(raw) > 0 && json.Valid(raw) && !bytes.Equal(raw, []byte("null"))
}

// validateRecord checks r against the record schema and the dependency
// field convention.
//
// # Outputs
//
//   - error: *ValidationError naming the first offending field, or nil.
func validateRecord(r *Record) error {
	if err := recordValidate.Struct(r); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return &ValidationError{Field: fieldPath(fe), Reason: describe(fe)}
		}
		return &ValidationError{Field: "record", Reason: err.Error()}
	}
	if _, err := dependencies(r.Content); err != nil {
		return err
	}
	return nil
}

// checkPolicy evaluates rules against a pending write.
func checkPolicy(rules []policy.Rule, op string, r *Record) error {
	if len(rules) == 0 {
		return nil
	}
	err := policy.Evaluate(rules, policy.Subject{
		Op:              op,
		Type:            r.Type,
		ContentBytes:    len(r.Content),
		CritiqueEntries: r.Critique.Entries(),
	})
	var v *policy.Violation
	if errors.As(err, &v) {
		return &ValidationError{Field: v.Field, Reason: v.Reason}
	}
	if err != nil {
		return &ValidationError{Field: "policy", Reason: err.Error()}
	}
	return nil
}

// canonicalContent converts caller content into canonical JSON.
func canonicalContent(content any) (json.RawMessage, error) {
	if content == nil {
		return nil, &ValidationError{Field: "content", Reason: "is required"}
	}
	b, err := hashing.Canonical(content)
	if err != nil {
		return nil, &ValidationError{Field: "content", Reason: err.Error()}
	}
	return json.RawMessage(b), nil
}

// dependencies returns the ids listed under content.dependencies. Content
// that is not an object, or has no such key, has no dependencies.
func dependencies(content json.RawMessage) ([]string, error) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(content, &obj); err != nil {
		return nil, nil
	}
	raw, ok := obj["dependencies"]
	if !ok || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return nil, nil
	}
	var deps []string
	if err := json.Unmarshal(raw, &deps); err != nil {
		return nil, &ValidationError{Field: "content.dependencies", Reason: "must be an array of record ids"}
	}
	for i, d := range deps {
		if d == "" {
			return nil, &ValidationError{Field: fmt.Sprintf("content.dependencies[%d]", i), Reason: "must not be empty"}
		}
	}
	return deps, nil
}

func validateName(name string) error {
	if !namePattern.MatchString(name) {
		return &ValidationError{Field: "name", Reason: fmt.Sprintf("%q must match %s", name, namePattern)}
	}
	return nil
}

// fieldPath drops the leading struct name from a validator namespace.
func fieldPath(fe validator.FieldError) string {
	ns := fe.Namespace()
	if _, rest, ok := strings.Cut(ns, "."); ok {
		return rest
	}
	return ns
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "uuid":
		return "must be a UUID"
	case "rectype":
		return fmt.Sprintf("must match %s", typePattern)
	case "jsonvalue":
		return "must be a non-null JSON value"
	case "gte":
		return "must be >= " + fe.Param()
	case "gtefield":
		return "must not be before " + fe.Param()
	case "max":
		return "must be at most " + fe.Param() + " characters"
	}
	return fmt.Sprintf("failed %q", fe.Tag())
}
