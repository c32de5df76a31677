// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package taskgraph orders records by their declared dependencies.
//
// Traversal uses an explicit stack and a visited set, so depth is bounded
// by memory rather than the goroutine stack, and a cycle is reported as an
// error instead of looping.
package taskgraph

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrCycle is matched by every *CycleError.
var ErrCycle = errors.New("dependency cycle")

// ErrTooLarge is returned when a traversal visits more than MaxNodes nodes.
var ErrTooLarge = errors.New("dependency graph too large")

// DefaultMaxNodes bounds a traversal when Options.MaxNodes is zero.
const DefaultMaxNodes = 10000

// CycleError names the nodes forming a cycle, starting and ending with the
// same id.
type CycleError struct {
	Path []string
}

// Error returns a human-readable error message.
func (e *CycleError) Error() string {
	return fmt.Sprintf("dependency cycle: %s", strings.Join(e.Path, " -> "))
}

// Unwrap returns ErrCycle.
func (e *CycleError) Unwrap() error {
	return ErrCycle
}

// Source resolves the direct dependencies of a node.
type Source interface {
	Dependencies(ctx context.Context, id string) ([]string, error)
}

// SourceFunc adapts a function to Source.
type SourceFunc func(ctx context.Context, id string) ([]string, error)

// Dependencies implements Source.
func (f SourceFunc) Dependencies(ctx context.Context, id string) ([]string, error) {
	return f(ctx, id)
}

// Options tunes Order.
type Options struct {
	// MaxNodes bounds the number of distinct nodes visited.
	// Default: DefaultMaxNodes.
	MaxNodes int
}

type frame struct {
	id   string
	deps []string
	next int
}

// Order returns root and everything it transitively depends on, with every
// node after all of its dependencies (root is last).
//
// # Description
//
// Depth-first post-order over an explicit stack. Each node's dependencies
// are fetched once. A dependency that is already on the current path is a
// cycle. Duplicate edges are harmless.
//
// # Inputs
//
//   - ctx: Checked before every dependency lookup.
//   - src: Dependency resolver.
//   - root: Starting node.
//   - opts: Optional bounds.
//
// # Outputs
//
//   - []string: Dependencies first, root last.
//   - error: *CycleError, ErrTooLarge, ctx.Err(), or a Source error.
//
// # Example
//
//	order, err := taskgraph.Order(ctx, src, "deploy", taskgraph.Options{})
//	// order == ["build", "test", "deploy"]
func Order(ctx context.Context, src Source, root string, opts Options) ([]string, error) {
	if opts.MaxNodes <= 0 {
		opts.MaxNodes = DefaultMaxNodes
	}

	const (
		onPath = 1
		done   = 2
	)
	state := make(map[string]int)
	var order []string

	push := func(stack []frame, id string) ([]frame, error) {
		if len(state) >= opts.MaxNodes {
			return nil, fmt.Errorf("%w: more than %d nodes", ErrTooLarge, opts.MaxNodes)
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		deps, err := src.Dependencies(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("dependencies of %s: %w", id, err)
		}
		state[id] = onPath
		return append(stack, frame{id: id, deps: deps}), nil
	}

	stack, err := push(nil, root)
	if err != nil {
		return nil, err
	}
	for len(stack) > 0 {
		top := &stack[len(stack)-1]
		if top.next == len(top.deps) {
			state[top.id] = done
			order = append(order, top.id)
			stack = stack[:len(stack)-1]
			continue
		}

		dep := top.deps[top.next]
		top.next++
		switch state[dep] {
		case done:
			continue
		case onPath:
			return nil, &CycleError{Path: cyclePath(stack, dep)}
		}
		if stack, err = push(stack, dep); err != nil {
			return nil, err
		}
	}
	return order, nil
}

// cyclePath returns the ids from dep's frame to the top of the stack,
// closed with dep.
func cyclePath(stack []frame, dep string) []string {
	start := 0
	for i, f := range stack {
		if f.id == dep {
			start = i
			break
		}
	}
	path := make([]string, 0, len(stack)-start+1)
	for _, f := range stack[start:] {
		path = append(path, f.id)
	}
	return append(path, dep)
}
