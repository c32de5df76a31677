// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package storagetest holds the behavioral suite every storage.Backend must
// pass.
package storagetest

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/cascade/internal/storage"
)

// Run exercises a Backend produced by newBackend. Each subtest gets a fresh
// backend; Run closes it.
func Run(t *testing.T, newBackend func(t *testing.T) storage.Backend) {
	ctx := context.Background()

	open := func(t *testing.T) storage.Backend {
		b := newBackend(t)
		t.Cleanup(func() { _ = b.Close() })
		return b
	}

	t.Run("get missing key", func(t *testing.T) {
		b := open(t)
		_, err := b.Get(ctx, "data/missing.json")
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("put then get", func(t *testing.T) {
		b := open(t)
		require.NoError(t, b.Put(ctx, "data/a.json", []byte(`{"a":1}`)))

		got, err := b.Get(ctx, "data/a.json")
		require.NoError(t, err)
		assert.Equal(t, `{"a":1}`, string(got))
	})

	t.Run("put overwrites", func(t *testing.T) {
		b := open(t)
		require.NoError(t, b.Put(ctx, "meta/index.json", []byte("v1")))
		require.NoError(t, b.Put(ctx, "meta/index.json", []byte("v2")))

		got, err := b.Get(ctx, "meta/index.json")
		require.NoError(t, err)
		assert.Equal(t, "v2", string(got))
	})

	t.Run("returned bytes are not aliased", func(t *testing.T) {
		b := open(t)
		require.NoError(t, b.Put(ctx, "k", []byte("abc")))
		got, err := b.Get(ctx, "k")
		require.NoError(t, err)
		got[0] = 'z'

		again, err := b.Get(ctx, "k")
		require.NoError(t, err)
		assert.Equal(t, "abc", string(again))
	})

	t.Run("delete", func(t *testing.T) {
		b := open(t)
		require.NoError(t, b.Put(ctx, "data/a.json", []byte("x")))
		require.NoError(t, b.Delete(ctx, "data/a.json"))

		_, err := b.Get(ctx, "data/a.json")
		assert.ErrorIs(t, err, storage.ErrNotFound)
		assert.ErrorIs(t, b.Delete(ctx, "data/a.json"), storage.ErrNotFound)
	})

	t.Run("list by prefix is sorted", func(t *testing.T) {
		b := open(t)
		for _, k := range []string{"data/c.json", "data/a.json", "meta/index.json", "data/b.json", "docs/plan.json"} {
			require.NoError(t, b.Put(ctx, k, []byte("x")))
		}

		keys, err := b.List(ctx, "data/")
		require.NoError(t, err)
		assert.Equal(t, []string{"data/a.json", "data/b.json", "data/c.json"}, keys)

		all, err := b.List(ctx, "")
		require.NoError(t, err)
		assert.Len(t, all, 5)

		none, err := b.List(ctx, "nothing/")
		require.NoError(t, err)
		assert.Empty(t, none)
	})

	t.Run("rejects escaping keys", func(t *testing.T) {
		b := open(t)
		for _, k := range []string{"", "/etc/passwd", "../outside", "a/../../b"} {
			err := b.Put(ctx, k, []byte("x"))
			assert.ErrorIs(t, err, storage.ErrInvalidKey, "key %q", k)
		}
	})

	t.Run("concurrent puts to distinct keys", func(t *testing.T) {
		b := open(t)
		var wg sync.WaitGroup
		for i := 0; i < 16; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				assert.NoError(t, b.Put(ctx, fmt.Sprintf("data/%02d.json", i), []byte{byte(i)}))
			}(i)
		}
		wg.Wait()

		keys, err := b.List(ctx, "data/")
		require.NoError(t, err)
		assert.Len(t, keys, 16)
	})

	t.Run("cancelled context", func(t *testing.T) {
		b := open(t)
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		assert.Error(t, b.Put(cctx, "k", []byte("x")))
	})
}
