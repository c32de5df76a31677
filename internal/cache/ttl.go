// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package cache provides a bounded, expiring in-process cache that callers
// own and inject explicitly.
package cache

import (
	"container/list"
	"sync"
	"sync/atomic"
	"time"
)

// Config configures a TTL cache.
type Config struct {
	// TTL is how long an entry stays valid after Set. Must be > 0.
	TTL time.Duration

	// MaxEntries bounds the cache; the least recently used entry is evicted
	// when full. Default: 1024.
	MaxEntries int

	// Now defaults to time.Now.
	Now func() time.Time
}

// Stats is a point-in-time view of cache counters.
type Stats struct {
	Hits      int64
	Misses    int64
	Evictions int64
	Expired   int64
}

// TTL is a thread-safe LRU cache whose entries expire.
//
// Description:
//
//	Get never returns an expired entry; it removes it instead. Sweep
//	removes every expired entry at once and is meant to be called
//	periodically by the owner. Nothing runs in the background.
//
// Thread Safety: All methods are safe for concurrent use.
type TTL[K comparable, V any] struct {
	mu       sync.Mutex
	ttl      time.Duration
	capacity int
	now      func() time.Time
	items    map[K]*list.Element
	order    *list.List // Front = most recent, Back = least recent

	hits      atomic.Int64
	misses    atomic.Int64
	evictions atomic.Int64
	expired   atomic.Int64
}

type ttlEntry[K comparable, V any] struct {
	key       K
	value     V
	expiresAt time.Time
}

// New creates a TTL cache.
//
// Example:
//
//	c := cache.New[string, Record](cache.Config{TTL: 30 * time.Second})
//	c.Set(id, rec)
//	if rec, ok := c.Get(id); ok {
//	    // use rec
//	}
func New[K comparable, V any](cfg Config) *TTL[K, V] {
	if cfg.TTL <= 0 {
		cfg.TTL = 30 * time.Second
	}
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = 1024
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &TTL[K, V]{
		ttl:      cfg.TTL,
		capacity: cfg.MaxEntries,
		now:      cfg.Now,
		items:    make(map[K]*list.Element),
		order:    list.New(),
	}
}

// Set inserts or replaces key, restarting its lifetime.
func (c *TTL[K, V]) Set(key K, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	expiresAt := c.now().Add(c.ttl)
	if elem, ok := c.items[key]; ok {
		e := elem.Value.(*ttlEntry[K, V])
		e.value = value
		e.expiresAt = expiresAt
		c.order.MoveToFront(elem)
		return
	}

	if c.order.Len() >= c.capacity {
		if oldest := c.order.Back(); oldest != nil {
			c.remove(oldest)
			c.evictions.Add(1)
		}
	}
	c.items[key] = c.order.PushFront(&ttlEntry[K, V]{key: key, value: value, expiresAt: expiresAt})
}

// Get returns the value for key if present and not expired.
func (c *TTL[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var zero V
	elem, ok := c.items[key]
	if !ok {
		c.misses.Add(1)
		return zero, false
	}
	e := elem.Value.(*ttlEntry[K, V])
	if !c.now().Before(e.expiresAt) {
		c.remove(elem)
		c.expired.Add(1)
		c.misses.Add(1)
		return zero, false
	}
	c.order.MoveToFront(elem)
	c.hits.Add(1)
	return e.value, true
}

// Delete removes key. Returns true if it was present.
func (c *TTL[K, V]) Delete(key K) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.items[key]; ok {
		c.remove(elem)
		return true
	}
	return false
}

// Sweep removes all expired entries and returns how many were removed.
func (c *TTL[K, V]) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	removed := 0
	for elem := c.order.Back(); elem != nil; {
		prev := elem.Prev()
		if !now.Before(elem.Value.(*ttlEntry[K, V]).expiresAt) {
			c.remove(elem)
			removed++
		}
		elem = prev
	}
	c.expired.Add(int64(removed))
	return removed
}

// Purge removes every entry. Counters are kept.
func (c *TTL[K, V]) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = make(map[K]*list.Element)
	c.order.Init()
}

// Len returns the number of entries, including expired ones not yet swept.
func (c *TTL[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// Stats returns hit, miss, eviction, and expiry counters.
func (c *TTL[K, V]) Stats() Stats {
	return Stats{
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Evictions: c.evictions.Load(),
		Expired:   c.expired.Load(),
	}
}

func (c *TTL[K, V]) remove(elem *list.Element) {
	c.order.Remove(elem)
	delete(c.items, elem.Value.(*ttlEntry[K, V]).key)
}
