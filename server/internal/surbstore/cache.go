// SPDX-FileCopyrightText: © 2025 Katzenpost dev team
// SPDX-License-Identifier: AGPL-3.0-only

package surbstore

import (
	"time"

	"gitlab.com/yawning/avl.git"
)

// EvictionCause says why an entry left an idleCache.
type EvictionCause int

const (
	// Expired entries were idle for longer than the cache's lifetime.
	Expired EvictionCause = iota

	// Replaced entries were displaced by the least recently used policy.
	Replaced
)

func (c EvictionCause) String() string {
	if c == Replaced {
		return "capacity"
	}
	return "idle"
}

type cacheEntry[K comparable, V any] struct {
	key      K
	value    V
	lastUsed time.Time
	seq      uint64
	node     *avl.Node
}

// idleCache is a map bounded both in size and in idle time.  Entries are
// indexed by last use, so the least recently used entry is also the first
// to expire.  It is not safe for concurrent use.
type idleCache[K comparable, V any] struct {
	capacity int
	lifetime time.Duration
	now      func() time.Time
	onEvict  func(K, V, EvictionCause)

	entries map[K]*cacheEntry[K, V]
	byUse   *avl.Tree
	seq     uint64
}

func newIdleCache[K comparable, V any](capacity int, lifetime time.Duration, now func() time.Time, onEvict func(K, V, EvictionCause)) *idleCache[K, V] {
	return &idleCache[K, V]{
		capacity: capacity,
		lifetime: lifetime,
		now:      now,
		onEvict:  onEvict,
		entries:  make(map[K]*cacheEntry[K, V]),
		byUse: avl.New(func(a, b interface{}) int {
			ea, eb := a.(*cacheEntry[K, V]), b.(*cacheEntry[K, V])
			switch {
			case ea.lastUsed.Before(eb.lastUsed):
				return -1
			case eb.lastUsed.Before(ea.lastUsed):
				return 1
			case ea.seq < eb.seq:
				return -1
			case ea.seq > eb.seq:
				return 1
			default:
				return 0
			}
		}),
	}
}

func (c *idleCache[K, V]) touch(e *cacheEntry[K, V]) {
	if e.node != nil {
		c.byUse.Remove(e.node)
	}
	c.seq++
	e.seq = c.seq
	e.lastUsed = c.now()
	e.node = c.byUse.Insert(e)
}

func (c *idleCache[K, V]) remove(e *cacheEntry[K, V]) {
	c.byUse.Remove(e.node)
	e.node = nil
	delete(c.entries, e.key)
}

// Get returns the value for k and refreshes its idle timer.
func (c *idleCache[K, V]) Get(k K) (V, bool) {
	var zero V
	e, ok := c.entries[k]
	if !ok {
		return zero, false
	}
	if c.isExpired(e, c.now()) {
		c.remove(e)
		c.evicted(e, Expired)
		return zero, false
	}
	c.touch(e)
	return e.value, true
}

// GetOrInsert returns the value for k, creating it with fn if absent.
func (c *idleCache[K, V]) GetOrInsert(k K, fn func() V) V {
	if v, ok := c.Get(k); ok {
		return v
	}
	v := fn()
	c.Insert(k, v)
	return v
}

// Insert sets the value of k, evicting the least recently used entry if
// the cache is full.
func (c *idleCache[K, V]) Insert(k K, v V) {
	if e, ok := c.entries[k]; ok {
		e.value = v
		c.touch(e)
		return
	}
	for len(c.entries) >= c.capacity {
		oldest := c.byUse.First().Value.(*cacheEntry[K, V])
		c.remove(oldest)
		c.evicted(oldest, Replaced)
	}
	e := &cacheEntry[K, V]{key: k, value: v}
	c.entries[k] = e
	c.touch(e)
}

// Remove deletes k and returns its value.
func (c *idleCache[K, V]) Remove(k K) (V, bool) {
	e, ok := c.entries[k]
	if !ok {
		var zero V
		return zero, false
	}
	c.remove(e)
	if c.isExpired(e, c.now()) {
		c.evicted(e, Expired)
		var zero V
		return zero, false
	}
	return e.value, true
}

// Len returns the number of entries, including expired entries that were
// not swept yet.
func (c *idleCache[K, V]) Len() int {
	return len(c.entries)
}

// ForEach calls fn on each entry, least recently used first, without
// refreshing them.
func (c *idleCache[K, V]) ForEach(fn func(K, V)) {
	c.byUse.ForEach(avl.Forward, func(n *avl.Node) bool {
		e := n.Value.(*cacheEntry[K, V])
		fn(e.key, e.value)
		return true
	})
}

// Sweep drops every expired entry and returns how many were dropped.
func (c *idleCache[K, V]) Sweep() int {
	now := c.now()
	swept := 0
	iter := c.byUse.Iterator(avl.Forward)
	for node := iter.First(); node != nil; node = iter.Next() {
		e := node.Value.(*cacheEntry[K, V])
		if !c.isExpired(e, now) {
			break
		}
		// Removing the current node is the one modification the
		// iterator supports.
		c.byUse.Remove(node)
		e.node = nil
		delete(c.entries, e.key)
		c.evicted(e, Expired)
		swept++
	}
	return swept
}

func (c *idleCache[K, V]) isExpired(e *cacheEntry[K, V], now time.Time) bool {
	return now.Sub(e.lastUsed) > c.lifetime
}

func (c *idleCache[K, V]) evicted(e *cacheEntry[K, V], cause EvictionCause) {
	if c.onEvict != nil {
		c.onEvict(e.key, e.value, cause)
	}
}
