// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package cache provides the bounded hot-fragment cache that fronts the
// durable store.
package cache

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/AleutianAI/ProEngine/services/engine/lock"
)

// ErrCacheFull is returned when a new key cannot be inserted because every
// live entry is pinned and the cache is at capacity.
var ErrCacheFull = errors.New("cache full: all entries pinned")

// ErrNotCached is returned by Pin and Unpin for unknown keys.
var ErrNotCached = errors.New("key not cached")

// Observer receives cache events ("hit", "miss", "eviction").
type Observer interface {
	CacheEvent(cache, event string)
}

// Loader produces the value for a missing key.
type Loader[V any] func(ctx context.Context) (V, error)

// Config configures a Cache.
type Config struct {
	// Name labels metrics and logs.
	Name string `yaml:"name"`

	// Capacity is the maximum number of live entries. Default: 256.
	Capacity int `yaml:"capacity" validate:"gte=0"`

	// KeyLockTimeout bounds the wait for per-key serialization. Default: 5s.
	KeyLockTimeout time.Duration `yaml:"key_lock_timeout"`
}

// ApplyDefaults fills zero fields.
func (c *Config) ApplyDefaults() {
	if c.Name == "" {
		c.Name = "fragments"
	}
	if c.Capacity <= 0 {
		c.Capacity = 256
	}
	if c.KeyLockTimeout <= 0 {
		c.KeyLockTimeout = 5 * time.Second
	}
}

// Stats is a point-in-time view of cache counters.
type Stats struct {
	Len       int
	Capacity  int
	Pinned    int
	Hits      int64
	Misses    int64
	Evictions int64
}

type entry[V any] struct {
	key        string
	value      V
	lastAccess time.Time
	pins       int
}

// Cache is a bounded LRU cache with pinning.
//
// Description:
//
//	Live entries never exceed Capacity. Eviction picks the least recently
//	accessed unpinned entry; list order breaks timestamp ties by insertion.
//	Writers of the same key are serialized through the lock manager under
//	the resource "cache:<key>".
//
// Thread Safety: All methods are safe for concurrent use.
type Cache[V any] struct {
	cfg    Config
	locks  *lock.Manager
	flight singleflight.Group
	logger *slog.Logger

	mu    sync.Mutex
	items map[string]*list.Element
	order *list.List // Front = most recent, Back = least recent

	holderSeq atomic.Uint64
	onEvict   func(key string, value V)
	observer  Observer

	hits      atomic.Int64
	misses    atomic.Int64
	evictions atomic.Int64
}

// Option configures a Cache.
type Option[V any] func(*Cache[V])

// WithLocks shares an existing lock manager for per-key serialization.
func WithLocks[V any](m *lock.Manager) Option[V] {
	return func(c *Cache[V]) { c.locks = m }
}

// WithLogger sets the logger.
func WithLogger[V any](l *slog.Logger) Option[V] {
	return func(c *Cache[V]) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithObserver sets the event observer.
func WithObserver[V any](o Observer) Option[V] {
	return func(c *Cache[V]) { c.observer = o }
}

// WithOnEvict registers a callback invoked after an entry is evicted.
func WithOnEvict[V any](fn func(key string, value V)) Option[V] {
	return func(c *Cache[V]) { c.onEvict = fn }
}

// New creates a cache.
//
// Inputs:
//   - cfg: Configuration. Zero fields take defaults.
//
// Outputs:
//   - *Cache[V]: The cache. Never nil.
//
// Example:
//
//	c := cache.New[store.Record](cache.Config{Capacity: 512},
//	    cache.WithLocks[store.Record](locks))
func New[V any](cfg Config, opts ...Option[V]) *Cache[V] {
	cfg.ApplyDefaults()
	c := &Cache[V]{
		cfg:    cfg,
		items:  make(map[string]*list.Element, cfg.Capacity),
		order:  list.New(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.locks == nil {
		c.locks = lock.NewManager(lock.WithLogger(c.logger))
	}
	c.logger = c.logger.With(slog.String("component", "cache"), slog.String("cache", cfg.Name))
	return c
}

// Get returns the value for key and refreshes its recency.
//
// Thread Safety: Safe for concurrent use. Takes no key lock.
func (c *Cache[V]) Get(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.items[key]; ok {
		c.touchLocked(elem)
		c.hits.Add(1)
		c.emit("hit")
		return elem.Value.(*entry[V]).value, true
	}

	c.misses.Add(1)
	c.emit("miss")
	var zero V
	return zero, false
}

// Put inserts or replaces key.
//
// Description:
//
//	Serialized per key. When the cache is at capacity the least recently
//	used unpinned entry is evicted first. pinned=true adds one pin to the
//	entry.
//
// Inputs:
//   - ctx: Cancellation for the per-key lock wait.
//   - key: Cache key.
//   - value: Value to store.
//   - pinned: Whether to pin the entry.
//
// Outputs:
//   - error: ErrCacheFull if no entry can be evicted, or a lock error.
func (c *Cache[V]) Put(ctx context.Context, key string, value V, pinned bool) error {
	h, err := c.lockKey(ctx, key)
	if err != nil {
		return err
	}
	defer h.Release()

	return c.putKeyLocked(key, value, pinned)
}

// GetOrLoad returns the cached value for key, calling loader on a miss.
//
// Description:
//
//	Concurrent misses for one key collapse into a single loader call. The
//	load runs under the key lock and re-checks the cache first, so a value
//	inserted by a concurrent Put is never overwritten by a stale load.
//	Loader errors are returned and not cached.
//
// Outputs:
//   - V: The value.
//   - bool: True if the value came from the cache without loading.
//   - error: Loader or lock error.
func (c *Cache[V]) GetOrLoad(ctx context.Context, key string, loader Loader[V]) (V, bool, error) {
	if v, ok := c.Get(key); ok {
		return v, true, nil
	}

	type loaded struct {
		value V
		hit   bool
	}

	res, err, _ := c.flight.Do(key, func() (any, error) {
		h, err := c.lockKey(ctx, key)
		if err != nil {
			return nil, err
		}
		defer h.Release()

		c.mu.Lock()
		if elem, ok := c.items[key]; ok {
			c.touchLocked(elem)
			v := elem.Value.(*entry[V]).value
			c.mu.Unlock()
			return loaded{value: v, hit: true}, nil
		}
		c.mu.Unlock()

		v, err := loader(ctx)
		if err != nil {
			return nil, err
		}
		if err := c.putKeyLocked(key, v, false); err != nil {
			// Value is still good; just not cacheable right now.
			c.logger.Debug("loaded value not cached", slog.String("key", key), slog.String("error", err.Error()))
		}
		return loaded{value: v}, nil
	})
	if err != nil {
		var zero V
		return zero, false, err
	}
	l := res.(loaded)
	return l.value, l.hit, nil
}

// Pin adds a pin to key. Pinned entries are never evicted.
func (c *Cache[V]) Pin(key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	elem, ok := c.items[key]
	if !ok {
		return fmt.Errorf("pin %q: %w", key, ErrNotCached)
	}
	elem.Value.(*entry[V]).pins++
	return nil
}

// Unpin removes a pin from key.
func (c *Cache[V]) Unpin(key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	elem, ok := c.items[key]
	if !ok {
		return fmt.Errorf("unpin %q: %w", key, ErrNotCached)
	}
	if e := elem.Value.(*entry[V]); e.pins > 0 {
		e.pins--
	}
	return nil
}

// Len returns the number of live entries.
func (c *Cache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// Keys returns live keys, most recently used first.
func (c *Cache[V]) Keys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	keys := make([]string, 0, c.order.Len())
	for e := c.order.Front(); e != nil; e = e.Next() {
		keys = append(keys, e.Value.(*entry[V]).key)
	}
	return keys
}

// Stats returns current counters.
func (c *Cache[V]) Stats() Stats {
	c.mu.Lock()
	pinned := 0
	for e := c.order.Front(); e != nil; e = e.Next() {
		if e.Value.(*entry[V]).pins > 0 {
			pinned++
		}
	}
	n := c.order.Len()
	c.mu.Unlock()

	return Stats{
		Len:       n,
		Capacity:  c.cfg.Capacity,
		Pinned:    pinned,
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Evictions: c.evictions.Load(),
	}
}

// -----------------------------------------------------------------------------

// lockKey acquires the per-key lock with a holder unique to this call, so
// concurrent callers from the same task still queue instead of tripping the
// reentrancy check.
func (c *Cache[V]) lockKey(ctx context.Context, key string) (*lock.Handle, error) {
	holder := fmt.Sprintf("cache-op-%d", c.holderSeq.Add(1))
	if task, ok := lock.HolderFrom(ctx); ok {
		holder = task + "/" + holder
	}
	return c.locks.Acquire(ctx, "cache:"+key, holder, c.cfg.KeyLockTimeout)
}

// putKeyLocked inserts under the caller's key lock.
func (c *Cache[V]) putKeyLocked(key string, value V, pinned bool) error {
	c.mu.Lock()

	if elem, ok := c.items[key]; ok {
		e := elem.Value.(*entry[V])
		e.value = value
		if pinned {
			e.pins++
		}
		c.touchLocked(elem)
		c.mu.Unlock()
		return nil
	}

	var evicted *entry[V]
	if c.order.Len() >= c.cfg.Capacity {
		evicted = c.evictLocked()
		if evicted == nil {
			c.mu.Unlock()
			return fmt.Errorf("insert %q: %w", key, ErrCacheFull)
		}
	}

	e := &entry[V]{key: key, value: value, lastAccess: time.Now()}
	if pinned {
		e.pins = 1
	}
	c.items[key] = c.order.PushFront(e)
	c.mu.Unlock()

	if evicted != nil {
		c.evictions.Add(1)
		c.emit("eviction")
		c.logger.Debug("evicted", slog.String("key", evicted.key))
		if c.onEvict != nil {
			c.onEvict(evicted.key, evicted.value)
		}
	}
	return nil
}

// evictLocked removes the least recently used unpinned entry.
func (c *Cache[V]) evictLocked() *entry[V] {
	for elem := c.order.Back(); elem != nil; elem = elem.Prev() {
		e := elem.Value.(*entry[V])
		if e.pins > 0 {
			continue
		}
		c.order.Remove(elem)
		delete(c.items, e.key)
		return e
	}
	return nil
}

func (c *Cache[V]) touchLocked(elem *list.Element) {
	elem.Value.(*entry[V]).lastAccess = time.Now()
	c.order.MoveToFront(elem)
}

func (c *Cache[V]) emit(event string) {
	if c.observer != nil {
		c.observer.CacheEvent(c.cfg.Name, event)
	}
}
