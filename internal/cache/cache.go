// Package cache implements the TTL-aware response cache (spec §4.3):
// a mapping from a normalized query (the zero-TID wire bytes) to the
// zero-TID wire bytes of the response it produced, with a live-get
// path and an expired-entry fallback path for use when the upstream is
// unreachable.
//
// The eviction policy is a two-tier LRU+MFA heap, promoting entries
// that are accessed often into a most-frequently-accessed store so a
// handful of popular names survive a flood of one-off lookups. A
// response's liveness is not layered on top as an opaque payload: the
// store's own entry type carries the wire bytes, insertion time and
// TTL directly, so a lookup can decide hit/miss/expired in one pass.
package cache

import (
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// maxsize bounds cache capacity to what fits in an int on this architecture.
const maxsize = ^uint(0) >> 1

// Cache is the TTL-indexed response cache. A Cache with capacity 0
// (constructed via New(0, ...)) disables caching entirely: every Get
// misses and every Put is a no-op, matching spec §4.3's "capacity zero
// disables the cache" rule. The zero value is not usable; construct
// with New. A nil *Cache is itself a valid, permanently-disabled cache
// so callers never need to branch on whether caching is enabled.
type Cache struct {
	mu sync.Mutex
	// lru tracks most-recently-accessed entries.
	lru *store
	// mfa tracks most-frequently-accessed entries.
	mfa *store
	// t is the logical clock driving the heaps' access ordering.
	t uint
	// logicalNow overrides the built-in logical clock, for tests.
	logicalNow func() uint
	// m collects hit/miss/eviction metrics for the debug endpoint.
	m metrics
	// now overrides the wall clock used for TTL liveness checks, for tests.
	now func() time.Time
}

// New constructs a Cache with the given fixed capacity. capacity <= 0
// returns a nil *Cache: every method below treats a nil receiver as an
// always-miss, always-discard cache. capacity == 1 is rejected because
// the LRU/MFA split needs at least one slot per store. evictMetrics
// enables tracking of recently-evicted keys for the debug endpoint.
func New(capacity int, evictMetrics bool) (*Cache, error) {
	if capacity <= 0 {
		return nil, nil
	}
	if capacity < 2 {
		return nil, fmt.Errorf("cache: capacity < 2 not supported, %d provided", capacity)
	}
	if uint(capacity) > maxsize {
		return nil, fmt.Errorf("cache: capacity(%d) above supported limit(%d)", capacity, maxsize)
	}
	return &Cache{
		lru: newStore(capacity/2, byTime),
		mfa: newStore(capacity/2+capacity%2, byAccesses),
		m:   newMetrics(capacity, evictMetrics),
		now: time.Now,
	}, nil
}

// Get returns the cached response only if the entry is still live.
func (c *Cache) Get(key string) ([]byte, bool) {
	if c == nil {
		return nil, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.lookup(key)
	if !ok {
		return nil, false
	}
	if !e.live(c.now()) {
		log.Debugf("[CACHE] MISS (expired) %q", key)
		return nil, false
	}
	log.Debugf("[CACHE] HIT %q", key)
	return e.wire, true
}

// GetExpiredFallback returns the cached response regardless of expiry.
// It must only be consulted from the FALLBACK_LOOKUP state, after the
// upstream has already been exhausted.
func (c *Cache) GetExpiredFallback(key string) ([]byte, bool) {
	if c == nil {
		return nil, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.lookup(key)
	if !ok {
		log.Debugf("[CACHE] fallback MISS %q", key)
		return nil, false
	}
	log.Debugf("[CACHE] fallback HIT %q (live=%v)", key, e.live(c.now()))
	return e.wire, true
}

// lookup is the shared MFA-then-LRU probe, recording hit/miss metrics
// exactly once per call regardless of which store (or neither)
// answers. Callers decide what liveness means for their own purpose.
func (c *Cache) lookup(key string) (entry, bool) {
	t := c.logicalTime()
	if e, ok := c.mfa.get(t, key); ok {
		c.m.hitMFA()
		return e, true
	}
	c.m.missMFA()
	if e, ok := c.lru.get(t, key); ok {
		c.m.hitLRU()
		return e, true
	}
	c.m.missLRU()
	c.m.miss(key)
	return entry{}, false
}

// Put inserts a response into the LRU store. An entry pushed out of a
// full LRU store moves into the MFA store when that store has a free
// slot, or when it has more accesses than the MFA store's least-accessed
// entry; an overflowed entry with fewer accesses than every MFA entry
// is evicted.
func (c *Cache) Put(key string, wire []byte, ttl time.Duration) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.logicalTime()
	insertedAt := c.now()
	log.Debugf("[CACHE] PUT %q ttl=%s", key, ttl)

	if c.mfa.update(t, key, wire, insertedAt, ttl) {
		return
	}
	if c.lru.update(t, key, wire, insertedAt, ttl) {
		return
	}
	lruovf := c.lru.put(t, key, wire, insertedAt, ttl, 1)
	if lruovf.wire == nil {
		return
	}
	if c.mfa.Len() < c.mfa.cap() {
		c.mfa.put(t, lruovf.key, lruovf.wire, lruovf.insertedAt, lruovf.ttl, lruovf.a)
		return
	}
	if c.mfa.peek().a > lruovf.a ||
		c.mfa.peek().a == lruovf.a && c.mfa.peek().t < lruovf.t {
		c.m.evict(lruovf.key)
		return
	}
	mfaovf := c.mfa.put(t, lruovf.key, lruovf.wire, lruovf.insertedAt, lruovf.ttl, lruovf.a)
	if mfaovf.wire == nil {
		return
	}
	if c.lru.Len() <= 0 || c.lru.peek().a >= mfaovf.a {
		c.m.evict(mfaovf.key)
		return
	}
	lruovf = c.lru.put(t, mfaovf.key, mfaovf.wire, mfaovf.insertedAt, mfaovf.ttl, 1)
	if lruovf.wire == nil {
		return
	}
	c.m.evict(lruovf.key)
}

func (c *Cache) logicalTime() uint {
	if c.logicalNow != nil {
		return c.logicalNow()
	}
	c.t++
	if c.t == 0 {
		c.t = c.lru.reset(c.t)
		c.t = c.mfa.reset(c.t)
	}
	return c.t
}

// Len reports the number of entries currently stored.
func (c *Cache) Len() int {
	if c == nil {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len() + c.mfa.Len()
}

// Cap reports the maximum number of entries the cache can hold.
func (c *Cache) Cap() int {
	if c == nil {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.cap() + c.mfa.cap()
}

// Metrics reports the underlying store's hit/miss counters.
func (c *Cache) Metrics() Metrics {
	if c == nil {
		return Metrics{}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.m.Metrics
}
