/*
Copyright 2025 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Package sharedcache implements the TTL cache every API replica shares
// through the durable store. The cache is purely an optimization: every
// failure path degrades to a miss or a no-op, and correctness never depends
// on a cache read succeeding.
package sharedcache

import (
	"context"
	"crypto/md5" //nolint:gosec // fingerprint, not a security control
	"encoding/hex"
	"encoding/json"
	"sync"
	"time"

	"github.com/chainguard-dev/clog"
	"github.com/jonboulle/clockwork"
)

// sweepEvery is the set cadence at which expired rows are swept in bulk.
const sweepEvery = 100

// Backend is the storage contract for cache entries. Implementations exist
// for postgres (shared across replicas) and in-memory (tests and local
// development).
type Backend interface {
	// Lookup returns the live entry for key and bumps its access counters.
	// An expired entry counts as absent, and the stale row is deleted as a
	// side effect of observing it.
	Lookup(ctx context.Context, key string, now time.Time) (value string, found bool, err error)

	// Store upserts the entry with a fresh expiry, resetting access_count.
	Store(ctx context.Context, key, value string, now, expiresAt time.Time) error

	// DeleteExpired removes every expired entry, returning how many.
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)

	// DeleteAll removes every entry, returning how many.
	DeleteAll(ctx context.Context) (int64, error)

	// Count returns the number of live (non-expired) entries.
	Count(ctx context.Context, now time.Time) (int64, error)
}

// Stats is the cache's counter snapshot.
type Stats struct {
	Hits          int64   `json:"hits"`
	Misses        int64   `json:"misses"`
	Sets          int64   `json:"sets"`
	Evictions     int64   `json:"evictions"`
	HitRate       float64 `json:"hit_rate_percent"`
	TotalRequests int64   `json:"total_requests"`
	CurrentSize   int64   `json:"current_size"`
}

// Cache is a process-wide instance; construct one at the composition root
// and pass it by reference.
type Cache struct {
	backend    Backend
	defaultTTL time.Duration
	// maxSize is a configured hint only. Eviction is TTL-based; nothing
	// enforces this as a hard bound.
	maxSize int
	clock   clockwork.Clock

	// mu guards the counters only, never backend I/O.
	mu        sync.Mutex
	hits      int64
	misses    int64
	sets      int64
	evictions int64
}

// Option customizes a Cache.
type Option func(*Cache)

// WithClock overrides the cache's clock. Intended for tests.
func WithClock(c clockwork.Clock) Option {
	return func(sc *Cache) { sc.clock = c }
}

// New constructs a Cache over the given backend.
func New(backend Backend, defaultTTL time.Duration, maxSize int, opts ...Option) *Cache {
	sc := &Cache{
		backend:    backend,
		defaultTTL: defaultTTL,
		maxSize:    maxSize,
		clock:      clockwork.NewRealClock(),
	}
	for _, opt := range opts {
		opt(sc)
	}
	return sc
}

// fingerprint derives the stable storage key for a logical key.
func fingerprint(key string) string {
	sum := md5.Sum([]byte(key)) //nolint:gosec
	return hex.EncodeToString(sum[:])
}

// Get returns the cached value for key. Absent, expired, unreadable, and
// undecodable entries all count as a miss and return (nil, false).
func (sc *Cache) Get(ctx context.Context, key string) (json.RawMessage, bool) {
	value, found, err := sc.backend.Lookup(ctx, fingerprint(key), sc.clock.Now())
	if err != nil {
		clog.WarnContextf(ctx, "cache lookup for %q: %v", key, err)
		sc.miss()
		return nil, false
	}
	if !found {
		sc.miss()
		return nil, false
	}
	raw := json.RawMessage(value)
	if !json.Valid(raw) {
		// A corrupt entry degrades to a miss rather than propagating.
		sc.miss()
		return nil, false
	}
	sc.mu.Lock()
	sc.hits++
	sc.mu.Unlock()
	mHits.Inc()
	return raw, true
}

// Set serializes value and stores it under key with the given TTL
// (defaultTTL when ttl <= 0). It returns false, without mutating storage,
// when value cannot be serialized or the write fails. Every sweepEvery-th
// set sweeps expired rows in bulk.
func (sc *Cache) Set(ctx context.Context, key string, value any, ttl time.Duration) bool {
	encoded, err := json.Marshal(value)
	if err != nil {
		clog.WarnContextf(ctx, "cache set for %q: cannot serialize: %v", key, err)
		return false
	}
	if ttl <= 0 {
		ttl = sc.defaultTTL
	}
	now := sc.clock.Now()
	if err := sc.backend.Store(ctx, fingerprint(key), string(encoded), now, now.Add(ttl)); err != nil {
		clog.WarnContextf(ctx, "cache set for %q: %v", key, err)
		return false
	}

	sc.mu.Lock()
	sc.sets++
	sets := sc.sets
	sc.mu.Unlock()
	mSets.Inc()

	if sets%sweepEvery == 0 {
		sc.sweep(ctx)
	}
	return true
}

// Clear deletes all entries, counting them as evictions.
func (sc *Cache) Clear(ctx context.Context) {
	n, err := sc.backend.DeleteAll(ctx)
	if err != nil {
		clog.WarnContextf(ctx, "cache clear: %v", err)
		return
	}
	sc.evict(n)
}

// Size returns the number of live entries.
func (sc *Cache) Size(ctx context.Context) int64 {
	n, err := sc.backend.Count(ctx, sc.clock.Now())
	if err != nil {
		clog.WarnContextf(ctx, "cache size: %v", err)
		return 0
	}
	return n
}

// Stats returns a snapshot of the cache counters, including a derived hit
// rate and the current live entry count.
func (sc *Cache) Stats(ctx context.Context) Stats {
	sc.mu.Lock()
	s := Stats{
		Hits:      sc.hits,
		Misses:    sc.misses,
		Sets:      sc.sets,
		Evictions: sc.evictions,
	}
	sc.mu.Unlock()
	s.TotalRequests = s.Hits + s.Misses
	if s.TotalRequests > 0 {
		s.HitRate = float64(s.Hits) / float64(s.TotalRequests) * 100
	}
	s.CurrentSize = sc.Size(ctx)
	return s
}

func (sc *Cache) sweep(ctx context.Context) {
	n, err := sc.backend.DeleteExpired(ctx, sc.clock.Now())
	if err != nil {
		clog.WarnContextf(ctx, "cache sweep: %v", err)
		return
	}
	if n > 0 {
		clog.InfoContextf(ctx, "cache sweep removed %d expired entries", n)
		sc.evict(n)
	}
}

func (sc *Cache) miss() {
	sc.mu.Lock()
	sc.misses++
	sc.mu.Unlock()
	mMisses.Inc()
}

func (sc *Cache) evict(n int64) {
	sc.mu.Lock()
	sc.evictions += n
	sc.mu.Unlock()
	mEvictions.Add(float64(n))
}
