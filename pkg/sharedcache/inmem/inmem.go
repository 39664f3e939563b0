/*
Copyright 2025 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Package inmem implements sharedcache.Backend in process memory, for tests
// and local development. A per-process cache is not shared across replicas.
package inmem

import (
	"context"
	"sync"
	"time"

	"github.com/chainguard-dev/hashwork/pkg/sharedcache"
)

type entry struct {
	value        string
	expiresAt    time.Time
	createdAt    time.Time
	accessCount  int64
	lastAccessed time.Time
}

// Backend implements sharedcache.Backend.
type Backend struct {
	mu      sync.Mutex
	entries map[string]*entry
}

var _ sharedcache.Backend = (*Backend)(nil)

// NewBackend returns an empty in-memory backend.
func NewBackend() *Backend {
	return &Backend{entries: make(map[string]*entry, 16)}
}

// Lookup implements sharedcache.Backend.
func (b *Backend) Lookup(_ context.Context, key string, now time.Time) (string, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.entries[key]
	if !ok {
		return "", false, nil
	}
	if !e.expiresAt.After(now) {
		delete(b.entries, key)
		return "", false, nil
	}
	e.accessCount++
	e.lastAccessed = now
	return e.value, true, nil
}

// Store implements sharedcache.Backend.
func (b *Backend) Store(_ context.Context, key, value string, now, expiresAt time.Time) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries[key] = &entry{
		value:        value,
		expiresAt:    expiresAt,
		createdAt:    now,
		accessCount:  1,
		lastAccessed: now,
	}
	return nil
}

// DeleteExpired implements sharedcache.Backend.
func (b *Backend) DeleteExpired(_ context.Context, now time.Time) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var n int64
	for k, e := range b.entries {
		if !e.expiresAt.After(now) {
			delete(b.entries, k)
			n++
		}
	}
	return n, nil
}

// DeleteAll implements sharedcache.Backend.
func (b *Backend) DeleteAll(context.Context) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := int64(len(b.entries))
	b.entries = make(map[string]*entry, 16)
	return n, nil
}

// Count implements sharedcache.Backend.
func (b *Backend) Count(_ context.Context, now time.Time) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var n int64
	for _, e := range b.entries {
		if e.expiresAt.After(now) {
			n++
		}
	}
	return n, nil
}
