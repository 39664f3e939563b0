/*
Copyright 2025 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Package postgres implements sharedcache.Backend on the cache_entries
// table, so every replica sees the same cache. Access goes through the same
// bounded pool and circuit breaker as the job store.
package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/chainguard-dev/hashwork/pkg/breaker"
	"github.com/chainguard-dev/hashwork/pkg/dbpool"
	"github.com/chainguard-dev/hashwork/pkg/sharedcache"
)

// Backend implements sharedcache.Backend.
type Backend struct {
	pool *dbpool.Pool[*pgx.Conn]
	cb   *breaker.Breaker
}

var _ sharedcache.Backend = (*Backend)(nil)

// NewBackend returns a Backend over the given pool and breaker.
func NewBackend(pool *dbpool.Pool[*pgx.Conn], cb *breaker.Breaker) *Backend {
	return &Backend{pool: pool, cb: cb}
}

func (b *Backend) do(ctx context.Context, fn func(conn *pgx.Conn) error) error {
	return b.cb.Do(ctx, func() error {
		return b.pool.WithConn(ctx, fn)
	})
}

// Lookup implements sharedcache.Backend.
func (b *Backend) Lookup(ctx context.Context, key string, now time.Time) (string, bool, error) {
	var (
		value string
		found bool
	)
	err := b.do(ctx, func(conn *pgx.Conn) error {
		err := conn.QueryRow(ctx, `
			UPDATE cache_entries
			SET access_count = access_count + 1, last_accessed = $2
			WHERE cache_key = $1 AND expires_at > $2
			RETURNING value_data`,
			key, now).Scan(&value)
		if errors.Is(err, pgx.ErrNoRows) {
			// Absent or expired; delete the stale row if it is the latter.
			_, derr := conn.Exec(ctx, `
				DELETE FROM cache_entries
				WHERE cache_key = $1 AND expires_at <= $2`,
				key, now)
			return derr
		} else if err != nil {
			return err
		}
		found = true
		return nil
	})
	if err != nil {
		return "", false, err
	}
	return value, found, nil
}

// Store implements sharedcache.Backend.
func (b *Backend) Store(ctx context.Context, key, value string, now, expiresAt time.Time) error {
	return b.do(ctx, func(conn *pgx.Conn) error {
		_, err := conn.Exec(ctx, `
			INSERT INTO cache_entries (cache_key, value_data, expires_at, created_at, access_count, last_accessed)
			VALUES ($1, $2, $3, $4, 1, $4)
			ON CONFLICT (cache_key) DO UPDATE SET
				value_data = EXCLUDED.value_data,
				expires_at = EXCLUDED.expires_at,
				access_count = 1,
				last_accessed = EXCLUDED.last_accessed`,
			key, value, expiresAt, now)
		return err
	})
}

// DeleteExpired implements sharedcache.Backend.
func (b *Backend) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	var n int64
	err := b.do(ctx, func(conn *pgx.Conn) error {
		tag, err := conn.Exec(ctx, `DELETE FROM cache_entries WHERE expires_at <= $1`, now)
		if err != nil {
			return err
		}
		n = tag.RowsAffected()
		return nil
	})
	return n, err
}

// DeleteAll implements sharedcache.Backend.
func (b *Backend) DeleteAll(ctx context.Context) (int64, error) {
	var n int64
	err := b.do(ctx, func(conn *pgx.Conn) error {
		tag, err := conn.Exec(ctx, `DELETE FROM cache_entries`)
		if err != nil {
			return err
		}
		n = tag.RowsAffected()
		return nil
	})
	return n, err
}

// Count implements sharedcache.Backend.
func (b *Backend) Count(ctx context.Context, now time.Time) (int64, error) {
	var n int64
	err := b.do(ctx, func(conn *pgx.Conn) error {
		return conn.QueryRow(ctx, `
			SELECT COUNT(*) FROM cache_entries WHERE expires_at > $1`, now).Scan(&n)
	})
	return n, err
}
