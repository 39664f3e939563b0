/*
Copyright 2025 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Package dblimit wraps connection establishment against the store's own
// hard connection ceiling. Postgres refuses connections past max_connections
// with SQLSTATE 53300; when many independent processes dial at once the only
// sane response is to back off and retry, not to hammer the server harder.
package dblimit

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/chainguard-dev/clog"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// sqlstateTooManyConnections is the class 53 "insufficient resources" code
// Postgres returns when max_connections (or a per-role limit) is exceeded.
const sqlstateTooManyConnections = "53300"

// LimitError indicates the store's connection ceiling was still being hit
// after exhausting every retry attempt.
type LimitError struct {
	Host     string
	User     string
	Attempts int
}

func (e *LimitError) Error() string {
	return fmt.Sprintf("connection limit exceeded for %s@%s after %d attempts", e.User, e.Host, e.Attempts)
}

// Dialer establishes pgx connections with bounded, jittered retries.
type Dialer struct {
	connString string
	host       string
	user       string

	maxRetries  int
	baseBackoff time.Duration

	// connect and sleep are swapped out by tests.
	connect func(ctx context.Context, connString string) (*pgx.Conn, error)
	sleep   func(ctx context.Context, d time.Duration) error
}

// New returns a Dialer for the given connection string. maxRetries is the
// total number of dial attempts; baseBackoff is the unit of the exponential
// backoff applied between ceiling-limited attempts.
func New(connString string, maxRetries int, baseBackoff time.Duration) (*Dialer, error) {
	cfg, err := pgx.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("parsing connection string: %w", err)
	}
	return &Dialer{
		connString:  connString,
		host:        cfg.Host,
		user:        cfg.User,
		maxRetries:  maxRetries,
		baseBackoff: baseBackoff,
		connect:     pgx.Connect,
		sleep:       sleepCtx,
	}, nil
}

// Dial attempts to establish a connection, retrying with exponential backoff
// plus jitter when the store reports its connection ceiling, and with a
// shorter flat backoff for any other dial error. After the final attempt it
// returns a *LimitError for ceiling errors, or the last error otherwise.
func (d *Dialer) Dial(ctx context.Context) (*pgx.Conn, error) {
	var lastErr error
	for attempt := 0; attempt < d.maxRetries; attempt++ {
		conn, err := d.connect(ctx, d.connString)
		if err == nil {
			if attempt > 0 {
				clog.InfoContextf(ctx, "connected to %s on attempt %d", d.host, attempt+1)
			}
			return conn, nil
		}
		lastErr = err

		if isConnectionLimit(err) {
			clog.WarnContextf(ctx, "connection limit reached for %s@%s (attempt %d/%d)",
				d.user, d.host, attempt+1, d.maxRetries)
			if attempt < d.maxRetries-1 {
				backoff := d.baseBackoff*(1<<attempt) + jitter()
				if serr := d.sleep(ctx, backoff); serr != nil {
					return nil, serr
				}
				continue
			}
			return nil, &LimitError{Host: d.host, User: d.user, Attempts: d.maxRetries}
		}

		clog.WarnContextf(ctx, "dial error for %s (attempt %d/%d): %v", d.host, attempt+1, d.maxRetries, err)
		if attempt < d.maxRetries-1 {
			if serr := d.sleep(ctx, d.baseBackoff+jitter()); serr != nil {
				return nil, serr
			}
		}
	}
	return nil, fmt.Errorf("connecting to %s after %d attempts: %w", d.host, d.maxRetries, lastErr)
}

// Close tears down a connection established by Dial. The signature matches
// what dbpool expects for its CloseFunc.
func (d *Dialer) Close(ctx context.Context, conn *pgx.Conn) error {
	return conn.Close(ctx)
}

// Alive reports whether a connection established by Dial is still usable.
// The signature matches what dbpool expects for its AliveFunc.
func (d *Dialer) Alive(conn *pgx.Conn) bool {
	return conn != nil && !conn.IsClosed()
}

func isConnectionLimit(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == sqlstateTooManyConnections {
		return true
	}
	// Some proxies and older servers only surface the message text.
	return strings.Contains(strings.ToLower(err.Error()), "too many connections")
}

func jitter() time.Duration {
	return time.Duration(rand.Float64() * float64(time.Second))
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
