/*
Copyright 2025 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Package dbpool provides a fixed-size pool of pre-established store
// connections. Borrowing blocks up to a configurable timeout when every
// connection is in use, and release is unconditional on every exit path,
// so a panicking caller cannot leak a slot.
package dbpool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/chainguard-dev/clog"
)

// ErrPoolExhausted indicates every pooled connection was in use for the
// entire borrow timeout.
var ErrPoolExhausted = errors.New("connection pool exhausted: all connections in use")

// DialFunc establishes a new connection of type C.
type DialFunc[C any] func(ctx context.Context) (C, error)

// CloseFunc tears down a connection of type C.
type CloseFunc[C any] func(ctx context.Context, conn C) error

// AliveFunc reports whether a pooled connection is still usable. It must be
// cheap; it runs on every borrow.
type AliveFunc[C any] func(conn C) bool

// Pool is a bounded pool of connections of type C.
type Pool[C any] struct {
	conns chan C

	size          int
	borrowTimeout time.Duration
	dial          DialFunc[C]
	close         CloseFunc[C]
	alive         AliveFunc[C]

	mu     sync.Mutex
	active int
}

// Option customizes a Pool.
type Option[C any] func(*Pool[C])

// WithLiveness installs a borrow-time liveness check. A connection that fails
// the check is closed and replaced through the dialer before being handed to
// the caller, so a store restart heals without a process restart.
func WithLiveness[C any](alive AliveFunc[C]) Option[C] {
	return func(p *Pool[C]) { p.alive = alive }
}

// Stats is a point-in-time snapshot of pool occupancy.
type Stats struct {
	Size      int `json:"max_connections"`
	Active    int `json:"active_connections"`
	Available int `json:"available_connections"`
}

// New creates a pool and pre-establishes size connections. A dial failure
// during warm-up is logged and the slot is left unfilled; the pool is still
// usable with whatever connections succeeded, provided at least one did.
func New[C any](ctx context.Context, size int, borrowTimeout time.Duration, dial DialFunc[C], close CloseFunc[C], opts ...Option[C]) (*Pool[C], error) {
	if size <= 0 {
		return nil, fmt.Errorf("pool size must be positive, got %d", size)
	}
	p := &Pool[C]{
		conns:         make(chan C, size),
		size:          size,
		borrowTimeout: borrowTimeout,
		dial:          dial,
		close:         close,
	}
	for _, opt := range opts {
		opt(p)
	}
	established := 0
	for i := 0; i < size; i++ {
		conn, err := dial(ctx)
		if err != nil {
			clog.WarnContextf(ctx, "failed to establish pooled connection %d/%d: %v", i+1, size, err)
			continue
		}
		p.conns <- conn
		established++
	}
	if established == 0 {
		return nil, fmt.Errorf("failed to establish any of %d pooled connections", size)
	}
	return p, nil
}

// WithConn borrows a connection, invokes fn with it, and returns the
// connection to the pool. The connection is returned even when fn returns an
// error or panics. If no connection becomes available within the borrow
// timeout, WithConn returns ErrPoolExhausted without invoking fn. With a
// liveness check installed, a dead borrowed connection is closed and replaced
// through the dialer before fn runs.
func (p *Pool[C]) WithConn(ctx context.Context, fn func(conn C) error) error {
	timer := time.NewTimer(p.borrowTimeout)
	defer timer.Stop()

	var conn C
	select {
	case conn = <-p.conns:
	case <-timer.C:
		return ErrPoolExhausted
	case <-ctx.Done():
		return ctx.Err()
	}

	if p.alive != nil && !p.alive(conn) {
		fresh, err := p.replace(ctx, conn)
		if err != nil {
			return err
		}
		conn = fresh
	}

	p.mu.Lock()
	p.active++
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		p.active--
		p.mu.Unlock()
		p.conns <- conn
	}()

	return fn(conn)
}

// replace closes a dead borrowed connection and dials its successor. When
// the dial fails, the dead connection goes back into the pool so the slot is
// not lost; a later borrow retries the replacement.
func (p *Pool[C]) replace(ctx context.Context, dead C) (C, error) {
	if err := p.close(ctx, dead); err != nil {
		clog.WarnContextf(ctx, "closing dead pooled connection: %v", err)
	}
	fresh, err := p.dial(ctx)
	if err != nil {
		p.conns <- dead
		var zero C
		return zero, fmt.Errorf("replacing dead pooled connection: %w", err)
	}
	clog.InfoContextf(ctx, "replaced dead pooled connection")
	return fresh, nil
}

// Stats reports current pool occupancy.
func (p *Pool[C]) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Size:      p.size,
		Active:    p.active,
		Available: len(p.conns),
	}
}

// Close drains the pool and closes every idle connection. Borrowed
// connections are closed as they are returned only if callers stop using the
// pool; Close does not wait for them.
func (p *Pool[C]) Close(ctx context.Context) error {
	var errs []error
	for {
		select {
		case conn := <-p.conns:
			if err := p.close(ctx, conn); err != nil {
				errs = append(errs, err)
			}
		default:
			return errors.Join(errs...)
		}
	}
}
