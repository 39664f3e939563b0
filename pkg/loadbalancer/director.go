/*
Copyright 2025 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Package loadbalancer routes inbound requests across a fixed set of API
// replicas with a runtime-selectable strategy, and applies a per-client
// sliding-window rate limit ahead of everything else.
package loadbalancer

import (
	"errors"
	"fmt"
	"sync"
)

// Strategy names accepted by the administrative surface. Exactly these two
// are valid; anything else is rejected with ErrInvalidStrategy.
const (
	RoundRobin       = "round_robin"
	LeastConnections = "least_connections"
)

// ErrInvalidStrategy indicates a strategy-change request named something
// other than the two supported strategies.
var ErrInvalidStrategy = errors.New(`invalid strategy: must be "round_robin" or "least_connections"`)

// Director selects a backend per request. Its only state is in-memory: the
// round-robin cursor and the least-connections counters, both guarded by one
// lock held only across the selection decision, never across the proxied
// network call.
type Director struct {
	backends []string

	mu       sync.Mutex
	strategy string
	next     int
	conns    map[string]int
}

// NewDirector builds a Director over the given backends.
func NewDirector(backends []string, strategy string) (*Director, error) {
	if len(backends) == 0 {
		return nil, errors.New("no backends configured")
	}
	if strategy != RoundRobin && strategy != LeastConnections {
		return nil, fmt.Errorf("%w (got %q)", ErrInvalidStrategy, strategy)
	}
	conns := make(map[string]int, len(backends))
	for _, b := range backends {
		conns[b] = 0
	}
	return &Director{
		backends: backends,
		strategy: strategy,
		conns:    conns,
	}, nil
}

// Pick selects a backend and returns it with a release func. Under
// least_connections the selection and the counter increment happen as one
// atomic step; splitting them would let two concurrent requests both observe
// the same minimum and overshoot it. The release func decrements the counter
// exactly once, regardless of how the proxied call ends.
func (d *Director) Pick() (string, func()) {
	d.mu.Lock()
	defer d.mu.Unlock()

	var backend string
	switch d.strategy {
	case LeastConnections:
		for _, b := range d.backends {
			if backend == "" || d.conns[b] < d.conns[backend] {
				backend = b
			}
		}
		d.conns[backend]++
	default: // round_robin
		backend = d.backends[d.next%len(d.backends)]
		d.next++
	}

	counted := d.strategy == LeastConnections
	var once sync.Once
	release := func() {
		once.Do(func() {
			if !counted {
				return
			}
			d.mu.Lock()
			defer d.mu.Unlock()
			if d.conns[backend] > 0 {
				d.conns[backend]--
			}
		})
	}
	return backend, release
}

// SetStrategy switches the routing strategy, returning the previous one.
// Switching to least_connections resets the counters so stale counts from a
// prior stint cannot skew selection.
func (d *Director) SetStrategy(strategy string) (string, error) {
	if strategy != RoundRobin && strategy != LeastConnections {
		return "", fmt.Errorf("%w (got %q)", ErrInvalidStrategy, strategy)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	old := d.strategy
	d.strategy = strategy
	if strategy == LeastConnections {
		for _, b := range d.backends {
			d.conns[b] = 0
		}
	}
	return old, nil
}

// Strategy returns the current strategy name.
func (d *Director) Strategy() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.strategy
}

// Backends returns the configured backend list.
func (d *Director) Backends() []string {
	return d.backends
}

// Connections returns a copy of the per-backend outstanding-request
// counters, or nil when the current strategy does not track them.
func (d *Director) Connections() map[string]int {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.strategy != LeastConnections {
		return nil
	}
	out := make(map[string]int, len(d.conns))
	for b, n := range d.conns {
		out[b] = n
	}
	return out
}
