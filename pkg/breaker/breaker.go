/*
Copyright 2025 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Package breaker wraps store operations in a circuit breaker so that a
// struggling database fails fast instead of queueing ever more work behind
// it. The policy is consecutive-failure based: FailureThreshold consecutive
// failures open the circuit, the open state lasts RecoveryTimeout (checked
// lazily on the next call), and SuccessThreshold consecutive half-open
// successes close it again. A single half-open failure reopens immediately.
package breaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/chainguard-dev/clog"
	"github.com/sony/gobreaker"
)

// ErrOpen indicates the breaker is open and the wrapped operation was not
// invoked.
var ErrOpen = errors.New("circuit breaker is open: store operations are failing")

// Config holds the breaker thresholds.
type Config struct {
	FailureThreshold uint32        `env:"BREAKER_FAILURE_THRESHOLD, default=5"`
	SuccessThreshold uint32        `env:"BREAKER_SUCCESS_THRESHOLD, default=3"`
	RecoveryTimeout  time.Duration `env:"BREAKER_RECOVERY_TIMEOUT, default=60s"`
}

// Breaker is a process-wide circuit breaker instance. Construct one at the
// composition root and share it by reference between everything touching the
// same store.
type Breaker struct {
	cb *gobreaker.CircuitBreaker

	mu          sync.Mutex
	lastFailure time.Time
}

// Snapshot is a point-in-time view of breaker state.
type Snapshot struct {
	State           string     `json:"state"`
	FailureCount    uint32     `json:"failure_count"`
	SuccessCount    uint32     `json:"success_count"`
	LastFailureTime *time.Time `json:"last_failure_time,omitempty"`
}

// New constructs a Breaker with the given policy.
func New(name string, cfg Config) *Breaker {
	b := &Breaker{}
	b.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name: name,
		// In half-open, gobreaker admits up to MaxRequests trial calls and
		// closes once that many consecutive successes are observed, which is
		// exactly the SuccessThreshold semantic we want.
		MaxRequests: cfg.SuccessThreshold,
		Timeout:     cfg.RecoveryTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			clog.Infof("circuit breaker %q: %s -> %s", name, from, to)
		},
	})
	return b
}

// Do invokes op under breaker protection. When the breaker is open and the
// recovery timeout has not yet elapsed, Do returns ErrOpen without invoking
// op. Errors returned by op are recorded as failures and returned unchanged.
func (b *Breaker) Do(ctx context.Context, op func() error) error {
	_, err := b.cb.Execute(func() (any, error) {
		if err := op(); err != nil {
			b.mu.Lock()
			b.lastFailure = time.Now()
			b.mu.Unlock()
			return nil, err
		}
		return nil, nil
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		clog.DebugContextf(ctx, "circuit breaker rejected call: %v", err)
		return ErrOpen
	}
	return err
}

// State returns a snapshot of the breaker's counters.
func (b *Breaker) State() Snapshot {
	counts := b.cb.Counts()
	s := Snapshot{
		State:        b.cb.State().String(),
		FailureCount: counts.ConsecutiveFailures,
		SuccessCount: counts.ConsecutiveSuccesses,
	}
	b.mu.Lock()
	if !b.lastFailure.IsZero() {
		t := b.lastFailure
		s.LastFailureTime = &t
	}
	b.mu.Unlock()
	return s
}
