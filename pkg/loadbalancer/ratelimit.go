/*
Copyright 2025 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package loadbalancer

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// sweepInterval bounds how often the limiter walks every client to drop
// stale windows; per-client trimming already happens lazily on each check.
const sweepInterval = 2 * time.Minute

// RateLimiter admits at most cap requests per client within the trailing
// window. A rejected request is a normal control-flow outcome here, not an
// error to log as a failure.
type RateLimiter struct {
	cap    int
	window time.Duration
	clock  clockwork.Clock

	mu        sync.Mutex
	byClient  map[string][]time.Time
	lastSweep time.Time
}

// ClientStatus is the per-client view exposed on the admin surface.
type ClientStatus struct {
	RequestsInWindow  int     `json:"requests_in_window"`
	RequestsRemaining int     `json:"requests_remaining"`
	WindowResetIn     float64 `json:"window_reset_in"`
}

// RateLimiterOption customizes a RateLimiter.
type RateLimiterOption func(*RateLimiter)

// WithClock overrides the limiter's clock. Intended for tests.
func WithClock(c clockwork.Clock) RateLimiterOption {
	return func(rl *RateLimiter) { rl.clock = c }
}

// NewRateLimiter returns a limiter admitting cap requests per window.
func NewRateLimiter(cap int, window time.Duration, opts ...RateLimiterOption) *RateLimiter {
	rl := &RateLimiter{
		cap:      cap,
		window:   window,
		clock:    clockwork.NewRealClock(),
		byClient: make(map[string][]time.Time, 64),
	}
	for _, opt := range opts {
		opt(rl)
	}
	rl.lastSweep = rl.clock.Now()
	return rl
}

// Allow reports whether a request from client is admitted now, recording
// the request timestamp when it is. Timestamps older than the window are
// trimmed lazily on each check.
func (rl *RateLimiter) Allow(client string) bool {
	now := rl.clock.Now()
	cutoff := now.Add(-rl.window)

	rl.mu.Lock()
	defer rl.mu.Unlock()

	stamps := trim(rl.byClient[client], cutoff)
	if len(stamps) >= rl.cap {
		rl.byClient[client] = stamps
		rl.maybeSweepLocked(now, cutoff)
		return false
	}
	rl.byClient[client] = append(stamps, now)
	rl.maybeSweepLocked(now, cutoff)
	return true
}

// Snapshot returns the rate-limit status of every tracked client.
func (rl *RateLimiter) Snapshot() map[string]ClientStatus {
	now := rl.clock.Now()
	cutoff := now.Add(-rl.window)

	rl.mu.Lock()
	defer rl.mu.Unlock()

	out := make(map[string]ClientStatus, len(rl.byClient))
	for client, stamps := range rl.byClient {
		live := 0
		for _, ts := range stamps {
			if ts.After(cutoff) {
				live++
			}
		}
		status := ClientStatus{
			RequestsInWindow:  live,
			RequestsRemaining: max(0, rl.cap-live),
		}
		if len(stamps) > 0 {
			status.WindowResetIn = (rl.window - now.Sub(stamps[0])).Seconds()
		}
		out[client] = status
	}
	return out
}

// ActiveClients returns how many clients currently have a tracked window.
func (rl *RateLimiter) ActiveClients() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.byClient)
}

// Config reports the limiter's configured cap and window.
func (rl *RateLimiter) Config() (int, time.Duration) {
	return rl.cap, rl.window
}

// maybeSweepLocked drops stale timestamps across all clients, and empty
// clients entirely, at most once per sweepInterval. Callers hold rl.mu.
func (rl *RateLimiter) maybeSweepLocked(now time.Time, cutoff time.Time) {
	if now.Sub(rl.lastSweep) < sweepInterval {
		return
	}
	for client, stamps := range rl.byClient {
		stamps = trim(stamps, cutoff)
		if len(stamps) == 0 {
			delete(rl.byClient, client)
			continue
		}
		rl.byClient[client] = stamps
	}
	rl.lastSweep = now
}

// trim drops timestamps at or before cutoff. Timestamps are appended in
// order, so the survivors are a suffix.
func trim(stamps []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for ; i < len(stamps); i++ {
		if stamps[i].After(cutoff) {
			break
		}
	}
	return stamps[i:]
}
