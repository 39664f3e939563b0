/*
Copyright 2025 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package breaker

import (
	"context"
	"errors"
	"testing"
	"time"
)

var errStore = errors.New("store blew up")

func newTestBreaker(t *testing.T) *Breaker {
	t.Helper()
	return New(t.Name(), Config{
		FailureThreshold: 3,
		SuccessThreshold: 2,
		RecoveryTimeout:  50 * time.Millisecond,
	})
}

func fail() error    { return errStore }
func succeed() error { return nil }

// trip drives the breaker open with consecutive failures.
func trip(ctx context.Context, t *testing.T, b *Breaker) {
	t.Helper()
	for i := 0; i < 3; i++ {
		if err := b.Do(ctx, fail); !errors.Is(err, errStore) {
			t.Fatalf("Do(fail) = %v, want %v", err, errStore)
		}
	}
}

func TestClosedPassesThrough(t *testing.T) {
	ctx := context.Background()
	b := newTestBreaker(t)

	invoked := false
	if err := b.Do(ctx, func() error { invoked = true; return nil }); err != nil {
		t.Fatalf("Do() = %v", err)
	}
	if !invoked {
		t.Error("op was not invoked")
	}

	// Errors pass through unchanged.
	if err := b.Do(ctx, fail); !errors.Is(err, errStore) {
		t.Errorf("Do(fail) = %v, want the op's error unchanged", err)
	}
}

func TestSuccessResetsFailureCount(t *testing.T) {
	ctx := context.Background()
	b := newTestBreaker(t)

	// Two failures, a success, then two more failures: never reaches the
	// threshold of three consecutive.
	b.Do(ctx, fail) //nolint:errcheck
	b.Do(ctx, fail) //nolint:errcheck
	if err := b.Do(ctx, succeed); err != nil {
		t.Fatalf("Do(succeed) = %v", err)
	}
	b.Do(ctx, fail) //nolint:errcheck
	b.Do(ctx, fail) //nolint:errcheck

	if got := b.State().State; got != "closed" {
		t.Errorf("state = %q, want closed", got)
	}
}

func TestOpensAndFailsFast(t *testing.T) {
	ctx := context.Background()
	b := newTestBreaker(t)
	trip(ctx, t, b)

	if got := b.State().State; got != "open" {
		t.Fatalf("state = %q, want open", got)
	}

	invoked := false
	err := b.Do(ctx, func() error { invoked = true; return nil })
	if !errors.Is(err, ErrOpen) {
		t.Errorf("Do() while open = %v, want ErrOpen", err)
	}
	if invoked {
		t.Error("op was invoked while the breaker was open")
	}

	snap := b.State()
	if snap.LastFailureTime == nil {
		t.Error("snapshot has no last failure time after failures")
	}
}

func TestRecoveryClosesAfterSuccessThreshold(t *testing.T) {
	ctx := context.Background()
	b := newTestBreaker(t)
	trip(ctx, t, b)

	time.Sleep(60 * time.Millisecond)

	// First trial call goes through (half-open).
	invoked := false
	if err := b.Do(ctx, func() error { invoked = true; return nil }); err != nil {
		t.Fatalf("trial Do() = %v", err)
	}
	if !invoked {
		t.Fatal("trial op was not invoked after the recovery timeout")
	}
	if got := b.State().State; got != "half-open" {
		t.Errorf("state after one trial success = %q, want half-open", got)
	}

	// Second consecutive success closes the breaker.
	if err := b.Do(ctx, succeed); err != nil {
		t.Fatalf("Do(succeed) = %v", err)
	}
	if got := b.State().State; got != "closed" {
		t.Errorf("state = %q, want closed", got)
	}
}

func TestHalfOpenFailureReopens(t *testing.T) {
	ctx := context.Background()
	b := newTestBreaker(t)
	trip(ctx, t, b)

	time.Sleep(60 * time.Millisecond)

	if err := b.Do(ctx, fail); !errors.Is(err, errStore) {
		t.Fatalf("trial Do(fail) = %v, want %v", err, errStore)
	}
	if got := b.State().State; got != "open" {
		t.Errorf("state = %q, want open after a half-open failure", got)
	}
	if err := b.Do(ctx, succeed); !errors.Is(err, ErrOpen) {
		t.Errorf("Do() = %v, want ErrOpen", err)
	}
}
