/*
Copyright 2025 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package loadbalancer

import (
	"errors"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
)

var testBackends = []string{"http://app1:8000", "http://app2:8000", "http://app3:8000"}

func TestRoundRobinCycles(t *testing.T) {
	d, err := NewDirector(testBackends, RoundRobin)
	if err != nil {
		t.Fatalf("NewDirector() = %v", err)
	}

	got := make([]string, 0, 6)
	for i := 0; i < 6; i++ {
		backend, release := d.Pick()
		release()
		got = append(got, backend)
	}
	want := append(append([]string{}, testBackends...), testBackends...)
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Pick() sequence (-want, +got):\n%s", diff)
	}
}

func TestLeastConnectionsPicksMinimum(t *testing.T) {
	d, err := NewDirector(testBackends, LeastConnections)
	if err != nil {
		t.Fatalf("NewDirector() = %v", err)
	}

	// Hold two connections on whatever gets picked; the third pick must be
	// the remaining idle backend.
	b1, r1 := d.Pick()
	b2, r2 := d.Pick()
	if b1 == b2 {
		t.Errorf("consecutive picks with all-idle backends returned %q twice", b1)
	}
	b3, r3 := d.Pick()
	if b3 == b1 || b3 == b2 {
		t.Errorf("third pick = %q, want the idle backend", b3)
	}

	// Releasing b1 makes it the unique minimum again.
	r1()
	b4, r4 := d.Pick()
	if b4 != b1 {
		t.Errorf("pick after release = %q, want %q", b4, b1)
	}
	r2()
	r3()
	r4()

	for b, n := range d.Connections() {
		if n != 0 {
			t.Errorf("backend %q counter = %d after all releases, want 0", b, n)
		}
	}
}

// TestLeastConnectionsInvariant hammers Pick/release concurrently and then
// checks every counter returned to zero: each release ran exactly once.
func TestLeastConnectionsInvariant(t *testing.T) {
	d, err := NewDirector(testBackends, LeastConnections)
	if err != nil {
		t.Fatalf("NewDirector() = %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, release := d.Pick()
			release()
			release() // double release must not double-decrement
		}()
	}
	wg.Wait()

	for b, n := range d.Connections() {
		if n != 0 {
			t.Errorf("backend %q counter = %d, want 0", b, n)
		}
	}
}

func TestSetStrategy(t *testing.T) {
	d, err := NewDirector(testBackends, RoundRobin)
	if err != nil {
		t.Fatalf("NewDirector() = %v", err)
	}

	old, err := d.SetStrategy(LeastConnections)
	if err != nil {
		t.Fatalf("SetStrategy() = %v", err)
	}
	if old != RoundRobin {
		t.Errorf("old strategy = %q, want round_robin", old)
	}
	if got := d.Strategy(); got != LeastConnections {
		t.Errorf("Strategy() = %q, want least_connections", got)
	}

	if _, err := d.SetStrategy("random"); !errors.Is(err, ErrInvalidStrategy) {
		t.Errorf("SetStrategy(random) = %v, want ErrInvalidStrategy", err)
	}
}

func TestConnectionsNilUnderRoundRobin(t *testing.T) {
	d, err := NewDirector(testBackends, RoundRobin)
	if err != nil {
		t.Fatalf("NewDirector() = %v", err)
	}
	if got := d.Connections(); got != nil {
		t.Errorf("Connections() = %v under round_robin, want nil", got)
	}
}

func TestNewDirectorValidation(t *testing.T) {
	if _, err := NewDirector(nil, RoundRobin); err == nil {
		t.Error("NewDirector(no backends) succeeded, want error")
	}
	if _, err := NewDirector(testBackends, "fastest"); !errors.Is(err, ErrInvalidStrategy) {
		t.Errorf("NewDirector(bad strategy) = %v, want ErrInvalidStrategy", err)
	}
}
