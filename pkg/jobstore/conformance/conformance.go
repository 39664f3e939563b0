/*
Copyright 2025 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Package conformance holds a behavioral test suite that every
// jobstore.Interface implementation must pass. The durable and in-memory
// stores both run it, so the semantics the worker relies on (atomic
// non-duplicating claims, FIFO ordering, forward-only status transitions)
// are pinned in one place.
package conformance

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"golang.org/x/sync/errgroup"

	"github.com/chainguard-dev/hashwork/pkg/jobstore"
)

// TestSemantics runs the full suite against a fresh store per scenario.
func TestSemantics(t *testing.T, ctor func(t *testing.T) jobstore.Interface) {
	scenarios := []struct {
		name string
		f    func(context.Context, *testing.T, jobstore.Interface)
	}{
		{"fifo ordering", testFIFO},
		{"claim transitions to processing", testClaimTransition},
		{"claim on empty queue", testClaimEmpty},
		{"complete success and failure", testComplete},
		{"complete unknown job", testCompleteUnknown},
		{"get unknown job", testGetUnknown},
		{"worker records", testWorkerRecords},
		{"concurrent claims are duplicate-free", testConcurrentClaims},
	}
	for _, s := range scenarios {
		t.Run(s.name, func(t *testing.T) {
			store := ctor(t)
			if store == nil {
				t.Fatal("ctor returned nil store")
			}
			s.f(context.Background(), t, store)
		})
	}
}

func mustEnqueue(ctx context.Context, t *testing.T, store jobstore.Interface, jobType string) int64 {
	t.Helper()
	id, err := store.Enqueue(ctx, jobType, json.RawMessage(`{"string":"x"}`))
	if err != nil {
		t.Fatalf("Enqueue() = %v", err)
	}
	return id
}

func testFIFO(ctx context.Context, t *testing.T, store jobstore.Interface) {
	want := make([]int64, 0, 5)
	for i := 0; i < 5; i++ {
		want = append(want, mustEnqueue(ctx, t, store, fmt.Sprintf("type-%d", i)))
	}

	got := make([]int64, 0, 5)
	for {
		job, err := store.ClaimNext(ctx)
		if err != nil {
			t.Fatalf("ClaimNext() = %v", err)
		}
		if job == nil {
			break
		}
		got = append(got, job.ID)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Claim order (-want, +got):\n%s", diff)
	}
}

func testClaimTransition(ctx context.Context, t *testing.T, store jobstore.Interface) {
	id := mustEnqueue(ctx, t, store, "md5")

	job, err := store.ClaimNext(ctx)
	if err != nil {
		t.Fatalf("ClaimNext() = %v", err)
	}
	if job == nil || job.ID != id {
		t.Fatalf("ClaimNext() = %v, wanted job %d", job, id)
	}
	if job.Status != jobstore.StatusProcessing {
		t.Errorf("claimed job status = %q, want %q", job.Status, jobstore.StatusProcessing)
	}
	if job.StartedAt == nil {
		t.Error("claimed job has no started_at")
	}

	// The claimed job must no longer be claimable.
	again, err := store.ClaimNext(ctx)
	if err != nil {
		t.Fatalf("ClaimNext() = %v", err)
	}
	if again != nil {
		t.Errorf("second claim returned job %d, want none", again.ID)
	}
}

func testClaimEmpty(ctx context.Context, t *testing.T, store jobstore.Interface) {
	job, err := store.ClaimNext(ctx)
	if err != nil {
		t.Fatalf("ClaimNext() = %v", err)
	}
	if job != nil {
		t.Errorf("ClaimNext() on empty queue = %v, want nil", job)
	}
}

func testComplete(ctx context.Context, t *testing.T, store jobstore.Interface) {
	okID := mustEnqueue(ctx, t, store, "md5")
	badID := mustEnqueue(ctx, t, store, "md5")
	for i := 0; i < 2; i++ {
		if _, err := store.ClaimNext(ctx); err != nil {
			t.Fatalf("ClaimNext() = %v", err)
		}
	}

	if err := store.Complete(ctx, okID, json.RawMessage(`{"ok":true}`), ""); err != nil {
		t.Fatalf("Complete(success) = %v", err)
	}
	if err := store.Complete(ctx, badID, nil, "handler exploded"); err != nil {
		t.Fatalf("Complete(failure) = %v", err)
	}

	ok, err := store.Get(ctx, okID)
	if err != nil {
		t.Fatalf("Get() = %v", err)
	}
	if ok.Status != jobstore.StatusCompleted {
		t.Errorf("job %d status = %q, want completed", okID, ok.Status)
	}
	if ok.CompletedAt == nil {
		t.Errorf("job %d has no completed_at", okID)
	}
	if diff := cmp.Diff(json.RawMessage(`{"ok":true}`), ok.Result); diff != "" {
		t.Errorf("job %d result (-want, +got):\n%s", okID, diff)
	}

	bad, err := store.Get(ctx, badID)
	if err != nil {
		t.Fatalf("Get() = %v", err)
	}
	if bad.Status != jobstore.StatusFailed {
		t.Errorf("job %d status = %q, want failed", badID, bad.Status)
	}
	if bad.Error != "handler exploded" {
		t.Errorf("job %d error = %q, want %q", badID, bad.Error, "handler exploded")
	}
}

func testCompleteUnknown(ctx context.Context, t *testing.T, store jobstore.Interface) {
	if err := store.Complete(ctx, 12345, nil, ""); !errors.Is(err, jobstore.ErrJobNotFound) {
		t.Errorf("Complete(unknown) = %v, want ErrJobNotFound", err)
	}
}

func testGetUnknown(ctx context.Context, t *testing.T, store jobstore.Interface) {
	if _, err := store.Get(ctx, 12345); !errors.Is(err, jobstore.ErrJobNotFound) {
		t.Errorf("Get(unknown) = %v, want ErrJobNotFound", err)
	}
}

func testWorkerRecords(ctx context.Context, t *testing.T, store jobstore.Interface) {
	const workerID = "worker-conformance"
	if err := store.RegisterWorker(ctx, workerID); err != nil {
		t.Fatalf("RegisterWorker() = %v", err)
	}
	// Re-registration is an upsert, not an error.
	if err := store.RegisterWorker(ctx, workerID); err != nil {
		t.Fatalf("RegisterWorker(again) = %v", err)
	}

	id := mustEnqueue(ctx, t, store, "md5")
	if err := store.UpdateWorker(ctx, workerID, jobstore.WorkerBusy, &id); err != nil {
		t.Fatalf("UpdateWorker(busy) = %v", err)
	}
	if err := store.UpdateWorker(ctx, workerID, jobstore.WorkerIdle, nil); err != nil {
		t.Fatalf("UpdateWorker(idle) = %v", err)
	}
}

// testConcurrentClaims drives M concurrent pollers at N pending jobs and
// checks that the union of claimed jobs is duplicate-free and complete.
func testConcurrentClaims(ctx context.Context, t *testing.T, store jobstore.Interface) {
	const (
		jobs    = 50
		pollers = 8
	)
	for i := 0; i < jobs; i++ {
		mustEnqueue(ctx, t, store, "md5")
	}

	var (
		mu      sync.Mutex
		claimed = make(map[int64]int, jobs)
	)
	eg := errgroup.Group{}
	for i := 0; i < pollers; i++ {
		eg.Go(func() error {
			for {
				job, err := store.ClaimNext(ctx)
				if err != nil {
					return err
				}
				if job == nil {
					return nil
				}
				mu.Lock()
				claimed[job.ID]++
				mu.Unlock()
			}
		})
	}
	if err := eg.Wait(); err != nil {
		t.Fatalf("concurrent claims: %v", err)
	}

	if len(claimed) != jobs {
		t.Errorf("claimed %d distinct jobs, want %d", len(claimed), jobs)
	}
	for id, n := range claimed {
		if n != 1 {
			t.Errorf("job %d claimed %d times", id, n)
		}
	}
}
