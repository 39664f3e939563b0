/*
Copyright 2025 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package jobstore

import (
	"context"
	"encoding/json"
	"time"
)

// Status is the lifecycle state of a job.
//
// Transitions only ever move forward:
//
//	pending -> processing -> completed
//	                      -> failed
//
// The pending -> processing edge is the atomic claim, and is visible to
// exactly one caller.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Job is a unit of work in the durable queue.
type Job struct {
	ID          int64           `json:"id"`
	Type        string          `json:"type"`
	Params      json.RawMessage `json:"parameters,omitempty"`
	Status      Status          `json:"status"`
	CreatedAt   time.Time       `json:"created_at"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`
}

// WorkerRecord tracks the liveness and occupancy of a single worker process.
// Records are upserted at worker startup and flipped between idle and busy
// around each claimed job; a record simply goes stale when its process exits.
type WorkerRecord struct {
	WorkerID      string     `json:"worker_id"`
	Status        string     `json:"status"`
	LastHeartbeat time.Time  `json:"last_heartbeat"`
	CurrentJobID  *int64     `json:"current_job_id,omitempty"`
}

const (
	WorkerIdle = "idle"
	WorkerBusy = "busy"
)

// Interface is the contract durable job store implementations must satisfy.
type Interface interface {
	// Enqueue inserts a new pending job and returns its assigned ID.
	// IDs are assigned monotonically, so FIFO claim order follows insert order.
	Enqueue(ctx context.Context, jobType string, params json.RawMessage) (int64, error)

	// ClaimNext atomically transitions the oldest pending job to processing
	// and returns it. It returns (nil, nil) when no pending job exists.
	// Concurrent callers never block each other and never receive the same job.
	ClaimNext(ctx context.Context) (*Job, error)

	// Complete finalizes a job: completed when errMsg is empty, failed
	// otherwise. The completion timestamp is stamped either way.
	Complete(ctx context.Context, id int64, result json.RawMessage, errMsg string) error

	// Get returns the job with the given ID, or ErrJobNotFound.
	Get(ctx context.Context, id int64) (*Job, error)

	// RegisterWorker upserts a worker record as idle with a fresh heartbeat.
	RegisterWorker(ctx context.Context, workerID string) error

	// UpdateWorker sets a worker's status and current job (nil to clear).
	UpdateWorker(ctx context.Context, workerID, status string, jobID *int64) error
}
