/*
Copyright 2025 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Package taskqueue is the thin dispatch API the API replicas and workers
// share: enqueue work, claim the next piece of work, and report the outcome.
// All durable state lives in the underlying job store; this layer adds
// metrics and uniform error semantics.
package taskqueue

import (
	"context"
	"encoding/json"

	"github.com/chainguard-dev/clog"

	"github.com/chainguard-dev/hashwork/pkg/jobstore"
)

// Queue dispatches jobs over a jobstore.Interface.
type Queue struct {
	store jobstore.Interface
}

// New returns a Queue over the given store.
func New(store jobstore.Interface) *Queue {
	return &Queue{store: store}
}

// Enqueue adds a job of the given type and returns its ID. Store and
// admission failures surface as jobstore.ErrStoreUnavailable; they are never
// silently dropped.
func (q *Queue) Enqueue(ctx context.Context, jobType string, params json.RawMessage) (int64, error) {
	id, err := q.store.Enqueue(ctx, jobType, params)
	if err != nil {
		return 0, err
	}
	mEnqueued.WithLabelValues(jobType).Inc()
	clog.InfoContextf(ctx, "enqueued %s job %d", jobType, id)
	return id, nil
}

// ClaimNext atomically claims the oldest pending job, or returns (nil, nil)
// when there is none. A store error means "no job this tick" to the polling
// worker, but is returned so the caller can log it.
func (q *Queue) ClaimNext(ctx context.Context) (*jobstore.Job, error) {
	job, err := q.store.ClaimNext(ctx)
	if err != nil {
		return nil, err
	}
	if job != nil {
		mClaimed.WithLabelValues(job.Type).Inc()
	}
	return job, nil
}

// Complete finalizes a job as completed (empty errMsg) or failed.
func (q *Queue) Complete(ctx context.Context, job *jobstore.Job, result json.RawMessage, errMsg string) error {
	if err := q.store.Complete(ctx, job.ID, result, errMsg); err != nil {
		return err
	}
	if errMsg != "" {
		mFailed.WithLabelValues(job.Type).Inc()
	} else {
		mCompleted.WithLabelValues(job.Type).Inc()
	}
	return nil
}

// Get returns the job with the given ID.
func (q *Queue) Get(ctx context.Context, id int64) (*jobstore.Job, error) {
	return q.store.Get(ctx, id)
}
