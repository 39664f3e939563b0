/*
Copyright 2025 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Package worker implements the polling execution loop. Each worker is an
// independent goroutine sharing no in-memory job state with its peers; the
// store's atomic claim is the only coordination between them.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/chainguard-dev/clog"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/chainguard-dev/hashwork/pkg/jobstore"
	"github.com/chainguard-dev/hashwork/pkg/taskqueue"
)

// Worker polls the task queue and executes registered handlers.
type Worker struct {
	id           string
	queue        *taskqueue.Queue
	store        jobstore.Interface
	registry     *Registry
	pollInterval time.Duration
	clock        clockwork.Clock
}

// Option customizes a Worker.
type Option func(*Worker)

// WithClock overrides the clock used for poll sleeps. Intended for tests.
func WithClock(c clockwork.Clock) Option {
	return func(w *Worker) { w.clock = c }
}

// WithID overrides the generated worker ID.
func WithID(id string) Option {
	return func(w *Worker) { w.id = id }
}

// New creates a worker. The store is used only for worker liveness records;
// all job traffic goes through the queue.
func New(queue *taskqueue.Queue, store jobstore.Interface, registry *Registry, pollInterval time.Duration, opts ...Option) *Worker {
	w := &Worker{
		id:           "worker-" + uuid.NewString(),
		queue:        queue,
		store:        store,
		registry:     registry,
		pollInterval: pollInterval,
		clock:        clockwork.NewRealClock(),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// ID returns the worker's identity.
func (w *Worker) ID() string { return w.id }

// Run executes the worker loop until ctx is cancelled. Cancellation is
// honored between iterations only: a job in flight always finishes (or
// fails) before Run returns. Store errors during a tick are logged and
// treated as "no job this tick".
func (w *Worker) Run(ctx context.Context) error {
	if err := w.store.RegisterWorker(ctx, w.id); err != nil {
		return fmt.Errorf("registering worker: %w", err)
	}
	clog.InfoContextf(ctx, "worker %s started", w.id)

	for {
		select {
		case <-ctx.Done():
			clog.InfoContextf(ctx, "worker %s stopping", w.id)
			return nil
		default:
		}

		job, err := w.queue.ClaimNext(ctx)
		if err != nil {
			clog.WarnContextf(ctx, "worker %s: claim failed: %v", w.id, err)
			if !w.sleep(ctx) {
				return nil
			}
			continue
		}
		if job == nil {
			if !w.sleep(ctx) {
				return nil
			}
			continue
		}

		w.process(ctx, job)
	}
}

// sleep waits one poll interval, returning false if ctx was cancelled.
func (w *Worker) sleep(ctx context.Context) bool {
	select {
	case <-w.clock.After(w.pollInterval):
		return true
	case <-ctx.Done():
		return false
	}
}

// process executes a single claimed job. The worker record is flipped to
// busy for the duration and always returned to idle afterwards, even when
// the handler panics; a single bad handler must never leave the record
// permanently stuck busy.
func (w *Worker) process(ctx context.Context, job *jobstore.Job) {
	clog.InfoContextf(ctx, "worker %s processing job %d (%s)", w.id, job.ID, job.Type)

	if err := w.store.UpdateWorker(ctx, w.id, jobstore.WorkerBusy, &job.ID); err != nil {
		clog.WarnContextf(ctx, "worker %s: marking busy: %v", w.id, err)
	}
	defer func() {
		if err := w.store.UpdateWorker(ctx, w.id, jobstore.WorkerIdle, nil); err != nil {
			clog.WarnContextf(ctx, "worker %s: marking idle: %v", w.id, err)
		}
	}()

	handler, ok := w.registry.lookup(job.Type)
	if !ok {
		msg := fmt.Sprintf("no handler registered for job type: %s", job.Type)
		clog.WarnContextf(ctx, "worker %s: job %d: %s", w.id, job.ID, msg)
		if err := w.queue.Complete(ctx, job, nil, msg); err != nil {
			clog.ErrorContextf(ctx, "worker %s: failing job %d: %v", w.id, job.ID, err)
		}
		return
	}

	result, err := invoke(ctx, handler, job.Params)
	if err != nil {
		clog.WarnContextf(ctx, "worker %s: job %d failed: %v", w.id, job.ID, err)
		if cerr := w.queue.Complete(ctx, job, nil, err.Error()); cerr != nil {
			clog.ErrorContextf(ctx, "worker %s: failing job %d: %v", w.id, job.ID, cerr)
		}
		return
	}
	if err := w.queue.Complete(ctx, job, result, ""); err != nil {
		clog.ErrorContextf(ctx, "worker %s: completing job %d: %v", w.id, job.ID, err)
		return
	}
	clog.InfoContextf(ctx, "worker %s: job %d completed", w.id, job.ID)
}

// invoke runs the handler, converting a panic into an ordinary error so it
// lands on the job record instead of killing the worker.
func invoke(ctx context.Context, h Handler, params json.RawMessage) (result json.RawMessage, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()
	return h(ctx, params)
}
