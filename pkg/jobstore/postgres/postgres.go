/*
Copyright 2025 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Package postgres implements jobstore.Interface on PostgreSQL.
//
// The claim path is the linchpin: the oldest pending row is selected with
// FOR UPDATE SKIP LOCKED and flipped to processing inside the same
// transaction, so concurrent claimants neither block each other nor ever
// receive the same job.
//
// Every operation borrows a connection from the shared bounded pool and runs
// under the shared circuit breaker, so a struggling database degrades into
// fast ErrStoreUnavailable errors instead of a pile-up.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/chainguard-dev/hashwork/pkg/breaker"
	"github.com/chainguard-dev/hashwork/pkg/dbpool"
	"github.com/chainguard-dev/hashwork/pkg/jobstore"
)

// Store implements jobstore.Interface.
type Store struct {
	pool *dbpool.Pool[*pgx.Conn]
	cb   *breaker.Breaker
}

var _ jobstore.Interface = (*Store)(nil)

// NewStore returns a Store backed by the given pool and breaker.
func NewStore(pool *dbpool.Pool[*pgx.Conn], cb *breaker.Breaker) *Store {
	return &Store{pool: pool, cb: cb}
}

// do runs fn on a pooled connection under the circuit breaker.
func (s *Store) do(ctx context.Context, fn func(conn *pgx.Conn) error) error {
	return s.cb.Do(ctx, func() error {
		return s.pool.WithConn(ctx, fn)
	})
}

// unavailable wraps admission and store failures as ErrStoreUnavailable so
// callers see a single service-level error, while errors.Is still reaches
// the underlying cause for diagnostics.
func unavailable(err error) error {
	return fmt.Errorf("%w: %v", jobstore.ErrStoreUnavailable, err)
}

// Enqueue implements jobstore.Interface.
func (s *Store) Enqueue(ctx context.Context, jobType string, params json.RawMessage) (int64, error) {
	var id int64
	err := s.do(ctx, func(conn *pgx.Conn) error {
		return conn.QueryRow(ctx, `
			INSERT INTO jobs (job_type, parameters)
			VALUES ($1, $2)
			RETURNING id`,
			jobType, params).Scan(&id)
	})
	if err != nil {
		return 0, unavailable(err)
	}
	return id, nil
}

// ClaimNext implements jobstore.Interface.
func (s *Store) ClaimNext(ctx context.Context) (*jobstore.Job, error) {
	var job *jobstore.Job
	err := s.do(ctx, func(conn *pgx.Conn) error {
		tx, err := conn.Begin(ctx)
		if err != nil {
			return err
		}
		defer tx.Rollback(ctx) //nolint:errcheck // no-op after commit

		var j jobstore.Job
		err = tx.QueryRow(ctx, `
			SELECT id, job_type, parameters, created_at
			FROM jobs
			WHERE status = 'pending'
			ORDER BY created_at ASC, id ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED`).
			Scan(&j.ID, &j.Type, &j.Params, &j.CreatedAt)
		if errors.Is(err, pgx.ErrNoRows) {
			// Queue is empty (or everything pending is locked by a
			// concurrent claimant, which is the same thing to us).
			return nil
		} else if err != nil {
			return err
		}

		if err := tx.QueryRow(ctx, `
			UPDATE jobs
			SET status = 'processing', started_at = now()
			WHERE id = $1
			RETURNING started_at`, j.ID).
			Scan(&j.StartedAt); err != nil {
			return err
		}
		if err := tx.Commit(ctx); err != nil {
			return err
		}
		j.Status = jobstore.StatusProcessing
		job = &j
		return nil
	})
	if err != nil {
		return nil, unavailable(err)
	}
	return job, nil
}

// Complete implements jobstore.Interface.
func (s *Store) Complete(ctx context.Context, id int64, result json.RawMessage, errMsg string) error {
	status := jobstore.StatusCompleted
	if errMsg != "" {
		status = jobstore.StatusFailed
	}
	var notFound bool
	err := s.do(ctx, func(conn *pgx.Conn) error {
		tag, err := conn.Exec(ctx, `
			UPDATE jobs
			SET status = $2, completed_at = now(), result = $3, error = NULLIF($4, '')
			WHERE id = $1`,
			id, status, result, errMsg)
		if err != nil {
			return err
		}
		notFound = tag.RowsAffected() == 0
		return nil
	})
	if err != nil {
		return unavailable(err)
	}
	if notFound {
		return fmt.Errorf("completing job %d: %w", id, jobstore.ErrJobNotFound)
	}
	return nil
}

// Get implements jobstore.Interface.
func (s *Store) Get(ctx context.Context, id int64) (*jobstore.Job, error) {
	var (
		j        jobstore.Job
		notFound bool
	)
	err := s.do(ctx, func(conn *pgx.Conn) error {
		var errText *string
		err := conn.QueryRow(ctx, `
			SELECT id, job_type, parameters, status, created_at, started_at, completed_at, result, error
			FROM jobs
			WHERE id = $1`, id).
			Scan(&j.ID, &j.Type, &j.Params, &j.Status, &j.CreatedAt, &j.StartedAt, &j.CompletedAt, &j.Result, &errText)
		if errors.Is(err, pgx.ErrNoRows) {
			notFound = true
			return nil
		} else if err != nil {
			return err
		}
		if errText != nil {
			j.Error = *errText
		}
		return nil
	})
	if err != nil {
		return nil, unavailable(err)
	}
	if notFound {
		return nil, fmt.Errorf("job %d: %w", id, jobstore.ErrJobNotFound)
	}
	return &j, nil
}

// RegisterWorker implements jobstore.Interface.
func (s *Store) RegisterWorker(ctx context.Context, workerID string) error {
	err := s.do(ctx, func(conn *pgx.Conn) error {
		_, err := conn.Exec(ctx, `
			INSERT INTO workers (worker_id, status, last_heartbeat)
			VALUES ($1, 'idle', now())
			ON CONFLICT (worker_id)
			DO UPDATE SET status = 'idle', last_heartbeat = now(), current_job_id = NULL`,
			workerID)
		return err
	})
	if err != nil {
		return unavailable(err)
	}
	return nil
}

// UpdateWorker implements jobstore.Interface.
func (s *Store) UpdateWorker(ctx context.Context, workerID, status string, jobID *int64) error {
	err := s.do(ctx, func(conn *pgx.Conn) error {
		_, err := conn.Exec(ctx, `
			UPDATE workers
			SET status = $2, last_heartbeat = now(), current_job_id = $3
			WHERE worker_id = $1`,
			workerID, status, jobID)
		return err
	})
	if err != nil {
		return unavailable(err)
	}
	return nil
}
