/*
Copyright 2025 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS jobs (
		id BIGSERIAL PRIMARY KEY,
		job_type VARCHAR(50) NOT NULL,
		parameters JSONB,
		status VARCHAR(20) NOT NULL DEFAULT 'pending',
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		started_at TIMESTAMPTZ,
		completed_at TIMESTAMPTZ,
		result JSONB,
		error TEXT
	)`,
	// Partial index so the claim query stays cheap as completed rows pile up
	// (jobs are never deleted in this design).
	`CREATE INDEX IF NOT EXISTS idx_jobs_pending
		ON jobs (created_at) WHERE status = 'pending'`,
	`CREATE TABLE IF NOT EXISTS workers (
		worker_id VARCHAR(50) PRIMARY KEY,
		status VARCHAR(20) NOT NULL DEFAULT 'idle',
		last_heartbeat TIMESTAMPTZ NOT NULL DEFAULT now(),
		current_job_id BIGINT REFERENCES jobs(id)
	)`,
	`CREATE TABLE IF NOT EXISTS cache_entries (
		cache_key VARCHAR(64) PRIMARY KEY,
		value_data TEXT NOT NULL,
		expires_at TIMESTAMPTZ NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		access_count INTEGER NOT NULL DEFAULT 0,
		last_accessed TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_cache_expires
		ON cache_entries (expires_at)`,
}

// InitSchema creates the jobs, workers, and cache_entries tables if they do
// not already exist. Safe to run from every replica at startup.
func (s *Store) InitSchema(ctx context.Context) error {
	return s.do(ctx, func(conn *pgx.Conn) error {
		for _, stmt := range schema {
			if _, err := conn.Exec(ctx, stmt); err != nil {
				return fmt.Errorf("applying schema: %w", err)
			}
		}
		return nil
	})
}
