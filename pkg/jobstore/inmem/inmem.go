/*
Copyright 2025 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Package inmem implements jobstore.Interface in process memory.
// This is intended for testing and local development, and is not suitable
// for production use: jobs do not survive a restart and are not shared
// across replicas.
package inmem

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/chainguard-dev/hashwork/pkg/jobstore"
)

// NewStore creates a new in-memory job store.
func NewStore() *Store {
	return &Store{
		jobs:    make(map[int64]*jobstore.Job, 10),
		workers: make(map[string]*jobstore.WorkerRecord, 4),
	}
}

// Store implements jobstore.Interface.
type Store struct {
	// mu guards all fields below. The claim path holds it across the
	// select-and-transition, which is what makes the claim atomic.
	mu      sync.Mutex
	nextID  int64
	jobs    map[int64]*jobstore.Job
	workers map[string]*jobstore.WorkerRecord
}

var _ jobstore.Interface = (*Store)(nil)

// Enqueue implements jobstore.Interface.
func (s *Store) Enqueue(_ context.Context, jobType string, params json.RawMessage) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	s.jobs[s.nextID] = &jobstore.Job{
		ID:        s.nextID,
		Type:      jobType,
		Params:    params,
		Status:    jobstore.StatusPending,
		CreatedAt: time.Now().UTC(),
	}
	return s.nextID, nil
}

// ClaimNext implements jobstore.Interface.
func (s *Store) ClaimNext(_ context.Context) (*jobstore.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// IDs are assigned in creation order, so the smallest pending ID is the
	// oldest pending job.
	var oldest *jobstore.Job
	for _, j := range s.jobs {
		if j.Status != jobstore.StatusPending {
			continue
		}
		if oldest == nil || j.ID < oldest.ID {
			oldest = j
		}
	}
	if oldest == nil {
		return nil, nil
	}

	now := time.Now().UTC()
	oldest.Status = jobstore.StatusProcessing
	oldest.StartedAt = &now
	cp := *oldest
	return &cp, nil
}

// Complete implements jobstore.Interface.
func (s *Store) Complete(_ context.Context, id int64, result json.RawMessage, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return fmt.Errorf("completing job %d: %w", id, jobstore.ErrJobNotFound)
	}
	now := time.Now().UTC()
	j.CompletedAt = &now
	j.Result = result
	j.Error = errMsg
	if errMsg != "" {
		j.Status = jobstore.StatusFailed
	} else {
		j.Status = jobstore.StatusCompleted
	}
	return nil
}

// Get implements jobstore.Interface.
func (s *Store) Get(_ context.Context, id int64) (*jobstore.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, fmt.Errorf("job %d: %w", id, jobstore.ErrJobNotFound)
	}
	cp := *j
	return &cp, nil
}

// RegisterWorker implements jobstore.Interface.
func (s *Store) RegisterWorker(_ context.Context, workerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.workers[workerID] = &jobstore.WorkerRecord{
		WorkerID:      workerID,
		Status:        jobstore.WorkerIdle,
		LastHeartbeat: time.Now().UTC(),
	}
	return nil
}

// UpdateWorker implements jobstore.Interface.
func (s *Store) UpdateWorker(_ context.Context, workerID, status string, jobID *int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.workers[workerID]
	if !ok {
		return fmt.Errorf("worker %q is not registered", workerID)
	}
	w.Status = status
	w.LastHeartbeat = time.Now().UTC()
	w.CurrentJobID = jobID
	return nil
}

// Worker returns a copy of the record for the given worker ID, for tests.
func (s *Store) Worker(workerID string) (jobstore.WorkerRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.workers[workerID]
	if !ok {
		return jobstore.WorkerRecord{}, false
	}
	return *w, true
}
