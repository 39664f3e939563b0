/*
Copyright 2025 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package worker

import (
	"context"
	"encoding/json"
	"sync"
)

// Handler processes the parameters of a single job and returns its result.
// Whatever the handler returns (or fails with) is recorded on the job; the
// worker loop itself never propagates handler errors.
type Handler func(ctx context.Context, params json.RawMessage) (json.RawMessage, error)

// Registry maps job type names to handlers. A job whose type has no
// registered handler is completed as failed naming the missing type; that is
// a modeled per-job outcome, not a system error.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler, 4)}
}

// Register installs a handler for the given job type, replacing any
// previous registration.
func (r *Registry) Register(jobType string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[jobType] = h
}

func (r *Registry) lookup(jobType string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[jobType]
	return h, ok
}
