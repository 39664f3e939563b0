/*
Copyright 2025 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Package apiserver is the HTTP surface of an API replica: it accepts hash
// jobs, reports task status, and exposes the shared result cache.
package apiserver

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/chainguard-dev/clog"

	"github.com/chainguard-dev/hashwork/pkg/hashtask"
	"github.com/chainguard-dev/hashwork/pkg/httpmetrics"
	"github.com/chainguard-dev/hashwork/pkg/jobstore"
	"github.com/chainguard-dev/hashwork/pkg/sharedcache"
	"github.com/chainguard-dev/hashwork/pkg/taskqueue"
)

// resultTTL is how long a completed job's result stays cached.
const resultTTL = time.Hour

var algorithms = map[string]bool{
	"md5":    true,
	"sha256": true,
	"argon2": true,
}

// Server routes API requests to the task queue and the shared cache.
type Server struct {
	queue   *taskqueue.Queue
	cache   *sharedcache.Cache
	appName string
	mux     *http.ServeMux
}

// New builds the API handler around the replica's queue and cache.
func New(queue *taskqueue.Queue, cache *sharedcache.Cache, appName string) *Server {
	s := &Server{
		queue:   queue,
		cache:   cache,
		appName: appName,
	}
	mux := http.NewServeMux()
	mux.Handle("POST /hash/{algorithm}", httpmetrics.HandlerFunc("hash", s.handleHash))
	mux.Handle("GET /task/{id}", httpmetrics.HandlerFunc("task", s.handleTask))
	mux.Handle("GET /cache/stats", httpmetrics.HandlerFunc("cache-stats", s.handleCacheStats))
	mux.Handle("POST /cache/clear", httpmetrics.HandlerFunc("cache-clear", s.handleCacheClear))
	mux.Handle("GET /health", httpmetrics.HandlerFunc("health", s.handleHealth))
	s.mux = mux
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

type hashRequest struct {
	String string `json:"string"`
}

func (s *Server) handleHash(w http.ResponseWriter, r *http.Request) {
	algorithm := r.PathValue("algorithm")
	if !algorithms[algorithm] {
		writeJSON(w, http.StatusNotFound,
			map[string]string{"detail": fmt.Sprintf("Unknown algorithm: %s", algorithm)})
		return
	}

	var req hashRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest,
			map[string]string{"detail": fmt.Sprintf("Invalid request body: %v", err)})
		return
	}

	// A previously computed result short-circuits the queue entirely.
	cacheKey := algorithm + ":" + req.String
	if cached, ok := s.cache.Get(r.Context(), cacheKey); ok {
		clog.InfoContextf(r.Context(), "cache hit for %s job", algorithm)
		writeJSON(w, http.StatusOK, map[string]any{
			"status": jobstore.StatusCompleted,
			"cached": true,
			"result": cached,
		})
		return
	}

	params, err := json.Marshal(hashtask.Params{String: req.String})
	if err != nil {
		writeJSON(w, http.StatusInternalServerError,
			map[string]string{"detail": fmt.Sprintf("Failed to submit task: %v", err)})
		return
	}
	id, err := s.queue.Enqueue(r.Context(), algorithm, params)
	if err != nil {
		clog.ErrorContextf(r.Context(), "enqueueing %s job: %v", algorithm, err)
		writeJSON(w, http.StatusInternalServerError,
			map[string]string{"detail": fmt.Sprintf("Failed to submit task: %v", err)})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"task_id": id,
		"status":  "queued",
		"message": fmt.Sprintf("Task queued for %s hashing", algorithm),
	})
}

// taskView is the wire shape of GET /task/{id}.
type taskView struct {
	ID          int64           `json:"id"`
	Type        string          `json:"type"`
	Status      jobstore.Status `json:"status"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}

func (s *Server) handleTask(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeJSON(w, http.StatusBadRequest,
			map[string]string{"detail": "Task id must be an integer"})
		return
	}

	job, err := s.queue.Get(r.Context(), id)
	switch {
	case errors.Is(err, jobstore.ErrJobNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"detail": "Task not found"})
		return
	case err != nil:
		clog.ErrorContextf(r.Context(), "fetching job %d: %v", id, err)
		writeJSON(w, http.StatusInternalServerError,
			map[string]string{"detail": fmt.Sprintf("Failed to fetch task: %v", err)})
		return
	}

	// Completed results feed the cache so repeat submissions of the same
	// input skip the queue.
	if job.Status == jobstore.StatusCompleted && len(job.Result) > 0 {
		var p hashtask.Params
		if err := json.Unmarshal(job.Params, &p); err == nil {
			s.cache.Set(r.Context(), job.Type+":"+p.String, job.Result, resultTTL)
		}
	}

	writeJSON(w, http.StatusOK, taskView{
		ID:          job.ID,
		Type:        job.Type,
		Status:      job.Status,
		Result:      job.Result,
		Error:       job.Error,
		CreatedAt:   job.CreatedAt,
		StartedAt:   job.StartedAt,
		CompletedAt: job.CompletedAt,
	})
}

func (s *Server) handleCacheStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.cache.Stats(r.Context()))
}

func (s *Server) handleCacheClear(w http.ResponseWriter, r *http.Request) {
	s.cache.Clear(r.Context())
	writeJSON(w, http.StatusOK, map[string]string{"message": "Cache cleared"})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"service": s.appName,
	})
}

func writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}
