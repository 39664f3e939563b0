/*
Copyright 2025 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package apiserver

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/chainguard-dev/hashwork/pkg/jobstore"
	jsinmem "github.com/chainguard-dev/hashwork/pkg/jobstore/inmem"
	"github.com/chainguard-dev/hashwork/pkg/sharedcache"
	scinmem "github.com/chainguard-dev/hashwork/pkg/sharedcache/inmem"
	"github.com/chainguard-dev/hashwork/pkg/taskqueue"
)

func setup(t *testing.T) (*Server, jobstore.Interface, *sharedcache.Cache) {
	t.Helper()
	store := jsinmem.NewStore()
	cache := sharedcache.New(scinmem.NewBackend(), 5*time.Minute, 1000)
	return New(taskqueue.New(store), cache, "hashwork-api"), store, cache
}

func postJSON(t *testing.T, s *Server, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	return rec
}

func get(t *testing.T, s *Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestHashEnqueues(t *testing.T) {
	s, store, _ := setup(t)

	rec := postJSON(t, s, "/hash/sha256", `{"string":"hello"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		TaskID int64  `json:"task_id"`
		Status string `json:"status"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if resp.Status != "queued" {
		t.Errorf("status = %q, want queued", resp.Status)
	}

	job, err := store.Get(context.Background(), resp.TaskID)
	if err != nil {
		t.Fatalf("Get(%d) = %v", resp.TaskID, err)
	}
	if job.Type != "sha256" {
		t.Errorf("job type = %q, want sha256", job.Type)
	}
	if diff := cmp.Diff(`{"string":"hello"}`, string(job.Params)); diff != "" {
		t.Errorf("job params (-want, +got):\n%s", diff)
	}
}

func TestHashUnknownAlgorithm(t *testing.T) {
	s, _, _ := setup(t)

	rec := postJSON(t, s, "/hash/crc32", `{"string":"hello"}`)
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestHashInvalidBody(t *testing.T) {
	s, _, _ := setup(t)

	rec := postJSON(t, s, "/hash/md5", `{"string":`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestHashCacheHitShortCircuits(t *testing.T) {
	s, store, cache := setup(t)

	cached := json.RawMessage(`{"original_string":"hello","md5_hash":"5d41402abc4b2a76b9719d911017c592"}`)
	if !cache.Set(context.Background(), "md5:hello", cached, time.Minute) {
		t.Fatal("seeding cache failed")
	}

	rec := postJSON(t, s, "/hash/md5", `{"string":"hello"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Status string          `json:"status"`
		Cached bool            `json:"cached"`
		Result json.RawMessage `json:"result"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if resp.Status != "completed" || !resp.Cached {
		t.Errorf("response = %+v, want completed/cached", resp)
	}

	// Nothing was enqueued.
	if job, err := store.ClaimNext(context.Background()); err != nil || job != nil {
		t.Errorf("ClaimNext() = %v, %v; want no pending job", job, err)
	}
}

func TestTaskNotFound(t *testing.T) {
	s, _, _ := setup(t)

	if rec := get(t, s, "/task/42"); rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
	if rec := get(t, s, "/task/banana"); rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestTaskLifecycleAndCachePopulation(t *testing.T) {
	s, store, cache := setup(t)
	ctx := context.Background()

	rec := postJSON(t, s, "/hash/md5", `{"string":"hello"}`)
	var submitted struct {
		TaskID int64 `json:"task_id"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &submitted); err != nil {
		t.Fatalf("decoding response: %v", err)
	}

	rec = get(t, s, "/task/1")
	var view taskView
	if err := json.Unmarshal(rec.Body.Bytes(), &view); err != nil {
		t.Fatalf("decoding task view: %v", err)
	}
	if view.Status != jobstore.StatusPending {
		t.Errorf("status = %q, want pending", view.Status)
	}

	// Drive the job through the store the way a worker would.
	job, err := store.ClaimNext(ctx)
	if err != nil || job == nil {
		t.Fatalf("ClaimNext() = %v, %v", job, err)
	}
	result := json.RawMessage(`{"original_string":"hello","md5_hash":"5d41402abc4b2a76b9719d911017c592"}`)
	if err := store.Complete(ctx, job.ID, result, ""); err != nil {
		t.Fatalf("Complete() = %v", err)
	}

	rec = get(t, s, "/task/1")
	if err := json.Unmarshal(rec.Body.Bytes(), &view); err != nil {
		t.Fatalf("decoding task view: %v", err)
	}
	if view.Status != jobstore.StatusCompleted {
		t.Errorf("status = %q, want completed", view.Status)
	}
	if view.CompletedAt == nil {
		t.Error("completed_at missing")
	}
	if diff := cmp.Diff(string(result), string(view.Result)); diff != "" {
		t.Errorf("result (-want, +got):\n%s", diff)
	}

	// Reading the completed task populated the cache; resubmitting the same
	// string is now served without a new job.
	if _, ok := cache.Get(ctx, "md5:hello"); !ok {
		t.Fatal("cache not populated by completed task read")
	}
	rec = postJSON(t, s, "/hash/md5", `{"string":"hello"}`)
	var resp struct {
		Cached bool `json:"cached"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if !resp.Cached {
		t.Errorf("resubmission response = %s, want cached", rec.Body.String())
	}
}

func TestCacheEndpoints(t *testing.T) {
	s, _, cache := setup(t)
	ctx := context.Background()

	cache.Set(ctx, "md5:x", json.RawMessage(`{}`), time.Minute)
	cache.Get(ctx, "md5:x")
	cache.Get(ctx, "md5:y")

	rec := get(t, s, "/cache/stats")
	if rec.Code != http.StatusOK {
		t.Fatalf("stats status = %d", rec.Code)
	}
	var stats sharedcache.Stats
	if err := json.Unmarshal(rec.Body.Bytes(), &stats); err != nil {
		t.Fatalf("decoding stats: %v", err)
	}
	if stats.Hits != 1 || stats.Misses != 1 || stats.Sets != 1 || stats.CurrentSize != 1 {
		t.Errorf("stats = %+v", stats)
	}

	rec = postJSON(t, s, "/cache/clear", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("clear status = %d", rec.Code)
	}
	if _, ok := cache.Get(ctx, "md5:x"); ok {
		t.Error("cache entry survived clear")
	}
}

func TestHealth(t *testing.T) {
	s, _, _ := setup(t)

	rec := get(t, s, "/health")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var health map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &health); err != nil {
		t.Fatalf("decoding health: %v", err)
	}
	want := map[string]string{"status": "healthy", "service": "hashwork-api"}
	if diff := cmp.Diff(want, health); diff != "" {
		t.Errorf("health (-want, +got):\n%s", diff)
	}
}
