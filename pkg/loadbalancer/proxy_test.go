/*
Copyright 2025 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package loadbalancer

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

// echoBackend records what it receives and answers with a recognizable body.
func echoBackend(t *testing.T, name string) (*httptest.Server, *http.Request, *[]byte) {
	t.Helper()
	var (
		captured http.Request
		body     []byte
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured = *r.Clone(r.Context())
		b, _ := io.ReadAll(r.Body)
		body = b
		w.Header().Set("X-Backend", name)
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(name))
	}))
	t.Cleanup(srv.Close)
	return srv, &captured, &body
}

func newTestServer(t *testing.T, backends []string, cap int) *Server {
	t.Helper()
	d, err := NewDirector(backends, RoundRobin)
	if err != nil {
		t.Fatalf("NewDirector() = %v", err)
	}
	return NewServer(d, NewRateLimiter(cap, time.Minute), 5*time.Second)
}

func TestProxyForwardsVerbatim(t *testing.T) {
	backend, captured, body := echoBackend(t, "app1")
	s := newTestServer(t, []string{backend.URL}, 100)

	req := httptest.NewRequest(http.MethodPost, "/hash/sha256?debug=1", strings.NewReader(`{"string":"hello"}`))
	req.Header.Set("X-Custom", "carried")
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated {
		t.Errorf("status = %d, want 201", rec.Code)
	}
	if got := rec.Header().Get("X-Backend"); got != "app1" {
		t.Errorf("X-Backend = %q", got)
	}
	if got := rec.Body.String(); got != "app1" {
		t.Errorf("body = %q, want %q", got, "app1")
	}

	if captured.Method != http.MethodPost {
		t.Errorf("backend saw method %q", captured.Method)
	}
	if captured.URL.Path != "/hash/sha256" {
		t.Errorf("backend saw path %q", captured.URL.Path)
	}
	if captured.URL.RawQuery != "debug=1" {
		t.Errorf("backend saw query %q", captured.URL.RawQuery)
	}
	if got := captured.Header.Get("X-Custom"); got != "carried" {
		t.Errorf("backend saw X-Custom = %q", got)
	}
	if diff := cmp.Diff(`{"string":"hello"}`, string(*body)); diff != "" {
		t.Errorf("backend body (-want, +got):\n%s", diff)
	}
}

func TestProxyRotatesBackends(t *testing.T) {
	b1, _, _ := echoBackend(t, "app1")
	b2, _, _ := echoBackend(t, "app2")
	s := newTestServer(t, []string{b1.URL, b2.URL}, 100)

	var got []string
	for i := 0; i < 4; i++ {
		rec := httptest.NewRecorder()
		s.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
		got = append(got, rec.Body.String())
	}
	want := []string{"app1", "app2", "app1", "app2"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("backend rotation (-want, +got):\n%s", diff)
	}
}

func TestProxyBackendUnreachable(t *testing.T) {
	// A closed server: the port refuses connections.
	dead := httptest.NewServer(http.NotFoundHandler())
	dead.Close()
	s := newTestServer(t, []string{dead.URL}, 100)

	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/task/1", nil))

	if rec.Code != http.StatusBadGateway {
		t.Errorf("status = %d, want 502", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "Backend unreachable") {
		t.Errorf("body = %q, want a gateway error", rec.Body.String())
	}
}

func TestRateLimitRejects(t *testing.T) {
	backend, _, _ := echoBackend(t, "app1")
	s := newTestServer(t, []string{backend.URL}, 2)

	for i := 0; i < 2; i++ {
		rec := httptest.NewRecorder()
		s.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
		if rec.Code != http.StatusCreated {
			t.Fatalf("request %d status = %d", i+1, rec.Code)
		}
	}

	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusTooManyRequests {
		t.Errorf("status = %d, want 429", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "Maximum 2 requests per 60 seconds") {
		t.Errorf("body = %q", rec.Body.String())
	}
}

func TestRateLimitKeyedByForwardedFor(t *testing.T) {
	backend, _, _ := echoBackend(t, "app1")
	s := newTestServer(t, []string{backend.URL}, 1)

	for _, ip := range []string{"1.1.1.1", "2.2.2.2"} {
		req := httptest.NewRequest(http.MethodGet, "/health", nil)
		req.Header.Set("X-Forwarded-For", ip+", 10.0.0.1")
		rec := httptest.NewRecorder()
		s.ServeHTTP(rec, req)
		if rec.Code != http.StatusCreated {
			t.Errorf("first request from %s status = %d", ip, rec.Code)
		}
	}

	// The same forwarded client is over its cap regardless of peer address.
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("X-Forwarded-For", "1.1.1.1")
	req.RemoteAddr = "9.9.9.9:1234"
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	if rec.Code != http.StatusTooManyRequests {
		t.Errorf("status = %d, want 429", rec.Code)
	}
}

func TestAdminBypassesProxyButNotRateLimit(t *testing.T) {
	// No live backend: admin endpoints must still answer.
	s := newTestServer(t, []string{"http://localhost:1"}, 2)

	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/lb/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("health status = %d", rec.Code)
	}
	var health map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &health); err != nil {
		t.Fatalf("decoding health: %v", err)
	}
	if health["status"] != "healthy" {
		t.Errorf("health = %v", health)
	}

	// Admin traffic counts against the same window.
	rec = httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/lb/stats", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("stats status = %d", rec.Code)
	}
	rec = httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/lb/health", nil))
	if rec.Code != http.StatusTooManyRequests {
		t.Errorf("third admin request status = %d, want 429", rec.Code)
	}
}

func TestStatsShape(t *testing.T) {
	s := newTestServer(t, []string{"http://app1:8000", "http://app2:8000"}, 30)

	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/lb/stats", nil))

	var stats struct {
		ActiveIPs          int            `json:"active_ips"`
		Strategy           string         `json:"strategy"`
		BackendConnections map[string]int `json:"backend_connections"`
		RateLimitConfig    struct {
			RequestsPerWindow int `json:"requests_per_window"`
			WindowSeconds     int `json:"window_seconds"`
		} `json:"rate_limit_config"`
		Backends []string `json:"backends"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &stats); err != nil {
		t.Fatalf("decoding stats: %v", err)
	}
	if stats.Strategy != RoundRobin {
		t.Errorf("strategy = %q", stats.Strategy)
	}
	if stats.BackendConnections != nil {
		t.Errorf("backend_connections = %v under round_robin, want null", stats.BackendConnections)
	}
	if stats.RateLimitConfig.RequestsPerWindow != 30 || stats.RateLimitConfig.WindowSeconds != 60 {
		t.Errorf("rate_limit_config = %+v", stats.RateLimitConfig)
	}
	if diff := cmp.Diff([]string{"http://app1:8000", "http://app2:8000"}, stats.Backends); diff != "" {
		t.Errorf("backends (-want, +got):\n%s", diff)
	}
	if stats.ActiveIPs != 1 {
		t.Errorf("active_ips = %d, want 1", stats.ActiveIPs)
	}
}

func TestStrategyChange(t *testing.T) {
	s := newTestServer(t, []string{"http://app1:8000"}, 100)

	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/lb/strategy?strategy=least_connections", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	var resp map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if resp["old_strategy"] != RoundRobin || resp["new_strategy"] != LeastConnections {
		t.Errorf("response = %v", resp)
	}

	rec = httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/lb/strategy?strategy=fastest", nil))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("invalid strategy status = %d, want 400", rec.Code)
	}
}

func TestRateLimitSnapshotEndpoint(t *testing.T) {
	backend, _, _ := echoBackend(t, "app1")
	s := newTestServer(t, []string{backend.URL}, 10)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("X-Real-Ip", "5.5.5.5")
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	req = httptest.NewRequest(http.MethodGet, "/lb/rate-limits", nil)
	req.Header.Set("X-Real-Ip", "5.5.5.5")
	rec = httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	var snap map[string]ClientStatus
	if err := json.Unmarshal(rec.Body.Bytes(), &snap); err != nil {
		t.Fatalf("decoding snapshot: %v", err)
	}
	st, ok := snap["5.5.5.5"]
	if !ok {
		t.Fatalf("snapshot missing client: %v", snap)
	}
	// The admin request itself was the second admitted request.
	if st.RequestsInWindow != 2 || st.RequestsRemaining != 8 {
		t.Errorf("status = %+v", st)
	}
}
