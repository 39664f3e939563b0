/*
Copyright 2025 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package loadbalancer

import (
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/chainguard-dev/clog"
)

// Server is the load balancer's HTTP surface: rate limiting first, then
// either the /lb/* administrative endpoints or a proxied call to a selected
// backend.
type Server struct {
	director *Director
	limiter  *RateLimiter
	client   *http.Client
	admin    *http.ServeMux
}

// NewServer builds the balancer handler. proxyTimeout bounds each proxied
// call; zero disables the bound.
func NewServer(director *Director, limiter *RateLimiter, proxyTimeout time.Duration) *Server {
	s := &Server{
		director: director,
		limiter:  limiter,
		client:   &http.Client{Timeout: proxyTimeout},
	}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /lb/health", s.handleHealth)
	mux.HandleFunc("GET /lb/stats", s.handleStats)
	mux.HandleFunc("GET /lb/rate-limits", s.handleRateLimits)
	mux.HandleFunc("POST /lb/strategy", s.handleStrategy)
	s.admin = mux
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	client := clientIP(r)

	if !s.limiter.Allow(client) {
		cap, window := s.limiter.Config()
		clog.InfoContextf(r.Context(), "rate limit exceeded for %s", client)
		mRateLimited.Inc()
		http.Error(w, fmt.Sprintf("Rate limit exceeded. Maximum %d requests per %d seconds.",
			cap, int(window.Seconds())), http.StatusTooManyRequests)
		return
	}

	// Administrative endpoints bypass backend selection and proxying, but
	// sit behind the rate limit like everything else.
	if strings.HasPrefix(r.URL.Path, "/lb/") {
		s.admin.ServeHTTP(w, r)
		return
	}

	s.proxy(w, r, client)
}

// proxy forwards the request verbatim to a selected backend. The release of
// the least-connections counter is unconditional.
func (s *Server) proxy(w http.ResponseWriter, r *http.Request, client string) {
	backend, release := s.director.Pick()
	defer release()

	url := backend + r.URL.Path
	if r.URL.RawQuery != "" {
		url += "?" + r.URL.RawQuery
	}
	clog.InfoContextf(r.Context(), "%s %s from %s routed to %s (strategy: %s)",
		r.Method, r.URL.Path, client, backend, s.director.Strategy())

	req, err := http.NewRequestWithContext(r.Context(), r.Method, url, r.Body)
	if err != nil {
		mProxyErrors.WithLabelValues(backend).Inc()
		http.Error(w, fmt.Sprintf("Backend unreachable: %v", err), http.StatusBadGateway)
		return
	}
	req.Header = r.Header.Clone()

	resp, err := s.client.Do(req)
	if err != nil {
		clog.WarnContextf(r.Context(), "error contacting backend %s: %v", backend, err)
		mProxyErrors.WithLabelValues(backend).Inc()
		http.Error(w, fmt.Sprintf("Backend unreachable: %v", err), http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	mRouted.WithLabelValues(backend).Inc()
	for k, vv := range resp.Header {
		for _, v := range vv {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, resp.Body); err != nil {
		clog.WarnContextf(r.Context(), "streaming response from %s: %v", backend, err)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"service": "loadbalancer",
	})
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	cap, window := s.limiter.Config()
	writeJSON(w, http.StatusOK, map[string]any{
		"active_ips":          s.limiter.ActiveClients(),
		"strategy":            s.director.Strategy(),
		"backend_connections": s.director.Connections(),
		"rate_limit_config": map[string]any{
			"requests_per_window": cap,
			"window_seconds":      int(window.Seconds()),
		},
		"backends": s.director.Backends(),
	})
}

func (s *Server) handleRateLimits(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.limiter.Snapshot())
}

func (s *Server) handleStrategy(w http.ResponseWriter, r *http.Request) {
	strategy := r.URL.Query().Get("strategy")
	old, err := s.director.SetStrategy(strategy)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"detail": err.Error()})
		return
	}
	clog.InfoContextf(r.Context(), "load balancing strategy changed from %s to %s", old, strategy)
	writeJSON(w, http.StatusOK, map[string]string{
		"message":      fmt.Sprintf("Strategy changed from %s to %s", old, strategy),
		"old_strategy": old,
		"new_strategy": strategy,
	})
}

// clientIP derives the rate-limit key: the first forwarded-for hop, else the
// real-ip header, else the transport peer address.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		return strings.TrimSpace(first)
	}
	if real := r.Header.Get("X-Real-Ip"); real != "" {
		return real
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}
