/*
Copyright 2025 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/chainguard-dev/clog"
	"github.com/sethvargo/go-envconfig"

	"github.com/chainguard-dev/hashwork/pkg/httpmetrics"
	"github.com/chainguard-dev/hashwork/pkg/loadbalancer"
)

type envConfig struct {
	Port     int      `env:"PORT, default=8080"`
	Backends []string `env:"BACKENDS, required"`
	Strategy string   `env:"LB_STRATEGY, default=round_robin"`

	RateLimitRequests int           `env:"RATE_LIMIT_REQUESTS, default=10"`
	RateLimitWindow   time.Duration `env:"RATE_LIMIT_WINDOW, default=60s"`
	ProxyTimeout      time.Duration `env:"PROXY_TIMEOUT, default=30s"`
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	logger := clog.FromContext(ctx)

	var env envConfig
	if err := envconfig.Process(ctx, &env); err != nil {
		logger.Fatalf("failed to process env var: %v", err)
	}

	go httpmetrics.ServeMetrics(ctx)

	director, err := loadbalancer.NewDirector(env.Backends, env.Strategy)
	if err != nil {
		logger.Fatalf("failed to configure director: %v", err)
	}
	limiter := loadbalancer.NewRateLimiter(env.RateLimitRequests, env.RateLimitWindow)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", env.Port),
		Handler:           loadbalancer.NewServer(director, limiter, env.ProxyTimeout),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Errorf("failed to shut down server: %v", err)
		}
	}()

	logger.With("port", env.Port, "backends", env.Backends, "strategy", env.Strategy).
		Info("Starting load balancer")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatalf("listen and serve: %v", err)
	}
}
