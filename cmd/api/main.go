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

	"github.com/chainguard-dev/hashwork/pkg/apiserver"
	"github.com/chainguard-dev/hashwork/pkg/breaker"
	"github.com/chainguard-dev/hashwork/pkg/dblimit"
	"github.com/chainguard-dev/hashwork/pkg/dbpool"
	"github.com/chainguard-dev/hashwork/pkg/httpmetrics"
	pgstore "github.com/chainguard-dev/hashwork/pkg/jobstore/postgres"
	"github.com/chainguard-dev/hashwork/pkg/sharedcache"
	pgcache "github.com/chainguard-dev/hashwork/pkg/sharedcache/postgres"
	"github.com/chainguard-dev/hashwork/pkg/taskqueue"
)

type envConfig struct {
	Port    int    `env:"PORT, default=8000"`
	AppName string `env:"APP_NAME, default=hashwork-api"`

	DatabaseURL    string        `env:"DATABASE_URL, required"`
	PoolSize       int           `env:"DB_POOL_SIZE, default=10"`
	BorrowTimeout  time.Duration `env:"DB_BORROW_TIMEOUT, default=5s"`
	ConnectRetries int           `env:"DB_CONNECT_RETRIES, default=5"`
	ConnectBackoff time.Duration `env:"DB_CONNECT_BACKOFF, default=500ms"`

	Breaker breaker.Config

	CacheTTL     time.Duration `env:"CACHE_TTL, default=5m"`
	CacheMaxSize int           `env:"CACHE_MAX_SIZE, default=1000"`
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

	dialer, err := dblimit.New(env.DatabaseURL, env.ConnectRetries, env.ConnectBackoff)
	if err != nil {
		logger.Fatalf("failed to configure database dialer: %v", err)
	}
	pool, err := dbpool.New(ctx, env.PoolSize, env.BorrowTimeout, dialer.Dial, dialer.Close,
		dbpool.WithLiveness(dialer.Alive))
	if err != nil {
		logger.Fatalf("failed to establish connection pool: %v", err)
	}
	defer func() {
		if err := pool.Close(context.Background()); err != nil {
			logger.Errorf("failed to close connection pool: %v", err)
		}
	}()

	cb := breaker.New("postgres", env.Breaker)
	store := pgstore.NewStore(pool, cb)
	if err := store.InitSchema(ctx); err != nil {
		logger.Fatalf("failed to initialize schema: %v", err)
	}

	queue := taskqueue.New(store)
	cache := sharedcache.New(pgcache.NewBackend(pool, cb), env.CacheTTL, env.CacheMaxSize)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", env.Port),
		Handler:           apiserver.New(queue, cache, env.AppName),
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

	logger.With("port", env.Port, "app", env.AppName).Info("Starting API server")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatalf("listen and serve: %v", err)
	}
}
