/*
Copyright 2025 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/chainguard-dev/clog"
	"github.com/sethvargo/go-envconfig"
	"golang.org/x/sync/errgroup"

	"github.com/chainguard-dev/hashwork/pkg/breaker"
	"github.com/chainguard-dev/hashwork/pkg/dblimit"
	"github.com/chainguard-dev/hashwork/pkg/dbpool"
	"github.com/chainguard-dev/hashwork/pkg/hashtask"
	"github.com/chainguard-dev/hashwork/pkg/httpmetrics"
	pgstore "github.com/chainguard-dev/hashwork/pkg/jobstore/postgres"
	"github.com/chainguard-dev/hashwork/pkg/taskqueue"
	"github.com/chainguard-dev/hashwork/pkg/worker"
)

type envConfig struct {
	Workers      int           `env:"WORKERS, default=4"`
	PollInterval time.Duration `env:"POLL_INTERVAL, default=1s"`

	DatabaseURL    string        `env:"DATABASE_URL, required"`
	PoolSize       int           `env:"DB_POOL_SIZE, default=10"`
	BorrowTimeout  time.Duration `env:"DB_BORROW_TIMEOUT, default=5s"`
	ConnectRetries int           `env:"DB_CONNECT_RETRIES, default=5"`
	ConnectBackoff time.Duration `env:"DB_CONNECT_BACKOFF, default=500ms"`

	Breaker breaker.Config
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

	store := pgstore.NewStore(pool, breaker.New("postgres", env.Breaker))
	if err := store.InitSchema(ctx); err != nil {
		logger.Fatalf("failed to initialize schema: %v", err)
	}
	queue := taskqueue.New(store)

	registry := worker.NewRegistry()
	hashtask.Register(registry)

	logger.With("workers", env.Workers, "poll_interval", env.PollInterval).Info("Starting workers")
	eg, ctx := errgroup.WithContext(ctx)
	for i := 0; i < env.Workers; i++ {
		w := worker.New(queue, store, registry, env.PollInterval)
		eg.Go(func() error {
			return w.Run(ctx)
		})
	}
	if err := eg.Wait(); err != nil && err != context.Canceled {
		logger.Fatalf("worker pool exited: %v", err)
	}
}
