/*
Copyright 2025 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package sharedcache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	mHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sharedcache_hits_total",
		Help: "The total number of cache hits.",
	})
	mMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sharedcache_misses_total",
		Help: "The total number of cache misses.",
	})
	mSets = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sharedcache_sets_total",
		Help: "The total number of cache writes.",
	})
	mEvictions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sharedcache_evictions_total",
		Help: "The total number of entries removed by expiry sweeps and clears.",
	})
)
