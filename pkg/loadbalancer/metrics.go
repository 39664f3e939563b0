/*
Copyright 2025 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package loadbalancer

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	mRouted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loadbalancer_requests_routed_total",
			Help: "The total number of requests proxied, by backend.",
		},
		[]string{"backend"},
	)
	mRateLimited = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "loadbalancer_rate_limited_total",
			Help: "The total number of requests rejected by the rate limiter.",
		},
	)
	mProxyErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loadbalancer_proxy_errors_total",
			Help: "The total number of proxied requests that failed, by backend.",
		},
		[]string{"backend"},
	)
)
