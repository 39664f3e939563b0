/*
Copyright 2025 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package taskqueue

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	mEnqueued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskqueue_jobs_enqueued_total",
			Help: "The total number of jobs added to the queue.",
		},
		[]string{"job_type"},
	)
	mClaimed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskqueue_jobs_claimed_total",
			Help: "The total number of jobs claimed by workers.",
		},
		[]string{"job_type"},
	)
	mCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskqueue_jobs_completed_total",
			Help: "The total number of jobs completed successfully.",
		},
		[]string{"job_type"},
	)
	mFailed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskqueue_jobs_failed_total",
			Help: "The total number of jobs that ended in failure.",
		},
		[]string{"job_type"},
	)
)
