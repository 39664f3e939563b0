/*
Copyright 2025 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package jobstore

import "errors"

var (
	// ErrStoreUnavailable indicates the durable store could not be reached,
	// either because admission (pool/limiter) blocked the attempt or because
	// the circuit breaker is failing fast. Callers surface this as a
	// service-level error rather than silently dropping the operation.
	ErrStoreUnavailable = errors.New("job store unavailable")

	// ErrJobNotFound indicates a lookup or completion referenced a job ID
	// that does not exist.
	ErrJobNotFound = errors.New("job not found")
)
