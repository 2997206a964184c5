// Package backoff computes when a failed step may be retried. The database
// readiness query enforces the conservative non-jittered upper edge of the
// window; the scheduler here picks a jittered wake-up inside it so retries
// from correlated failures spread out instead of stampeding.
package backoff

import (
	"math/rand"
	"time"

	"github.com/workgraph/workgraph/internal/domain/workflow"
)

const (
	MinWindow = 1 * time.Second
	MaxWindow = 30 * time.Second
)

// Window is the exponential retry window for a step with the given attempt
// count: min(2^attempts, 30s).
func Window(attempts int) time.Duration {
	if attempts < 0 {
		attempts = 0
	}
	if attempts > 10 {
		return MaxWindow
	}
	d := time.Duration(1<<uint(attempts)) * time.Second
	if d > MaxWindow {
		return MaxWindow
	}
	if d < MinWindow {
		return MinWindow
	}
	return d
}

// NextRetryAt picks the wake-up time for a failed step from its readiness
// row. An explicit backoff_request_seconds from the handler takes precedence
// over the exponential window; otherwise full jitter, uniform over
// [0, window], anchored at the last failure.
func NextRetryAt(row workflow.StepReadiness, now time.Time, rng *rand.Rand) time.Time {
	if row.BackoffRequestSeconds != nil && row.LastAttemptedAt != nil {
		return row.LastAttemptedAt.Add(time.Duration(*row.BackoffRequestSeconds) * time.Second)
	}
	anchor := now
	if row.LastFailureAt != nil {
		anchor = *row.LastFailureAt
	}
	w := Window(row.Attempts)
	jitter := time.Duration(rng.Int63n(int64(w) + 1))
	return anchor.Add(jitter)
}
