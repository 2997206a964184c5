// Package queue carries task wake-up envelopes between the engine and its
// workers. An envelope never carries work, only "look at this task"; the
// coordinator recomputes everything from the database, so a duplicate or
// stale envelope is harmless.
package queue

import (
	"context"
	"time"
)

// Reason records why a task was (re)enqueued. Purely diagnostic.
type Reason string

const (
	ReasonInitial       Reason = "initial"
	ReasonStepCompleted Reason = "step_completed"
	ReasonRetry         Reason = "retry"
	ReasonBackoffWait   Reason = "backoff_wait"
)

type Envelope struct {
	TaskID     int64     `json:"task_id"`
	Reason     Reason    `json:"reason"`
	EnqueuedAt time.Time `json:"enqueued_at"`

	// NotBefore delays delivery; zero means deliver immediately.
	NotBefore time.Time `json:"not_before,omitempty"`

	// Attempts counts failed coordination passes for this envelope. The
	// worker bounds redelivery with it; a fresh enqueue starts at zero.
	Attempts int `json:"attempts,omitempty"`
}

type Queue interface {
	Enqueue(ctx context.Context, env Envelope) error
	// Dequeue blocks until an envelope is ready or ctx is done.
	Dequeue(ctx context.Context) (*Envelope, error)
	Close() error
}
