package finalizer

import (
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/workgraph/workgraph/internal/domain/workflow"
	"github.com/workgraph/workgraph/internal/engine/backoff"
)

func newWakeUpFinalizer() *Finalizer {
	return &Finalizer{
		recheck: 2 * time.Second,
		rng:     rand.New(rand.NewSource(1)),
	}
}

func waitingRow(attempts int, failedAt time.Time) workflow.StepReadiness {
	upper := failedAt.Add(backoff.Window(attempts))
	return workflow.StepReadiness{
		CurrentState:  workflow.StepError,
		Attempts:      attempts,
		RetryLimit:    5,
		Retryable:     true,
		DepsSatisfied: true,
		LastFailureAt: &failedAt,
		NextRetryAt:   &upper,
	}
}

func TestWakeUpForStaysInsideRetryWindow(t *testing.T) {
	f := newWakeUpFinalizer()
	failedAt := time.Now().UTC().Add(-500 * time.Millisecond)
	rows := []workflow.StepReadiness{waitingRow(3, failedAt)}

	for i := 0; i < 100; i++ {
		at := f.wakeUpFor(rows)
		if at.Before(failedAt) || at.After(failedAt.Add(backoff.Window(3))) {
			t.Fatalf("wake-up %s outside [%s, %s]", at, failedAt, failedAt.Add(backoff.Window(3)))
		}
	}
}

func TestWakeUpForPicksNearestWindow(t *testing.T) {
	f := newWakeUpFinalizer()
	now := time.Now().UTC()
	near := waitingRow(1, now.Add(-time.Second))
	far := waitingRow(5, now.Add(-time.Second))

	at := f.wakeUpFor([]workflow.StepReadiness{far, near})
	// the near row's window tops out well before the far row's
	if at.After(now.Add(backoff.Window(1))) {
		t.Fatalf("wake-up %s ignored the nearer window", at)
	}
}

func TestWakeUpForHonorsExplicitBackoff(t *testing.T) {
	f := newWakeUpFinalizer()
	now := time.Now().UTC()
	attempted := now.Add(-time.Second)
	secs := 300
	upper := attempted.Add(300 * time.Second)
	row := workflow.StepReadiness{
		CurrentState:          workflow.StepError,
		Attempts:              1,
		RetryLimit:            5,
		Retryable:             true,
		BackoffRequestSeconds: &secs,
		LastAttemptedAt:       &attempted,
		NextRetryAt:           &upper,
	}

	at := f.wakeUpFor([]workflow.StepReadiness{row})
	if !at.Equal(upper) {
		t.Fatalf("explicit backoff hint: expected %s got %s", upper, at)
	}
}

func TestWakeUpForWithoutRetryCandidatesPollsSlowly(t *testing.T) {
	f := newWakeUpFinalizer()
	before := time.Now()

	at := f.wakeUpFor(nil)
	if at.Before(before.Add(5*f.recheck-time.Second)) || at.After(before.Add(5*f.recheck+time.Second)) {
		t.Fatalf("expected slow poll around now+%s, got %s", 5*f.recheck, at)
	}

	// blocked and ready rows do not schedule retries either
	failedAt := time.Now().UTC()
	upper := failedAt.Add(time.Second)
	blocked := workflow.StepReadiness{CurrentState: workflow.StepError, Attempts: 5, RetryLimit: 5, LastFailureAt: &failedAt, NextRetryAt: &upper}
	ready := workflow.StepReadiness{CurrentState: workflow.StepPending, ReadyForExecution: true, NextRetryAt: &upper}
	at = f.wakeUpFor([]workflow.StepReadiness{blocked, ready})
	if at.Before(before.Add(5*f.recheck - time.Second)) {
		t.Fatalf("blocked/ready rows must not schedule a retry wake-up: %s", at)
	}
}

// one Finalizer is shared by every worker goroutine in the pool, so the
// jitter source must tolerate concurrent Finalize calls.
func TestWakeUpForSharedAcrossWorkers(t *testing.T) {
	f := newWakeUpFinalizer()
	failedAt := time.Now().UTC().Add(-time.Second)
	rows := []workflow.StepReadiness{waitingRow(2, failedAt)}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 500; j++ {
				if at := f.wakeUpFor(rows); at.IsZero() {
					t.Error("zero wake-up")
					return
				}
			}
		}()
	}
	wg.Wait()
}
