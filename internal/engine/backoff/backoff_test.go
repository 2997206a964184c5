package backoff

import (
	"math/rand"
	"testing"
	"time"

	"github.com/workgraph/workgraph/internal/domain/workflow"
)

func TestWindow(t *testing.T) {
	cases := []struct {
		attempts int
		want     time.Duration
	}{
		{0, 1 * time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
		{4, 16 * time.Second},
		{5, 30 * time.Second},
		{10, 30 * time.Second},
		{100, 30 * time.Second},
		{-1, 1 * time.Second},
	}
	for _, c := range cases {
		if got := Window(c.attempts); got != c.want {
			t.Fatalf("Window(%d): expected %s got %s", c.attempts, c.want, got)
		}
	}
}

func TestNextRetryAtJitterBounds(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	now := time.Now().UTC()
	failedAt := now.Add(-5 * time.Second)
	row := workflow.StepReadiness{Attempts: 3, LastFailureAt: &failedAt}

	for i := 0; i < 200; i++ {
		next := NextRetryAt(row, now, rng)
		if next.Before(failedAt) {
			t.Fatalf("next retry %s before failure anchor %s", next, failedAt)
		}
		if next.After(failedAt.Add(Window(3))) {
			t.Fatalf("next retry %s past window upper edge %s", next, failedAt.Add(Window(3)))
		}
	}
}

func TestNextRetryAtExplicitBackoffWins(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	now := time.Now().UTC()
	attempted := now.Add(-2 * time.Second)
	secs := 120
	row := workflow.StepReadiness{
		Attempts:              1,
		BackoffRequestSeconds: &secs,
		LastAttemptedAt:       &attempted,
	}

	next := NextRetryAt(row, now, rng)
	want := attempted.Add(120 * time.Second)
	if !next.Equal(want) {
		t.Fatalf("explicit backoff: expected %s got %s", want, next)
	}
}

func TestNextRetryAtZeroExplicitBackoff(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	now := time.Now().UTC()
	attempted := now.Add(-time.Second)
	secs := 0
	row := workflow.StepReadiness{
		Attempts:              2,
		BackoffRequestSeconds: &secs,
		LastAttemptedAt:       &attempted,
	}

	// zero means the handler asked for an immediate retry
	next := NextRetryAt(row, now, rng)
	if !next.Equal(attempted) {
		t.Fatalf("zero backoff: expected %s got %s", attempted, next)
	}
}

func TestNextRetryAtNoFailureAnchor(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	now := time.Now().UTC()
	row := workflow.StepReadiness{Attempts: 1}

	next := NextRetryAt(row, now, rng)
	if next.Before(now) || next.After(now.Add(Window(1))) {
		t.Fatalf("anchorless retry outside [now, now+window]: %s", next)
	}
}
