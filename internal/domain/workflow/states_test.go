package workflow

import "testing"

func TestTaskTransitions(t *testing.T) {
	allowed := []struct{ from, to TaskState }{
		{"", TaskPending},
		{TaskPending, TaskInProgress},
		{TaskPending, TaskCancelled},
		{TaskInProgress, TaskComplete},
		{TaskInProgress, TaskError},
		{TaskInProgress, TaskPending},
		{TaskInProgress, TaskCancelled},
		{TaskError, TaskPending},
		{TaskError, TaskResolvedManually},
		{TaskError, TaskCancelled},
	}
	for _, c := range allowed {
		if !TaskTransitionAllowed(c.from, c.to) {
			t.Fatalf("expected %q -> %q allowed", c.from, c.to)
		}
	}

	denied := []struct{ from, to TaskState }{
		{TaskPending, TaskComplete},
		{TaskComplete, TaskPending},
		{TaskCancelled, TaskPending},
		{TaskResolvedManually, TaskInProgress},
		{TaskError, TaskComplete},
		{"", TaskInProgress},
	}
	for _, c := range denied {
		if TaskTransitionAllowed(c.from, c.to) {
			t.Fatalf("expected %q -> %q denied", c.from, c.to)
		}
	}
}

func TestStepTransitions(t *testing.T) {
	allowed := []struct{ from, to StepState }{
		{"", StepPending},
		{StepPending, StepInProgress},
		{StepPending, StepResolvedManually},
		{StepInProgress, StepComplete},
		{StepInProgress, StepError},
		{StepError, StepPending},
		{StepError, StepInProgress},
		{StepError, StepResolvedManually},
	}
	for _, c := range allowed {
		if !StepTransitionAllowed(c.from, c.to) {
			t.Fatalf("expected %q -> %q allowed", c.from, c.to)
		}
	}

	denied := []struct{ from, to StepState }{
		{StepPending, StepComplete},
		{StepPending, StepError},
		{StepComplete, StepPending},
		{StepComplete, StepInProgress},
		{StepResolvedManually, StepPending},
	}
	for _, c := range denied {
		if StepTransitionAllowed(c.from, c.to) {
			t.Fatalf("expected %q -> %q denied", c.from, c.to)
		}
	}
}

func TestTerminalStates(t *testing.T) {
	for _, s := range []TaskState{TaskComplete, TaskError, TaskCancelled, TaskResolvedManually} {
		if !s.Terminal() {
			t.Fatalf("task state %q should be terminal", s)
		}
	}
	for _, s := range []TaskState{TaskPending, TaskInProgress} {
		if s.Terminal() {
			t.Fatalf("task state %q should not be terminal", s)
		}
	}

	// step error is not terminal; retry and manual resolution leave it
	if StepError.Terminal() {
		t.Fatalf("step error must stay open for retries")
	}
	if !StepComplete.Terminal() || !StepResolvedManually.Terminal() {
		t.Fatalf("complete and resolved_manually are terminal")
	}
}

func TestStepCountsAsCompleted(t *testing.T) {
	if !StepCountsAsCompleted(StepComplete) || !StepCountsAsCompleted(StepResolvedManually) {
		t.Fatalf("complete and resolved_manually satisfy dependencies")
	}
	for _, s := range []StepState{StepPending, StepInProgress, StepError} {
		if StepCountsAsCompleted(s) {
			t.Fatalf("state %q must not satisfy dependencies", s)
		}
	}
}
