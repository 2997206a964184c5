package statemachine

import (
	"context"
	"encoding/json"
	"testing"

	"gorm.io/gorm"

	"github.com/workgraph/workgraph/internal/data/repos/testutil"
	workflowrepo "github.com/workgraph/workgraph/internal/data/repos/workflow"
	"github.com/workgraph/workgraph/internal/domain/fault"
	"github.com/workgraph/workgraph/internal/domain/workflow"
	"github.com/workgraph/workgraph/internal/events"
	"github.com/workgraph/workgraph/internal/platform/dbctx"
)

func seedTask(t *testing.T, tx *gorm.DB, dbc dbctx.Context) (*workflow.Task, *workflow.WorkflowStep) {
	t.Helper()
	log := testutil.Logger(t)
	tasks := workflowrepo.NewTaskRepo(tx, log)
	steps := workflowrepo.NewStepRepo(tx, log)
	taskTransitions := workflowrepo.NewTaskTransitionRepo(tx, log)
	stepTransitions := workflowrepo.NewStepTransitionRepo(tx, log)

	task := &workflow.Task{NamedTaskID: "sm-test", Name: "sm test"}
	if _, err := tasks.Create(dbc, []*workflow.Task{task}); err != nil {
		t.Fatalf("seed task: %v", err)
	}
	step := &workflow.WorkflowStep{TaskID: task.TaskID, NamedStepID: "s", Name: "s", RetryLimit: 3, Retryable: true}
	if _, err := steps.Create(dbc, []*workflow.WorkflowStep{step}); err != nil {
		t.Fatalf("seed step: %v", err)
	}
	if _, err := taskTransitions.Append(dbc, task.TaskID, nil, "pending", nil); err != nil {
		t.Fatalf("seed task transition: %v", err)
	}
	if _, err := stepTransitions.Append(dbc, step.WorkflowStepID, nil, "pending", nil); err != nil {
		t.Fatalf("seed step transition: %v", err)
	}
	return task, step
}

func newTaskSM(t *testing.T, tx *gorm.DB, bus events.Bus) *Tasks {
	t.Helper()
	log := testutil.Logger(t)
	return NewTasks(tx, workflowrepo.NewTaskRepo(tx, log), workflowrepo.NewTaskTransitionRepo(tx, log), bus, log)
}

func newStepSM(t *testing.T, tx *gorm.DB, bus events.Bus) *Steps {
	t.Helper()
	log := testutil.Logger(t)
	return NewSteps(tx, workflowrepo.NewStepRepo(tx, log), workflowrepo.NewStepTransitionRepo(tx, log), bus, log)
}

func TestTaskStateMachine(t *testing.T) {
	tx := testutil.Tx(t)
	ctx := context.Background()
	dbc := dbctx.Context{Ctx: ctx, Tx: tx}
	bus := events.NewBus()
	defer bus.Close()
	ch, unsubscribe := bus.Subscribe(8)
	defer unsubscribe()

	task, _ := seedTask(t, tx, dbc)
	sm := newTaskSM(t, tx, bus)

	state, err := sm.CurrentState(dbc, task.TaskID)
	if err != nil || state != workflow.TaskPending {
		t.Fatalf("initial state: %s err=%v", state, err)
	}

	// illegal jump
	if _, err := sm.TransitionTo(dbc, task.TaskID, workflow.TaskComplete, nil); !fault.Is(err, fault.CodeValidation) {
		t.Fatalf("pending->complete: expected validation, got %v", err)
	}

	if _, err := sm.TransitionTo(dbc, task.TaskID, workflow.TaskInProgress, map[string]interface{}{"reason": "initial"}); err != nil {
		t.Fatalf("pending->in_progress: %v", err)
	}
	if _, err := sm.TransitionTo(dbc, task.TaskID, workflow.TaskComplete, nil); err != nil {
		t.Fatalf("in_progress->complete: %v", err)
	}

	// terminal states reject further movement loudly
	if _, err := sm.TransitionTo(dbc, task.TaskID, workflow.TaskPending, nil); !fault.Is(err, fault.CodeInvariantViolation) {
		t.Fatalf("complete->pending: expected invariant_violation, got %v", err)
	}

	// the bus saw both transitions
	if ev := <-ch; ev.Kind != events.KindTaskTransition || ev.ToState != "in_progress" {
		t.Fatalf("first event: %+v", ev)
	}
	if ev := <-ch; ev.ToState != "complete" {
		t.Fatalf("second event: %+v", ev)
	}

	// unknown task
	if _, err := sm.TransitionTo(dbc, 9999999, workflow.TaskInProgress, nil); !fault.Is(err, fault.CodeNotFound) {
		t.Fatalf("unknown task: expected not_found, got %v", err)
	}
}

func TestTaskSafeTransitionIdempotent(t *testing.T) {
	tx := testutil.Tx(t)
	dbc := dbctx.Context{Ctx: context.Background(), Tx: tx}
	bus := events.NewBus()
	defer bus.Close()

	task, _ := seedTask(t, tx, dbc)
	sm := newTaskSM(t, tx, bus)

	moved, err := sm.SafeTransitionTo(dbc, task.TaskID, workflow.TaskInProgress, nil)
	if err != nil || !moved {
		t.Fatalf("first safe transition: moved=%v err=%v", moved, err)
	}
	// same target again: silent no-op
	moved, err = sm.SafeTransitionTo(dbc, task.TaskID, workflow.TaskInProgress, nil)
	if err != nil || moved {
		t.Fatalf("repeat safe transition: moved=%v err=%v", moved, err)
	}

	history, err := workflowrepo.NewTaskTransitionRepo(tx, testutil.Logger(t)).History(dbc, task.TaskID)
	if err != nil || len(history) != 2 {
		t.Fatalf("history: len=%d err=%v", len(history), err)
	}
}

func TestStepStateMachineCompanionUpdates(t *testing.T) {
	tx := testutil.Tx(t)
	dbc := dbctx.Context{Ctx: context.Background(), Tx: tx}
	bus := events.NewBus()
	defer bus.Close()

	_, step := seedTask(t, tx, dbc)
	sm := newStepSM(t, tx, bus)
	steps := workflowrepo.NewStepRepo(tx, testutil.Logger(t))

	tr, err := sm.TransitionTo(dbc, step.WorkflowStepID, workflow.StepInProgress, StepChange{
		Metadata: map[string]interface{}{"attempt": 1},
		Updates: map[string]interface{}{
			"attempts":   1,
			"in_process": true,
		},
	})
	if err != nil {
		t.Fatalf("to in_progress: %v", err)
	}
	var meta map[string]interface{}
	if err := json.Unmarshal(tr.Metadata, &meta); err != nil || meta["attempt"] != float64(1) {
		t.Fatalf("metadata: %v err=%v", meta, err)
	}

	reloaded, err := steps.GetByID(dbc, step.WorkflowStepID)
	if err != nil || reloaded.Attempts != 1 || !reloaded.InProcess {
		t.Fatalf("companion updates lost: %+v err=%v", reloaded, err)
	}

	// illegal move out of in_progress
	if _, err := sm.TransitionTo(dbc, step.WorkflowStepID, workflow.StepResolvedManually, StepChange{}); !fault.Is(err, fault.CodeValidation) {
		t.Fatalf("in_progress->resolved_manually: expected validation, got %v", err)
	}

	if _, err := sm.TransitionTo(dbc, step.WorkflowStepID, workflow.StepComplete, StepChange{
		Updates: map[string]interface{}{"processed": true, "in_process": false},
	}); err != nil {
		t.Fatalf("to complete: %v", err)
	}
	if _, err := sm.TransitionTo(dbc, step.WorkflowStepID, workflow.StepPending, StepChange{}); !fault.Is(err, fault.CodeInvariantViolation) {
		t.Fatalf("complete->pending: expected invariant_violation, got %v", err)
	}
}
