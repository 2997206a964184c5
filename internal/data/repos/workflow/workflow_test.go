package workflow

import (
	"context"
	"testing"
	"time"

	"github.com/workgraph/workgraph/internal/data/repos/testutil"
	types "github.com/workgraph/workgraph/internal/domain/workflow"
	"github.com/workgraph/workgraph/internal/platform/dbctx"
)

func TestTaskAndStepRepos(t *testing.T) {
	tx := testutil.Tx(t)
	log := testutil.Logger(t)
	dbc := dbctx.Context{Ctx: context.Background(), Tx: tx}

	tasks := NewTaskRepo(tx, log)
	steps := NewStepRepo(tx, log)
	edges := NewEdgeRepo(tx, log)

	task := &types.Task{NamedTaskID: "repo-test", Name: "repo test"}
	if _, err := tasks.Create(dbc, []*types.Task{task}); err != nil {
		t.Fatalf("task create: %v", err)
	}
	if task.TaskID == 0 {
		t.Fatalf("task id not populated")
	}

	got, err := tasks.GetByID(dbc, task.TaskID)
	if err != nil || got == nil || got.NamedTaskID != "repo-test" {
		t.Fatalf("task get: got=%v err=%v", got, err)
	}
	if missing, err := tasks.GetByID(dbc, 9999999); err != nil || missing != nil {
		t.Fatalf("missing task: got=%v err=%v", missing, err)
	}

	parent := &types.WorkflowStep{TaskID: task.TaskID, NamedStepID: "parent", Name: "parent", RetryLimit: 3, Retryable: true}
	child := &types.WorkflowStep{TaskID: task.TaskID, NamedStepID: "child", Name: "child", RetryLimit: 3, Retryable: true}
	if _, err := steps.Create(dbc, []*types.WorkflowStep{parent, child}); err != nil {
		t.Fatalf("step create: %v", err)
	}
	if err := edges.Create(dbc, []*types.WorkflowStepEdge{
		{FromStepID: parent.WorkflowStepID, ToStepID: child.WorkflowStepID},
	}); err != nil {
		t.Fatalf("edge create: %v", err)
	}

	listed, err := steps.ListByTask(dbc, task.TaskID)
	if err != nil || len(listed) != 2 {
		t.Fatalf("list steps: len=%d err=%v", len(listed), err)
	}
	parents, err := steps.Parents(dbc, child.WorkflowStepID)
	if err != nil || len(parents) != 1 || parents[0].WorkflowStepID != parent.WorkflowStepID {
		t.Fatalf("parents: %v err=%v", parents, err)
	}
	taskEdges, err := edges.ListByTask(dbc, task.TaskID)
	if err != nil || len(taskEdges) != 1 {
		t.Fatalf("edges by task: len=%d err=%v", len(taskEdges), err)
	}

	if err := steps.UpdateFields(dbc, parent.WorkflowStepID, map[string]interface{}{"attempts": 2}); err != nil {
		t.Fatalf("step update: %v", err)
	}
	reloaded, err := steps.GetByID(dbc, parent.WorkflowStepID)
	if err != nil || reloaded.Attempts != 2 {
		t.Fatalf("step reload: attempts=%d err=%v", reloaded.Attempts, err)
	}
}

func TestTransitionAppendFlipsMostRecent(t *testing.T) {
	tx := testutil.Tx(t)
	log := testutil.Logger(t)
	dbc := dbctx.Context{Ctx: context.Background(), Tx: tx}

	tasks := NewTaskRepo(tx, log)
	transitions := NewTaskTransitionRepo(tx, log)

	task := &types.Task{NamedTaskID: "transition-test", Name: "transition test"}
	if _, err := tasks.Create(dbc, []*types.Task{task}); err != nil {
		t.Fatalf("task create: %v", err)
	}

	if cur, err := transitions.Current(dbc, task.TaskID); err != nil || cur != nil {
		t.Fatalf("empty current: got=%v err=%v", cur, err)
	}

	first, err := transitions.Append(dbc, task.TaskID, nil, "pending", nil)
	if err != nil {
		t.Fatalf("append #1: %v", err)
	}
	if first.SortKey != 1 || !first.MostRecent || first.FromState != nil {
		t.Fatalf("append #1: %+v", first)
	}

	from := "pending"
	second, err := transitions.Append(dbc, task.TaskID, &from, "in_progress", nil)
	if err != nil {
		t.Fatalf("append #2: %v", err)
	}
	if second.SortKey != 2 {
		t.Fatalf("append #2 sort key: %d", second.SortKey)
	}

	cur, err := transitions.Current(dbc, task.TaskID)
	if err != nil || cur == nil || cur.ID != second.ID {
		t.Fatalf("current after flip: got=%v err=%v", cur, err)
	}

	history, err := transitions.History(dbc, task.TaskID)
	if err != nil || len(history) != 2 {
		t.Fatalf("history: len=%d err=%v", len(history), err)
	}
	if history[0].MostRecent || !history[1].MostRecent {
		t.Fatalf("most_recent not exclusive: %+v %+v", history[0], history[1])
	}
}

func TestStepLastFailureIgnoresMostRecent(t *testing.T) {
	tx := testutil.Tx(t)
	log := testutil.Logger(t)
	dbc := dbctx.Context{Ctx: context.Background(), Tx: tx}

	tasks := NewTaskRepo(tx, log)
	steps := NewStepRepo(tx, log)
	transitions := NewStepTransitionRepo(tx, log)

	task := &types.Task{NamedTaskID: "failure-test", Name: "failure test"}
	if _, err := tasks.Create(dbc, []*types.Task{task}); err != nil {
		t.Fatalf("task create: %v", err)
	}
	step := &types.WorkflowStep{TaskID: task.TaskID, NamedStepID: "s", Name: "s", RetryLimit: 3, Retryable: true}
	if _, err := steps.Create(dbc, []*types.WorkflowStep{step}); err != nil {
		t.Fatalf("step create: %v", err)
	}

	if at, err := transitions.LastFailureAt(dbc, step.WorkflowStepID); err != nil || at != nil {
		t.Fatalf("no failures yet: at=%v err=%v", at, err)
	}

	pending := "pending"
	inProgress := "in_progress"
	errState := "error"
	if _, err := transitions.Append(dbc, step.WorkflowStepID, nil, pending, nil); err != nil {
		t.Fatalf("append pending: %v", err)
	}
	if _, err := transitions.Append(dbc, step.WorkflowStepID, &pending, inProgress, nil); err != nil {
		t.Fatalf("append in_progress: %v", err)
	}
	failure, err := transitions.Append(dbc, step.WorkflowStepID, &inProgress, errState, nil)
	if err != nil {
		t.Fatalf("append error: %v", err)
	}
	// retry resets to pending; the error row is no longer most_recent
	if _, err := transitions.Append(dbc, step.WorkflowStepID, &errState, pending, nil); err != nil {
		t.Fatalf("append retry: %v", err)
	}

	at, err := transitions.LastFailureAt(dbc, step.WorkflowStepID)
	if err != nil {
		t.Fatalf("last failure: %v", err)
	}
	if at == nil || !at.Truncate(time.Millisecond).Equal(failure.CreatedAt.Truncate(time.Millisecond)) {
		t.Fatalf("last failure: expected %v got %v", failure.CreatedAt, at)
	}
}
