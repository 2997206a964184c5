package executor

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"gorm.io/gorm"

	readinessrepo "github.com/workgraph/workgraph/internal/data/repos/readiness"
	"github.com/workgraph/workgraph/internal/data/repos/testutil"
	workflowrepo "github.com/workgraph/workgraph/internal/data/repos/workflow"
	"github.com/workgraph/workgraph/internal/definition"
	"github.com/workgraph/workgraph/internal/domain/workflow"
	"github.com/workgraph/workgraph/internal/engine/handler"
	"github.com/workgraph/workgraph/internal/engine/statemachine"
	"github.com/workgraph/workgraph/internal/events"
	"github.com/workgraph/workgraph/internal/platform/dbctx"
)

type harness struct {
	db       *gorm.DB
	registry *handler.Registry
	seeder   *definition.Seeder
	steps    workflowrepo.StepRepo
	stepSM   *statemachine.Steps
	exec     *Executor
}

// newHarness wires an executor over the given handle. Tests that run steps
// sequentially pass testutil.Tx for rollback isolation; the concurrency test
// passes the root testutil.DB handle, because a single transaction connection
// cannot serve goroutines in parallel, and cleans its rows up itself.
func newHarness(t *testing.T, db *gorm.DB) *harness {
	t.Helper()
	log := testutil.Logger(t)

	tasks := workflowrepo.NewTaskRepo(db, log)
	steps := workflowrepo.NewStepRepo(db, log)
	edges := workflowrepo.NewEdgeRepo(db, log)
	taskTransitions := workflowrepo.NewTaskTransitionRepo(db, log)
	stepTransitions := workflowrepo.NewStepTransitionRepo(db, log)
	readiness := readinessrepo.New(db, log)

	bus := events.NewBus()
	t.Cleanup(bus.Close)

	stepSM := statemachine.NewSteps(db, steps, stepTransitions, bus, log)
	registry := handler.NewRegistry()

	return &harness{
		db:       db,
		registry: registry,
		seeder:   definition.NewSeeder(db, tasks, steps, edges, taskTransitions, stepTransitions, log),
		steps:    steps,
		stepSM:   stepSM,
		exec:     New(db, steps, readiness, stepSM, registry, log),
	}
}

func (h *harness) batch(t *testing.T, taskID int64) []*workflow.WorkflowStep {
	t.Helper()
	steps, err := h.steps.ListByTask(dbctx.Context{Ctx: context.Background(), Tx: h.db}, taskID)
	if err != nil {
		t.Fatalf("list steps: %v", err)
	}
	return steps
}

func (h *harness) errorRecord(t *testing.T, step *workflow.WorkflowStep) map[string]interface{} {
	t.Helper()
	var results map[string]interface{}
	if err := json.Unmarshal(step.Results, &results); err != nil {
		t.Fatalf("step results: %v", err)
	}
	record, _ := results["error"].(map[string]interface{})
	if record == nil {
		t.Fatalf("no error record in results: %v", results)
	}
	return record
}

func TestExecuteBatchSynthesizesTimeoutFailure(t *testing.T) {
	h := newHarness(t, testutil.Tx(t))
	ctx := context.Background()

	if err := h.registry.RegisterFunc("slow", "step", func(_ context.Context, _ handler.Input) (map[string]interface{}, error) {
		// ignores its context on purpose; the executor must not wait it out
		time.Sleep(3 * time.Second)
		return map[string]interface{}{}, nil
	}); err != nil {
		t.Fatalf("register: %v", err)
	}

	task, err := h.seeder.CreateTask(ctx, &definition.TaskDefinition{
		ID: "slow", Name: "slow",
		Steps: []definition.StepTemplate{
			{ID: "only", Handler: definition.HandlerRef{Namespace: "slow", Name: "step"}, TimeoutSeconds: 1},
		},
	})
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	started := time.Now()
	res, err := h.exec.ExecuteBatch(ctx, task, h.batch(t, task.TaskID))
	if err != nil {
		t.Fatalf("ExecuteBatch: %v", err)
	}
	if res.Claimed != 1 || res.Failed != 1 {
		t.Fatalf("result: %+v", res)
	}
	if elapsed := time.Since(started); elapsed >= 3*time.Second {
		t.Fatalf("executor waited out the handler: %s", elapsed)
	}

	steps := h.batch(t, task.TaskID)
	record := h.errorRecord(t, steps[0])
	if record["class"] != "timeout" {
		t.Fatalf("failure class: %v", record)
	}
	if steps[0].InProcess {
		t.Fatalf("timed-out step left in_process: %+v", steps[0])
	}
	state, err := h.stepSM.CurrentState(dbctx.Context{Ctx: ctx, Tx: h.db}, steps[0].WorkflowStepID)
	if err != nil || state != workflow.StepError {
		t.Fatalf("step state: %s err=%v", state, err)
	}
}

func TestExecuteBatchCapturesHandlerPanic(t *testing.T) {
	h := newHarness(t, testutil.Tx(t))
	ctx := context.Background()

	if err := h.registry.RegisterFunc("broken", "step", func(_ context.Context, _ handler.Input) (map[string]interface{}, error) {
		panic("nil map write")
	}); err != nil {
		t.Fatalf("register: %v", err)
	}

	task, err := h.seeder.CreateTask(ctx, &definition.TaskDefinition{
		ID: "broken", Name: "broken",
		Steps: []definition.StepTemplate{
			{ID: "only", Handler: definition.HandlerRef{Namespace: "broken", Name: "step"}},
		},
	})
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	res, err := h.exec.ExecuteBatch(ctx, task, h.batch(t, task.TaskID))
	if err != nil {
		t.Fatalf("a panicking handler must become step data, not an error: %v", err)
	}
	if res.Claimed != 1 || res.Failed != 1 {
		t.Fatalf("result: %+v", res)
	}

	steps := h.batch(t, task.TaskID)
	record := h.errorRecord(t, steps[0])
	if record["class"] != "panic" {
		t.Fatalf("failure class: %v", record)
	}
	if msg, _ := record["message"].(string); !strings.Contains(msg, "nil map write") {
		t.Fatalf("panic value lost: %v", record)
	}
}

func TestExecuteBatchSkipsAlreadyProcessedStep(t *testing.T) {
	h := newHarness(t, testutil.Tx(t))
	ctx := context.Background()

	calls := 0
	if err := h.registry.RegisterFunc("once", "step", func(_ context.Context, _ handler.Input) (map[string]interface{}, error) {
		calls++
		return map[string]interface{}{"ok": true}, nil
	}); err != nil {
		t.Fatalf("register: %v", err)
	}

	task, err := h.seeder.CreateTask(ctx, &definition.TaskDefinition{
		ID: "once", Name: "once",
		Steps: []definition.StepTemplate{
			{ID: "only", Handler: definition.HandlerRef{Namespace: "once", Name: "step"}},
		},
	})
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	batch := h.batch(t, task.TaskID)

	res, err := h.exec.ExecuteBatch(ctx, task, batch)
	if err != nil || res.Succeeded != 1 {
		t.Fatalf("first pass: %+v err=%v", res, err)
	}

	// a duplicate envelope replays the same batch; the claim must reject it
	res, err = h.exec.ExecuteBatch(ctx, task, batch)
	if err != nil {
		t.Fatalf("second pass: %v", err)
	}
	if res.Claimed != 0 || res.Skipped != 1 {
		t.Fatalf("replayed batch was not skipped: %+v", res)
	}
	if calls != 1 {
		t.Fatalf("handler ran %d times", calls)
	}
}

func TestExecuteBatchFansOutConcurrently(t *testing.T) {
	db := testutil.DB(t)
	h := newHarness(t, db)
	ctx := context.Background()

	// both handlers must be in flight at once to pass the barrier; the
	// fallback timer turns a sequential executor into a failure, not a hang
	barrier := make(chan struct{})
	var arrivals int32
	meet := func(_ context.Context, _ handler.Input) (map[string]interface{}, error) {
		if atomic.AddInt32(&arrivals, 1) == 2 {
			close(barrier)
		}
		select {
		case <-barrier:
			return map[string]interface{}{}, nil
		case <-time.After(5 * time.Second):
			return nil, errors.New("sibling step never started")
		}
	}
	if err := h.registry.RegisterFunc("fanout", "left", meet); err != nil {
		t.Fatalf("register left: %v", err)
	}
	if err := h.registry.RegisterFunc("fanout", "right", meet); err != nil {
		t.Fatalf("register right: %v", err)
	}

	task, err := h.seeder.CreateTask(ctx, &definition.TaskDefinition{
		ID: "fanout", Name: "fanout",
		Concurrent: true,
		Steps: []definition.StepTemplate{
			{ID: "left", Handler: definition.HandlerRef{Namespace: "fanout", Name: "left"}},
			{ID: "right", Handler: definition.HandlerRef{Namespace: "fanout", Name: "right"}},
		},
	})
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	t.Cleanup(func() {
		db.Exec(`DELETE FROM workflow_step_transitions WHERE workflow_step_id IN
			(SELECT workflow_step_id FROM workflow_steps WHERE task_id = ?)`, task.TaskID)
		db.Exec(`DELETE FROM workflow_step_edges WHERE from_step_id IN
			(SELECT workflow_step_id FROM workflow_steps WHERE task_id = ?)`, task.TaskID)
		db.Exec(`DELETE FROM workflow_steps WHERE task_id = ?`, task.TaskID)
		db.Exec(`DELETE FROM task_transitions WHERE task_id = ?`, task.TaskID)
		db.Exec(`DELETE FROM tasks WHERE task_id = ?`, task.TaskID)
	})

	res, err := h.exec.ExecuteBatch(ctx, task, h.batch(t, task.TaskID))
	if err != nil {
		t.Fatalf("ExecuteBatch: %v", err)
	}
	if res.Claimed != 2 || res.Succeeded != 2 {
		t.Fatalf("siblings did not run in parallel: %+v", res)
	}
	for _, s := range h.batch(t, task.TaskID) {
		if !s.Processed || s.InProcess {
			t.Fatalf("step flags after fan-out: %+v", s)
		}
	}
}
