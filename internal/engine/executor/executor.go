// Package executor claims viable steps, runs their handlers, and records the
// outcome as audited transitions. Handler failure is data, persisted to the
// step's results and transition metadata; only infrastructure errors come
// back as Go errors.
package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
	"gorm.io/gorm"

	readinessrepo "github.com/workgraph/workgraph/internal/data/repos/readiness"
	workflowrepo "github.com/workgraph/workgraph/internal/data/repos/workflow"
	"github.com/workgraph/workgraph/internal/domain/fault"
	"github.com/workgraph/workgraph/internal/domain/workflow"
	"github.com/workgraph/workgraph/internal/engine/handler"
	"github.com/workgraph/workgraph/internal/engine/statemachine"
	"github.com/workgraph/workgraph/internal/platform/dbctx"
	"github.com/workgraph/workgraph/internal/platform/envutil"
	"github.com/workgraph/workgraph/internal/platform/logger"
)

// Failure classes recorded in step results.
const (
	classHandlerError    = "handler_error"
	classHandlerNotFound = "handler_not_found"
	classTimeout         = "timeout"
	classPanic           = "panic"
)

// Outcome is the per-step result of one execution pass.
type Outcome struct {
	StepID    int64
	Claimed   bool
	Succeeded bool
	// Err is the handler failure when Claimed && !Succeeded.
	Err error
}

// Result summarizes a batch.
type Result struct {
	Claimed   int
	Succeeded int
	Failed    int
	Skipped   int
}

func (r Result) add(o Outcome) Result {
	if !o.Claimed {
		r.Skipped++
		return r
	}
	r.Claimed++
	if o.Succeeded {
		r.Succeeded++
	} else {
		r.Failed++
	}
	return r
}

type Executor struct {
	db          *gorm.DB
	steps       workflowrepo.StepRepo
	readiness   readinessrepo.Repo
	stepSM      *statemachine.Steps
	registry    *handler.Registry
	maxInFlight int64
	log         *logger.Logger
}

func New(
	db *gorm.DB,
	steps workflowrepo.StepRepo,
	readiness readinessrepo.Repo,
	stepSM *statemachine.Steps,
	registry *handler.Registry,
	baseLog *logger.Logger,
) *Executor {
	return &Executor{
		db:          db,
		steps:       steps,
		readiness:   readiness,
		stepSM:      stepSM,
		registry:    registry,
		maxInFlight: int64(envutil.Int("EXECUTOR_MAX_CONCURRENCY", 4)),
		log:         baseLog.With("service", "StepExecutor"),
	}
}

// ExecuteBatch runs a batch of viable steps under the task's execution mode.
// Concurrent tasks fan siblings out under a semaphore; sequential tasks run
// them in dependency-level order, optionally halting at the first failure.
func (e *Executor) ExecuteBatch(ctx context.Context, task *workflow.Task, batch []*workflow.WorkflowStep) (Result, error) {
	if len(batch) == 0 {
		return Result{}, nil
	}
	if task.Concurrent && len(batch) > 1 {
		return e.runConcurrent(ctx, task, batch)
	}
	return e.runSequential(ctx, task, batch)
}

func (e *Executor) runConcurrent(ctx context.Context, task *workflow.Task, batch []*workflow.WorkflowStep) (Result, error) {
	sem := semaphore.NewWeighted(e.maxInFlight)
	g, gctx := errgroup.WithContext(ctx)

	var mu sync.Mutex
	var result Result

	for _, step := range batch {
		step := step
		g.Go(func() error {
			if err := sem.Acquire(gctx, 1); err != nil {
				return err
			}
			defer sem.Release(1)

			outcome, err := e.executeOne(gctx, task, step)
			if err != nil {
				return err
			}
			mu.Lock()
			result = result.add(outcome)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return result, err
	}
	return result, nil
}

func (e *Executor) runSequential(ctx context.Context, task *workflow.Task, batch []*workflow.WorkflowStep) (Result, error) {
	ordered, err := e.orderByLevel(ctx, task.TaskID, batch)
	if err != nil {
		return Result{}, err
	}

	var result Result
	for i, step := range ordered {
		outcome, err := e.executeOne(ctx, task, step)
		if err != nil {
			return result, err
		}
		result = result.add(outcome)
		if outcome.Claimed && !outcome.Succeeded && task.SequentialHaltOnFailure {
			result.Skipped += len(ordered) - i - 1
			break
		}
	}
	return result, nil
}

// orderByLevel sorts a batch by longest-path depth, ties by id, so sequential
// execution respects the DAG shape even when several levels are viable.
func (e *Executor) orderByLevel(ctx context.Context, taskID int64, batch []*workflow.WorkflowStep) ([]*workflow.WorkflowStep, error) {
	levels, err := e.readiness.DependencyLevels(dbctx.Context{Ctx: ctx}, taskID)
	if err != nil {
		return nil, err
	}
	levelOf := make(map[int64]int, len(levels))
	for _, l := range levels {
		levelOf[l.WorkflowStepID] = l.Level
	}
	ordered := make([]*workflow.WorkflowStep, len(batch))
	copy(ordered, batch)
	sort.SliceStable(ordered, func(i, j int) bool {
		li, lj := levelOf[ordered[i].WorkflowStepID], levelOf[ordered[j].WorkflowStepID]
		if li != lj {
			return li < lj
		}
		return ordered[i].WorkflowStepID < ordered[j].WorkflowStepID
	})
	return ordered, nil
}

func (e *Executor) executeOne(ctx context.Context, task *workflow.Task, step *workflow.WorkflowStep) (Outcome, error) {
	outcome := Outcome{StepID: step.WorkflowStepID}

	claimed, claimedStep, err := e.claim(ctx, step.WorkflowStepID)
	if err != nil {
		return outcome, err
	}
	if !claimed {
		e.log.Debug("step no longer viable, skipping",
			"task_id", task.TaskID, "workflow_step_id", step.WorkflowStepID)
		return outcome, nil
	}
	outcome.Claimed = true

	results, handlerErr := e.invoke(ctx, task, claimedStep)
	if handlerErr == nil {
		if err := e.complete(ctx, claimedStep.WorkflowStepID, results); err != nil {
			return outcome, err
		}
		outcome.Succeeded = true
		return outcome, nil
	}

	if err := e.fail(ctx, claimedStep.WorkflowStepID, handlerErr); err != nil {
		return outcome, err
	}
	outcome.Err = handlerErr
	e.log.Warn("step handler failed",
		"task_id", task.TaskID,
		"workflow_step_id", claimedStep.WorkflowStepID,
		"attempt", claimedStep.Attempts,
		"error", handlerErr)
	return outcome, nil
}

// claim atomically re-checks eligibility under the step's row lock and marks
// the step in progress. A step that lost its eligibility between discovery
// and here is skipped silently; a competing worker already owns it.
func (e *Executor) claim(ctx context.Context, stepID int64) (bool, *workflow.WorkflowStep, error) {
	var claimed bool
	var out *workflow.WorkflowStep
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		txc := dbctx.Context{Ctx: ctx, Tx: tx}

		step, err := e.steps.LockByID(txc, stepID)
		if err != nil {
			return err
		}
		if step == nil {
			return fault.New(fault.CodeNotFound, "executor.claim", fmt.Sprintf("step %d not found", stepID))
		}
		if step.Processed || step.InProcess {
			return nil
		}
		cur, err := e.stepSM.CurrentState(txc, stepID)
		if err != nil {
			return err
		}
		if cur != workflow.StepPending && cur != workflow.StepError {
			return nil
		}

		now := time.Now().UTC()
		attempts := step.Attempts + 1
		if _, err := e.stepSM.TransitionTo(txc, stepID, workflow.StepInProgress, statemachine.StepChange{
			Metadata: map[string]interface{}{"attempt": attempts},
			Updates: map[string]interface{}{
				"attempts":          attempts,
				"last_attempted_at": now,
				"in_process":        true,
			},
		}); err != nil {
			return err
		}

		step.Attempts = attempts
		step.LastAttemptedAt = &now
		step.InProcess = true
		out = step
		claimed = true
		return nil
	})
	if err != nil {
		return false, nil, err
	}
	return claimed, out, nil
}

// invoke resolves and runs the handler in a goroutine so a handler that
// ignores its context still cannot hold the worker past the step's deadline.
func (e *Executor) invoke(ctx context.Context, task *workflow.Task, step *workflow.WorkflowStep) (map[string]interface{}, error) {
	h, err := e.registry.Resolve(step.HandlerNamespace, step.HandlerName)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", classHandlerNotFound, err)
	}

	in, err := e.buildInput(ctx, task, step)
	if err != nil {
		return nil, err
	}

	runCtx := ctx
	var cancel context.CancelFunc
	if d := step.Timeout(); d > 0 {
		runCtx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}

	type callResult struct {
		results map[string]interface{}
		err     error
	}
	done := make(chan callResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- callResult{err: fmt.Errorf("%s: %v\n%s", classPanic, r, debug.Stack())}
			}
		}()
		results, err := h.Call(runCtx, in)
		done <- callResult{results: results, err: err}
	}()

	select {
	case res := <-done:
		return res.results, res.err
	case <-runCtx.Done():
		if ctx.Err() != nil {
			// worker shutdown, not a step timeout
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%s: handler exceeded %s", classTimeout, step.Timeout())
	}
}

func (e *Executor) buildInput(ctx context.Context, task *workflow.Task, step *workflow.WorkflowStep) (handler.Input, error) {
	in := handler.Input{
		Step:            step,
		TaskContext:     unmarshalMap(task.Context),
		Config:          unmarshalMap(step.HandlerConfig),
		Inputs:          unmarshalMap(step.Inputs),
		UpstreamResults: map[string]map[string]interface{}{},
	}
	parents, err := e.steps.Parents(dbctx.Context{Ctx: ctx}, step.WorkflowStepID)
	if err != nil {
		return in, err
	}
	for _, p := range parents {
		if len(p.Results) > 0 {
			in.UpstreamResults[p.Name] = unmarshalMap(p.Results)
		}
	}
	return in, nil
}

func (e *Executor) complete(ctx context.Context, stepID int64, results map[string]interface{}) error {
	raw, err := json.Marshal(results)
	if err != nil {
		raw = []byte(`{}`)
	}
	_, err = e.stepSM.TransitionTo(dbctx.Context{Ctx: ctx}, stepID, workflow.StepComplete, statemachine.StepChange{
		Updates: map[string]interface{}{
			"processed":               true,
			"in_process":              false,
			"results":                 raw,
			"backoff_request_seconds": nil,
		},
	})
	return err
}

// fail records the error to the step's results and transition metadata. A
// handler-requested backoff lands in backoff_request_seconds, where it
// overrides the exponential window until the next attempt clears it.
func (e *Executor) fail(ctx context.Context, stepID int64, handlerErr error) error {
	record := map[string]interface{}{
		"error": map[string]interface{}{
			"message": handlerErr.Error(),
			"class":   classify(handlerErr),
		},
	}
	raw, err := json.Marshal(record)
	if err != nil {
		raw = []byte(`{}`)
	}
	updates := map[string]interface{}{
		"in_process": false,
		"results":    raw,
	}
	if delay, ok := handler.RequestedBackoff(handlerErr); ok {
		updates["backoff_request_seconds"] = int(delay / time.Second)
	} else {
		updates["backoff_request_seconds"] = nil
	}
	_, err = e.stepSM.TransitionTo(dbctx.Context{Ctx: ctx}, stepID, workflow.StepError, statemachine.StepChange{
		Metadata: map[string]interface{}{"error": handlerErr.Error()},
		Updates:  updates,
	})
	return err
}

func classify(err error) string {
	msg := err.Error()
	switch {
	case strings.HasPrefix(msg, classTimeout):
		return classTimeout
	case strings.HasPrefix(msg, classPanic):
		return classPanic
	case strings.HasPrefix(msg, classHandlerNotFound):
		return classHandlerNotFound
	default:
		return classHandlerError
	}
}

func unmarshalMap(raw []byte) map[string]interface{} {
	if len(raw) == 0 {
		return map[string]interface{}{}
	}
	var out map[string]interface{}
	if err := json.Unmarshal(raw, &out); err != nil || out == nil {
		return map[string]interface{}{}
	}
	return out
}
