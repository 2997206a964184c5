// Package coordinator drives one full pass over a task: claim it, run its
// viable steps, then let the finalizer decide between terminal transition
// and requeue. One envelope in, one pass out; all state lives in Postgres,
// so passes are safe to repeat and safe to race.
package coordinator

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	workflowrepo "github.com/workgraph/workgraph/internal/data/repos/workflow"
	"github.com/workgraph/workgraph/internal/domain/workflow"
	"github.com/workgraph/workgraph/internal/engine/discovery"
	"github.com/workgraph/workgraph/internal/engine/executor"
	"github.com/workgraph/workgraph/internal/engine/finalizer"
	"github.com/workgraph/workgraph/internal/engine/statemachine"
	"github.com/workgraph/workgraph/internal/platform/dbctx"
	"github.com/workgraph/workgraph/internal/platform/logger"
	"github.com/workgraph/workgraph/internal/queue"
)

type Coordinator struct {
	tasks     workflowrepo.TaskRepo
	taskSM    *statemachine.Tasks
	discovery *discovery.Service
	executor  *executor.Executor
	finalizer *finalizer.Finalizer
	log       *logger.Logger
}

func New(
	tasks workflowrepo.TaskRepo,
	taskSM *statemachine.Tasks,
	disc *discovery.Service,
	exec *executor.Executor,
	fin *finalizer.Finalizer,
	baseLog *logger.Logger,
) *Coordinator {
	return &Coordinator{
		tasks:     tasks,
		taskSM:    taskSM,
		discovery: disc,
		executor:  exec,
		finalizer: fin,
		log:       baseLog.With("service", "TaskCoordinator"),
	}
}

// Coordinate processes one wake-up envelope end to end.
func (c *Coordinator) Coordinate(ctx context.Context, env *queue.Envelope) (finalizer.Decision, error) {
	tracer := otel.Tracer("workgraph/coordinator")
	ctx, span := tracer.Start(ctx, "coordinate_task")
	defer span.End()
	span.SetAttributes(
		attribute.Int64("task_id", env.TaskID),
		attribute.String("reason", string(env.Reason)),
	)

	d, err := c.coordinate(ctx, env)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return d, err
	}
	span.SetAttributes(
		attribute.String("execution_status", string(d.ExecutionContext.ExecutionStatus)),
		attribute.Bool("finalized", d.Finalized),
	)
	return d, nil
}

func (c *Coordinator) coordinate(ctx context.Context, env *queue.Envelope) (finalizer.Decision, error) {
	dbc := dbctx.Context{Ctx: ctx}

	task, err := c.tasks.GetByID(dbc, env.TaskID)
	if err != nil {
		return finalizer.Decision{}, err
	}
	if task == nil {
		c.log.Warn("envelope for unknown task dropped", "task_id", env.TaskID)
		return finalizer.Decision{}, nil
	}

	state, err := c.taskSM.CurrentState(dbc, task.TaskID)
	if err != nil {
		return finalizer.Decision{}, err
	}
	if state.Terminal() {
		// stale envelope; the task was finalized by an earlier pass
		c.log.Debug("envelope for terminal task dropped",
			"task_id", task.TaskID, "state", state, "reason", env.Reason)
		return finalizer.Decision{}, nil
	}

	if _, err := c.taskSM.SafeTransitionTo(dbc, task.TaskID, workflow.TaskInProgress, map[string]interface{}{
		"reason": string(env.Reason),
	}); err != nil {
		return finalizer.Decision{}, err
	}

	batch, err := c.discovery.ViableSteps(dbc, task.TaskID)
	if err != nil {
		return finalizer.Decision{}, err
	}

	if len(batch) > 0 {
		res, err := c.executor.ExecuteBatch(ctx, task, batch)
		if err != nil {
			return finalizer.Decision{}, err
		}
		c.log.Info("execution pass finished",
			"task_id", task.TaskID,
			"claimed", res.Claimed,
			"succeeded", res.Succeeded,
			"failed", res.Failed,
			"skipped", res.Skipped)
	}

	return c.finalizer.Finalize(ctx, task.TaskID)
}
