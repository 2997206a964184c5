// Package finalizer decides what happens to a task after an execution pass:
// terminal completion, terminal failure, or another trip through the queue.
package finalizer

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"gorm.io/gorm"

	readinessrepo "github.com/workgraph/workgraph/internal/data/repos/readiness"
	workflowrepo "github.com/workgraph/workgraph/internal/data/repos/workflow"
	"github.com/workgraph/workgraph/internal/domain/workflow"
	"github.com/workgraph/workgraph/internal/engine/backoff"
	"github.com/workgraph/workgraph/internal/engine/statemachine"
	"github.com/workgraph/workgraph/internal/events"
	"github.com/workgraph/workgraph/internal/platform/dbctx"
	"github.com/workgraph/workgraph/internal/platform/envutil"
	"github.com/workgraph/workgraph/internal/platform/logger"
	"github.com/workgraph/workgraph/internal/queue"
)

// Decision records what the finalizer did with a task.
type Decision struct {
	ExecutionContext workflow.TaskExecutionContext

	Finalized  bool
	FinalState workflow.TaskState

	Requeued  bool
	Reason    queue.Reason
	NotBefore time.Time
}

type Finalizer struct {
	db        *gorm.DB
	tasks     workflowrepo.TaskRepo
	readiness readinessrepo.Repo
	taskSM    *statemachine.Tasks
	requeuer  *Requeuer
	bus       events.Bus

	// recheck paces polling while another worker's steps are in flight.
	recheck time.Duration

	// rngMu serializes the rng; one Finalizer serves every worker goroutine.
	rngMu sync.Mutex
	rng   *rand.Rand

	log *logger.Logger
}

func New(
	db *gorm.DB,
	tasks workflowrepo.TaskRepo,
	readiness readinessrepo.Repo,
	taskSM *statemachine.Tasks,
	requeuer *Requeuer,
	bus events.Bus,
	baseLog *logger.Logger,
) *Finalizer {
	return &Finalizer{
		db:        db,
		tasks:     tasks,
		readiness: readiness,
		taskSM:    taskSM,
		requeuer:  requeuer,
		bus:       bus,
		recheck:   envutil.Duration("FINALIZER_RECHECK_INTERVAL", 2*time.Second),
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
		log:       baseLog.With("service", "TaskFinalizer"),
	}
}

// Finalize inspects the task's execution context and either records a
// terminal transition or hands the task back to the queue.
func (f *Finalizer) Finalize(ctx context.Context, taskID int64) (Decision, error) {
	dbc := dbctx.Context{Ctx: ctx}
	rows, err := f.readiness.ForTask(dbc, taskID)
	if err != nil {
		return Decision{}, err
	}
	ec := workflow.BuildExecutionContext(taskID, rows)
	d := Decision{ExecutionContext: ec}

	switch ec.ExecutionStatus {
	case workflow.StatusAllComplete:
		return f.finalizeTerminal(ctx, taskID, workflow.TaskComplete, d)
	case workflow.StatusBlockedByFailures:
		return f.finalizeTerminal(ctx, taskID, workflow.TaskError, d)
	case workflow.StatusHasReadySteps:
		return f.requeue(ctx, taskID, d, queue.ReasonStepCompleted, time.Time{})
	case workflow.StatusProcessing:
		return f.requeue(ctx, taskID, d, queue.ReasonRetry, time.Now().Add(f.recheck))
	case workflow.StatusWaitingForDependencies:
		return f.requeue(ctx, taskID, d, queue.ReasonBackoffWait, f.wakeUpFor(rows))
	default:
		return f.requeue(ctx, taskID, d, queue.ReasonRetry, time.Now().Add(f.recheck))
	}
}

// finalizeTerminal re-reads the execution context under the task's row lock
// before the terminal transition. A step that slipped back to ready between
// the outer read and the lock turns the finalization into a requeue instead.
func (f *Finalizer) finalizeTerminal(ctx context.Context, taskID int64, target workflow.TaskState, d Decision) (Decision, error) {
	expected := d.ExecutionContext.ExecutionStatus
	var drifted workflow.TaskExecutionContext
	err := f.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		txc := dbctx.Context{Ctx: ctx, Tx: tx}

		if _, err := f.tasks.LockByID(txc, taskID); err != nil {
			return err
		}
		ec, err := f.readiness.ExecutionContext(txc, taskID)
		if err != nil {
			return err
		}
		if ec.ExecutionStatus != expected {
			drifted = ec
			return nil
		}
		d.ExecutionContext = ec

		// SafeTransitionTo absorbs duplicate envelopes racing to finalize.
		if _, err := f.taskSM.SafeTransitionTo(txc, taskID, target, map[string]interface{}{
			"execution_status": string(ec.ExecutionStatus),
			"completed_steps":  ec.CompletedSteps,
			"failed_steps":     ec.FailedSteps,
			"total_steps":      ec.TotalSteps,
		}); err != nil {
			return err
		}
		d.Finalized = true
		d.FinalState = target
		return nil
	})
	if err != nil {
		return d, err
	}
	if drifted.ExecutionStatus != "" {
		f.log.Info("finalization aborted, execution context drifted",
			"task_id", taskID, "expected", expected, "actual", drifted.ExecutionStatus)
		d.ExecutionContext = drifted
		d.Finalized = false
		return f.requeue(ctx, taskID, d, queue.ReasonRetry, time.Time{})
	}
	if f.bus != nil {
		f.bus.Publish(ctx, events.Event{
			Kind:    events.KindTaskFinalized,
			TaskID:  taskID,
			ToState: string(target),
		})
	}
	f.log.Info("task finalized", "task_id", taskID, "state", target)
	return d, nil
}

func (f *Finalizer) requeue(ctx context.Context, taskID int64, d Decision, reason queue.Reason, notBefore time.Time) (Decision, error) {
	if err := f.requeuer.Requeue(ctx, taskID, reason, notBefore); err != nil {
		return d, err
	}
	d.Requeued = true
	d.Reason = reason
	d.NotBefore = notBefore
	return d, nil
}

// wakeUpFor schedules the waiting delay from the nearest retry window. The
// readiness query enforces the window's non-jittered upper edge; the actual
// wake-up is the jittered point inside it, so retries from correlated
// failures spread out instead of stampeding.
func (f *Finalizer) wakeUpFor(rows []workflow.StepReadiness) time.Time {
	now := time.Now().UTC()
	var earliest time.Time
	f.rngMu.Lock()
	for _, r := range rows {
		if r.NextRetryAt == nil || r.ReadyForExecution || r.PermanentlyBlocked() {
			continue
		}
		at := backoff.NextRetryAt(r, now, f.rng)
		if earliest.IsZero() || at.Before(earliest) {
			earliest = at
		}
	}
	f.rngMu.Unlock()
	if earliest.IsZero() {
		// nothing ready, nothing running, nothing retryable soon: poll slowly
		return now.Add(5 * f.recheck)
	}
	return earliest
}
