package finalizer

import (
	"context"
	"time"

	"github.com/workgraph/workgraph/internal/events"
	"github.com/workgraph/workgraph/internal/platform/logger"
	"github.com/workgraph/workgraph/internal/queue"
)

// Requeuer publishes wake-up envelopes. It never touches task state; a task
// that gets re-enqueued twice is coordinated again twice, harmlessly.
type Requeuer struct {
	q   queue.Queue
	bus events.Bus
	log *logger.Logger
}

func NewRequeuer(q queue.Queue, bus events.Bus, baseLog *logger.Logger) *Requeuer {
	return &Requeuer{
		q:   q,
		bus: bus,
		log: baseLog.With("service", "TaskRequeuer"),
	}
}

func (r *Requeuer) Requeue(ctx context.Context, taskID int64, reason queue.Reason, notBefore time.Time) error {
	env := queue.Envelope{
		TaskID:     taskID,
		Reason:     reason,
		EnqueuedAt: time.Now().UTC(),
		NotBefore:  notBefore,
	}
	if err := r.q.Enqueue(ctx, env); err != nil {
		return err
	}
	if r.bus != nil {
		r.bus.Publish(ctx, events.Event{
			Kind:   events.KindTaskEnqueued,
			TaskID: taskID,
			Fields: map[string]interface{}{"reason": string(reason)},
		})
	}
	r.log.Debug("task requeued", "task_id", taskID, "reason", reason, "not_before", notBefore)
	return nil
}
