// Package worker consumes task envelopes and feeds them to the coordinator.
package worker

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/workgraph/workgraph/internal/engine/finalizer"
	"github.com/workgraph/workgraph/internal/platform/envutil"
	"github.com/workgraph/workgraph/internal/platform/logger"
	"github.com/workgraph/workgraph/internal/queue"
)

// Coordinator is the single entry point a worker drives per envelope.
type Coordinator interface {
	Coordinate(ctx context.Context, env *queue.Envelope) (finalizer.Decision, error)
}

type Pool struct {
	q     queue.Queue
	coord Coordinator
	size  int

	// redeliveries bounds how often a failing envelope goes back on the
	// queue before the task is left for an operator to re-enqueue.
	redeliveries  int
	redeliveryGap time.Duration

	log *logger.Logger
}

func NewPool(q queue.Queue, coord Coordinator, baseLog *logger.Logger) *Pool {
	return &Pool{
		q:             q,
		coord:         coord,
		size:          envutil.Int("WORKER_POOL_SIZE", 4),
		redeliveries:  envutil.Int("WORKER_REDELIVERY_LIMIT", 5),
		redeliveryGap: envutil.Duration("WORKER_REDELIVERY_DELAY", 2*time.Second),
		log:           baseLog.With("service", "WorkerPool"),
	}
}

// Run blocks until ctx is cancelled. A coordination failure puts the
// envelope back on the queue with a delay, up to the redelivery bound;
// delivery is at-least-once, so a duplicate pass is harmless. A panic
// kills only the one pass, not the worker.
func (p *Pool) Run(ctx context.Context) error {
	p.log.Info("worker pool starting", "size", p.size)
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < p.size; i++ {
		id := i
		g.Go(func() error {
			return p.consume(gctx, id)
		})
	}
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (p *Pool) consume(ctx context.Context, id int) error {
	log := p.log.With("worker", id)
	for {
		env, err := p.q.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Error("dequeue failed", "error", err)
			continue
		}
		if err := p.process(ctx, env); err != nil {
			log.Error("coordination failed",
				"task_id", env.TaskID, "reason", env.Reason, "attempts", env.Attempts, "error", err)
			p.redeliver(ctx, env, log)
		}
	}
}

func (p *Pool) process(ctx context.Context, env *queue.Envelope) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("coordinate panic: %v\n%s", r, debug.Stack())
		}
	}()
	_, err = p.coord.Coordinate(ctx, env)
	return err
}

// redeliver re-enqueues a failed envelope so a transient failure (database
// hiccup, lock timeout) does not strand the task. The delay grows with each
// attempt; past the bound the task waits for an operator re-enqueue.
func (p *Pool) redeliver(ctx context.Context, env *queue.Envelope, log *logger.Logger) {
	next := *env
	next.Attempts++
	if next.Attempts >= p.redeliveries {
		log.Error("envelope dropped after repeated coordination failures",
			"task_id", env.TaskID, "reason", env.Reason, "attempts", next.Attempts)
		return
	}
	next.NotBefore = time.Now().Add(time.Duration(next.Attempts) * p.redeliveryGap)
	if err := p.q.Enqueue(ctx, next); err != nil {
		log.Error("redelivery enqueue failed", "task_id", env.TaskID, "error", err)
	}
}
