package statemachine

import (
	"fmt"

	"gorm.io/gorm"

	workflowrepo "github.com/workgraph/workgraph/internal/data/repos/workflow"
	"github.com/workgraph/workgraph/internal/domain/fault"
	"github.com/workgraph/workgraph/internal/domain/workflow"
	"github.com/workgraph/workgraph/internal/events"
	"github.com/workgraph/workgraph/internal/platform/dbctx"
	"github.com/workgraph/workgraph/internal/platform/logger"
)

type Tasks struct {
	db          *gorm.DB
	tasks       workflowrepo.TaskRepo
	transitions workflowrepo.TaskTransitionRepo
	bus         events.Bus
	log         *logger.Logger
}

func NewTasks(
	db *gorm.DB,
	tasks workflowrepo.TaskRepo,
	transitions workflowrepo.TaskTransitionRepo,
	bus events.Bus,
	baseLog *logger.Logger,
) *Tasks {
	return &Tasks{
		db:          db,
		tasks:       tasks,
		transitions: transitions,
		bus:         bus,
		log:         baseLog.With("service", "TaskStateMachine"),
	}
}

func (m *Tasks) CurrentState(dbc dbctx.Context, taskID int64) (workflow.TaskState, error) {
	cur, err := m.transitions.Current(dbc, taskID)
	if err != nil {
		return "", err
	}
	if cur == nil {
		return workflow.TaskPending, nil
	}
	return workflow.TaskState(cur.ToState), nil
}

// TransitionTo moves the task to the target state, rejecting illegal moves.
// A transition out of a terminal state fails loudly with an invariant
// violation rather than a plain validation error.
func (m *Tasks) TransitionTo(dbc dbctx.Context, taskID int64, to workflow.TaskState, metadata map[string]interface{}) (*workflow.TaskTransition, error) {
	var out *workflow.TaskTransition
	var fromState workflow.TaskState
	err := inTx(m.db, dbc, func(txc dbctx.Context) error {
		task, err := m.tasks.LockByID(txc, taskID)
		if err != nil {
			return err
		}
		if task == nil {
			return fault.New(fault.CodeNotFound, "task.transition", fmt.Sprintf("task %d not found", taskID))
		}

		cur, err := m.transitions.Current(txc, taskID)
		if err != nil {
			return err
		}
		var from *string
		if cur != nil {
			from = &cur.ToState
			fromState = workflow.TaskState(cur.ToState)
		}

		if !workflow.TaskTransitionAllowed(fromState, to) {
			if fromState.Terminal() {
				return fault.New(fault.CodeInvariantViolation, "task.transition",
					fmt.Sprintf("task %d: illegal transition %q -> %q out of terminal state", taskID, fromState, to))
			}
			return fault.New(fault.CodeValidation, "task.transition",
				fmt.Sprintf("task %d: illegal transition %q -> %q", taskID, fromState, to))
		}

		out, err = m.transitions.Append(txc, taskID, from, string(to), marshalMetadata(metadata))
		return err
	})
	if err != nil {
		return nil, err
	}
	if m.bus != nil {
		m.bus.Publish(dbc.Ctx, events.Event{
			Kind:      events.KindTaskTransition,
			TaskID:    taskID,
			FromState: string(fromState),
			ToState:   string(to),
		})
	}
	return out, nil
}

// SafeTransitionTo is the idempotent variant: a request to move to the
// current state is a silent no-op. Returns whether a transition happened.
func (m *Tasks) SafeTransitionTo(dbc dbctx.Context, taskID int64, to workflow.TaskState, metadata map[string]interface{}) (bool, error) {
	var moved bool
	err := inTx(m.db, dbc, func(txc dbctx.Context) error {
		cur, err := m.CurrentState(txc, taskID)
		if err != nil {
			return err
		}
		if cur == to {
			return nil
		}
		if _, err := m.TransitionTo(txc, taskID, to, metadata); err != nil {
			return err
		}
		moved = true
		return nil
	})
	return moved, err
}
