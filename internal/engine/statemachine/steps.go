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

// StepChange bundles what rides along with a step transition. Updates are
// companion column changes (attempts, in_process, processed, results) applied
// to the step row inside the same transaction as the transition, so the
// readiness query can never observe the state and the flags out of sync.
type StepChange struct {
	Metadata map[string]interface{}
	Updates  map[string]interface{}
}

type Steps struct {
	db          *gorm.DB
	steps       workflowrepo.StepRepo
	transitions workflowrepo.StepTransitionRepo
	bus         events.Bus
	log         *logger.Logger
}

func NewSteps(
	db *gorm.DB,
	steps workflowrepo.StepRepo,
	transitions workflowrepo.StepTransitionRepo,
	bus events.Bus,
	baseLog *logger.Logger,
) *Steps {
	return &Steps{
		db:          db,
		steps:       steps,
		transitions: transitions,
		bus:         bus,
		log:         baseLog.With("service", "StepStateMachine"),
	}
}

func (m *Steps) CurrentState(dbc dbctx.Context, stepID int64) (workflow.StepState, error) {
	cur, err := m.transitions.Current(dbc, stepID)
	if err != nil {
		return "", err
	}
	if cur == nil {
		return workflow.StepPending, nil
	}
	return workflow.StepState(cur.ToState), nil
}

func (m *Steps) TransitionTo(dbc dbctx.Context, stepID int64, to workflow.StepState, change StepChange) (*workflow.WorkflowStepTransition, error) {
	var out *workflow.WorkflowStepTransition
	var taskID int64
	var fromState workflow.StepState
	err := inTx(m.db, dbc, func(txc dbctx.Context) error {
		step, err := m.steps.LockByID(txc, stepID)
		if err != nil {
			return err
		}
		if step == nil {
			return fault.New(fault.CodeNotFound, "step.transition", fmt.Sprintf("step %d not found", stepID))
		}
		taskID = step.TaskID

		cur, err := m.transitions.Current(txc, stepID)
		if err != nil {
			return err
		}
		var from *string
		if cur != nil {
			from = &cur.ToState
			fromState = workflow.StepState(cur.ToState)
		}

		if !workflow.StepTransitionAllowed(fromState, to) {
			if fromState.Terminal() {
				return fault.New(fault.CodeInvariantViolation, "step.transition",
					fmt.Sprintf("step %d: illegal transition %q -> %q out of terminal state", stepID, fromState, to))
			}
			return fault.New(fault.CodeValidation, "step.transition",
				fmt.Sprintf("step %d: illegal transition %q -> %q", stepID, fromState, to))
		}

		out, err = m.transitions.Append(txc, stepID, from, string(to), marshalMetadata(change.Metadata))
		if err != nil {
			return err
		}
		if len(change.Updates) > 0 {
			if err := m.steps.UpdateFields(txc, stepID, change.Updates); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if m.bus != nil {
		m.bus.Publish(dbc.Ctx, events.Event{
			Kind:           events.KindStepTransition,
			TaskID:         taskID,
			WorkflowStepID: stepID,
			FromState:      string(fromState),
			ToState:        string(to),
		})
	}
	return out, nil
}

// SafeTransitionTo no-ops when the step is already in the target state.
func (m *Steps) SafeTransitionTo(dbc dbctx.Context, stepID int64, to workflow.StepState, change StepChange) (bool, error) {
	var moved bool
	err := inTx(m.db, dbc, func(txc dbctx.Context) error {
		cur, err := m.CurrentState(txc, stepID)
		if err != nil {
			return err
		}
		if cur == to {
			return nil
		}
		if _, err := m.TransitionTo(txc, stepID, to, change); err != nil {
			return err
		}
		moved = true
		return nil
	})
	return moved, err
}
