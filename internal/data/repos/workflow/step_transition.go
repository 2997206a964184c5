package workflow

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	repos "github.com/workgraph/workgraph/internal/data/repos"
	types "github.com/workgraph/workgraph/internal/domain/workflow"
	"github.com/workgraph/workgraph/internal/platform/dbctx"
	"github.com/workgraph/workgraph/internal/platform/logger"
)

type StepTransitionRepo interface {
	Current(dbc dbctx.Context, stepID int64) (*types.WorkflowStepTransition, error)
	History(dbc dbctx.Context, stepID int64) ([]*types.WorkflowStepTransition, error)
	Append(dbc dbctx.Context, stepID int64, from *string, to string, metadata datatypes.JSON) (*types.WorkflowStepTransition, error)
	// LastFailureAt is the timestamp of the most recent to_state='error'
	// transition regardless of most_recent. Filtering on most_recent here
	// loses backoff after the first retry resets the step to pending.
	LastFailureAt(dbc dbctx.Context, stepID int64) (*time.Time, error)
}

type stepTransitionRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewStepTransitionRepo(db *gorm.DB, baseLog *logger.Logger) StepTransitionRepo {
	return &stepTransitionRepo{
		db:  db,
		log: baseLog.With("repo", "StepTransitionRepo"),
	}
}

func (r *stepTransitionRepo) handle(dbc dbctx.Context) *gorm.DB {
	if dbc.Tx != nil {
		return dbc.Tx
	}
	return r.db
}

func (r *stepTransitionRepo) Current(dbc dbctx.Context, stepID int64) (*types.WorkflowStepTransition, error) {
	var tr types.WorkflowStepTransition
	err := r.handle(dbc).WithContext(dbc.Ctx).
		Where("workflow_step_id = ? AND most_recent", stepID).
		First(&tr).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, repos.MapError("step_transition.current", err)
	}
	return &tr, nil
}

func (r *stepTransitionRepo) History(dbc dbctx.Context, stepID int64) ([]*types.WorkflowStepTransition, error) {
	var out []*types.WorkflowStepTransition
	err := r.handle(dbc).WithContext(dbc.Ctx).
		Where("workflow_step_id = ?", stepID).
		Order("sort_key ASC").
		Find(&out).Error
	if err != nil {
		return nil, repos.MapError("step_transition.history", err)
	}
	return out, nil
}

func (r *stepTransitionRepo) Append(dbc dbctx.Context, stepID int64, from *string, to string, metadata datatypes.JSON) (*types.WorkflowStepTransition, error) {
	h := r.handle(dbc).WithContext(dbc.Ctx)

	var maxKey int
	if err := h.Model(&types.WorkflowStepTransition{}).
		Where("workflow_step_id = ?", stepID).
		Select("COALESCE(MAX(sort_key), 0)").
		Scan(&maxKey).Error; err != nil {
		return nil, repos.MapError("step_transition.max_sort_key", err)
	}

	if err := h.Model(&types.WorkflowStepTransition{}).
		Where("workflow_step_id = ? AND most_recent", stepID).
		Update("most_recent", false).Error; err != nil {
		return nil, repos.MapError("step_transition.clear_most_recent", err)
	}

	tr := &types.WorkflowStepTransition{
		ID:             uuid.New(),
		WorkflowStepID: stepID,
		SortKey:        maxKey + 1,
		FromState:      from,
		ToState:        to,
		MostRecent:     true,
		Metadata:       metadata,
		CreatedAt:      time.Now().UTC(),
	}
	if err := h.Create(tr).Error; err != nil {
		return nil, repos.MapError("step_transition.append", err)
	}
	return tr, nil
}

func (r *stepTransitionRepo) LastFailureAt(dbc dbctx.Context, stepID int64) (*time.Time, error) {
	var tr types.WorkflowStepTransition
	err := r.handle(dbc).WithContext(dbc.Ctx).
		Where("workflow_step_id = ? AND to_state = ?", stepID, string(types.StepError)).
		Order("created_at DESC").
		First(&tr).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, repos.MapError("step_transition.last_failure", err)
	}
	t := tr.CreatedAt
	return &t, nil
}
