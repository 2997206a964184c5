package workflow

import (
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	repos "github.com/workgraph/workgraph/internal/data/repos"
	types "github.com/workgraph/workgraph/internal/domain/workflow"
	"github.com/workgraph/workgraph/internal/platform/dbctx"
	"github.com/workgraph/workgraph/internal/platform/logger"
)

type StepRepo interface {
	Create(dbc dbctx.Context, steps []*types.WorkflowStep) ([]*types.WorkflowStep, error)
	GetByID(dbc dbctx.Context, id int64) (*types.WorkflowStep, error)
	GetByIDs(dbc dbctx.Context, ids []int64) ([]*types.WorkflowStep, error)
	ListByTask(dbc dbctx.Context, taskID int64) ([]*types.WorkflowStep, error)
	LockByID(dbc dbctx.Context, id int64) (*types.WorkflowStep, error)
	UpdateFields(dbc dbctx.Context, id int64, updates map[string]interface{}) error
	// Parents returns the step's direct upstream steps; the executor keys
	// upstream results by parent step name.
	Parents(dbc dbctx.Context, stepID int64) ([]*types.WorkflowStep, error)
}

type stepRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewStepRepo(db *gorm.DB, baseLog *logger.Logger) StepRepo {
	return &stepRepo{
		db:  db,
		log: baseLog.With("repo", "StepRepo"),
	}
}

func (r *stepRepo) handle(dbc dbctx.Context) *gorm.DB {
	if dbc.Tx != nil {
		return dbc.Tx
	}
	return r.db
}

func (r *stepRepo) Create(dbc dbctx.Context, steps []*types.WorkflowStep) ([]*types.WorkflowStep, error) {
	if len(steps) == 0 {
		return []*types.WorkflowStep{}, nil
	}
	if err := r.handle(dbc).WithContext(dbc.Ctx).Create(&steps).Error; err != nil {
		return nil, repos.MapError("step.create", err)
	}
	return steps, nil
}

func (r *stepRepo) GetByID(dbc dbctx.Context, id int64) (*types.WorkflowStep, error) {
	var step types.WorkflowStep
	err := r.handle(dbc).WithContext(dbc.Ctx).
		Where("workflow_step_id = ?", id).
		First(&step).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, repos.MapError("step.get", err)
	}
	return &step, nil
}

func (r *stepRepo) GetByIDs(dbc dbctx.Context, ids []int64) ([]*types.WorkflowStep, error) {
	var out []*types.WorkflowStep
	if len(ids) == 0 {
		return out, nil
	}
	if err := r.handle(dbc).WithContext(dbc.Ctx).
		Where("workflow_step_id IN ?", ids).
		Find(&out).Error; err != nil {
		return nil, repos.MapError("step.get_by_ids", err)
	}
	return out, nil
}

func (r *stepRepo) ListByTask(dbc dbctx.Context, taskID int64) ([]*types.WorkflowStep, error) {
	var out []*types.WorkflowStep
	if err := r.handle(dbc).WithContext(dbc.Ctx).
		Where("task_id = ?", taskID).
		Order("workflow_step_id ASC").
		Find(&out).Error; err != nil {
		return nil, repos.MapError("step.list_by_task", err)
	}
	return out, nil
}

func (r *stepRepo) LockByID(dbc dbctx.Context, id int64) (*types.WorkflowStep, error) {
	var step types.WorkflowStep
	err := r.handle(dbc).WithContext(dbc.Ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("workflow_step_id = ?", id).
		First(&step).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, repos.MapError("step.lock", err)
	}
	return &step, nil
}

func (r *stepRepo) UpdateFields(dbc dbctx.Context, id int64, updates map[string]interface{}) error {
	if id == 0 {
		return nil
	}
	if updates == nil {
		updates = map[string]interface{}{}
	}
	if _, ok := updates["updated_at"]; !ok {
		updates["updated_at"] = time.Now()
	}
	err := r.handle(dbc).WithContext(dbc.Ctx).
		Model(&types.WorkflowStep{}).
		Where("workflow_step_id = ?", id).
		Updates(updates).Error
	return repos.MapError("step.update_fields", err)
}

func (r *stepRepo) Parents(dbc dbctx.Context, stepID int64) ([]*types.WorkflowStep, error) {
	var out []*types.WorkflowStep
	err := r.handle(dbc).WithContext(dbc.Ctx).
		Joins("JOIN workflow_step_edges e ON e.from_step_id = workflow_steps.workflow_step_id").
		Where("e.to_step_id = ?", stepID).
		Order("workflow_steps.workflow_step_id ASC").
		Find(&out).Error
	if err != nil {
		return nil, repos.MapError("step.parents", err)
	}
	return out, nil
}
