package workflow

import (
	"gorm.io/gorm"

	repos "github.com/workgraph/workgraph/internal/data/repos"
	types "github.com/workgraph/workgraph/internal/domain/workflow"
	"github.com/workgraph/workgraph/internal/platform/dbctx"
	"github.com/workgraph/workgraph/internal/platform/logger"
)

type EdgeRepo interface {
	Create(dbc dbctx.Context, edges []*types.WorkflowStepEdge) error
	ListByTask(dbc dbctx.Context, taskID int64) ([]*types.WorkflowStepEdge, error)
}

type edgeRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewEdgeRepo(db *gorm.DB, baseLog *logger.Logger) EdgeRepo {
	return &edgeRepo{
		db:  db,
		log: baseLog.With("repo", "EdgeRepo"),
	}
}

func (r *edgeRepo) handle(dbc dbctx.Context) *gorm.DB {
	if dbc.Tx != nil {
		return dbc.Tx
	}
	return r.db
}

func (r *edgeRepo) Create(dbc dbctx.Context, edges []*types.WorkflowStepEdge) error {
	if len(edges) == 0 {
		return nil
	}
	err := r.handle(dbc).WithContext(dbc.Ctx).Create(&edges).Error
	return repos.MapError("edge.create", err)
}

func (r *edgeRepo) ListByTask(dbc dbctx.Context, taskID int64) ([]*types.WorkflowStepEdge, error) {
	var out []*types.WorkflowStepEdge
	err := r.handle(dbc).WithContext(dbc.Ctx).
		Joins("JOIN workflow_steps s ON s.workflow_step_id = workflow_step_edges.to_step_id").
		Where("s.task_id = ?", taskID).
		Find(&out).Error
	if err != nil {
		return nil, repos.MapError("edge.list_by_task", err)
	}
	return out, nil
}
