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

type TaskRepo interface {
	Create(dbc dbctx.Context, tasks []*types.Task) ([]*types.Task, error)
	GetByID(dbc dbctx.Context, id int64) (*types.Task, error)
	GetByIDs(dbc dbctx.Context, ids []int64) ([]*types.Task, error)
	// LockByID takes a row lock on the task; the finalizer's guard read and
	// every task transition serialize through it.
	LockByID(dbc dbctx.Context, id int64) (*types.Task, error)
	UpdateFields(dbc dbctx.Context, id int64, updates map[string]interface{}) error
}

type taskRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewTaskRepo(db *gorm.DB, baseLog *logger.Logger) TaskRepo {
	return &taskRepo{
		db:  db,
		log: baseLog.With("repo", "TaskRepo"),
	}
}

func (r *taskRepo) handle(dbc dbctx.Context) *gorm.DB {
	if dbc.Tx != nil {
		return dbc.Tx
	}
	return r.db
}

func (r *taskRepo) Create(dbc dbctx.Context, tasks []*types.Task) ([]*types.Task, error) {
	if len(tasks) == 0 {
		return []*types.Task{}, nil
	}
	if err := r.handle(dbc).WithContext(dbc.Ctx).Create(&tasks).Error; err != nil {
		return nil, repos.MapError("task.create", err)
	}
	return tasks, nil
}

func (r *taskRepo) GetByID(dbc dbctx.Context, id int64) (*types.Task, error) {
	var task types.Task
	err := r.handle(dbc).WithContext(dbc.Ctx).
		Where("task_id = ?", id).
		First(&task).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, repos.MapError("task.get", err)
	}
	return &task, nil
}

func (r *taskRepo) GetByIDs(dbc dbctx.Context, ids []int64) ([]*types.Task, error) {
	var out []*types.Task
	if len(ids) == 0 {
		return out, nil
	}
	if err := r.handle(dbc).WithContext(dbc.Ctx).
		Where("task_id IN ?", ids).
		Find(&out).Error; err != nil {
		return nil, repos.MapError("task.get_by_ids", err)
	}
	return out, nil
}

func (r *taskRepo) LockByID(dbc dbctx.Context, id int64) (*types.Task, error) {
	var task types.Task
	err := r.handle(dbc).WithContext(dbc.Ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("task_id = ?", id).
		First(&task).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, repos.MapError("task.lock", err)
	}
	return &task, nil
}

func (r *taskRepo) UpdateFields(dbc dbctx.Context, id int64, updates map[string]interface{}) error {
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
		Model(&types.Task{}).
		Where("task_id = ?", id).
		Updates(updates).Error
	return repos.MapError("task.update_fields", err)
}
