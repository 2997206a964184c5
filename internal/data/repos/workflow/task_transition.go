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

type TaskTransitionRepo interface {
	Current(dbc dbctx.Context, taskID int64) (*types.TaskTransition, error)
	History(dbc dbctx.Context, taskID int64) ([]*types.TaskTransition, error)
	// Append inserts the next transition row and flips most_recent in the
	// same transaction. Callers must hold the task row lock and pass the
	// transaction in dbc.Tx.
	Append(dbc dbctx.Context, taskID int64, from *string, to string, metadata datatypes.JSON) (*types.TaskTransition, error)
}

type taskTransitionRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewTaskTransitionRepo(db *gorm.DB, baseLog *logger.Logger) TaskTransitionRepo {
	return &taskTransitionRepo{
		db:  db,
		log: baseLog.With("repo", "TaskTransitionRepo"),
	}
}

func (r *taskTransitionRepo) handle(dbc dbctx.Context) *gorm.DB {
	if dbc.Tx != nil {
		return dbc.Tx
	}
	return r.db
}

func (r *taskTransitionRepo) Current(dbc dbctx.Context, taskID int64) (*types.TaskTransition, error) {
	var tr types.TaskTransition
	err := r.handle(dbc).WithContext(dbc.Ctx).
		Where("task_id = ? AND most_recent", taskID).
		First(&tr).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, repos.MapError("task_transition.current", err)
	}
	return &tr, nil
}

func (r *taskTransitionRepo) History(dbc dbctx.Context, taskID int64) ([]*types.TaskTransition, error) {
	var out []*types.TaskTransition
	err := r.handle(dbc).WithContext(dbc.Ctx).
		Where("task_id = ?", taskID).
		Order("sort_key ASC").
		Find(&out).Error
	if err != nil {
		return nil, repos.MapError("task_transition.history", err)
	}
	return out, nil
}

func (r *taskTransitionRepo) Append(dbc dbctx.Context, taskID int64, from *string, to string, metadata datatypes.JSON) (*types.TaskTransition, error) {
	h := r.handle(dbc).WithContext(dbc.Ctx)

	var maxKey int
	if err := h.Model(&types.TaskTransition{}).
		Where("task_id = ?", taskID).
		Select("COALESCE(MAX(sort_key), 0)").
		Scan(&maxKey).Error; err != nil {
		return nil, repos.MapError("task_transition.max_sort_key", err)
	}

	if err := h.Model(&types.TaskTransition{}).
		Where("task_id = ? AND most_recent", taskID).
		Update("most_recent", false).Error; err != nil {
		return nil, repos.MapError("task_transition.clear_most_recent", err)
	}

	tr := &types.TaskTransition{
		ID:         uuid.New(),
		TaskID:     taskID,
		SortKey:    maxKey + 1,
		FromState:  from,
		ToState:    to,
		MostRecent: true,
		Metadata:   metadata,
		CreatedAt:  time.Now().UTC(),
	}
	if err := h.Create(tr).Error; err != nil {
		return nil, repos.MapError("task_transition.append", err)
	}
	return tr, nil
}
