package readiness

import (
	"fmt"

	"gorm.io/gorm"

	repos "github.com/workgraph/workgraph/internal/data/repos"
	types "github.com/workgraph/workgraph/internal/domain/workflow"
	"github.com/workgraph/workgraph/internal/platform/dbctx"
	"github.com/workgraph/workgraph/internal/platform/logger"
)

// Repo computes step readiness in SQL so that the database answers "may this
// step run right now" from the same snapshot the caller's transaction sees.
// Loading steps into Go and deciding there would race against concurrent
// transitions.
type Repo interface {
	ForTask(dbc dbctx.Context, taskID int64) ([]types.StepReadiness, error)
	ForTasks(dbc dbctx.Context, taskIDs []int64) (map[int64][]types.StepReadiness, error)
	ForStep(dbc dbctx.Context, stepID int64) (*types.StepReadiness, error)
	// ExecutionContext reads readiness rows and rolls them up. Run inside the
	// finalizer's transaction it doubles as the terminal-transition guard.
	ExecutionContext(dbc dbctx.Context, taskID int64) (types.TaskExecutionContext, error)
	DependencyLevels(dbc dbctx.Context, taskID int64) ([]types.DependencyLevel, error)
}

type repo struct {
	db  *gorm.DB
	log *logger.Logger
}

func New(db *gorm.DB, baseLog *logger.Logger) Repo {
	return &repo{
		db:  db,
		log: baseLog.With("repo", "ReadinessRepo"),
	}
}

func (r *repo) handle(dbc dbctx.Context) *gorm.DB {
	if dbc.Tx != nil {
		return dbc.Tx
	}
	return r.db
}

// readinessSQL is the core readiness query. The outer SELECT exists because
// retry_eligible and ready_for_execution reference next_retry_at, which SQL
// cannot do in the same select list.
//
// Notes on the tricky parts:
//   - current_state coalesces to 'pending': a step with no transitions yet is
//     treated as pending everywhere.
//   - last_failure_at is the latest to_state='error' row with NO most_recent
//     filter. After a retry flips the step back to pending the error row is
//     no longer most_recent, but backoff still counts from it.
//   - next_retry_at carries NO current-state condition for the same reason: a
//     step reset error -> pending keeps its backoff window. Steps that never
//     failed have no anchor and stay NULL; completed steps are already
//     excluded by the processed and state conjuncts.
//   - next_retry_at prefers the handler's explicit backoff_request_seconds
//     over the computed exponential window. The exponential window is the
//     non-jittered upper edge min(2^attempts, 30s); the scheduler applies
//     jitter when it picks the actual wake-up.
//   - a non-retryable step gets exactly one attempt: attempts > 0 with
//     retryable=false blocks, attempts=0 does not.
const readinessSQL = `
WITH current_transitions AS (
    SELECT workflow_step_id, to_state
    FROM workflow_step_transitions
    WHERE most_recent
),
last_failures AS (
    SELECT workflow_step_id, MAX(created_at) AS last_failure_at
    FROM workflow_step_transitions
    WHERE to_state = 'error'
    GROUP BY workflow_step_id
),
parent_progress AS (
    SELECT e.to_step_id AS workflow_step_id,
           COUNT(*) AS total_parents,
           COUNT(*) FILTER (
               WHERE COALESCE(pc.to_state, 'pending') IN ('complete', 'resolved_manually')
           ) AS completed_parents
    FROM workflow_step_edges e
    LEFT JOIN current_transitions pc ON pc.workflow_step_id = e.from_step_id
    GROUP BY e.to_step_id
)
SELECT
    base.*,
    (
        base.next_retry_at IS NULL OR base.next_retry_at <= now()
    ) AND base.attempts < base.retry_limit
      AND NOT (base.attempts > 0 AND NOT base.retryable) AS retry_eligible,
    base.current_state IN ('pending', 'error')
      AND NOT base.processed
      AND NOT base.in_process
      AND base.dependencies_satisfied
      AND base.attempts < base.retry_limit
      AND NOT (base.attempts > 0 AND NOT base.retryable)
      AND (base.next_retry_at IS NULL OR base.next_retry_at <= now()) AS ready_for_execution
FROM (
    SELECT
        s.workflow_step_id,
        s.task_id,
        s.named_step_id,
        s.name,
        COALESCE(ct.to_state, 'pending') AS current_state,
        COALESCE(pp.total_parents, 0) AS total_parents,
        COALESCE(pp.completed_parents, 0) AS completed_parents,
        COALESCE(pp.completed_parents, 0) = COALESCE(pp.total_parents, 0) AS dependencies_satisfied,
        s.attempts,
        s.retry_limit,
        s.retryable,
        s.processed,
        s.in_process,
        s.backoff_request_seconds,
        s.last_attempted_at,
        lf.last_failure_at,
        CASE
            WHEN s.backoff_request_seconds IS NOT NULL AND s.last_attempted_at IS NOT NULL
                THEN s.last_attempted_at + make_interval(secs => s.backoff_request_seconds)
            WHEN lf.last_failure_at IS NOT NULL
                THEN lf.last_failure_at + make_interval(secs => LEAST(power(2, s.attempts), 30))
            ELSE NULL
        END AS next_retry_at
    FROM workflow_steps s
    LEFT JOIN current_transitions ct ON ct.workflow_step_id = s.workflow_step_id
    LEFT JOIN last_failures lf ON lf.workflow_step_id = s.workflow_step_id
    LEFT JOIN parent_progress pp ON pp.workflow_step_id = s.workflow_step_id
    WHERE %s
) base
ORDER BY base.workflow_step_id
`

const depLevelsSQL = `
WITH RECURSIVE levels AS (
    SELECT s.workflow_step_id, 0 AS level
    FROM workflow_steps s
    WHERE s.task_id = ?
      AND NOT EXISTS (
          SELECT 1 FROM workflow_step_edges e
          WHERE e.to_step_id = s.workflow_step_id
      )
    UNION ALL
    SELECT e.to_step_id, l.level + 1
    FROM levels l
    JOIN workflow_step_edges e ON e.from_step_id = l.workflow_step_id
)
SELECT workflow_step_id, MAX(level) AS level
FROM levels
GROUP BY workflow_step_id
ORDER BY level ASC, workflow_step_id ASC
`

func (r *repo) query(dbc dbctx.Context, where string, args ...interface{}) ([]types.StepReadiness, error) {
	var rows []types.StepReadiness
	sql := fmt.Sprintf(readinessSQL, where)
	if err := r.handle(dbc).WithContext(dbc.Ctx).Raw(sql, args...).Scan(&rows).Error; err != nil {
		return nil, repos.MapError("readiness.query", err)
	}
	return rows, nil
}

func (r *repo) ForTask(dbc dbctx.Context, taskID int64) ([]types.StepReadiness, error) {
	return r.query(dbc, "s.task_id = ?", taskID)
}

func (r *repo) ForTasks(dbc dbctx.Context, taskIDs []int64) (map[int64][]types.StepReadiness, error) {
	out := make(map[int64][]types.StepReadiness, len(taskIDs))
	if len(taskIDs) == 0 {
		return out, nil
	}
	rows, err := r.query(dbc, "s.task_id IN ?", taskIDs)
	if err != nil {
		return nil, err
	}
	for _, row := range rows {
		out[row.TaskID] = append(out[row.TaskID], row)
	}
	return out, nil
}

func (r *repo) ForStep(dbc dbctx.Context, stepID int64) (*types.StepReadiness, error) {
	rows, err := r.query(dbc, "s.workflow_step_id = ?", stepID)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &rows[0], nil
}

func (r *repo) ExecutionContext(dbc dbctx.Context, taskID int64) (types.TaskExecutionContext, error) {
	rows, err := r.ForTask(dbc, taskID)
	if err != nil {
		return types.TaskExecutionContext{}, err
	}
	return types.BuildExecutionContext(taskID, rows), nil
}

func (r *repo) DependencyLevels(dbc dbctx.Context, taskID int64) ([]types.DependencyLevel, error) {
	var out []types.DependencyLevel
	if err := r.handle(dbc).WithContext(dbc.Ctx).Raw(depLevelsSQL, taskID).Scan(&out).Error; err != nil {
		return nil, repos.MapError("readiness.dependency_levels", err)
	}
	return out, nil
}
