package db

import (
	"fmt"

	"gorm.io/gorm"

	"github.com/workgraph/workgraph/internal/domain/workflow"
)

func AutoMigrateAll(db *gorm.DB) error {
	return db.AutoMigrate(
		&workflow.Task{},
		&workflow.WorkflowStep{},
		&workflow.WorkflowStepEdge{},
		&workflow.TaskTransition{},
		&workflow.WorkflowStepTransition{},
	)
}

// EnsureWorkflowIndexes installs the indexes the readiness engine's
// performance contract depends on. All statements are idempotent.
//
// The unique partial indexes on most_recent double as invariant guards: a
// bug in the transition flip surfaces as a 23505 instead of silent state
// corruption.
func EnsureWorkflowIndexes(db *gorm.DB) error {
	stmts := []string{
		// Invariant 1 + O(1) current-state lookup.
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_task_transitions_most_recent
		   ON task_transitions(task_id) WHERE most_recent`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_step_transitions_most_recent
		   ON workflow_step_transitions(workflow_step_id) WHERE most_recent`,

		// Parent-state joins touch only terminal-success current rows.
		`CREATE INDEX IF NOT EXISTS idx_step_transitions_completed_parents
		   ON workflow_step_transitions(workflow_step_id)
		   WHERE most_recent AND to_state IN ('complete','resolved_manually')`,

		// last_failure_at scans error rows regardless of most_recent.
		`CREATE INDEX IF NOT EXISTS idx_step_transitions_failures
		   ON workflow_step_transitions(workflow_step_id, to_state, created_at)`,

		// Active-work filters: cost scales with unprocessed steps, not history.
		`CREATE INDEX IF NOT EXISTS idx_workflow_steps_retry_shape
		   ON workflow_steps(attempts, retry_limit, retryable)`,
		`CREATE INDEX IF NOT EXISTS idx_workflow_steps_task_covering
		   ON workflow_steps(task_id)
		   INCLUDE (workflow_step_id, processed, in_process, attempts, retry_limit)`,

		`CREATE INDEX IF NOT EXISTS idx_step_edges_to ON workflow_step_edges(to_step_id)`,
		`CREATE INDEX IF NOT EXISTS idx_step_edges_from ON workflow_step_edges(from_step_id)`,
	}
	for _, stmt := range stmts {
		if err := db.Exec(stmt).Error; err != nil {
			return fmt.Errorf("ensure workflow index: %w", err)
		}
	}
	return nil
}
