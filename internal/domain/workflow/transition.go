package workflow

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// TaskTransition is one append-only audit row in a task's state history.
// Exactly one row per task has MostRecent=true, and it carries the highest
// SortKey; a unique partial index guards the invariant.
type TaskTransition struct {
	ID         uuid.UUID      `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	TaskID     int64          `gorm:"column:task_id;not null;index" json:"task_id"`
	SortKey    int            `gorm:"column:sort_key;not null" json:"sort_key"`
	FromState  *string        `gorm:"column:from_state" json:"from_state,omitempty"`
	ToState    string         `gorm:"column:to_state;not null" json:"to_state"`
	MostRecent bool           `gorm:"column:most_recent;not null;default:false" json:"most_recent"`
	Metadata   datatypes.JSON `gorm:"column:metadata;type:jsonb" json:"metadata,omitempty"`
	CreatedAt  time.Time      `gorm:"not null;default:now();index" json:"created_at"`
}

func (TaskTransition) TableName() string { return "task_transitions" }

// WorkflowStepTransition is the per-step audit row, same shape as the task
// variant. last_failure_at lookups scan to_state='error' rows regardless of
// the most_recent flag.
type WorkflowStepTransition struct {
	ID             uuid.UUID      `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	WorkflowStepID int64          `gorm:"column:workflow_step_id;not null;index" json:"workflow_step_id"`
	SortKey        int            `gorm:"column:sort_key;not null" json:"sort_key"`
	FromState      *string        `gorm:"column:from_state" json:"from_state,omitempty"`
	ToState        string         `gorm:"column:to_state;not null" json:"to_state"`
	MostRecent     bool           `gorm:"column:most_recent;not null;default:false" json:"most_recent"`
	Metadata       datatypes.JSON `gorm:"column:metadata;type:jsonb" json:"metadata,omitempty"`
	CreatedAt      time.Time      `gorm:"not null;default:now();index" json:"created_at"`
}

func (WorkflowStepTransition) TableName() string { return "workflow_step_transitions" }
