package workflow

import (
	"time"

	"gorm.io/datatypes"
)

// WorkflowStep is one node in a task's DAG. Lifecycle state lives in
// workflow_step_transitions; the flags here (processed, in_process, attempts)
// are the executor-owned columns the readiness engine filters on.
type WorkflowStep struct {
	WorkflowStepID int64  `gorm:"column:workflow_step_id;primaryKey;autoIncrement" json:"workflow_step_id"`
	TaskID         int64  `gorm:"column:task_id;not null;index;index:idx_workflow_steps_task_flags,priority:1" json:"task_id"`
	NamedStepID    string `gorm:"column:named_step_id;not null" json:"named_step_id"`
	Name           string `gorm:"column:name;not null" json:"name"`

	Attempts              int        `gorm:"column:attempts;not null;default:0" json:"attempts"`
	RetryLimit            int        `gorm:"column:retry_limit;not null;default:3" json:"retry_limit"`
	Retryable             bool       `gorm:"column:retryable;not null;default:true" json:"retryable"`
	BackoffRequestSeconds *int       `gorm:"column:backoff_request_seconds" json:"backoff_request_seconds,omitempty"`
	LastAttemptedAt       *time.Time `gorm:"column:last_attempted_at" json:"last_attempted_at,omitempty"`

	// Processed means terminally succeeded; a processed step never becomes
	// ready again. InProcess means some worker is executing it right now.
	Processed bool `gorm:"column:processed;not null;default:false;index:idx_workflow_steps_task_flags,priority:2" json:"processed"`
	InProcess bool `gorm:"column:in_process;not null;default:false;index:idx_workflow_steps_task_flags,priority:3" json:"in_process"`

	DefaultTimeoutSeconds int    `gorm:"column:default_timeout_seconds;not null;default:0" json:"default_timeout_seconds"`
	HandlerNamespace      string `gorm:"column:handler_namespace;not null;default:''" json:"handler_namespace"`
	HandlerName           string `gorm:"column:handler_name;not null;default:''" json:"handler_name"`

	HandlerConfig datatypes.JSON `gorm:"column:handler_config;type:jsonb" json:"handler_config,omitempty"`
	Inputs        datatypes.JSON `gorm:"column:inputs;type:jsonb" json:"inputs,omitempty"`
	Results       datatypes.JSON `gorm:"column:results;type:jsonb" json:"results,omitempty"`

	CreatedAt time.Time `gorm:"not null;default:now()" json:"created_at"`
	UpdatedAt time.Time `gorm:"not null;default:now()" json:"updated_at"`
}

func (WorkflowStep) TableName() string { return "workflow_steps" }

// Timeout returns the handler deadline for one attempt, or 0 for no deadline.
func (s *WorkflowStep) Timeout() time.Duration {
	if s.DefaultTimeoutSeconds <= 0 {
		return 0
	}
	return time.Duration(s.DefaultTimeoutSeconds) * time.Second
}

// WorkflowStepEdge is a dependency from parent to child within one task.
type WorkflowStepEdge struct {
	FromStepID int64  `gorm:"column:from_step_id;primaryKey" json:"from_step_id"`
	ToStepID   int64  `gorm:"column:to_step_id;primaryKey" json:"to_step_id"`
	Name       string `gorm:"column:name;not null;default:''" json:"name,omitempty"`
}

func (WorkflowStepEdge) TableName() string { return "workflow_step_edges" }
