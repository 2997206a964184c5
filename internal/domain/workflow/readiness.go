package workflow

import (
	"time"
)

// StepReadiness is one row of the readiness engine's output: the full picture
// of whether a step may legally run right now. ReadyForExecution is the
// authoritative answer; everything else is there for observers and operators.
type StepReadiness struct {
	WorkflowStepID int64  `gorm:"column:workflow_step_id" json:"workflow_step_id"`
	TaskID         int64  `gorm:"column:task_id" json:"task_id"`
	NamedStepID    string `gorm:"column:named_step_id" json:"named_step_id"`
	Name           string `gorm:"column:name" json:"name"`

	CurrentState StepState `gorm:"column:current_state" json:"current_state"`

	TotalParents     int  `gorm:"column:total_parents" json:"total_parents"`
	CompletedParents int  `gorm:"column:completed_parents" json:"completed_parents"`
	DepsSatisfied    bool `gorm:"column:dependencies_satisfied" json:"dependencies_satisfied"`

	RetryEligible     bool `gorm:"column:retry_eligible" json:"retry_eligible"`
	ReadyForExecution bool `gorm:"column:ready_for_execution" json:"ready_for_execution"`

	Attempts              int        `gorm:"column:attempts" json:"attempts"`
	RetryLimit            int        `gorm:"column:retry_limit" json:"retry_limit"`
	Retryable             bool       `gorm:"column:retryable" json:"retryable"`
	Processed             bool       `gorm:"column:processed" json:"processed"`
	InProcess             bool       `gorm:"column:in_process" json:"in_process"`
	BackoffRequestSeconds *int       `gorm:"column:backoff_request_seconds" json:"backoff_request_seconds,omitempty"`
	LastAttemptedAt       *time.Time `gorm:"column:last_attempted_at" json:"last_attempted_at,omitempty"`

	// LastFailureAt is the most recent to_state='error' transition regardless
	// of most_recent: after a retry resets the step to pending, backoff still
	// counts from this timestamp.
	LastFailureAt *time.Time `gorm:"column:last_failure_at" json:"last_failure_at,omitempty"`
	NextRetryAt   *time.Time `gorm:"column:next_retry_at" json:"next_retry_at,omitempty"`
}

// PermanentlyBlocked reports failed-with-no-retry-budget. A step in backoff is
// failed but not blocked; conflating the two finalizes tasks prematurely.
func (r StepReadiness) PermanentlyBlocked() bool {
	return r.CurrentState == StepError && r.Attempts >= r.RetryLimit
}

// ExecutionStatus summarizes a task's step population for the finalizer.
type ExecutionStatus string

const (
	StatusHasReadySteps          ExecutionStatus = "has_ready_steps"
	StatusProcessing             ExecutionStatus = "processing"
	StatusBlockedByFailures      ExecutionStatus = "blocked_by_failures"
	StatusAllComplete            ExecutionStatus = "all_complete"
	StatusWaitingForDependencies ExecutionStatus = "waiting_for_dependencies"
)

// RecommendedAction is the 1:1 action mapping from ExecutionStatus.
type RecommendedAction string

const (
	ActionExecuteReadySteps   RecommendedAction = "execute_ready_steps"
	ActionWaitForCompletion   RecommendedAction = "wait_for_completion"
	ActionHandleFailures      RecommendedAction = "handle_failures"
	ActionFinalizeTask        RecommendedAction = "finalize_task"
	ActionWaitForDependencies RecommendedAction = "wait_for_dependencies"
)

type HealthStatus string

const (
	HealthHealthy    HealthStatus = "healthy"
	HealthRecovering HealthStatus = "recovering"
	HealthBlocked    HealthStatus = "blocked"
	HealthUnknown    HealthStatus = "unknown"
)

// TaskExecutionContext is the task-level roll-up the finalizer dispatches on.
type TaskExecutionContext struct {
	TaskID int64 `json:"task_id"`

	TotalSteps              int `json:"total_steps"`
	PendingSteps            int `json:"pending_steps"`
	InProgressSteps         int `json:"in_progress_steps"`
	CompletedSteps          int `json:"completed_steps"`
	FailedSteps             int `json:"failed_steps"`
	ReadySteps              int `json:"ready_steps"`
	PermanentlyBlockedSteps int `json:"permanently_blocked_steps"`

	ExecutionStatus   ExecutionStatus   `json:"execution_status"`
	RecommendedAction RecommendedAction `json:"recommended_action"`
	HealthStatus      HealthStatus      `json:"health_status"`

	// NextRetryAt is the nearest wake-up among steps in backoff; the
	// re-enqueuer uses it to size the waiting_for_dependencies delay.
	NextRetryAt *time.Time `json:"next_retry_at,omitempty"`
}

// BuildExecutionContext rolls readiness rows up into the task execution
// context. Pure so the finalizer can run it over rows read inside its guard
// transaction.
func BuildExecutionContext(taskID int64, rows []StepReadiness) TaskExecutionContext {
	ec := TaskExecutionContext{TaskID: taskID}
	retryEligible := 0
	for _, r := range rows {
		ec.TotalSteps++
		switch r.CurrentState {
		case StepPending:
			ec.PendingSteps++
		case StepInProgress:
			ec.InProgressSteps++
		case StepComplete, StepResolvedManually:
			ec.CompletedSteps++
		case StepError:
			ec.FailedSteps++
		}
		if r.ReadyForExecution {
			ec.ReadySteps++
		}
		if r.PermanentlyBlocked() {
			ec.PermanentlyBlockedSteps++
		}
		if r.CurrentState == StepError && r.RetryEligible {
			retryEligible++
		}
		if r.NextRetryAt != nil && !r.ReadyForExecution && !r.PermanentlyBlocked() {
			if ec.NextRetryAt == nil || r.NextRetryAt.Before(*ec.NextRetryAt) {
				ec.NextRetryAt = r.NextRetryAt
			}
		}
	}

	switch {
	case ec.ReadySteps > 0:
		ec.ExecutionStatus = StatusHasReadySteps
	case ec.InProgressSteps > 0:
		ec.ExecutionStatus = StatusProcessing
	case ec.PermanentlyBlockedSteps > 0:
		ec.ExecutionStatus = StatusBlockedByFailures
	case ec.TotalSteps > 0 && ec.CompletedSteps == ec.TotalSteps:
		ec.ExecutionStatus = StatusAllComplete
	default:
		ec.ExecutionStatus = StatusWaitingForDependencies
	}
	ec.RecommendedAction = actionFor(ec.ExecutionStatus)
	ec.HealthStatus = healthFor(ec, retryEligible)
	return ec
}

func actionFor(s ExecutionStatus) RecommendedAction {
	switch s {
	case StatusHasReadySteps:
		return ActionExecuteReadySteps
	case StatusProcessing:
		return ActionWaitForCompletion
	case StatusBlockedByFailures:
		return ActionHandleFailures
	case StatusAllComplete:
		return ActionFinalizeTask
	case StatusWaitingForDependencies:
		return ActionWaitForDependencies
	default:
		return ActionWaitForDependencies
	}
}

func healthFor(ec TaskExecutionContext, retryEligible int) HealthStatus {
	switch {
	case ec.TotalSteps == 0:
		return HealthUnknown
	case ec.FailedSteps == 0:
		return HealthHealthy
	case ec.ReadySteps > 0 || retryEligible > 0:
		return HealthRecovering
	case ec.PermanentlyBlockedSteps > 0:
		return HealthBlocked
	default:
		return HealthRecovering
	}
}

// DependencyLevel is the longest-path distance of a step from any root.
type DependencyLevel struct {
	WorkflowStepID int64 `gorm:"column:workflow_step_id" json:"workflow_step_id"`
	Level          int   `gorm:"column:level" json:"level"`
}
