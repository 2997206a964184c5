package workflow

// TaskState is the lifecycle state of a task, derived from its transition log.
type TaskState string

const (
	TaskPending          TaskState = "pending"
	TaskInProgress       TaskState = "in_progress"
	TaskComplete         TaskState = "complete"
	TaskError            TaskState = "error"
	TaskCancelled        TaskState = "cancelled"
	TaskResolvedManually TaskState = "resolved_manually"
)

// StepState is the lifecycle state of a workflow step.
type StepState string

const (
	StepPending          StepState = "pending"
	StepInProgress       StepState = "in_progress"
	StepComplete         StepState = "complete"
	StepError            StepState = "error"
	StepResolvedManually StepState = "resolved_manually"
)

func (s TaskState) Terminal() bool {
	switch s {
	case TaskComplete, TaskError, TaskCancelled, TaskResolvedManually:
		return true
	default:
		return false
	}
}

func (s StepState) Terminal() bool {
	switch s {
	case StepComplete, StepResolvedManually:
		return true
	default:
		return false
	}
}

// StepCountsAsCompleted reports whether a step in this state satisfies its
// children's dependency checks.
func StepCountsAsCompleted(s StepState) bool {
	return s == StepComplete || s == StepResolvedManually
}

// Legal transitions. A zero-valued from state ("") means entity creation.
var taskTransitions = map[TaskState][]TaskState{
	"":             {TaskPending},
	TaskPending:    {TaskInProgress, TaskCancelled},
	TaskInProgress: {TaskComplete, TaskError, TaskPending, TaskCancelled},
	TaskError:      {TaskPending, TaskResolvedManually, TaskCancelled},
}

var stepTransitions = map[StepState][]StepState{
	"":             {StepPending},
	StepPending:    {StepInProgress, StepResolvedManually},
	StepInProgress: {StepComplete, StepError},
	StepError:      {StepPending, StepInProgress, StepResolvedManually},
}

func TaskTransitionAllowed(from, to TaskState) bool {
	for _, t := range taskTransitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

func StepTransitionAllowed(from, to StepState) bool {
	for _, t := range stepTransitions[from] {
		if t == to {
			return true
		}
	}
	return false
}
