package workflow

import (
	"time"

	"gorm.io/datatypes"
)

// Task is a workflow instance: a rooted DAG of steps sharing one context map.
// Current state is derived from task_transitions, never stored here.
type Task struct {
	TaskID      int64  `gorm:"column:task_id;primaryKey;autoIncrement" json:"task_id"`
	NamedTaskID string `gorm:"column:named_task_id;not null;index" json:"named_task_id"`
	Name        string `gorm:"column:name;not null" json:"name"`

	// Concurrent declares whether a viable batch may run in parallel.
	Concurrent bool `gorm:"column:concurrent;not null;default:false" json:"concurrent"`
	// SequentialHaltOnFailure stops a sequential batch at the first failed
	// sibling. Default is to attempt all siblings.
	SequentialHaltOnFailure bool `gorm:"column:sequential_halt_on_failure;not null;default:false" json:"sequential_halt_on_failure"`

	Context datatypes.JSON `gorm:"column:context;type:jsonb" json:"context"`
	Tags    datatypes.JSON `gorm:"column:tags;type:jsonb" json:"tags,omitempty"`

	CreatedAt time.Time `gorm:"not null;default:now();index" json:"created_at"`
	UpdatedAt time.Time `gorm:"not null;default:now()" json:"updated_at"`
}

func (Task) TableName() string { return "tasks" }
