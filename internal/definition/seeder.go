package definition

import (
	"context"
	"encoding/json"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	workflowrepo "github.com/workgraph/workgraph/internal/data/repos/workflow"
	"github.com/workgraph/workgraph/internal/domain/workflow"
	"github.com/workgraph/workgraph/internal/platform/dbctx"
	"github.com/workgraph/workgraph/internal/platform/logger"
)

const defaultRetryLimit = 3

// Seeder materializes a validated definition into the database. Task, steps,
// edges, and the initial pending transitions land in one transaction, so a
// task is either fully enqueueable or absent.
type Seeder struct {
	db              *gorm.DB
	tasks           workflowrepo.TaskRepo
	steps           workflowrepo.StepRepo
	edges           workflowrepo.EdgeRepo
	taskTransitions workflowrepo.TaskTransitionRepo
	stepTransitions workflowrepo.StepTransitionRepo
	log             *logger.Logger
}

func NewSeeder(
	db *gorm.DB,
	tasks workflowrepo.TaskRepo,
	steps workflowrepo.StepRepo,
	edges workflowrepo.EdgeRepo,
	taskTransitions workflowrepo.TaskTransitionRepo,
	stepTransitions workflowrepo.StepTransitionRepo,
	baseLog *logger.Logger,
) *Seeder {
	return &Seeder{
		db:              db,
		tasks:           tasks,
		steps:           steps,
		edges:           edges,
		taskTransitions: taskTransitions,
		stepTransitions: stepTransitions,
		log:             baseLog.With("service", "TaskSeeder"),
	}
}

func (s *Seeder) CreateTask(ctx context.Context, def *TaskDefinition) (*workflow.Task, error) {
	if err := def.Validate(); err != nil {
		return nil, err
	}

	var created *workflow.Task
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		txc := dbctx.Context{Ctx: ctx, Tx: tx}

		task := &workflow.Task{
			NamedTaskID:             def.ID,
			Name:                    def.Name,
			Concurrent:              def.Concurrent,
			SequentialHaltOnFailure: def.SequentialHaltOnFailure,
			Context:                 marshalJSON(def.Context),
			Tags:                    marshalJSON(def.Tags),
		}
		if _, err := s.tasks.Create(txc, []*workflow.Task{task}); err != nil {
			return err
		}

		steps := make([]*workflow.WorkflowStep, 0, len(def.Steps))
		for _, tpl := range def.Steps {
			retryLimit := tpl.RetryLimit
			if retryLimit == 0 {
				retryLimit = defaultRetryLimit
			}
			retryable := true
			if tpl.Retryable != nil {
				retryable = *tpl.Retryable
			}
			steps = append(steps, &workflow.WorkflowStep{
				TaskID:                task.TaskID,
				NamedStepID:           tpl.ID,
				Name:                  stepName(tpl),
				RetryLimit:            retryLimit,
				Retryable:             retryable,
				DefaultTimeoutSeconds: tpl.TimeoutSeconds,
				HandlerNamespace:      tpl.Handler.Namespace,
				HandlerName:           tpl.Handler.Name,
				HandlerConfig:         marshalJSON(tpl.Config),
				Inputs:                marshalJSON(tpl.Inputs),
			})
		}
		if _, err := s.steps.Create(txc, steps); err != nil {
			return err
		}

		idOf := make(map[string]int64, len(steps))
		for _, st := range steps {
			idOf[st.NamedStepID] = st.WorkflowStepID
		}
		var edges []*workflow.WorkflowStepEdge
		for _, tpl := range def.Steps {
			for _, dep := range tpl.DependsOn {
				edges = append(edges, &workflow.WorkflowStepEdge{
					FromStepID: idOf[dep],
					ToStepID:   idOf[tpl.ID],
				})
			}
		}
		if err := s.edges.Create(txc, edges); err != nil {
			return err
		}

		if _, err := s.taskTransitions.Append(txc, task.TaskID, nil, string(workflow.TaskPending), nil); err != nil {
			return err
		}
		for _, st := range steps {
			if _, err := s.stepTransitions.Append(txc, st.WorkflowStepID, nil, string(workflow.StepPending), nil); err != nil {
				return err
			}
		}

		created = task
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.log.Info("task created",
		"task_id", created.TaskID, "named_task_id", created.NamedTaskID, "steps", len(def.Steps))
	return created, nil
}

func stepName(tpl StepTemplate) string {
	if tpl.Name != "" {
		return tpl.Name
	}
	return tpl.ID
}

func marshalJSON(v interface{}) datatypes.JSON {
	if v == nil {
		return nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return datatypes.JSON(raw)
}
