// taskctl is the operator surface of the workflow engine: create tasks from
// definitions, enqueue them, inspect readiness, and intervene on failures.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gorm.io/gorm"

	"github.com/workgraph/workgraph/internal/data/db"
	readinessrepo "github.com/workgraph/workgraph/internal/data/repos/readiness"
	workflowrepo "github.com/workgraph/workgraph/internal/data/repos/workflow"
	"github.com/workgraph/workgraph/internal/definition"
	"github.com/workgraph/workgraph/internal/engine/finalizer"
	"github.com/workgraph/workgraph/internal/engine/statemachine"
	"github.com/workgraph/workgraph/internal/events"
	"github.com/workgraph/workgraph/internal/platform/logger"
	"github.com/workgraph/workgraph/internal/queue"
)

type app struct {
	log *logger.Logger
	pg  *gorm.DB

	tasks           workflowrepo.TaskRepo
	steps           workflowrepo.StepRepo
	edges           workflowrepo.EdgeRepo
	taskTransitions workflowrepo.TaskTransitionRepo
	stepTransitions workflowrepo.StepTransitionRepo
	readiness       readinessrepo.Repo

	taskSM *statemachine.Tasks
	stepSM *statemachine.Steps
	seeder *definition.Seeder
}

func buildApp() (*app, error) {
	logMode := os.Getenv("LOG_MODE")
	if logMode == "" {
		logMode = "production"
	}
	log, err := logger.New(logMode)
	if err != nil {
		return nil, err
	}

	postgresService, err := db.NewPostgresService(log)
	if err != nil {
		return nil, err
	}
	pg := postgresService.DB()
	if err := db.AutoMigrateAll(pg); err != nil {
		return nil, err
	}
	if err := db.EnsureWorkflowIndexes(pg); err != nil {
		return nil, err
	}

	a := &app{
		log:             log,
		pg:              pg,
		tasks:           workflowrepo.NewTaskRepo(pg, log),
		steps:           workflowrepo.NewStepRepo(pg, log),
		edges:           workflowrepo.NewEdgeRepo(pg, log),
		taskTransitions: workflowrepo.NewTaskTransitionRepo(pg, log),
		stepTransitions: workflowrepo.NewStepTransitionRepo(pg, log),
		readiness:       readinessrepo.New(pg, log),
	}
	bus := events.NewBus()
	a.taskSM = statemachine.NewTasks(pg, a.tasks, a.taskTransitions, bus, log)
	a.stepSM = statemachine.NewSteps(pg, a.steps, a.stepTransitions, bus, log)
	a.seeder = definition.NewSeeder(pg, a.tasks, a.steps, a.edges, a.taskTransitions, a.stepTransitions, log)
	return a, nil
}

// requeuer connects to Redis lazily; read-only commands work without it.
func (a *app) requeuer() (*finalizer.Requeuer, func(), error) {
	q, err := queue.NewRedisQueue(a.log)
	if err != nil {
		return nil, nil, err
	}
	return finalizer.NewRequeuer(q, nil, a.log), func() { _ = q.Close() }, nil
}

func main() {
	root := &cobra.Command{
		Use:           "taskctl",
		Short:         "Operate the workflow engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(
		newTaskCmd(),
		newStepsCmd(),
	)
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
