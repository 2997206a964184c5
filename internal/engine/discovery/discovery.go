// Package discovery answers "which steps of this task may run right now" by
// combining the readiness engine's verdict with hydrated step rows.
package discovery

import (
	readinessrepo "github.com/workgraph/workgraph/internal/data/repos/readiness"
	workflowrepo "github.com/workgraph/workgraph/internal/data/repos/workflow"
	"github.com/workgraph/workgraph/internal/domain/workflow"
	"github.com/workgraph/workgraph/internal/platform/dbctx"
	"github.com/workgraph/workgraph/internal/platform/logger"
)

type Service struct {
	readiness readinessrepo.Repo
	steps     workflowrepo.StepRepo
	log       *logger.Logger
}

func NewService(readiness readinessrepo.Repo, steps workflowrepo.StepRepo, baseLog *logger.Logger) *Service {
	return &Service{
		readiness: readiness,
		steps:     steps,
		log:       baseLog.With("service", "StepDiscovery"),
	}
}

// ViableSteps returns the ready steps of a task as full rows, ordered by id.
// The verdict comes from the readiness query's snapshot; the executor still
// re-checks state inside its own entry transaction before running anything.
// When `only` step ids are given, the result is narrowed to those ids, so a
// caller can target a subset without losing the readiness check.
func (s *Service) ViableSteps(dbc dbctx.Context, taskID int64, only ...int64) ([]*workflow.WorkflowStep, error) {
	rows, err := s.readiness.ForTask(dbc, taskID)
	if err != nil {
		return nil, err
	}
	var wanted map[int64]bool
	if len(only) > 0 {
		wanted = make(map[int64]bool, len(only))
		for _, id := range only {
			wanted[id] = true
		}
	}
	var ids []int64
	for _, r := range rows {
		if !r.ReadyForExecution {
			continue
		}
		if wanted != nil && !wanted[r.WorkflowStepID] {
			continue
		}
		ids = append(ids, r.WorkflowStepID)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	return s.steps.GetByIDs(dbc, ids)
}

// Readiness exposes the raw per-step readiness rows for status surfaces.
func (s *Service) Readiness(dbc dbctx.Context, taskID int64) ([]workflow.StepReadiness, error) {
	return s.readiness.ForTask(dbc, taskID)
}
