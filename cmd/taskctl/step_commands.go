package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/workgraph/workgraph/internal/domain/workflow"
	"github.com/workgraph/workgraph/internal/engine/statemachine"
	"github.com/workgraph/workgraph/internal/platform/dbctx"
)

func newStepsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "steps",
		Short: "Operate individual workflow steps",
	}
	cmd.AddCommand(
		newStepResolveCmd(),
		newStepReleaseCmd(),
	)
	return cmd
}

func stepChangeReset() statemachine.StepChange {
	return statemachine.StepChange{
		Metadata: map[string]interface{}{"operator": "reset"},
		Updates: map[string]interface{}{
			"attempts":                0,
			"backoff_request_seconds": nil,
			"in_process":              false,
		},
	}
}

func newStepResolveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resolve <step-id>",
		Short: "Mark a step resolved manually; children treat it as completed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := buildApp()
			if err != nil {
				return err
			}
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			dbc := dbctx.Context{Ctx: cmd.Context()}
			if _, err := a.stepSM.TransitionTo(dbc, id, workflow.StepResolvedManually, statemachine.StepChange{
				Metadata: map[string]interface{}{"operator": "resolve"},
				Updates: map[string]interface{}{
					"processed":  true,
					"in_process": false,
				},
			}); err != nil {
				return err
			}
			fmt.Printf("step %d resolved manually\n", id)
			return nil
		},
	}
}

// release clears a stuck in_process flag left by a crashed worker. A step
// still in in_progress is failed over to error so the retry machinery picks
// it up; a step in any other state just gets the flag cleared.
func newStepReleaseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "release <step-id>",
		Short: "Release a step stuck in_process after a worker crash",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := buildApp()
			if err != nil {
				return err
			}
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			dbc := dbctx.Context{Ctx: cmd.Context()}

			step, err := a.steps.GetByID(dbc, id)
			if err != nil {
				return err
			}
			if step == nil {
				return fmt.Errorf("step %d not found", id)
			}
			if !step.InProcess {
				fmt.Printf("step %d is not in process; nothing to release\n", id)
				return nil
			}

			state, err := a.stepSM.CurrentState(dbc, id)
			if err != nil {
				return err
			}
			if state == workflow.StepInProgress {
				if _, err := a.stepSM.TransitionTo(dbc, id, workflow.StepError, statemachine.StepChange{
					Metadata: map[string]interface{}{"operator": "release"},
					Updates:  map[string]interface{}{"in_process": false},
				}); err != nil {
					return err
				}
			} else {
				if err := a.steps.UpdateFields(dbc, id, map[string]interface{}{"in_process": false}); err != nil {
					return err
				}
			}
			fmt.Printf("step %d released\n", id)
			return nil
		},
	}
}
