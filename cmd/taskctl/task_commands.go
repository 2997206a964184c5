package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/workgraph/workgraph/internal/definition"
	"github.com/workgraph/workgraph/internal/domain/workflow"
	"github.com/workgraph/workgraph/internal/platform/dbctx"
	"github.com/workgraph/workgraph/internal/queue"
)

func newTaskCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "task",
		Short: "Create, enqueue, and operate tasks",
	}
	cmd.AddCommand(
		newTaskCreateCmd(),
		newTaskEnqueueCmd(),
		newTaskStatusCmd(),
		newTaskRetryCmd(),
		newTaskResolveCmd(),
		newTaskCancelCmd(),
		newTaskLevelsCmd(),
	)
	return cmd
}

func parseID(arg string) (int64, error) {
	id, err := strconv.ParseInt(arg, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid id %q", arg)
	}
	return id, nil
}

func newTaskCreateCmd() *cobra.Command {
	var file string
	var enqueue bool
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a task from a YAML definition",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := buildApp()
			if err != nil {
				return err
			}
			def, err := definition.Load(file)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			task, err := a.seeder.CreateTask(ctx, def)
			if err != nil {
				return err
			}
			fmt.Printf("created task %d (%s) with %d steps\n", task.TaskID, task.NamedTaskID, len(def.Steps))
			if enqueue {
				return enqueueTask(ctx, a, task.TaskID, queue.ReasonInitial)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "path to the task definition YAML")
	cmd.Flags().BoolVar(&enqueue, "enqueue", false, "enqueue the task after creating it")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func newTaskEnqueueCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "enqueue <task-id>",
		Short: "Enqueue a task for coordination",
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
			return enqueueTask(cmd.Context(), a, id, queue.ReasonInitial)
		},
	}
}

func enqueueTask(ctx context.Context, a *app, taskID int64, reason queue.Reason) error {
	requeuer, closeQueue, err := a.requeuer()
	if err != nil {
		return err
	}
	defer closeQueue()
	if err := requeuer.Requeue(ctx, taskID, reason, time.Time{}); err != nil {
		return err
	}
	fmt.Printf("enqueued task %d (%s)\n", taskID, reason)
	return nil
}

func newTaskStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <task-id>",
		Short: "Show the task's execution context and per-step readiness",
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

			task, err := a.tasks.GetByID(dbc, id)
			if err != nil {
				return err
			}
			if task == nil {
				return fmt.Errorf("task %d not found", id)
			}
			state, err := a.taskSM.CurrentState(dbc, id)
			if err != nil {
				return err
			}
			rows, err := a.readiness.ForTask(dbc, id)
			if err != nil {
				return err
			}
			ec := workflow.BuildExecutionContext(id, rows)

			fmt.Printf("task %d  %s  state=%s\n", task.TaskID, task.NamedTaskID, state)
			fmt.Printf("status=%s  action=%s  health=%s\n",
				ec.ExecutionStatus, ec.RecommendedAction, ec.HealthStatus)
			fmt.Printf("steps: total=%d pending=%d in_progress=%d complete=%d failed=%d ready=%d blocked=%d\n",
				ec.TotalSteps, ec.PendingSteps, ec.InProgressSteps, ec.CompletedSteps,
				ec.FailedSteps, ec.ReadySteps, ec.PermanentlyBlockedSteps)
			if ec.NextRetryAt != nil {
				fmt.Printf("next retry at: %s\n", ec.NextRetryAt.Format(time.RFC3339))
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "STEP\tNAME\tSTATE\tDEPS\tATTEMPTS\tREADY\tBLOCKED")
			for _, r := range rows {
				fmt.Fprintf(w, "%d\t%s\t%s\t%d/%d\t%d/%d\t%v\t%v\n",
					r.WorkflowStepID, r.NamedStepID, r.CurrentState,
					r.CompletedParents, r.TotalParents,
					r.Attempts, r.RetryLimit,
					r.ReadyForExecution, r.PermanentlyBlocked())
			}
			return w.Flush()
		},
	}
}

func newTaskRetryCmd() *cobra.Command {
	var resetAttempts bool
	cmd := &cobra.Command{
		Use:   "retry <task-id>",
		Short: "Reopen a failed task and enqueue it",
		Long: `Moves an errored task back to pending and enqueues it. Permanently
blocked steps stay blocked unless --reset-attempts restores their budget.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := buildApp()
			if err != nil {
				return err
			}
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			dbc := dbctx.Context{Ctx: ctx}

			if resetAttempts {
				if err := resetBlockedSteps(dbc, a, id); err != nil {
					return err
				}
			}
			if _, err := a.taskSM.TransitionTo(dbc, id, workflow.TaskPending, map[string]interface{}{
				"operator": "retry",
			}); err != nil {
				return err
			}
			return enqueueTask(ctx, a, id, queue.ReasonRetry)
		},
	}
	cmd.Flags().BoolVar(&resetAttempts, "reset-attempts", false, "zero the attempt count of permanently blocked steps")
	return cmd
}

// resetBlockedSteps returns blocked steps to pending with a fresh budget.
func resetBlockedSteps(dbc dbctx.Context, a *app, taskID int64) error {
	rows, err := a.readiness.ForTask(dbc, taskID)
	if err != nil {
		return err
	}
	for _, r := range rows {
		if !r.PermanentlyBlocked() {
			continue
		}
		if _, err := a.stepSM.TransitionTo(dbc, r.WorkflowStepID, workflow.StepPending, stepChangeReset()); err != nil {
			return err
		}
		fmt.Printf("reset step %d (%s)\n", r.WorkflowStepID, r.NamedStepID)
	}
	return nil
}

func newTaskResolveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resolve <task-id>",
		Short: "Mark a failed task resolved manually",
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
			if _, err := a.taskSM.TransitionTo(dbc, id, workflow.TaskResolvedManually, map[string]interface{}{
				"operator": "resolve",
			}); err != nil {
				return err
			}
			fmt.Printf("task %d resolved manually\n", id)
			return nil
		},
	}
}

func newTaskCancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <task-id>",
		Short: "Cancel a task",
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
			if _, err := a.taskSM.TransitionTo(dbc, id, workflow.TaskCancelled, map[string]interface{}{
				"operator": "cancel",
			}); err != nil {
				return err
			}
			fmt.Printf("task %d cancelled\n", id)
			return nil
		},
	}
}

func newTaskLevelsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "levels <task-id>",
		Short: "Show the task's dependency levels",
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
			levels, err := a.readiness.DependencyLevels(dbc, id)
			if err != nil {
				return err
			}
			steps, err := a.steps.ListByTask(dbc, id)
			if err != nil {
				return err
			}
			nameOf := make(map[int64]string, len(steps))
			for _, s := range steps {
				nameOf[s.WorkflowStepID] = s.NamedStepID
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "LEVEL\tSTEP\tNAME")
			for _, l := range levels {
				fmt.Fprintf(w, "%d\t%d\t%s\n", l.Level, l.WorkflowStepID, nameOf[l.WorkflowStepID])
			}
			return w.Flush()
		},
	}
}
