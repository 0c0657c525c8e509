package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/groundworkhq/groundwork/pkg/engine"
)

func newDestroyCommand() *cobra.Command {
	var (
		autoApprove bool
		dryRun      bool
	)

	cmd := &cobra.Command{
		Use:   "destroy",
		Short: "Tear down all tracked resources",
		Long: `Destroy builds a teardown plan covering every tracked resource,
deleting in reverse dependency order, and executes it.`,
		Example: `  # Preview the teardown
  groundwork destroy --dry-run

  # Tear everything down without prompting
  groundwork destroy --auto-approve`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt, err := newRuntime(ctx)
			if err != nil {
				return err
			}
			defer rt.Close(ctx)

			plan, err := rt.planner.BuildDestroyPlan(ctx)
			if err != nil {
				return err
			}
			if len(plan.Units) == 0 {
				fmt.Println("Nothing to destroy: no tracked resources.")
				return nil
			}
			if err := rt.planner.ValidatePlan(ctx, plan); err != nil {
				return err
			}

			result, err := rt.policy.EvaluatePlan(ctx, plan)
			if err != nil {
				return err
			}

			printPlanSummary(plan)
			if err := rt.gate(result); err != nil {
				return err
			}
			if err := rt.store.SavePlan(ctx, plan); err != nil {
				return err
			}

			if !dryRun && !autoApprove {
				if !confirm("\nDestroy all tracked resources?") {
					fmt.Println("Destroy cancelled.")
					return nil
				}
			}

			rt.metrics.RecordRunStarted(plan.Workspace)
			run, err := rt.scheduler.Execute(ctx, plan, rt.executeOptions(dryRun))
			if err != nil {
				if run != nil {
					printRunSummary(run)
				}
				return err
			}
			rt.metrics.RecordRunCompleted(string(run.Status), run.Duration)
			printRunSummary(run)

			if run.Status == engine.RunStatusFailed || run.Status == engine.RunStatusPartial {
				return fmt.Errorf("run %s finished with status %s", run.ID, run.Status)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&autoApprove, "auto-approve", false, "skip the interactive confirmation")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "walk the plan without calling providers")
	return cmd
}
