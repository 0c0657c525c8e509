package commands

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/groundworkhq/groundwork/pkg/engine"
)

func newApplyCommand() *cobra.Command {
	var (
		planFile    string
		varFlags    []string
		dryRun      bool
		autoApprove bool
		parallel    int
		failFast    bool
	)

	cmd := &cobra.Command{
		Use:   "apply",
		Short: "Apply the planned changes",
		Long: `Apply executes an execution plan against the cloud control plane:
units run in dependency order, independent units run in parallel,
and transient failures are retried with backoff. Without --plan a
fresh plan is computed first.`,
		Example: `  # Plan and apply in one step
  groundwork apply

  # Apply a previously saved plan
  groundwork apply --plan plan.json

  # Rehearse without touching anything
  groundwork apply --dry-run`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt, err := newRuntime(ctx)
			if err != nil {
				return err
			}
			defer rt.Close(ctx)

			if parallel > 0 {
				rt.settings.Execution.MaxParallel = parallel
			}
			if cmd.Flags().Changed("fail-fast") {
				rt.settings.Execution.FailFast = failFast
			}

			var plan *engine.Plan
			if planFile != "" {
				plan, err = loadPlanFile(planFile)
				if err != nil {
					return err
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
			} else {
				overrides, err := parseVarFlags(varFlags)
				if err != nil {
					return err
				}
				rt.parser.Overrides = overrides

				var result *engine.PolicyResult
				plan, result, err = buildPlan(cmd, rt)
				if err != nil {
					return err
				}
				printPlanSummary(plan)
				if err := rt.gate(result); err != nil {
					return err
				}
			}

			if plan.Summary.TotalResources == plan.Summary.NoChange {
				fmt.Println("\nNo changes. Infrastructure is up to date.")
				return nil
			}

			if !dryRun && !autoApprove {
				if !confirm("\nApply these changes?") {
					fmt.Println("Apply cancelled.")
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

	cmd.Flags().StringVar(&planFile, "plan", "", "apply a previously saved plan file")
	cmd.Flags().StringArrayVar(&varFlags, "var", nil, "override a workspace variable (name=value)")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "walk the plan without calling providers")
	cmd.Flags().BoolVar(&autoApprove, "auto-approve", false, "skip the interactive confirmation")
	cmd.Flags().IntVar(&parallel, "parallel", 0, "maximum units executed concurrently (0 = settings default)")
	cmd.Flags().BoolVar(&failFast, "fail-fast", false, "stop scheduling new units after the first failure")
	return cmd
}

func loadPlanFile(path string) (*engine.Plan, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read plan: %w", err)
	}
	var plan engine.Plan
	if err := json.Unmarshal(raw, &plan); err != nil {
		return nil, fmt.Errorf("decode plan %s: %w", path, err)
	}
	return &plan, nil
}

func confirm(prompt string) bool {
	fmt.Printf("%s Only 'yes' is accepted: ", prompt)
	reader := bufio.NewReader(os.Stdin)
	line, err := reader.ReadString('\n')
	if err != nil {
		return false
	}
	return strings.TrimSpace(line) == "yes"
}

func printRunSummary(run *engine.Run) {
	s := run.Summary
	fmt.Printf("\nRun %s: %s\n", run.ID, run.Status)
	fmt.Printf("  %d succeeded, %d failed, %d skipped (of %d) in %s\n",
		s.Succeeded, s.Failed, s.Skipped, s.Total, run.Duration.Round(time.Millisecond))
}
