package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/groundworkhq/groundwork/pkg/engine"
)

func newPlanCommand() *cobra.Command {
	var (
		outFile  string
		dotFile  string
		varFlags []string
	)

	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Preview the changes an apply would make",
		Long: `Plan evaluates the topology, diffs it against tracked state, and
builds a dependency-ordered execution plan. The plan can be saved
and applied later, or exported as a DOT graph for inspection.`,
		Example: `  # Preview changes
  groundwork plan

  # Save the plan for a later apply
  groundwork plan --out plan.json

  # Override a workspace variable
  groundwork plan --var region=eu-west1

  # Export the execution graph
  groundwork plan --dot plan.dot`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt, err := newRuntime(ctx)
			if err != nil {
				return err
			}
			defer rt.Close(ctx)

			overrides, err := parseVarFlags(varFlags)
			if err != nil {
				return err
			}
			rt.parser.Overrides = overrides

			plan, result, err := buildPlan(cmd, rt)
			if err != nil {
				return err
			}

			printPlanSummary(plan)
			if err := rt.gate(result); err != nil {
				return err
			}

			if outFile != "" {
				raw, err := json.MarshalIndent(plan, "", "  ")
				if err != nil {
					return fmt.Errorf("encode plan: %w", err)
				}
				if err := os.WriteFile(outFile, raw, 0o644); err != nil {
					return fmt.Errorf("write plan: %w", err)
				}
				fmt.Printf("\nPlan saved to %s\n", outFile)
			}

			if dotFile != "" {
				builder := engine.NewGraphBuilder()
				if _, err := builder.Build(plan.Units); err != nil {
					return err
				}
				if err := os.WriteFile(dotFile, []byte(builder.ToDOT()), 0o644); err != nil {
					return fmt.Errorf("write graph: %w", err)
				}
				fmt.Printf("Execution graph saved to %s\n", dotFile)
			}

			return nil
		},
	}

	cmd.Flags().StringVarP(&outFile, "out", "o", "", "write the plan to a file")
	cmd.Flags().StringVar(&dotFile, "dot", "", "write the execution graph in DOT format")
	cmd.Flags().StringArrayVar(&varFlags, "var", nil, "override a workspace variable (name=value)")
	return cmd
}

// buildPlan runs the evaluate/diff/plan/policy pipeline shared by plan
// and apply.
func buildPlan(cmd *cobra.Command, rt *runtime) (*engine.Plan, *engine.PolicyResult, error) {
	ctx := cmd.Context()

	topo, err := rt.evaluate(ctx)
	if err != nil {
		return nil, nil, err
	}

	topoResult, err := rt.policy.EvaluateTopology(ctx, topo)
	if err != nil {
		return nil, nil, err
	}

	diff, err := rt.planner.ComputeDiff(ctx, topo)
	if err != nil {
		return nil, nil, err
	}

	plan, err := rt.planner.BuildPlan(ctx, topo, diff)
	if err != nil {
		return nil, nil, err
	}

	// A converged workspace yields an empty plan; there is nothing to
	// validate or gate.
	merged := topoResult
	if len(plan.Units) > 0 {
		if err := rt.planner.ValidatePlan(ctx, plan); err != nil {
			return nil, nil, err
		}
		planResult, err := rt.policy.EvaluatePlan(ctx, plan)
		if err != nil {
			return nil, nil, err
		}
		merged = mergePolicyResults(topoResult, planResult)
	}

	if err := rt.store.SavePlan(ctx, plan); err != nil {
		return nil, nil, err
	}
	return plan, merged, nil
}

func mergePolicyResults(results ...*engine.PolicyResult) *engine.PolicyResult {
	merged := &engine.PolicyResult{Allowed: true}
	for _, r := range results {
		if r == nil {
			continue
		}
		if !r.Allowed {
			merged.Allowed = false
		}
		merged.Violations = append(merged.Violations, r.Violations...)
		merged.Warnings = append(merged.Warnings, r.Warnings...)
		if r.EvaluatedAt.After(merged.EvaluatedAt) {
			merged.EvaluatedAt = r.EvaluatedAt
		}
	}
	return merged
}

func parseVarFlags(flags []string) (map[string]interface{}, error) {
	if len(flags) == 0 {
		return nil, nil
	}
	overrides := make(map[string]interface{}, len(flags))
	for _, f := range flags {
		name, value, ok := strings.Cut(f, "=")
		if !ok || name == "" {
			return nil, fmt.Errorf("invalid --var %q: expected name=value", f)
		}
		overrides[name] = value
	}
	return overrides, nil
}

func printPlanSummary(plan *engine.Plan) {
	s := plan.Summary
	fmt.Printf("Plan %s (workspace %q)\n\n", plan.ID, plan.Workspace)
	for _, unit := range plan.Units {
		if unit.Operation == engine.OperationNoop {
			continue
		}
		marker := operationMarker(unit.Operation)
		fmt.Printf("  %s %s (%s)\n", marker, unit.ResourceID, unit.ProviderType)
		for _, change := range unit.Changes {
			fmt.Printf("      %s %s\n", change.Action, change.Path)
		}
	}
	fmt.Printf("\nSummary: %d to create, %d to update, %d to delete, %d to recreate, %d unchanged\n",
		s.ToCreate, s.ToUpdate, s.ToDelete, s.ToRecreate, s.NoChange)
}

func operationMarker(op engine.OperationType) string {
	switch op {
	case engine.OperationCreate:
		return "+"
	case engine.OperationUpdate:
		return "~"
	case engine.OperationDelete:
		return "-"
	case engine.OperationRecreate:
		return "±"
	default:
		return " "
	}
}
