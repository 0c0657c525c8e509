package commands

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func newValidateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate the topology without planning",
		Long: `Validate evaluates the configured sources, checks the resulting
topology against resource schemas, and runs policy checks. Nothing
is written to state.`,
		Example: `  # Validate the workspace sources
  groundwork validate

  # Machine-readable output
  groundwork validate --json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt, err := newRuntime(ctx)
			if err != nil {
				return err
			}
			defer rt.Close(ctx)

			topo, err := rt.evaluate(ctx)
			if err != nil {
				return err
			}

			result, err := rt.policy.EvaluateTopology(ctx, topo)
			if err != nil {
				return err
			}

			if jsonOutput {
				out := map[string]interface{}{
					"workspace": topo.Workspace,
					"resources": len(topo.Resources),
					"allowed":   result.Allowed,
					"warnings":  result.Warnings,
				}
				if len(result.Violations) > 0 {
					out["violations"] = result.Violations
				}
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(out)
			}

			fmt.Printf("Topology valid: %d resource(s) in workspace %q\n", len(topo.Resources), topo.Workspace)
			if err := rt.gate(result); err != nil {
				return err
			}
			return nil
		},
	}

	return cmd
}
