package commands

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/groundworkhq/groundwork/pkg/engine"
)

func newDriftCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "drift [resource-id]",
		Short: "Detect drift between tracked state and the cloud",
		Long: `Drift refreshes resources from their providers and compares the
refreshed state with what Groundwork last recorded. Without an
argument every tracked resource is checked.`,
		Example: `  # Check everything
  groundwork drift

  # Check one resource
  groundwork drift app-net

  # Machine-readable output
  groundwork drift --json`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt, err := newRuntime(ctx)
			if err != nil {
				return err
			}
			defer rt.Close(ctx)

			var reports []engine.DriftReport
			if len(args) == 1 {
				report, err := rt.drift.DetectDrift(ctx, args[0])
				if err != nil {
					return err
				}
				reports = []engine.DriftReport{*report}
			} else {
				reports, err = rt.drift.DetectAll(ctx)
				if err != nil {
					return err
				}
			}

			if jsonOutput {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(reports)
			}

			drifted := 0
			for _, report := range reports {
				if report.Status == engine.DriftStatusInSync {
					continue
				}
				drifted++
				fmt.Printf("  %s: %s\n", report.ResourceID, report.Status)
				for _, change := range report.Drifts {
					fmt.Printf("      %s %s (%v -> %v)\n", change.Action, change.Path, change.Before, change.After)
				}
			}
			if drifted == 0 {
				fmt.Printf("No drift detected across %d resource(s).\n", len(reports))
				return nil
			}
			fmt.Printf("\n%d of %d resource(s) drifted. Run \"groundwork apply\" to reconcile.\n", drifted, len(reports))
			return nil
		},
	}

	return cmd
}
