package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var (
	settingsPath string
	verbose      bool
	jsonOutput   bool
)

// Execute runs the root command.
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "groundwork",
		Short: "Groundwork - declarative cloud topology engine",
		Long: `Groundwork reconciles a declared cloud topology against a control plane.

Features:
  - Typed topologies via CUE with Starlark compute blocks
  - Module expansion, counts and cross-resource references
  - Dependency-ordered plans with classified retries
  - WASM provider plugins with capability gating
  - Policy gates (OPA/rego), drift detection and state tracking`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
	}

	rootCmd.PersistentFlags().StringVarP(&settingsPath, "config", "c", "", "settings file path (default ./groundwork.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(newInitCommand())
	rootCmd.AddCommand(newValidateCommand())
	rootCmd.AddCommand(newPlanCommand())
	rootCmd.AddCommand(newApplyCommand())
	rootCmd.AddCommand(newDestroyCommand())
	rootCmd.AddCommand(newDriftCommand())
	rootCmd.AddCommand(newVerifyCommand())
	rootCmd.AddCommand(newStateCommand())
	rootCmd.AddCommand(newProvidersCommand())
	rootCmd.AddCommand(newDevCommand())
	rootCmd.AddCommand(newVersionCommand(version, commit, buildDate))

	return rootCmd
}

func newVersionCommand(version, commit, buildDate string) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("groundwork %s\n  commit: %s\n  built:  %s\n", version, commit, buildDate)
		},
	}
}
