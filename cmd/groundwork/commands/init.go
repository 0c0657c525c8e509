package commands

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/groundworkhq/groundwork/pkg/stores"
)

const sampleTopology = `// Groundwork topology. Run "groundwork plan" to preview changes.
workspace: "default"

variables: {
	region: "us-central1"
}

resources: {
	"app-net": {
		type: "cloud.network"
		name: "app-net"
		config: {
			cidr:   "10.10.0.0/16"
			region: variables.region
		}
	}
	"app-data": {
		type: "cloud.bucket"
		name: "app-data"
		config: {
			region:         variables.region
			versioning:     true
			encryption_key: "projects/default/keys/app"
		}
	}
}
`

func newInitCommand() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "init [directory]",
		Short: "Initialize a new Groundwork workspace",
		Long: `Initialize creates the workspace scaffolding: a groundwork.yaml
settings file, a sample topology, and the local state database.`,
		Example: `  # Initialize the current directory
  groundwork init

  # Initialize a new directory
  groundwork init ./infra`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := "."
			if len(args) == 1 {
				dir = args[0]
			}
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return fmt.Errorf("create workspace directory: %w", err)
			}

			settingsFile := filepath.Join(dir, "groundwork.yaml")
			if _, err := os.Stat(settingsFile); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", settingsFile)
			}

			settings := DefaultSettings()
			settings.DataDir = filepath.Join(dir, "data")
			settings.Database.Path = filepath.Join(settings.DataDir, "groundwork.db")
			settings.Plugins.Dir = filepath.Join(settings.DataDir, "plugins")
			settings.Sources = []string{dir}

			for _, sub := range []string{settings.DataDir, settings.Plugins.Dir} {
				if err := os.MkdirAll(sub, 0o755); err != nil {
					return fmt.Errorf("create %s: %w", sub, err)
				}
			}

			raw, err := yaml.Marshal(settings)
			if err != nil {
				return fmt.Errorf("encode settings: %w", err)
			}
			if err := os.WriteFile(settingsFile, raw, 0o644); err != nil {
				return fmt.Errorf("write %s: %w", settingsFile, err)
			}

			topoFile := filepath.Join(dir, "main.cue")
			if _, err := os.Stat(topoFile); os.IsNotExist(err) || force {
				if err := os.WriteFile(topoFile, []byte(sampleTopology), 0o644); err != nil {
					return fmt.Errorf("write %s: %w", topoFile, err)
				}
			}

			store, err := stores.NewSQLiteStore(stores.Config{Path: settings.Database.Path}, log.Logger)
			if err != nil {
				return err
			}
			if err := store.Init(cmd.Context()); err != nil {
				return fmt.Errorf("initialize state database: %w", err)
			}
			defer store.Close()

			fmt.Printf("Initialized Groundwork workspace in %s\n\n", dir)
			fmt.Printf("  settings:  %s\n", settingsFile)
			fmt.Printf("  topology:  %s\n", topoFile)
			fmt.Printf("  state:     %s\n\n", settings.Database.Path)
			fmt.Println("Next steps:")
			fmt.Println("  groundwork validate")
			fmt.Println("  groundwork plan")
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "overwrite existing workspace files")
	return cmd
}
