package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newProvidersCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "providers",
		Short: "List available resource providers",
		Long: `Providers lists the built-in cloud providers plus any WASM plugin
providers discovered in the plugin directory, along with the
resource types each one handles.`,
		Example: `  groundwork providers
  groundwork providers --json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt, err := newRuntime(ctx)
			if err != nil {
				return err
			}
			defer rt.Close(ctx)

			metadata, err := rt.providers.List(ctx)
			if err != nil {
				return err
			}

			if jsonOutput {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(metadata)
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tVERSION\tRESOURCE TYPES\tCAPABILITIES")
			for _, m := range metadata {
				caps := "-"
				if len(m.RequiredCapabilities) > 0 {
					caps = strings.Join(m.RequiredCapabilities, ",")
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
					m.Name, m.Version, strings.Join(m.ResourceTypes, ","), caps)
			}
			return w.Flush()
		},
	}
}
