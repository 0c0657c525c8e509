package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/groundworkhq/groundwork/pkg/engine"
	"github.com/groundworkhq/groundwork/pkg/transports/ssh"
)

func newVerifyCommand() *cobra.Command {
	var (
		probe      string
		user       string
		keyPath    string
		insecure   bool
		pushScript bool
	)

	cmd := &cobra.Command{
		Use:   "verify [cluster-id]",
		Short: "Verify cluster nodes over SSH after an apply",
		Long: `Verify probes the nodes of applied clusters over SSH and reports
which ones are healthy. Node addresses come from the cluster's
tracked state (the "node_addresses" attribute). With --push-script the
rendered startup script is re-uploaded before probing.`,
		Example: `  # Verify every tracked cluster
  groundwork verify

  # Verify one cluster with a custom probe
  groundwork verify app-cluster --probe "systemctl is-active kubelet"`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt, err := newRuntime(ctx)
			if err != nil {
				return err
			}
			defer rt.Close(ctx)

			clusters, err := trackedClusters(cmd, rt, args)
			if err != nil {
				return err
			}
			if len(clusters) == 0 {
				fmt.Println("No tracked clusters to verify.")
				return nil
			}

			verifier := ssh.NewVerifier(rt.logger)
			if probe != "" {
				verifier = verifier.WithProbe(probe)
			}

			healthy, total := 0, 0
			var all []ssh.NodeReport
			for _, cluster := range clusters {
				nodes, script, err := clusterNodes(cluster, user, keyPath, insecure)
				if err != nil {
					return fmt.Errorf("cluster %s: %w", cluster.ID, err)
				}
				if len(nodes) == 0 {
					fmt.Printf("cluster %s: no node addresses in state, skipping\n", cluster.ID)
					continue
				}

				if pushScript && script != "" {
					for _, node := range nodes {
						if err := verifier.PushStartupScript(ctx, node, script); err != nil {
							fmt.Printf("  %s: push startup script failed: %v\n", node.Name, err)
						}
					}
				}

				reports, err := verifier.Verify(ctx, nodes)
				if err != nil {
					return err
				}
				all = append(all, reports...)

				fmt.Printf("cluster %s:\n", cluster.ID)
				for _, report := range reports {
					total++
					if report.Healthy {
						healthy++
						fmt.Printf("  %s: healthy (%s)\n", report.Node, report.Duration.Round(time.Millisecond))
						continue
					}
					fmt.Printf("  %s: UNHEALTHY: %s\n", report.Node, report.Error)
				}
			}

			if jsonOutput {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				if err := enc.Encode(all); err != nil {
					return err
				}
			}

			if healthy < total {
				return fmt.Errorf("%d of %d node(s) unhealthy", total-healthy, total)
			}
			fmt.Printf("\nAll %d node(s) healthy.\n", total)
			return nil
		},
	}

	cmd.Flags().StringVar(&probe, "probe", "", "health probe command (default: "+ssh.DefaultProbeCommand+")")
	cmd.Flags().StringVar(&user, "user", "root", "SSH user")
	cmd.Flags().StringVar(&keyPath, "key", "", "SSH private key path (default: ~/.ssh/id_ed25519)")
	cmd.Flags().BoolVar(&insecure, "insecure-host-keys", false, "skip host key verification")
	cmd.Flags().BoolVar(&pushScript, "push-script", false, "re-upload the rendered startup script before probing")
	return cmd
}

func trackedClusters(cmd *cobra.Command, rt *runtime, args []string) ([]*engine.Resource, error) {
	ctx := cmd.Context()
	if len(args) == 1 {
		resource, err := rt.store.GetResource(ctx, args[0])
		if err != nil {
			return nil, err
		}
		if resource.Type != "cloud.cluster" {
			return nil, fmt.Errorf("resource %s is %s, not cloud.cluster", resource.ID, resource.Type)
		}
		return []*engine.Resource{resource}, nil
	}

	resources, err := rt.store.ListResources(ctx)
	if err != nil {
		return nil, err
	}
	var clusters []*engine.Resource
	for i := range resources {
		if resources[i].Type == "cloud.cluster" {
			clusters = append(clusters, &resources[i])
		}
	}
	return clusters, nil
}

// clusterNodes reads node addresses and the rendered startup script out
// of a cluster's applied state.
func clusterNodes(cluster *engine.Resource, user, keyPath string, insecure bool) ([]ssh.Node, string, error) {
	if len(cluster.State) == 0 {
		return nil, "", nil
	}
	var state map[string]interface{}
	if err := json.Unmarshal(cluster.State, &state); err != nil {
		return nil, "", fmt.Errorf("decode state: %w", err)
	}

	script, _ := state["startup_script_rendered"].(string)

	raw, ok := state["node_addresses"].([]interface{})
	if !ok {
		return nil, script, nil
	}

	nodes := make([]ssh.Node, 0, len(raw))
	for i, entry := range raw {
		addr, ok := entry.(string)
		if !ok || addr == "" {
			continue
		}
		cfg := ssh.DefaultConfig(addr, user)
		if keyPath != "" {
			cfg.PrivateKeyPath = keyPath
		}
		if insecure {
			cfg.StrictHostKeyChecking = false
		}
		nodes = append(nodes, ssh.Node{
			Name:   fmt.Sprintf("%s-%d", cluster.ID, i),
			Config: cfg,
		})
	}
	return nodes, script, nil
}
