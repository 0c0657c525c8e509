package commands

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
)

func newDevCommand() *cobra.Command {
	var debounce time.Duration

	cmd := &cobra.Command{
		Use:   "dev",
		Short: "Watch sources and replan on change",
		Long: `Dev watches the configured source directories and recomputes the
plan whenever a topology file changes. Nothing is applied; this is
a fast feedback loop while editing configuration.`,
		Example: `  # Watch and replan
  groundwork dev

  # Slower debounce for editors that write in bursts
  groundwork dev --debounce 2s`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt, err := newRuntime(ctx)
			if err != nil {
				return err
			}
			defer rt.Close(ctx)

			watcher, err := fsnotify.NewWatcher()
			if err != nil {
				return fmt.Errorf("create watcher: %w", err)
			}
			defer watcher.Close()

			for _, source := range rt.settings.Sources {
				if err := watcher.Add(source); err != nil {
					return fmt.Errorf("watch %s: %w", source, err)
				}
			}

			replan := func() {
				plan, result, err := buildPlan(cmd, rt)
				if err != nil {
					fmt.Printf("plan failed: %v\n", err)
					return
				}
				printPlanSummary(plan)
				if err := rt.gate(result); err != nil {
					fmt.Printf("%v\n", err)
				}
			}

			fmt.Printf("Watching %s for changes (Ctrl-C to stop)\n\n", strings.Join(rt.settings.Sources, ", "))
			replan()

			var timer *time.Timer
			pending := make(chan struct{}, 1)
			for {
				select {
				case <-ctx.Done():
					return nil
				case event, ok := <-watcher.Events:
					if !ok {
						return nil
					}
					if !watchable(event) {
						continue
					}
					if timer != nil {
						timer.Stop()
					}
					timer = time.AfterFunc(debounce, func() {
						select {
						case pending <- struct{}{}:
						default:
						}
					})
				case err, ok := <-watcher.Errors:
					if !ok {
						return nil
					}
					fmt.Printf("watch error: %v\n", err)
				case <-pending:
					fmt.Printf("\nchange detected, replanning\n\n")
					replan()
				}
			}
		},
	}

	cmd.Flags().DurationVar(&debounce, "debounce", 500*time.Millisecond, "quiet period before replanning after a change")
	return cmd
}

// watchable filters watcher noise down to topology file writes.
func watchable(event fsnotify.Event) bool {
	if !event.Op.Has(fsnotify.Write) && !event.Op.Has(fsnotify.Create) && !event.Op.Has(fsnotify.Remove) {
		return false
	}
	switch filepath.Ext(event.Name) {
	case ".cue", ".star", ".json":
		return true
	}
	return false
}
