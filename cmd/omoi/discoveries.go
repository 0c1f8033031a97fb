package main

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/kivo360/omoios/internal/discovery"
	"github.com/kivo360/omoios/pkg/models"
)

var (
	discoveriesTask     string
	discoveriesStatus   string
	discoveriesCategory string
	discoveriesLimit    int
)

var discoveriesCmd = &cobra.Command{
	Use:   "discoveries",
	Short: "Query the discovery ledger",
	Long: `List discoveries agents recorded while working.

  omoi discoveries --task <id> [--status open]
  omoi discoveries --category security [--limit 20]
  omoi discoveries workflow <ticket>     causal workflow as YAML
  omoi discoveries chain <task>          how a task came to exist`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if discoveriesTask == "" && discoveriesCategory == "" {
			return fmt.Errorf("one of --task or --category is required")
		}
		return withLedger(func(ctx context.Context, l *discovery.Ledger) error {
			var (
				list []models.Discovery
				err  error
			)
			if discoveriesTask != "" {
				list, err = l.BySource(ctx, discoveriesTask, models.DiscoveryStatus(discoveriesStatus))
			} else {
				list, err = l.ByCategory(ctx, models.DiscoveryCategory(discoveriesCategory), discoveriesLimit)
			}
			if err != nil {
				return err
			}
			displayDiscoveries(cmd.OutOrStdout(), list)
			return nil
		})
	},
}

var workflowCmd = &cobra.Command{
	Use:   "workflow <ticket>",
	Short: "Print a ticket's tasks and discovery edges as YAML",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withLedger(func(ctx context.Context, l *discovery.Ledger) error {
			wf, err := l.Workflow(ctx, args[0])
			if err != nil {
				return err
			}
			return yaml.NewEncoder(cmd.OutOrStdout()).Encode(wf)
		})
	},
}

var chainCmd = &cobra.Command{
	Use:   "chain <task>",
	Short: "Trace the discoveries that led to a task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withLedger(func(ctx context.Context, l *discovery.Ledger) error {
			chain, err := l.Chain(ctx, args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(chain) == 0 {
				fmt.Fprintf(out, "%s was not spawned by a discovery.\n", args[0])
				return nil
			}
			for i, e := range chain {
				fmt.Fprintf(out, "%s%s → %s (discovery %s)\n", strings.Repeat("  ", i), e.SourceTaskID, e.SpawnedTaskID, e.DiscoveryID)
			}
			return nil
		})
	},
}

func init() {
	discoveriesCmd.Flags().StringVar(&discoveriesTask, "task", "", "Discoveries recorded against this task")
	discoveriesCmd.Flags().StringVar(&discoveriesStatus, "status", "", "Only discoveries with this status (open, resolved, invalid)")
	discoveriesCmd.Flags().StringVar(&discoveriesCategory, "category", "", "Discoveries of this category")
	discoveriesCmd.Flags().IntVar(&discoveriesLimit, "limit", 20, "Maximum number of discoveries for --category")
	discoveriesCmd.AddCommand(workflowCmd)
	discoveriesCmd.AddCommand(chainCmd)
}

// withLedger runs fn against a read-side ledger over the configured store.
func withLedger(fn func(ctx context.Context, l *discovery.Ledger) error) error {
	db, err := openStore()
	if err != nil {
		return err
	}
	defer db.Close()
	return fn(context.Background(), discovery.New(db, nil))
}

func displayDiscoveries(w io.Writer, list []models.Discovery) {
	if len(list) == 0 {
		fmt.Fprintln(w, "No discoveries.")
		return
	}
	for _, d := range list {
		status := string(d.Status)
		if d.Status == models.DiscoveryOpen {
			status = color.YellowString(status)
		}
		boost := ""
		if d.PriorityBoost {
			boost = color.RedString(" ↑")
		}
		fmt.Fprintf(w, "%s [%s] %s%s: %s\n", d.ID, d.Category, status, boost, d.Description)
		for _, id := range d.SpawnedTaskIDs {
			fmt.Fprintf(w, "    spawned %s\n", id)
		}
	}
}
