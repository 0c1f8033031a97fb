package main

import (
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "omoi",
	Short: "Fleet monitoring core for autonomous coding agents",
	Long: `omoi watches a fleet of autonomous coding agents.

Every monitoring tick it scores each agent's recent activity against its
task goal, aggregates the fleet into a coherence snapshot, steers drifting
agents with interventions and hands duplicated work back to the queue.

Around that loop it runs the validation state machine (independent
reviews, bounded rework, diagnosis tasks) and the discovery ledger that
lets agents branch new work out of the tasks they are doing.

Start the core with 'omoi run'; inspect it with 'omoi status'.`,
	SilenceUsage: true,
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(tasksCmd)
	rootCmd.AddCommand(discoveriesCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(versionCmd)
}
