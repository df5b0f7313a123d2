package main

import (
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "orchard",
	Short: "Budget-bounded task orchestrator",
	Long: `Orchard decomposes large tasks into budget-bounded subtasks over a
resource dependency graph, dispatches them to isolated worker sessions under
a concurrency limit, and merges verified results.

Every state transition is journaled to a durable ledger, so interrupted runs
can be inspected and resumed.`,
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(versionCmd)
}
