/*
main.go - budget-engine entry point

PURPOSE:
  Runs the budget period and rollover engine: the admin HTTP API with its
  ticker scheduler, a single reconciliation pass, or schema migration.

COMMANDS:
  serve      HTTP admin API + scheduler, graceful shutdown on SIGINT/SIGTERM
  reconcile  One pass (--as-of, default now), report printed as JSON
  migrate    Apply the schema and exit

CONFIGURATION:
  --config points at a TOML file. .env and BUDGET_* variables override it;
  see config/config.go for every key.

EXAMPLES:
  # Serve on a file database
  BUDGET_DATABASE_PATH=./data/budget.db budget-engine serve

  # Catch up every scope as of a past date
  budget-engine reconcile --as-of 2025-07-03

  # Postgres
  BUDGET_DATABASE_DRIVER=postgres BUDGET_DATABASE_URL=postgres://... budget-engine migrate
*/
package main

import (
	"os"

	"github.com/spf13/cobra"
)

var flagConfig string

var rootCmd = &cobra.Command{
	Use:          "budget-engine",
	Short:        "Budget period and rollover engine",
	Long:         "Materializes budget periods, carries surpluses and deficits forward and historizes closed periods.",
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&flagConfig, "config", "c", "", "Path to a TOML config file")
	rootCmd.AddCommand(serveCmd, reconcileCmd, migrateCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
