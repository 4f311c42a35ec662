// Package cli wires the settlement engine into the papertrade command.
package cli

import (
	"github.com/spf13/cobra"
)

// Version is stamped at build time with -ldflags "-X papertrade/internal/cli.Version=...".
var Version = "dev"

var rootCmd = &cobra.Command{
	Use:   "papertrade",
	Short: "Simulated trading settlement engine",
	Long: `papertrade settles simulated market orders against per-user paper accounts.

It provides:
  - an HTTP and websocket API for orders, positions, trades and accounts
  - a gRPC settlement service for internal callers
  - periodic mark-to-market and ledger reconciliation
  - trade history export to Parquet

Configuration comes from the environment (and an optional .env file).`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.Version = Version
	rootCmd.AddCommand(
		newServeCmd(),
		newMigrateCmd(),
		newTradesCmd(),
		newExportCmd(),
		newReconcileCmd(),
	)
}
