package cli

import (
	"errors"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"papertrade/internal/journal"
	"papertrade/internal/ledger"
	"papertrade/internal/market"
	"papertrade/internal/reconciliation"
	"papertrade/pkg/config"
)

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or upgrade the database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.Close()
			if a.cfg.DBDriver == config.DriverMemory {
				fmt.Fprintln(cmd.OutOrStdout(), "memory driver: nothing to migrate")
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "schema up to date (%s)\n", a.cfg.DBDriver)
			return nil
		},
	}
}

func newTradesCmd() *cobra.Command {
	var (
		userID string
		limit  int
	)
	cmd := &cobra.Command{
		Use:   "trades",
		Short: "Print a user's most recent trades",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.Close()

			trades, err := a.store.ListTrades(cmd.Context(), userID, limit)
			if err != nil {
				return err
			}
			return printTrades(cmd.OutOrStdout(), trades)
		},
	}
	cmd.Flags().StringVarP(&userID, "user", "u", "", "user id (required)")
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of trades, newest first")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func printTrades(w io.Writer, trades []ledger.TradeRecord) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tINSTRUMENT\tSIDE\tQTY\tPRICE\tPNL\tID")
	for _, t := range trades {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			t.Timestamp.Format("2006-01-02 15:04:05"), t.InstrumentID, t.Side,
			t.Quantity, t.Price, t.PnL, t.ID)
	}
	return tw.Flush()
}

func newExportCmd() *cobra.Command {
	var (
		out   string
		users []string
	)
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write trade history to a Parquet file",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.Close()

			n, err := journal.Export(cmd.Context(), a.store, out, users...)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %d trades to %s\n", n, out)
			return nil
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "trades.parquet", "output file")
	cmd.Flags().StringSliceVarP(&users, "user", "u", nil, "limit to these user ids (default all)")
	return cmd
}

// errMismatch makes the reconcile command exit non-zero.
var errMismatch = errors.New("ledger does not match trade history")

func newReconcileCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Check every account against its trade history",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.Close()

			// Reconciliation reads only stored state; no live prices needed.
			svc := a.settlement(market.NewStaticOracle(nil))
			report, err := reconciliation.NewService(svc, a.store, nil, 0, a.log).Reconcile(cmd.Context())
			if err != nil {
				return err
			}
			return printReconcile(cmd.OutOrStdout(), report)
		},
	}
}

func printReconcile(w io.Writer, report *reconciliation.Report) error {
	fmt.Fprintf(w, "checked %d accounts\n", report.Checked)
	for _, e := range report.Errors {
		fmt.Fprintf(w, "error: %s\n", e)
	}
	for _, m := range report.Mismatches {
		fmt.Fprintf(w, "mismatch: %s\n", m)
	}
	for _, id := range report.Busy {
		fmt.Fprintf(w, "busy: %s (settling during check, try again)\n", id)
	}
	if report.HasDiffs() || len(report.Errors) > 0 {
		return errMismatch
	}
	fmt.Fprintln(w, "ok")
	return nil
}
