package cmd

import (
	"fmt"
	"time"

	"lv-propdesk/internal/journal"
	"lv-propdesk/internal/model"

	"github.com/spf13/cobra"
)

var journalCmd = &cobra.Command{
	Use:   "journal",
	Short: "Query the closed-trade journal",
	Long: `Query the SQLite journal written by serve when JOURNAL_PATH is set.

Subcommands:
  closings  - latest closes of a funding source
  equity    - equity snapshots recorded by the sweep

Examples:
  propdesk journal closings wallet:0c6f...
  propdesk journal equity challenge:91aa... --since 6h`,
}

var journalClosingsCmd = &cobra.Command{
	Use:   "closings <funding-ref>",
	Short: "List the latest closes of a funding source",
	Args:  cobra.ExactArgs(1),
	RunE:  runJournalClosings,
}

var journalEquityCmd = &cobra.Command{
	Use:   "equity <funding-ref>",
	Short: "List equity snapshots of a funding source",
	Args:  cobra.ExactArgs(1),
	RunE:  runJournalEquity,
}

var journalDBPath string
var journalLimit int
var journalSince time.Duration

func init() {
	rootCmd.AddCommand(journalCmd)
	journalCmd.AddCommand(journalClosingsCmd)
	journalCmd.AddCommand(journalEquityCmd)

	journalCmd.PersistentFlags().StringVarP(&journalDBPath, "db", "d", "./propdesk.sqlite", "path to SQLite journal DB")
	journalClosingsCmd.Flags().IntVarP(&journalLimit, "limit", "n", 20, "number of closes")
	journalEquityCmd.Flags().DurationVar(&journalSince, "since", 24*time.Hour, "how far back")
}

func runJournalClosings(cmd *cobra.Command, args []string) error {
	ref, err := model.ParseFundingRef(args[0])
	if err != nil {
		return err
	}
	j, err := journal.NewSQLite(journalDBPath)
	if err != nil {
		return err
	}
	defer j.Close()

	closings, err := j.Closings(cmd.Context(), ref, journalLimit)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if len(closings) == 0 {
		fmt.Fprintln(out, "no closes")
		return nil
	}
	for _, c := range closings {
		fmt.Fprintf(out, "%s  %-8s %-4s lot=%s entry=%s close=%s pnl=%s reason=%s balance=%s\n",
			c.ClosedAt.Format(time.RFC3339), c.Symbol, c.Side, c.Lot, c.EntryPrice, c.ClosePrice,
			c.RealizedPnL.StringFixed(2), c.Reason, c.BalanceAfter.StringFixed(2))
	}
	return nil
}

func runJournalEquity(cmd *cobra.Command, args []string) error {
	ref, err := model.ParseFundingRef(args[0])
	if err != nil {
		return err
	}
	j, err := journal.NewSQLite(journalDBPath)
	if err != nil {
		return err
	}
	defer j.Close()

	snaps, err := j.Equity(cmd.Context(), ref, time.Now().UTC().Add(-journalSince))
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	for _, s := range snaps {
		flag := ""
		if s.StopOut {
			flag = "  STOP-OUT"
		}
		fmt.Fprintf(out, "%s  balance=%s equity=%s margin=%s level=%s%%%s\n",
			s.At.Format(time.RFC3339), s.Balance.StringFixed(2), s.Equity.StringFixed(2),
			s.Margin.StringFixed(2), s.MarginLevel, flag)
	}
	return nil
}
