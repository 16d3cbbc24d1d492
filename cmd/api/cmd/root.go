package cmd

import (
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "propdesk",
	Short: "Simulated brokerage and prop-firm challenge engine",
	Long: `propdesk runs the trading core of a simulated brokerage: margin and
charges on open, floating and realized PnL, the liquidation sweep and the
challenge evaluation rules.

Commands:
  serve    run the HTTP API, quote feed and background sweeps
  migrate  apply database migrations
  sweep    trigger a liquidation sweep on a running server
  journal  query the closed-trade journal
  genhash  print a bcrypt hash for ADMIN_PASSWORD_HASH`,
	SilenceUsage: true,
}

func Execute() error {
	return rootCmd.Execute()
}
