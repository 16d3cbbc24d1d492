package cmd

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"lv-propdesk/internal/auth"

	"github.com/spf13/cobra"
)

var genhashCmd = &cobra.Command{
	Use:   "genhash [password]",
	Short: "Print a bcrypt hash for ADMIN_PASSWORD_HASH",
	Long:  "genhash hashes the password given as argument, or read from stdin when omitted.",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var password string
		if len(args) == 1 {
			password = args[0]
		} else {
			raw, err := io.ReadAll(io.LimitReader(cmd.InOrStdin(), 1024))
			if err != nil {
				return err
			}
			password = strings.TrimRight(string(raw), "\r\n")
		}
		if password == "" {
			return errors.New("password is required")
		}
		hash, err := auth.HashPassword(password)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), hash)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(genhashCmd)
}
