package cmd

import (
	"errors"
	"fmt"
	"os"

	"lv-propdesk/internal/db"

	"github.com/spf13/cobra"
)

var migrateDSN string
var migrateList bool

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending database migrations",
	Long: `migrate applies the embedded schema migrations that are not yet recorded
in schema_migrations. serve does the same on start when STORE=postgres.

Examples:
  propdesk migrate --dsn postgres://localhost/propdesk
  propdesk migrate --list`,
	Args: cobra.NoArgs,
	RunE: runMigrate,
}

func init() {
	rootCmd.AddCommand(migrateCmd)
	migrateCmd.Flags().StringVar(&migrateDSN, "dsn", os.Getenv("DB_DSN"), "postgres connection string (default $DB_DSN)")
	migrateCmd.Flags().BoolVar(&migrateList, "list", false, "list embedded migrations without applying them")
}

func runMigrate(cmd *cobra.Command, _ []string) error {
	out := cmd.OutOrStdout()
	if migrateList {
		all, err := db.Migrations()
		if err != nil {
			return err
		}
		for _, m := range all {
			fmt.Fprintln(out, m.Name)
		}
		return nil
	}
	if migrateDSN == "" {
		return errors.New("--dsn or DB_DSN is required")
	}
	pool, err := db.NewPool(cmd.Context(), migrateDSN)
	if err != nil {
		return err
	}
	defer pool.Close()
	applied, err := db.Migrate(cmd.Context(), pool)
	for _, name := range applied {
		fmt.Fprintf(out, "applied %s\n", name)
	}
	if err != nil {
		return err
	}
	if len(applied) == 0 {
		fmt.Fprintln(out, "schema is up to date")
	}
	return nil
}
