package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"lv-propdesk/internal/liquidation"

	"github.com/spf13/cobra"
)

var sweepServer string
var sweepToken string

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Trigger one liquidation sweep on a running server",
	Long: `sweep asks a running propdesk server to sweep every funding source with
open positions now, using that server's live quotes, and prints the summary.
It needs an admin token (see POST /v1/admin/login).

Example:
  propdesk sweep --server http://localhost:8080 --token $ADMIN_TOKEN`,
	Args: cobra.NoArgs,
	RunE: runSweep,
}

func init() {
	rootCmd.AddCommand(sweepCmd)
	sweepCmd.Flags().StringVar(&sweepServer, "server", "http://localhost:8080", "base URL of the propdesk server")
	sweepCmd.Flags().StringVar(&sweepToken, "token", os.Getenv("ADMIN_TOKEN"), "admin bearer token (default $ADMIN_TOKEN)")
}

func runSweep(cmd *cobra.Command, _ []string) error {
	if sweepToken == "" {
		return errors.New("--token or ADMIN_TOKEN is required")
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), time.Minute)
	defer cancel()
	url := strings.TrimRight(sweepServer, "/") + "/v1/admin/sweep"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+sweepToken)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("sweep failed: %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}
	var res liquidation.Result
	if err := json.Unmarshal(body, &res); err != nil {
		return fmt.Errorf("decode sweep result: %w", err)
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "accounts:  %d\n", res.Accounts)
	fmt.Fprintf(out, "stop-outs: %d\n", res.StopOuts)
	for reason, n := range res.Closed {
		fmt.Fprintf(out, "closed %-12s %d\n", reason, n)
	}
	fmt.Fprintf(out, "skipped:   %d\n", res.Skipped)
	fmt.Fprintf(out, "errors:    %d\n", res.Errors)
	fmt.Fprintf(out, "took:      %s\n", res.Duration)
	return nil
}
