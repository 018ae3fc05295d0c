package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/linnemanlabs/dlqtriage/internal/triage"
)

// runsCmd represents the runs command
var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Inspect triage runs on a dlqtriage server",
	Long:  `Fetch triage runs recorded by a running dlqtriage server through its HTTP API.`,
}

var runsGetCmd = &cobra.Command{
	Use:   "get [run-id]",
	Short: "Get a triage run by ID",
	Long: `Get a single triage run.

Example:
  dlqctl runs get 01JH2Z3Q4R5S6T7V8W9X0Y1Z2A`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
		defer cancel()

		var run triage.Run
		if err := apiGet(ctx, "/api/v1/runs/"+url.PathEscape(args[0]), nil, &run); err != nil {
			return err
		}
		return printRunsOutput(cmd, []*triage.Run{&run})
	},
}

var runsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent triage runs",
	Long: `List the most recent triage runs, or the latest run for one
correlation ID.

Example:
  dlqctl runs list --limit 20
  dlqctl runs list --correlation-id order-1234`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		corr, _ := cmd.Flags().GetString("correlation-id")

		ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
		defer cancel()

		q := url.Values{}
		if corr != "" {
			q.Set("correlation_id", corr)
			var run triage.Run
			if err := apiGet(ctx, "/api/v1/runs", q, &run); err != nil {
				return err
			}
			return printRunsOutput(cmd, []*triage.Run{&run})
		}

		if limit > 0 {
			q.Set("limit", strconv.Itoa(limit))
		}
		var resp struct {
			Runs []*triage.Run `json:"runs"`
		}
		if err := apiGet(ctx, "/api/v1/runs", q, &resp); err != nil {
			return err
		}
		return printRunsOutput(cmd, resp.Runs)
	},
}

func init() {
	rootCmd.AddCommand(runsCmd)
	runsCmd.AddCommand(runsGetCmd)
	runsCmd.AddCommand(runsListCmd)

	runsListCmd.Flags().Int("limit", 0, "maximum runs to return (server default when 0)")
	runsListCmd.Flags().String("correlation-id", "", "return the latest run for this correlation ID")
}

func printRunsOutput(cmd *cobra.Command, runs []*triage.Run) error {
	if outputJSON {
		return printJSON(cmd.OutOrStdout(), runs)
	}
	return printRuns(cmd.OutOrStdout(), runs)
}

// apiGet fetches path from the dlqtriage API and decodes the JSON body into out.
func apiGet(ctx context.Context, path string, q url.Values, out any) error {
	u := strings.TrimRight(serverAddr, "/") + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if apiToken != "" {
		req.Header.Set("Authorization", "Bearer "+apiToken)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("request %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s: HTTP %d: %s", path, resp.StatusCode, strings.TrimSpace(string(b)))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
