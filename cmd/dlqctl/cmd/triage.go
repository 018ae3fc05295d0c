package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/dlqtriage/internal/dedup"
	"github.com/linnemanlabs/dlqtriage/internal/llm/claude"
	"github.com/linnemanlabs/dlqtriage/internal/llm/rules"
	"github.com/linnemanlabs/dlqtriage/internal/triage"
)

// triageOptions configures a local pipeline.
type triageOptions struct {
	Classifier   string
	ClaudeAPIKey string
	ClaudeModel  string
	Threshold    float64
	Limits       triage.Limits
	RunTimeout   time.Duration
}

func (o triageOptions) validate() error {
	var errs []error
	switch o.Classifier {
	case "rules":
	case "claude":
		if o.ClaudeAPIKey == "" {
			errs = append(errs, errors.New("--claude-api-key is required with --classifier=claude"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown classifier %q (want rules or claude)", o.Classifier))
	}
	if math.IsNaN(o.Threshold) || o.Threshold <= 0 || o.Threshold > 1 {
		errs = append(errs, fmt.Errorf("confidence threshold %v must be in (0,1]", o.Threshold))
	}
	if o.Limits.MaxAgeDays < 1 || o.Limits.MaxRedriveAttempts < 1 || o.Limits.MaxTokenEstimate < 1 {
		errs = append(errs, errors.New("guardrail limits must be >= 1"))
	}
	return errors.Join(errs...)
}

func (o triageOptions) provider() triage.Provider {
	if o.Classifier == "claude" {
		return claude.New(o.ClaudeAPIKey, o.ClaudeModel)
	}
	return rules.New()
}

// triageCmd represents the triage command
var triageCmd = &cobra.Command{
	Use:   "triage [file|-]",
	Short: "Run the triage pipeline locally",
	Long: `Run the full triage pipeline in-process over a JSON object or list of
objects read from a file or stdin. Without an argument a built-in sample
timestamped now is used.

Redrives and tickets are logged, never sent.

Example:
  dlqctl triage
  dlqctl triage messages.json
  cat message.json | dlqctl triage - --classifier claude`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		body, err := readInput(cmd.InOrStdin(), args)
		if err != nil {
			return err
		}
		if body == nil {
			body = sampleMessage(time.Now())
		}

		opts := triageOptions{
			Classifier:   viper.GetString("classifier"),
			ClaudeAPIKey: viper.GetString("claude-api-key"),
			ClaudeModel:  viper.GetString("claude-model"),
			Threshold:    viper.GetFloat64("confidence-threshold"),
			Limits: triage.Limits{
				MaxAgeDays:         viper.GetInt("max-age-days"),
				MaxRedriveAttempts: viper.GetInt("max-redrive-attempts"),
				MaxTokenEstimate:   viper.GetInt("max-token-estimate"),
			},
			RunTimeout: timeout,
		}
		if err := opts.validate(); err != nil {
			return err
		}

		logger, err := newLogger()
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
		defer cancel()

		runs, err := runTriage(ctx, body, opts, logger)
		if err != nil {
			return err
		}
		if outputJSON {
			return printJSON(cmd.OutOrStdout(), runs)
		}
		return printRuns(cmd.OutOrStdout(), runs)
	},
}

func init() {
	rootCmd.AddCommand(triageCmd)

	triageCmd.Flags().String("classifier", "rules", "classifier backend: rules or claude")
	triageCmd.Flags().String("claude-api-key", "", "API key for the Claude classifier")
	triageCmd.Flags().String("claude-model", "claude-sonnet-4-20250514", "Claude model to use")
	triageCmd.Flags().Float64("confidence-threshold", triage.DefaultConfidenceThreshold, "minimum classifier confidence to redrive")
	triageCmd.Flags().Int("max-age-days", triage.DefaultLimits().MaxAgeDays, "messages older than this many days are never redriven")
	triageCmd.Flags().Int("max-redrive-attempts", triage.DefaultLimits().MaxRedriveAttempts, "messages redriven this many times are never redriven again")
	triageCmd.Flags().Int("max-token-estimate", triage.DefaultLimits().MaxTokenEstimate, "messages estimated above this many tokens are never redriven")

	for _, name := range []string{"classifier", "claude-api-key", "claude-model", "confidence-threshold", "max-age-days", "max-redrive-attempts", "max-token-estimate"} {
		_ = viper.BindPFlag(name, triageCmd.Flags().Lookup(name))
	}
}

// runTriage runs every record in body through a pipeline whose redriver and
// ticketer only log. Records are triaged in order, so a repeated record in
// the same input is caught by the duplicate guardrail.
func runTriage(ctx context.Context, body []byte, opts triageOptions, logger log.Logger) ([]*triage.Run, error) {
	records, err := triage.DecodeRecords(body)
	if err != nil {
		return nil, err
	}

	sink := triage.LogOnly{Logger: logger}
	orch := triage.NewOrchestrator(
		triage.NewClassifier(opts.provider(), logger, triage.Hooks{}),
		triage.NewGuardrails(dedup.New(time.Hour), logger, triage.Hooks{}),
		triage.NewDispatcher(sink, sink, logger, triage.Hooks{}),
		nil,
		logger,
		triage.Hooks{},
		triage.Options{
			Limits:              opts.Limits,
			ConfidenceThreshold: opts.Threshold,
			RunTimeout:          opts.RunTimeout,
		},
	)

	runs := make([]*triage.Run, 0, len(records))
	for _, raw := range records {
		if err := ctx.Err(); err != nil {
			return runs, err
		}
		runs = append(runs, orch.Run(ctx, "", raw))
	}
	return runs, nil
}

// printRuns writes one row per run.
func printRuns(w io.Writer, runs []*triage.Run) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "CORRELATION ID\tSTATE\tACTION\tCATEGORY\tCONFIDENCE\tGUARDRAILS")
	for _, r := range runs {
		action, category, confidence, guardrails := "-", "-", "-", "-"
		if d := r.Decision; d != nil {
			action = string(d.Action)
			category = d.Classification.Category
			confidence = fmt.Sprintf("%.2f", d.Classification.Confidence)
			guardrails = reasonList(d.Verdict.Reasons)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n", r.CorrelationID, r.State, action, category, confidence, guardrails)
		if r.Error != "" {
			fmt.Fprintf(tw, "  error: %s\t\t\t\t\t\n", r.Error)
		}
	}
	return tw.Flush()
}

func reasonList(reasons []triage.Reason) string {
	if len(reasons) == 0 {
		return "passed"
	}
	parts := make([]string, len(reasons))
	for i, r := range reasons {
		parts[i] = string(r)
	}
	return strings.Join(parts, ",")
}

// sampleMessage is a downstream timeout stamped at now, which the rule
// engine recommends redriving.
func sampleMessage(now time.Time) []byte {
	return fmt.Appendf(nil, `{
  "correlationId": "sample-%s",
  "failureCategory": "DOWNSTREAM_TIMEOUT",
  "errorMessage": "Timeout after 3 retries",
  "timestamp": %q,
  "stateAtFailure": "FAILED",
  "redriveAttempts": 0
}`, ulid.Make().String(), now.UTC().Format(time.RFC3339))
}
