package cmd

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nsqio/go-nsq"
	"github.com/spf13/cobra"

	"github.com/linnemanlabs/dlqtriage/internal/queue/nsqq"
	"github.com/linnemanlabs/dlqtriage/internal/triage"
)

// publisher is the subset of *nsq.Producer used by produce.
type publisher interface {
	MultiPublish(topic string, body [][]byte) error
	Stop()
}

// newPublisher is replaced in tests.
var newPublisher = func(addr string) (publisher, error) {
	p, err := nsq.NewProducer(addr, nsq.NewConfig())
	if err != nil {
		return nil, err
	}
	if lg, err := newLogger(); err == nil {
		p.SetLogger(nsqq.LogAdapter{Logger: lg}, nsq.LogLevelWarning)
	}
	return p, nil
}

// produceCmd represents the produce command
var produceCmd = &cobra.Command{
	Use:   "produce [file|-]",
	Short: "Publish messages to the DLQ topic",
	Long: `Publish a JSON object or list of objects to the NSQ DLQ topic, one
NSQ message per record. Without an argument a built-in sample timestamped
now is published.

Example:
  dlqctl produce
  dlqctl produce failed.json --dlq-topic orders-dlq`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		body, err := readInput(cmd.InOrStdin(), args)
		if err != nil {
			return err
		}
		if body == nil {
			body = sampleMessage(time.Now())
		}
		count, _ := cmd.Flags().GetInt("count")

		n, err := produce(body, count)
		if err != nil {
			return err
		}

		if outputJSON {
			return printJSON(cmd.OutOrStdout(), map[string]any{
				"status":    "sent",
				"topic":     dlqTopic,
				"nsqd":      nsqdAddr,
				"published": n,
			})
		}
		fmt.Fprintf(cmd.OutOrStdout(), "published %d message(s) to %s on %s\n", n, dlqTopic, nsqdAddr)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(produceCmd)
	produceCmd.Flags().Int("count", 1, "times to publish each record")
}

// produce splits body into records and publishes each record count times
// in one batch.
func produce(body []byte, count int) (int, error) {
	if !nsq.IsValidTopicName(dlqTopic) {
		return 0, fmt.Errorf("invalid topic %q", dlqTopic)
	}
	if count < 1 {
		return 0, fmt.Errorf("count %d must be >= 1", count)
	}

	records, err := triage.DecodeRecords(body)
	if err != nil {
		return 0, err
	}
	if len(records) == 0 {
		return 0, nil
	}

	bodies := make([][]byte, 0, len(records)*count)
	for _, r := range records {
		b, err := json.Marshal(r)
		if err != nil {
			return 0, fmt.Errorf("encode record: %w", err)
		}
		for range count {
			bodies = append(bodies, b)
		}
	}

	p, err := newPublisher(nsqdAddr)
	if err != nil {
		return 0, fmt.Errorf("nsq producer: %w", err)
	}
	defer p.Stop()

	if err := p.MultiPublish(dlqTopic, bodies); err != nil {
		return 0, fmt.Errorf("publish to %s: %w", dlqTopic, err)
	}
	return len(bodies), nil
}
