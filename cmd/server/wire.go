package main

import (
	"fmt"

	"github.com/nsqio/go-nsq"

	"github.com/linnemanlabs/go-core/log"

	vc "github.com/linnemanlabs/dlqtriage/internal/cfg"
	"github.com/linnemanlabs/dlqtriage/internal/dedup"
	"github.com/linnemanlabs/dlqtriage/internal/llm/claude"
	"github.com/linnemanlabs/dlqtriage/internal/llm/rules"
	"github.com/linnemanlabs/dlqtriage/internal/notify/slack"
	"github.com/linnemanlabs/dlqtriage/internal/queue/nsqq"
	"github.com/linnemanlabs/dlqtriage/internal/ticket"
	"github.com/linnemanlabs/dlqtriage/internal/triage"
)

// newProvider selects the classifier backend and reports the model name.
func newProvider(c *vc.Config) (triage.Provider, string, error) {
	switch c.Classifier {
	case vc.ClassifierRules:
		return rules.New(), rules.Model, nil
	case vc.ClassifierClaude:
		return claude.New(c.ClaudeAPIKey, c.ClaudeModel), c.ClaudeModel, nil
	default:
		return nil, "", fmt.Errorf("unknown classifier %q", c.Classifier)
	}
}

// newDuplicateChecker prefers the database so duplicate detection survives
// restarts and is shared across replicas.
func newDuplicateChecker(c *vc.Config, db triage.DuplicateChecker) triage.DuplicateChecker {
	if db != nil {
		return db
	}
	return dedup.New(c.DedupTTL)
}

// newTicketer posts to the ticket webhook when configured and logs otherwise.
func newTicketer(c *vc.Config, L log.Logger) (triage.Ticketer, error) {
	if c.TicketWebhookURL == "" {
		return triage.LogOnly{Logger: L}, nil
	}
	return ticket.NewWebhook(c.TicketWebhookURL, L)
}

// newNotifier returns nil when Slack is not configured.
func newNotifier(c *vc.Config, L log.Logger) triage.Notifier {
	if c.SlackWebhookURL == "" {
		return nil
	}
	return slack.New(c.SlackWebhookURL, L)
}

// newRedriver publishes to the redrive topic when configured and logs
// otherwise. The returned stop function is never nil.
func newRedriver(c *vc.Config, L log.Logger) (triage.Redriver, func(), error) {
	if c.RedriveTopic == "" {
		return triage.LogOnly{Logger: L}, func() {}, nil
	}
	producer, err := nsq.NewProducer(c.NsqdTCPAddr, nsq.NewConfig())
	if err != nil {
		return nil, nil, fmt.Errorf("nsq producer: %w", err)
	}
	producer.SetLogger(nsqq.LogAdapter{Logger: L}, nsq.LogLevelWarning)
	r, err := nsqq.NewRedriver(producer, c.RedriveTopic)
	if err != nil {
		producer.Stop()
		return nil, nil, err
	}
	return r, producer.Stop, nil
}
