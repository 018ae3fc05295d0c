package cfg

import (
	"errors"
	"flag"
	"fmt"
	"math"
	"time"

	"github.com/nsqio/go-nsq"

	"github.com/linnemanlabs/dlqtriage/internal/triage"
)

// Classifier backends.
const (
	ClassifierClaude = "claude"
	ClassifierRules  = "rules"
)

// Config adds app-specific configuration fields to the
// common cfg.Registerable and cfg.Validatable interfaces
type Config struct {
	DrainSeconds          int
	ShutdownBudgetSeconds int
	APIPort               int
	APIToken              string

	// pipeline
	ConfidenceThreshold float64
	MaxAgeDays          int
	MaxRedriveAttempts  int
	MaxTokenEstimate    int
	Concurrency         int
	RunTimeout          time.Duration
	RetryMax            int
	RetryBase           time.Duration
	RetryMultiplier     float64
	DedupTTL            time.Duration

	// classifier
	Classifier   string
	ClaudeAPIKey string
	ClaudeModel  string

	// collaborators
	DatabaseURL      string
	SlackWebhookURL  string
	TicketWebhookURL string

	// nsq
	NsqdTCPAddr        string
	NsqlookupdHTTPAddr string
	DLQTopic           string
	DLQChannel         string
	RedriveTopic       string
	NSQMaxInFlight     int
}

// RegisterFlags binds Config fields to the given FlagSet with defaults inline
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	fs.IntVar(&c.DrainSeconds, "drain-seconds", 60, "seconds to wait for in-flight requests to drain before shutdown (1..300)")
	fs.IntVar(&c.ShutdownBudgetSeconds, "shutdown-budget-seconds", 90, "total seconds for component shutdown after drain (1..300)")
	fs.IntVar(&c.APIPort, "http-port", 8080, "API listen TCP port (1..65535)")
	fs.StringVar(&c.APIToken, "api-token", "", "bearer token(s) required on /api/v1, comma-separated for rotation")

	fs.Float64Var(&c.ConfidenceThreshold, "confidence-threshold", triage.DefaultConfidenceThreshold, "minimum classifier confidence to redrive (0..1]")
	fs.IntVar(&c.MaxAgeDays, "max-age-days", 2, "messages older than this many days are never redriven")
	fs.IntVar(&c.MaxRedriveAttempts, "max-redrive-attempts", 2, "messages redriven this many times are never redriven again")
	fs.IntVar(&c.MaxTokenEstimate, "max-token-estimate", 2000, "messages estimated above this many tokens are never redriven")
	fs.IntVar(&c.Concurrency, "concurrency", triage.DefaultConcurrency, "triage runs executed in parallel (1..1000)")
	fs.DurationVar(&c.RunTimeout, "run-timeout", triage.DefaultRunTimeout, "upper bound for one triage run")
	fs.IntVar(&c.RetryMax, "retry-max", 2, "extra attempts for classifier and dispatch failures (0..10)")
	fs.DurationVar(&c.RetryBase, "retry-base", 2*time.Second, "wait before the first retry")
	fs.Float64Var(&c.RetryMultiplier, "retry-multiplier", 2.0, "growth factor between retries (>= 1)")
	fs.DurationVar(&c.DedupTTL, "dedup-ttl", 24*time.Hour, "how long a seen message counts as a duplicate")

	fs.StringVar(&c.Classifier, "classifier", ClassifierClaude, "classifier backend: claude or rules")
	fs.StringVar(&c.ClaudeAPIKey, "claude-api-key", "", "API key for accessing the Claude LLM provider")
	fs.StringVar(&c.ClaudeModel, "claude-model", "claude-sonnet-4-20250514", "Claude model to use")

	fs.StringVar(&c.DatabaseURL, "database-url", "", "PostgreSQL connection URL (empty = in-memory store)")
	fs.StringVar(&c.SlackWebhookURL, "slack-webhook-url", "", "Slack webhook URL for notifications")
	fs.StringVar(&c.TicketWebhookURL, "ticket-webhook-url", "", "webhook URL that opens tickets (empty = log only)")

	fs.StringVar(&c.NsqdTCPAddr, "nsqd-tcp-addr", "", "nsqd TCP address for consuming and redriving (empty = NSQ disabled)")
	fs.StringVar(&c.NsqlookupdHTTPAddr, "nsqlookupd-http-addr", "", "nsqlookupd HTTP address for consumer discovery")
	fs.StringVar(&c.DLQTopic, "dlq-topic", "dlq", "NSQ topic carrying dead-lettered messages")
	fs.StringVar(&c.DLQChannel, "dlq-channel", "triage", "NSQ channel used to consume the DLQ topic")
	fs.StringVar(&c.RedriveTopic, "redrive-topic", "", "NSQ topic redriven messages are published to (empty = log only)")
	fs.IntVar(&c.NSQMaxInFlight, "nsq-max-in-flight", 10, "NSQ messages in flight per consumer (1..10000)")
}

// Validate checks all configuration fields for correctness.
// It returns an error if any field is invalid, or nil if all fields are valid.
func (c *Config) Validate() error {
	var errs []error

	// Drain and shutdown budgets
	if c.DrainSeconds <= 0 || c.DrainSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid DRAIN_SECONDS %d (must be 1..300)", c.DrainSeconds))
	}
	if c.ShutdownBudgetSeconds <= 0 || c.ShutdownBudgetSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid SHUTDOWN_BUDGET_SECONDS %d (must be 1..300)", c.ShutdownBudgetSeconds))
	}

	// Shutdown budget must be greater than drain time
	if c.ShutdownBudgetSeconds <= c.DrainSeconds {
		errs = append(errs, fmt.Errorf("SHUTDOWN_BUDGET_SECONDS %d must be greater than DRAIN_SECONDS %d", c.ShutdownBudgetSeconds, c.DrainSeconds))
	}

	// API port must be valid TCP port number
	if c.APIPort <= 0 || c.APIPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid HTTP_PORT %d (must be 1..65535)", c.APIPort))
	}

	if c.APIToken == "" {
		errs = append(errs, errors.New("API_TOKEN is required"))
	}

	errs = append(errs, c.validatePipeline()...)
	errs = append(errs, c.validateClassifier()...)
	errs = append(errs, c.validateNSQ()...)

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

func (c *Config) validatePipeline() []error {
	var errs []error

	if math.IsNaN(c.ConfidenceThreshold) || c.ConfidenceThreshold <= 0 || c.ConfidenceThreshold > 1 {
		errs = append(errs, fmt.Errorf("invalid CONFIDENCE_THRESHOLD %v (must be in (0,1])", c.ConfidenceThreshold))
	}
	if c.MaxAgeDays < 1 {
		errs = append(errs, fmt.Errorf("invalid MAX_AGE_DAYS %d (must be >= 1)", c.MaxAgeDays))
	}
	if c.MaxRedriveAttempts < 1 {
		errs = append(errs, fmt.Errorf("invalid MAX_REDRIVE_ATTEMPTS %d (must be >= 1)", c.MaxRedriveAttempts))
	}
	if c.MaxTokenEstimate < 1 {
		errs = append(errs, fmt.Errorf("invalid MAX_TOKEN_ESTIMATE %d (must be >= 1)", c.MaxTokenEstimate))
	}
	if c.Concurrency < 1 || c.Concurrency > 1000 {
		errs = append(errs, fmt.Errorf("invalid CONCURRENCY %d (must be 1..1000)", c.Concurrency))
	}
	if c.RunTimeout <= 0 {
		errs = append(errs, fmt.Errorf("invalid RUN_TIMEOUT %v (must be > 0)", c.RunTimeout))
	}
	if c.RetryMax < 0 || c.RetryMax > 10 {
		errs = append(errs, fmt.Errorf("invalid RETRY_MAX %d (must be 0..10)", c.RetryMax))
	}
	if c.RetryBase <= 0 {
		errs = append(errs, fmt.Errorf("invalid RETRY_BASE %v (must be > 0)", c.RetryBase))
	}
	if math.IsNaN(c.RetryMultiplier) || c.RetryMultiplier < 1 {
		errs = append(errs, fmt.Errorf("invalid RETRY_MULTIPLIER %v (must be >= 1)", c.RetryMultiplier))
	}
	if c.DedupTTL <= 0 {
		errs = append(errs, fmt.Errorf("invalid DEDUP_TTL %v (must be > 0)", c.DedupTTL))
	}
	return errs
}

func (c *Config) validateClassifier() []error {
	var errs []error
	switch c.Classifier {
	case ClassifierClaude:
		// Claude API key and model are required for LLM access
		if c.ClaudeAPIKey == "" {
			errs = append(errs, errors.New("CLAUDE_API_KEY is required when CLASSIFIER=claude"))
		}
		if c.ClaudeModel == "" {
			errs = append(errs, errors.New("CLAUDE_MODEL is required when CLASSIFIER=claude"))
		}
	case ClassifierRules:
	default:
		errs = append(errs, fmt.Errorf("invalid CLASSIFIER %q (must be %s or %s)", c.Classifier, ClassifierClaude, ClassifierRules))
	}
	return errs
}

func (c *Config) validateNSQ() []error {
	var errs []error

	consuming := c.NsqdTCPAddr != "" || c.NsqlookupdHTTPAddr != ""
	if consuming {
		if !nsq.IsValidTopicName(c.DLQTopic) {
			errs = append(errs, fmt.Errorf("invalid DLQ_TOPIC %q", c.DLQTopic))
		}
		if !nsq.IsValidChannelName(c.DLQChannel) {
			errs = append(errs, fmt.Errorf("invalid DLQ_CHANNEL %q", c.DLQChannel))
		}
		if c.NSQMaxInFlight < 1 || c.NSQMaxInFlight > 10000 {
			errs = append(errs, fmt.Errorf("invalid NSQ_MAX_IN_FLIGHT %d (must be 1..10000)", c.NSQMaxInFlight))
		}
	}

	if c.RedriveTopic != "" {
		// the producer publishes to nsqd directly
		if c.NsqdTCPAddr == "" {
			errs = append(errs, errors.New("NSQD_TCP_ADDR is required when REDRIVE_TOPIC is set"))
		}
		if !nsq.IsValidTopicName(c.RedriveTopic) {
			errs = append(errs, fmt.Errorf("invalid REDRIVE_TOPIC %q", c.RedriveTopic))
		}
		if c.RedriveTopic == c.DLQTopic {
			errs = append(errs, fmt.Errorf("REDRIVE_TOPIC must differ from DLQ_TOPIC (both %q)", c.DLQTopic))
		}
	}
	return errs
}

// ConsumesNSQ reports whether an NSQ consumer should be started.
func (c *Config) ConsumesNSQ() bool {
	return c.NsqdTCPAddr != "" || c.NsqlookupdHTTPAddr != ""
}

// Limits returns the guardrail limits.
func (c *Config) Limits() triage.Limits {
	return triage.Limits{
		MaxAgeDays:         c.MaxAgeDays,
		MaxRedriveAttempts: c.MaxRedriveAttempts,
		MaxTokenEstimate:   c.MaxTokenEstimate,
	}
}

// OrchestratorOptions maps the pipeline fields onto triage.Options.
func (c *Config) OrchestratorOptions() triage.Options {
	return triage.Options{
		Limits:              c.Limits(),
		ConfidenceThreshold: c.ConfidenceThreshold,
		Retry: triage.RetryPolicy{
			MaxRetries: c.RetryMax,
			Base:       c.RetryBase,
			Multiplier: c.RetryMultiplier,
		},
		RunTimeout: c.RunTimeout,
	}
}
