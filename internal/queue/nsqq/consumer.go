// Package nsqq connects the triage service to NSQ: a consumer that feeds
// dead-lettered messages into triage and a Redriver that republishes
// messages to their source topic.
package nsqq

import (
	"context"
	"errors"
	"time"

	"github.com/nsqio/go-nsq"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/dlqtriage/internal/postgres"
	"github.com/linnemanlabs/dlqtriage/internal/triage"
)

const (
	DefaultMaxInFlight  = 10
	DefaultRequeueDelay = 5 * time.Second
)

// Message handling results.
const (
	ResultFinished = "finished"
	ResultInvalid  = "invalid"
	ResultPartial  = "partial"
	ResultRequeued = "requeued"
)

// Submitter schedules one raw record for triage.
type Submitter interface {
	Submit(ctx context.Context, raw map[string]any) (*triage.SubmitResult, error)
}

// ConsumerConfig selects the DLQ topic and how to reach NSQ.
type ConsumerConfig struct {
	Topic           string
	Channel         string
	NsqdTCPAddr     string
	LookupdHTTPAddr string
	MaxInFlight     int
	RequeueDelay    time.Duration
}

// Consumer reads DLQ messages from NSQ and submits each record to triage.
type Consumer struct {
	cfg      ConsumerConfig
	consumer *nsq.Consumer
	svc      Submitter
	logger   log.Logger
	metrics  *Metrics

	ctx context.Context
}

// NewConsumer creates a consumer for cfg.Topic/cfg.Channel. metrics may be nil.
func NewConsumer(cfg ConsumerConfig, svc Submitter, logger log.Logger, metrics *Metrics) (*Consumer, error) {
	if svc == nil {
		return nil, errors.New("nsq consumer requires a submitter")
	}
	if logger == nil {
		logger = log.Nop()
	}
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = DefaultMaxInFlight
	}
	if cfg.RequeueDelay <= 0 {
		cfg.RequeueDelay = DefaultRequeueDelay
	}

	conf := nsq.NewConfig()
	conf.MaxInFlight = cfg.MaxInFlight
	consumer, err := nsq.NewConsumer(cfg.Topic, cfg.Channel, conf)
	if err != nil {
		return nil, err
	}
	consumer.SetLogger(LogAdapter{Logger: logger}, nsq.LogLevelWarning)

	c := &Consumer{
		cfg:      cfg,
		consumer: consumer,
		svc:      svc,
		logger:   logger.With("topic", cfg.Topic, "channel", cfg.Channel),
		metrics:  metrics,
		ctx:      context.Background(),
	}
	consumer.AddHandler(c)
	return c, nil
}

// Start connects to nsqd and, if configured, nsqlookupd. ctx is the parent
// of every submission made by the handler.
func (c *Consumer) Start(ctx context.Context) error {
	c.ctx = log.WithContext(postgres.WithSource(ctx, postgres.SourceRunner), c.logger)

	// connecting directly to nsqd creates the channel up front
	if c.cfg.NsqdTCPAddr != "" {
		if err := c.consumer.ConnectToNSQD(c.cfg.NsqdTCPAddr); err != nil {
			return err
		}
	}
	if c.cfg.LookupdHTTPAddr != "" {
		if err := c.consumer.ConnectToNSQLookupd(c.cfg.LookupdHTTPAddr); err != nil {
			return err
		}
	}
	c.logger.Info(ctx, "nsq consumer started",
		"nsqd", c.cfg.NsqdTCPAddr,
		"lookupd", c.cfg.LookupdHTTPAddr,
		"max_in_flight", c.cfg.MaxInFlight,
	)
	return nil
}

// Stop stops consuming and waits for in-flight handlers to return.
func (c *Consumer) Stop() {
	c.consumer.Stop()
	<-c.consumer.StopChan
}

// HandleMessage implements nsq.Handler.
func (c *Consumer) HandleMessage(m *nsq.Message) error {
	m.DisableAutoResponse()
	defer func() {
		if !m.HasResponded() {
			c.logger.Warn(c.ctx, "message had no response, finishing", "nsq_id", string(m.ID[:]))
			m.Finish()
		}
	}()

	switch result := c.process(c.ctx, m.Body); result {
	case ResultRequeued:
		m.Requeue(c.cfg.RequeueDelay)
	default:
		m.Finish()
	}
	return nil
}

// process submits every record in body and reports how the message should
// be answered. A message is requeued only when none of its records was
// scheduled, so a redelivery never triages a record twice.
func (c *Consumer) process(ctx context.Context, body []byte) string {
	records, err := triage.DecodeRecords(body)
	if err != nil {
		// terminal: a body that is not JSON will never decode
		c.logger.Error(ctx, err, "bad DLQ payload", "bytes", len(body))
		return c.observe(ResultInvalid)
	}

	var accepted, failed int
	for _, raw := range records {
		sr, err := c.svc.Submit(ctx, raw)
		if err != nil {
			failed++
			c.logger.Error(ctx, err, "failed to submit DLQ record")
			continue
		}
		accepted++
		c.logger.Info(ctx, "DLQ record submitted",
			"run", sr.ID,
			"correlation_id", sr.CorrelationID,
		)
	}

	switch {
	case failed == 0:
		return c.observe(ResultFinished)
	case accepted == 0:
		return c.observe(ResultRequeued)
	default:
		c.logger.Warn(ctx, "DLQ message partially submitted",
			"accepted", accepted,
			"failed", failed,
		)
		return c.observe(ResultPartial)
	}
}

func (c *Consumer) observe(result string) string {
	if c.metrics != nil {
		c.metrics.MessagesTotal.WithLabelValues(result).Inc()
	}
	return result
}

// LogAdapter routes go-nsq's internal logging through a log.Logger. Set it
// with SetLogger on consumers and producers.
type LogAdapter struct {
	Logger log.Logger
}

// Output implements the go-nsq logger interface.
func (l LogAdapter) Output(_ int, s string) error {
	l.Logger.Warn(context.Background(), s, "component", "go-nsq")
	return nil
}
