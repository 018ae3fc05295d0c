// Package ticket escalates dead-lettered messages to a ticketing system
// through a JSON webhook.
package ticket

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/dlqtriage/internal/triage"
)

const httpTimeout = 10 * time.Second

// Payload is the JSON body posted for each ticket.
type Payload struct {
	Title          string                `json:"title"`
	CorrelationID  string                `json:"correlationId"`
	Category       string                `json:"category"`
	Confidence     float64               `json:"confidence"`
	Summary        string                `json:"summary"`
	Reasoning      string                `json:"reasoning"`
	Message        triage.FailedMessage  `json:"message"`
	Classification triage.Classification `json:"classification"`
}

// Webhook implements triage.Ticketer by posting a Payload to a URL.
type Webhook struct {
	url    string
	client *http.Client
	logger log.Logger
}

// NewWebhook creates a webhook ticketer. url must be non-empty.
func NewWebhook(url string, logger log.Logger) (*Webhook, error) {
	if url == "" {
		return nil, fmt.Errorf("ticket: webhook url is required")
	}
	if logger == nil {
		logger = log.Nop()
	}
	return &Webhook{
		url:    url,
		client: &http.Client{Timeout: httpTimeout},
		logger: logger,
	}, nil
}

// OpenTicket implements triage.Ticketer.
func (w *Webhook) OpenTicket(ctx context.Context, m triage.FailedMessage, cls triage.Classification) error {
	body, err := json.Marshal(newPayload(m, cls))
	if err != nil {
		return fmt.Errorf("ticket: marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("ticket: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req) //nolint:gosec // G704: url is from trusted config, not user input
	if err != nil {
		return fmt.Errorf("ticket: post webhook: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("ticket: webhook returned %d: %s", resp.StatusCode, string(respBody))
	}

	w.logger.Info(ctx, "ticket opened",
		"correlation_id", m.CorrelationID,
		"category", cls.Category,
	)
	return nil
}

func newPayload(m triage.FailedMessage, cls triage.Classification) Payload {
	return Payload{
		Title:          fmt.Sprintf("[DLQ] %s: %s", cls.Category, m.CorrelationID),
		CorrelationID:  m.CorrelationID,
		Category:       cls.Category,
		Confidence:     cls.Confidence,
		Summary:        cls.Summary,
		Reasoning:      cls.Reasoning,
		Message:        m,
		Classification: cls,
	}
}
