// Package slack sends triage notifications to Slack via incoming webhooks.
package slack

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/dlqtriage/internal/triage"
)

const (
	maxSummaryLen = 3000
	httpTimeout   = 10 * time.Second
)

// Notifier sends triage notifications to a Slack webhook.
type Notifier struct {
	webhookURL string
	client     *http.Client
	logger     log.Logger
	now        func() time.Time
}

// New creates a new Slack notifier. If webhookURL is empty, Send is a no-op.
func New(webhookURL string, logger log.Logger) *Notifier {
	if logger == nil {
		logger = log.Nop()
	}
	return &Notifier{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: httpTimeout},
		logger:     logger,
		now:        time.Now,
	}
}

// Send posts a triage notification to the configured Slack webhook.
// If no webhook URL is configured, it returns nil immediately.
func (n *Notifier) Send(ctx context.Context, note *triage.Notification) error {
	if n.webhookURL == "" {
		return nil
	}

	msg := buildMessage(note, n.now())

	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("slack: marshal message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("slack: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req) //nolint:gosec // G704: webhookURL is from trusted config, not user input
	if err != nil {
		return fmt.Errorf("slack: post webhook: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("slack: webhook returned %d: %s", resp.StatusCode, string(respBody))
	}

	n.logger.Info(ctx, "slack notification sent",
		"run", note.RunID,
		"action", note.Action,
	)
	return nil
}

func buildMessage(n *triage.Notification, ts time.Time) map[string]any {
	return map[string]any{
		"blocks": []map[string]any{
			headerBlock(n),
			{"type": "divider"},
			fieldsBlock(n),
			{"type": "divider"},
			summaryBlock(n),
			{"type": "divider"},
			contextBlock(n, ts),
		},
	}
}

func headerBlock(n *triage.Notification) map[string]any {
	text := fmt.Sprintf("%s DLQ %s: %s", actionEmoji(n.Action), actionTitle(n.Action), n.CorrelationID)

	return map[string]any{
		"type": "header",
		"text": map[string]any{
			"type": "plain_text",
			"text": text,
		},
	}
}

func fieldsBlock(n *triage.Notification) map[string]any {
	fields := []map[string]any{
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Action:* %s", n.Action),
		},
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Recommended:* %s", n.RecommendedAction),
		},
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Category:* %s", n.Category),
		},
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Confidence:* %.2f", n.Confidence),
		},
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Redrive allowed:* %t", n.AllowRedrive),
		},
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Guardrails:* %s", guardrailText(n.GuardrailReasons)),
		},
	}

	return map[string]any{
		"type":   "section",
		"fields": fields,
	}
}

func summaryBlock(n *triage.Notification) map[string]any {
	text := truncate(n.Summary, maxSummaryLen)
	if text == "" {
		text = "_No summary available._"
	}

	return map[string]any{
		"type": "section",
		"text": map[string]any{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Summary*\n\n%s", text),
		},
	}
}

func contextBlock(n *triage.Notification, ts time.Time) map[string]any {
	elements := []map[string]any{
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("dlqtriage • run %s • %s", n.RunID, ts.UTC().Format("2006-01-02 15:04 UTC")),
		},
	}

	return map[string]any{
		"type":     "context",
		"elements": elements,
	}
}

func actionEmoji(a triage.Action) string {
	switch a {
	case triage.ActionRedrive:
		return "\U0001f7e2" // green circle
	case triage.ActionTicket:
		return "\U0001f7e1" // yellow circle
	case triage.ActionSuppress:
		return "\u26aa" // white circle
	default:
		return "\U0001f534" // red circle
	}
}

func actionTitle(a triage.Action) string {
	switch a {
	case triage.ActionRedrive:
		return "Redriven"
	case triage.ActionTicket:
		return "Ticketed"
	case triage.ActionSuppress:
		return "Suppressed"
	default:
		return "Triaged"
	}
}

func guardrailText(reasons []triage.Reason) string {
	if len(reasons) == 0 {
		return "passed"
	}
	parts := make([]string, len(reasons))
	for i, r := range reasons {
		parts[i] = string(r)
	}
	return strings.Join(parts, ", ")
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit-3] + "..."
}
