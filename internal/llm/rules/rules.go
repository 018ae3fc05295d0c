// Package rules is a deterministic keyword classifier that speaks the same
// protocol as a hosted model. It backs local runs and tests where no model
// is available.
package rules

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/linnemanlabs/dlqtriage/internal/triage"
)

// Model is reported as the model name on every response.
const Model = "rules-v1"

// rule matches when any keyword occurs in the chosen field.
type rule struct {
	field    func(ev *event) string
	keywords []string
	answer   answer
}

type answer struct {
	Category          string  `json:"category"`
	RecommendedAction string  `json:"recommended_action"`
	Confidence        float64 `json:"confidence"`
	Summary           string  `json:"summary"`
	Reasoning         string  `json:"reasoning"`
}

type event struct {
	ErrorMessage    string `json:"errorMessage"`
	FailureCategory string `json:"failureCategory"`
}

var transient = answer{
	Category:          "SYSTEM_TRANSIENT",
	RecommendedAction: string(triage.ActionRedrive),
	Confidence:        0.91,
	Summary:           "Transient timeout after retries.",
	Reasoning:         "Timeouts after retries are typically replayable once downstream recovers.",
}

var dataQuality = answer{
	Category:          "DATA_QUALITY",
	RecommendedAction: string(triage.ActionTicket),
	Confidence:        0.72,
	Summary:           "Payload appears invalid.",
	Reasoning:         "Invalid schema requires manual inspection; do not redrive automatically.",
}

var unknown = answer{
	Category:          "UNKNOWN",
	RecommendedAction: string(triage.ActionTicket),
	Confidence:        0.5,
	Summary:           "Unknown failure type.",
	Reasoning:         "Unclear root cause. Escalate for analysis.",
}

func errorMessage(ev *event) string    { return ev.ErrorMessage }
func failureCategory(ev *event) string { return ev.FailureCategory }

// first match wins
var rules = []rule{
	{errorMessage, []string{"timeout", "retry"}, transient},
	{failureCategory, []string{"transient"}, transient},
	{errorMessage, []string{"invalid", "schema"}, dataQuality},
}

// Provider implements triage.Provider with keyword rules.
type Provider struct{}

// New returns a rules provider.
func New() *Provider { return &Provider{} }

// Send implements triage.Provider. It reads the message from the last user
// prompt and answers with a JSON classification.
func (p *Provider) Send(ctx context.Context, req *triage.LLMRequest) (*triage.LLMResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	ev := parseEvent(lastUserText(req))
	body, err := json.Marshal(classify(ev))
	if err != nil {
		return nil, fmt.Errorf("marshal answer: %w", err)
	}
	return &triage.LLMResponse{
		Content:    []triage.ContentBlock{{Type: "text", Text: string(body)}},
		StopReason: triage.StopEnd,
		Model:      Model,
	}, nil
}

// classify applies the rule table to an event.
func classify(ev *event) answer {
	for _, r := range rules {
		v := strings.ToLower(r.field(ev))
		for _, kw := range r.keywords {
			if strings.Contains(v, kw) {
				return r.answer
			}
		}
	}
	return unknown
}

func lastUserText(req *triage.LLMRequest) string {
	for i := len(req.Messages) - 1; i >= 0; i-- {
		m := req.Messages[i]
		if m.Role != "user" {
			continue
		}
		var sb strings.Builder
		for _, b := range m.Content {
			if b.Type == "text" {
				sb.WriteString(b.Text)
			}
		}
		return sb.String()
	}
	return ""
}

// parseEvent decodes the serialized message after the event marker. A
// truncated or missing payload falls back to matching on the whole text.
func parseEvent(prompt string) *event {
	payload := prompt
	if _, after, ok := strings.Cut(prompt, triage.EventMarker); ok {
		payload = after
	}
	var ev event
	if err := json.Unmarshal([]byte(payload), &ev); err != nil {
		return &event{ErrorMessage: payload, FailureCategory: payload}
	}
	return &ev
}
