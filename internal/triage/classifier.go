package triage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"
)

const (
	// MaxInputBytes caps the serialized message sent to the provider.
	MaxInputBytes   = 10000
	truncatedMarker = "... [truncated]"
	ResponseTokens  = 512

	FallbackCategory = "UNKNOWN"
	FallbackSummary  = "Invalid model response"

	// EventMarker precedes the serialized message in the user prompt.
	EventMarker = "DLQ event:\n"
)

// Fallback is the conservative classification used whenever the provider is
// unavailable or its answer cannot be trusted.
func Fallback(cause string) Classification {
	return Classification{
		Category:          FallbackCategory,
		RecommendedAction: ActionTicket,
		Confidence:        0,
		Summary:           FallbackSummary,
		Reasoning:         cause,
	}
}

// Classifier adapts a Provider into Classifications.
type Classifier struct {
	provider Provider
	logger   log.Logger
	hooks    Hooks
}

// NewClassifier creates a classifier around the given provider.
func NewClassifier(provider Provider, logger log.Logger, hooks Hooks) *Classifier {
	if provider == nil {
		panic(xerrors.New("classifier provider is required"))
	}
	if logger == nil {
		logger = log.Nop()
	}
	return &Classifier{provider: provider, logger: logger, hooks: hooks}
}

// Classify returns a classification for m and never fails: any transport or
// schema problem resolves to the fallback classification.
func (c *Classifier) Classify(ctx context.Context, m FailedMessage) Classification {
	cls, err := c.Attempt(ctx, m)
	if err != nil {
		return c.FallbackFor(ctx, m, err)
	}
	return cls
}

// Attempt performs a single provider call. Only transport failures are
// returned, as *ClassifierTransportError, so the caller can retry them.
// Malformed or invalid output resolves immediately to the fallback.
func (c *Classifier) Attempt(ctx context.Context, m FailedMessage) (Classification, error) {
	req := &LLMRequest{
		MaxTokens: ResponseTokens,
		System:    systemPrompt,
		Messages: []Message{{
			Role:    "user",
			Content: []ContentBlock{{Type: "text", Text: buildPrompt(m)}},
		}},
	}

	start := time.Now()
	resp, err := c.provider.Send(ctx, req)
	if err != nil {
		return Classification{}, &ClassifierTransportError{Err: err}
	}
	if c.hooks.OnLLMCall != nil {
		c.hooks.OnLLMCall(resp.Usage.InputTokens, resp.Usage.OutputTokens, time.Since(start).Seconds())
	}

	cls, err := parseClassification(resp.Text())
	if err != nil {
		return c.fallback(ctx, m, "schema", &ClassifierSchemaError{Err: err}, "Failed to parse/validate model output"), nil
	}

	c.logger.Info(ctx, "classified message",
		"correlation_id", m.CorrelationID,
		"category", cls.Category,
		"recommended_action", cls.RecommendedAction,
		"confidence", cls.Confidence,
		"model", resp.Model,
	)
	return cls, nil
}

// FallbackFor records a fallback caused by err and returns the fallback
// classification. The orchestrator uses it once transport retries are spent.
func (c *Classifier) FallbackFor(ctx context.Context, m FailedMessage, err error) Classification {
	return c.fallback(ctx, m, "transport", err, "Classifier invoke failed")
}

func (c *Classifier) fallback(ctx context.Context, m FailedMessage, cause string, err error, reasoning string) Classification {
	if cause == "schema" {
		c.logger.Warn(ctx, "classifier output invalid, using fallback",
			"correlation_id", m.CorrelationID,
			"cause", cause,
			"error", err.Error(),
		)
	} else {
		c.logger.Error(ctx, err, "classifier invoke failed, using fallback",
			"correlation_id", m.CorrelationID,
			"cause", cause,
		)
	}
	if c.hooks.OnFallback != nil {
		c.hooks.OnFallback(cause)
	}
	return Fallback(reasoning)
}

const systemPrompt = `You triage messages from a dead-letter queue. Decide whether a message
is safe to replay automatically (REDRIVE) or needs a human (TICKET).`

func buildPrompt(m FailedMessage) string {
	return `Return ONLY JSON with keys: category, recommended_action, confidence, summary, reasoning.
- recommended_action must be REDRIVE or TICKET
- confidence must be a number between 0 and 1
- summary: 1 sentence
- reasoning: 1-2 sentences
No extra text.

` + EventMarker + serializeForPrompt(m)
}

// serializeForPrompt renders the message as JSON, truncated to MaxInputBytes
// on a rune boundary with a marker appended.
func serializeForPrompt(m FailedMessage) string {
	b, err := json.Marshal(m.Fields())
	if err != nil {
		b = []byte(fmt.Sprintf(`{"correlationId":%q}`, m.CorrelationID))
	}
	return truncate(string(b), MaxInputBytes)
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + truncatedMarker
}

// wireClassification mirrors the JSON the provider is asked for. Pointers
// distinguish a missing field from a zero value.
type wireClassification struct {
	Category          *string  `json:"category"`
	RecommendedAction *string  `json:"recommended_action"`
	Confidence        *float64 `json:"confidence"`
	Summary           *string  `json:"summary"`
	Reasoning         *string  `json:"reasoning"`
}

func parseClassification(text string) (Classification, error) {
	body := extractJSON(text)
	if body == "" {
		return Classification{}, errors.New("no JSON object in response")
	}

	var w wireClassification
	if err := json.Unmarshal([]byte(body), &w); err != nil {
		return Classification{}, fmt.Errorf("decode: %w", err)
	}

	var missing []string
	if w.Category == nil {
		missing = append(missing, "category")
	}
	if w.RecommendedAction == nil {
		missing = append(missing, "recommended_action")
	}
	if w.Confidence == nil {
		missing = append(missing, "confidence")
	}
	if w.Summary == nil {
		missing = append(missing, "summary")
	}
	if w.Reasoning == nil {
		missing = append(missing, "reasoning")
	}
	if len(missing) > 0 {
		return Classification{}, fmt.Errorf("missing fields: %s", strings.Join(missing, ", "))
	}

	return NewClassification(*w.Category, Action(*w.RecommendedAction), *w.Confidence, *w.Summary, *w.Reasoning)
}

// extractJSON returns the outermost JSON object in text, tolerating a
// surrounding code fence or prose.
func extractJSON(text string) string {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return ""
	}
	return text[start : end+1]
}
