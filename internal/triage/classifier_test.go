package triage

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"unicode/utf8"

	"github.com/linnemanlabs/go-core/log"
)

// mockProvider returns preconfigured responses in sequence.
type mockProvider struct {
	mu        sync.Mutex
	responses []*LLMResponse
	errs      []error
	requests  []*LLMRequest
	callIdx   int
}

func (m *mockProvider) Send(_ context.Context, req *LLMRequest) (*LLMResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	idx := m.callIdx
	m.callIdx++
	m.requests = append(m.requests, req)

	if idx < len(m.errs) && m.errs[idx] != nil {
		return nil, m.errs[idx]
	}
	if idx < len(m.responses) {
		return m.responses[idx], nil
	}
	return textResponse(`{"category":"UNKNOWN","recommended_action":"TICKET","confidence":0.5,"summary":"s","reasoning":"r"}`), nil
}

func (m *mockProvider) calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.callIdx
}

func textResponse(text string) *LLMResponse {
	return &LLMResponse{
		Content:    []ContentBlock{{Type: "text", Text: text}},
		StopReason: StopEnd,
		Usage:      Usage{InputTokens: 100, OutputTokens: 20},
		Model:      "test-model",
	}
}

const redriveJSON = `{"category":"SYSTEM_TRANSIENT","recommended_action":"REDRIVE","confidence":0.91,"summary":"Transient timeout.","reasoning":"Retry likely succeeds."}`

func TestClassifier_ValidResponse(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		text string
	}{
		{"bare json", redriveJSON},
		{"code fence", "```json\n" + redriveJSON + "\n```"},
		{"prose around", "Here you go: " + redriveJSON + " hope that helps"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			p := &mockProvider{responses: []*LLMResponse{textResponse(tt.text)}}
			c := NewClassifier(p, log.Nop(), Hooks{})

			cls := c.Classify(context.Background(), FailedMessage{CorrelationID: "abc"})
			if cls.RecommendedAction != ActionRedrive {
				t.Errorf("RecommendedAction = %q, want REDRIVE", cls.RecommendedAction)
			}
			if cls.Confidence != 0.91 {
				t.Errorf("Confidence = %v, want 0.91", cls.Confidence)
			}
			if cls.Category != "SYSTEM_TRANSIENT" {
				t.Errorf("Category = %q", cls.Category)
			}
		})
	}
}

func TestClassifier_SchemaFailuresFallBack(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		text string
	}{
		{"not json", "I think you should redrive it"},
		{"malformed json", `{"category": "X", "recommended_action": }`},
		{"missing field", `{"category":"X","recommended_action":"REDRIVE","confidence":0.9,"summary":"s"}`},
		{"confidence above one", `{"category":"X","recommended_action":"REDRIVE","confidence":1.5,"summary":"s","reasoning":"r"}`},
		{"confidence negative", `{"category":"X","recommended_action":"TICKET","confidence":-0.1,"summary":"s","reasoning":"r"}`},
		{"suppress recommended", `{"category":"X","recommended_action":"SUPPRESS","confidence":0.9,"summary":"s","reasoning":"r"}`},
		{"lowercase action", `{"category":"X","recommended_action":"redrive","confidence":0.9,"summary":"s","reasoning":"r"}`},
		{"confidence as string", `{"category":"X","recommended_action":"REDRIVE","confidence":"high","summary":"s","reasoning":"r"}`},
		{"empty", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			var causes []string
			var mu sync.Mutex
			hooks := Hooks{OnFallback: func(cause string) {
				mu.Lock()
				defer mu.Unlock()
				causes = append(causes, cause)
			}}
			p := &mockProvider{responses: []*LLMResponse{textResponse(tt.text)}}
			c := NewClassifier(p, log.Nop(), hooks)

			cls, err := c.Attempt(context.Background(), FailedMessage{CorrelationID: "abc"})
			if err != nil {
				t.Fatalf("Attempt returned %v, schema problems must not propagate", err)
			}
			want := Fallback("Failed to parse/validate model output")
			if cls != want {
				t.Errorf("got %+v, want %+v", cls, want)
			}
			if len(causes) != 1 || causes[0] != "schema" {
				t.Errorf("fallback causes = %v, want [schema]", causes)
			}
			if p.calls() != 1 {
				t.Errorf("provider calls = %d, want 1", p.calls())
			}
		})
	}
}

func TestClassifier_TransportError(t *testing.T) {
	t.Parallel()

	boom := errors.New("connection refused")
	p := &mockProvider{errs: []error{boom}}
	c := NewClassifier(p, log.Nop(), Hooks{})

	_, err := c.Attempt(context.Background(), FailedMessage{CorrelationID: "abc"})
	var te *ClassifierTransportError
	if !errors.As(err, &te) {
		t.Fatalf("err = %v, want *ClassifierTransportError", err)
	}
	if !errors.Is(err, boom) {
		t.Error("transport error does not wrap the cause")
	}
}

func TestClassifier_ClassifyNeverFails(t *testing.T) {
	t.Parallel()

	p := &mockProvider{errs: []error{errors.New("down")}}
	c := NewClassifier(p, log.Nop(), Hooks{})

	cls := c.Classify(context.Background(), FailedMessage{CorrelationID: "abc"})
	if cls != Fallback("Classifier invoke failed") {
		t.Errorf("got %+v", cls)
	}
	if cls.RecommendedAction != ActionTicket || cls.Confidence != 0 {
		t.Errorf("fallback must be TICKET at confidence 0, got %+v", cls)
	}
}

func TestClassifier_RequestShape(t *testing.T) {
	t.Parallel()

	p := &mockProvider{responses: []*LLMResponse{textResponse(redriveJSON)}}
	var in, out int
	c := NewClassifier(p, log.Nop(), Hooks{OnLLMCall: func(i, o int, _ float64) { in, out = i, o }})

	c.Classify(context.Background(), FailedMessage{CorrelationID: "abc", ErrorMessage: "timeout"})

	if len(p.requests) != 1 {
		t.Fatalf("requests = %d, want 1", len(p.requests))
	}
	req := p.requests[0]
	if req.MaxTokens != ResponseTokens {
		t.Errorf("MaxTokens = %d, want %d", req.MaxTokens, ResponseTokens)
	}
	if len(req.Messages) != 1 || req.Messages[0].Role != "user" {
		t.Fatalf("messages = %+v", req.Messages)
	}
	prompt := req.Messages[0].Content[0].Text
	for _, want := range []string{"recommended_action must be REDRIVE or TICKET", `"correlationId":"abc"`, `"errorMessage":"timeout"`} {
		if !strings.Contains(prompt, want) {
			t.Errorf("prompt missing %q", want)
		}
	}
	if in != 100 || out != 20 {
		t.Errorf("OnLLMCall got (%d, %d), want (100, 20)", in, out)
	}
}

func TestSerializeForPrompt_Truncates(t *testing.T) {
	t.Parallel()

	m := FailedMessage{CorrelationID: "abc", ErrorMessage: strings.Repeat("é", MaxInputBytes)}
	got := serializeForPrompt(m)

	if !strings.HasSuffix(got, truncatedMarker) {
		t.Error("missing truncation marker")
	}
	body := strings.TrimSuffix(got, truncatedMarker)
	if len(body) > MaxInputBytes {
		t.Errorf("body len = %d, want <= %d", len(body), MaxInputBytes)
	}
	if !utf8.ValidString(body) {
		t.Error("truncation split a rune")
	}
}

func TestSerializeForPrompt_ShortUntouched(t *testing.T) {
	t.Parallel()

	got := serializeForPrompt(FailedMessage{CorrelationID: "abc"})
	if strings.HasSuffix(got, truncatedMarker) {
		t.Error("short message was truncated")
	}
}

func TestTruncate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		in    string
		limit int
		want  string
	}{
		{"under", "abc", 5, "abc"},
		{"exact", "abcde", 5, "abcde"},
		{"over", "abcdef", 3, "abc" + truncatedMarker},
		{"rune boundary", "aé", 2, "a" + truncatedMarker},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := truncate(tt.in, tt.limit); got != tt.want {
				t.Errorf("truncate(%q, %d) = %q, want %q", tt.in, tt.limit, got, tt.want)
			}
		})
	}
}

func TestNewClassifier_NilProviderPanics(t *testing.T) {
	t.Parallel()

	defer func() {
		if recover() == nil {
			t.Error("expected panic")
		}
	}()
	NewClassifier(nil, log.Nop(), Hooks{})
}
