package rules

import (
	"context"
	"strings"
	"testing"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/dlqtriage/internal/triage"
)

func TestClassifyThroughAdapter(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name         string
		msg          triage.FailedMessage
		wantCategory string
		wantAction   triage.Action
		wantConf     float64
	}{
		{"timeout", triage.FailedMessage{ErrorMessage: "Timeout after 3 retries"}, "SYSTEM_TRANSIENT", triage.ActionRedrive, 0.91},
		{"retry", triage.FailedMessage{ErrorMessage: "gave up, RETRY later"}, "SYSTEM_TRANSIENT", triage.ActionRedrive, 0.91},
		{"transient category", triage.FailedMessage{FailureCategory: "TRANSIENT_NETWORK"}, "SYSTEM_TRANSIENT", triage.ActionRedrive, 0.91},
		{"invalid", triage.FailedMessage{ErrorMessage: "invalid payload"}, "DATA_QUALITY", triage.ActionTicket, 0.72},
		{"schema", triage.FailedMessage{ErrorMessage: "Schema mismatch on field x"}, "DATA_QUALITY", triage.ActionTicket, 0.72},
		{"timeout wins over schema", triage.FailedMessage{ErrorMessage: "schema registry timeout"}, "SYSTEM_TRANSIENT", triage.ActionRedrive, 0.91},
		{"unknown", triage.FailedMessage{ErrorMessage: "NullPointerException"}, "UNKNOWN", triage.ActionTicket, 0.5},
		{"empty", triage.FailedMessage{}, "UNKNOWN", triage.ActionTicket, 0.5},
	}

	c := triage.NewClassifier(New(), log.Nop(), triage.Hooks{})
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cls, err := c.Attempt(context.Background(), tt.msg)
			if err != nil {
				t.Fatalf("Attempt: %v", err)
			}
			if cls.Category != tt.wantCategory || cls.RecommendedAction != tt.wantAction || cls.Confidence != tt.wantConf {
				t.Errorf("got %+v", cls)
			}
			if cls.Summary == "" || cls.Reasoning == "" {
				t.Errorf("summary and reasoning must be set: %+v", cls)
			}
		})
	}
}

func TestSend_TruncatedPayloadFallsBackToText(t *testing.T) {
	t.Parallel()

	prompt := "instructions\n" + triage.EventMarker + `{"errorMessage":"upstream timeout","raw":{"blob":"xxxx... [truncated]`
	resp, err := New().Send(context.Background(), &triage.LLMRequest{
		Messages: []triage.Message{{Role: "user", Content: []triage.ContentBlock{{Type: "text", Text: prompt}}}},
	})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if !strings.Contains(resp.Text(), `"SYSTEM_TRANSIENT"`) {
		t.Errorf("text = %s", resp.Text())
	}
	if resp.Model != Model {
		t.Errorf("model = %q, want %q", resp.Model, Model)
	}
}

func TestSend_CanceledContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := New().Send(ctx, &triage.LLMRequest{}); err == nil {
		t.Fatal("expected error for canceled context")
	}
}
