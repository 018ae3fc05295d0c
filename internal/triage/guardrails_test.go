package triage

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/linnemanlabs/go-core/log"
)

var guardNow = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

// fakeDedup reports a fixed answer and counts lookups.
type fakeDedup struct {
	mu    sync.Mutex
	seen  bool
	err   error
	calls int
}

func (f *fakeDedup) Seen(_ context.Context, _ FailedMessage) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.seen, f.err
}

func newTestGuardrails(dedup DuplicateChecker) *Guardrails {
	g := NewGuardrails(dedup, log.Nop(), Hooks{})
	g.now = func() time.Time { return guardNow }
	return g
}

func cleanMessage() FailedMessage {
	return FailedMessage{
		CorrelationID:   "abc",
		FailureCategory: "TIMEOUT",
		ErrorMessage:    "upstream timeout",
		Timestamp:       guardNow.Add(-time.Hour).Format(time.RFC3339),
		StateAtFailure:  "PROCESSING",
		RedriveAttempts: 0,
		Raw:             map[string]any{"correlationId": "abc"},
	}
}

func TestEvaluate_Clean(t *testing.T) {
	t.Parallel()

	v := newTestGuardrails(nil).Evaluate(context.Background(), cleanMessage(), Classification{}, DefaultLimits())
	if !v.AllowRedrive {
		t.Errorf("AllowRedrive = false, reasons %v", v.Reasons)
	}
	if v.Reasons == nil || len(v.Reasons) != 0 {
		t.Errorf("Reasons = %#v, want empty non-nil", v.Reasons)
	}
	if v.MaxAgeDays != 2 || v.MaxRedriveAttempts != 2 || v.MaxTokenEstimate != 2000 {
		t.Errorf("limits not echoed: %+v", v)
	}
	if v.TokenEstimate < 1 {
		t.Errorf("TokenEstimate = %d, want >= 1", v.TokenEstimate)
	}
}

func TestEvaluate_EachReason(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(m *FailedMessage)
		dedup  DuplicateChecker
		want   Reason
	}{
		{"stale ten days", func(m *FailedMessage) { m.Timestamp = guardNow.AddDate(0, 0, -10).Format(time.RFC3339) }, nil, ReasonStale},
		{"stale bare date", func(m *FailedMessage) { m.Timestamp = "2026-03-07" }, nil, ReasonStale},
		{"unparsable timestamp", func(m *FailedMessage) { m.Timestamp = "yesterday" }, nil, ReasonStale},
		{"absent timestamp", func(m *FailedMessage) { m.Timestamp = "" }, nil, ReasonStale},
		{"attempts at limit", func(m *FailedMessage) { m.RedriveAttempts = 2 }, nil, ReasonMaxAttempts},
		{"attempts over limit", func(m *FailedMessage) { m.RedriveAttempts = 7 }, nil, ReasonMaxAttempts},
		{"completed", func(m *FailedMessage) { m.StateAtFailure = "COMPLETED" }, nil, ReasonCompleted},
		{"completed lowercase", func(m *FailedMessage) { m.StateAtFailure = "completed" }, nil, ReasonCompleted},
		{"duplicate", func(*FailedMessage) {}, &fakeDedup{seen: true}, ReasonDuplicate},
		{"dedup lookup error", func(*FailedMessage) {}, &fakeDedup{err: errors.New("db down")}, ReasonDuplicate},
		{"token budget", func(m *FailedMessage) { m.ErrorMessage = strings.Repeat("x", 9000) }, nil, ReasonTokenBudget},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			m := cleanMessage()
			tt.mutate(&m)
			v := newTestGuardrails(tt.dedup).Evaluate(context.Background(), m, Classification{}, DefaultLimits())
			if v.AllowRedrive {
				t.Fatal("AllowRedrive = true, want false")
			}
			if !reflect.DeepEqual(v.Reasons, []Reason{tt.want}) {
				t.Errorf("Reasons = %v, want [%s]", v.Reasons, tt.want)
			}
		})
	}
}

func TestEvaluate_StaleBoundary(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		timestamp string
		stale     bool
	}{
		// now is 2026-03-10 12:00; two days before midnight of the 8th is 2d12h
		{"two days ago", "2026-03-08T23:00:00Z", true},
		{"yesterday", "2026-03-09T01:00:00Z", false},
		{"today", "2026-03-10", false},
		{"no zone", "2026-03-09T10:00:00", false},
		{"future", "2026-03-20T00:00:00Z", false},
		{"millis and compact offset", "2026-03-10T10:00:00.000+0000", false},
		{"space separator", "2026-03-10 10:00:00", false},
		{"lowercase t", "2026-03-09t10:00:00z", false},
		{"old with compact offset", "2026-03-01T10:00:00.000+0000", true},
		{"not a date", "yesterday", true},
		{"date then garbage", "2026-03-10abc", true},
		{"empty", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			m := cleanMessage()
			m.Timestamp = tt.timestamp
			v := newTestGuardrails(nil).Evaluate(context.Background(), m, Classification{}, DefaultLimits())
			if got := v.Has(ReasonStale); got != tt.stale {
				t.Errorf("stale = %v, want %v", got, tt.stale)
			}
		})
	}
}

func TestEvaluate_AllReasonsInOrder(t *testing.T) {
	t.Parallel()

	m := cleanMessage()
	m.Timestamp = "2020-01-01"
	m.RedriveAttempts = 5
	m.StateAtFailure = "COMPLETED"
	m.ErrorMessage = strings.Repeat("x", 9000)

	v := newTestGuardrails(&fakeDedup{seen: true}).Evaluate(context.Background(), m, Classification{}, DefaultLimits())
	want := []Reason{ReasonStale, ReasonMaxAttempts, ReasonCompleted, ReasonDuplicate, ReasonTokenBudget}
	if !reflect.DeepEqual(v.Reasons, want) {
		t.Errorf("Reasons = %v, want %v", v.Reasons, want)
	}
}

func TestEvaluate_Monotonic(t *testing.T) {
	t.Parallel()

	mutations := []func(m *FailedMessage){
		func(m *FailedMessage) { m.Timestamp = "2020-01-01" },
		func(m *FailedMessage) { m.RedriveAttempts = 9 },
		func(m *FailedMessage) { m.StateAtFailure = "COMPLETED" },
		func(m *FailedMessage) { m.ErrorMessage = strings.Repeat("y", 9000) },
	}

	g := newTestGuardrails(nil)
	m := cleanMessage()
	prev := g.Evaluate(context.Background(), m, Classification{}, DefaultLimits())
	for i, mutate := range mutations {
		mutate(&m)
		next := g.Evaluate(context.Background(), m, Classification{}, DefaultLimits())
		if next.AllowRedrive && !prev.AllowRedrive {
			t.Fatalf("step %d: disqualifying change re-enabled redrive", i)
		}
		if len(next.Reasons) < len(prev.Reasons) {
			t.Fatalf("step %d: reasons shrank from %v to %v", i, prev.Reasons, next.Reasons)
		}
		prev = next
	}
	if prev.AllowRedrive {
		t.Error("expected redrive to be blocked after all mutations")
	}
}

func TestEvaluate_IgnoresClassification(t *testing.T) {
	t.Parallel()

	g := newTestGuardrails(nil)
	m := cleanMessage()
	a := g.Evaluate(context.Background(), m, Classification{RecommendedAction: ActionRedrive, Confidence: 1}, DefaultLimits())
	b := g.Evaluate(context.Background(), m, Fallback("x"), DefaultLimits())
	if !reflect.DeepEqual(a, b) {
		t.Errorf("verdict depends on classification: %+v vs %+v", a, b)
	}
}

func TestEvaluate_CustomLimits(t *testing.T) {
	t.Parallel()

	m := cleanMessage()
	m.RedriveAttempts = 4
	v := newTestGuardrails(nil).Evaluate(context.Background(), m, Classification{},
		Limits{MaxAgeDays: 2, MaxRedriveAttempts: 5, MaxTokenEstimate: 2000})
	if !v.AllowRedrive {
		t.Errorf("reasons = %v, want none with MaxRedriveAttempts=5", v.Reasons)
	}
}

func TestEvaluate_HookReceivesVerdict(t *testing.T) {
	t.Parallel()

	var got GuardrailVerdict
	g := NewGuardrails(nil, log.Nop(), Hooks{OnGuardrail: func(v GuardrailVerdict) { got = v }})
	g.now = func() time.Time { return guardNow }

	m := cleanMessage()
	m.StateAtFailure = "COMPLETED"
	g.Evaluate(context.Background(), m, Classification{}, DefaultLimits())
	if !got.Has(ReasonCompleted) {
		t.Errorf("hook verdict = %+v", got)
	}
}

func TestEstimateTokens(t *testing.T) {
	t.Parallel()

	small := EstimateTokens(FailedMessage{})
	if small < 1 {
		t.Errorf("EstimateTokens(empty) = %d, want >= 1", small)
	}
	big := EstimateTokens(FailedMessage{ErrorMessage: strings.Repeat("a", 4000)})
	if big < 1000 {
		t.Errorf("EstimateTokens(4000 chars) = %d, want >= 1000", big)
	}
}

func TestDedupKey(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		msg    FailedMessage
		want   string
		wantOK bool
	}{
		{"first delivery", FailedMessage{CorrelationID: "abc"}, "abc#0", true},
		{"redriven", FailedMessage{CorrelationID: "abc", RedriveAttempts: 1}, "abc#1", true},
		{"unknown", FailedMessage{CorrelationID: UnknownCorrelationID}, "", false},
		{"invalid", FailedMessage{CorrelationID: InvalidCorrelationID}, "", false},
		{"empty", FailedMessage{}, "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, ok := DedupKey(tt.msg)
			if got != tt.want || ok != tt.wantOK {
				t.Errorf("DedupKey = (%q, %v), want (%q, %v)", got, ok, tt.want, tt.wantOK)
			}
		})
	}
}
