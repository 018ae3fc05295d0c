package triage

import (
	"fmt"
	"math"
	"time"
)

// Action is the remediation chosen for a dead-lettered message.
type Action string

const (
	// ActionRedrive replays the message to its source.
	ActionRedrive Action = "REDRIVE"

	// ActionTicket escalates the message to a human.
	ActionTicket Action = "TICKET"

	// ActionSuppress marks the message as terminally handled.
	ActionSuppress Action = "SUPPRESS"
)

// FailedMessage is the canonical form of a dead-letter queue entry.
// It is built once by Normalize and treated as read-only afterwards.
type FailedMessage struct {
	CorrelationID   string         `json:"correlationId"`
	FailureCategory string         `json:"failureCategory"`
	ErrorMessage    string         `json:"errorMessage"`
	Timestamp       string         `json:"timestamp"`
	StateAtFailure  string         `json:"stateAtFailure"`
	RedriveAttempts int            `json:"redriveAttempts"`
	Raw             map[string]any `json:"raw"`
}

// Classification is a classifier's opinion about a failed message.
// SUPPRESS is never a valid recommendation.
type Classification struct {
	Category          string  `json:"category"`
	RecommendedAction Action  `json:"recommended_action"`
	Confidence        float64 `json:"confidence"`
	Summary           string  `json:"summary"`
	Reasoning         string  `json:"reasoning"`
}

// NewClassification builds a Classification, rejecting a confidence outside
// [0,1] and any recommendation other than REDRIVE or TICKET.
func NewClassification(category string, action Action, confidence float64, summary, reasoning string) (Classification, error) {
	if math.IsNaN(confidence) || confidence < 0 || confidence > 1 {
		return Classification{}, fmt.Errorf("confidence %v out of range [0,1]", confidence)
	}
	if action != ActionRedrive && action != ActionTicket {
		return Classification{}, fmt.Errorf("recommended action %q must be REDRIVE or TICKET", action)
	}
	return Classification{
		Category:          category,
		RecommendedAction: action,
		Confidence:        confidence,
		Summary:           summary,
		Reasoning:         reasoning,
	}, nil
}

// Reason is a machine-readable guardrail failure code.
type Reason string

const (
	ReasonStale       Reason = "stale_message"
	ReasonMaxAttempts Reason = "max_attempts_exceeded"
	ReasonCompleted   Reason = "already_completed"
	ReasonDuplicate   Reason = "duplicate_message"
	ReasonTokenBudget Reason = "token_budget_exceeded"

	// ReasonInvalidPayload is set instead of running the checks when the
	// record failed validation.
	ReasonInvalidPayload Reason = "invalid_payload"
)

// GuardrailVerdict is the result of the guardrail battery. Reasons is empty
// iff AllowRedrive is true. The limits used are echoed for audit.
type GuardrailVerdict struct {
	AllowRedrive       bool     `json:"allow_redrive"`
	Reasons            []Reason `json:"reasons"`
	MaxAgeDays         int      `json:"max_age_days"`
	MaxRedriveAttempts int      `json:"max_redrive_attempts"`
	TokenEstimate      int      `json:"token_estimate"`
	MaxTokenEstimate   int      `json:"max_token_estimate"`
}

// Has reports whether the verdict carries the given reason.
func (v GuardrailVerdict) Has(r Reason) bool {
	for _, got := range v.Reasons {
		if got == r {
			return true
		}
	}
	return false
}

// FinalAction is the decided action together with the classification and
// verdict that produced it. It is the unit handed to the dispatcher and the
// audit record of a run.
type FinalAction struct {
	Action         Action           `json:"action"`
	Classification Classification   `json:"classification"`
	Verdict        GuardrailVerdict `json:"guardrails"`
}

// Outcome status values.
const (
	OutcomeRedriveSent   = "redrive_sent"
	OutcomeTicketCreated = "ticket_created"
	OutcomeSuppressed    = "suppressed"
)

// Outcome is the structured record emitted once per dispatch.
type Outcome struct {
	Status            string    `json:"status"`
	CorrelationID     string    `json:"correlationId"`
	Category          string    `json:"category"`
	RecommendedAction Action    `json:"recommendedAction"`
	Timestamp         time.Time `json:"timestamp"`
}

// Notification is the payload handed to the notifier once a run is done.
type Notification struct {
	RunID             string   `json:"runId"`
	CorrelationID     string   `json:"correlationId"`
	Action            Action   `json:"action"`
	RecommendedAction Action   `json:"recommendedAction"`
	Category          string   `json:"category"`
	Confidence        float64  `json:"confidence"`
	Summary           string   `json:"summary"`
	AllowRedrive      bool     `json:"allowRedrive"`
	GuardrailReasons  []Reason `json:"guardrailReasons"`
}

// Run is the record of one pipeline execution for one inbound record.
type Run struct {
	ID            string         `json:"id"`
	CorrelationID string         `json:"correlation_id"`
	State         State          `json:"state"`
	Message       *FailedMessage `json:"message,omitempty"`
	Decision      *FinalAction   `json:"decision,omitempty"`
	Outcome       *Outcome       `json:"outcome,omitempty"`
	Error         string         `json:"error,omitempty"`
	Attempts      int            `json:"attempts,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	CompletedAt   time.Time      `json:"completed_at,omitzero"`
	Duration      float64        `json:"duration_seconds,omitempty"`
}

// Terminal reports whether the run has reached DONE or FAILED.
func (r *Run) Terminal() bool {
	return r.State == StateDone || r.State == StateFailed
}
