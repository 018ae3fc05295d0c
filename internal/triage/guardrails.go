package triage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/linnemanlabs/go-core/log"
)

// Limits parameterize the guardrail battery.
type Limits struct {
	MaxAgeDays         int
	MaxRedriveAttempts int
	MaxTokenEstimate   int
}

// DefaultLimits are used when the caller supplies none.
func DefaultLimits() Limits {
	return Limits{MaxAgeDays: 2, MaxRedriveAttempts: 2, MaxTokenEstimate: 2000}
}

// DuplicateChecker reports whether a message has already been seen.
type DuplicateChecker interface {
	Seen(ctx context.Context, m FailedMessage) (bool, error)
}

// checkInput is what every guardrail check sees. Everything is computed up
// front so the checks themselves stay pure.
type checkInput struct {
	msg           FailedMessage
	limits        Limits
	now           time.Time
	duplicate     bool
	tokenEstimate int
}

type check struct {
	name string
	fn   func(in *checkInput) (Reason, bool)
}

// checks run in this order; the order of reasons in a verdict follows it.
var checks = []check{
	{"stale", checkStale},
	{"attempts", checkAttempts},
	{"completed", checkCompleted},
	{"duplicate", checkDuplicate},
	{"token_budget", checkTokenBudget},
}

// Guardrails evaluates the safety checks that can only remove permission to
// redrive.
type Guardrails struct {
	dedup  DuplicateChecker
	logger log.Logger
	hooks  Hooks
	now    func() time.Time
}

// NewGuardrails creates a guardrail evaluator. A nil dedup never reports a
// duplicate.
func NewGuardrails(dedup DuplicateChecker, logger log.Logger, hooks Hooks) *Guardrails {
	if logger == nil {
		logger = log.Nop()
	}
	return &Guardrails{dedup: dedup, logger: logger, hooks: hooks, now: time.Now}
}

// Evaluate runs every check against the message and accumulates all reasons
// that fire. The classification is accepted for audit symmetry; no check
// reads it, so a verdict never depends on the classifier's opinion.
func (g *Guardrails) Evaluate(ctx context.Context, m FailedMessage, _ Classification, limits Limits) GuardrailVerdict {
	in := &checkInput{
		msg:           m,
		limits:        limits,
		now:           g.now(),
		tokenEstimate: EstimateTokens(m),
	}

	if _, err := parseTimestamp(m.Timestamp); err != nil {
		g.logger.Warn(ctx, "invalid timestamp, treating message as stale",
			"correlation_id", m.CorrelationID,
			"timestamp", m.Timestamp,
			"error", (&GuardrailInputError{Check: "stale", Err: err}).Error(),
		)
	}

	if g.dedup != nil {
		dup, err := g.dedup.Seen(ctx, m)
		if err != nil {
			g.logger.Error(ctx, err, "duplicate lookup failed, treating message as duplicate",
				"correlation_id", m.CorrelationID,
			)
			dup = true
		}
		in.duplicate = dup
	}

	v := GuardrailVerdict{
		Reasons:            []Reason{},
		MaxAgeDays:         limits.MaxAgeDays,
		MaxRedriveAttempts: limits.MaxRedriveAttempts,
		TokenEstimate:      in.tokenEstimate,
		MaxTokenEstimate:   limits.MaxTokenEstimate,
	}
	for _, c := range checks {
		if r, fired := c.fn(in); fired {
			v.Reasons = append(v.Reasons, r)
		}
	}
	v.AllowRedrive = len(v.Reasons) == 0

	g.logger.Info(ctx, "guardrails evaluated",
		"correlation_id", m.CorrelationID,
		"allow_redrive", v.AllowRedrive,
		"reasons", v.Reasons,
		"token_estimate", v.TokenEstimate,
	)
	if g.hooks.OnGuardrail != nil {
		g.hooks.OnGuardrail(v)
	}
	return v
}

// EstimateTokens approximates processing cost as serialized size / 4, at
// least 1.
func EstimateTokens(m FailedMessage) int {
	b, err := json.Marshal(m.Fields())
	if err != nil {
		return 1
	}
	return max(1, len(b)/4)
}

func checkStale(in *checkInput) (Reason, bool) {
	ts, err := parseTimestamp(in.msg.Timestamp)
	if err != nil {
		return ReasonStale, true
	}
	y, mo, d := ts.Date()
	day := time.Date(y, mo, d, 0, 0, 0, 0, time.UTC)
	age := in.now.UTC().Sub(day)
	return ReasonStale, age > time.Duration(in.limits.MaxAgeDays)*24*time.Hour
}

func checkAttempts(in *checkInput) (Reason, bool) {
	return ReasonMaxAttempts, in.msg.RedriveAttempts >= in.limits.MaxRedriveAttempts
}

func checkCompleted(in *checkInput) (Reason, bool) {
	return ReasonCompleted, strings.EqualFold(strings.TrimSpace(in.msg.StateAtFailure), "COMPLETED")
}

func checkDuplicate(in *checkInput) (Reason, bool) {
	return ReasonDuplicate, in.duplicate
}

func checkTokenBudget(in *checkInput) (Reason, bool) {
	return ReasonTokenBudget, in.tokenEstimate > in.limits.MaxTokenEstimate
}

// parseTimestamp reads the calendar date that leads an ISO-8601 style
// timestamp. Anything after a T or space separator is ignored, so offsets
// and fractional seconds in any notation are accepted.
func parseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, errors.New("timestamp absent")
	}
	const dateLen = len("2006-01-02")
	date := s
	if len(s) > dateLen {
		if sep := s[dateLen]; sep != 'T' && sep != 't' && sep != ' ' {
			return time.Time{}, fmt.Errorf("timestamp %q: unexpected %q after date", s, sep)
		}
		date = s[:dateLen]
	}
	return time.Parse(time.DateOnly, date)
}

// DedupKey identifies one delivery of a failed message. A redrive bumps
// the attempt count, so a redriven message is not a duplicate of itself.
// Messages without a correlation ID have no key.
func DedupKey(m FailedMessage) (string, bool) {
	if m.CorrelationID == "" || m.CorrelationID == UnknownCorrelationID || m.CorrelationID == InvalidCorrelationID {
		return "", false
	}
	return m.CorrelationID + "#" + strconv.Itoa(m.RedriveAttempts), true
}
