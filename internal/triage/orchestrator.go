package triage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"
)

var tracer = otel.Tracer("github.com/linnemanlabs/dlqtriage/internal/triage")

// DefaultRunTimeout bounds a whole pipeline run.
const DefaultRunTimeout = 2 * time.Minute

// Classification forced onto records that fail validation.
const (
	InvalidCategory      = "DATA_QUALITY"
	InvalidSummary       = "Invalid DLQ payload."
	InvalidCorrelationID = "UNKNOWN"
)

// Options tune an Orchestrator. Zero values select the defaults.
type Options struct {
	Limits              Limits
	ConfidenceThreshold float64
	Retry               RetryPolicy
	RunTimeout          time.Duration
}

func (o Options) withDefaults() Options {
	if o.Limits == (Limits{}) {
		o.Limits = DefaultLimits()
	}
	if o.ConfidenceThreshold == 0 {
		o.ConfidenceThreshold = DefaultConfidenceThreshold
	}
	if o.Retry == (RetryPolicy{}) {
		o.Retry = DefaultRetryPolicy()
	}
	if o.RunTimeout <= 0 {
		o.RunTimeout = DefaultRunTimeout
	}
	return o
}

// Orchestrator sequences one record through the pipeline stages.
type Orchestrator struct {
	classifier *Classifier
	guardrails *Guardrails
	dispatcher *Dispatcher
	notifier   Notifier
	logger     log.Logger
	hooks      Hooks
	opts       Options
}

// NewOrchestrator wires the pipeline. notifier may be nil.
func NewOrchestrator(c *Classifier, g *Guardrails, d *Dispatcher, notifier Notifier, logger log.Logger, hooks Hooks, opts Options) *Orchestrator {
	if c == nil || g == nil || d == nil {
		panic(xerrors.New("orchestrator requires classifier, guardrails and dispatcher"))
	}
	if logger == nil {
		logger = log.Nop()
	}
	return &Orchestrator{
		classifier: c,
		guardrails: g,
		dispatcher: d,
		notifier:   notifier,
		logger:     logger,
		hooks:      hooks,
		opts:       opts.withDefaults(),
	}
}

// NewRunID names a run after the correlation ID plus a monotonic ULID, so a
// re-delivered record gets a distinct but traceable run.
func NewRunID(correlationID string) string {
	return fmt.Sprintf("dlq-%s-%s", correlationID, ulid.Make().String())
}

// normalizeForRun normalizes raw and marks invalid records without a
// correlation ID with InvalidCorrelationID.
func normalizeForRun(raw map[string]any) (FailedMessage, error) {
	msg, err := Normalize(raw)
	if err != nil && msg.CorrelationID == UnknownCorrelationID {
		msg.CorrelationID = InvalidCorrelationID
	}
	return msg, err
}

// runState carries stage outputs between transitions.
type runState struct {
	run      *Run
	msg      FailedMessage
	invalid  error
	cls      Classification
	verdict  GuardrailVerdict
	final    FinalAction
	outcome  Outcome
	attempts int
}

// Run executes the pipeline for one raw record and returns the final run
// record, which is always in StateDone or StateFailed.
func (o *Orchestrator) Run(ctx context.Context, id string, raw map[string]any) *Run {
	start := time.Now()

	msg, verr := normalizeForRun(raw)
	if id == "" {
		id = NewRunID(msg.CorrelationID)
	}

	rs := &runState{
		run: &Run{
			ID:            id,
			CorrelationID: msg.CorrelationID,
			State:         StateReceived,
			Message:       &msg,
			CreatedAt:     start,
		},
		msg:     msg,
		invalid: verr,
	}

	L := o.logger.With("run", id, "correlation_id", msg.CorrelationID)
	ctx = log.WithContext(ctx, L)

	ctx, cancel := context.WithTimeout(ctx, o.opts.RunTimeout)
	defer cancel()

	ctx, span := tracer.Start(ctx, "triage.run")
	span.SetAttributes(
		attribute.String("dlqtriage.run.id", id),
		attribute.String("dlqtriage.correlation_id", msg.CorrelationID),
	)
	defer span.End()

	if verr != nil {
		L.Warn(ctx, "invalid DLQ payload, forcing ticket", "error", verr.Error())
	}

	for !rs.run.Terminal() {
		t, ok := transitionFrom(rs.run.State)
		if !ok {
			o.fail(ctx, rs, fmt.Errorf("no transition from state %q", rs.run.State))
			break
		}
		if err := o.step(ctx, t, rs); err != nil {
			o.fail(ctx, rs, err)
			break
		}
		rs.run.State = t.to
	}

	rs.run.CompletedAt = time.Now()
	rs.run.Duration = time.Since(start).Seconds()
	rs.run.Attempts = rs.attempts

	span.SetAttributes(attribute.String("dlqtriage.run.state", string(rs.run.State)))
	if rs.run.State == StateFailed {
		span.SetStatus(codes.Error, rs.run.Error)
	}

	L.Info(ctx, "triage run finished",
		"state", rs.run.State,
		"action", rs.final.Action,
		"duration", rs.run.Duration,
		"dispatch_attempts", rs.attempts,
	)
	if o.hooks.OnComplete != nil {
		o.hooks.OnComplete(&CompleteEvent{
			State:    rs.run.State,
			Action:   rs.final.Action,
			Duration: rs.run.Duration,
		})
	}
	return rs.run
}

// step runs a single transition inside its own span, applying the retry
// policy when the transition allows it.
func (o *Orchestrator) step(ctx context.Context, t transition, rs *runState) error {
	ctx, span := tracer.Start(ctx, "triage."+t.stage)
	defer span.End()

	L := log.FromContext(ctx)

	var err error
	if t.retryable(rs) {
		_, err = retry(ctx, o.opts.Retry,
			func(err error, wait time.Duration) {
				L.Warn(ctx, "stage failed, retrying",
					"stage", t.stage,
					"error", err.Error(),
					"wait", wait.String(),
				)
			},
			func() (struct{}, error) {
				return struct{}{}, t.step(o, ctx, rs)
			},
		)
	} else {
		err = t.step(o, ctx, rs)
	}

	// classifier transport failures resolve to the fallback unless the run
	// itself ran out of time
	if err != nil && t.stage == "classify" && ctx.Err() == nil {
		var te *ClassifierTransportError
		if errors.As(err, &te) {
			rs.cls = o.classifier.FallbackFor(ctx, rs.msg, err)
			err = nil
		}
	}

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func (o *Orchestrator) fail(ctx context.Context, rs *runState, err error) {
	if ctxErr := ctx.Err(); ctxErr != nil && !errors.Is(err, ctxErr) {
		err = fmt.Errorf("%w (run %v)", err, ctxErr)
	}
	rs.run.State = StateFailed
	rs.run.Error = err.Error()
	log.FromContext(ctx).Error(ctx, err, "triage run failed",
		"action", rs.final.Action,
	)
}

func (o *Orchestrator) classify(ctx context.Context, rs *runState) error {
	if rs.invalid != nil {
		rs.cls = Classification{
			Category:          InvalidCategory,
			RecommendedAction: ActionTicket,
			Confidence:        0,
			Summary:           InvalidSummary,
			Reasoning:         rs.invalid.Error(),
		}
		return nil
	}
	cls, err := o.classifier.Attempt(ctx, rs.msg)
	if err != nil {
		return err
	}
	rs.cls = cls
	return nil
}

func (o *Orchestrator) guard(ctx context.Context, rs *runState) error {
	if rs.invalid != nil {
		// skip the checks so an invalid record never enters the dedup set
		lim := o.opts.Limits
		rs.verdict = GuardrailVerdict{
			AllowRedrive:       false,
			Reasons:            []Reason{ReasonInvalidPayload},
			MaxAgeDays:         lim.MaxAgeDays,
			MaxRedriveAttempts: lim.MaxRedriveAttempts,
			TokenEstimate:      EstimateTokens(rs.msg),
			MaxTokenEstimate:   lim.MaxTokenEstimate,
		}
		return nil
	}
	rs.verdict = o.guardrails.Evaluate(ctx, rs.msg, rs.cls, o.opts.Limits)
	return nil
}

func (o *Orchestrator) decide(_ context.Context, rs *runState) error {
	if rs.invalid != nil {
		rs.final = FinalAction{Action: ActionTicket, Classification: rs.cls, Verdict: rs.verdict}
	} else {
		rs.final = Resolve(rs.cls, rs.verdict, o.opts.ConfidenceThreshold)
	}
	rs.run.Decision = &rs.final
	return nil
}

func (o *Orchestrator) dispatch(ctx context.Context, rs *runState) error {
	rs.attempts++
	out, err := o.dispatcher.Dispatch(ctx, rs.final, rs.msg)
	if err != nil {
		return err
	}
	rs.outcome = out
	rs.run.Outcome = &rs.outcome
	return nil
}

func (o *Orchestrator) notify(ctx context.Context, rs *runState) error {
	if o.notifier == nil {
		return nil
	}
	n := &Notification{
		RunID:             rs.run.ID,
		CorrelationID:     rs.msg.CorrelationID,
		Action:            rs.final.Action,
		RecommendedAction: rs.cls.RecommendedAction,
		Category:          rs.cls.Category,
		Confidence:        rs.cls.Confidence,
		Summary:           rs.cls.Summary,
		AllowRedrive:      rs.verdict.AllowRedrive,
		GuardrailReasons:  rs.verdict.Reasons,
	}
	if err := o.notifier.Send(ctx, n); err != nil {
		log.FromContext(ctx).Error(ctx, err, "notification failed")
	}
	return nil
}
