package triage

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// State tracks where a run is in the pipeline.
type State string

const (
	// StateReceived means the record was accepted and normalized
	StateReceived State = "received"

	// StateClassified means a classification (possibly the fallback) exists
	StateClassified State = "classified"

	// StateGuarded means the guardrail verdict exists
	StateGuarded State = "guarded"

	// StateDecided means the final action is chosen
	StateDecided State = "decided"

	// StateDispatched means the action was executed
	StateDispatched State = "dispatched"

	// StateDone means the notification was emitted
	StateDone State = "done"

	// StateFailed means the run ended without completing, see Run.Error
	StateFailed State = "failed"
)

// RetryPolicy is exponential backoff around a stage's external call.
type RetryPolicy struct {
	MaxRetries int
	Base       time.Duration
	Multiplier float64
}

// DefaultRetryPolicy allows two extra attempts, waiting 2s then 4s.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxRetries: 2, Base: 2 * time.Second, Multiplier: 2.0}
}

// retry runs op until it succeeds, the policy is exhausted or ctx ends.
func retry[T any](ctx context.Context, p RetryPolicy, notify func(err error, wait time.Duration), op func() (T, error)) (T, error) {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     p.Base,
		RandomizationFactor: 0,
		Multiplier:          p.Multiplier,
		MaxInterval:         p.Base * time.Duration(1<<max(0, p.MaxRetries)),
	}
	opts := []backoff.RetryOption{
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(max(0, p.MaxRetries)) + 1),
	}
	if notify != nil {
		opts = append(opts, backoff.WithNotify(notify))
	}
	return backoff.Retry(ctx, backoff.Operation[T](op), opts...)
}

// transition is one edge of the run state machine. step performs the work;
// retryable reports whether a failed step may be retried under the policy.
type transition struct {
	from      State
	to        State
	stage     string
	step      func(o *Orchestrator, ctx context.Context, rs *runState) error
	retryable func(rs *runState) bool
}

// transitions is the complete state machine. Any step error moves the run
// to StateFailed.
var transitions = []transition{
	{StateReceived, StateClassified, "classify", (*Orchestrator).classify, always},
	{StateClassified, StateGuarded, "guardrails", (*Orchestrator).guard, never},
	{StateGuarded, StateDecided, "decide", (*Orchestrator).decide, never},
	{StateDecided, StateDispatched, "dispatch", (*Orchestrator).dispatch, notSuppress},
	{StateDispatched, StateDone, "notify", (*Orchestrator).notify, never},
}

func always(*runState) bool { return true }
func never(*runState) bool  { return false }

func notSuppress(rs *runState) bool {
	return rs.final.Action != ActionSuppress
}

func transitionFrom(s State) (transition, bool) {
	for _, t := range transitions {
		if t.from == s {
			return t, true
		}
	}
	return transition{}, false
}
