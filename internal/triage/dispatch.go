package triage

import (
	"context"
	"fmt"
	"time"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"
)

// Redriver re-submits a message to its original source.
type Redriver interface {
	Redrive(ctx context.Context, m FailedMessage) error
}

// Ticketer escalates a message to a human.
type Ticketer interface {
	OpenTicket(ctx context.Context, m FailedMessage, cls Classification) error
}

// Notifier delivers the final notification for a run.
type Notifier interface {
	Send(ctx context.Context, n *Notification) error
}

// Dispatcher executes a final action through the matching collaborator.
// It does not retry; that is the orchestrator's job.
type Dispatcher struct {
	redriver Redriver
	ticketer Ticketer
	logger   log.Logger
	hooks    Hooks
	now      func() time.Time
}

// NewDispatcher creates a dispatcher. Both collaborators are required.
func NewDispatcher(redriver Redriver, ticketer Ticketer, logger log.Logger, hooks Hooks) *Dispatcher {
	if redriver == nil || ticketer == nil {
		panic(xerrors.New("dispatcher requires a redriver and a ticketer"))
	}
	if logger == nil {
		logger = log.Nop()
	}
	return &Dispatcher{redriver: redriver, ticketer: ticketer, logger: logger, hooks: hooks, now: time.Now}
}

// Dispatch performs exactly one action for the message and returns the
// outcome record. Collaborator failures are returned as *DispatchError.
func (d *Dispatcher) Dispatch(ctx context.Context, fa FinalAction, m FailedMessage) (Outcome, error) {
	var (
		status string
		err    error
	)
	switch fa.Action {
	case ActionRedrive:
		status = OutcomeRedriveSent
		err = d.redriver.Redrive(ctx, m)
	case ActionTicket:
		status = OutcomeTicketCreated
		err = d.ticketer.OpenTicket(ctx, m, fa.Classification)
	case ActionSuppress:
		status = OutcomeSuppressed
	default:
		err = fmt.Errorf("unknown action %q", fa.Action)
	}

	if err != nil {
		if d.hooks.OnDispatch != nil {
			d.hooks.OnDispatch(fa.Action, "error")
		}
		return Outcome{}, &DispatchError{Action: fa.Action, Err: err}
	}

	out := Outcome{
		Status:            status,
		CorrelationID:     m.CorrelationID,
		Category:          fa.Classification.Category,
		RecommendedAction: fa.Classification.RecommendedAction,
		Timestamp:         d.now().UTC(),
	}
	d.logger.Info(ctx, "dispatch outcome",
		"status", out.Status,
		"correlation_id", out.CorrelationID,
		"category", out.Category,
		"recommended_action", out.RecommendedAction,
		"action", fa.Action,
		"timestamp", out.Timestamp.Format(time.RFC3339Nano),
	)
	if d.hooks.OnDispatch != nil {
		d.hooks.OnDispatch(fa.Action, status)
	}
	return out, nil
}

// LogOnly stands in for the redrive and ticket collaborators when none is
// configured. It records the request and succeeds.
type LogOnly struct {
	Logger log.Logger
}

// Redrive implements Redriver.
func (l LogOnly) Redrive(ctx context.Context, m FailedMessage) error {
	l.logger().Info(ctx, "redrive requested",
		"correlation_id", m.CorrelationID,
		"failure_category", m.FailureCategory,
		"redrive_attempts", m.RedriveAttempts,
	)
	return nil
}

// OpenTicket implements Ticketer.
func (l LogOnly) OpenTicket(ctx context.Context, m FailedMessage, cls Classification) error {
	l.logger().Info(ctx, "ticket requested",
		"correlation_id", m.CorrelationID,
		"category", cls.Category,
		"recommended_action", cls.RecommendedAction,
		"summary", cls.Summary,
	)
	return nil
}

func (l LogOnly) logger() log.Logger {
	if l.Logger == nil {
		return log.Nop()
	}
	return l.Logger
}
