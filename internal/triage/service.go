package triage

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"
)

// DefaultConcurrency is the number of runs executed in parallel.
const DefaultConcurrency = 10

// scheduleInterval is how often a blocked Submit retries for a free slot.
const scheduleInterval = 10 * time.Millisecond

// Submit result labels.
const (
	SubmitAccepted = "accepted"
	SubmitRejected = "rejected"
	SubmitError    = "error"
)

// SubmitResult is the outcome of submitting one record for triage.
type SubmitResult struct {
	ID            string `json:"id,omitempty"`
	CorrelationID string `json:"correlation_id,omitempty"`
	Error         string `json:"error,omitempty"`
}

// Service is the business boundary for triage operations. Runs execute
// asynchronously with bounded parallelism.
type Service struct {
	store  Store
	orch   *Orchestrator
	logger log.Logger
	hooks  Hooks
	group  *errgroup.Group
}

// NewService creates a new triage service. concurrency <= 0 selects
// DefaultConcurrency.
func NewService(store Store, orch *Orchestrator, logger log.Logger, hooks Hooks, concurrency int) *Service {
	if store == nil || orch == nil {
		panic(xerrors.New("service requires a store and an orchestrator"))
	}
	if logger == nil {
		logger = log.Nop()
	}
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	g := new(errgroup.Group)
	g.SetLimit(concurrency)
	return &Service{
		store:  store,
		orch:   orch,
		logger: logger,
		hooks:  hooks,
		group:  g,
	}
}

// Submit records a pending run for raw and schedules it. It blocks while
// the concurrency limit is reached. Once ctx is done no new run is
// scheduled: a Submit still waiting for a slot records its run as failed
// and returns ctx's error. Runs already scheduled continue under their
// own timeout.
func (s *Service) Submit(ctx context.Context, raw map[string]any) (*SubmitResult, error) {
	if err := ctx.Err(); err != nil {
		s.submitted(SubmitRejected)
		return nil, fmt.Errorf("submit: %w", err)
	}

	msg, _ := normalizeForRun(raw)
	id := NewRunID(msg.CorrelationID)
	pending := &Run{
		ID:            id,
		CorrelationID: msg.CorrelationID,
		State:         StateReceived,
		Message:       &msg,
		CreatedAt:     time.Now(),
	}
	if err := s.store.Put(ctx, pending); err != nil {
		s.submitted(SubmitError)
		return nil, fmt.Errorf("persist pending run: %w", err)
	}

	// pass only the raw record; the goroutine builds its own Run
	runCtx := context.WithoutCancel(ctx)
	run := func() error {
		s.execute(runCtx, id, raw)
		return nil
	}
	for !s.group.TryGo(run) {
		select {
		case <-ctx.Done():
			s.abandon(runCtx, pending, ctx.Err())
			s.submitted(SubmitRejected)
			return nil, fmt.Errorf("submit: %w", ctx.Err())
		case <-time.After(scheduleInterval):
		}
	}

	s.submitted(SubmitAccepted)
	return &SubmitResult{ID: id, CorrelationID: msg.CorrelationID}, nil
}

// SubmitBatch submits each record independently. A record that cannot be
// scheduled carries its error in the result; the remaining records are
// still attempted unless ctx is done.
func (s *Service) SubmitBatch(ctx context.Context, records []map[string]any) []*SubmitResult {
	out := make([]*SubmitResult, 0, len(records))
	for _, raw := range records {
		sr, err := s.Submit(ctx, raw)
		if err != nil {
			msg, _ := normalizeForRun(raw)
			sr = &SubmitResult{CorrelationID: msg.CorrelationID, Error: err.Error()}
		}
		out = append(out, sr)
	}
	return out
}

// Get retrieves a run by ID.
func (s *Service) Get(ctx context.Context, id string) (*Run, bool, error) {
	return s.store.Get(ctx, id)
}

// GetByCorrelationID retrieves the latest run for a correlation ID.
func (s *Service) GetByCorrelationID(ctx context.Context, correlationID string) (*Run, bool, error) {
	return s.store.GetByCorrelationID(ctx, correlationID)
}

// List returns recent runs, newest first.
func (s *Service) List(ctx context.Context, limit int) ([]*Run, error) {
	return s.store.List(ctx, limit)
}

// Wait blocks until every scheduled run has finished.
func (s *Service) Wait() {
	_ = s.group.Wait()
}

func (s *Service) execute(ctx context.Context, id string, raw map[string]any) {
	run := s.orch.Run(ctx, id, raw)
	if err := s.store.Put(ctx, run); err != nil {
		s.logger.Error(ctx, err, "failed to persist triage run",
			"run", id,
			"state", run.State,
		)
	}
}

// abandon marks a pending run that was never scheduled as failed.
func (s *Service) abandon(ctx context.Context, pending *Run, cause error) {
	pending.State = StateFailed
	pending.Error = fmt.Sprintf("not scheduled: %v", cause)
	pending.CompletedAt = time.Now()
	if err := s.store.Put(ctx, pending); err != nil {
		s.logger.Error(ctx, err, "failed to persist abandoned triage run", "run", pending.ID)
	}
}

func (s *Service) submitted(result string) {
	if s.hooks.OnSubmit != nil {
		s.hooks.OnSubmit(result)
	}
}
