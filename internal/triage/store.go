package triage

import "context"

// Store is the persistence interface for triage runs.
type Store interface {
	Get(ctx context.Context, id string) (*Run, bool, error)
	// GetByCorrelationID returns the most recent run for a correlation ID.
	GetByCorrelationID(ctx context.Context, correlationID string) (*Run, bool, error)
	Put(ctx context.Context, run *Run) error
	// List returns up to limit runs, newest first.
	List(ctx context.Context, limit int) ([]*Run, error)
}
