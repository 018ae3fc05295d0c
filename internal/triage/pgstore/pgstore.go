// Package pgstore provides a PostgreSQL implementation of triage.Store.
// The same Store also serves as the guardrails' duplicate checker.
package pgstore

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/linnemanlabs/dlqtriage/internal/triage"
)

var tracer = otel.Tracer("github.com/linnemanlabs/dlqtriage/internal/triage/pgstore")

//go:embed schema.sql
var schema string

// DefaultDedupTTL is how long a delivery counts as seen.
const DefaultDedupTTL = 24 * time.Hour

// Store persists triage runs in PostgreSQL.
type Store struct {
	pool     *pgxpool.Pool
	dedupTTL time.Duration
	now      func() time.Time
}

// New applies the schema on pool and returns a ready Store. The caller
// owns the pool.
func New(ctx context.Context, pool *pgxpool.Pool, dedupTTL time.Duration) (*Store, error) {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	if dedupTTL <= 0 {
		dedupTTL = DefaultDedupTTL
	}
	return &Store{pool: pool, dedupTTL: dedupTTL, now: time.Now}, nil
}

const runColumns = `id, correlation_id, state, message, decision, outcome,
	error, attempts, created_at, completed_at, duration_s`

func startSpan(ctx context.Context, name, op string) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", op),
	))
}

func spanError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// Get retrieves a run by ID.
func (s *Store) Get(ctx context.Context, id string) (*triage.Run, bool, error) {
	ctx, span := startSpan(ctx, "pgstore.Get", "SELECT")
	defer span.End()

	r, err := scanRun(s.pool.QueryRow(ctx, `SELECT `+runColumns+` FROM triage_runs WHERE id = $1`, id))
	if err != nil {
		spanError(span, err)
		return nil, false, err
	}
	return r, r != nil, nil
}

// GetByCorrelationID retrieves the most recent run for a correlation ID.
func (s *Store) GetByCorrelationID(ctx context.Context, correlationID string) (*triage.Run, bool, error) {
	ctx, span := startSpan(ctx, "pgstore.GetByCorrelationID", "SELECT")
	defer span.End()

	query := `SELECT ` + runColumns + ` FROM triage_runs
		WHERE correlation_id = $1 ORDER BY created_at DESC, id DESC LIMIT 1`
	r, err := scanRun(s.pool.QueryRow(ctx, query, correlationID))
	if err != nil {
		spanError(span, err)
		return nil, false, err
	}
	return r, r != nil, nil
}

// List returns up to limit runs, newest first. limit <= 0 means 100.
func (s *Store) List(ctx context.Context, limit int) ([]*triage.Run, error) {
	ctx, span := startSpan(ctx, "pgstore.List", "SELECT")
	defer span.End()

	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+runColumns+` FROM triage_runs ORDER BY created_at DESC, id DESC LIMIT $1`, limit)
	if err != nil {
		spanError(span, err)
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var out []*triage.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			spanError(span, err)
			return nil, err
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		spanError(span, err)
		return nil, fmt.Errorf("iterate runs: %w", err)
	}
	return out, nil
}

// Put inserts or updates a run.
func (s *Store) Put(ctx context.Context, r *triage.Run) error {
	ctx, span := startSpan(ctx, "pgstore.Put", "UPSERT")
	defer span.End()

	message, err := marshalNullable(r.Message)
	if err != nil {
		spanError(span, err)
		return fmt.Errorf("marshal message: %w", err)
	}
	decision, err := marshalNullable(r.Decision)
	if err != nil {
		spanError(span, err)
		return fmt.Errorf("marshal decision: %w", err)
	}
	outcome, err := marshalNullable(r.Outcome)
	if err != nil {
		spanError(span, err)
		return fmt.Errorf("marshal outcome: %w", err)
	}

	var completedAt *time.Time
	if !r.CompletedAt.IsZero() {
		completedAt = &r.CompletedAt
	}
	var action string
	if r.Decision != nil {
		action = string(r.Decision.Action)
	}

	_, err = s.pool.Exec(ctx, `INSERT INTO triage_runs (
		id, correlation_id, state, action, message, decision, outcome,
		error, attempts, created_at, completed_at, duration_s
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
	ON CONFLICT (id) DO UPDATE SET
		state        = EXCLUDED.state,
		action       = EXCLUDED.action,
		message      = EXCLUDED.message,
		decision     = EXCLUDED.decision,
		outcome      = EXCLUDED.outcome,
		error        = EXCLUDED.error,
		attempts     = EXCLUDED.attempts,
		completed_at = EXCLUDED.completed_at,
		duration_s   = EXCLUDED.duration_s`,
		r.ID, r.CorrelationID, string(r.State), action, message, decision, outcome,
		r.Error, r.Attempts, r.CreatedAt, completedAt, r.Duration,
	)
	if err != nil {
		spanError(span, err)
		return fmt.Errorf("upsert run: %w", err)
	}
	return nil
}

// Seen implements triage.DuplicateChecker. The first sighting of a
// delivery within the TTL records it and reports false; later sightings
// report true.
func (s *Store) Seen(ctx context.Context, m triage.FailedMessage) (bool, error) {
	key, ok := triage.DedupKey(m)
	if !ok {
		return false, nil
	}

	ctx, span := startSpan(ctx, "pgstore.Seen", "UPSERT")
	defer span.End()

	now := s.now().UTC()
	tag, err := s.pool.Exec(ctx, `INSERT INTO seen_messages (dedup_key, seen_at)
		VALUES ($1, $2)
		ON CONFLICT (dedup_key) DO UPDATE SET seen_at = EXCLUDED.seen_at
		WHERE seen_messages.seen_at < $3`,
		key, now, now.Add(-s.dedupTTL),
	)
	if err != nil {
		spanError(span, err)
		return false, fmt.Errorf("record seen message: %w", err)
	}
	return tag.RowsAffected() == 0, nil
}

// marshalNullable stores a nil pointer as SQL NULL.
func marshalNullable[T any](v *T) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}

// scanRun scans a single row into a Run. Returns (nil, nil) when no row is
// found.
func scanRun(row pgx.Row) (*triage.Run, error) {
	var (
		r           triage.Run
		state       string
		message     []byte
		decision    []byte
		outcome     []byte
		completedAt *time.Time
	)
	err := row.Scan(
		&r.ID, &r.CorrelationID, &state, &message, &decision, &outcome,
		&r.Error, &r.Attempts, &r.CreatedAt, &completedAt, &r.Duration,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan: %w", err)
	}

	r.State = triage.State(state)
	if completedAt != nil {
		r.CompletedAt = *completedAt
	}
	if len(message) > 0 {
		r.Message = new(triage.FailedMessage)
		if err := json.Unmarshal(message, r.Message); err != nil {
			return nil, fmt.Errorf("unmarshal message: %w", err)
		}
	}
	if len(decision) > 0 {
		r.Decision = new(triage.FinalAction)
		if err := json.Unmarshal(decision, r.Decision); err != nil {
			return nil, fmt.Errorf("unmarshal decision: %w", err)
		}
	}
	if len(outcome) > 0 {
		r.Outcome = new(triage.Outcome)
		if err := json.Unmarshal(outcome, r.Outcome); err != nil {
			return nil, fmt.Errorf("unmarshal outcome: %w", err)
		}
	}
	return &r, nil
}
