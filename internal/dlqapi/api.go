// Package dlqapi exposes DLQ triage over HTTP: message intake and run
// lookup.
package dlqapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/linnemanlabs/dlqtriage/internal/authmw"
	"github.com/linnemanlabs/dlqtriage/internal/postgres"
	"github.com/linnemanlabs/dlqtriage/internal/triage"
)

// TriageService defines the business operations dlqapi needs.
type TriageService interface {
	SubmitBatch(ctx context.Context, records []map[string]any) []*triage.SubmitResult
	Get(ctx context.Context, id string) (*triage.Run, bool, error)
	GetByCorrelationID(ctx context.Context, correlationID string) (*triage.Run, bool, error)
	List(ctx context.Context, limit int) ([]*triage.Run, error)
}

// API holds dependencies for HTTP handlers.
type API struct {
	logger    log.Logger
	svc       TriageService
	authToken string
}

// New creates a new API handler. When authToken is non-empty every
// /api/v1 route requires a bearer token; a comma-separated list accepts
// any of its entries.
func New(logger log.Logger, svc TriageService, authToken string) *API {
	if logger == nil {
		logger = log.Nop()
	}
	if svc == nil {
		panic(xerrors.New("triage service is required"))
	}
	return &API{
		logger:    logger,
		svc:       svc,
		authToken: authToken,
	}
}

// RegisterRoutes attaches API endpoints to the router.
func (a *API) RegisterRoutes(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		if a.authToken != "" {
			r.Use(authmw.BearerToken(strings.Split(a.authToken, ",")...))
		}
		r.Use(tagQuerySource)

		r.Post("/messages", a.handleIngestMessages)
		r.Get("/runs", a.handleListRuns)
		r.Get("/runs/{id}", a.handleGetRun)
	})
}

// tagQuerySource labels database queries issued while serving the request.
func tagQuerySource(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		next.ServeHTTP(w, r.WithContext(postgres.WithSource(r.Context(), postgres.SourceAPI)))
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	// nothing to do with errors here
	_ = json.NewEncoder(w).Encode(v)
}
