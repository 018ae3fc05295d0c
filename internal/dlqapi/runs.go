package dlqapi

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

func (a *API) handleGetRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(attribute.String("dlqtriage.run.id", id))

	run, ok, err := a.svc.Get(r.Context(), id)
	if err != nil {
		a.logger.Error(r.Context(), err, "failed to get triage run", "id", id)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	if !ok {
		http.Error(w, `{"error":"not found"}`, http.StatusNotFound)
		return
	}

	span.SetAttributes(attribute.String("dlqtriage.run.state", string(run.State)))
	writeJSON(w, http.StatusOK, run)
}

// handleListRuns returns the latest run for ?correlation_id=, or the most
// recent runs bounded by ?limit=.
func (a *API) handleListRuns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	if corr := q.Get("correlation_id"); corr != "" {
		trace.SpanFromContext(r.Context()).SetAttributes(attribute.String("dlqtriage.correlation_id", corr))

		run, ok, err := a.svc.GetByCorrelationID(r.Context(), corr)
		if err != nil {
			a.logger.Error(r.Context(), err, "failed to get triage run", "correlation_id", corr)
			http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
			return
		}
		if !ok {
			http.Error(w, `{"error":"not found"}`, http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, run)
		return
	}

	limit := defaultListLimit
	if s := q.Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			http.Error(w, `{"error":"invalid limit"}`, http.StatusBadRequest)
			return
		}
		limit = min(n, maxListLimit)
	}

	runs, err := a.svc.List(r.Context(), limit)
	if err != nil {
		a.logger.Error(r.Context(), err, "failed to list triage runs")
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}
