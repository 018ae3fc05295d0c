package dlqapi

import (
	"errors"
	"io"
	"net/http"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/dlqtriage/internal/triage"
)

type ingestResponse struct {
	Accepted []string               `json:"accepted"`
	Results  []*triage.SubmitResult `json:"results"`
}

func (a *API) handleIngestMessages(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(w, `{"error":"payload too large"}`, http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(w, `{"error":"failed to read body"}`, http.StatusBadRequest)
		return
	}

	records, err := triage.DecodeRecords(body)
	if err != nil {
		http.Error(w, `{"error":"invalid payload"}`, http.StatusBadRequest)
		return
	}

	results := a.svc.SubmitBatch(r.Context(), records)

	resp := ingestResponse{Accepted: []string{}, Results: results}
	for _, sr := range results {
		if sr.Error == "" {
			resp.Accepted = append(resp.Accepted, sr.ID)
		}
	}

	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(
		attribute.Int("dlqtriage.records", len(records)),
		attribute.Int("dlqtriage.accepted", len(resp.Accepted)),
	)

	status := http.StatusAccepted
	if len(records) > 0 && len(resp.Accepted) == 0 {
		a.logger.Warn(r.Context(), "no records accepted", "records", len(records))
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}
