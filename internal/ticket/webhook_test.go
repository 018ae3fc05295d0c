package ticket

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/dlqtriage/internal/triage"
)

func testInputs(t *testing.T) (triage.FailedMessage, triage.Classification) {
	t.Helper()
	m := triage.FailedMessage{
		CorrelationID:   "c7",
		FailureCategory: "VALIDATION",
		ErrorMessage:    "schema mismatch",
		StateAtFailure:  "FAILED",
	}
	cls, err := triage.NewClassification("DATA_QUALITY", triage.ActionTicket, 0.92, "Payload failed validation.", "schema mismatch")
	if err != nil {
		t.Fatalf("NewClassification: %v", err)
	}
	return m, cls
}

func TestOpenTicket_PostsPayload(t *testing.T) {
	t.Parallel()

	var got Payload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		if r.Header.Get("Content-Type") != "application/json" {
			t.Errorf("content-type = %q, want application/json", r.Header.Get("Content-Type"))
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	w, err := NewWebhook(srv.URL, log.Nop())
	if err != nil {
		t.Fatalf("NewWebhook: %v", err)
	}
	m, cls := testInputs(t)

	if err := w.OpenTicket(context.Background(), m, cls); err != nil {
		t.Fatalf("OpenTicket: %v", err)
	}
	if got.Title != "[DLQ] DATA_QUALITY: c7" {
		t.Errorf("title = %q", got.Title)
	}
	if got.CorrelationID != "c7" || got.Confidence != 0.92 {
		t.Errorf("payload = %+v", got)
	}
	if got.Message.ErrorMessage != "schema mismatch" {
		t.Errorf("message.errorMessage = %q", got.Message.ErrorMessage)
	}
	if got.Classification.RecommendedAction != triage.ActionTicket {
		t.Errorf("classification action = %q", got.Classification.RecommendedAction)
	}
}

func TestOpenTicket_NonOKStatus(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("upstream down"))
	}))
	defer srv.Close()

	w, _ := NewWebhook(srv.URL, nil)
	m, cls := testInputs(t)

	err := w.OpenTicket(context.Background(), m, cls)
	if err == nil {
		t.Fatal("expected error on non-2xx status")
	}
	if !strings.Contains(err.Error(), "502") {
		t.Errorf("error = %q, want to contain 502", err.Error())
	}
}

func TestOpenTicket_CanceledContext(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	w, _ := NewWebhook(srv.URL, nil)
	m, cls := testInputs(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := w.OpenTicket(ctx, m, cls); err == nil {
		t.Fatal("expected error for canceled context")
	}
}

func TestNewWebhook_RequiresURL(t *testing.T) {
	t.Parallel()
	if _, err := NewWebhook("", nil); err == nil {
		t.Fatal("expected error for empty url")
	}
}
