package triage

import (
	"bytes"
	"encoding/json"
	"fmt"
	"maps"
	"math"
	"strconv"
	"strings"
)

// Defaults applied by Normalize when a field is absent.
const (
	UnknownCorrelationID   = "unknown"
	DefaultFailureCategory = "UNKNOWN"
	DefaultStateAtFailure  = "FAILED"
)

// Normalize converts a raw payload into a FailedMessage. Absent fields are
// defaulted and aliases are honored, with the canonical key preferred. The
// only rejected field is redriveAttempts: a negative or non-integral value
// returns a *ValidationError alongside a best-effort message with zero
// attempts, so callers can still audit the record.
func Normalize(raw map[string]any) (FailedMessage, error) {
	if raw == nil {
		raw = map[string]any{}
	}

	src := raw
	// a previously normalized message keeps its original payload
	if inner, ok := normalizedPayload(raw); ok {
		src = inner
	}

	m := FailedMessage{
		CorrelationID:   pick(raw, "correlationId", "id", UnknownCorrelationID),
		FailureCategory: pick(raw, "failureCategory", "category", DefaultFailureCategory),
		ErrorMessage:    pick(raw, "errorMessage", "error", ""),
		Timestamp:       pick(raw, "timestamp", "time", ""),
		StateAtFailure:  pick(raw, "stateAtFailure", "state", DefaultStateAtFailure),
		Raw:             maps.Clone(src),
	}

	attempts, err := redriveAttempts(raw["redriveAttempts"])
	if err != nil {
		return m, err
	}
	m.RedriveAttempts = attempts
	return m, nil
}

// DecodeRecords decodes a single JSON object or a list of objects into raw
// records. Numbers are kept as json.Number so attempt counts survive intact.
func DecodeRecords(body []byte) ([]map[string]any, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var records []map[string]any
		if err := decodeNumbers(trimmed, &records); err != nil {
			return nil, fmt.Errorf("decode record list: %w", err)
		}
		return records, nil
	}
	var one map[string]any
	if err := decodeNumbers(trimmed, &one); err != nil {
		return nil, fmt.Errorf("decode record: %w", err)
	}
	return []map[string]any{one}, nil
}

// NormalizeJSON decodes and normalizes each record independently.
// Per-record validation errors are returned positionally; a decode failure
// fails the whole call.
func NormalizeJSON(body []byte) ([]FailedMessage, []error, error) {
	records, err := DecodeRecords(body)
	if err != nil {
		return nil, nil, err
	}
	msgs := make([]FailedMessage, len(records))
	errs := make([]error, len(records))
	for i, r := range records {
		msgs[i], errs[i] = Normalize(r)
	}
	return msgs, errs, nil
}

// Fields returns the canonical map view of the message, the form sent to
// the classifier and used for the token estimate. Normalize(m.Fields())
// yields m.
func (m FailedMessage) Fields() map[string]any {
	return map[string]any{
		"correlationId":   m.CorrelationID,
		"failureCategory": m.FailureCategory,
		"errorMessage":    m.ErrorMessage,
		"timestamp":       m.Timestamp,
		"stateAtFailure":  m.StateAtFailure,
		"redriveAttempts": m.RedriveAttempts,
		"raw":             m.Raw,
	}
}

// fieldKeys are exactly the keys of FailedMessage.Fields.
var fieldKeys = [...]string{
	"correlationId",
	"failureCategory",
	"errorMessage",
	"timestamp",
	"stateAtFailure",
	"redriveAttempts",
	"raw",
}

// normalizedPayload returns the inner payload of a map shaped exactly like
// FailedMessage.Fields. Inbound records that merely carry a "raw" key are
// not unwrapped.
func normalizedPayload(raw map[string]any) (map[string]any, bool) {
	if len(raw) != len(fieldKeys) {
		return nil, false
	}
	for _, k := range fieldKeys {
		if _, ok := raw[k]; !ok {
			return nil, false
		}
	}
	inner, ok := raw["raw"].(map[string]any)
	return inner, ok
}

func decodeNumbers(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	return dec.Decode(v)
}

func pick(raw map[string]any, canonical, alias, def string) string {
	if s := asString(raw[canonical]); s != "" {
		return s
	}
	if s := asString(raw[alias]); s != "" {
		return s
	}
	return def
}

func asString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case json.Number:
		return t.String()
	case fmt.Stringer:
		return t.String()
	default:
		return fmt.Sprint(t)
	}
}

func redriveAttempts(v any) (int, error) {
	invalid := func(reason string) (int, error) {
		return 0, &ValidationError{Field: "redriveAttempts", Value: v, Reason: reason}
	}

	var n float64
	switch t := v.(type) {
	case nil:
		return 0, nil
	case int:
		n = float64(t)
	case int64:
		n = float64(t)
	case float64:
		n = t
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return invalid("not a number")
		}
		n = f
	case string:
		i, err := strconv.Atoi(strings.TrimSpace(t))
		if err != nil {
			return invalid("not an integer")
		}
		n = float64(i)
	default:
		return invalid(fmt.Sprintf("unsupported type %T", v))
	}

	if math.IsNaN(n) || math.IsInf(n, 0) || n != math.Trunc(n) {
		return invalid("not an integer")
	}
	if n < 0 {
		return invalid("must be >= 0")
	}
	if n > math.MaxInt32 {
		return invalid("too large")
	}
	return int(n), nil
}
