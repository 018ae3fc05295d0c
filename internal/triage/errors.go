package triage

import "fmt"

// ValidationError reports a malformed inbound record.
type ValidationError struct {
	Field  string
	Value  any
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s %v: %s", e.Field, e.Value, e.Reason)
}

// ClassifierTransportError wraps a failure to reach the classifier.
// The orchestrator retries these.
type ClassifierTransportError struct {
	Err error
}

func (e *ClassifierTransportError) Error() string {
	return "classifier transport: " + e.Err.Error()
}

func (e *ClassifierTransportError) Unwrap() error { return e.Err }

// ClassifierSchemaError reports a classifier response that could not be
// parsed or failed output validation. It is never retried.
type ClassifierSchemaError struct {
	Err error
}

func (e *ClassifierSchemaError) Error() string {
	return "classifier schema: " + e.Err.Error()
}

func (e *ClassifierSchemaError) Unwrap() error { return e.Err }

// GuardrailInputError reports guardrail input that could not be evaluated.
// Checks fail closed on it rather than returning it.
type GuardrailInputError struct {
	Check string
	Err   error
}

func (e *GuardrailInputError) Error() string {
	return fmt.Sprintf("guardrail %s: %v", e.Check, e.Err)
}

func (e *GuardrailInputError) Unwrap() error { return e.Err }

// DispatchError wraps a collaborator failure while executing an action.
type DispatchError struct {
	Action Action
	Err    error
}

func (e *DispatchError) Error() string {
	return fmt.Sprintf("dispatch %s: %v", e.Action, e.Err)
}

func (e *DispatchError) Unwrap() error { return e.Err }
