package triage

// Hooks are optional callbacks invoked at pipeline milestones. Metrics wires
// them to Prometheus; a zero Hooks is valid.
type Hooks struct {
	OnLLMCall   func(inputTokens, outputTokens int, duration float64)
	OnFallback  func(cause string)
	OnGuardrail func(v GuardrailVerdict)
	OnDispatch  func(action Action, status string)
	OnComplete  func(e *CompleteEvent)
	OnSubmit    func(result string)
}

// CompleteEvent summarizes a finished run.
type CompleteEvent struct {
	State    State
	Action   Action
	Duration float64
}
