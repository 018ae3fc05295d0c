package triage

// DefaultConfidenceThreshold is the minimum classifier confidence for an
// automatic redrive.
const DefaultConfidenceThreshold = 0.8

// Resolve combines a classification and a guardrail verdict into the final
// action. Redrive needs the classifier to recommend it with enough
// confidence and the guardrails to allow it. Suppression is reserved for
// messages already known to have completed downstream. Everything else is
// ticketed.
func Resolve(cls Classification, v GuardrailVerdict, threshold float64) FinalAction {
	fa := FinalAction{Classification: cls, Verdict: v}
	switch {
	case cls.RecommendedAction == ActionRedrive && cls.Confidence >= threshold && v.AllowRedrive:
		fa.Action = ActionRedrive
	case v.Has(ReasonCompleted):
		fa.Action = ActionSuppress
	default:
		fa.Action = ActionTicket
	}
	return fa
}
