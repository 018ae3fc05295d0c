package triage

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds Prometheus metrics for the triage subsystem.
type Metrics struct {
	RunsTotal           *prometheus.CounterVec
	RunDuration         *prometheus.HistogramVec
	ClassifierFallbacks *prometheus.CounterVec
	GuardrailEvals      *prometheus.CounterVec
	GuardrailBlocks     *prometheus.CounterVec
	DispatchesTotal     *prometheus.CounterVec
	LLMCallsTotal       prometheus.Counter
	LLMTokensIn         prometheus.Counter
	LLMTokensOut        prometheus.Counter
	LLMDuration         prometheus.Histogram
	SubmitsTotal        *prometheus.CounterVec
}

// NewMetrics registers and returns triage metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dlqtriage_runs_total",
			Help: "Total triage runs by final state and action.",
		}, []string{"state", "action"}),
		RunDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "dlqtriage_run_duration_seconds",
			Help:    "Duration of triage runs in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12), // 50ms .. ~100s
		}, []string{"state"}),
		ClassifierFallbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dlqtriage_classification_fallbacks_total",
			Help: "Classifications replaced by the fallback, by cause.",
		}, []string{"cause"}),
		GuardrailEvals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dlqtriage_guardrail_evaluations_total",
			Help: "Guardrail evaluations by outcome.",
		}, []string{"allow_redrive"}),
		GuardrailBlocks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dlqtriage_guardrail_blocks_total",
			Help: "Guardrail reasons fired, by reason.",
		}, []string{"reason"}),
		DispatchesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dlqtriage_dispatches_total",
			Help: "Dispatch attempts by action and status.",
		}, []string{"action", "status"}),
		LLMCallsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dlqtriage_llm_calls_total",
			Help: "Total classifier provider calls that returned a response.",
		}),
		LLMTokensIn: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dlqtriage_llm_tokens_input_total",
			Help: "Total classifier input tokens consumed.",
		}),
		LLMTokensOut: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dlqtriage_llm_tokens_output_total",
			Help: "Total classifier output tokens consumed.",
		}),
		LLMDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "dlqtriage_llm_call_duration_seconds",
			Help:    "Duration of individual classifier calls in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10), // 0.1s .. ~51s
		}),
		SubmitsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dlqtriage_submits_total",
			Help: "Total record submissions by result.",
		}, []string{"result"}),
	}

	reg.MustRegister(
		m.RunsTotal,
		m.RunDuration,
		m.ClassifierFallbacks,
		m.GuardrailEvals,
		m.GuardrailBlocks,
		m.DispatchesTotal,
		m.LLMCallsTotal,
		m.LLMTokensIn,
		m.LLMTokensOut,
		m.LLMDuration,
		m.SubmitsTotal,
	)

	return m
}

// Hooks returns pipeline Hooks that increment the corresponding metrics.
func (m *Metrics) Hooks() Hooks {
	return Hooks{
		OnLLMCall: func(inputTokens, outputTokens int, duration float64) {
			m.LLMCallsTotal.Inc()
			m.LLMTokensIn.Add(float64(inputTokens))
			m.LLMTokensOut.Add(float64(outputTokens))
			m.LLMDuration.Observe(duration)
		},
		OnFallback: func(cause string) {
			m.ClassifierFallbacks.WithLabelValues(cause).Inc()
		},
		OnGuardrail: func(v GuardrailVerdict) {
			m.GuardrailEvals.WithLabelValues(strconv.FormatBool(v.AllowRedrive)).Inc()
			for _, r := range v.Reasons {
				m.GuardrailBlocks.WithLabelValues(string(r)).Inc()
			}
		},
		OnDispatch: func(action Action, status string) {
			m.DispatchesTotal.WithLabelValues(string(action), status).Inc()
		},
		OnComplete: func(e *CompleteEvent) {
			action := string(e.Action)
			if action == "" {
				action = "none"
			}
			m.RunsTotal.WithLabelValues(string(e.State), action).Inc()
			m.RunDuration.WithLabelValues(string(e.State)).Observe(e.Duration)
		},
		OnSubmit: func(result string) {
			m.SubmitsTotal.WithLabelValues(result).Inc()
		},
	}
}
