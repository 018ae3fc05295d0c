package nsqq

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus metrics for the NSQ consumer.
type Metrics struct {
	MessagesTotal *prometheus.CounterVec
}

// NewMetrics registers and returns consumer metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		MessagesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dlqtriage_nsq_messages_total",
			Help: "NSQ messages handled by result.",
		}, []string{"result"}),
	}
	reg.MustRegister(m.MessagesTotal)
	return m
}
