package harness

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exports harness counters to Prometheus. A nil *Metrics is valid and records nothing.
type Metrics struct {
	dispatched *prometheus.CounterVec
	duration   *prometheus.HistogramVec
	turns      *prometheus.CounterVec
	retries    prometheus.Counter
	failures   *prometheus.CounterVec
}

// NewMetrics registers the harness collectors with registry. It returns nil when registry is nil.
func NewMetrics(registry *prometheus.Registry) *Metrics {
	if registry == nil {
		return nil
	}

	m := &Metrics{
		dispatched: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bridge_tool_dispatch_total",
				Help: "Tool calls dispatched by tool and outcome status",
			},
			[]string{"tool", "status"},
		),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "bridge_tool_dispatch_duration_seconds",
				Help:    "Tool handler latency",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"tool"},
		),
		turns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bridge_model_turns_total",
				Help: "Model turns by end reason",
			},
			[]string{"reason"},
		),
		retries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bridge_transport_retries_total",
			Help: "Transport attempts retried after a fault",
		}),
		failures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bridge_conversation_failures_total",
				Help: "Conversations that ended in the failed state by reason",
			},
			[]string{"reason"},
		),
	}

	registry.MustRegister(m.dispatched, m.duration, m.turns, m.retries, m.failures)
	return m
}

func (m *Metrics) observeDispatch(tool, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.dispatched.WithLabelValues(tool, status).Inc()
	m.duration.WithLabelValues(tool).Observe(d.Seconds())
}

func (m *Metrics) observeTurn(reason string) {
	if m != nil {
		m.turns.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) observeRetry() {
	if m != nil {
		m.retries.Inc()
	}
}

func (m *Metrics) observeFailure(reason string) {
	if m != nil {
		m.failures.WithLabelValues(reason).Inc()
	}
}
