package clients

import (
	"github.com/prometheus/client_golang/prometheus"
)

// BreakerMetrics exports circuit breaker state for every breaker wired to it.
type BreakerMetrics struct {
	// state values: 0=closed, 1=half-open, 2=open
	state       *prometheus.GaugeVec
	transitions *prometheus.CounterVec
}

// NewBreakerMetrics creates and registers the collectors under namespace.
// A nil registerer leaves them unregistered, which tests rely on.
func NewBreakerMetrics(namespace string, reg prometheus.Registerer) *BreakerMetrics {
	m := &BreakerMetrics{
		state: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "circuit_breaker_state",
				Help:      "Current state of circuit breaker (0=closed, 1=half-open, 2=open)",
			},
			[]string{"name"},
		),
		transitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "circuit_breaker_state_transitions_total",
				Help:      "Total number of circuit breaker state transitions",
			},
			[]string{"name", "from", "to"},
		),
	}
	if reg != nil {
		reg.MustRegister(m.state, m.transitions)
	}
	return m
}

// Record notes a transition. Its signature matches CircuitBreakerConfig.OnStateChange.
func (m *BreakerMetrics) Record(name string, from, to CircuitBreakerState) {
	m.transitions.WithLabelValues(name, from.String(), to.String()).Inc()
	m.state.WithLabelValues(name).Set(float64(to))
}

// Transitions returns the counter for name/from/to, for tests and health output.
func (m *BreakerMetrics) Transitions(name string, from, to CircuitBreakerState) prometheus.Counter {
	return m.transitions.WithLabelValues(name, from.String(), to.String())
}
