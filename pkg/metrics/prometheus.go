package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusRecorder implements the Recorder interface using Prometheus metrics.
type PrometheusRecorder struct {
	transitionsTotal *prometheus.CounterVec
	submitsTotal     *prometheus.CounterVec
	errorsTotal      *prometheus.CounterVec
	timeoutsTotal    prometheus.Counter
}

// NewPrometheusRecorder creates a new Prometheus-based metrics recorder.
// Metrics are registered on the default registry; create at most one per
// process.
func NewPrometheusRecorder() *PrometheusRecorder {
	return &PrometheusRecorder{
		transitionsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "reply_state_transitions_total",
				Help: "Total number of reply flow state transitions by from state, to state, and event",
			},
			[]string{"from", "to", "event"},
		),
		submitsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "reply_submits_total",
				Help: "Total number of reply submit attempts by login status and reply source",
			},
			[]string{"logged_in", "source"},
		),
		errorsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "reply_errors_total",
				Help: "Total number of user-visible reply errors by kind",
			},
			[]string{"kind"},
		),
		timeoutsTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "reply_processing_timeouts_total",
				Help: "Total number of watchdog fallbacks from a stalled processing state",
			},
		),
	}
}

// ObserveTransition records a state transition.
func (p *PrometheusRecorder) ObserveTransition(from, to, event string) {
	p.transitionsTotal.WithLabelValues(from, to, event).Inc()
}

// IncSubmit records a submit attempt.
func (p *PrometheusRecorder) IncSubmit(loggedIn bool, source string) {
	label := "false"
	if loggedIn {
		label = "true"
	}
	if source == "" {
		source = "unknown"
	}
	p.submitsTotal.WithLabelValues(label, source).Inc()
}

// IncError records a user-visible error by kind.
func (p *PrometheusRecorder) IncError(kind string) {
	p.errorsTotal.WithLabelValues(kind).Inc()
}

// IncTimeout records a watchdog fallback.
func (p *PrometheusRecorder) IncTimeout() {
	p.timeoutsTotal.Inc()
}
