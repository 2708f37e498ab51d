// Package metrics provides Prometheus-based metrics recording for the reply flow.
package metrics

// Recorder defines the interface for recording reply flow metrics.
type Recorder interface {
	// ObserveTransition records a state transition.
	ObserveTransition(from, to, event string)

	// IncSubmit records a submit attempt.
	IncSubmit(loggedIn bool, source string)

	// IncError records a user-visible error by kind.
	IncError(kind string)

	// IncTimeout records a watchdog fallback.
	IncTimeout()
}

// NoopRecorder implements Recorder with no-op behavior for when metrics are disabled.
type NoopRecorder struct{}

// Nop returns a no-op metrics recorder that discards all metrics.
func Nop() Recorder {
	return &NoopRecorder{}
}

// ObserveTransition does nothing in the no-op recorder.
func (n *NoopRecorder) ObserveTransition(_, _, _ string) {}

// IncSubmit does nothing in the no-op recorder.
func (n *NoopRecorder) IncSubmit(_ bool, _ string) {}

// IncError does nothing in the no-op recorder.
func (n *NoopRecorder) IncError(_ string) {}

// IncTimeout does nothing in the no-op recorder.
func (n *NoopRecorder) IncTimeout() {}
