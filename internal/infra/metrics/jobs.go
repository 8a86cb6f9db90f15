package metrics

import "strconv"

func (m *Metrics) IncJobDispatched(kind, provider, outcome string) {
	if m == nil {
		return
	}
	m.jobsDispatched.WithLabelValues(norm(kind), norm(provider), norm(outcome)).Inc()
}

func (m *Metrics) IncJobReconciled(kind, status, source string) {
	if m == nil {
		return
	}
	m.jobsReconciled.WithLabelValues(norm(kind), norm(status), norm(source)).Inc()
}

func (m *Metrics) IncReconcileConflict(source string) {
	if m == nil {
		return
	}
	m.reconcileConflicts.WithLabelValues(norm(source)).Inc()
}

func (m *Metrics) IncPollAttempt(provider, result string) {
	if m == nil {
		return
	}
	m.pollAttempts.WithLabelValues(norm(provider), norm(result)).Inc()
}

func (m *Metrics) ObserveProviderCall(provider, op string, latencyMs int64, success bool) {
	if m == nil {
		return
	}
	m.providerLatency.WithLabelValues(norm(provider), norm(op), strconv.FormatBool(success)).
		Observe(float64(latencyMs))
}

func (m *Metrics) ObservePromptTokens(kind string, n int) {
	if m == nil {
		return
	}
	m.promptTokens.WithLabelValues(norm(kind)).Observe(float64(n))
}
