package metrics

func (m *Metrics) IncBroadcastDelivered(eventType string) {
	if m == nil {
		return
	}
	m.broadcastDelivered.WithLabelValues(eventType).Inc()
}

func (m *Metrics) IncBroadcastDropped(eventType string) {
	if m == nil {
		return
	}
	m.broadcastDropped.WithLabelValues(eventType).Inc()
}

func (m *Metrics) AddRealtimeClients(delta int) {
	if m == nil {
		return
	}
	m.realtimeClients.Add(float64(delta))
}
