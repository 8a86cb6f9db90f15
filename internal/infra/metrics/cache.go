package metrics

func (m *Metrics) IncCacheRequest(cacheName, result string) {
	if m == nil {
		return
	}
	m.cacheRequests.WithLabelValues(norm(cacheName), norm(result)).Inc()
}
