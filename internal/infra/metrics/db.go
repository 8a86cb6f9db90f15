package metrics

import (
	"strconv"
	"time"
)

func (m *Metrics) SetDBPoolStats(total, idle, inUse int32) {
	if m == nil {
		return
	}
	m.dbPoolStats.WithLabelValues("total").Set(float64(total))
	m.dbPoolStats.WithLabelValues("idle").Set(float64(idle))
	m.dbPoolStats.WithLabelValues("in_use").Set(float64(inUse))
}

func (m *Metrics) ObserveHTTPRequest(route, method string, code int, d time.Duration) {
	if m == nil {
		return
	}
	if route == "" {
		route = "unmatched"
	}
	m.httpRequests.WithLabelValues(route, method, strconv.Itoa(code)).Observe(d.Seconds())
}
