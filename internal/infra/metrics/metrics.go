// File: internal/infra/metrics/metrics.go
package metrics

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "vibephoto"

// Metrics owns every collector of the service. It is constructed once in
// main and injected; a nil *Metrics is a valid no-op recorder.
type Metrics struct {
	buildInfo *prometheus.GaugeVec

	jobsDispatched     *prometheus.CounterVec
	jobsReconciled     *prometheus.CounterVec
	reconcileConflicts *prometheus.CounterVec
	pollAttempts       *prometheus.CounterVec

	creditsDebited     *prometheus.CounterVec
	creditsRefunded    *prometheus.CounterVec
	insufficientBlocks *prometheus.CounterVec
	packagesExpired    prometheus.Counter

	providerLatency *prometheus.HistogramVec
	promptTokens    *prometheus.HistogramVec

	broadcastDelivered *prometheus.CounterVec
	broadcastDropped   *prometheus.CounterVec
	realtimeClients    prometheus.Gauge

	cacheRequests *prometheus.CounterVec
	dbPoolStats   *prometheus.GaugeVec
	httpRequests  *prometheus.HistogramVec
}

// New registers all collectors with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		buildInfo: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "build_info",
			Help:      "A constant metric with labels for version and commit hash.",
		}, []string{"version", "commit"}),

		jobsDispatched: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_dispatched_total",
			Help:      "Jobs submitted to providers, labeled by kind, provider and outcome.",
		}, []string{"kind", "provider", "outcome"}),
		jobsReconciled: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_reconciled_total",
			Help:      "Terminal job transitions, labeled by kind, status and source.",
		}, []string{"kind", "status", "source"}),
		reconcileConflicts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconcile_conflicts_total",
			Help:      "Updates discarded because the job was already terminal.",
		}, []string{"source"}),
		pollAttempts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "poll_attempts_total",
			Help:      "Fallback poll attempts, labeled by provider and result.",
		}, []string{"provider", "result"}),

		creditsDebited: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "credits_debited_total",
			Help:      "Credits debited, labeled by source and pool.",
		}, []string{"source", "pool"}),
		creditsRefunded: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "credits_refunded_total",
			Help:      "Credits refunded, labeled by source.",
		}, []string{"source"}),
		insufficientBlocks: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "insufficient_credits_total",
			Help:      "Debits or pre-checks rejected for insufficient credits.",
		}, []string{"source"}),
		packagesExpired: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "packages_expired_total",
			Help:      "Credit packages marked expired by the expiry job.",
		}),

		providerLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "provider_call_latency_ms",
			Help:      "Provider call latency distribution in milliseconds.",
			Buckets:   []float64{25, 50, 100, 200, 400, 800, 1600, 3000, 5000, 10000, 30000},
		}, []string{"provider", "op", "success"}),
		promptTokens: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "prompt_tokens",
			Help:      "Prompt size in tokens per job kind.",
			Buckets:   prometheus.ExponentialBuckets(8, 2, 8),
		}, []string{"kind"}),

		broadcastDelivered: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broadcast_delivered_total",
			Help:      "Realtime events handed to subscribers or sinks.",
		}, []string{"type"}),
		broadcastDropped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broadcast_dropped_total",
			Help:      "Realtime events dropped because a subscriber buffer was full.",
		}, []string{"type"}),
		realtimeClients: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "realtime_clients",
			Help:      "Currently connected realtime subscribers.",
		}),

		cacheRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_requests_total",
			Help:      "Tracks cache hits and misses for various caches.",
		}, []string{"cache", "result"}),
		dbPoolStats: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "db_pool_stats",
			Help:      "Current state of the database connection pool.",
		}, []string{"state"}),
		httpRequests: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by route pattern and status code.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route", "method", "code"}),
	}
}

func norm(s string) string { return strings.ToLower(strings.TrimSpace(s)) }

func (m *Metrics) SetBuildInfo(version, commit string) {
	if m == nil {
		return
	}
	m.buildInfo.WithLabelValues(version, commit).Set(1)
}
