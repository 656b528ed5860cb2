// Package metrics defines the Prometheus counters and histograms the proxy
// exposes over /metrics.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds every metric the proxy records. Request, response, error,
// latency and cache metrics are labeled by repo key ("namespace/name") and,
// where relevant, request kind ("info-refs", "upload-pack"); mirror
// operation metrics are labeled by the mirror's filesystem path and the
// operation.
type Metrics struct {
	RequestsTotal   *prometheus.CounterVec
	ResponsesTotal  *prometheus.CounterVec
	ErrorsTotal     *prometheus.CounterVec
	MirrorOpsTotal  *prometheus.CounterVec
	MirrorLatency   *prometheus.HistogramVec
	UpstreamLatency *prometheus.HistogramVec
	CacheHits       *prometheus.CounterVec
	CacheMisses     *prometheus.CounterVec
}

// New builds the metric set and registers it with prometheus's default
// registry.
func New() *Metrics {
	return newMetrics(prometheus.DefaultRegisterer)
}

// NewUnregistered builds the metric set without registering it anywhere;
// used by tests that construct multiple Server instances in one process.
func NewUnregistered() *Metrics {
	return newMetrics(nil)
}

func newMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "git_smart_proxy_requests_total",
			Help: "requests received, by repo and kind",
		}, []string{"repo", "kind"}),
		ResponsesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "git_smart_proxy_responses_total",
			Help: "responses sent, by repo, kind and status",
		}, []string{"repo", "kind", "status"}),
		ErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "git_smart_proxy_errors_total",
			Help: "errors by repo and kind",
		}, []string{"repo", "kind"}),
		MirrorOpsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "git_smart_proxy_mirror_operations_total",
			Help: "mirror lifecycle operations, by repo and operation (clone, refresh, maintain)",
		}, []string{"repo", "operation"}),
		MirrorLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "git_smart_proxy_mirror_operation_seconds",
			Help:    "latency of mirror lifecycle operations",
			Buckets: prometheus.DefBuckets,
		}, []string{"repo", "operation"}),
		UpstreamLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "git_smart_proxy_upstream_seconds",
			Help:    "latency of full request handling, including subprocess time",
			Buckets: prometheus.DefBuckets,
		}, []string{"repo", "kind"}),
		CacheHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "git_smart_proxy_cache_hits_total",
			Help: "legacy-frontend cache hits, by repo and cache",
		}, []string{"repo", "cache"}),
		CacheMisses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "git_smart_proxy_cache_misses_total",
			Help: "legacy-frontend cache misses, by repo and cache",
		}, []string{"repo", "cache"}),
	}

	if reg != nil {
		reg.MustRegister(
			m.RequestsTotal,
			m.ResponsesTotal,
			m.ErrorsTotal,
			m.MirrorOpsTotal,
			m.MirrorLatency,
			m.UpstreamLatency,
			m.CacheHits,
			m.CacheMisses,
		)
	}
	return m
}
