package proxy

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics owns the prometheus registry and every instrument the pipeline
// emits into. Constructed once and passed by reference, never global, so
// tests can spin up isolated instances.
type Metrics struct {
	registry *prometheus.Registry

	RequestsTotal     *prometheus.CounterVec
	RequestDuration   *prometheus.HistogramVec
	ActiveConnections prometheus.Gauge
	ActiveStreams     prometheus.Gauge
	UpstreamErrors    *prometheus.CounterVec
	RateLimitHits     *prometheus.CounterVec
	CacheHits         prometheus.Counter
	CacheMisses       prometheus.Counter
	PromptTokens      prometheus.Counter
	CompletionTokens  prometheus.Counter
}

func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "o2o_requests_total",
			Help: "Requests handled, by endpoint and status code.",
		}, []string{"endpoint", "status"}),
		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "o2o_request_duration_seconds",
			Help:    "Request duration in seconds, by endpoint.",
			Buckets: prometheus.DefBuckets,
		}, []string{"endpoint"}),
		ActiveConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "o2o_active_connections",
			Help: "In-flight HTTP requests.",
		}),
		ActiveStreams: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "o2o_active_streams",
			Help: "In-flight SSE relays.",
		}),
		UpstreamErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "o2o_upstream_errors_total",
			Help: "Upstream failures, by class (http, transport, timeout).",
		}, []string{"class"}),
		RateLimitHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "o2o_rate_limit_hits_total",
			Help: "Denied requests, by window (global, ip, token).",
		}, []string{"window"}),
		CacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "o2o_cache_hits_total",
			Help: "Response cache hits.",
		}),
		CacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "o2o_cache_misses_total",
			Help: "Response cache misses.",
		}),
		PromptTokens: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "o2o_prompt_tokens_total",
			Help: "Prompt tokens accounted across all requests.",
		}),
		CompletionTokens: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "o2o_completion_tokens_total",
			Help: "Completion tokens accounted across all requests.",
		}),
	}

	reg.MustRegister(
		m.RequestsTotal, m.RequestDuration,
		m.ActiveConnections, m.ActiveStreams,
		m.UpstreamErrors, m.RateLimitHits,
		m.CacheHits, m.CacheMisses,
		m.PromptTokens, m.CompletionTokens,
	)
	return m
}

// Handler serves the /metrics exposition endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
