// Package observability provides Prometheus metrics, admin probe endpoints,
// structured logging, and OpenTelemetry tracing for KnowGate.
package observability

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds both Prometheus collectors and atomic counters for
// fast-path access in the request pipeline.
type Metrics struct {
	// Atomic counters for the hot path (no mutex, no allocation).
	allowed      int64
	limited      int64
	cacheHits    int64
	cacheMisses  int64
	redisErrors  int64
	fallbackUsed int64

	// Prometheus counters for scraping.
	promAllowed      prometheus.Counter
	promLimited      prometheus.Counter
	promCacheHits    prometheus.Counter
	promCacheMisses  prometheus.Counter
	promCacheStale   prometheus.Counter
	promRedisErrors  prometheus.Counter
	promFallbackUsed prometheus.Counter

	// Per-dependency collectors. Dependency names are a small fixed set
	// from config, so labels are safe from cardinality explosions.
	promDependencyRequests *prometheus.CounterVec
	promDependencyLatency  *prometheus.HistogramVec
	promDependencyRetries  *prometheus.CounterVec
	promBreakerState       *prometheus.GaugeVec
	promBreakerTransitions *prometheus.CounterVec
	promProbeLatency       *prometheus.HistogramVec
	promResolved           *prometheus.CounterVec
	promResolveFailures    *prometheus.CounterVec

	// Request duration on the inbound surface.
	PromRequestDuration *prometheus.HistogramVec

	promEventsDropped prometheus.Counter

	// Remaining-quota distribution (histogram, not per-key gauge, so
	// high-cardinality subjects like IPs cannot blow up the series count).
	PromRLRemaining prometheus.Histogram
}

// NewMetrics creates and registers the gateway's Prometheus metrics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	factory := promauto.With(reg)

	m := &Metrics{
		promAllowed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "knowgate",
			Name:      "requests_allowed_total",
			Help:      "Total number of requests that passed rate limiting.",
		}),
		promLimited: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "knowgate",
			Name:      "requests_limited_total",
			Help:      "Total number of requests rejected by rate limiting.",
		}),
		promCacheHits: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "knowgate",
			Name:      "cache_hits_total",
			Help:      "Total number of response cache hits.",
		}),
		promCacheMisses: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "knowgate",
			Name:      "cache_misses_total",
			Help:      "Total number of response cache misses.",
		}),
		promCacheStale: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "knowgate",
			Name:      "cache_stale_total",
			Help:      "Total number of cache entries found expired on read.",
		}),
		promRedisErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "knowgate",
			Name:      "redis_errors_total",
			Help:      "Total number of Redis errors encountered.",
		}),
		promFallbackUsed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "knowgate",
			Name:      "fallback_used_total",
			Help:      "Total number of rate-limit checks served by the in-memory fallback.",
		}),
		promDependencyRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "knowgate",
			Name:      "dependency_requests_total",
			Help:      "Total downstream requests per dependency and outcome.",
		}, []string{"dependency", "outcome"}),
		promDependencyLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "knowgate",
			Name:      "dependency_request_duration_seconds",
			Help:      "Downstream request duration per dependency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"dependency"}),
		promDependencyRetries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "knowgate",
			Name:      "dependency_retries_total",
			Help:      "Total retry attempts per dependency.",
		}, []string{"dependency"}),
		promBreakerState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "knowgate",
			Name:      "circuit_breaker_state",
			Help:      "Circuit breaker state per dependency (0=closed, 1=half-open, 2=open).",
		}, []string{"dependency"}),
		promBreakerTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "knowgate",
			Name:      "circuit_breaker_transitions_total",
			Help:      "Circuit breaker state transitions per dependency and target state.",
		}, []string{"dependency", "to"}),
		promProbeLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "knowgate",
			Name:      "health_probe_duration_seconds",
			Help:      "Health probe duration per dependency.",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		}, []string{"dependency"}),
		promResolved: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "knowgate",
			Name:      "registry_resolutions_total",
			Help:      "Successful service registry resolutions per service.",
		}, []string{"service"}),
		promResolveFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "knowgate",
			Name:      "registry_resolve_failures_total",
			Help:      "Registry resolutions that found no healthy instance, per service.",
		}, []string{"service"}),
		PromRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "knowgate",
			Name:      "request_duration_seconds",
			Help:      "Inbound request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route", "status_code"}),
		PromRLRemaining: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "knowgate",
			Name:      "ratelimit_remaining_quota",
			Help:      "Distribution of remaining quota across rate-limit checks.",
			Buckets:   []float64{0, 1, 5, 10, 25, 50, 100, 250, 500, 1000},
		}),
		promEventsDropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "knowgate",
			Name:      "events_dropped_total",
			Help:      "Total gateway events dropped because the emitter buffer was full.",
		}),
	}

	return m
}

// IncEventsDropped counts an event discarded by a full emitter buffer.
func (m *Metrics) IncEventsDropped() {
	m.promEventsDropped.Inc()
}

// IncAllowed increments the allowed requests counter.
func (m *Metrics) IncAllowed() {
	atomic.AddInt64(&m.allowed, 1)
	m.promAllowed.Inc()
}

// IncLimited increments the rate-limited requests counter.
func (m *Metrics) IncLimited() {
	atomic.AddInt64(&m.limited, 1)
	m.promLimited.Inc()
}

// IncCacheHit increments the cache hit counter.
func (m *Metrics) IncCacheHit() {
	atomic.AddInt64(&m.cacheHits, 1)
	m.promCacheHits.Inc()
}

// IncCacheMiss increments the cache miss counter.
func (m *Metrics) IncCacheMiss() {
	atomic.AddInt64(&m.cacheMisses, 1)
	m.promCacheMisses.Inc()
}

// IncCacheStale increments the stale-entry counter.
func (m *Metrics) IncCacheStale() {
	m.promCacheStale.Inc()
}

// IncRedisErrors increments the Redis error counter.
func (m *Metrics) IncRedisErrors() {
	atomic.AddInt64(&m.redisErrors, 1)
	m.promRedisErrors.Inc()
}

// IncFallbackUsed increments the fallback usage counter.
func (m *Metrics) IncFallbackUsed() {
	atomic.AddInt64(&m.fallbackUsed, 1)
	m.promFallbackUsed.Inc()
}

// RecordDependencyRequest records one downstream call outcome ("success",
// "failure", "rejected") and its duration.
func (m *Metrics) RecordDependencyRequest(dependency, outcome string, seconds float64) {
	m.promDependencyRequests.WithLabelValues(dependency, outcome).Inc()
	m.promDependencyLatency.WithLabelValues(dependency).Observe(seconds)
}

// IncDependencyRetry increments the retry counter for a dependency.
func (m *Metrics) IncDependencyRetry(dependency string) {
	m.promDependencyRetries.WithLabelValues(dependency).Inc()
}

// SetBreakerState publishes the breaker state gauge for a dependency.
func (m *Metrics) SetBreakerState(dependency string, state float64) {
	m.promBreakerState.WithLabelValues(dependency).Set(state)
}

// IncBreakerTransition counts a breaker transition into the given state.
func (m *Metrics) IncBreakerTransition(dependency, to string) {
	m.promBreakerTransitions.WithLabelValues(dependency, to).Inc()
}

// ObserveProbeLatency records a health probe duration.
func (m *Metrics) ObserveProbeLatency(dependency string, seconds float64) {
	m.promProbeLatency.WithLabelValues(dependency).Observe(seconds)
}

// IncResolved counts a successful registry resolution.
func (m *Metrics) IncResolved(service string) {
	m.promResolved.WithLabelValues(service).Inc()
}

// IncResolveFailure counts a resolution that found no healthy instance.
func (m *Metrics) IncResolveFailure(service string) {
	m.promResolveFailures.WithLabelValues(service).Inc()
}

// ObserveRemaining records the remaining quota as a histogram observation.
func (m *Metrics) ObserveRemaining(remaining int64) {
	m.PromRLRemaining.Observe(float64(remaining))
}

// MetricsSnapshot holds a point-in-time copy of the atomic counters.
type MetricsSnapshot struct {
	Allowed      int64
	Limited      int64
	CacheHits    int64
	CacheMisses  int64
	RedisErrors  int64
	FallbackUsed int64
}

// Snapshot returns the current counter values.
func (m *Metrics) Snapshot() MetricsSnapshot {
	return MetricsSnapshot{
		Allowed:      atomic.LoadInt64(&m.allowed),
		Limited:      atomic.LoadInt64(&m.limited),
		CacheHits:    atomic.LoadInt64(&m.cacheHits),
		CacheMisses:  atomic.LoadInt64(&m.cacheMisses),
		RedisErrors:  atomic.LoadInt64(&m.redisErrors),
		FallbackUsed: atomic.LoadInt64(&m.fallbackUsed),
	}
}
