package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kjstillabower/coverage-verifier/internal/traffic"
)

var (
	registry *prometheus.Registry

	// HTTP request rate. Watch for: sudden drops (service down) or spikes (CI fan-out).
	HTTPRequestsTotal *prometheus.CounterVec

	// HTTP request latency per request. Watch for: p95 growth on large reports.
	HTTPRequestDuration *prometheus.HistogramVec

	// Concurrent requests in flight. Watch for: saturation, capacity limits.
	HTTPRequestsInFlight prometheus.Gauge

	// Verification runs by outcome (passed, failed, config_error, invalid_report, source_error,
	// timeout, canceled).
	// Watch for: config_error after a rules change.
	VerificationsTotal *prometheus.CounterVec

	// Violations per rule. Watch for: one rule dominating failed builds.
	ViolationsTotal *prometheus.CounterVec

	// Parse + verify latency, cache hits excluded.
	VerificationDuration prometheus.Histogram

	// Classes per verified report. Watch for: sudden drops (partial report uploaded).
	ReportClasses prometheus.Histogram

	// Requests that waited on an identical in-flight verification instead of running their own.
	CoalescedRequestsTotal prometheus.Counter

	// Cache hits by backend. Misses = verificationsTotal - cacheHitsTotal.
	CacheHitsTotal *prometheus.CounterVec

	// Cache backend errors by operation. Watch for: memcached/redis outages.
	CacheErrorsTotal *prometheus.CounterVec

	// Remote report fetches by scheme and status.
	SourceFetchesTotal *prometheus.CounterVec

	// Remote fetch latency. Watch for: p95 > 2s (artifact store degradation).
	SourceFetchDuration *prometheus.HistogramVec

	// Retry attempts for remote fetches. Watch for: high retries = unstable artifact store.
	SourceRetriesTotal *prometheus.CounterVec

	// Fetch errors by category (timeout, network, not_found, rate_limited, upstream_5xx, ...).
	SourceErrorsTotal *prometheus.CounterVec

	// Circuit breaker state per breaker: 0 closed, 1 open, 2 half-open.
	CircuitBreakerState *prometheus.GaugeVec

	// Verification events published by status (success, error).
	EventsPublishedTotal *prometheus.CounterVec

	// Rate limit denials. Watch for: overload, capacity exceeded.
	RateLimitDeniedTotal prometheus.Counter

	rateLimitGaugesOnce sync.Once
)

func init() {
	registry = prometheus.NewRegistry()

	registry.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)

	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "httpRequestsTotal",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "statusCode"},
	)
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "httpRequestDurationSeconds",
			Help:    "HTTP request latency in seconds (per request)",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)
	HTTPRequestsInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "httpRequestsInFlight",
			Help: "Number of HTTP requests currently being served",
		},
	)
	VerificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "verificationsTotal",
			Help: "Total number of verification runs by outcome",
		},
		[]string{"outcome"},
	)
	ViolationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "violationsTotal",
			Help: "Total number of coverage rule violations by rule",
		},
		[]string{"rule"},
	)
	VerificationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "verificationDurationSeconds",
			Help:    "Report parse and rule evaluation latency in seconds",
			Buckets: []float64{.001, .005, .01, .05, .1, .25, .5, 1, 2.5},
		},
	)
	ReportClasses = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "reportClasses",
			Help:    "Number of classes per verified coverage report",
			Buckets: prometheus.ExponentialBuckets(10, 4, 7),
		},
	)
	CoalescedRequestsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "coalescedRequestsTotal",
			Help: "Total number of verification requests served by an identical in-flight run",
		},
	)
	CacheHitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cacheHitsTotal",
			Help: "Total number of result cache hits. Cache misses = verificationsTotal - cacheHitsTotal.",
		},
		[]string{"backend"},
	)
	CacheErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cacheErrorsTotal",
			Help: "Total number of result cache backend errors",
		},
		[]string{"backend", "op"},
	)
	SourceFetchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sourceFetchesTotal",
			Help: "Total number of remote coverage report fetches",
		},
		[]string{"scheme", "status"},
	)
	SourceFetchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sourceFetchDurationSeconds",
			Help:    "Remote coverage report fetch latency in seconds (per attempt)",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"scheme", "status"},
	)
	SourceRetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sourceRetriesTotal",
			Help: "Total number of retry attempts for remote report fetches",
		},
		[]string{"scheme"},
	)
	SourceErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sourceErrorsTotal",
			Help: "Total number of failed report fetches by error category",
		},
		[]string{"category"},
	)
	CircuitBreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuitBreakerState",
			Help: "Circuit breaker state (0 closed, 1 open, 2 half-open)",
		},
		[]string{"breaker"},
	)
	EventsPublishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eventsPublishedTotal",
			Help: "Total number of verification events published",
		},
		[]string{"status"},
	)
	RateLimitDeniedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "rateLimitDeniedTotal",
			Help: "Total number of requests denied by rate limiter (429)",
		},
	)

	registry.MustRegister(
		HTTPRequestsTotal, HTTPRequestDuration, HTTPRequestsInFlight,
		VerificationsTotal, ViolationsTotal, VerificationDuration, ReportClasses, CoalescedRequestsTotal,
		CacheHitsTotal, CacheErrorsTotal,
		SourceFetchesTotal, SourceFetchDuration, SourceRetriesTotal, SourceErrorsTotal,
		CircuitBreakerState,
		EventsPublishedTotal,
		RateLimitDeniedTotal,
	)
}

// RegisterRateLimitGauges registers load and rejects gauges for the rate-limited path.
// Call from main after config load with the health window.
func RegisterRateLimitGauges(window time.Duration) {
	rateLimitGaugesOnce.Do(func() {
		registry.MustRegister(
			prometheus.NewGaugeFunc(
				prometheus.GaugeOpts{
					Name: "rateLimitRequestsInWindow",
					Help: "Requests hitting rate-limited path in sliding window; load/capacity planning",
				},
				func() float64 { return float64(traffic.RequestCount(window)) },
			),
			prometheus.NewGaugeFunc(
				prometheus.GaugeOpts{
					Name: "rateLimitRejectsInWindow",
					Help: "429 responses in sliding window; are we rejecting requests",
				},
				func() float64 { return float64(traffic.DenialCount(window)) },
			),
		)
	})
}

// RecordVerification records one finished verification run.
// ruleNames holds the rule name of each violation, duplicates included.
func RecordVerification(outcome string, ruleNames []string) {
	VerificationsTotal.WithLabelValues(outcome).Inc()
	for _, name := range ruleNames {
		ViolationsTotal.WithLabelValues(name).Inc()
	}
}

// MetricsHandler returns an http.Handler that serves application and runtime metrics.
func MetricsHandler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
