package observability

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

// TestMetrics_Usable verifies that all Prometheus metrics can be used without
// panic, ensuring label dimensions match usage across source, http, service, and cache packages.
func TestMetrics_Usable(t *testing.T) {
	// Route uses path template to avoid cardinality
	HTTPRequestsTotal.WithLabelValues("POST", "/verify", "2xx").Inc()
	HTTPRequestDuration.WithLabelValues("POST", "/verify").Observe(0.01)
	VerificationDuration.Observe(0.002)
	ReportClasses.Observe(120)
	CacheHitsTotal.WithLabelValues("in_memory").Inc()
	CacheErrorsTotal.WithLabelValues("redis", "get").Inc()
	SourceFetchesTotal.WithLabelValues("https", "success").Inc()
	SourceFetchDuration.WithLabelValues("https", "success").Observe(0.1)
	SourceRetriesTotal.WithLabelValues("https").Inc()
	SourceErrorsTotal.WithLabelValues("timeout").Inc()
	CircuitBreakerState.WithLabelValues("source_http").Set(1)
	EventsPublishedTotal.WithLabelValues("success").Inc()
}

// TestRecordVerification verifies that outcomes and per-rule violations are counted.
func TestRecordVerification(t *testing.T) {
	before := testutil.ToFloat64(ViolationsTotal.WithLabelValues("line-coverage"))
	beforeRuns := testutil.ToFloat64(VerificationsTotal.WithLabelValues("failed"))

	RecordVerification("failed", []string{"line-coverage", "line-coverage", "method-coverage"})

	if got := testutil.ToFloat64(ViolationsTotal.WithLabelValues("line-coverage")) - before; got != 2 {
		t.Errorf("violationsTotal{rule=line-coverage} delta = %v, want 2", got)
	}
	if got := testutil.ToFloat64(VerificationsTotal.WithLabelValues("failed")) - beforeRuns; got != 1 {
		t.Errorf("verificationsTotal{outcome=failed} delta = %v, want 1", got)
	}
}

// TestRegisterRateLimitGauges_Idempotent verifies repeated registration does not panic.
func TestRegisterRateLimitGauges_Idempotent(t *testing.T) {
	RegisterRateLimitGauges(time.Minute)
	RegisterRateLimitGauges(time.Minute)
}

// TestMetricsHandler_ServesPrometheusFormat verifies that MetricsHandler serves
// Prometheus text exposition format with correct HTTP status and metric output.
func TestMetricsHandler_ServesPrometheusFormat(t *testing.T) {
	HTTPRequestsTotal.WithLabelValues("GET", "/health", "2xx").Inc()
	handler := MetricsHandler()
	req := httptest.NewRequest("GET", "/metrics", nil)
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("MetricsHandler status = %d, want 200", w.Code)
	}
	body := w.Body.String()
	if !strings.Contains(body, "httpRequestsTotal") {
		t.Error("MetricsHandler response should contain metric output")
	}
}
