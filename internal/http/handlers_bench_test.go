package http

import (
	"context"
	"fmt"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/kjstillabower/coverage-verifier/internal/cache"
	"github.com/kjstillabower/coverage-verifier/internal/models"
	"github.com/kjstillabower/coverage-verifier/internal/service"
)

// benchmarkReport builds a JSON report with n classes spread across ten packages.
func benchmarkReport(n int) string {
	var b strings.Builder
	b.WriteString(`{"classes":[`)
	for i := 0; i < n; i++ {
		if i > 0 {
			b.WriteByte(',')
		}
		fmt.Fprintf(&b, `{"name":"com.example.p%d.C%d","counters":{"LINE":{"covered":%d,"total":20},"METHOD":{"covered":4,"total":4},"CLASS":{"covered":1,"total":1}}}`,
			i%10, i, 10+i%11)
	}
	b.WriteString(`]}`)
	return b.String()
}

// setupBenchmarkHandler creates a handler over the real service for benchmarking.
func setupBenchmarkHandler(b *testing.B, c cache.Cache) *Handler {
	b.Helper()
	svc, err := service.NewVerificationService([]models.Rule{
		{Name: "classes", Counter: models.CounterClass, Element: models.ElementClass, Minimum: 1},
		{Name: "lines", Counter: models.CounterLine, Element: models.ElementClass, Minimum: 0.7},
		{Name: "packages", Counter: models.CounterLine, Element: models.ElementPackage, Minimum: 0.7},
	}, service.Options{Cache: c, CacheTTL: 5 * time.Minute})
	if err != nil {
		b.Fatalf("NewVerificationService() error = %v", err)
	}
	return NewHandler(svc, nil, zap.NewNop(), nil, 0)
}

func benchmarkVerify(b *testing.B, handler *Handler, body string) {
	b.Helper()
	b.ReportAllocs()
	b.SetBytes(int64(len(body)))
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		req := httptest.NewRequest("POST", "/verify?format=json", strings.NewReader(body))
		req = req.WithContext(context.WithValue(req.Context(), "correlation_id", "bench-id"))
		w := httptest.NewRecorder()
		handler.PostVerify(w, req)
		if w.Code != 200 {
			b.Fatalf("status = %d", w.Code)
		}
	}
}

// BenchmarkHandler_PostVerify_Uncached measures parse + verify for a 1000-class report.
func BenchmarkHandler_PostVerify_Uncached(b *testing.B) {
	benchmarkVerify(b, setupBenchmarkHandler(b, nil), benchmarkReport(1000))
}

// BenchmarkHandler_PostVerify_CacheHit measures the cache-aside fast path.
func BenchmarkHandler_PostVerify_CacheHit(b *testing.B) {
	benchmarkVerify(b, setupBenchmarkHandler(b, cache.NewInMemoryCache(10)), benchmarkReport(1000))
}

// BenchmarkHandler_GetHealth benchmarks the health endpoint without checks.
func BenchmarkHandler_GetHealth(b *testing.B) {
	handler := NewHandler(&mockVerifier{}, &HealthConfig{DegradedWindow: time.Minute, DegradedErrorPct: 5}, zap.NewNop(), nil, 0)
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		handler.GetHealth(httptest.NewRecorder(), httptest.NewRequest("GET", "/health", nil))
	}
}
