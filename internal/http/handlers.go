package http

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/kjstillabower/coverage-verifier/internal/circuitbreaker"
	"github.com/kjstillabower/coverage-verifier/internal/lifecycle"
	"github.com/kjstillabower/coverage-verifier/internal/models"
	"github.com/kjstillabower/coverage-verifier/internal/observability"
	"github.com/kjstillabower/coverage-verifier/internal/report"
	"github.com/kjstillabower/coverage-verifier/internal/service"
	"github.com/kjstillabower/coverage-verifier/internal/source"
	"github.com/kjstillabower/coverage-verifier/internal/traffic"
	"github.com/kjstillabower/coverage-verifier/internal/verifier"
)

// maxSourceRequestBytes bounds the JSON body of POST /verify/source.
const maxSourceRequestBytes = 64 << 10

// Verifier is the verification service as seen by the handlers.
type Verifier interface {
	Verify(ctx context.Context, data []byte, format string) (service.Outcome, error)
	VerifySource(ctx context.Context, location, format string) (service.Outcome, error)
	Rules() []models.Rule
}

// HealthConfig holds thresholds and dependency checks for the health handler.
type HealthConfig struct {
	OverloadWindow       time.Duration
	OverloadThresholdPct int
	RateLimitRPS         int
	RateLimitBurst       int // 0 when rate limiter disabled
	DegradedWindow       time.Duration
	DegradedErrorPct     int
	// Checks are dependency pings keyed by check name, e.g. "cache" or "events".
	// A failing check reports the service degraded.
	Checks map[string]func(ctx context.Context) error
	// Breaker, when set, reports the remote report source unhealthy while open.
	Breaker *circuitbreaker.CircuitBreaker
}

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	verifier         Verifier
	healthConfig     *HealthConfig
	logger           *zap.Logger
	rateLimiter      *rate.Limiter
	maxReportBytes   int64
	healthStatusMu   sync.Mutex
	healthStatusPrev string
}

// NewHandler returns a new Handler. maxReportBytes <= 0 uses source.DefaultMaxBytes.
func NewHandler(
	v Verifier,
	healthConfig *HealthConfig,
	logger *zap.Logger,
	rateLimiter *rate.Limiter,
	maxReportBytes int64,
) *Handler {
	if maxReportBytes <= 0 {
		maxReportBytes = source.DefaultMaxBytes
	}
	return &Handler{
		verifier:       v,
		healthConfig:   healthConfig,
		logger:         logger,
		rateLimiter:    rateLimiter,
		maxReportBytes: maxReportBytes,
	}
}

// verifyResponse is the body of a successful verification.
type verifyResponse struct {
	report.Document
	Source string `json:"source,omitempty"`
}

// PostVerify handles POST /verify?format=xml|json|auto. The body is the raw report.
// Without a format parameter the Content-Type picks xml or json, else the body is sniffed.
func (h *Handler) PostVerify(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxReportBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, r, http.StatusRequestEntityTooLarge, "REPORT_TOO_LARGE",
				"report exceeds "+strconv.FormatInt(h.maxReportBytes, 10)+" bytes")
			return
		}
		writeError(w, r, http.StatusBadRequest, "INVALID_REPORT", "unable to read report body")
		return
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		writeError(w, r, http.StatusBadRequest, "INVALID_REPORT", "report body is required")
		return
	}

	format := r.URL.Query().Get("format")
	if format == "" {
		format = formatFromContentType(r.Header.Get("Content-Type"))
	}

	out, err := h.verifier.Verify(r.Context(), data, format)
	if err != nil {
		writeVerifyError(w, r, err)
		return
	}
	traffic.RecordSuccess()
	h.writeOutcome(w, r, out)
}

// PostVerifySource handles POST /verify/source with body {"location": "...", "format": "..."}.
func (h *Handler) PostVerifySource(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Location string `json:"location"`
		Format   string `json:"format"`
	}
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxSourceRequestBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&body); err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_REQUEST", "body must be {\"location\": \"...\", \"format\": \"...\"}")
		return
	}
	location := strings.TrimSpace(body.Location)
	if location == "" {
		writeError(w, r, http.StatusBadRequest, "INVALID_LOCATION", "location is required")
		return
	}

	out, err := h.verifier.VerifySource(r.Context(), location, body.Format)
	if err != nil {
		writeVerifyError(w, r, err)
		return
	}
	traffic.RecordSuccess()
	h.writeOutcome(w, r, out)
}

// GetRules handles GET /rules.
func (h *Handler) GetRules(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"rules": h.verifier.Rules(),
	})
}

// writeOutcome renders the outcome as JSON, or as HTML or plain text when the
// client asks for it. A failed verification is still a 200: the request succeeded.
func (h *Handler) writeOutcome(w http.ResponseWriter, r *http.Request, out service.Outcome) {
	doc := report.NewDocument(out.RunID, out.Result, out.Cached, time.Now().UTC())
	accept := r.Header.Get("Accept")
	switch {
	case strings.Contains(accept, "text/html"):
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_ = report.WriteHTML(w, doc)
	case strings.Contains(accept, "text/plain"):
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_ = report.WriteText(w, doc)
	default:
		writeJSON(w, http.StatusOK, verifyResponse{Document: doc, Source: out.Source})
	}
}

func formatFromContentType(contentType string) string {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return ""
	}
	switch {
	case mediaType == "application/json" || strings.HasSuffix(mediaType, "+json"):
		return string(report.FormatJSON)
	case mediaType == "application/xml" || mediaType == "text/xml" || strings.HasSuffix(mediaType, "+xml"):
		return string(report.FormatJaCoCo)
	}
	return ""
}

// healthResult holds the computed health status and metadata for logging.
type healthResult struct {
	status     string
	statusCode int
	reason     string
	checks     map[string]string
}

// GetHealth handles GET /health.
func (h *Handler) GetHealth(w http.ResponseWriter, r *http.Request) {
	result := h.computeHealthStatus(r.Context())

	h.healthStatusMu.Lock()
	prev := h.healthStatusPrev
	if prev != "" && prev != result.status {
		h.logger.Info("health status transition",
			zap.String("previous_status", prev),
			zap.String("current_status", result.status),
			zap.String("reason", result.reason))
	}
	h.healthStatusPrev = result.status
	h.healthStatusMu.Unlock()

	resp := map[string]interface{}{
		"status":    result.status,
		"service":   "coverage-verifier",
		"version":   "dev",
		"checks":    result.checks,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	writeJSON(w, result.statusCode, resp)
}

// computeHealthStatus evaluates conditions in priority order:
// shutting-down > overloaded > dependency unhealthy > error rate > healthy.
func (h *Handler) computeHealthStatus(ctx context.Context) healthResult {
	checks := h.runChecks(ctx)
	if lifecycle.IsShuttingDown() {
		return healthResult{"shutting-down", http.StatusServiceUnavailable, "signal", checks}
	}
	if h.healthConfig == nil {
		return healthResult{"healthy", http.StatusOK, "", checks}
	}
	cfg := h.healthConfig

	if cfg.RateLimitRPS > 0 && cfg.OverloadWindow > 0 {
		threshold := float64(cfg.RateLimitRPS) * cfg.OverloadWindow.Seconds() * float64(cfg.OverloadThresholdPct) / 100
		if float64(traffic.RequestCount(cfg.OverloadWindow)) > threshold {
			return healthResult{"overloaded", http.StatusServiceUnavailable, "overload_threshold", checks}
		}
	}

	names := make([]string, 0, len(checks))
	for name := range checks {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if checks[name] != "healthy" {
			return healthResult{"degraded", http.StatusServiceUnavailable, name + "_unhealthy", checks}
		}
	}

	if cfg.DegradedWindow > 0 && cfg.DegradedErrorPct > 0 {
		errCount, total := traffic.ErrorRate(cfg.DegradedWindow)
		if total > 0 {
			pct := float64(errCount) * 100 / float64(total)
			if pct >= float64(cfg.DegradedErrorPct) {
				return healthResult{"degraded", http.StatusServiceUnavailable, "error_rate_breach", checks}
			}
		}
	}
	return healthResult{"healthy", http.StatusOK, "", checks}
}

// runChecks pings every configured dependency with a short deadline.
func (h *Handler) runChecks(ctx context.Context) map[string]string {
	checks := make(map[string]string)
	if h.healthConfig == nil {
		return checks
	}
	for name, ping := range h.healthConfig.Checks {
		pingCtx, cancel := context.WithTimeout(ctx, time.Second)
		err := ping(pingCtx)
		cancel()
		if err != nil {
			checks[name] = "unhealthy"
			continue
		}
		checks[name] = "healthy"
	}
	if cb := h.healthConfig.Breaker; cb != nil {
		if cb.State() == circuitbreaker.StateOpen {
			checks["reportSource"] = "unhealthy"
		} else {
			checks["reportSource"] = "healthy"
		}
	}
	return checks
}

// writeJSON writes a JSON response with the specified HTTP status code.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes an error response in the standard error format with code, message,
// and requestId (correlation ID) if available in request context.
func writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	corrID := ""
	if v, ok := r.Context().Value("correlation_id").(string); ok {
		corrID = v
	}
	writeJSON(w, status, map[string]interface{}{
		"error": map[string]string{
			"code":      code,
			"message":   message,
			"requestId": corrID,
		},
	})
}

// writeVerifyError maps service errors to status codes. Client mistakes (bad report,
// rules that do not fit it, bad location) are not counted against health; source
// outages and internal failures are.
func writeVerifyError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, report.ErrInvalidReport), errors.Is(err, report.ErrUnsupportedFormat):
		writeError(w, r, http.StatusBadRequest, "INVALID_REPORT", err.Error())
		return
	case verifier.IsConfigurationError(err):
		writeError(w, r, http.StatusUnprocessableEntity, "CONFIGURATION_ERROR", err.Error())
		return
	case errors.Is(err, source.ErrUnsupportedLocation):
		writeError(w, r, http.StatusBadRequest, "INVALID_LOCATION", err.Error())
		return
	case errors.Is(err, source.ErrNotFound):
		writeError(w, r, http.StatusNotFound, "REPORT_NOT_FOUND", err.Error())
		return
	case errors.Is(err, source.ErrTooLarge):
		writeError(w, r, http.StatusRequestEntityTooLarge, "REPORT_TOO_LARGE", err.Error())
		return
	}

	traffic.RecordError()
	logger := loggerFromRequest(r)
	switch {
	case errors.Is(err, service.ErrNoSource), errors.Is(err, service.ErrFetchFailed):
		writeError(w, r, http.StatusServiceUnavailable, "SOURCE_UNAVAILABLE", "Unable to fetch coverage report")
		logger.Debug("source error", zap.Error(err))
	case errors.Is(err, context.DeadlineExceeded):
		writeError(w, r, http.StatusServiceUnavailable, "TIMEOUT", "Verification timed out")
		logger.Debug("verification timeout", zap.Error(err))
	default:
		writeError(w, r, http.StatusInternalServerError, "INTERNAL_ERROR", "Verification failed")
		logger.Error("verification error", zap.Error(err))
	}
}

func loggerFromRequest(r *http.Request) *zap.Logger {
	if logger, ok := r.Context().Value("logger").(*zap.Logger); ok && logger != nil {
		return logger
	}
	return zap.NewNop()
}

// GetTestStatus handles GET /test. Returns current traffic window state.
func (h *Handler) GetTestStatus(w http.ResponseWriter, r *http.Request) {
	window := 60 * time.Second
	if h.healthConfig != nil && h.healthConfig.DegradedWindow > 0 {
		window = h.healthConfig.DegradedWindow
	}
	errCount, _ := traffic.ErrorRate(window)

	cfg := make(map[string]interface{})
	if h.healthConfig != nil {
		overloadThreshold := 0
		if h.healthConfig.RateLimitRPS > 0 {
			overloadThreshold = int(float64(h.healthConfig.RateLimitRPS) *
				h.healthConfig.OverloadWindow.Seconds() *
				float64(h.healthConfig.OverloadThresholdPct) / 100)
		}
		cfg["rate_limit_rps"] = h.healthConfig.RateLimitRPS
		cfg["rate_limit_burst"] = h.healthConfig.RateLimitBurst
		cfg["overload_threshold"] = overloadThreshold
		cfg["overload_window_seconds"] = h.healthConfig.OverloadWindow.Seconds()
		cfg["degraded_error_pct"] = h.healthConfig.DegradedErrorPct
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"total_requests_in_window":  traffic.RequestCount(window),
		"denied_requests_in_window": traffic.DenialCount(window),
		"errors_in_window":          errCount,
		"window_length":             window.String(),
		"config":                    cfg,
	})
}

// PostTestAction handles POST /test/{action} for load, error, reset and shutdown.
func (h *Handler) PostTestAction(w http.ResponseWriter, r *http.Request) {
	action := mux.Vars(r)["action"]
	var body struct {
		Count int `json:"count"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)

	resp := map[string]interface{}{"ok": true, "action": action}
	switch action {
	case "load":
		if body.Count <= 0 {
			body.Count = 10
		}
		accepted, denied := 0, 0
		for i := 0; i < body.Count; i++ {
			if h.rateLimiter != nil && !h.rateLimiter.Allow() {
				traffic.RecordDenied()
				observability.RateLimitDeniedTotal.Inc()
				denied++
				continue
			}
			traffic.RecordSuccess()
			accepted++
		}
		resp["accepted"] = accepted
		resp["denied"] = denied
		resp["message"] = "Recorded " + strconv.Itoa(accepted) + " accepted, " + strconv.Itoa(denied) + " denied"
	case "error":
		if body.Count <= 0 {
			body.Count = 1
		}
		for i := 0; i < body.Count; i++ {
			traffic.RecordError()
		}
		resp["message"] = "Recorded " + strconv.Itoa(body.Count) + " errors"
	case "reset":
		traffic.Reset()
		lifecycle.SetShuttingDown(false)
		resp["message"] = "All simulated state cleared"
	case "shutdown":
		lifecycle.SetShuttingDown(true)
		resp["message"] = "Shutting-down flag set"
	default:
		writeError(w, r, http.StatusNotFound, "UNKNOWN_ACTION", "unknown test action: "+action)
		return
	}
	resp["state"] = h.computeHealthStatus(r.Context()).status
	writeJSON(w, http.StatusOK, resp)
}
