package source

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"net"
	"net/http"
	"time"

	"github.com/kjstillabower/coverage-verifier/internal/circuitbreaker"
	"github.com/kjstillabower/coverage-verifier/internal/observability"
)

// HTTPConfig configures HTTPSource. Zero values take defaults.
type HTTPConfig struct {
	Timeout        time.Duration
	RetryAttempts  int
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
	MaxBytes       int64
	// Headers are added to every request, e.g. an artifact store token.
	Headers map[string]string
	// Breaker, when set, guards every attempt.
	Breaker *circuitbreaker.CircuitBreaker
}

// HTTPSource downloads reports over http(s) with retry, exponential backoff
// with jitter, and an optional circuit breaker.
type HTTPSource struct {
	cfg    HTTPConfig
	client *http.Client
}

// NewHTTPSource returns an HTTPSource for cfg.
func NewHTTPSource(cfg HTTPConfig) *HTTPSource {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = 3
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = 100 * time.Millisecond
	}
	if cfg.RetryMaxDelay < cfg.RetryBaseDelay {
		cfg.RetryMaxDelay = 2 * time.Second
	}
	cfg.MaxBytes = limitOrDefault(cfg.MaxBytes)
	return &HTTPSource{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}
}

// Fetch implements Source.
func (s *HTTPSource) Fetch(ctx context.Context, location string) ([]byte, error) {
	scheme := Scheme(location)
	var lastErr error

	for attempt := 0; attempt < s.cfg.RetryAttempts; attempt++ {
		if attempt > 0 {
			observability.SourceRetriesTotal.WithLabelValues(scheme).Inc()
			delay := s.calculateBackoff(attempt)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}

		var body []byte
		call := func(ctx context.Context) error {
			var err error
			body, err = s.get(ctx, location, scheme)
			return err
		}
		var err error
		if s.cfg.Breaker != nil {
			err = s.cfg.Breaker.Call(ctx, call)
		} else {
			err = call(ctx)
		}
		if err == nil {
			return body, nil
		}

		lastErr = err
		if !isRetryable(err) {
			return nil, err
		}
	}

	return nil, fmt.Errorf("exhausted retries: %w", lastErr)
}

func (s *HTTPSource) get(ctx context.Context, location, scheme string) ([]byte, error) {
	start := time.Now()

	reqCtx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, location, nil)
	if err != nil {
		observability.SourceFetchesTotal.WithLabelValues(scheme, "error").Inc()
		return nil, fmt.Errorf("%w: build request: %v", ErrUnsupportedLocation, err)
	}
	req.Header.Set("Accept", "application/xml, application/json")
	for k, v := range s.cfg.Headers {
		req.Header.Set(k, v)
	}
	if corrID := extractCorrelationID(ctx); corrID != "" {
		req.Header.Set("X-Correlation-ID", corrID)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		observability.SourceFetchesTotal.WithLabelValues(scheme, "error").Inc()
		observability.SourceFetchDuration.WithLabelValues(scheme, "error").Observe(time.Since(start).Seconds())
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return nil, fmt.Errorf("request timeout: %w", err)
		}
		return nil, fmt.Errorf("http request failed: %w", err)
	}
	defer resp.Body.Close()

	status := statusLabel(resp.StatusCode)
	observability.SourceFetchesTotal.WithLabelValues(scheme, status).Inc()
	observability.SourceFetchDuration.WithLabelValues(scheme, status).Observe(time.Since(start).Seconds())

	if err := handleErrorResponse(resp); err != nil {
		return nil, err
	}
	return readLimited(resp.Body, s.cfg.MaxBytes)
}

// calculateBackoff returns base*2^(attempt-1) capped at the max delay, plus up to 10% jitter.
func (s *HTTPSource) calculateBackoff(attempt int) time.Duration {
	delay := float64(s.cfg.RetryBaseDelay) * math.Pow(2, float64(attempt-1))
	if delay > float64(s.cfg.RetryMaxDelay) {
		delay = float64(s.cfg.RetryMaxDelay)
	}

	jitter := delay * 0.1 * rand.Float64()
	return time.Duration(delay + jitter)
}

func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, circuitbreaker.ErrOpen) || errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, ErrRateLimited) || errors.Is(err, ErrUpstreamFailure) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func handleErrorResponse(resp *http.Response) error {
	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%w: HTTP %d", ErrUnauthorized, resp.StatusCode)
	case http.StatusNotFound, http.StatusGone:
		return fmt.Errorf("%w: HTTP %d", ErrNotFound, resp.StatusCode)
	case http.StatusTooManyRequests:
		return fmt.Errorf("%w", ErrRateLimited)
	case http.StatusRequestEntityTooLarge:
		return fmt.Errorf("%w: HTTP %d", ErrTooLarge, resp.StatusCode)
	}

	if resp.StatusCode >= 500 {
		return fmt.Errorf("%w: HTTP %d", ErrUpstreamFailure, resp.StatusCode)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected response: HTTP %d", resp.StatusCode)
	}
	return nil
}

func extractCorrelationID(ctx context.Context) string {
	if corrIDVal := ctx.Value("correlation_id"); corrIDVal != nil {
		if corrID, ok := corrIDVal.(string); ok {
			return corrID
		}
	}
	return ""
}

func statusLabel(statusCode int) string {
	if statusCode >= 200 && statusCode < 300 {
		return "success"
	}
	if statusCode == 429 {
		return "rate_limited"
	}
	if statusCode >= 400 && statusCode < 500 {
		return "client_error"
	}
	if statusCode >= 500 {
		return "server_error"
	}
	return "error"
}

// BreakerFailure reports whether err means the remote end is unhealthy rather
// than the location being wrong. Use it as circuitbreaker.Config.IsFailure.
func BreakerFailure(err error) bool {
	return isRetryable(err)
}
