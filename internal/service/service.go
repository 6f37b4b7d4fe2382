// Package service runs coverage verifications: parse a report, evaluate the
// configured rules, cache the result and announce the outcome.
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kjstillabower/coverage-verifier/internal/cache"
	"github.com/kjstillabower/coverage-verifier/internal/events"
	"github.com/kjstillabower/coverage-verifier/internal/models"
	"github.com/kjstillabower/coverage-verifier/internal/observability"
	"github.com/kjstillabower/coverage-verifier/internal/report"
	"github.com/kjstillabower/coverage-verifier/internal/source"
	"github.com/kjstillabower/coverage-verifier/internal/verifier"
)

var (
	// ErrNoSource is returned by VerifySource when no report source is configured.
	ErrNoSource = errors.New("no report source configured")
	// ErrFetchFailed wraps every report source error returned by VerifySource.
	ErrFetchFailed = errors.New("report fetch failed")
)

// Verification outcome labels for metrics.
const (
	OutcomePassed        = "passed"
	OutcomeFailed        = "failed"
	OutcomeConfigError   = "config_error"
	OutcomeInvalidReport = "invalid_report"
	OutcomeSourceError   = "source_error"
	OutcomeTimeout       = "timeout"
	OutcomeCanceled      = "canceled"
)

// Outcome is the result of one verification request.
type Outcome struct {
	RunID  string
	Cached bool
	Result models.Result
	// Source is the redacted report location, empty for uploaded reports.
	Source string
}

// Options holds the optional collaborators of VerificationService.
type Options struct {
	// Cache, when nil, disables result caching.
	Cache        cache.Cache
	CacheBackend string
	CacheTTL     time.Duration
	// Source, when nil, makes VerifySource fail with ErrNoSource.
	Source source.Source
	// Publisher, when nil, drops events.
	Publisher events.Publisher
	// CoalesceTimeout bounds how long identical concurrent requests wait for a
	// shared run. Zero disables coalescing.
	CoalesceTimeout time.Duration
	Logger          *zap.Logger
}

// VerificationService orchestrates report verification using the cache-aside
// pattern around a pure rule evaluation.
type VerificationService struct {
	rules        *verifier.RuleSet
	cache        cache.Cache
	cacheBackend string
	ttl          time.Duration
	source       source.Source
	publisher    events.Publisher
	coalescer    *requestCoalescer
	logger       *zap.Logger
	now          func() time.Time
	newRunID     func() string
}

// NewVerificationService compiles rules and wires the collaborators. An invalid
// rule set is a *verifier.ConfigurationError, so misconfiguration fails at startup.
func NewVerificationService(rules []models.Rule, opts Options) (*VerificationService, error) {
	compiled, err := verifier.CompileRules(rules)
	if err != nil {
		return nil, err
	}
	if opts.Publisher == nil {
		opts.Publisher = events.NoopPublisher{}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.CacheBackend == "" {
		opts.CacheBackend = cache.BackendInMemory
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = time.Hour
	}
	var coalescer *requestCoalescer
	if opts.CoalesceTimeout > 0 {
		coalescer = newRequestCoalescer(opts.CoalesceTimeout)
	}
	return &VerificationService{
		rules:        compiled,
		cache:        opts.Cache,
		cacheBackend: opts.CacheBackend,
		ttl:          opts.CacheTTL,
		source:       opts.Source,
		publisher:    opts.Publisher,
		coalescer:    coalescer,
		logger:       opts.Logger,
		now:          time.Now,
		newRunID:     func() string { return uuid.New().String() },
	}, nil
}

// Rules returns the normalized rule set in declaration order.
func (s *VerificationService) Rules() []models.Rule {
	return s.rules.Rules()
}

// loggerFromContext returns the request-scoped logger if present, else the service logger.
func (s *VerificationService) loggerFromContext(ctx context.Context) *zap.Logger {
	if v := ctx.Value("logger"); v != nil {
		if l, ok := v.(*zap.Logger); ok && l != nil {
			return l
		}
	}
	return s.logger
}

// Verify checks an uploaded report. format is "xml", "json" or "auto"/"" to sniff.
// Parse failures wrap report.ErrInvalidReport or report.ErrUnsupportedFormat; rule
// problems are *verifier.ConfigurationError. Neither is cached.
func (s *VerificationService) Verify(ctx context.Context, data []byte, format string) (Outcome, error) {
	return s.verify(ctx, data, format, "")
}

// VerifySource fetches the report at location and verifies it.
func (s *VerificationService) VerifySource(ctx context.Context, location, format string) (Outcome, error) {
	logger := s.loggerFromContext(ctx)
	if s.source == nil {
		observability.RecordVerification(OutcomeSourceError, nil)
		return Outcome{}, ErrNoSource
	}
	redacted := source.Redact(location)
	data, err := s.source.Fetch(ctx, location)
	if err != nil {
		category := source.CategorizeError(err)
		observability.SourceErrorsTotal.WithLabelValues(string(category)).Inc()
		observability.RecordVerification(OutcomeSourceError, nil)
		logger.Warn("report fetch failed",
			zap.String("location", redacted),
			zap.String("category", string(category)),
			zap.Error(err))
		return Outcome{}, fmt.Errorf("%w: %s: %w", ErrFetchFailed, redacted, err)
	}
	logger.Debug("report fetched", zap.String("location", redacted), zap.Int("bytes", len(data)))
	return s.verify(ctx, data, format, redacted)
}

func (s *VerificationService) verify(ctx context.Context, data []byte, format, location string) (Outcome, error) {
	logger := s.loggerFromContext(ctx)
	start := s.now()

	f, err := report.ParseFormat(format)
	if err == nil && f == report.FormatAuto {
		f, err = report.DetectFormat(data)
	}
	if err != nil {
		observability.RecordVerification(OutcomeInvalidReport, nil)
		return Outcome{}, err
	}

	key, err := cache.Key(data, string(f), s.rules.Rules())
	if err != nil {
		return Outcome{}, fmt.Errorf("cache key: %w", err)
	}

	out := Outcome{RunID: s.newRunID(), Source: location}
	if result, ok := s.cacheGet(ctx, logger, key); ok {
		out.Cached = true
		out.Result = result
	} else {
		result, err := s.compute(ctx, key, data, f)
		if err != nil {
			outcome := rejectionOutcome(err)
			observability.RecordVerification(outcome, nil)
			if outcome == OutcomeTimeout || outcome == OutcomeCanceled {
				logger.Warn("verification aborted", zap.String("outcome", outcome), zap.Error(err))
			} else {
				logger.Info("verification rejected", zap.String("outcome", outcome), zap.Error(err))
			}
			return Outcome{}, err
		}
		out.Result = result
		s.cacheSet(ctx, logger, key, result)
	}

	outcome := OutcomePassed
	if !out.Result.Passed() {
		outcome = OutcomeFailed
	}
	ruleNames := make([]string, len(out.Result.Violations))
	for i, v := range out.Result.Violations {
		ruleNames[i] = v.RuleName
	}
	observability.RecordVerification(outcome, ruleNames)

	logger.Info("verification completed",
		zap.String("run_id", out.RunID),
		zap.String("outcome", outcome),
		zap.Bool("cached", out.Cached),
		zap.Int("checked", out.Result.Checked),
		zap.Int("violations", len(out.Result.Violations)),
		zap.Duration("duration", s.now().Sub(start)))

	s.publish(ctx, logger, out)
	return out, nil
}

// rejectionOutcome labels a failed computation. Deadlines and cancellations are the
// caller giving up, not a verdict on the report.
func rejectionOutcome(err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return OutcomeTimeout
	case errors.Is(err, context.Canceled):
		return OutcomeCanceled
	case verifier.IsConfigurationError(err):
		return OutcomeConfigError
	default:
		return OutcomeInvalidReport
	}
}

// compute parses and evaluates the report, coalescing identical concurrent runs.
// A request whose context is already done does not start a run.
func (s *VerificationService) compute(ctx context.Context, key string, data []byte, f report.Format) (models.Result, error) {
	if err := ctx.Err(); err != nil {
		return models.Result{}, err
	}
	run := func() (models.Result, error) {
		start := time.Now()
		defer func() { observability.VerificationDuration.Observe(time.Since(start).Seconds()) }()

		classes, err := report.Parse(data, f)
		if err != nil {
			return models.Result{}, err
		}
		observability.ReportClasses.Observe(float64(len(classes)))
		return s.rules.Verify(classes)
	}
	if s.coalescer == nil {
		return run()
	}
	result, shared, err := s.coalescer.GetOrDo(ctx, key, run)
	if shared {
		observability.CoalescedRequestsTotal.Inc()
	}
	return result, err
}

func (s *VerificationService) cacheGet(ctx context.Context, logger *zap.Logger, key string) (models.Result, bool) {
	if s.cache == nil {
		return models.Result{}, false
	}
	result, ok, err := s.cache.Get(ctx, key)
	if err != nil {
		observability.CacheErrorsTotal.WithLabelValues(s.cacheBackend, "get").Inc()
		logger.Warn("cache get failed", zap.String("backend", s.cacheBackend), zap.Error(err))
		return models.Result{}, false
	}
	if ok {
		observability.CacheHitsTotal.WithLabelValues(s.cacheBackend).Inc()
		logger.Debug("cache hit", zap.String("key", key))
	}
	return result, ok
}

func (s *VerificationService) cacheSet(ctx context.Context, logger *zap.Logger, key string, result models.Result) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Set(ctx, key, result, s.ttl); err != nil {
		observability.CacheErrorsTotal.WithLabelValues(s.cacheBackend, "set").Inc()
		logger.Warn("cache set failed", zap.String("backend", s.cacheBackend), zap.Error(err))
	}
}

// publish announces the outcome. Failures are logged, never returned: the
// verification itself succeeded.
func (s *VerificationService) publish(ctx context.Context, logger *zap.Logger, out Outcome) {
	event := events.VerificationCompleted{
		RunID:      out.RunID,
		Passed:     out.Result.Passed(),
		Cached:     out.Cached,
		Rules:      out.Result.Rules,
		Checked:    out.Result.Checked,
		Violations: out.Result.Violations,
		Source:     out.Source,
		Timestamp:  s.now().UTC(),
	}
	if err := s.publisher.Publish(ctx, event); err != nil {
		logger.Warn("event publish failed", zap.String("run_id", out.RunID), zap.Error(err))
	}
}
