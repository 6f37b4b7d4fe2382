package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/kjstillabower/coverage-verifier/internal/cache"
	"github.com/kjstillabower/coverage-verifier/internal/circuitbreaker"
	"github.com/kjstillabower/coverage-verifier/internal/config"
	"github.com/kjstillabower/coverage-verifier/internal/events"
	httphandler "github.com/kjstillabower/coverage-verifier/internal/http"
	"github.com/kjstillabower/coverage-verifier/internal/lifecycle"
	"github.com/kjstillabower/coverage-verifier/internal/observability"
	"github.com/kjstillabower/coverage-verifier/internal/service"
	"github.com/kjstillabower/coverage-verifier/internal/source"
)

func main() {
	logger, err := observability.NewLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("config", zap.Error(err))
	}
	logger.Info("rules loaded", zap.Int("rules", len(cfg.Rules)), zap.Int("exclusions", len(cfg.Exclusions)))

	var closer lifecycle.Closer
	checks := map[string]func(ctx context.Context) error{}

	breaker := circuitbreaker.New(circuitbreaker.Config{
		FailureThreshold: cfg.BreakerFailureThreshold,
		SuccessThreshold: cfg.BreakerSuccessThreshold,
		OpenTimeout:      cfg.BreakerOpenTimeout,
		Name:             "source_http",
		IsFailure:        source.BreakerFailure,
		OnStateChange: func(name string, from, to circuitbreaker.State) {
			observability.CircuitBreakerState.WithLabelValues(name).Set(float64(to))
			logger.Warn("circuit breaker transition", zap.String("breaker", name), zap.String("from", from.String()), zap.String("to", to.String()))
		},
	})
	observability.CircuitBreakerState.WithLabelValues(breaker.Name()).Set(0)

	router := &source.Router{
		HTTP: source.NewHTTPSource(source.HTTPConfig{
			Timeout:        cfg.SourceTimeout,
			RetryAttempts:  cfg.RetryAttempts,
			RetryBaseDelay: cfg.RetryBaseDelay,
			RetryMaxDelay:  cfg.RetryMaxDelay,
			MaxBytes:       cfg.MaxReportBytes,
			Headers:        cfg.SourceHeaders,
			Breaker:        breaker,
		}),
	}
	if cfg.SourceAllowFiles {
		router.File = &source.FileSource{Root: cfg.SourceFileRoot, MaxBytes: cfg.MaxReportBytes}
		logger.Info("file sources enabled", zap.String("root", cfg.SourceFileRoot))
	}
	if cfg.S3Enabled {
		s3Ctx, s3Cancel := context.WithTimeout(context.Background(), 10*time.Second)
		s3Source, err := source.NewS3Source(s3Ctx, source.S3Config{
			Region:          cfg.S3Region,
			Endpoint:        cfg.S3Endpoint,
			AccessKeyID:     cfg.S3AccessKeyID,
			SecretAccessKey: cfg.S3SecretAccessKey,
			UsePathStyle:    cfg.S3UsePathStyle,
			MaxBytes:        cfg.MaxReportBytes,
		})
		s3Cancel()
		if err != nil {
			logger.Fatal("s3 source", zap.Error(err))
		}
		router.S3 = s3Source
		logger.Info("s3 sources enabled", zap.String("region", cfg.S3Region))
	}

	var cacheSvc cache.Cache
	switch cfg.CacheBackend {
	case cache.BackendMemcached:
		mc := cache.NewMemcachedCache(cfg.MemcachedAddrs, cfg.MemcachedTimeout, cfg.MemcachedMaxIdleConns)
		closer.Add("memcached", func(context.Context) error { return mc.Close() })
		checks["cache"] = mc.Ping
		cacheSvc = mc
		logger.Info("cache backend: memcached", zap.String("addrs", cfg.MemcachedAddrs))
	case cache.BackendRedis:
		connectCtx, connectCancel := context.WithTimeout(context.Background(), 5*time.Second)
		rc, err := cache.NewRedisCache(connectCtx, cache.RedisConfig{
			Addr:         cfg.RedisAddr,
			Password:     cfg.RedisPassword,
			DB:           cfg.RedisDB,
			PoolSize:     cfg.RedisPoolSize,
			DialTimeout:  cfg.RedisTimeout,
			ReadTimeout:  cfg.RedisTimeout,
			WriteTimeout: cfg.RedisTimeout,
		})
		connectCancel()
		if err != nil {
			logger.Fatal("redis cache", zap.Error(err))
		}
		closer.Add("redis", func(context.Context) error { return rc.Close() })
		checks["cache"] = rc.Ping
		cacheSvc = rc
		logger.Info("cache backend: redis", zap.String("addr", cfg.RedisAddr))
	default:
		cacheSvc = cache.NewInMemoryCache(cfg.CacheMaxEntries)
		logger.Info("cache backend: in_memory", zap.Int("max_entries", cfg.CacheMaxEntries))
	}

	var publisher events.Publisher = events.NoopPublisher{}
	var flushers []observability.Flusher
	if cfg.NATSEnabled {
		p, err := events.NewNATSPublisher(events.NATSConfig{URL: cfg.NATSURL, Subject: cfg.NATSSubject}, logger)
		if err != nil {
			logger.Fatal("nats publisher", zap.Error(err))
		}
		closer.Add("nats", func(context.Context) error { return p.Close() })
		checks["events"] = p.Ping
		flushers = append(flushers, p)
		publisher = p
	}

	verificationService, err := service.NewVerificationService(cfg.Rules, service.Options{
		Cache:           cacheSvc,
		CacheBackend:    cfg.CacheBackend,
		CacheTTL:        cfg.CacheTTL,
		Source:          router,
		Publisher:       publisher,
		CoalesceTimeout: cfg.CoalesceTimeout,
		Logger:          logger,
	})
	if err != nil {
		logger.Fatal("verification rules", zap.Error(err))
	}

	healthConfig := &httphandler.HealthConfig{
		OverloadWindow:       cfg.OverloadWindow,
		OverloadThresholdPct: cfg.OverloadThresholdPct,
		RateLimitRPS:         cfg.RateLimitRPS,
		RateLimitBurst:       cfg.RateLimitBurst,
		DegradedWindow:       cfg.DegradedWindow,
		DegradedErrorPct:     cfg.DegradedErrorPct,
		Checks:               checks,
		Breaker:              breaker,
	}

	var limiter *rate.Limiter
	if cfg.RateLimitRPS > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimitRPS), cfg.RateLimitBurst)
	}
	observability.RegisterRateLimitGauges(cfg.OverloadWindow)

	handler := httphandler.NewHandler(verificationService, healthConfig, logger, limiter, cfg.MaxReportBytes)
	httpRouter := httphandler.NewRouter(handler, logger, httphandler.RouterConfig{
		Limiter:        limiter,
		RequestTimeout: cfg.RequestTimeout,
		TestingMode:    cfg.TestingMode,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           httpRouter,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       cfg.RequestTimeout,
		WriteTimeout:      cfg.RequestTimeout + 5*time.Second,
	}

	go func() {
		logger.Info("server starting", zap.String("addr", ":"+cfg.ServerPort))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server", zap.Error(err))
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	<-ctx.Done()
	stop()

	logger.Info("graceful shutdown triggered")
	lifecycle.SetShuttingDown(true)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", zap.Error(err))
	}

	inFlight := httphandler.InFlightCount()
	logger.Info("waiting for in-flight requests", zap.Int64("count", inFlight))
	if err := httphandler.WaitForInFlight(shutdownCtx, 50*time.Millisecond); err != nil {
		logger.Warn("in-flight requests not completed", zap.Error(err), zap.Int64("remaining", httphandler.InFlightCount()))
	}

	if err := observability.FlushTelemetry(shutdownCtx, logger, flushers...); err != nil {
		logger.Error("telemetry flush", zap.Error(err))
	}
	_ = closer.Close(shutdownCtx, logger)
	logger.Info("shutdown complete")
}
