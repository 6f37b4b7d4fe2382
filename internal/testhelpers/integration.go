//go:build integration
// +build integration

package testhelpers

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/kjstillabower/coverage-verifier/internal/cache"
	"github.com/kjstillabower/coverage-verifier/internal/events"
	"github.com/kjstillabower/coverage-verifier/internal/models"
	"github.com/kjstillabower/coverage-verifier/internal/observability"
	"github.com/kjstillabower/coverage-verifier/internal/service"
	"github.com/kjstillabower/coverage-verifier/internal/source"
)

// IntegrationTestConfig holds configuration for integration tests.
type IntegrationTestConfig struct {
	CacheBackend  string // "in_memory", "memcached" or "redis"
	MemcachedAddr string
	RedisAddr     string
	// NATSURL, when set, publishes verification events to a real broker.
	NATSURL string
	// Source backs VerifySource; nil leaves it unconfigured.
	Source source.Source
}

// GetIntegrationConfig loads integration test configuration from environment.
func GetIntegrationConfig(t *testing.T) IntegrationTestConfig {
	t.Helper()
	cfg := IntegrationTestConfig{
		CacheBackend:  os.Getenv("INTEGRATION_CACHE_BACKEND"),
		MemcachedAddr: os.Getenv("MEMCACHED_ADDRS"),
		RedisAddr:     os.Getenv("REDIS_ADDR"),
		NATSURL:       os.Getenv("NATS_URL"),
	}
	if cfg.MemcachedAddr == "" {
		cfg.MemcachedAddr = "localhost:11211"
	}
	if cfg.RedisAddr == "" {
		cfg.RedisAddr = "localhost:6379"
	}
	return cfg
}

// DefaultRules returns the stock rule set: full class and method coverage, 70% lines,
// with the application entry point excluded.
func DefaultRules() []models.Rule {
	exclusions := []string{"tech.ixirsii.rocket.container.RocketContainerApplication"}
	return []models.Rule{
		{Name: "class-coverage", Counter: models.CounterClass, Element: models.ElementClass, Minimum: 1.0, Excludes: exclusions},
		{Name: "method-coverage", Counter: models.CounterMethod, Element: models.ElementClass, Minimum: 1.0, Excludes: exclusions},
		{Name: "line-coverage", Counter: models.CounterLine, Element: models.ElementClass, Minimum: 0.70, Excludes: exclusions},
	}
}

// SampleJaCoCoXML is a small JaCoCo report that fails line-coverage for one class.
const SampleJaCoCoXML = `<?xml version="1.0" encoding="UTF-8" standalone="yes"?>
<report name="rocket">
  <package name="tech/ixirsii/rocket">
    <class name="tech/ixirsii/rocket/Engine">
      <counter type="LINE" missed="1" covered="9"/>
      <counter type="METHOD" missed="0" covered="4"/>
      <counter type="CLASS" missed="0" covered="1"/>
    </class>
    <class name="tech/ixirsii/rocket/Booster">
      <counter type="LINE" missed="5" covered="5"/>
      <counter type="METHOD" missed="0" covered="2"/>
      <counter type="CLASS" missed="0" covered="1"/>
    </class>
  </package>
  <package name="tech/ixirsii/rocket/container">
    <class name="tech/ixirsii/rocket/container/RocketContainerApplication">
      <counter type="LINE" missed="3" covered="0"/>
      <counter type="METHOD" missed="1" covered="0"/>
      <counter type="CLASS" missed="1" covered="0"/>
    </class>
  </package>
</report>`

// SetupIntegrationService creates a fully configured service for integration tests.
// Unreachable backends fall back to the in-memory cache and no events.
// Returns the service, its cache and a cleanup function.
func SetupIntegrationService(t *testing.T, cfg IntegrationTestConfig) (*service.VerificationService, cache.Cache, func()) {
	t.Helper()
	logger, err := observability.NewLogger()
	if err != nil {
		t.Fatalf("NewLogger() error = %v", err)
	}

	var cacheSvc cache.Cache
	closers := []func(){}

	switch cfg.CacheBackend {
	case cache.BackendMemcached:
		mc := cache.NewMemcachedCache(cfg.MemcachedAddr, 500*time.Millisecond, 2)
		if err := mc.Ping(context.Background()); err == nil {
			cacheSvc = mc
			closers = append(closers, func() { _ = mc.Close() })
			t.Logf("Using Memcached cache at %s", cfg.MemcachedAddr)
		} else {
			t.Logf("Memcached not available (%v), using in-memory cache", err)
		}
	case cache.BackendRedis:
		rc, err := cache.NewRedisCache(context.Background(), cache.RedisConfig{Addr: cfg.RedisAddr})
		if err == nil {
			cacheSvc = rc
			closers = append(closers, func() { _ = rc.Close() })
			t.Logf("Using Redis cache at %s", cfg.RedisAddr)
		} else {
			t.Logf("Redis not available (%v), using in-memory cache", err)
		}
	}
	backend := cfg.CacheBackend
	if cacheSvc == nil {
		cacheSvc = cache.NewInMemoryCache(100)
		backend = cache.BackendInMemory
	}

	var publisher events.Publisher = events.NoopPublisher{}
	if cfg.NATSURL != "" {
		p, err := events.NewNATSPublisher(events.NATSConfig{URL: cfg.NATSURL, Name: "coverage-verifier-it"}, logger)
		if err == nil {
			publisher = p
			closers = append(closers, func() { _ = p.Close() })
		} else {
			t.Logf("NATS not available (%v), events disabled", err)
		}
	}

	svc, err := service.NewVerificationService(DefaultRules(), service.Options{
		Cache:           cacheSvc,
		CacheBackend:    backend,
		CacheTTL:        5 * time.Minute,
		Publisher:       publisher,
		Source:          cfg.Source,
		CoalesceTimeout: 5 * time.Second,
		Logger:          logger,
	})
	if err != nil {
		t.Fatalf("NewVerificationService() error = %v", err)
	}

	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	return svc, cacheSvc, cleanup
}
