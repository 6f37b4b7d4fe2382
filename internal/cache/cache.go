// Package cache stores verification results keyed by the content hash of the
// report and the rule set, so re-submitting the same report is free.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sync"
	"time"

	"github.com/kjstillabower/coverage-verifier/internal/models"
)

// Backend names accepted in configuration.
const (
	BackendInMemory  = "in_memory"
	BackendMemcached = "memcached"
	BackendRedis     = "redis"
)

// Cache defines the interface for result caching implementations.
// Get returns cached data if present and not expired, Set stores data with TTL.
type Cache interface {
	Get(ctx context.Context, key string) (models.Result, bool, error)
	Set(ctx context.Context, key string, value models.Result, ttl time.Duration) error
}

// Key returns the hex SHA-256 of the rule set, the report format and the raw report.
// Rules are hashed in their JSON form so any change to a threshold or pattern
// produces a new key.
func Key(report []byte, format string, rules []models.Rule) (string, error) {
	canonicalRules, err := json.Marshal(rules)
	if err != nil {
		return "", err
	}
	h := sha256.New()
	h.Write(canonicalRules)
	h.Write([]byte{0})
	h.Write([]byte(format))
	h.Write([]byte{0})
	h.Write(report)
	return hex.EncodeToString(h.Sum(nil)), nil
}

// InMemoryCache implements Cache using a mutex-guarded map with TTL-based expiration.
// Expired entries are removed on access.
type InMemoryCache struct {
	mu   sync.Mutex
	data map[string]cacheEntry
	max  int
}

type cacheEntry struct {
	value     models.Result
	expiresAt time.Time
}

// NewInMemoryCache creates an in-memory cache holding at most maxEntries results.
// maxEntries <= 0 means unbounded.
func NewInMemoryCache(maxEntries int) *InMemoryCache {
	return &InMemoryCache{
		data: make(map[string]cacheEntry),
		max:  maxEntries,
	}
}

// Get retrieves the cached result for key if present and not expired.
func (c *InMemoryCache) Get(ctx context.Context, key string) (models.Result, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.data[key]
	if !ok {
		return models.Result{}, false, nil
	}
	if time.Now().After(entry.expiresAt) {
		delete(c.data, key)
		return models.Result{}, false, nil
	}
	return cloneResult(entry.value), true, nil
}

// Set stores a result with the specified TTL. When the cache is full, expired
// entries are dropped first, then the entry closest to expiry.
func (c *InMemoryCache) Set(ctx context.Context, key string, value models.Result, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.data[key]; !exists && c.max > 0 && len(c.data) >= c.max {
		c.evictLocked(time.Now())
	}
	c.data[key] = cacheEntry{
		value:     cloneResult(value),
		expiresAt: time.Now().Add(ttl),
	}
	return nil
}

// Len returns the number of stored entries, expired ones included.
func (c *InMemoryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.data)
}

func (c *InMemoryCache) evictLocked(now time.Time) {
	var oldestKey string
	var oldest time.Time
	for k, e := range c.data {
		if now.After(e.expiresAt) {
			delete(c.data, k)
			continue
		}
		if oldestKey == "" || e.expiresAt.Before(oldest) {
			oldestKey, oldest = k, e.expiresAt
		}
	}
	if len(c.data) >= c.max && oldestKey != "" {
		delete(c.data, oldestKey)
	}
}

// cloneResult copies the violation slice so callers cannot mutate cached state.
func cloneResult(r models.Result) models.Result {
	out := r
	out.Violations = make([]models.Violation, len(r.Violations))
	copy(out.Violations, r.Violations)
	return out
}
