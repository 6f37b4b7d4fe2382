package cache

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/bradfitz/gomemcache/memcache"

	"github.com/kjstillabower/coverage-verifier/internal/models"
)

const keyPrefix = "coverage:result:"

// Expirations above 30 days are read by memcached as absolute unix times.
const maxRelativeExp = 30 * 24 * 60 * 60

// MemcachedCache implements Cache using memcached. gomemcache has no context
// support, so ctx is only checked before each call.
type MemcachedCache struct {
	client *memcache.Client
	now    func() time.Time
}

// NewMemcachedCache creates a MemcachedCache. addrs is a comma-separated server
// list such as "host1:11211,host2:11211". Zero timeout or maxIdleConns keep the
// client defaults.
func NewMemcachedCache(addrs string, timeout time.Duration, maxIdleConns int) *MemcachedCache {
	servers := parseAddrs(addrs)
	if len(servers) == 0 {
		servers = []string{"localhost:11211"}
	}
	client := memcache.New(servers...)
	if timeout > 0 {
		client.Timeout = timeout
	}
	if maxIdleConns > 0 {
		client.MaxIdleConns = maxIdleConns
	}
	return &MemcachedCache{client: client, now: time.Now}
}

func parseAddrs(s string) []string {
	var out []string
	for _, a := range strings.Split(s, ",") {
		if a = strings.TrimSpace(a); a != "" {
			out = append(out, a)
		}
	}
	return out
}

// Get implements Cache.
func (c *MemcachedCache) Get(ctx context.Context, key string) (models.Result, bool, error) {
	if err := ctx.Err(); err != nil {
		return models.Result{}, false, err
	}
	item, err := c.client.Get(keyPrefix + key)
	switch {
	case errors.Is(err, memcache.ErrCacheMiss):
		return models.Result{}, false, nil
	case err != nil:
		return models.Result{}, false, fmt.Errorf("memcached get: %w", err)
	}
	return decodeResult(item.Value)
}

// Set implements Cache.
func (c *MemcachedCache) Set(ctx context.Context, key string, value models.Result, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	raw, err := encodeResult(value)
	if err != nil {
		return err
	}
	if err := c.client.Set(&memcache.Item{
		Key:        keyPrefix + key,
		Value:      raw,
		Expiration: memcachedExpiration(ttl, c.now()),
	}); err != nil {
		return fmt.Errorf("memcached set: %w", err)
	}
	return nil
}

// memcachedExpiration rounds ttl up to whole seconds. A non-positive ttl means one
// hour; anything past 30 days becomes an absolute timestamp.
func memcachedExpiration(ttl time.Duration, now time.Time) int32 {
	if ttl <= 0 {
		ttl = time.Hour
	}
	secs := int64(math.Ceil(ttl.Seconds()))
	if secs > maxRelativeExp {
		return int32(now.Add(ttl).Unix())
	}
	return int32(secs)
}

// Ping checks that every server answers. Used by /health.
func (c *MemcachedCache) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.client.Ping()
}

// Close releases idle connections. Call during shutdown.
func (c *MemcachedCache) Close() error {
	return c.client.Close()
}
