package signals

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mbd888/sentinel/internal/metrics"
)

// Cache stores provider answers between screenings.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Ping(ctx context.Context) error
}

// MemoryCache is an in-process Cache with per-entry expiry.
type MemoryCache struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	now     func() time.Time
}

type memoryEntry struct {
	value     []byte
	expiresAt time.Time
}

// NewMemoryCache creates an empty in-memory cache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{entries: make(map[string]memoryEntry), now: time.Now}
}

// Get implements Cache.
func (c *MemoryCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return nil, false, nil
	}
	if c.now().After(e.expiresAt) {
		delete(c.entries, key)
		return nil, false, nil
	}
	return append([]byte(nil), e.value...), true, nil
}

// Set implements Cache.
func (c *MemoryCache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = memoryEntry{value: append([]byte(nil), value...), expiresAt: c.now().Add(ttl)}
	return nil
}

// Ping implements Cache.
func (c *MemoryCache) Ping(context.Context) error { return nil }

// RedisCache stores provider answers in Redis so replicas share them.
type RedisCache struct {
	client *redis.Client
	prefix string
}

// NewRedisCache connects using a redis:// URL and verifies the connection.
func NewRedisCache(ctx context.Context, redisURL string) (*RedisCache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return &RedisCache{client: client, prefix: "sentinel"}, nil
}

// NewRedisCacheFromClient wraps an existing client.
func NewRedisCacheFromClient(client *redis.Client) *RedisCache {
	return &RedisCache{client: client, prefix: "sentinel"}
}

func (r *RedisCache) key(k string) string { return r.prefix + ":" + k }

// Get implements Cache.
func (r *RedisCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	b, err := r.client.Get(ctx, r.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return b, true, nil
}

// Set implements Cache.
func (r *RedisCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return r.client.Set(ctx, r.key(key), value, ttl).Err()
}

// Ping implements Cache.
func (r *RedisCache) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close closes the Redis connection pool.
func (r *RedisCache) Close() error {
	return r.client.Close()
}

// CachingRiskProvider memoizes successful answers (including "unknown")
// of an inner provider for a TTL. Errors are never cached.
type CachingRiskProvider struct {
	inner  RiskProvider
	cache  Cache
	ttl    time.Duration
	logger *slog.Logger
}

// NewCachingRiskProvider wraps inner with cache.
func NewCachingRiskProvider(inner RiskProvider, cache Cache, ttl time.Duration, logger *slog.Logger) *CachingRiskProvider {
	return &CachingRiskProvider{inner: inner, cache: cache, ttl: ttl, logger: logger}
}

// ID implements RiskProvider; the wrapper is transparent.
func (p *CachingRiskProvider) ID() string { return p.inner.ID() }

type cachedSignal struct {
	Known  bool        `json:"known"`
	Signal *RiskSignal `json:"signal,omitempty"`
}

// Screen implements RiskProvider.
func (p *CachingRiskProvider) Screen(ctx context.Context, address, chain string) (*RiskSignal, error) {
	key := "signal:" + p.inner.ID() + ":" + strings.ToLower(chain) + ":" + strings.ToLower(address)

	if b, ok, err := p.cache.Get(ctx, key); err != nil {
		p.logger.Warn("signal cache read failed", "provider", p.inner.ID(), "error", err)
	} else if ok {
		var c cachedSignal
		if err := json.Unmarshal(b, &c); err == nil {
			metrics.SignalCacheTotal.WithLabelValues("hit").Inc()
			if !c.Known {
				return nil, nil
			}
			return c.Signal, nil
		}
	}
	metrics.SignalCacheTotal.WithLabelValues("miss").Inc()

	sig, err := p.inner.Screen(ctx, address, chain)
	if err != nil {
		return nil, err
	}
	if b, merr := json.Marshal(cachedSignal{Known: sig != nil, Signal: sig}); merr == nil {
		if serr := p.cache.Set(ctx, key, b, p.ttl); serr != nil {
			p.logger.Warn("signal cache write failed", "provider", p.inner.ID(), "error", serr)
		}
	}
	return sig, nil
}
