package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/redis/go-redis/v9"
	"github.com/semantrix/llmgate/internal/cache"
	"go.uber.org/zap"
)

// CounterStore atomically counts hits in a fixed window.
type CounterStore interface {
	// Increment adds one hit to key, starting a window of the given length when
	// the key is new, and returns the count and the time left in the window.
	Increment(ctx context.Context, key string, window time.Duration) (count int64, ttl time.Duration, err error)

	// Name identifies the backend in logs.
	Name() string

	// Close releases resources.
	Close() error
}

// incrementScript increments a counter, arms its expiry on first use and
// reports the remaining TTL in milliseconds.
var incrementScript = redis.NewScript(`
local count = redis.call('INCR', KEYS[1])
if count == 1 then
    redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
local ttl = redis.call('PTTL', KEYS[1])
if ttl < 0 then
    redis.call('PEXPIRE', KEYS[1], ARGV[1])
    ttl = tonumber(ARGV[1])
end
return {count, ttl}
`)

// RedisStore shares counters across gateway instances.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore wraps a connected client.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

// Increment runs the increment script.
func (s *RedisStore) Increment(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error) {
	res, err := incrementScript.Run(ctx, s.client, []string{key}, window.Milliseconds()).Int64Slice()
	if err != nil {
		return 0, 0, fmt.Errorf("redis increment: %w", err)
	}
	if len(res) != 2 {
		return 0, 0, fmt.Errorf("unexpected increment result length %d", len(res))
	}
	return res[0], time.Duration(res[1]) * time.Millisecond, nil
}

// Name returns "redis".
func (s *RedisStore) Name() string {
	return "redis"
}

// Close closes the client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// MemoryStore keeps counters in process.
type MemoryStore struct {
	mu    sync.Mutex
	cache *gocache.Cache
}

// NewMemoryStore creates an in-memory counter store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{cache: gocache.New(gocache.NoExpiration, time.Minute)}
}

// Increment counts a hit. The window expiry is fixed by the first hit.
func (s *MemoryStore) Increment(_ context.Context, key string, window time.Duration) (int64, time.Duration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, expires, found := s.cache.GetWithExpiration(key)
	if !found {
		s.cache.Set(key, int64(1), window)
		return 1, window, nil
	}

	count, err := s.cache.IncrementInt64(key, 1)
	if err != nil {
		return 0, 0, fmt.Errorf("memory increment: %w", err)
	}
	ttl := time.Until(expires)
	if ttl < 0 {
		ttl = 0
	}
	return count, ttl, nil
}

// Name returns "memory".
func (s *MemoryStore) Name() string {
	return "memory"
}

// Close drops every counter.
func (s *MemoryStore) Close() error {
	s.cache.Flush()
	return nil
}

// NewCounterStore creates the configured store, falling back to memory when
// Redis fails its startup ping.
func NewCounterStore(ctx context.Context, cfg StoreConfig, logger *zap.Logger) CounterStore {
	if cfg.Type != "redis" {
		return NewMemoryStore()
	}

	client := cache.NewRedisClient(cfg.Redis)
	pingCtx, cancel := context.WithTimeout(ctx, client.Options().DialTimeout)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		logger.Warn("Redis unavailable, falling back to in-memory rate limit store",
			zap.String("addr", cfg.Redis.Addr),
			zap.Error(err))
		_ = client.Close()
		return NewMemoryStore()
	}
	logger.Info("Redis rate limit store connected", zap.String("addr", cfg.Redis.Addr))
	return NewRedisStore(client)
}
