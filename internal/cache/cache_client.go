// Package cache implements the response cache: a pluggable key-value store
// and the HTTP middleware that fingerprints requests and replays responses.
package cache

import (
	"context"
	"regexp"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Store defines the key-value operations the response cache needs.
type Store interface {
	// Get retrieves a value. A missing or expired key reports found=false.
	Get(ctx context.Context, key string) (value []byte, found bool, err error)

	// Set stores a value with a TTL. A non-positive TTL uses the store default.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Del removes a value.
	Del(ctx context.Context, key string) error

	// DelByPattern removes every key matching the pattern and returns how many.
	DelByPattern(ctx context.Context, pattern *regexp.Regexp) (int, error)

	// Clear removes every value owned by the store.
	Clear(ctx context.Context) error

	// Name identifies the backend in logs and metrics.
	Name() string

	// Close releases resources.
	Close() error
}

// StoreConfig selects and configures the store backend.
type StoreConfig struct {
	Type            string        `mapstructure:"type"` // memory or redis
	DefaultTTL      time.Duration `mapstructure:"default_ttl"`
	CleanupInterval time.Duration `mapstructure:"cleanup_interval"`
	Redis           RedisConfig   `mapstructure:"redis"`
}

// RedisConfig holds connection settings for the Redis store.
type RedisConfig struct {
	Addr        string        `mapstructure:"addr"`
	Password    string        `mapstructure:"password"`
	DB          int           `mapstructure:"db"`
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
	PoolSize    int           `mapstructure:"pool_size"`
}

// NewRedisClient builds a go-redis client from the configuration.
func NewRedisClient(cfg RedisConfig) *redis.Client {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	return redis.NewClient(&redis.Options{
		Addr:        cfg.Addr,
		Password:    cfg.Password,
		DB:          cfg.DB,
		DialTimeout: cfg.DialTimeout,
		PoolSize:    cfg.PoolSize,
	})
}

// NewStore creates the configured store. A Redis store that fails its startup
// ping is replaced by a memory store; the failure is logged, not returned.
func NewStore(ctx context.Context, cfg StoreConfig, keyPrefix string, logger *zap.Logger) Store {
	if cfg.Type != "redis" {
		return NewMemoryStore(cfg.DefaultTTL, cfg.CleanupInterval)
	}

	client := NewRedisClient(cfg.Redis)
	pingCtx, cancel := context.WithTimeout(ctx, client.Options().DialTimeout)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		logger.Warn("Redis unavailable, falling back to in-memory cache store",
			zap.String("addr", cfg.Redis.Addr),
			zap.Error(err))
		_ = client.Close()
		return NewMemoryStore(cfg.DefaultTTL, cfg.CleanupInterval)
	}

	logger.Info("Redis cache store connected", zap.String("addr", cfg.Redis.Addr))
	return NewRedisStore(client, keyPrefix, cfg.DefaultTTL)
}
