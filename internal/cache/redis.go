package cache

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const scanBatch = 200

// RedisStore is a Store shared across gateway instances. Keys expire natively.
type RedisStore struct {
	client     *redis.Client
	prefix     string
	defaultTTL time.Duration
}

// NewRedisStore wraps a connected client. prefix scopes Clear to the gateway's
// own keys.
func NewRedisStore(client *redis.Client, prefix string, defaultTTL time.Duration) *RedisStore {
	if defaultTTL <= 0 {
		defaultTTL = 5 * time.Minute
	}
	return &RedisStore{client: client, prefix: prefix, defaultTTL: defaultTTL}
}

// Get retrieves a value.
func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	val, err := s.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("redis get: %w", err)
	}
	return val, true, nil
}

// Set stores a value.
func (s *RedisStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = s.defaultTTL
	}
	if err := s.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// Del removes a value.
func (s *RedisStore) Del(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

// DelByPattern scans for candidate keys sharing the pattern's literal prefix
// and deletes those the pattern matches.
func (s *RedisStore) DelByPattern(ctx context.Context, pattern *regexp.Regexp) (int, error) {
	literal, _ := pattern.LiteralPrefix()
	return s.scanDelete(ctx, globEscape(literal)+"*", pattern.MatchString)
}

// Clear removes every key under the store prefix.
func (s *RedisStore) Clear(ctx context.Context) error {
	match := "*"
	if s.prefix != "" {
		match = globEscape(s.prefix) + ":*"
	}
	_, err := s.scanDelete(ctx, match, func(string) bool { return true })
	return err
}

func (s *RedisStore) scanDelete(ctx context.Context, match string, keep func(string) bool) (int, error) {
	var cursor uint64
	deleted := 0
	for {
		keys, next, err := s.client.Scan(ctx, cursor, match, scanBatch).Result()
		if err != nil {
			return deleted, fmt.Errorf("redis scan: %w", err)
		}

		var victims []string
		for _, k := range keys {
			if keep(k) {
				victims = append(victims, k)
			}
		}
		if len(victims) > 0 {
			n, err := s.client.Del(ctx, victims...).Result()
			if err != nil {
				return deleted, fmt.Errorf("redis del: %w", err)
			}
			deleted += int(n)
		}

		cursor = next
		if cursor == 0 {
			return deleted, nil
		}
	}
}

// Name returns "redis".
func (s *RedisStore) Name() string {
	return "redis"
}

// Close closes the client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

var globReplacer = strings.NewReplacer(`\`, `\\`, `*`, `\*`, `?`, `\?`, `[`, `\[`, `]`, `\]`)

func globEscape(s string) string {
	return globReplacer.Replace(s)
}
