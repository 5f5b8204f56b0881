package cache

import (
	"context"
	"regexp"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// MemoryStore is an in-process Store backed by go-cache. Expired entries are
// never returned and are purged on the cleanup interval.
type MemoryStore struct {
	cache      *gocache.Cache
	defaultTTL time.Duration
}

// NewMemoryStore creates an in-memory store.
func NewMemoryStore(defaultTTL, cleanupInterval time.Duration) *MemoryStore {
	if defaultTTL <= 0 {
		defaultTTL = 5 * time.Minute
	}
	if cleanupInterval <= 0 {
		cleanupInterval = 2 * defaultTTL
	}
	return &MemoryStore{
		cache:      gocache.New(defaultTTL, cleanupInterval),
		defaultTTL: defaultTTL,
	}
}

// Get retrieves a value.
func (s *MemoryStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	v, found := s.cache.Get(key)
	if !found {
		return nil, false, nil
	}
	b, ok := v.([]byte)
	if !ok {
		s.cache.Delete(key)
		return nil, false, nil
	}
	return b, true, nil
}

// Set stores a value.
func (s *MemoryStore) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = s.defaultTTL
	}
	s.cache.Set(key, value, ttl)
	return nil
}

// Del removes a value.
func (s *MemoryStore) Del(_ context.Context, key string) error {
	s.cache.Delete(key)
	return nil
}

// DelByPattern removes every live key matching the pattern.
func (s *MemoryStore) DelByPattern(_ context.Context, pattern *regexp.Regexp) (int, error) {
	deleted := 0
	for key := range s.cache.Items() {
		if pattern.MatchString(key) {
			s.cache.Delete(key)
			deleted++
		}
	}
	return deleted, nil
}

// Clear removes every value.
func (s *MemoryStore) Clear(context.Context) error {
	s.cache.Flush()
	return nil
}

// Name returns "memory".
func (s *MemoryStore) Name() string {
	return "memory"
}

// Close flushes the store.
func (s *MemoryStore) Close() error {
	s.cache.Flush()
	return nil
}
