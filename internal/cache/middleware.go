package cache

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/semantrix/llmgate/internal/observability"
	"go.uber.org/zap"
)

// Header reporting whether a response was replayed.
const (
	HeaderCache = "X-Cache"
	CacheHit    = "HIT"
	CacheMiss   = "MISS"
)

// HeaderModelUsed is set by handlers to the model that served a response, so
// routed entries can be invalidated by that model.
const HeaderModelUsed = "X-Model-Used"

// indexSuffix names the per-model list of routed entries a model served. It
// lives under the model's own tag so pattern invalidation removes it too.
const indexSuffix = "_served"

// Config holds configuration for the response cache.
type Config struct {
	Enabled             bool              `mapstructure:"enabled"`
	Prefix              string            `mapstructure:"prefix"`
	TTL                 time.Duration     `mapstructure:"ttl"`
	EncodeThreshold     int               `mapstructure:"encode_threshold"`
	ExcludeMethods      []string          `mapstructure:"exclude_methods"`
	ExcludePaths        []string          `mapstructure:"exclude_paths"`
	InvalidationPattern string            `mapstructure:"invalidation_pattern"`
	Fingerprint         FingerprintConfig `mapstructure:"fingerprint"`
	Store               StoreConfig       `mapstructure:"store"`
}

// DefaultConfig returns the cache defaults.
func DefaultConfig() Config {
	return Config{
		Enabled:             true,
		Prefix:              "llmgate",
		TTL:                 5 * time.Minute,
		EncodeThreshold:     1024,
		ExcludeMethods:      []string{http.MethodPut, http.MethodPatch, http.MethodDelete},
		ExcludePaths:        []string{"^/health", "^/metrics", "^/admin"},
		InvalidationPattern: "^{prefix}:{id}:",
		Fingerprint: FingerprintConfig{
			IncludePath:  true,
			IncludeQuery: true,
			IncludeBody:  true,
			PerUser:      true,
			UserHeaders:  []string{"X-API-Key", "Authorization"},
		},
		Store: StoreConfig{Type: "memory"},
	}
}

// Entry is the stored form of a response.
type Entry struct {
	StatusCode int                 `json:"status_code"`
	Headers    map[string][]string `json:"headers"`
	Payload    string              `json:"payload"`
	Encoded    bool                `json:"encoded"`
}

// response headers never replayed from the cache
var volatileHeaders = map[string]bool{
	"X-Cache":               true,
	"X-Request-Id":          true,
	"X-Ratelimit-Limit":     true,
	"X-Ratelimit-Remaining": true,
	"X-Ratelimit-Reset":     true,
	"Retry-After":           true,
	"Date":                  true,
	"Content-Length":        true,
}

// Cache replays successful responses for identical requests.
type Cache struct {
	config       Config
	store        Store
	metrics      *observability.Metrics
	logger       *zap.Logger
	excludePaths []*regexp.Regexp
	excludeVerbs map[string]bool

	// serializes index read-modify-write within the process
	indexMu sync.Mutex
}

// New creates the cache layer over a store. metrics may be nil.
func New(config Config, store Store, metrics *observability.Metrics, logger *zap.Logger) (*Cache, error) {
	defaults := DefaultConfig()
	if config.Prefix == "" {
		config.Prefix = defaults.Prefix
	}
	if config.TTL <= 0 {
		config.TTL = defaults.TTL
	}
	if config.EncodeThreshold <= 0 {
		config.EncodeThreshold = defaults.EncodeThreshold
	}
	if config.InvalidationPattern == "" {
		config.InvalidationPattern = defaults.InvalidationPattern
	}

	c := &Cache{
		config:       config,
		store:        store,
		metrics:      metrics,
		logger:       logger,
		excludeVerbs: make(map[string]bool),
	}
	for _, m := range config.ExcludeMethods {
		c.excludeVerbs[strings.ToUpper(m)] = true
	}
	for _, p := range config.ExcludePaths {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("invalid cache exclude path %q: %w", p, err)
		}
		c.excludePaths = append(c.excludePaths, re)
	}
	if _, err := c.invalidationRegexp("probe"); err != nil {
		return nil, err
	}
	return c, nil
}

// Store returns the underlying store.
func (c *Cache) Store() Store {
	return c.store
}

// Key builds the storage key of a request: prefix:model-tag:fingerprint.
func (c *Cache) Key(r *http.Request, body []byte) string {
	return c.config.Prefix + ":" + parseMeta(body).modelTag() + ":" + c.config.Fingerprint.Fingerprint(r, body)
}

// Middleware serves cached responses and stores fresh 2xx responses.
func (c *Cache) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !c.config.Enabled || !c.cacheable(r) {
			next.ServeHTTP(w, r)
			return
		}

		body, err := io.ReadAll(r.Body)
		if err != nil {
			c.logger.Warn("Failed to read request body for cache", zap.Error(err))
			next.ServeHTTP(w, r)
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))

		if parseMeta(body).Stream {
			next.ServeHTTP(w, r)
			return
		}

		key := c.Key(r, body)
		if entry, ok := c.lookup(r.Context(), key); ok {
			c.metrics.RecordCacheHit(c.store.Name())
			c.replay(w, entry)
			return
		}
		c.metrics.RecordCacheMiss(c.store.Name())

		w.Header().Set(HeaderCache, CacheMiss)
		rec := &recorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		if rec.status < 200 || rec.status >= 300 || rec.streaming {
			return
		}
		if c.save(r.Context(), key, rec) {
			c.index(r.Context(), key, parseMeta(body).modelTag(), rec.Header().Get(HeaderModelUsed))
		}
	})
}

// InvalidateModel deletes every entry tagged with the model ID and every
// routed entry the model served.
func (c *Cache) InvalidateModel(ctx context.Context, modelID string) (int, error) {
	re, err := c.invalidationRegexp(modelID)
	if err != nil {
		return 0, err
	}

	c.indexMu.Lock()
	defer c.indexMu.Unlock()

	indexKey := c.indexKey(modelID)
	served := c.readIndex(ctx, indexKey)
	if err := c.store.Del(ctx, indexKey); err != nil {
		return 0, fmt.Errorf("invalidate model %s: %w", modelID, err)
	}

	n, err := c.store.DelByPattern(ctx, re)
	if err != nil {
		return n, fmt.Errorf("invalidate model %s: %w", modelID, err)
	}
	for _, key := range served {
		if _, found, err := c.store.Get(ctx, key); err != nil || !found {
			continue
		}
		if err := c.store.Del(ctx, key); err != nil {
			return n, fmt.Errorf("invalidate model %s: %w", modelID, err)
		}
		n++
	}

	c.logger.Info("Cache invalidated for model", zap.String("model", modelID), zap.Int("deleted", n))
	return n, nil
}

// Clear removes every cached response.
func (c *Cache) Clear(ctx context.Context) error {
	if err := c.store.Clear(ctx); err != nil {
		return fmt.Errorf("clear cache: %w", err)
	}
	c.logger.Info("Cache cleared", zap.String("store", c.store.Name()))
	return nil
}

// Close closes the store.
func (c *Cache) Close() error {
	return c.store.Close()
}

func (c *Cache) invalidationRegexp(modelID string) (*regexp.Regexp, error) {
	pattern := strings.NewReplacer(
		"{prefix}", regexp.QuoteMeta(c.config.Prefix),
		"{id}", regexp.QuoteMeta(modelID),
	).Replace(c.config.InvalidationPattern)
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid cache invalidation pattern %q: %w", c.config.InvalidationPattern, err)
	}
	return re, nil
}

func (c *Cache) cacheable(r *http.Request) bool {
	if c.excludeVerbs[r.Method] {
		return false
	}
	for _, re := range c.excludePaths {
		if re.MatchString(r.URL.Path) {
			return false
		}
	}
	return !strings.Contains(r.Header.Get("Accept"), "text/event-stream")
}

func (c *Cache) lookup(ctx context.Context, key string) (Entry, bool) {
	raw, found, err := c.store.Get(ctx, key)
	if err != nil {
		c.logger.Warn("Cache lookup failed", zap.String("store", c.store.Name()), zap.Error(err))
		return Entry{}, false
	}
	if !found {
		return Entry{}, false
	}

	var entry Entry
	if err := json.Unmarshal(raw, &entry); err != nil {
		c.logger.Warn("Discarding corrupt cache entry", zap.String("key", key), zap.Error(err))
		return Entry{}, false
	}
	if entry.Encoded {
		decoded, err := base64.StdEncoding.DecodeString(entry.Payload)
		if err != nil {
			c.logger.Warn("Discarding undecodable cache entry", zap.String("key", key), zap.Error(err))
			return Entry{}, false
		}
		entry.Payload = string(decoded)
		entry.Encoded = false
	}
	return entry, true
}

func (c *Cache) replay(w http.ResponseWriter, entry Entry) {
	for k, vals := range entry.Headers {
		for _, v := range vals {
			w.Header().Add(k, v)
		}
	}
	w.Header().Set(HeaderCache, CacheHit)
	w.WriteHeader(entry.StatusCode)
	_, _ = io.WriteString(w, entry.Payload)
}

func (c *Cache) save(ctx context.Context, key string, rec *recorder) bool {
	entry := Entry{
		StatusCode: rec.status,
		Headers:    make(map[string][]string),
		Payload:    rec.body.String(),
	}
	for k, vals := range rec.Header() {
		if !volatileHeaders[http.CanonicalHeaderKey(k)] {
			entry.Headers[k] = append([]string(nil), vals...)
		}
	}
	if rec.body.Len() > c.config.EncodeThreshold {
		entry.Payload = base64.StdEncoding.EncodeToString(rec.body.Bytes())
		entry.Encoded = true
	}

	raw, err := json.Marshal(entry)
	if err != nil {
		c.logger.Warn("Failed to encode cache entry", zap.Error(err))
		return false
	}
	if err := c.store.Set(ctx, key, raw, c.config.TTL); err != nil {
		c.logger.Warn("Cache store failed", zap.String("store", c.store.Name()), zap.Error(err))
		return false
	}
	return true
}

func (c *Cache) indexKey(modelID string) string {
	return c.config.Prefix + ":" + modelID + ":" + indexSuffix
}

// index records a stored key under the model that served it when the key's
// own tag does not already name that model.
func (c *Cache) index(ctx context.Context, key, tag, modelUsed string) {
	if modelUsed == "" || modelUsed == tag {
		return
	}

	c.indexMu.Lock()
	defer c.indexMu.Unlock()

	indexKey := c.indexKey(modelUsed)
	keys := c.readIndex(ctx, indexKey)
	for _, k := range keys {
		if k == key {
			return
		}
	}
	raw, err := json.Marshal(append(keys, key))
	if err != nil {
		return
	}
	if err := c.store.Set(ctx, indexKey, raw, c.config.TTL); err != nil {
		c.logger.Warn("Cache index update failed", zap.String("model", modelUsed), zap.Error(err))
	}
}

func (c *Cache) readIndex(ctx context.Context, indexKey string) []string {
	raw, found, err := c.store.Get(ctx, indexKey)
	if err != nil || !found {
		return nil
	}
	var keys []string
	if err := json.Unmarshal(raw, &keys); err != nil {
		c.logger.Warn("Discarding corrupt cache index", zap.String("key", indexKey), zap.Error(err))
		return nil
	}
	return keys
}

// recorder tees the response to the client while buffering it for storage.
type recorder struct {
	http.ResponseWriter
	status      int
	body        bytes.Buffer
	wroteHeader bool
	streaming   bool
}

func (r *recorder) WriteHeader(code int) {
	if r.wroteHeader {
		return
	}
	r.wroteHeader = true
	r.status = code
	if strings.HasPrefix(r.Header().Get("Content-Type"), "text/event-stream") {
		r.streaming = true
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *recorder) Write(b []byte) (int, error) {
	if !r.wroteHeader {
		r.WriteHeader(http.StatusOK)
	}
	if !r.streaming {
		r.body.Write(b)
	}
	return r.ResponseWriter.Write(b)
}

func (r *recorder) Flush() {
	r.streaming = true
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
