// Package ratelimit admits or rejects requests per caller with fixed-window
// counters kept in Redis or in process.
package ratelimit

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"net"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/goccy/go-json"
	"github.com/semantrix/llmgate/internal/cache"
	"github.com/semantrix/llmgate/internal/models"
	"github.com/semantrix/llmgate/internal/observability"
	v1 "github.com/semantrix/llmgate/pkg/api/v1"
	"go.uber.org/zap"
)

// Caller key sources, tried in the configured order.
const (
	KeyAPIKey      = "api_key"
	KeyForwardedIP = "forwarded_ip"
	KeyRemoteIP    = "remote_ip"
)

// Limit is a request budget per window.
type Limit struct {
	Max      int64 `mapstructure:"max"`
	WindowMS int64 `mapstructure:"window_ms"`
}

func (l Limit) window() time.Duration {
	return time.Duration(l.WindowMS) * time.Millisecond
}

// Override applies a different limit to paths matching a regex.
type Override struct {
	Name  string `mapstructure:"name"`
	Path  string `mapstructure:"path"`
	Limit `mapstructure:",squash"`
}

// StoreConfig selects the counter backend.
type StoreConfig struct {
	Type  string            `mapstructure:"type"` // memory or redis
	Redis cache.RedisConfig `mapstructure:"redis"`
}

// Config holds configuration for the rate limiter.
type Config struct {
	Enabled         bool        `mapstructure:"enabled"`
	Prefix          string      `mapstructure:"prefix"`
	Global          Limit       `mapstructure:"global"`
	Overrides       []Override  `mapstructure:"overrides"`
	KeyOrder        []string    `mapstructure:"key_order"`
	APIKeyHeader    string      `mapstructure:"api_key_header"`
	ForwardedHeader string      `mapstructure:"forwarded_header"`
	Headers         bool        `mapstructure:"headers"`
	Store           StoreConfig `mapstructure:"store"`
}

// DefaultConfig returns the limiter defaults.
func DefaultConfig() Config {
	return Config{
		Enabled:         true,
		Prefix:          "llmgate:rl",
		Global:          Limit{Max: 100, WindowMS: 60_000},
		KeyOrder:        []string{KeyAPIKey, KeyForwardedIP, KeyRemoteIP},
		APIKeyHeader:    "X-API-Key",
		ForwardedHeader: "X-Forwarded-For",
		Headers:         true,
		Store:           StoreConfig{Type: "memory"},
	}
}

type compiledOverride struct {
	name  string
	path  *regexp.Regexp
	limit Limit
}

// Limiter is the admission middleware.
type Limiter struct {
	config    Config
	store     CounterStore
	overrides []compiledOverride
	metrics   *observability.Metrics
	logger    *zap.Logger
}

// New creates a limiter over a counter store. metrics may be nil.
func New(config Config, store CounterStore, metrics *observability.Metrics, logger *zap.Logger) (*Limiter, error) {
	defaults := DefaultConfig()
	if config.Prefix == "" {
		config.Prefix = defaults.Prefix
	}
	if config.Global.Max <= 0 {
		config.Global.Max = defaults.Global.Max
	}
	if config.Global.WindowMS <= 0 {
		config.Global.WindowMS = defaults.Global.WindowMS
	}
	if len(config.KeyOrder) == 0 {
		config.KeyOrder = defaults.KeyOrder
	}
	if config.APIKeyHeader == "" {
		config.APIKeyHeader = defaults.APIKeyHeader
	}
	if config.ForwardedHeader == "" {
		config.ForwardedHeader = defaults.ForwardedHeader
	}

	l := &Limiter{config: config, store: store, metrics: metrics, logger: logger}
	for i, o := range config.Overrides {
		re, err := regexp.Compile(o.Path)
		if err != nil {
			return nil, fmt.Errorf("invalid rate limit override path %q: %w", o.Path, err)
		}
		if o.Max <= 0 || o.WindowMS <= 0 {
			return nil, fmt.Errorf("rate limit override %q needs positive max and window_ms", o.Path)
		}
		name := o.Name
		if name == "" {
			name = "override-" + strconv.Itoa(i)
		}
		l.overrides = append(l.overrides, compiledOverride{name: name, path: re, limit: o.Limit})
	}
	for _, k := range config.KeyOrder {
		switch k {
		case KeyAPIKey, KeyForwardedIP, KeyRemoteIP:
		default:
			return nil, fmt.Errorf("unknown rate limit key source %q", k)
		}
	}
	return l, nil
}

// Middleware rejects callers over their limit with 429 before anything
// downstream runs. Store failures admit the request.
func (l *Limiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !l.config.Enabled {
			next.ServeHTTP(w, r)
			return
		}

		scope, limit := l.limitFor(r.URL.Path)
		key := l.config.Prefix + ":" + scope + ":" + l.CallerKey(r)

		count, ttl, err := l.store.Increment(r.Context(), key, limit.window())
		if err != nil {
			l.logger.Warn("Rate limit store failed, admitting request",
				zap.String("store", l.store.Name()),
				zap.Error(err))
			next.ServeHTTP(w, r)
			return
		}

		if l.config.Headers {
			remaining := limit.Max - count
			if remaining < 0 {
				remaining = 0
			}
			w.Header().Set("X-RateLimit-Limit", strconv.FormatInt(limit.Max, 10))
			w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(remaining, 10))
			w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(time.Now().Add(ttl).Unix(), 10))
		}

		if count > limit.Max {
			l.metrics.RecordRateLimited(r.URL.Path)
			l.reject(w, r, ttl)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// CallerKey identifies the caller from the first configured source present.
func (l *Limiter) CallerKey(r *http.Request) string {
	for _, source := range l.config.KeyOrder {
		switch source {
		case KeyAPIKey:
			if v := r.Header.Get(l.config.APIKeyHeader); v != "" {
				sum := sha256.Sum256([]byte(v))
				return "key:" + hex.EncodeToString(sum[:8])
			}
		case KeyForwardedIP:
			if v := r.Header.Get(l.config.ForwardedHeader); v != "" {
				first, _, _ := strings.Cut(v, ",")
				if ip := strings.TrimSpace(first); ip != "" {
					return "ip:" + ip
				}
			}
		case KeyRemoteIP:
			host, _, err := net.SplitHostPort(r.RemoteAddr)
			if err != nil {
				host = r.RemoteAddr
			}
			if host != "" {
				return "ip:" + host
			}
		}
	}
	return "anonymous"
}

func (l *Limiter) limitFor(path string) (string, Limit) {
	for _, o := range l.overrides {
		if o.path.MatchString(path) {
			return o.name, o.limit
		}
	}
	return "global", l.config.Global
}

func (l *Limiter) reject(w http.ResponseWriter, r *http.Request, ttl time.Duration) {
	retryAfter := int64(math.Ceil(ttl.Seconds()))
	if retryAfter < 1 {
		retryAfter = 1
	}

	gerr := models.NewRateLimitError()
	body, _ := json.Marshal(v1.ErrorResponse{
		Error:     gerr.Message,
		Code:      gerr.Code,
		RequestID: middleware.GetReqID(r.Context()),
	})

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Retry-After", strconv.FormatInt(retryAfter, 10))
	w.WriteHeader(gerr.Status)
	_, _ = w.Write(body)

	l.logger.Debug("Request rate limited",
		zap.String("path", r.URL.Path),
		zap.Int64("retry_after_s", retryAfter))
}

// Close closes the counter store.
func (l *Limiter) Close() error {
	return l.store.Close()
}
