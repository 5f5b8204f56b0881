package cache

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type countingHandler struct {
	calls  int32
	status int
	body   string
}

func (h *countingHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	n := atomic.AddInt32(&h.calls, 1)
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Request-Id", fmt.Sprintf("req-%d", n))
	if h.status != 0 {
		w.WriteHeader(h.status)
	}
	_, _ = w.Write([]byte(h.body))
}

func newTestCache(t *testing.T, store Store, mutate func(*Config)) *Cache {
	t.Helper()
	cfg := DefaultConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	c, err := New(cfg, store, nil, zaptest.NewLogger(t))
	require.NoError(t, err)
	return c
}

func post(h http.Handler, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func newRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	s := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	return NewRedisStore(client, "llmgate", time.Minute), s
}

func TestMiddleware_RoundTrip(t *testing.T) {
	redisStore, _ := newRedisStore(t)
	stores := map[string]Store{
		"memory": NewMemoryStore(time.Minute, 0),
		"redis":  redisStore,
	}

	for name, store := range stores {
		t.Run(name, func(t *testing.T) {
			next := &countingHandler{body: `{"response":"Paris","model_used":"openai/gpt-4o"}`}
			h := newTestCache(t, store, nil).Middleware(next)

			body := `{"prompt":"What is the capital of France?"}`
			first := post(h, "/v1/route", body, nil)
			second := post(h, "/v1/route", body, nil)

			assert.Equal(t, CacheMiss, first.Header().Get(HeaderCache))
			assert.Equal(t, CacheHit, second.Header().Get(HeaderCache))
			assert.Equal(t, first.Body.Bytes(), second.Body.Bytes())
			assert.Equal(t, "application/json", second.Header().Get("Content-Type"))
			assert.Empty(t, second.Header().Get("X-Request-Id"))
			assert.EqualValues(t, 1, atomic.LoadInt32(&next.calls))

			other := post(h, "/v1/route", `{"prompt":"And of Spain?"}`, nil)
			assert.Equal(t, CacheMiss, other.Header().Get(HeaderCache))
			assert.EqualValues(t, 2, atomic.LoadInt32(&next.calls))
		})
	}
}

func TestMiddleware_LargePayloadIsEncoded(t *testing.T) {
	store := NewMemoryStore(time.Minute, 0)
	large := `{"response":"` + strings.Repeat("x", 2048) + `"}`
	c := newTestCache(t, store, func(cfg *Config) { cfg.EncodeThreshold = 100 })
	h := c.Middleware(&countingHandler{body: large})

	post(h, "/v1/route", `{"prompt":"long"}`, nil)

	req := httptest.NewRequest(http.MethodPost, "/v1/route", strings.NewReader(`{"prompt":"long"}`))
	req.Header.Set("Content-Type", "application/json")
	raw, found, err := store.Get(context.Background(), c.Key(req, []byte(`{"prompt":"long"}`)))
	require.NoError(t, err)
	require.True(t, found)
	assert.Contains(t, string(raw), `"encoded":true`)

	hit := post(h, "/v1/route", `{"prompt":"long"}`, nil)
	assert.Equal(t, CacheHit, hit.Header().Get(HeaderCache))
	assert.Equal(t, large, hit.Body.String())
}

func TestMiddleware_CorruptEntryIsMiss(t *testing.T) {
	store := NewMemoryStore(time.Minute, 0)
	c := newTestCache(t, store, nil)
	next := &countingHandler{body: "ok"}
	h := c.Middleware(next)

	body := `{"prompt":"x"}`
	req := httptest.NewRequest(http.MethodPost, "/v1/route", strings.NewReader(body))
	require.NoError(t, store.Set(context.Background(), c.Key(req, []byte(body)),
		[]byte(`{"status_code":200,"payload":"!!!not-base64","encoded":true}`), 0))

	rec := post(h, "/v1/route", body, nil)
	assert.Equal(t, CacheMiss, rec.Header().Get(HeaderCache))
	assert.Equal(t, "ok", rec.Body.String())
	assert.EqualValues(t, 1, atomic.LoadInt32(&next.calls))
}

func TestMiddleware_ErrorsAreNotStored(t *testing.T) {
	for _, status := range []int{http.StatusBadRequest, http.StatusTooManyRequests, http.StatusInternalServerError} {
		t.Run(http.StatusText(status), func(t *testing.T) {
			next := &countingHandler{status: status, body: `{"error":"nope"}`}
			h := newTestCache(t, NewMemoryStore(time.Minute, 0), nil).Middleware(next)

			post(h, "/v1/route", `{"prompt":"x"}`, nil)
			rec := post(h, "/v1/route", `{"prompt":"x"}`, nil)
			assert.Equal(t, CacheMiss, rec.Header().Get(HeaderCache))
			assert.Equal(t, status, rec.Code)
			assert.EqualValues(t, 2, atomic.LoadInt32(&next.calls))
		})
	}
}

func TestMiddleware_Exclusions(t *testing.T) {
	next := &countingHandler{body: "ok"}
	h := newTestCache(t, NewMemoryStore(time.Minute, 0), nil).Middleware(next)

	for i := 0; i < 2; i++ {
		rec := post(h, "/v1/chat/completions", `{"messages":[{"role":"user","content":"hi"}],"stream":true}`, nil)
		assert.Empty(t, rec.Header().Get(HeaderCache))

		post(h, "/admin/cache/invalidate/x", `{}`, nil)

		req := httptest.NewRequest(http.MethodDelete, "/v1/route", nil)
		h.ServeHTTP(httptest.NewRecorder(), req)
	}
	assert.EqualValues(t, 6, atomic.LoadInt32(&next.calls))
}

func TestMiddleware_EventStreamResponseNotStored(t *testing.T) {
	calls := 0
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = w.Write([]byte("data: [DONE]\n\n"))
	})
	h := newTestCache(t, NewMemoryStore(time.Minute, 0), nil).Middleware(next)

	post(h, "/v1/chat/completions", `{"messages":[]}`, nil)
	rec := post(h, "/v1/chat/completions", `{"messages":[]}`, nil)
	assert.Equal(t, CacheMiss, rec.Header().Get(HeaderCache))
	assert.Equal(t, 2, calls)
}

func TestMiddleware_PerUserByDefault(t *testing.T) {
	next := &countingHandler{body: "secret"}
	h := newTestCache(t, NewMemoryStore(time.Minute, 0), nil).Middleware(next)

	body := `{"prompt":"my data"}`
	post(h, "/v1/route", body, map[string]string{"X-API-Key": "alice"})
	bob := post(h, "/v1/route", body, map[string]string{"X-API-Key": "bob"})
	alice := post(h, "/v1/route", body, map[string]string{"X-API-Key": "alice"})

	assert.Equal(t, CacheMiss, bob.Header().Get(HeaderCache))
	assert.Equal(t, CacheHit, alice.Header().Get(HeaderCache))
	assert.EqualValues(t, 2, atomic.LoadInt32(&next.calls))

	shared := newTestCache(t, NewMemoryStore(time.Minute, 0), func(cfg *Config) {
		cfg.Fingerprint.PerUser = false
	}).Middleware(next)
	post(shared, "/v1/route", body, map[string]string{"X-API-Key": "alice"})
	assert.Equal(t, CacheHit, post(shared, "/v1/route", body, map[string]string{"X-API-Key": "bob"}).Header().Get(HeaderCache))
}

func TestMiddleware_Disabled(t *testing.T) {
	next := &countingHandler{body: "ok"}
	h := newTestCache(t, NewMemoryStore(time.Minute, 0), func(cfg *Config) { cfg.Enabled = false }).Middleware(next)

	post(h, "/v1/route", `{"prompt":"x"}`, nil)
	rec := post(h, "/v1/route", `{"prompt":"x"}`, nil)
	assert.Empty(t, rec.Header().Get(HeaderCache))
	assert.EqualValues(t, 2, atomic.LoadInt32(&next.calls))
}

func TestFingerprint(t *testing.T) {
	cfg := FingerprintConfig{IncludePath: true, IncludeQuery: true, IncludeBody: true, IncludeHeaders: []string{"x-tenant"}}

	a := httptest.NewRequest(http.MethodPost, "/v1/route?b=2&a=1", nil)
	b := httptest.NewRequest(http.MethodPost, "/v1/route?a=1&b=2", nil)
	assert.Equal(t, cfg.Fingerprint(a, []byte("x")), cfg.Fingerprint(b, []byte("x")), "query order is irrelevant")
	assert.NotEqual(t, cfg.Fingerprint(a, []byte("x")), cfg.Fingerprint(a, []byte("y")))

	b.Header.Set("X-Tenant", "acme")
	assert.NotEqual(t, cfg.Fingerprint(a, nil), cfg.Fingerprint(b, nil))

	noPath := FingerprintConfig{}
	c := httptest.NewRequest(http.MethodPost, "/one", nil)
	d := httptest.NewRequest(http.MethodPost, "/two", nil)
	assert.Equal(t, noPath.Fingerprint(c, nil), noPath.Fingerprint(d, nil))
}

func TestCache_KeyCarriesModelTag(t *testing.T) {
	c := newTestCache(t, NewMemoryStore(time.Minute, 0), nil)
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", nil)

	assert.True(t, strings.HasPrefix(c.Key(req, []byte(`{"model":"openai/gpt-4o"}`)), "llmgate:openai/gpt-4o:"))
	assert.True(t, strings.HasPrefix(c.Key(req, []byte(`{"model_id":"claude-3-haiku"}`)), "llmgate:claude-3-haiku:"))
	assert.True(t, strings.HasPrefix(c.Key(req, []byte(`{"model":"auto"}`)), "llmgate:auto:"))
	assert.True(t, strings.HasPrefix(c.Key(req, []byte(`not json`)), "llmgate:auto:"))
}

func TestCache_InvalidateModel(t *testing.T) {
	redisStore, _ := newRedisStore(t)
	for name, store := range map[string]Store{"memory": NewMemoryStore(time.Minute, 0), "redis": redisStore} {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			c := newTestCache(t, store, nil)
			for _, k := range []string{
				"llmgate:openai/gpt-4o:aaa",
				"llmgate:openai/gpt-4o:bbb",
				"llmgate:openai/gpt-4o-mini:ccc",
				"llmgate:auto:ddd",
			} {
				require.NoError(t, store.Set(ctx, k, []byte("v"), 0))
			}

			n, err := c.InvalidateModel(ctx, "openai/gpt-4o")
			require.NoError(t, err)
			assert.Equal(t, 2, n)

			_, found, _ := store.Get(ctx, "llmgate:openai/gpt-4o-mini:ccc")
			assert.True(t, found)
			_, found, _ = store.Get(ctx, "llmgate:openai/gpt-4o:aaa")
			assert.False(t, found)

			require.NoError(t, c.Clear(ctx))
			_, found, _ = store.Get(ctx, "llmgate:auto:ddd")
			assert.False(t, found)
		})
	}
}

func TestCache_InvalidateModelDropsRoutedEntries(t *testing.T) {
	redisStore, _ := newRedisStore(t)
	for name, store := range map[string]Store{"memory": NewMemoryStore(time.Minute, 0), "redis": redisStore} {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			c := newTestCache(t, store, nil)

			var calls int32
			h := c.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				atomic.AddInt32(&calls, 1)
				w.Header().Set("Content-Type", "application/json")
				w.Header().Set(HeaderModelUsed, "openai/gpt-4")
				_, _ = w.Write([]byte(`{"model_used":"openai/gpt-4"}`))
			}))

			routed := `{"prompt":"capital of France?"}`
			pinned := `{"prompt":"capital of France?","model_id":"local/llama3"}`
			assert.Equal(t, CacheMiss, post(h, "/v1/route", routed, nil).Header().Get(HeaderCache))
			assert.Equal(t, CacheMiss, post(h, "/v1/route", pinned, nil).Header().Get(HeaderCache))
			assert.Equal(t, CacheHit, post(h, "/v1/route", routed, nil).Header().Get(HeaderCache))

			n, err := c.InvalidateModel(ctx, "openai/gpt-4")
			require.NoError(t, err)
			assert.Equal(t, 2, n, "auto and fallback-served entries")

			assert.Equal(t, CacheMiss, post(h, "/v1/route", routed, nil).Header().Get(HeaderCache))
			assert.Equal(t, CacheMiss, post(h, "/v1/route", pinned, nil).Header().Get(HeaderCache))
			assert.EqualValues(t, 4, atomic.LoadInt32(&calls))

			n, err = c.InvalidateModel(ctx, "openai/gpt-4")
			require.NoError(t, err)
			assert.Equal(t, 2, n, "entries stored after invalidation are indexed again")
		})
	}
}

func TestNew_InvalidPatterns(t *testing.T) {
	_, err := New(Config{ExcludePaths: []string{"("}}, NewMemoryStore(0, 0), nil, zaptest.NewLogger(t))
	assert.Error(t, err)

	_, err = New(Config{InvalidationPattern: "^{id}("}, NewMemoryStore(0, 0), nil, zaptest.NewLogger(t))
	assert.Error(t, err)
}

func TestMemoryStore_Expiry(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(time.Minute, 0)

	require.NoError(t, s.Set(ctx, "k", []byte("v"), 20*time.Millisecond))
	v, found, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, []byte("v"), v)

	time.Sleep(40 * time.Millisecond)
	_, found, _ = s.Get(ctx, "k")
	assert.False(t, found)
}

func TestRedisStore_TTLAndPattern(t *testing.T) {
	ctx := context.Background()
	store, mr := newRedisStore(t)

	require.NoError(t, store.Set(ctx, "llmgate:m:1", []byte("v"), time.Second))
	mr.FastForward(2 * time.Second)
	_, found, err := store.Get(ctx, "llmgate:m:1")
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, store.Set(ctx, "llmgate:a:1", []byte("v"), 0))
	require.NoError(t, store.Set(ctx, "llmgate:a:x", []byte("v"), 0))
	require.NoError(t, store.Set(ctx, "other:a:2", []byte("v"), 0))
	n, err := store.DelByPattern(ctx, regexp.MustCompile(`^llmgate:a:\d+$`))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.True(t, mr.Exists("llmgate:a:x"))
	assert.True(t, mr.Exists("other:a:2"))

	require.NoError(t, store.Clear(ctx))
	assert.False(t, mr.Exists("llmgate:a:x"))
	assert.True(t, mr.Exists("other:a:2"))
}

func TestNewStore_FallsBackToMemory(t *testing.T) {
	store := NewStore(context.Background(), StoreConfig{
		Type:  "redis",
		Redis: RedisConfig{Addr: "127.0.0.1:1", DialTimeout: 100 * time.Millisecond},
	}, "llmgate", zaptest.NewLogger(t))
	assert.Equal(t, "memory", store.Name())

	mr := miniredis.RunT(t)
	store = NewStore(context.Background(), StoreConfig{Type: "redis", Redis: RedisConfig{Addr: mr.Addr()}}, "llmgate", zaptest.NewLogger(t))
	assert.Equal(t, "redis", store.Name())
	require.NoError(t, store.Close())
}
