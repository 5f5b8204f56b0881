package observability

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestNilMetricsAreNoOps(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordRequest("GET", "/health", 200, time.Millisecond)
		m.RecordRequestError("/v1/route", "VALIDATION_ERROR")
		m.RecordModelHealth("local", "local/llama3", true)
		m.RecordModelLatency("local", "local/llama3", time.Millisecond)
		m.RecordModelError("local", "local/llama3")
		m.RecordFallback("openai/gpt-4", "local/llama3")
		m.RecordRoutingDecision("rules", "local", "local/llama3")
		m.RecordRoutingLatency("rules", time.Millisecond)
		m.RecordCacheHit("memory")
		m.RecordCacheMiss("memory")
		m.RecordRateLimited("/v1/route")
	})
}

func TestMetricsRecordAndServe(t *testing.T) {
	m, err := NewMetrics(MetricsConfig{Enabled: true}, zaptest.NewLogger(t))
	require.NoError(t, err)

	m.RecordRequest("POST", "/v1/route", 200, 10*time.Millisecond)
	m.RecordRequest("POST", "/v1/route", 200, 10*time.Millisecond)
	m.RecordFallback("openai/gpt-4", "local/llama3")
	m.RecordModelHealth("local", "local/llama3", false)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.requestsTotal.WithLabelValues("POST", "/v1/route", "200")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.fallbacksUsed.WithLabelValues("openai/gpt-4", "local/llama3")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.modelHealth.WithLabelValues("local", "local/llama3")))

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "llmgate_fallbacks_total")
}

func TestTraceStage_DisabledRunsStage(t *testing.T) {
	stageErr := errors.New("boom")
	for name, tr := range map[string]*Tracing{
		"nil":      nil,
		"disabled": NewTracing(TracingConfig{}, zaptest.NewLogger(t)),
		"enabled":  NewTracing(TracingConfig{Enabled: true}, zaptest.NewLogger(t)),
	} {
		t.Run(name, func(t *testing.T) {
			ran := false
			err := tr.TraceStage(context.Background(), "classify", func(context.Context) error {
				ran = true
				return stageErr
			})
			assert.True(t, ran)
			assert.ErrorIs(t, err, stageErr)

			ctx, span := tr.StartSpan(context.Background(), "op", map[string]string{"k": "v"})
			assert.NotNil(t, ctx)
			span.End()
			tr.SetAttributes(ctx, map[string]string{"model": "x"})
			tr.AddEvent(ctx, "event", nil)
		})
	}
}

func TestNewLogger(t *testing.T) {
	logger, err := NewLogger(LoggerConfig{Level: "not-a-level", Format: "console"})
	require.NoError(t, err)
	assert.True(t, logger.Core().Enabled(0), "falls back to info")
	assert.False(t, logger.Core().Enabled(-1))

	path := t.TempDir() + "/gate.log"
	logger, err = NewLogger(LoggerConfig{Level: "debug", OutputPath: path, ErrorPath: t.TempDir() + "/err.log"})
	require.NoError(t, err)
	logger.Info("hello")
	SyncLogger(logger)
	assert.FileExists(t, path)
}
