package observability

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	otelprometheus "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.uber.org/zap"
)

// MetricsConfig holds configuration for metrics collection.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Port    int    `mapstructure:"port"`
	Path    string `mapstructure:"path"`
}

// Metrics provides Prometheus metrics for the gateway. Every Record method is
// safe to call on a nil *Metrics.
type Metrics struct {
	config   MetricsConfig
	logger   *zap.Logger
	registry *prometheus.Registry
	exporter *otelprometheus.Exporter
	provider *metric.MeterProvider

	// Request metrics
	requestsTotal    *prometheus.CounterVec
	requestsDuration *prometheus.HistogramVec
	requestsErrors   *prometheus.CounterVec

	// Model metrics
	modelHealth   *prometheus.GaugeVec
	modelLatency  *prometheus.HistogramVec
	modelErrors   *prometheus.CounterVec
	fallbacksUsed *prometheus.CounterVec

	// Routing metrics
	routingDecisions *prometheus.CounterVec
	routingLatency   *prometheus.HistogramVec

	// Cache metrics
	cacheHits   *prometheus.CounterVec
	cacheMisses *prometheus.CounterVec

	// Rate limiting
	rateLimited *prometheus.CounterVec
}

// NewMetrics creates a new metrics instance.
func NewMetrics(config MetricsConfig, logger *zap.Logger) (*Metrics, error) {
	registry := prometheus.NewRegistry()

	exporter, err := otelprometheus.New(otelprometheus.WithRegisterer(registry))
	if err != nil {
		return nil, err
	}

	provider := metric.NewMeterProvider(metric.WithReader(exporter))

	m := &Metrics{
		config:   config,
		logger:   logger,
		registry: registry,
		exporter: exporter,
		provider: provider,
	}

	if err := m.initMetrics(); err != nil {
		return nil, err
	}

	return m, nil
}

// initMetrics initializes all Prometheus metrics.
func (m *Metrics) initMetrics() error {
	m.requestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llmgate_requests_total",
			Help: "Total number of requests processed",
		},
		[]string{"method", "endpoint", "status_code"},
	)

	m.requestsDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "llmgate_request_duration_seconds",
			Help:    "Request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint"},
	)

	m.requestsErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llmgate_request_errors_total",
			Help: "Total number of request errors by error code",
		},
		[]string{"endpoint", "code"},
	)

	m.modelHealth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "llmgate_model_health",
			Help: "Model availability (1 = available, 0 = unavailable)",
		},
		[]string{"provider", "model"},
	)

	m.modelLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "llmgate_model_latency_seconds",
			Help:    "Backend response latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"provider", "model"},
	)

	m.modelErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llmgate_model_errors_total",
			Help: "Total number of backend invocation errors",
		},
		[]string{"provider", "model"},
	)

	m.fallbacksUsed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llmgate_fallbacks_total",
			Help: "Total number of fallback invocations after a failed model",
		},
		[]string{"from_model", "to_model"},
	)

	m.routingDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llmgate_routing_decisions_total",
			Help: "Total number of routing decisions made",
		},
		[]string{"strategy", "provider", "model"},
	)

	m.routingLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "llmgate_routing_latency_seconds",
			Help:    "Classification plus routing latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"strategy"},
	)

	m.cacheHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llmgate_cache_hits_total",
			Help: "Total number of response cache hits",
		},
		[]string{"store"},
	)

	m.cacheMisses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llmgate_cache_misses_total",
			Help: "Total number of response cache misses",
		},
		[]string{"store"},
	)

	m.rateLimited = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llmgate_rate_limited_total",
			Help: "Total number of requests rejected by the rate limiter",
		},
		[]string{"path"},
	)

	collectors := []prometheus.Collector{
		m.requestsTotal,
		m.requestsDuration,
		m.requestsErrors,
		m.modelHealth,
		m.modelLatency,
		m.modelErrors,
		m.fallbacksUsed,
		m.routingDecisions,
		m.routingLatency,
		m.cacheHits,
		m.cacheMisses,
		m.rateLimited,
	}

	for _, c := range collectors {
		if err := m.registry.Register(c); err != nil {
			return err
		}
	}

	return nil
}

// RecordRequest records metrics for an HTTP request.
func (m *Metrics) RecordRequest(method, endpoint string, statusCode int, duration time.Duration) {
	if m == nil {
		return
	}
	m.requestsTotal.WithLabelValues(method, endpoint, strconv.Itoa(statusCode)).Inc()
	m.requestsDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

// RecordRequestError records a failed request by its error code.
func (m *Metrics) RecordRequestError(endpoint, code string) {
	if m == nil {
		return
	}
	m.requestsErrors.WithLabelValues(endpoint, code).Inc()
}

// RecordModelHealth updates the availability gauge of a model.
func (m *Metrics) RecordModelHealth(provider, model string, healthy bool) {
	if m == nil {
		return
	}
	value := 0.0
	if healthy {
		value = 1.0
	}
	m.modelHealth.WithLabelValues(provider, model).Set(value)
}

// RecordModelLatency records the response latency of a backend call.
func (m *Metrics) RecordModelLatency(provider, model string, duration time.Duration) {
	if m == nil {
		return
	}
	m.modelLatency.WithLabelValues(provider, model).Observe(duration.Seconds())
}

// RecordModelError records a failed backend call.
func (m *Metrics) RecordModelError(provider, model string) {
	if m == nil {
		return
	}
	m.modelErrors.WithLabelValues(provider, model).Inc()
}

// RecordFallback records a move down the fallback chain.
func (m *Metrics) RecordFallback(from, to string) {
	if m == nil {
		return
	}
	m.fallbacksUsed.WithLabelValues(from, to).Inc()
}

// RecordRoutingDecision records a routing decision made by a strategy.
func (m *Metrics) RecordRoutingDecision(strategy, provider, model string) {
	if m == nil {
		return
	}
	m.routingDecisions.WithLabelValues(strategy, provider, model).Inc()
}

// RecordRoutingLatency records the time taken to make a routing decision.
func (m *Metrics) RecordRoutingLatency(strategy string, duration time.Duration) {
	if m == nil {
		return
	}
	m.routingLatency.WithLabelValues(strategy).Observe(duration.Seconds())
}

// RecordCacheHit records a cache hit.
func (m *Metrics) RecordCacheHit(store string) {
	if m == nil {
		return
	}
	m.cacheHits.WithLabelValues(store).Inc()
}

// RecordCacheMiss records a cache miss.
func (m *Metrics) RecordCacheMiss(store string) {
	if m == nil {
		return
	}
	m.cacheMisses.WithLabelValues(store).Inc()
}

// RecordRateLimited records a rejected admission.
func (m *Metrics) RecordRateLimited(path string) {
	if m == nil {
		return
	}
	m.rateLimited.WithLabelValues(path).Inc()
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// StartMetricsServer serves metrics on a dedicated port until ctx is done.
func (m *Metrics) StartMetricsServer(ctx context.Context) error {
	if !m.config.Enabled || m.config.Port == 0 {
		m.logger.Info("Dedicated metrics server disabled")
		return nil
	}

	path := m.config.Path
	if path == "" {
		path = "/metrics"
	}
	mux := http.NewServeMux()
	mux.Handle(path, m.Handler())

	server := &http.Server{
		Addr:              ":" + strconv.Itoa(m.config.Port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			m.logger.Error("Metrics server error", zap.Error(err))
		}
	}()

	m.logger.Info("Metrics server started",
		zap.Int("port", m.config.Port),
		zap.String("path", path))

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		m.logger.Error("Error shutting down metrics server", zap.Error(err))
	}

	return nil
}
