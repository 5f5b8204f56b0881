// Package server exposes the dispatch pipeline over HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/semantrix/llmgate/internal/cache"
	"github.com/semantrix/llmgate/internal/catalog"
	"github.com/semantrix/llmgate/internal/classifier"
	"github.com/semantrix/llmgate/internal/gateway"
	"github.com/semantrix/llmgate/internal/models"
	"github.com/semantrix/llmgate/internal/normalize"
	"github.com/semantrix/llmgate/internal/observability"
	"github.com/semantrix/llmgate/internal/preprocess"
	"github.com/semantrix/llmgate/internal/providers"
	"github.com/semantrix/llmgate/internal/ratelimit"
	"github.com/semantrix/llmgate/internal/router"
	"github.com/semantrix/llmgate/internal/router/health"
	"go.uber.org/zap"
)

// Version is reported by the health endpoint.
var Version = "dev"

// Server represents the main HTTP server for the llmgate service.
type Server struct {
	config        *Config
	router        *chi.Mux
	registry      *providers.Registry
	catalog       *catalog.Catalog
	routing       *router.Engine
	dispatcher    *gateway.Dispatcher
	healthChecker *health.HealthChecker
	cache         *cache.Cache
	limiter       *ratelimit.Limiter
	logger        *zap.Logger
	metrics       *observability.Metrics
	tracing       *observability.Tracing
	server        *http.Server
	startedAt     time.Time
	cancel        context.CancelFunc
}

// HTTPConfig holds listener settings.
type HTTPConfig struct {
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	AllowedOrigins  []string      `mapstructure:"allowed_origins"`
}

// ObservabilityConfig groups logging, metrics and tracing.
type ObservabilityConfig struct {
	Logging observability.LoggerConfig  `mapstructure:"logging"`
	Metrics observability.MetricsConfig `mapstructure:"metrics"`
	Tracing observability.TracingConfig `mapstructure:"tracing"`
}

// Config holds the server configuration.
type Config struct {
	Server          HTTPConfig                          `mapstructure:"server"`
	DefaultProvider string                              `mapstructure:"default_provider"`
	Providers       map[string]providers.ProviderConfig `mapstructure:"providers"`
	Models          []models.ModelInfo                  `mapstructure:"models"`
	Classifier      classifier.Config                   `mapstructure:"classifier"`
	Routing         router.Config                       `mapstructure:"routing"`
	Pipeline        gateway.Config                      `mapstructure:"pipeline"`
	HealthCheck     health.Config                       `mapstructure:"health_check"`
	Cache           cache.Config                        `mapstructure:"cache"`
	RateLimit       ratelimit.Config                    `mapstructure:"rate_limit"`
	Observability   ObservabilityConfig                 `mapstructure:"observability"`
}

// NewServer creates a new server instance.
func NewServer(config *Config) (*Server, error) {
	logger, err := observability.NewLogger(config.Observability.Logging)
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}
	return newServer(context.Background(), config, logger)
}

func newServer(ctx context.Context, config *Config, logger *zap.Logger) (*Server, error) {
	var metrics *observability.Metrics
	if config.Observability.Metrics.Enabled {
		m, err := observability.NewMetrics(config.Observability.Metrics, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create metrics: %w", err)
		}
		metrics = m
	}
	tracing := observability.NewTracing(config.Observability.Tracing, logger)

	cat, err := catalog.New(config.Models)
	if err != nil {
		return nil, fmt.Errorf("failed to load model catalog: %w", err)
	}

	registry := providers.NewRegistry(providers.RegistryConfig{
		DefaultProvider: config.DefaultProvider,
		Providers:       config.Providers,
	}, logger)

	classifiers, err := classifier.NewDefaultEngine(config.Classifier, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize classifiers: %w", err)
	}

	routing, err := router.NewDefaultEngine(config.Routing, cat, registry, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize routing strategies: %w", err)
	}

	dispatcher := gateway.New(
		config.Pipeline,
		preprocess.NewDefaultPipeline(logger),
		classifiers,
		routing,
		normalize.NewDefaultEngine(logger),
		registry,
		logger,
		gateway.WithMetrics(metrics),
		gateway.WithTracing(tracing),
	)

	responseCache, err := cache.New(config.Cache,
		cache.NewStore(ctx, config.Cache.Store, config.Cache.Prefix, logger), metrics, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize cache: %w", err)
	}

	limiter, err := ratelimit.New(config.RateLimit,
		ratelimit.NewCounterStore(ctx, config.RateLimit.Store, logger), metrics, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize rate limiter: %w", err)
	}

	server := &Server{
		config:        config,
		router:        chi.NewRouter(),
		registry:      registry,
		catalog:       cat,
		routing:       routing,
		dispatcher:    dispatcher,
		healthChecker: health.NewHealthChecker(config.HealthCheck, cat, registry, metrics, logger),
		cache:         responseCache,
		limiter:       limiter,
		logger:        logger,
		metrics:       metrics,
		tracing:       tracing,
		startedAt:     time.Now(),
	}

	server.setupRoutes()

	server.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", config.Server.Port),
		Handler:      server.router,
		ReadTimeout:  config.Server.ReadTimeout,
		WriteTimeout: config.Server.WriteTimeout,
		IdleTimeout:  config.Server.IdleTimeout,
	}

	return server, nil
}

// setupRoutes configures the HTTP routes and middleware.
func (s *Server) setupRoutes() {
	origins := s.config.Server.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(middleware.Recoverer)
	s.router.Use(s.observabilityMiddleware)
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-API-Key", "X-Request-Id"},
		ExposedHeaders: []string{
			"X-Request-Id", cache.HeaderCache, cache.HeaderModelUsed, "Retry-After",
			"X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset",
		},
		MaxAge: 300,
	}))

	s.router.Get("/health", s.handleHealthCheck)
	if s.metrics != nil {
		s.router.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	}

	s.router.Route("/v1", func(r chi.Router) {
		r.Use(s.limiter.Middleware)
		r.Use(s.cache.Middleware)

		r.Post("/route", s.handleRoute)
		r.Post("/chat/completions", s.handleChatCompletion)
		r.Get("/models", s.handleGetModels)
	})

	s.router.Route("/admin", func(r chi.Router) {
		r.Use(s.limiter.Middleware)

		r.Post("/cache/invalidate/*", s.handleInvalidateModel)
		r.Delete("/cache", s.handleClearCache)
		r.Delete("/adapters/cache", s.handleClearAdapters)
		r.Post("/health-check", s.handleForceHealthCheck)
	})
}

// observabilityMiddleware traces and measures every request.
func (s *Server) observabilityMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		ctx, span := s.tracing.StartSpan(r.Context(), "http_request", map[string]string{
			"http.method":     r.Method,
			"http.url":        r.URL.String(),
			"http.user_agent": r.UserAgent(),
			"request.id":      middleware.GetReqID(r.Context()),
		})
		defer span.End()

		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r.WithContext(ctx))

		duration := time.Since(start)
		s.metrics.RecordRequest(r.Method, routePattern(r), wrapped.statusCode, duration)

		s.tracing.SetAttributes(ctx, map[string]string{
			"http.status_code": strconv.Itoa(wrapped.statusCode),
			"http.duration_ms": strconv.FormatInt(duration.Milliseconds(), 10),
		})
	})
}

// routePattern keeps metric labels bounded by using the matched chi pattern.
func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			return p
		}
	}
	return r.URL.Path
}

// responseWriter wraps http.ResponseWriter to capture status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode  int
	wroteHeader bool
}

func (rw *responseWriter) WriteHeader(code int) {
	if !rw.wroteHeader {
		rw.statusCode = code
		rw.wroteHeader = true
	}
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	rw.wroteHeader = true
	return rw.ResponseWriter.Write(b)
}

// Flush lets SSE responses through the wrapper.
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Start starts background work and begins accepting requests.
func (s *Server) Start() error {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	if s.config.HealthCheck.Enabled {
		s.healthChecker.Start(ctx)
	}

	if s.metrics != nil && s.config.Observability.Metrics.Port != 0 {
		go func() {
			if err := s.metrics.StartMetricsServer(ctx); err != nil {
				s.logger.Error("Failed to start metrics server", zap.Error(err))
			}
		}()
	}

	s.logger.Info("Starting llmgate server",
		zap.Int("port", s.config.Server.Port),
		zap.Strings("providers", s.registry.Providers()),
		zap.Int("models", len(s.catalog.List())),
		zap.Strings("strategies", s.routing.Names()))

	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("Server error", zap.Error(err))
		}
	}()

	return nil
}

// Stop gracefully shuts down the server.
func (s *Server) Stop() error {
	s.logger.Info("Shutting down server...")

	if s.cancel != nil {
		s.cancel()
	}
	if s.config.HealthCheck.Enabled {
		s.healthChecker.Stop()
	}

	timeout := s.config.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		s.logger.Error("Error during server shutdown", zap.Error(err))
		return err
	}

	if err := s.cache.Close(); err != nil {
		s.logger.Error("Error closing cache", zap.Error(err))
	}
	if err := s.limiter.Close(); err != nil {
		s.logger.Error("Error closing rate limit store", zap.Error(err))
	}
	if err := s.registry.Close(); err != nil {
		s.logger.Error("Error closing adapters", zap.Error(err))
	}

	s.logger.Info("Server stopped")
	observability.SyncLogger(s.logger)
	return nil
}

// WaitForShutdown waits for shutdown signals and gracefully stops the server.
func (s *Server) WaitForShutdown() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	s.logger.Info("Received shutdown signal")
	if err := s.Stop(); err != nil {
		s.logger.Error("Shutdown failed", zap.Error(err))
	}
}

// GetRouter returns the underlying chi router for testing purposes.
func (s *Server) GetRouter() *chi.Mux {
	return s.router
}
