// Package health probes catalog models in the background and keeps their
// availability current for routing.
package health

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/semantrix/llmgate/internal/catalog"
	"github.com/semantrix/llmgate/internal/models"
	"github.com/semantrix/llmgate/internal/observability"
	"github.com/semantrix/llmgate/internal/providers"
	"go.uber.org/zap"
)

// Config controls background probing.
type Config struct {
	Enabled  bool          `mapstructure:"enabled"`
	Interval time.Duration `mapstructure:"interval"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// AdapterSource resolves model IDs to adapters.
type AdapterSource interface {
	GetAdapter(modelID string) (providers.Adapter, error)
	ProviderFor(modelID string) (provider, model string)
}

// healthReporter is implemented by adapters that keep their own health.
type healthReporter interface {
	SetHealth(healthy bool, latency time.Duration, err string)
}

// ModelMetrics tracks probe history for a model.
type ModelMetrics struct {
	TotalChecks      int64         `json:"total_checks"`
	SuccessfulChecks int64         `json:"successful_checks"`
	FailedChecks     int64         `json:"failed_checks"`
	LastCheck        time.Time     `json:"last_check"`
	LastLatency      time.Duration `json:"last_latency"`
	AverageLatency   time.Duration `json:"average_latency"`
	Uptime           float64       `json:"uptime"`
}

// HealthChecker monitors the health of every catalog model.
type HealthChecker struct {
	catalog  *catalog.Catalog
	adapters AdapterSource
	interval time.Duration
	timeout  time.Duration
	metrics  *observability.Metrics
	logger   *zap.Logger

	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	mu       sync.RWMutex
	statuses map[string]models.HealthStatus
	stats    map[string]*ModelMetrics
}

// NewHealthChecker creates a new health checker instance. metrics may be nil.
func NewHealthChecker(config Config, cat *catalog.Catalog, adapters AdapterSource, metrics *observability.Metrics, logger *zap.Logger) *HealthChecker {
	if config.Interval <= 0 {
		config.Interval = 30 * time.Second
	}
	if config.Timeout <= 0 {
		config.Timeout = 10 * time.Second
	}
	return &HealthChecker{
		catalog:  cat,
		adapters: adapters,
		interval: config.Interval,
		timeout:  config.Timeout,
		metrics:  metrics,
		logger:   logger,
		stopChan: make(chan struct{}),
		statuses: make(map[string]models.HealthStatus),
		stats:    make(map[string]*ModelMetrics),
	}
}

// Start begins the health checking process.
func (hc *HealthChecker) Start(ctx context.Context) {
	hc.wg.Add(1)
	go hc.run(ctx)
	hc.logger.Info("Health checker started", zap.Duration("interval", hc.interval))
}

// Stop stops the health checking process. It is safe to call more than once.
func (hc *HealthChecker) Stop() {
	hc.stopOnce.Do(func() { close(hc.stopChan) })
	hc.wg.Wait()
	hc.logger.Info("Health checker stopped")
}

func (hc *HealthChecker) run(ctx context.Context) {
	defer hc.wg.Done()

	ticker := time.NewTicker(hc.interval)
	defer ticker.Stop()

	hc.CheckAll(ctx)

	for {
		select {
		case <-ticker.C:
			hc.CheckAll(ctx)
		case <-hc.stopChan:
			return
		case <-ctx.Done():
			return
		}
	}
}

// CheckAll probes every catalog model concurrently and waits for the results.
func (hc *HealthChecker) CheckAll(ctx context.Context) {
	var wg sync.WaitGroup
	for _, m := range hc.catalog.List() {
		wg.Add(1)
		go func(modelID string) {
			defer wg.Done()
			hc.checkModel(ctx, modelID)
		}(m.ID)
	}
	wg.Wait()
}

func (hc *HealthChecker) checkModel(ctx context.Context, modelID string) {
	provider, _ := hc.adapters.ProviderFor(modelID)

	var (
		healthy bool
		reason  string
		latency time.Duration
	)
	adapter, err := hc.adapters.GetAdapter(modelID)
	if err != nil {
		reason = err.Error()
	} else {
		probeCtx, cancel := context.WithTimeout(ctx, hc.timeout)
		start := time.Now()
		healthy = adapter.IsAvailable(probeCtx)
		latency = time.Since(start)
		cancel()
		if !healthy {
			reason = fmt.Sprintf("model %s failed its availability probe", modelID)
		}
		if r, ok := adapter.(healthReporter); ok {
			r.SetHealth(healthy, latency, reason)
		}
	}

	hc.catalog.SetAvailable(modelID, healthy)
	hc.metrics.RecordModelHealth(provider, modelID, healthy)
	hc.record(modelID, healthy, latency, reason)

	if healthy {
		hc.logger.Debug("Model health check successful",
			zap.String("model", modelID),
			zap.Duration("latency", latency))
	} else {
		hc.logger.Warn("Model health check failed",
			zap.String("model", modelID),
			zap.Duration("latency", latency),
			zap.String("reason", reason))
	}
}

func (hc *HealthChecker) record(modelID string, healthy bool, latency time.Duration, reason string) {
	now := time.Now()

	hc.mu.Lock()
	defer hc.mu.Unlock()

	hc.statuses[modelID] = models.HealthStatus{
		Healthy:   healthy,
		Latency:   latency,
		LastCheck: now,
		Error:     reason,
	}

	m := hc.stats[modelID]
	if m == nil {
		m = &ModelMetrics{}
		hc.stats[modelID] = m
	}
	m.TotalChecks++
	m.LastCheck = now
	m.LastLatency = latency
	if healthy {
		m.SuccessfulChecks++
		if m.AverageLatency == 0 {
			m.AverageLatency = latency
		} else {
			// exponential moving average
			const alpha = 0.1
			m.AverageLatency = time.Duration(float64(m.AverageLatency)*(1-alpha) + float64(latency)*alpha)
		}
	} else {
		m.FailedChecks++
	}
	m.Uptime = float64(m.SuccessfulChecks) / float64(m.TotalChecks) * 100
}

// GetModelHealth returns the last probe result for a model.
func (hc *HealthChecker) GetModelHealth(modelID string) (models.HealthStatus, error) {
	hc.mu.RLock()
	defer hc.mu.RUnlock()

	status, ok := hc.statuses[modelID]
	if !ok {
		return models.HealthStatus{}, fmt.Errorf("model %s has not been checked", modelID)
	}
	return status, nil
}

// GetAllModelHealth returns the last probe result of every checked model.
func (hc *HealthChecker) GetAllModelHealth() map[string]models.HealthStatus {
	hc.mu.RLock()
	defer hc.mu.RUnlock()

	out := make(map[string]models.HealthStatus, len(hc.statuses))
	for id, s := range hc.statuses {
		out[id] = s
	}
	return out
}

// GetModelMetrics returns a copy of a model's probe history.
func (hc *HealthChecker) GetModelMetrics(modelID string) (ModelMetrics, error) {
	hc.mu.RLock()
	defer hc.mu.RUnlock()

	m, ok := hc.stats[modelID]
	if !ok {
		return ModelMetrics{}, fmt.Errorf("metrics for model %s not found", modelID)
	}
	return *m, nil
}

// ForceHealthCheck triggers an immediate check of every model.
func (hc *HealthChecker) ForceHealthCheck(ctx context.Context) {
	hc.logger.Info("Forcing health check for all models")
	hc.CheckAll(ctx)
}

// Interval returns the probe interval.
func (hc *HealthChecker) Interval() time.Duration {
	return hc.interval
}
