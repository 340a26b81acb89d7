package observability

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/terraphim/terraphim-rlm/internal/config"
)

// Observability bundles the enabled subsystems. A nil config yields a
// nil bundle; every method on a nil bundle is a safe no-op.
type Observability struct {
	Metrics *MetricsCollector
	Tracer  *TracerSetup
	Health  *HealthChecker

	metricsServer *http.Server
	logger        *slog.Logger
}

// New constructs the subsystems named in cfg. Disabled subsystems stay
// nil.
func New(cfg *config.ObservabilityConfig, logger *slog.Logger) (*Observability, error) {
	if cfg == nil {
		return nil, nil
	}
	if logger == nil {
		logger = slog.Default()
	}

	obs := &Observability{
		Health: NewHealthChecker(logger),
		logger: logger,
	}

	if cfg.Metrics != nil && cfg.Metrics.Enabled {
		obs.Metrics = NewMetricsCollector()
	}

	tracer, err := NewTracerSetup(cfg.Tracing)
	if err != nil {
		return nil, err
	}
	obs.Tracer = tracer

	return obs, nil
}

// ServeMetrics starts the Prometheus exposition endpoint in the
// background. No-op when metrics are disabled.
func (o *Observability) ServeMetrics(cfg *config.MetricsConfig) {
	if o == nil || o.Metrics == nil || cfg == nil {
		return
	}
	addr := cfg.Addr
	if addr == "" {
		addr = ":9464"
	}
	path := cfg.Path
	if path == "" {
		path = "/metrics"
	}

	mux := http.NewServeMux()
	mux.Handle(path, promhttp.HandlerFor(o.Metrics.Registry, promhttp.HandlerOpts{}))
	o.metricsServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		o.logger.Info("metrics endpoint listening",
			slog.String("addr", addr),
			slog.String("path", path),
		)
		if err := o.metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			o.logger.Error("metrics server failed", slog.String("error", err.Error()))
		}
	}()
}

// Shutdown stops the metrics server and flushes pending spans.
func (o *Observability) Shutdown(ctx context.Context) {
	if o == nil {
		return
	}
	if o.metricsServer != nil {
		_ = o.metricsServer.Shutdown(ctx)
	}
	if err := o.Tracer.Shutdown(ctx); err != nil {
		o.logger.Warn("tracer shutdown failed", slog.String("error", err.Error()))
	}
}
