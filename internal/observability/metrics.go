// Package observability wires metrics, tracing, and health probes for
// the orchestrator. Nothing here is global state: collectors and tracer
// providers are constructed once and injected.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// MetricsCollector holds all Prometheus metrics on a custom registry.
type MetricsCollector struct {
	Registry *prometheus.Registry

	// Query loop metrics.
	QueriesTotal    *prometheus.CounterVec
	QueryDuration   prometheus.Histogram
	QueryIterations prometheus.Histogram
	ActiveQueries   prometheus.Gauge

	// LLM metrics.
	LLMRequestsTotal *prometheus.CounterVec
	TokensUsedTotal  prometheus.Counter

	// Sandbox metrics.
	SandboxExecutionsTotal   *prometheus.CounterVec
	SandboxExecutionDuration *prometheus.HistogramVec

	// Snapshot metrics.
	SnapshotOpsTotal *prometheus.CounterVec

	// Session metrics.
	ActiveSessions prometheus.Gauge
}

// NewMetricsCollector creates a collector with every metric registered
// on a fresh registry.
func NewMetricsCollector() *MetricsCollector {
	reg := prometheus.NewRegistry()

	m := &MetricsCollector{
		Registry: reg,

		QueriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rlm",
			Subsystem: "query",
			Name:      "completed_total",
			Help:      "Completed queries by termination reason.",
		}, []string{"termination_reason"}),

		QueryDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "rlm",
			Subsystem: "query",
			Name:      "duration_seconds",
			Help:      "End-to-end query duration in seconds.",
			Buckets:   []float64{0.5, 1, 5, 15, 30, 60, 120, 300},
		}),

		QueryIterations: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "rlm",
			Subsystem: "query",
			Name:      "iterations",
			Help:      "Loop iterations consumed per query.",
			Buckets:   []float64{1, 2, 5, 10, 25, 50, 100},
		}),

		ActiveQueries: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "rlm",
			Subsystem: "query",
			Name:      "active",
			Help:      "Queries currently in flight.",
		}),

		LLMRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rlm",
			Subsystem: "llm",
			Name:      "requests_total",
			Help:      "LLM round-trips by provider and status.",
		}, []string{"provider", "status"}),

		TokensUsedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "rlm",
			Subsystem: "llm",
			Name:      "tokens_used_total",
			Help:      "Total tokens charged against query budgets.",
		}),

		SandboxExecutionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rlm",
			Subsystem: "sandbox",
			Name:      "executions_total",
			Help:      "Sandbox executions by type and status.",
		}, []string{"type", "status"}),

		SandboxExecutionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "rlm",
			Subsystem: "sandbox",
			Name:      "execution_duration_seconds",
			Help:      "Sandbox execution duration in seconds.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
		}, []string{"type"}),

		SnapshotOpsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rlm",
			Subsystem: "snapshot",
			Name:      "operations_total",
			Help:      "Snapshot operations by kind and status.",
		}, []string{"operation", "status"}),

		ActiveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "rlm",
			Subsystem: "session",
			Name:      "active",
			Help:      "Live sessions.",
		}),
	}

	reg.MustRegister(
		m.QueriesTotal,
		m.QueryDuration,
		m.QueryIterations,
		m.ActiveQueries,
		m.LLMRequestsTotal,
		m.TokensUsedTotal,
		m.SandboxExecutionsTotal,
		m.SandboxExecutionDuration,
		m.SnapshotOpsTotal,
		m.ActiveSessions,
	)

	return m
}
