package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// MetricsCollector holds all Prometheus metrics for Warden.
// Uses a custom registry, no global state.
type MetricsCollector struct {
	Registry *prometheus.Registry

	// Tool call metrics, derived from the audit trail.
	ToolCallsTotal   *prometheus.CounterVec
	ToolCallDuration *prometheus.HistogramVec
	ClassifiedTotal  *prometheus.CounterVec
	ApprovalsTotal   *prometheus.CounterVec

	// Process execution metrics.
	ExecutionsTotal      *prometheus.CounterVec
	ExecutionDuration    *prometheus.HistogramVec
	OutputTruncatedTotal prometheus.Counter
	ActiveExecutions     prometheus.Gauge

	// HTTP gateway metrics.
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Gateway sessions.
	ActiveSessions prometheus.Gauge
}

// NewMetricsCollector creates a MetricsCollector with all metrics registered
// on a custom prometheus.Registry.
func NewMetricsCollector() *MetricsCollector {
	reg := prometheus.NewRegistry()

	m := &MetricsCollector{
		Registry: reg,

		ToolCallsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "warden",
			Subsystem: "tool",
			Name:      "calls_total",
			Help:      "Total tool calls by terminal status.",
		}, []string{"tool", "status"}),

		ToolCallDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "warden",
			Subsystem: "tool",
			Name:      "call_duration_seconds",
			Help:      "Tool call duration from request to end, in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"tool"}),

		ClassifiedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "warden",
			Subsystem: "policy",
			Name:      "classifications_total",
			Help:      "Total execution policy verdicts.",
		}, []string{"outcome"}),

		ApprovalsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "warden",
			Subsystem: "approval",
			Name:      "decisions_total",
			Help:      "Total resolved approval requests.",
		}, []string{"decision"}),

		ExecutionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "warden",
			Subsystem: "sandbox",
			Name:      "executions_total",
			Help:      "Total sandboxed process executions.",
		}, []string{"backend", "status"}),

		ExecutionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "warden",
			Subsystem: "sandbox",
			Name:      "execution_duration_seconds",
			Help:      "Sandboxed process wall time in seconds.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
		}, []string{"backend"}),

		OutputTruncatedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "warden",
			Subsystem: "sandbox",
			Name:      "output_truncated_total",
			Help:      "Executions whose retained output overflowed the ring buffer.",
		}),

		ActiveExecutions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "warden",
			Subsystem: "sandbox",
			Name:      "active_executions",
			Help:      "Number of currently running child processes.",
		}),

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "warden",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		}, []string{"method", "path", "status_code"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "warden",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),

		ActiveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "warden",
			Name:      "active_sessions",
			Help:      "Number of sessions attached to a gateway.",
		}),
	}

	reg.MustRegister(
		m.ToolCallsTotal,
		m.ToolCallDuration,
		m.ClassifiedTotal,
		m.ApprovalsTotal,
		m.ExecutionsTotal,
		m.ExecutionDuration,
		m.OutputTruncatedTotal,
		m.ActiveExecutions,
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.ActiveSessions,
	)

	return m
}
