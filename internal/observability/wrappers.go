package observability

import (
	"context"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/warden/internal/audit"
	"github.com/jkaninda/warden/internal/execpolicy"
	"github.com/jkaninda/warden/internal/runner"
	"github.com/jkaninda/warden/internal/sandbox"
	"github.com/jkaninda/warden/internal/session"
)

// --- InstrumentedExecutor ---

// InstrumentedExecutor wraps a session.Executor with metrics, tracing, and
// anomaly detection.
type InstrumentedExecutor struct {
	inner   session.Executor
	metrics *MetricsCollector
	tracer  trace.Tracer
	anomaly *AnomalyDetector
}

// NewInstrumentedExecutor wraps an executor with observability.
func NewInstrumentedExecutor(inner session.Executor, metrics *MetricsCollector, ts *TracerSetup, anomaly *AnomalyDetector) *InstrumentedExecutor {
	var tracer trace.Tracer
	if ts != nil {
		tracer = ts.Tracer()
	}
	return &InstrumentedExecutor{
		inner:   inner,
		metrics: metrics,
		tracer:  tracer,
		anomaly: anomaly,
	}
}

func (e *InstrumentedExecutor) Run(ctx context.Context, req runner.Request, onChunk func([]byte)) runner.Result {
	backend := string(sandbox.BackendNone)
	if req.Sandbox != nil && req.Sandbox.Confined() {
		backend = string(req.Sandbox.Backend)
	}

	var span trace.Span
	if e.tracer != nil {
		ctx, span = e.tracer.Start(ctx, "sandbox.execute",
			trace.WithAttributes(
				attribute.String("sandbox.backend", backend),
				attribute.String("process.command", execpolicy.Display(req.Argv)),
				attribute.String("process.cwd", req.Cwd),
			))
		defer span.End()
	}
	if e.metrics != nil {
		e.metrics.ActiveExecutions.Inc()
		defer e.metrics.ActiveExecutions.Dec()
	}

	start := time.Now()
	res := e.inner.Run(ctx, req, onChunk)
	duration := time.Since(start).Seconds()

	if span != nil {
		span.SetAttributes(
			attribute.String("process.status", res.Status.String()),
			attribute.Int("process.exit_code", res.ExitCode),
			attribute.Bool("process.output_truncated", res.Truncated),
		)
		if res.Err != nil && failed(res.Status) {
			span.RecordError(res.Err)
			span.SetStatus(codes.Error, res.Err.Error())
		}
	}

	if e.metrics != nil {
		e.metrics.ExecutionsTotal.WithLabelValues(backend, res.Status.String()).Inc()
		e.metrics.ExecutionDuration.WithLabelValues(backend).Observe(duration)
		if res.Truncated {
			e.metrics.OutputTruncatedTotal.Inc()
		}
	}

	if e.anomaly != nil {
		if failed(res.Status) {
			e.anomaly.RecordError("sandbox_" + backend)
		} else {
			e.anomaly.RecordSuccess("sandbox_" + backend)
		}
	}

	return res
}

// failed reports whether status is an execution failure rather than a
// normal, timed out, or cancelled end.
func failed(s runner.Status) bool {
	switch s {
	case runner.StatusExited, runner.StatusTimedOut, runner.StatusCancelled:
		return false
	default:
		return true
	}
}

// --- InstrumentedRecorder ---

// InstrumentedRecorder derives tool call and approval metrics from the audit
// events a session emits, then forwards them to the inner recorder.
type InstrumentedRecorder struct {
	inner   audit.Recorder
	metrics *MetricsCollector
	anomaly *AnomalyDetector
}

// NewInstrumentedRecorder wraps an audit recorder with observability.
func NewInstrumentedRecorder(inner audit.Recorder, metrics *MetricsCollector, anomaly *AnomalyDetector) *InstrumentedRecorder {
	if inner == nil {
		inner = audit.Nop{}
	}
	return &InstrumentedRecorder{inner: inner, metrics: metrics, anomaly: anomaly}
}

func (r *InstrumentedRecorder) Record(ctx context.Context, e audit.Event) error {
	switch e.Kind {
	case audit.KindToolCall:
		if r.metrics != nil {
			r.metrics.ToolCallsTotal.WithLabelValues(e.Tool, e.Status).Inc()
			r.metrics.ToolCallDuration.WithLabelValues(e.Tool).Observe(float64(e.DurationMs) / 1000)
			if e.Outcome != "" {
				r.metrics.ClassifiedTotal.WithLabelValues(e.Outcome).Inc()
			}
		}
		if r.anomaly != nil {
			if e.Status == "failed" {
				r.anomaly.RecordError("tool_" + e.Tool)
			} else {
				r.anomaly.RecordSuccess("tool_" + e.Tool)
			}
		}
	case audit.KindApproval:
		if r.metrics != nil {
			r.metrics.ApprovalsTotal.WithLabelValues(e.Status).Inc()
		}
	}
	return r.inner.Record(ctx, e)
}

func (r *InstrumentedRecorder) Close() error { return r.inner.Close() }

// --- Compile-time interface checks ---

var (
	_ session.Executor = (*InstrumentedExecutor)(nil)
	_ audit.Recorder   = (*InstrumentedRecorder)(nil)
)

// statusCode returns the HTTP status code as a string for metric labels.
func statusCode(code int) string {
	return strconv.Itoa(code)
}
