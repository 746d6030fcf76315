package telemetry

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "fetchgate"

var (
	metricsOnce        sync.Once
	metricsInitErr     error
	lifecycleCounter   metric.Int64Counter
	lifecycleLatency   metric.Float64Histogram
	redirectCounter    metric.Int64Counter
	gateVerdictCounter metric.Int64Counter
)

// LifecycleMetrics captures the fields recorded when a request lifecycle ends.
type LifecycleMetrics struct {
	State     string
	Code      string
	Mode      string
	Trust     string
	Duration  time.Duration
	Redirects int
}

// RecordLifecycleMetrics emits counters and histograms describing a finished
// request.
func RecordLifecycleMetrics(ctx context.Context, m LifecycleMetrics) {
	if err := ensureMetrics(); err != nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("request.state", m.State),
		attribute.String("request.code", m.Code),
		attribute.String("request.mode", m.Mode),
		attribute.String("client.trust", m.Trust),
	}

	lifecycleCounter.Add(ctx, 1, metric.WithAttributes(attrs...))
	if m.Duration > 0 {
		lifecycleLatency.Record(ctx, float64(m.Duration)/float64(time.Millisecond), metric.WithAttributes(attrs...))
	}
	if m.Redirects > 0 {
		redirectCounter.Add(ctx, int64(m.Redirects), metric.WithAttributes(attrs...))
	}
}

// RecordGateVerdict counts one response gate evaluation.
func RecordGateVerdict(ctx context.Context, check string, blocked bool) {
	if err := ensureMetrics(); err != nil {
		return
	}
	verdict := "allow"
	if blocked {
		verdict = "blocked"
	}
	gateVerdictCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("gate.check", check),
		attribute.String("gate.verdict", verdict),
	))
}

func ensureMetrics() error {
	metricsOnce.Do(func() {
		meter := otel.GetMeterProvider().Meter(instrumentationName)

		lifecycleCounter, metricsInitErr = meter.Int64Counter(
			"fetchgate.requests_total",
			metric.WithDescription("Finished request lifecycles partitioned by terminal state"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		lifecycleLatency, metricsInitErr = meter.Float64Histogram(
			"fetchgate.request.duration_ms",
			metric.WithDescription("Time from start to terminal state"),
			metric.WithUnit("ms"),
		)
		if metricsInitErr != nil {
			return
		}

		redirectCounter, metricsInitErr = meter.Int64Counter(
			"fetchgate.redirects_total",
			metric.WithDescription("Redirect hops followed by finished requests"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		gateVerdictCounter, metricsInitErr = meter.Int64Counter(
			"fetchgate.gate.verdicts_total",
			metric.WithDescription("Response gate verdicts by deciding check"),
			metric.WithUnit("{count}"),
		)
	})

	return metricsInitErr
}

// Tracer returns the package tracer from the global provider.
func Tracer() trace.Tracer {
	return otel.Tracer(instrumentationName)
}

// RecordSecurityEvent attaches a coarse-grained security event to the span
// without leaking sensitive data.
func RecordSecurityEvent(span trace.Span, blocked bool, kind, reason string) {
	if span == nil || !span.IsRecording() {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.Bool("security.blocked", blocked),
		attribute.String("security.kind", kind),
	}
	if reason != "" {
		attrs = append(attrs, attribute.String("security.block_reason", reason))
	}

	span.AddEvent("security.event", trace.WithAttributes(attrs...))
}
