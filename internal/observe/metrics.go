// Package observe provides observability primitives for castograph:
// OpenTelemetry metrics with a Prometheus exporter bridge.
//
// A package-level default [Metrics] instance ([Default]) is provided for
// convenience; tests should use [NewMetrics] with a private
// [metric.MeterProvider] to avoid cross-test pollution.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope for all castograph metrics.
const meterName = "github.com/castograph/castograph"

// Metrics holds all OpenTelemetry metric instruments for the pipeline.
// The underlying OTel types handle their own synchronisation.
type Metrics struct {
	// PhaseDuration tracks wall-clock time per pipeline phase. Attributes:
	//   attribute.String("phase", ...)
	PhaseDuration metric.Float64Histogram

	// ModelCallDuration tracks LLM/embedding call latency. Attributes:
	//   attribute.String("operation", ...), attribute.Int("key", ...)
	ModelCallDuration metric.Float64Histogram

	// ModelRequests counts model API calls. Attributes:
	//   attribute.String("operation", ...), attribute.Int("key", ...),
	//   attribute.String("status", "ok"|"error")
	ModelRequests metric.Int64Counter

	// ModelTokens counts estimated tokens charged against key budgets.
	// Attributes: attribute.String("operation", ...), attribute.Int("key", ...)
	ModelTokens metric.Int64Counter

	// UnitsExtracted counts per-unit extraction outcomes. Attributes:
	//   attribute.String("status", "ok"|"failed")
	UnitsExtracted metric.Int64Counter

	// Episodes counts finished episodes by terminal status. Attributes:
	//   attribute.String("status", "completed"|"failed"|"skipped")
	Episodes metric.Int64Counter

	// Rollbacks counts episode-wide rollbacks. Attributes:
	//   attribute.String("status", "ok"|"failed")
	Rollbacks metric.Int64Counter
}

// phase latencies run from sub-second (checkpoint I/O) to minutes
// (knowledge extraction over a long episode).
var durationBuckets = []float64{
	0.05, 0.25, 1, 5, 15, 60, 180, 600, 1800,
}

// NewMetrics creates a fully initialised [Metrics] using the given
// [metric.MeterProvider].
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.PhaseDuration, err = m.Float64Histogram("castograph.phase.duration",
		metric.WithDescription("Wall-clock duration of each pipeline phase."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(durationBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ModelCallDuration, err = m.Float64Histogram("castograph.model.duration",
		metric.WithDescription("Latency of model API calls."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(durationBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ModelRequests, err = m.Int64Counter("castograph.model.requests",
		metric.WithDescription("Number of model API calls."),
	); err != nil {
		return nil, err
	}
	if met.ModelTokens, err = m.Int64Counter("castograph.model.tokens",
		metric.WithDescription("Estimated tokens charged against key budgets."),
	); err != nil {
		return nil, err
	}
	if met.UnitsExtracted, err = m.Int64Counter("castograph.extraction.units",
		metric.WithDescription("Per-unit extraction outcomes."),
	); err != nil {
		return nil, err
	}
	if met.Episodes, err = m.Int64Counter("castograph.episodes",
		metric.WithDescription("Finished episodes by terminal status."),
	); err != nil {
		return nil, err
	}
	if met.Rollbacks, err = m.Int64Counter("castograph.rollbacks",
		metric.WithDescription("Episode-wide rollbacks."),
	); err != nil {
		return nil, err
	}

	return met, nil
}

var (
	defaultOnce    sync.Once
	defaultMetrics *Metrics
)

// Default returns the process-wide [Metrics] built from the global OTel
// meter provider. The first call initialises it; instrument creation errors
// fall back to a Metrics backed by the no-op provider.
func Default() *Metrics {
	defaultOnce.Do(func() {
		m, err := NewMetrics(otel.GetMeterProvider())
		if err != nil {
			m = &Metrics{}
		}
		defaultMetrics = m
	})
	return defaultMetrics
}

// RecordModelCall records one model API call outcome. Nil-safe so callers
// need not guard against a disabled metrics instance.
func (m *Metrics) RecordModelCall(ctx context.Context, operation string, key int, tokens int, elapsed time.Duration, err error) {
	if m == nil || m.ModelRequests == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	opAttr := attribute.String("operation", operation)
	keyAttr := attribute.Int("key", key)

	m.ModelRequests.Add(ctx, 1, metric.WithAttributes(opAttr, keyAttr, attribute.String("status", status)))
	m.ModelCallDuration.Record(ctx, elapsed.Seconds(), metric.WithAttributes(opAttr, keyAttr))
	if err == nil && tokens > 0 {
		m.ModelTokens.Add(ctx, int64(tokens), metric.WithAttributes(opAttr, keyAttr))
	}
}

// RecordPhase records one completed pipeline phase.
func (m *Metrics) RecordPhase(ctx context.Context, phase string, elapsed time.Duration) {
	if m == nil || m.PhaseDuration == nil {
		return
	}
	m.PhaseDuration.Record(ctx, elapsed.Seconds(), metric.WithAttributes(attribute.String("phase", phase)))
}

// RecordUnit records one per-unit extraction outcome.
func (m *Metrics) RecordUnit(ctx context.Context, failed bool) {
	if m == nil || m.UnitsExtracted == nil {
		return
	}
	status := "ok"
	if failed {
		status = "failed"
	}
	m.UnitsExtracted.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

// RecordEpisode records a finished episode.
func (m *Metrics) RecordEpisode(ctx context.Context, status string) {
	if m == nil || m.Episodes == nil {
		return
	}
	m.Episodes.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

// RecordRollback records an episode rollback attempt.
func (m *Metrics) RecordRollback(ctx context.Context, err error) {
	if m == nil || m.Rollbacks == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "failed"
	}
	m.Rollbacks.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}
