package observe

import (
	"context"
	"errors"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func newTestMetrics(t *testing.T) (*Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m, reader
}

func collect(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	return rm
}

func metricNames(rm metricdata.ResourceMetrics) map[string]bool {
	names := map[string]bool{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			names[m.Name] = true
		}
	}
	return names
}

func TestRecordModelCall(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordModelCall(ctx, "chat", 0, 1200, 800*time.Millisecond, nil)
	m.RecordModelCall(ctx, "chat", 1, 0, time.Second, errors.New("boom"))

	names := metricNames(collect(t, reader))
	for _, want := range []string{"castograph.model.requests", "castograph.model.duration", "castograph.model.tokens"} {
		if !names[want] {
			t.Errorf("metric %q not recorded", want)
		}
	}
}

func TestRecordPhaseAndEpisode(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordPhase(ctx, "SPEAKER_IDENTIFICATION", 3*time.Second)
	m.RecordEpisode(ctx, "completed")
	m.RecordUnit(ctx, false)
	m.RecordUnit(ctx, true)
	m.RecordRollback(ctx, nil)

	names := metricNames(collect(t, reader))
	for _, want := range []string{"castograph.phase.duration", "castograph.episodes", "castograph.extraction.units", "castograph.rollbacks"} {
		if !names[want] {
			t.Errorf("metric %q not recorded", want)
		}
	}
}

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	ctx := context.Background()

	// Must not panic.
	m.RecordModelCall(ctx, "chat", 0, 1, time.Second, nil)
	m.RecordPhase(ctx, "x", time.Second)
	m.RecordUnit(ctx, false)
	m.RecordEpisode(ctx, "failed")
	m.RecordRollback(ctx, nil)
}
