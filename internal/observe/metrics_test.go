package observe

import (
	"context"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/candorlab/candor/internal/pipeline"
)

// newTestMetrics returns a Metrics instance backed by a ManualReader for
// programmatic metric inspection.
func newTestMetrics(t *testing.T) (*Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m, reader
}

// collect gathers all metric data from the reader.
func collect(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	return rm
}

// findMetric searches for a metric by name across all scope metrics.
func findMetric(rm metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == name {
				return &sm.Metrics[i]
			}
		}
	}
	return nil
}

func TestNewMetrics_CreatesWithoutError(t *testing.T) {
	m, _ := newTestMetrics(t)
	if m == nil {
		t.Fatal("NewMetrics returned nil")
	}
}

func TestRecordStage(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordStage(ctx, "transcription", "succeeded", 1200*time.Millisecond)
	m.RecordStage(ctx, "transcription", "succeeded", 800*time.Millisecond)
	m.RecordStage(ctx, "deep_analysis", "degraded", 3*time.Second)

	rm := collect(t, reader)

	met := findMetric(rm, "candor.stage.duration")
	if met == nil {
		t.Fatal("candor.stage.duration not found")
	}
	hist, ok := met.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatal("candor.stage.duration is not a histogram")
	}
	var total uint64
	for _, dp := range hist.DataPoints {
		total += dp.Count
	}
	if total != 3 {
		t.Errorf("stage duration sample count = %d, want 3", total)
	}

	// Only the degraded stage should increment the failure counter.
	met = findMetric(rm, "candor.stage.failures")
	if met == nil {
		t.Fatal("candor.stage.failures not found")
	}
	sum, ok := met.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatal("candor.stage.failures is not a sum")
	}
	var failures int64
	for _, dp := range sum.DataPoints {
		failures += dp.Value
	}
	if failures != 1 {
		t.Errorf("stage failure count = %d, want 1", failures)
	}
}

func TestRecordRun(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordRun(ctx, true, 5*time.Second)
	m.RecordRun(ctx, true, 7*time.Second)
	m.RecordRun(ctx, false, time.Second)

	rm := collect(t, reader)
	met := findMetric(rm, "candor.analysis.runs")
	if met == nil {
		t.Fatal("candor.analysis.runs not found")
	}
	sum, ok := met.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatal("candor.analysis.runs is not a sum")
	}

	counts := map[string]int64{}
	for _, dp := range sum.DataPoints {
		for _, kv := range dp.Attributes.ToSlice() {
			if string(kv.Key) == "status" {
				counts[kv.Value.AsString()] = dp.Value
			}
		}
	}
	if counts["succeeded"] != 2 {
		t.Errorf("succeeded runs = %d, want 2", counts["succeeded"])
	}
	if counts["failed"] != 1 {
		t.Errorf("failed runs = %d, want 1", counts["failed"])
	}
}

func TestActiveSessionsGauge(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.ActiveSessions.Add(ctx, 1)
	m.ActiveSessions.Add(ctx, 1)
	m.ActiveSessions.Add(ctx, -1)

	rm := collect(t, reader)
	met := findMetric(rm, "candor.active_sessions")
	if met == nil {
		t.Fatal("candor.active_sessions not found")
	}
	sum, ok := met.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatal("candor.active_sessions is not a sum")
	}
	if len(sum.DataPoints) == 0 {
		t.Fatal("no data points")
	}
	if got := sum.DataPoints[0].Value; got != 1 {
		t.Errorf("active sessions = %d, want 1", got)
	}
}

func TestPipelineObserver(t *testing.T) {
	m, reader := newTestMetrics(t)
	obs := NewPipelineObserver(m)

	obs.StageCompleted("emotion_analysis", pipeline.StageDegraded, 250*time.Millisecond)
	obs.RunCompleted(true, 4*time.Second)

	rm := collect(t, reader)
	if findMetric(rm, "candor.stage.duration") == nil {
		t.Error("stage duration not recorded via observer")
	}
	if findMetric(rm, "candor.analysis.runs") == nil {
		t.Error("run counter not recorded via observer")
	}
}
