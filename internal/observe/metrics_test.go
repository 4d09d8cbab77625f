package observe

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
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

func TestHistogramObservation(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	histograms := []struct {
		name string
		h    metric.Float64Histogram
	}{
		{"kiosk.connect.duration", m.ConnectDuration},
		{"kiosk.persist.duration", m.PersistDuration},
	}

	for _, tc := range histograms {
		tc.h.Record(ctx, 0.123)
		tc.h.Record(ctx, 0.456)
	}

	rm := collect(t, reader)

	for _, tc := range histograms {
		t.Run(tc.name, func(t *testing.T) {
			met := findMetric(rm, tc.name)
			if met == nil {
				t.Fatalf("metric %q not found", tc.name)
			}
			hist, ok := met.Data.(metricdata.Histogram[float64])
			if !ok {
				t.Fatalf("metric %q is not a histogram", tc.name)
			}
			if len(hist.DataPoints) == 0 {
				t.Fatalf("metric %q has no data points", tc.name)
			}
			if got := hist.DataPoints[0].Count; got != 2 {
				t.Errorf("sample count = %d, want 2", got)
			}
		})
	}
}

// sumFor returns the value of the data point carrying key=value, and whether
// it was found.
func sumFor(t *testing.T, rm metricdata.ResourceMetrics, name, key, value string) (int64, bool) {
	t.Helper()
	met := findMetric(rm, name)
	if met == nil {
		t.Fatalf("metric %q not found", name)
	}
	sum, ok := met.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("metric %q is not a sum", name)
	}
	for _, dp := range sum.DataPoints {
		for _, kv := range dp.Attributes.ToSlice() {
			if string(kv.Key) == key && kv.Value.AsString() == value {
				return dp.Value, true
			}
		}
	}
	return 0, false
}

func TestRecordMessage(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordMessage(ctx, "out", "response.create")
	m.RecordMessage(ctx, "out", "response.create")
	m.RecordMessage(ctx, "in", "response.done")

	rm := collect(t, reader)
	got, ok := sumFor(t, rm, "kiosk.transport.messages", "type", "response.create")
	if !ok {
		t.Fatal("data point with type=response.create not found")
	}
	if got != 2 {
		t.Errorf("counter value = %d, want 2", got)
	}
}

func TestRecordTransportError(t *testing.T) {
	m, reader := newTestMetrics(t)
	m.RecordTransportError(context.Background(), "protocol")

	got, ok := sumFor(t, collect(t, reader), "kiosk.transport.errors", "kind", "protocol")
	if !ok || got != 1 {
		t.Errorf("protocol errors = %d (found=%v), want 1", got, ok)
	}
}

func TestRecordPlayback(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordPlayback(ctx, "played")
	m.RecordPlayback(ctx, "failed")
	m.RecordPlayback(ctx, "played")

	got, ok := sumFor(t, collect(t, reader), "kiosk.playback.buffers", "status", "played")
	if !ok || got != 2 {
		t.Errorf("played = %d (found=%v), want 2", got, ok)
	}
}

func TestRecordResponse(t *testing.T) {
	m, reader := newTestMetrics(t)
	m.RecordResponse(context.Background(), "silence")

	got, ok := sumFor(t, collect(t, reader), "kiosk.conversation.responses", "trigger", "silence")
	if !ok || got != 1 {
		t.Errorf("silence responses = %d (found=%v), want 1", got, ok)
	}
}

func TestRecordStoreOp(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordStoreOp(ctx, "postgres", "write", "ok")
	m.RecordStoreOp(ctx, "postgres", "write", "error")

	got, ok := sumFor(t, collect(t, reader), "kiosk.store.operations", "status", "error")
	if !ok || got != 1 {
		t.Errorf("errors = %d (found=%v), want 1", got, ok)
	}
}

func TestPlainCounters(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.CaptureFrames.Add(ctx, 3)
	m.Interruptions.Add(ctx, 1)
	m.ActiveSessions.Add(ctx, 1)
	m.ActiveSessions.Add(ctx, 1)
	m.ActiveSessions.Add(ctx, -1)

	rm := collect(t, reader)

	counters := []struct {
		name string
		want int64
	}{
		{"kiosk.capture.frames", 3},
		{"kiosk.conversation.interruptions", 1},
		{"kiosk.active_sessions", 1},
	}

	for _, tc := range counters {
		t.Run(tc.name, func(t *testing.T) {
			met := findMetric(rm, tc.name)
			if met == nil {
				t.Fatalf("metric %q not found", tc.name)
			}
			sum, ok := met.Data.(metricdata.Sum[int64])
			if !ok {
				t.Fatalf("metric %q is not a sum", tc.name)
			}
			if len(sum.DataPoints) == 0 {
				t.Fatalf("metric %q has no data points", tc.name)
			}
			if got := sum.DataPoints[0].Value; got != tc.want {
				t.Errorf("value = %d, want %d", got, tc.want)
			}
		})
	}
}

func TestDefaultMetrics_ReturnsSameInstance(t *testing.T) {
	// DefaultMetrics uses the global OTel provider so we just check
	// that repeated calls return the same pointer.
	a := DefaultMetrics()
	b := DefaultMetrics()
	if a != b {
		t.Error("DefaultMetrics returned different pointers")
	}
}
