package observe

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func newTestMetrics(t *testing.T) (*Metrics, *sdkmetric.MeterProvider, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	m, err := NewMetrics(mp)
	require.NoError(t, err)
	return m, mp, reader
}

func findMetric(t *testing.T, reader *sdkmetric.ManualReader, name string) *metricdata.Metrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == name {
				return &sm.Metrics[i]
			}
		}
	}
	return nil
}

func TestCounters(t *testing.T) {
	m, _, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordSubmission(ctx, "translate", "queued")
	m.RecordSubmission(ctx, "translate", "queued")
	m.RecordRendering(ctx, "failed")

	got := findMetric(t, reader, "lingochat.queue.submissions")
	require.NotNil(t, got)
	sum, ok := got.Data.(metricdata.Sum[int64])
	require.True(t, ok)
	require.Len(t, sum.DataPoints, 1)
	assert.EqualValues(t, 2, sum.DataPoints[0].Value)

	assert.NotNil(t, findMetric(t, reader, "lingochat.finalize.renderings"))
}

func TestHistogram(t *testing.T) {
	m, _, reader := newTestMetrics(t)
	m.RecordFinalize(context.Background(), time.Now().Add(-time.Second), "ready")

	got := findMetric(t, reader, "lingochat.finalize.duration")
	require.NotNil(t, got)
	hist, ok := got.Data.(metricdata.Histogram[float64])
	require.True(t, ok)
	require.Len(t, hist.DataPoints, 1)
	assert.EqualValues(t, 1, hist.DataPoints[0].Count)
}

func TestQueueGauge(t *testing.T) {
	_, mp, reader := newTestMetrics(t)
	require.NoError(t, QueueGauge(mp, map[string]func() int{
		"translate": func() int { return 3 },
	}))

	got := findMetric(t, reader, "lingochat.queue.length")
	require.NotNil(t, got)
	gauge, ok := got.Data.(metricdata.Gauge[int64])
	require.True(t, ok)
	require.Len(t, gauge.DataPoints, 1)
	assert.EqualValues(t, 3, gauge.DataPoints[0].Value)
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	ctx := context.Background()
	assert.NotPanics(t, func() {
		m.RecordSubmission(ctx, "q", "ok")
		m.RecordSettled(ctx, "q", "ok")
		m.RecordLookup(ctx, "translation", "redis")
		m.RecordFinalize(ctx, time.Now(), "ready")
		m.RecordRendering(ctx, "ready")
		m.RecordWarning(ctx, "translate")
		m.RecordProviderCall(ctx, "synthesize", time.Now(), nil)
	})
}
