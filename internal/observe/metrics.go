// Package observe holds the service's OpenTelemetry metric instruments.
//
// A nil *Metrics is valid and records nothing, so components can be built
// without metrics in tests.
package observe

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "lingochat"

type Metrics struct {
	// QueueSubmissions counts Submit outcomes per queue: ok, queued, rejected
	QueueSubmissions metric.Int64Counter
	// QueueSettled counts queued units leaving a queue: ok, failed, exhausted
	QueueSettled metric.Int64Counter

	// TransformLookups counts getOrCreate results by source: redis, postgres, created, queued, skipped
	TransformLookups metric.Int64Counter

	FinalizeDuration metric.Float64Histogram
	// Renderings counts per-recipient outcomes by status
	Renderings metric.Int64Counter
	// Warnings counts per-recipient step failures by stage
	Warnings metric.Int64Counter

	ProviderDuration metric.Float64Histogram
}

var latencyBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 60,
}

// NewMetrics creates the instruments on mp
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.QueueSubmissions, err = m.Int64Counter("lingochat.queue.submissions",
		metric.WithDescription("Durable queue submissions by queue and outcome."),
	); err != nil {
		return nil, err
	}
	if met.QueueSettled, err = m.Int64Counter("lingochat.queue.settled",
		metric.WithDescription("Queued units settled by queue and outcome."),
	); err != nil {
		return nil, err
	}
	if met.TransformLookups, err = m.Int64Counter("lingochat.transform.lookups",
		metric.WithDescription("Derived text lookups by kind and source."),
	); err != nil {
		return nil, err
	}
	if met.FinalizeDuration, err = m.Float64Histogram("lingochat.finalize.duration",
		metric.WithDescription("Voice message finalize latency."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.Renderings, err = m.Int64Counter("lingochat.finalize.renderings",
		metric.WithDescription("Voice renderings written by status."),
	); err != nil {
		return nil, err
	}
	if met.Warnings, err = m.Int64Counter("lingochat.finalize.warnings",
		metric.WithDescription("Per-recipient step failures by stage."),
	); err != nil {
		return nil, err
	}
	if met.ProviderDuration, err = m.Float64Histogram("lingochat.provider.duration",
		metric.WithDescription("External service call latency by operation and status."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// QueueGauge registers an observable gauge reporting each queue's length
func QueueGauge(mp metric.MeterProvider, lengths map[string]func() int) error {
	m := mp.Meter(meterName)
	_, err := m.Int64ObservableGauge("lingochat.queue.length",
		metric.WithDescription("Units currently held by each durable queue."),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			for name, length := range lengths {
				o.Observe(int64(length()), metric.WithAttributes(attribute.String("queue", name)))
			}
			return nil
		}),
	)
	return err
}

func (m *Metrics) RecordSubmission(ctx context.Context, queue, outcome string) {
	if m == nil {
		return
	}
	m.QueueSubmissions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("queue", queue),
		attribute.String("outcome", outcome),
	))
}

func (m *Metrics) RecordSettled(ctx context.Context, queue, outcome string) {
	if m == nil {
		return
	}
	m.QueueSettled.Add(ctx, 1, metric.WithAttributes(
		attribute.String("queue", queue),
		attribute.String("outcome", outcome),
	))
}

func (m *Metrics) RecordLookup(ctx context.Context, kind, source string) {
	if m == nil {
		return
	}
	m.TransformLookups.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", kind),
		attribute.String("source", source),
	))
}

func (m *Metrics) RecordFinalize(ctx context.Context, started time.Time, status string) {
	if m == nil {
		return
	}
	m.FinalizeDuration.Record(ctx, time.Since(started).Seconds(),
		metric.WithAttributes(attribute.String("status", status)))
}

func (m *Metrics) RecordRendering(ctx context.Context, status string) {
	if m == nil {
		return
	}
	m.Renderings.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

func (m *Metrics) RecordWarning(ctx context.Context, stage string) {
	if m == nil {
		return
	}
	m.Warnings.Add(ctx, 1, metric.WithAttributes(attribute.String("stage", stage)))
}

// RecordProviderCall records the latency of one external call
func (m *Metrics) RecordProviderCall(ctx context.Context, operation string, started time.Time, err error) {
	if m == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.ProviderDuration.Record(ctx, time.Since(started).Seconds(), metric.WithAttributes(
		attribute.String("operation", operation),
		attribute.String("status", status),
	))
}
