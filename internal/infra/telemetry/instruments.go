package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// Meter names per service binary.
const (
	ConsumerMeter = "consumer.meter"
	RedoerMeter   = "redoer.meter"
	ExporterMeter = "exporter.meter"
)

func meterOrNoop(meter metric.Meter) metric.Meter {
	if meter == nil {
		return noop.NewMeterProvider().Meter("")
	}
	return meter
}

// ConsumerMetrics records per-message consumer outcomes.
type ConsumerMetrics struct {
	messages metric.Int64Counter
	duration metric.Float64Histogram
}

// NewConsumerMetrics creates the consumer instruments on meter. A nil meter yields no-op instruments.
func NewConsumerMetrics(meter metric.Meter) *ConsumerMetrics {
	meter = meterOrNoop(meter)
	messages, _ := meter.Int64Counter("consumer.messages.count",
		metric.WithDescription("Number of messages processed by the consumer"),
		metric.WithUnit("{message}"))
	duration, _ := meter.Float64Histogram("consumer.messages.duration",
		metric.WithDescription("Time spent processing one message"),
		metric.WithUnit("s"))
	return &ConsumerMetrics{messages: messages, duration: duration}
}

// RecordMessage counts one processed message and its duration.
func (m *ConsumerMetrics) RecordMessage(ctx context.Context, outcome string, ok bool, elapsed time.Duration) {
	if m == nil || m.messages == nil {
		return
	}
	attrs := append(ServiceAttributes(Environment(), "consumer", StatusOf(ok)), AttrOutcome.String(outcome))
	opt := metric.WithAttributes(attrs...)
	m.messages.Add(ctx, 1, opt)
	m.duration.Record(ctx, elapsed.Seconds(), opt)
}

// RedoMetrics records redo processing activity.
type RedoMetrics struct {
	messages metric.Int64Counter
	duration metric.Float64Histogram
	pending  metric.Int64Gauge
	dropped  metric.Int64Counter
}

// NewRedoMetrics creates the redoer instruments on meter. A nil meter yields no-op instruments.
func NewRedoMetrics(meter metric.Meter) *RedoMetrics {
	meter = meterOrNoop(meter)
	messages, _ := meter.Int64Counter("redoer.messages.count",
		metric.WithDescription("Number of redo items processed"),
		metric.WithUnit("{item}"))
	duration, _ := meter.Float64Histogram("redoer.messages.duration",
		metric.WithDescription("Time spent processing one redo item"),
		metric.WithUnit("s"))
	pending, _ := meter.Int64Gauge("redoer.queue.count",
		metric.WithDescription("Pending redo items reported by the engine"),
		metric.WithUnit("{item}"))
	dropped, _ := meter.Int64Counter("redoer.items.dropped",
		metric.WithDescription("Redo items dropped after exhausting retries or failing permanently"),
		metric.WithUnit("{item}"))
	return &RedoMetrics{messages: messages, duration: duration, pending: pending, dropped: dropped}
}

// RecordItem counts one processing attempt.
func (m *RedoMetrics) RecordItem(ctx context.Context, ok bool, elapsed time.Duration) {
	if m == nil || m.messages == nil {
		return
	}
	opt := metric.WithAttributes(ServiceAttributes(Environment(), "redoer", StatusOf(ok))...)
	m.messages.Add(ctx, 1, opt)
	m.duration.Record(ctx, elapsed.Seconds(), opt)
}

// SetPending records the latest pending redo count.
func (m *RedoMetrics) SetPending(ctx context.Context, count int64) {
	if m == nil || m.pending == nil {
		return
	}
	m.pending.Record(ctx, count, metric.WithAttributes(
		AttrEnvironment.String(Environment()),
		AttrService.String("redoer"),
	))
}

// RecordDrop counts one dropped redo item.
func (m *RedoMetrics) RecordDrop(ctx context.Context, reason string) {
	if m == nil || m.dropped == nil {
		return
	}
	m.dropped.Add(ctx, 1, metric.WithAttributes(
		AttrEnvironment.String(Environment()),
		AttrService.String("redoer"),
		AttrReason.String(reason),
	))
}

// ExporterMetrics records one-shot export runs.
type ExporterMetrics struct {
	runs     metric.Int64Counter
	duration metric.Float64Histogram
	entities metric.Int64Counter
	bytes    metric.Int64Counter
}

// NewExporterMetrics creates the exporter instruments on meter. A nil meter yields no-op instruments.
func NewExporterMetrics(meter metric.Meter) *ExporterMetrics {
	meter = meterOrNoop(meter)
	runs, _ := meter.Int64Counter("exporter.export.count",
		metric.WithDescription("Number of export runs"),
		metric.WithUnit("{run}"))
	duration, _ := meter.Float64Histogram("exporter.export.duration",
		metric.WithDescription("Wall-clock duration of an export run"),
		metric.WithUnit("s"))
	entities, _ := meter.Int64Counter("exporter.export.entities",
		metric.WithDescription("Entity documents written to export artifacts"),
		metric.WithUnit("{entity}"))
	bytes, _ := meter.Int64Counter("exporter.export.bytes",
		metric.WithDescription("Bytes uploaded to object storage"),
		metric.WithUnit("By"))
	return &ExporterMetrics{runs: runs, duration: duration, entities: entities, bytes: bytes}
}

// RecordRun records the outcome of one export run.
func (m *ExporterMetrics) RecordRun(ctx context.Context, mode string, ok bool, elapsed time.Duration, entities, bytes int64) {
	if m == nil || m.runs == nil {
		return
	}
	attrs := []attribute.KeyValue{
		AttrEnvironment.String(Environment()),
		AttrService.String("exporter"),
		AttrStatus.String(StatusOf(ok)),
		AttrExportMode.String(mode),
	}
	opt := metric.WithAttributes(attrs...)
	m.runs.Add(ctx, 1, opt)
	m.duration.Record(ctx, elapsed.Seconds(), opt)
	if entities > 0 {
		m.entities.Add(ctx, entities, opt)
	}
	if bytes > 0 {
		m.bytes.Add(ctx, bytes, opt)
	}
}
