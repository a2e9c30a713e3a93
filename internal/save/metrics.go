package save

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/pslog"
)

type metrics struct {
	saves       metric.Int64Counter
	saveLatency metric.Int64Histogram
	steps       metric.Int64Counter
}

func newMetrics(logger pslog.Logger) *metrics {
	meter := otel.Meter("pkt.systems/scribed/save")
	m := &metrics{}
	var err error

	m.saves, err = meter.Int64Counter(
		"scribed.save",
		metric.WithDescription("Save pipeline runs by outcome"),
	)
	logMetricInitError(logger, "scribed.save", err)

	m.saveLatency, err = meter.Int64Histogram(
		"scribed.save.duration_ms",
		metric.WithDescription("Save pipeline duration"),
		metric.WithUnit("ms"),
	)
	logMetricInitError(logger, "scribed.save.duration_ms", err)

	m.steps, err = meter.Int64Counter(
		"scribed.save.step",
		metric.WithDescription("Save pipeline steps by status"),
	)
	logMetricInitError(logger, "scribed.save.step", err)
	return m
}

func (m *metrics) recordSave(ctx context.Context, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("scribed.save.outcome", outcome))
	if m.saves != nil {
		m.saves.Add(ctx, 1, attrs)
	}
	if m.saveLatency != nil && elapsed > 0 {
		m.saveLatency.Record(ctx, elapsed.Milliseconds(), attrs)
	}
}

func (m *metrics) recordStep(ctx context.Context, step string, status StepStatus) {
	if m == nil || m.steps == nil {
		return
	}
	m.steps.Add(ctx, 1, metric.WithAttributes(
		attribute.String("scribed.save.step", step),
		attribute.String("scribed.save.status", string(status)),
	))
}

func logMetricInitError(logger pslog.Logger, name string, err error) {
	if err == nil || logger == nil {
		return
	}
	logger.Warn("telemetry.metric.init_failed", "name", name, "error", err)
}
