package presence

import (
	"context"
	"strconv"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/pslog"
)

type metrics struct {
	heartbeats   metric.Int64Counter
	entriesGauge metric.Int64ObservableGauge
}

func newMetrics(logger pslog.Logger, entries func() int64) *metrics {
	meter := otel.Meter("pkt.systems/scribed/presence")
	m := &metrics{}
	var err error

	m.heartbeats, err = meter.Int64Counter(
		"scribed.presence.heartbeat",
		metric.WithDescription("Presence heartbeats received"),
	)
	if err != nil {
		logger.Warn("telemetry.metric.init_failed", "name", "scribed.presence.heartbeat", "error", err)
	}

	m.entriesGauge, err = meter.Int64ObservableGauge(
		"scribed.presence.entries",
		metric.WithDescription("Live presence entries across all pages"),
	)
	if err != nil {
		logger.Warn("telemetry.metric.init_failed", "name", "scribed.presence.entries", "error", err)
		return m
	}
	if _, err := meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		o.ObserveInt64(m.entriesGauge, entries())
		return nil
	}, m.entriesGauge); err != nil {
		logger.Warn("telemetry.metric.callback_failed", "name", "scribed.presence.entries", "error", err)
	}
	return m
}

func (m *metrics) recordHeartbeat(ctx context.Context, editing bool) {
	if m == nil || m.heartbeats == nil {
		return
	}
	m.heartbeats.Add(ctx, 1, metric.WithAttributes(attribute.String("scribed.presence.editing", strconv.FormatBool(editing))))
}
