package locks

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/pslog"
)

const (
	opAcquire = "acquire"
	opExtend  = "extend"
)

type metrics struct {
	acquireCount metric.Int64Counter
	extendCount  metric.Int64Counter
	releaseCount metric.Int64Counter
	evictedCount metric.Int64Counter
	activeGauge  metric.Int64ObservableGauge
}

func newMetrics(logger pslog.Logger, active func() int64) *metrics {
	meter := otel.Meter("pkt.systems/scribed/locks")
	m := &metrics{}
	var err error

	m.acquireCount, err = meter.Int64Counter(
		"scribed.lock.acquire",
		metric.WithDescription("Lock acquire attempts"),
	)
	logMetricInitError(logger, "scribed.lock.acquire", err)

	m.extendCount, err = meter.Int64Counter(
		"scribed.lock.extend",
		metric.WithDescription("Lock extend attempts"),
	)
	logMetricInitError(logger, "scribed.lock.extend", err)

	m.releaseCount, err = meter.Int64Counter(
		"scribed.lock.release",
		metric.WithDescription("Lock release attempts"),
	)
	logMetricInitError(logger, "scribed.lock.release", err)

	m.evictedCount, err = meter.Int64Counter(
		"scribed.lock.evicted",
		metric.WithDescription("Locks evicted after expiry"),
	)
	logMetricInitError(logger, "scribed.lock.evicted", err)

	m.activeGauge, err = meter.Int64ObservableGauge(
		"scribed.lock.active",
		metric.WithDescription("Live locks"),
	)
	logMetricInitError(logger, "scribed.lock.active", err)

	if m.activeGauge != nil && active != nil {
		if _, err := meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
			o.ObserveInt64(m.activeGauge, active())
			return nil
		}, m.activeGauge); err != nil && logger != nil {
			logger.Warn("telemetry.metric.callback_failed", "name", "scribed.lock.active", "error", err)
		}
	}
	return m
}

func (m *metrics) recordOp(ctx context.Context, op string, err error) {
	if m == nil {
		return
	}
	counter := m.acquireCount
	if op == opExtend {
		counter = m.extendCount
	}
	if counter == nil {
		return
	}
	counter.Add(ctx, 1, metric.WithAttributes(attribute.String("scribed.result", resultLabel(err))))
}

func (m *metrics) recordRelease(ctx context.Context, released bool, err error) {
	if m == nil || m.releaseCount == nil {
		return
	}
	result := resultLabel(err)
	if err == nil && !released {
		result = "noop"
	}
	m.releaseCount.Add(ctx, 1, metric.WithAttributes(attribute.String("scribed.result", result)))
}

func (m *metrics) recordEvicted() {
	if m == nil || m.evictedCount == nil {
		return
	}
	m.evictedCount.Add(context.Background(), 1)
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	default:
		return "error"
	}
}

func logMetricInitError(logger pslog.Logger, name string, err error) {
	if err == nil || logger == nil {
		return
	}
	logger.Warn("telemetry.metric.init_failed", "name", name, "error", err)
}
