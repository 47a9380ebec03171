package eventbus

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/tradegate/internal/domain/schema"
	"github.com/coachpo/tradegate/internal/infra/telemetry"
)

type busMetrics struct {
	published   metric.Int64Counter
	subscribers metric.Int64UpDownCounter
	failed      metric.Int64Counter
	displaced   metric.Int64Counter
	fanout      metric.Int64Histogram
	latency     metric.Float64Histogram
}

func newBusMetrics() busMetrics {
	meter := otel.Meter("eventbus")
	var m busMetrics
	m.published, _ = meter.Int64Counter("tradegate.eventbus.published",
		metric.WithDescription("Lifecycle events delivered to at least one subscriber"),
		metric.WithUnit("{event}"))
	m.subscribers, _ = meter.Int64UpDownCounter("tradegate.eventbus.subscribers",
		metric.WithDescription("Open subscriptions"),
		metric.WithUnit("{subscriber}"))
	m.failed, _ = meter.Int64Counter("tradegate.eventbus.failed",
		metric.WithDescription("Publishes that could not reach every subscriber"),
		metric.WithUnit("{event}"))
	m.displaced, _ = meter.Int64Counter("tradegate.eventbus.displaced",
		metric.WithDescription("Buffered events discarded to make room for newer ones"),
		metric.WithUnit("{event}"))
	m.fanout, _ = meter.Int64Histogram("tradegate.eventbus.fanout",
		metric.WithDescription("Subscribers reached per publish"),
		metric.WithUnit("{subscriber}"))
	m.latency, _ = meter.Float64Histogram("tradegate.eventbus.publish.latency",
		metric.WithDescription("Publish latency including fanout"),
		metric.WithUnit("ms"))
	return m
}

func eventAttrs(evt schema.Event) metric.MeasurementOption {
	return metric.WithAttributes(telemetry.EventAttributes(telemetry.Environment(), string(evt.Type), evt.Symbol)...)
}

func typeAttrs(typ schema.EventType) metric.MeasurementOption {
	return metric.WithAttributes(
		telemetry.AttrEnvironment.String(telemetry.Environment()),
		telemetry.AttrEventType.String(string(typ)))
}

func (m busMetrics) subscribed(typ schema.EventType, delta int64) {
	m.subscribers.Add(context.Background(), delta, typeAttrs(typ))
}

func (m busMetrics) publishDone(ctx context.Context, evt schema.Event, started time.Time, reached int, err error) {
	result := telemetry.ResultSuccess
	if err != nil {
		result = telemetry.ResultError
		m.failed.Add(ctx, 1, eventAttrs(evt))
	} else if reached > 0 {
		m.published.Add(ctx, 1, eventAttrs(evt))
	}
	m.fanout.Record(ctx, int64(reached), eventAttrs(evt))
	attrs := append([]attribute.KeyValue{telemetry.AttrEventType.String(string(evt.Type))},
		telemetry.OperationResultAttributes(telemetry.Environment(), "eventbus.publish", result)...)
	m.latency.Record(ctx, telemetry.SinceMillis(started), metric.WithAttributes(attrs...))
}
