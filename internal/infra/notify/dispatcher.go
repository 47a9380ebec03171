// Package notify delivers trade lifecycle notifications to sinks without
// blocking the execution path.
package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/tradegate/internal/domain/schema"
	"github.com/coachpo/tradegate/internal/infra/telemetry"
	"github.com/coachpo/tradegate/internal/observability"
	"github.com/coachpo/tradegate/lib/async"
)

// Sink consumes one notification event.
type Sink interface {
	Name() string
	Handle(ctx context.Context, evt schema.Event) error
}

// Config sizes the delivery pool.
type Config struct {
	Workers int `yaml:"workers"`
	Queue   int `yaml:"queue"`
}

// DefaultConfig returns the stock pool sizing.
func DefaultConfig() Config {
	return Config{Workers: 4, Queue: 256}
}

// Dispatcher implements execution.Notifier by fanning events out to sinks on
// a bounded pool. Deliveries that do not fit in the queue are dropped and logged.
type Dispatcher struct {
	sinks []Sink
	pool  *async.Pool
	now   func() time.Time

	deliveries metric.Int64Counter
	duration   metric.Float64Histogram
}

// NewDispatcher constructs a dispatcher for sinks.
func NewDispatcher(cfg Config, sinks ...Sink) (*Dispatcher, error) {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultConfig().Workers
	}
	if cfg.Queue < 0 {
		cfg.Queue = 0
	}
	pool, err := async.NewPool(cfg.Workers, cfg.Queue)
	if err != nil {
		return nil, fmt.Errorf("notify pool: %w", err)
	}
	d := &Dispatcher{pool: pool, now: time.Now}
	for _, sink := range sinks {
		if sink != nil {
			d.sinks = append(d.sinks, sink)
		}
	}
	meter := otel.Meter("notify")
	d.deliveries, _ = meter.Int64Counter("notify.deliveries",
		metric.WithDescription("Notification deliveries by sink and result"),
		metric.WithUnit("{event}"))
	d.duration, _ = meter.Float64Histogram("notify.dispatch.duration",
		metric.WithDescription("Time a sink spent handling one event"),
		metric.WithUnit("ms"))
	return d, nil
}

// TradeExecuted publishes a trade.executed event.
func (d *Dispatcher) TradeExecuted(ctx context.Context, trade schema.Trade, order schema.Order) {
	d.dispatch(ctx, schema.Event{
		Type:      schema.EventTypeTradeExecuted,
		Symbol:    trade.Symbol,
		Timestamp: trade.Timestamp,
		Payload:   schema.TradeExecutedPayload{Trade: trade, Order: order},
	})
}

// PositionClosed publishes a position.closed event.
func (d *Dispatcher) PositionClosed(ctx context.Context, outcome schema.TradeOutcome) {
	d.dispatch(ctx, schema.Event{
		Type:      schema.EventTypePositionClosed,
		Symbol:    outcome.Symbol,
		Timestamp: outcome.ExitDate,
		Payload:   schema.PositionClosedPayload{Outcome: outcome},
	})
}

// OrderCancelled publishes an order.cancelled event.
func (d *Dispatcher) OrderCancelled(ctx context.Context, order schema.Order) {
	d.dispatch(ctx, schema.Event{
		Type:      schema.EventTypeOrderCancelled,
		Symbol:    order.Symbol,
		Timestamp: order.UpdatedAt,
		Payload:   schema.OrderCancelledPayload{Order: order},
	})
}

// Close drains queued deliveries until ctx ends.
func (d *Dispatcher) Close(ctx context.Context) error {
	return d.pool.Shutdown(ctx)
}

func (d *Dispatcher) dispatch(ctx context.Context, evt schema.Event) {
	evt.ID = uuid.NewString()
	if evt.Timestamp.IsZero() {
		evt.Timestamp = d.now()
	}
	ctx = context.WithoutCancel(ctx)
	for _, sink := range d.sinks {
		err := d.pool.Submit(ctx, func(ctx context.Context) error {
			d.deliver(ctx, sink, evt)
			return nil
		})
		if err != nil {
			d.record(ctx, sink.Name(), telemetry.ResultDropped)
			observability.Log().Warn("notification dropped",
				observability.F("sink", sink.Name()),
				observability.F("type", string(evt.Type)),
				observability.F("symbol", evt.Symbol),
				observability.F("error", err))
		}
	}
}

func (d *Dispatcher) deliver(ctx context.Context, sink Sink, evt schema.Event) {
	start := time.Now()
	result := telemetry.ResultSuccess
	defer func() {
		if r := recover(); r != nil {
			result = telemetry.ResultError
			observability.Log().Error("notification sink panicked",
				observability.F("sink", sink.Name()),
				observability.F("panic", fmt.Sprint(r)))
		}
		d.record(ctx, sink.Name(), result)
		d.duration.Record(ctx, telemetry.SinceMillis(start),
			metric.WithAttributes(telemetry.SinkAttributes(telemetry.Environment(), sink.Name(), result)...))
	}()
	if err := sink.Handle(ctx, evt); err != nil {
		result = telemetry.ResultError
		observability.Log().Error("notification sink failed",
			observability.F("sink", sink.Name()),
			observability.F("type", string(evt.Type)),
			observability.F("symbol", evt.Symbol),
			observability.F("error", err))
	}
}

func (d *Dispatcher) record(ctx context.Context, sink, result string) {
	d.deliveries.Add(ctx, 1, metric.WithAttributes(telemetry.SinkAttributes(telemetry.Environment(), sink, result)...))
}
