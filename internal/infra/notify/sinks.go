package notify

import (
	"context"
	"fmt"

	"github.com/coachpo/tradegate/internal/domain/journal"
	"github.com/coachpo/tradegate/internal/domain/schema"
	"github.com/coachpo/tradegate/internal/infra/bus/eventbus"
	"github.com/coachpo/tradegate/internal/observability"
)

// BusSink republishes events on an event bus.
type BusSink struct {
	bus eventbus.Bus
}

// NewBusSink wraps bus.
func NewBusSink(bus eventbus.Bus) *BusSink { return &BusSink{bus: bus} }

// Name implements Sink.
func (s *BusSink) Name() string { return "bus" }

// Handle implements Sink.
func (s *BusSink) Handle(ctx context.Context, evt schema.Event) error {
	return s.bus.Publish(ctx, evt)
}

// LogSink writes one structured line per event.
type LogSink struct {
	logger observability.Logger
}

// NewLogSink logs through logger, or the global logger when nil.
func NewLogSink(logger observability.Logger) *LogSink { return &LogSink{logger: logger} }

// Name implements Sink.
func (s *LogSink) Name() string { return "log" }

// Handle implements Sink.
func (s *LogSink) Handle(_ context.Context, evt schema.Event) error {
	logger := s.logger
	if logger == nil {
		logger = observability.Log()
	}
	switch payload := evt.Payload.(type) {
	case schema.TradeExecutedPayload:
		logger.Info("trade executed",
			observability.F("trade_id", payload.Trade.ID),
			observability.F("order_id", payload.Trade.OrderID),
			observability.F("symbol", payload.Trade.Symbol),
			observability.F("side", string(payload.Trade.Side)),
			observability.F("quantity", payload.Trade.Quantity),
			observability.F("price", payload.Trade.Price),
			observability.F("commission", payload.Trade.Commission),
			observability.F("currency", string(payload.Trade.Currency)))
	case schema.PositionClosedPayload:
		logger.Info("position closed",
			observability.F("symbol", payload.Outcome.Symbol),
			observability.F("quantity", payload.Outcome.Quantity),
			observability.F("entry_price", payload.Outcome.EntryPrice),
			observability.F("exit_price", payload.Outcome.ExitPrice),
			observability.F("pnl", payload.Outcome.PnL),
			observability.F("pnl_pct", payload.Outcome.PnLPercent))
	case schema.OrderCancelledPayload:
		logger.Info("order cancelled",
			observability.F("order_id", payload.Order.ID),
			observability.F("symbol", payload.Order.Symbol))
	default:
		return fmt.Errorf("log sink: unsupported payload %T for %s", evt.Payload, evt.Type)
	}
	return nil
}

// JournalSink appends events to the audit journal.
type JournalSink struct {
	store journal.Store
}

// NewJournalSink writes to store.
func NewJournalSink(store journal.Store) *JournalSink { return &JournalSink{store: store} }

// Name implements Sink.
func (s *JournalSink) Name() string { return "journal" }

// Handle implements Sink. A fill and its order state are written in one transaction.
func (s *JournalSink) Handle(ctx context.Context, evt schema.Event) error {
	switch payload := evt.Payload.(type) {
	case schema.TradeExecutedPayload:
		return s.store.WithTransaction(ctx, func(ctx context.Context, tx journal.Tx) error {
			if err := tx.RecordFill(ctx, journal.FillFromTrade(payload.Trade)); err != nil {
				return err
			}
			return tx.RecordOrderEvent(ctx, journal.OrderEventFrom(payload.Order))
		})
	case schema.PositionClosedPayload:
		return s.store.RecordOutcome(ctx, journal.OutcomeFromTrade(payload.Outcome))
	case schema.OrderCancelledPayload:
		return s.store.RecordOrderEvent(ctx, journal.OrderEventFrom(payload.Order))
	default:
		return fmt.Errorf("journal sink: unsupported payload %T for %s", evt.Payload, evt.Type)
	}
}
