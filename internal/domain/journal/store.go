// Package journal defines the append-only audit trail of fills, closed positions and order events.
package journal

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/coachpo/tradegate/internal/domain/schema"
)

// Fill is the persisted form of a trade. Numeric fields are decimal strings.
type Fill struct {
	TradeID    string         `json:"tradeId"`
	OrderID    string         `json:"orderId"`
	Symbol     string         `json:"symbol"`
	Side       string         `json:"side"`
	Quantity   string         `json:"quantity"`
	Price      string         `json:"price"`
	Commission string         `json:"commission"`
	Currency   string         `json:"currency"`
	TradedAt   int64          `json:"tradedAt"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// Outcome is the persisted form of a closed position.
type Outcome struct {
	ID         string         `json:"id"`
	Symbol     string         `json:"symbol"`
	Currency   string         `json:"currency"`
	Quantity   string         `json:"quantity"`
	EntryPrice string         `json:"entryPrice"`
	ExitPrice  string         `json:"exitPrice"`
	PnL        string         `json:"pnl"`
	PnLPercent string         `json:"pnlPercent"`
	EnteredAt  int64          `json:"enteredAt"`
	ExitedAt   int64          `json:"exitedAt"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// OrderEvent records an order reaching a state worth auditing.
type OrderEvent struct {
	OrderID    string `json:"orderId"`
	Symbol     string `json:"symbol"`
	Side       string `json:"side"`
	Type       string `json:"type"`
	State      string `json:"state"`
	Quantity   string `json:"quantity"`
	Filled     string `json:"filled"`
	OccurredAt int64  `json:"occurredAt"`
}

// FillRecord is a stored fill enriched with its insertion time.
type FillRecord struct {
	Fill
	CreatedAt int64 `json:"createdAt"`
}

// OutcomeRecord is a stored outcome enriched with its insertion time.
type OutcomeRecord struct {
	Outcome
	CreatedAt int64 `json:"createdAt"`
}

// Query scopes journal lookups. Results are newest first.
type Query struct {
	Symbol string `json:"symbol,omitempty"`
	Limit  int    `json:"limit,omitempty"`
}

// Tx groups journal writes executed within a single transaction.
type Tx interface {
	RecordFill(ctx context.Context, fill Fill) error
	RecordOutcome(ctx context.Context, outcome Outcome) error
	RecordOrderEvent(ctx context.Context, event OrderEvent) error
}

// Store defines the journal persistence contract.
type Store interface {
	Tx
	WithTransaction(ctx context.Context, fn func(context.Context, Tx) error) error
	ListFills(ctx context.Context, query Query) ([]FillRecord, error)
	ListOutcomes(ctx context.Context, query Query) ([]OutcomeRecord, error)
}

// FillFromTrade converts a trade into its journal form.
func FillFromTrade(trade schema.Trade) Fill {
	return Fill{
		TradeID:    trade.ID,
		OrderID:    trade.OrderID,
		Symbol:     trade.Symbol,
		Side:       string(trade.Side),
		Quantity:   Decimal(trade.Quantity),
		Price:      Decimal(trade.Price),
		Commission: Decimal(trade.Commission),
		Currency:   string(trade.Currency),
		TradedAt:   trade.Timestamp.UnixMilli(),
	}
}

// OutcomeFromTrade converts a closed position into its journal form.
func OutcomeFromTrade(outcome schema.TradeOutcome) Outcome {
	out := Outcome{
		ID:         outcome.ID,
		Symbol:     outcome.Symbol,
		Currency:   string(outcome.Currency),
		Quantity:   Decimal(outcome.Quantity),
		EntryPrice: Decimal(outcome.EntryPrice),
		ExitPrice:  Decimal(outcome.ExitPrice),
		PnL:        Decimal(outcome.PnL),
		PnLPercent: Decimal(outcome.PnLPercent),
		EnteredAt:  outcome.EntryDate.UnixMilli(),
		ExitedAt:   outcome.ExitDate.UnixMilli(),
	}
	if outcome.Origin != nil {
		out.Metadata = map[string]any{
			"confidence": outcome.Origin.Confidence,
			"rationale":  outcome.Origin.Rationale,
		}
	}
	return out
}

// OrderEventFrom converts an order into an audit event.
func OrderEventFrom(order schema.Order) OrderEvent {
	return OrderEvent{
		OrderID:    order.ID,
		Symbol:     order.Symbol,
		Side:       string(order.Side),
		Type:       string(order.Type),
		State:      string(order.Status),
		Quantity:   Decimal(order.Quantity),
		Filled:     Decimal(order.FilledQuantity),
		OccurredAt: order.UpdatedAt.UnixMilli(),
	}
}

// Decimal renders a float with the shortest exact decimal representation.
func Decimal(v float64) string {
	return decimal.NewFromFloat(v).String()
}
