package schema

import "time"

// EventType classifies events published on the notification bus.
type EventType string

const (
	// EventTypeTradeExecuted is published after every fill.
	EventTypeTradeExecuted EventType = "trade.executed"
	// EventTypePositionClosed is published when a position returns to zero.
	EventTypePositionClosed EventType = "position.closed"
	// EventTypeOrderCancelled is published when a resting order is cancelled.
	EventTypeOrderCancelled EventType = "order.cancelled"
)

// Event is the envelope delivered to bus subscribers.
type Event struct {
	ID        string    `json:"id"`
	Type      EventType `json:"type"`
	Symbol    string    `json:"symbol"`
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"payload"`
}

// TradeExecutedPayload describes a completed fill.
type TradeExecutedPayload struct {
	Trade Trade `json:"trade"`
	Order Order `json:"order"`
}

// PositionClosedPayload wraps the outcome of a closed position.
type PositionClosedPayload struct {
	Outcome TradeOutcome `json:"outcome"`
}

// OrderCancelledPayload wraps a cancelled order.
type OrderCancelledPayload struct {
	Order Order `json:"order"`
}
