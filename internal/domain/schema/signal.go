package schema

import "strings"

// SignalAction is the recommendation carried by a signal.
type SignalAction string

const (
	ActionBuy  SignalAction = "buy"
	ActionSell SignalAction = "sell"
	ActionHold SignalAction = "hold"
)

// Side maps the action onto an order side; hold has none.
func (a SignalAction) Side() (Side, bool) {
	switch a {
	case ActionBuy:
		return SideBuy, true
	case ActionSell:
		return SideSell, true
	default:
		return "", false
	}
}

// ParseAction normalises user supplied action text.
func ParseAction(raw string) (SignalAction, bool) {
	action := SignalAction(strings.ToLower(strings.TrimSpace(raw)))
	switch action {
	case ActionBuy, ActionSell, ActionHold:
		return action, true
	default:
		return "", false
	}
}

// Signal is an externally produced trading recommendation.
type Signal struct {
	Symbol         string       `json:"symbol"`
	Action         SignalAction `json:"action"`
	Quantity       float64      `json:"quantity"`
	Confidence     float64      `json:"confidence"`
	StopLoss       *float64     `json:"stopLoss,omitempty"`
	TakeProfit     *float64     `json:"takeProfit,omitempty"`
	Rationale      string       `json:"rationale,omitempty"`
	Scores         Scores       `json:"scores"`
	OrderType      OrderType    `json:"orderType,omitempty"`
	LimitPrice     *float64     `json:"limitPrice,omitempty"`
	StopPrice      *float64     `json:"stopPrice,omitempty"`
	ReferencePrice *float64     `json:"referencePrice,omitempty"`
}

// EffectiveOrderType defaults an empty order type to market.
func (s Signal) EffectiveOrderType() OrderType {
	if s.OrderType == "" {
		return OrderTypeMarket
	}
	return s.OrderType
}

// ExecutionDecision is the governor's verdict for one signal.
type ExecutionDecision struct {
	Approved         bool    `json:"approved"`
	Signal           Signal  `json:"signal"`
	AdjustedQuantity float64 `json:"adjustedQuantity"`
	Reason           string  `json:"reason,omitempty"`
}

// Approve builds an approval carrying the possibly adjusted signal.
func Approve(signal Signal, quantity float64, reason string) ExecutionDecision {
	signal.Quantity = quantity
	return ExecutionDecision{Approved: true, Signal: signal, AdjustedQuantity: quantity, Reason: reason}
}

// Reject builds a rejection with a human readable reason.
func Reject(signal Signal, reason string) ExecutionDecision {
	return ExecutionDecision{Approved: false, Signal: signal, Reason: reason}
}

// ExecutionResult is what a submit call reports back to the signal producer.
type ExecutionResult struct {
	Approved       bool        `json:"approved"`
	OrderID        string      `json:"orderId,omitempty"`
	Symbol         string      `json:"symbol"`
	FilledQuantity float64     `json:"filledQuantity"`
	AvgFillPrice   *float64    `json:"avgFillPrice,omitempty"`
	Commission     float64     `json:"commission"`
	Status         OrderStatus `json:"status"`
	Message        string      `json:"message,omitempty"`
}
