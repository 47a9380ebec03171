package schema

import "time"

// Scores carries the confidence components attached to a signal, each on a 0-100 scale.
// A nil component means the producing module had no opinion.
type Scores struct {
	Momentum    *float64 `json:"momentum,omitempty"`
	Fundamental *float64 `json:"fundamental,omitempty"`
	Macro       *float64 `json:"macro,omitempty"`
	News        *float64 `json:"news,omitempty"`
}

// EntrySnapshot records the confidence context at the time a position was opened.
type EntrySnapshot struct {
	Scores     Scores    `json:"scores"`
	Confidence float64   `json:"confidence"`
	Rationale  string    `json:"rationale,omitempty"`
	CapturedAt time.Time `json:"capturedAt"`
}

// Position is an open holding in a single symbol.
type Position struct {
	Symbol    string         `json:"symbol"`
	Quantity  float64        `json:"quantity"`
	AvgCost   float64        `json:"avgCost"`
	Currency  Currency       `json:"currency"`
	EntryDate time.Time      `json:"entryDate"`
	StopLoss  *float64       `json:"stopLoss,omitempty"`
	Origin    *EntrySnapshot `json:"origin,omitempty"`

	// Accumulated over partial exits; reported in full when the position closes.
	RealizedPnL    float64 `json:"realizedPnl,omitempty"`
	ClosedQuantity float64 `json:"closedQuantity,omitempty"`
	ExitNotional   float64 `json:"exitNotional,omitempty"`
	ClosedCost     float64 `json:"closedCost,omitempty"`
}

// CostBasis returns quantity times average cost.
func (p Position) CostBasis() float64 {
	return p.Quantity * p.AvgCost
}

// Clone returns a deep copy of the position.
func (p Position) Clone() Position {
	out := p
	out.StopLoss = clonePtr(p.StopLoss)
	if p.Origin != nil {
		origin := *p.Origin
		origin.Scores = origin.Scores.clone()
		out.Origin = &origin
	}
	return out
}

func (s Scores) clone() Scores {
	return Scores{
		Momentum:    clonePtr(s.Momentum),
		Fundamental: clonePtr(s.Fundamental),
		Macro:       clonePtr(s.Macro),
		News:        clonePtr(s.News),
	}
}

// PositionSnapshot is a position valued against the latest quote.
type PositionSnapshot struct {
	Position
	MarketPrice      float64 `json:"marketPrice"`
	MarketValue      float64 `json:"marketValue"`
	UnrealizedPnL    float64 `json:"unrealizedPnl"`
	UnrealizedPnLPct float64 `json:"unrealizedPnlPct"`
	Stale            bool    `json:"stale,omitempty"`
}

// TradeOutcome is emitted exactly once when a position is fully closed.
type TradeOutcome struct {
	ID         string         `json:"id"`
	Symbol     string         `json:"symbol"`
	Currency   Currency       `json:"currency"`
	Quantity   float64        `json:"quantity"`
	EntryPrice float64        `json:"entryPrice"`
	ExitPrice  float64        `json:"exitPrice"`
	PnL        float64        `json:"pnl"`
	PnLPercent float64        `json:"pnlPercent"`
	EntryDate  time.Time      `json:"entryDate"`
	ExitDate   time.Time      `json:"exitDate"`
	Origin     *EntrySnapshot `json:"origin,omitempty"`
}
