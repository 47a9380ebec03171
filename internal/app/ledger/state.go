package ledger

import (
	"math"

	"github.com/coachpo/tradegate/errs"
	"github.com/coachpo/tradegate/internal/domain/schema"
)

// State is a point-in-time copy of the ledger used for persistence.
type State struct {
	Initial   map[schema.Currency]float64 `json:"initial"`
	Balances  map[schema.Currency]float64 `json:"balances"`
	Positions []schema.Position           `json:"positions"`
	History   []schema.Trade              `json:"history"`
	Outcomes  []schema.TradeOutcome       `json:"outcomes"`
}

// State captures the ledger contents.
func (l *Ledger) State() State {
	return l.StateWith(nil)
}

// StateWith captures the ledger contents and runs during while the ledger
// lock is still held, so state kept alongside the ledger can be read at the
// same point. during must not call back into the ledger.
func (l *Ledger) StateWith(during func()) State {
	l.mu.Lock()
	defer l.mu.Unlock()
	if during != nil {
		during()
	}
	return State{
		Initial:   copyBalances(l.initial),
		Balances:  copyBalances(l.balances),
		Positions: l.positionsLocked(),
		History:   append([]schema.Trade(nil), l.history...),
		Outcomes:  append([]schema.TradeOutcome(nil), l.outcomes...),
	}
}

// Restore replaces the ledger contents with s after checking its invariants.
func (l *Ledger) Restore(s State) error {
	for currency, cash := range s.Balances {
		if cash < 0 || !schema.Finite(cash) {
			return errs.Invariant(scope, "restored balance negative for "+string(currency))
		}
	}
	positions := make(map[string]*schema.Position, len(s.Positions))
	for _, p := range s.Positions {
		if math.Abs(p.Quantity) < schema.QuantityEpsilon {
			continue
		}
		if p.AvgCost < 0 {
			return errs.Invariant(scope, "restored position with negative cost", errs.WithSymbol(p.Symbol))
		}
		clone := p.Clone()
		clone.Symbol = schema.NormalizeSymbol(clone.Symbol)
		if clone.Currency == "" {
			clone.Currency = schema.CurrencyForSymbol(clone.Symbol)
		}
		positions[clone.Symbol] = &clone
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if len(s.Initial) > 0 {
		l.initial = copyBalances(s.Initial)
	}
	l.balances = copyBalances(s.Balances)
	for currency, cash := range l.initial {
		if _, ok := l.balances[currency]; !ok {
			l.balances[currency] = cash
		}
	}
	l.positions = positions
	l.history = truncate(s.History, l.capacity)
	l.outcomes = truncate(s.Outcomes, l.capacity)
	return nil
}

func truncate[T any](in []T, capacity int) []T {
	if len(in) > capacity {
		in = in[:capacity]
	}
	return append([]T(nil), in...)
}
