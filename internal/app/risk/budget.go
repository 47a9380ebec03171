// Package risk computes portfolio risk in R units and cluster concentration.
// Every function here is pure and safe for concurrent use.
package risk

import (
	"fmt"
	"math"

	"github.com/coachpo/tradegate/internal/domain/schema"
)

// Budget parameterises the aggregate risk budget.
//
// One R is one percent of equity at risk to a position's stop.
type Budget struct {
	// MinRiskR is the ceiling when macro confidence is 0.
	MinRiskR float64 `yaml:"minRiskR"`

	// MaxRiskR is the ceiling when macro confidence is 100; the ceiling never exceeds it.
	MaxRiskR float64 `yaml:"maxRiskR"`

	// StopTradeRiskR is charged for a new trade that carries a stop but no reference price.
	StopTradeRiskR float64 `yaml:"stopTradeRiskR"`

	// NoStopRiskFraction is the share of notional assumed at risk when no stop is known.
	NoStopRiskFraction float64 `yaml:"noStopRiskFraction"`
}

// DefaultMacroScore is assumed when a signal carries no macro confidence.
const DefaultMacroScore = 50.0

// DefaultBudget returns the stock budget parameters.
func DefaultBudget() Budget {
	return Budget{
		MinRiskR:           2.0,
		MaxRiskR:           6.0,
		StopTradeRiskR:     0.5,
		NoStopRiskFraction: 0.10,
	}
}

// Validate checks the budget is usable.
func (b Budget) Validate() error {
	if b.MinRiskR < 0 {
		return fmt.Errorf("minRiskR must be >= 0")
	}
	if b.MaxRiskR <= b.MinRiskR {
		return fmt.Errorf("maxRiskR must be > minRiskR")
	}
	if b.StopTradeRiskR < 0 {
		return fmt.Errorf("stopTradeRiskR must be >= 0")
	}
	if b.NoStopRiskFraction < 0 || b.NoStopRiskFraction > 1 {
		return fmt.Errorf("noStopRiskFraction must be within [0,1]")
	}
	return nil
}

// Ceiling returns the maximum aggregate risk allowed for the given macro
// confidence (0-100). It is strictly increasing on [0,100] and bounded by MaxRiskR.
func (b Budget) Ceiling(macro float64) float64 {
	if math.IsNaN(macro) {
		macro = DefaultMacroScore
	}
	clamped := math.Min(100, math.Max(0, macro))
	return b.MinRiskR + (b.MaxRiskR-b.MinRiskR)*clamped/100
}

// TotalRiskR sums the open risk of positions in R units against equity.
// Positions with a stop risk (avgCost - stop) per share, floored at zero;
// positions without a stop risk NoStopRiskFraction of their notional.
func (b Budget) TotalRiskR(positions []schema.Position, equity float64) float64 {
	if equity <= 0 || !schema.Finite(equity) {
		return 0
	}
	total := 0.0
	for _, p := range positions {
		qty := math.Abs(p.Quantity)
		if qty < schema.QuantityEpsilon {
			continue
		}
		total += riskMoney(p.AvgCost, qty, p.StopLoss, b.NoStopRiskFraction) / equity * 100
	}
	return total
}

// NewTradeRiskR estimates the risk a prospective trade adds.
func (b Budget) NewTradeRiskR(quantity float64, reference, stop *float64, equity float64) float64 {
	if equity <= 0 || quantity <= 0 {
		return 0
	}
	hasRef := reference != nil && *reference > 0
	switch {
	case stop != nil && hasRef:
		return riskMoney(*reference, quantity, stop, b.NoStopRiskFraction) / equity * 100
	case stop != nil:
		return b.StopTradeRiskR
	case hasRef:
		return riskMoney(*reference, quantity, nil, b.NoStopRiskFraction) / equity * 100
	default:
		return 0
	}
}

func riskMoney(price, qty float64, stop *float64, proxy float64) float64 {
	if stop != nil {
		return math.Max(0, price-*stop) * qty
	}
	return price * qty * proxy
}
