package execution

import (
	"fmt"
	"math"
	"strings"

	"github.com/coachpo/tradegate/internal/domain/schema"
)

// SlippageModel maps a quote to the price a market order would execute at.
type SlippageModel interface {
	Price(side schema.Side, quote schema.Quote) float64
}

// FeeModel computes commission for a fill of the given notional value.
type FeeModel interface {
	Commission(notional float64) float64
}

// PercentSlippage moves buys up from the ask and sells down from the bid by Pct percent.
type PercentSlippage struct {
	Pct float64
}

// Price implements SlippageModel.
func (s PercentSlippage) Price(side schema.Side, quote schema.Quote) float64 {
	switch side {
	case schema.SideBuy:
		return quote.Ask * (1 + s.Pct/100)
	case schema.SideSell:
		return quote.Bid * (1 - s.Pct/100)
	default:
		return 0
	}
}

// PercentFee charges Fixed plus Pct percent of notional.
type PercentFee struct {
	Pct   float64
	Fixed float64
}

// Commission implements FeeModel.
func (f PercentFee) Commission(notional float64) float64 {
	if notional <= 0 {
		return 0
	}
	return math.Max(0, f.Fixed) + notional*math.Max(0, f.Pct)/100
}

// Model bundles the friction parameters of a market.
type Model struct {
	Name string `yaml:"name" json:"name"`

	// SlippagePct is applied to the ask for buys and the bid for sells.
	SlippagePct float64 `yaml:"slippagePct" json:"slippagePct"`

	// CommissionPct is charged on notional, plus FixedCommission per fill.
	CommissionPct   float64 `yaml:"commissionPct" json:"commissionPct"`
	FixedCommission float64 `yaml:"fixedCommission" json:"fixedCommission"`

	// MaxVolumeParticipation caps a fill at this percent of the quoted volume.
	MaxVolumeParticipation float64 `yaml:"maxVolumeParticipation" json:"maxVolumeParticipation"`

	// MinTradeAmount is the smallest notional accepted.
	MinTradeAmount float64 `yaml:"minTradeAmount" json:"minTradeAmount"`
}

// Preset names.
const (
	PresetRetailTR     = "retailTR"
	PresetRetailUS     = "retailUS"
	PresetConservative = "conservative"
	PresetBacktest     = "backtest"
	PresetFrictionless = "frictionless"
)

// RetailTR models a Turkish retail brokerage account on BIST.
func RetailTR() Model {
	return Model{Name: PresetRetailTR, SlippagePct: 0.05, CommissionPct: 0.15, MaxVolumeParticipation: 2.0, MinTradeAmount: 100}
}

// RetailUS models a commission-free US retail account.
func RetailUS() Model {
	return Model{Name: PresetRetailUS, SlippagePct: 0.02, MaxVolumeParticipation: 1.0, MinTradeAmount: 1}
}

// Conservative overstates friction for stress testing.
func Conservative() Model {
	return Model{Name: PresetConservative, SlippagePct: 0.10, CommissionPct: 0.20, FixedCommission: 5, MaxVolumeParticipation: 0.5, MinTradeAmount: 500}
}

// Backtest is the friction profile used for historical replays.
func Backtest() Model {
	return Model{Name: PresetBacktest, SlippagePct: 0.03, CommissionPct: 0.10, MaxVolumeParticipation: 2.0, MinTradeAmount: 50}
}

// Frictionless charges nothing and fills at the quoted side.
func Frictionless() Model {
	return Model{Name: PresetFrictionless}
}

// ModelByName resolves a preset.
func ModelByName(name string) (Model, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case strings.ToLower(PresetRetailTR):
		return RetailTR(), nil
	case strings.ToLower(PresetRetailUS):
		return RetailUS(), nil
	case PresetConservative:
		return Conservative(), nil
	case PresetBacktest:
		return Backtest(), nil
	case PresetFrictionless:
		return Frictionless(), nil
	default:
		return Model{}, fmt.Errorf("unknown execution model %q", name)
	}
}

// DefaultModelFor returns the stock model for a settlement currency.
func DefaultModelFor(currency schema.Currency) Model {
	if currency == schema.CurrencyTRY {
		return RetailTR()
	}
	return RetailUS()
}

// Validate rejects negative or non-finite parameters.
func (m Model) Validate() error {
	for name, v := range map[string]float64{
		"slippagePct":            m.SlippagePct,
		"commissionPct":          m.CommissionPct,
		"fixedCommission":        m.FixedCommission,
		"maxVolumeParticipation": m.MaxVolumeParticipation,
		"minTradeAmount":         m.MinTradeAmount,
	} {
		if v < 0 || !schema.Finite(v) {
			return fmt.Errorf("execution model %s: %s must be a non-negative number", m.Name, name)
		}
	}
	if m.SlippagePct >= 100 {
		return fmt.Errorf("execution model %s: slippagePct must be < 100", m.Name)
	}
	return nil
}

// Slippage returns the model's slippage function.
func (m Model) Slippage() SlippageModel { return PercentSlippage{Pct: m.SlippagePct} }

// Fees returns the model's commission function.
func (m Model) Fees() FeeModel { return PercentFee{Pct: m.CommissionPct, Fixed: m.FixedCommission} }

// CapQuantity limits quantity to the participation share of volume.
// A zero volume or participation leaves quantity unchanged.
func (m Model) CapQuantity(quantity, volume float64) float64 {
	if volume <= 0 || m.MaxVolumeParticipation <= 0 {
		return quantity
	}
	limit := volume * m.MaxVolumeParticipation / 100
	return math.Min(quantity, limit)
}
