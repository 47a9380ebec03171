package execution

import (
	"context"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"
	"github.com/sourcegraph/conc/iter"

	"github.com/coachpo/tradegate/internal/app/ledger"
	"github.com/coachpo/tradegate/internal/domain/ledgerstore"
	"github.com/coachpo/tradegate/internal/domain/schema"
	"github.com/coachpo/tradegate/internal/observability"
)

// DefaultHistoryLimit is the number of trades returned when no limit is given.
const DefaultHistoryLimit = 50

// Positions values every open position against the latest quote. A position
// whose quote cannot be fetched is valued at its average cost and marked stale.
func (e *Engine) Positions(ctx context.Context) ([]schema.PositionSnapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("positions: %w", err)
	}
	return e.value(ctx, e.ledger.Positions()), nil
}

// OpenPositions returns the unvalued positions settled in currency.
func (e *Engine) OpenPositions(currency schema.Currency) []schema.Position {
	return e.ledger.PositionsIn(currency)
}

func (e *Engine) value(ctx context.Context, positions []schema.Position) []schema.PositionSnapshot {
	if len(positions) == 0 {
		return []schema.PositionSnapshot{}
	}
	return iter.Map(positions, func(p *schema.Position) schema.PositionSnapshot {
		snapshot := schema.PositionSnapshot{Position: p.Clone(), MarketPrice: p.AvgCost, Stale: true}
		quote, err := e.quote(ctx, p.Symbol)
		if err != nil {
			observability.Log().Warn("valuing position at cost",
				observability.F("symbol", p.Symbol),
				observability.F("error", err))
		} else if mid := quote.Mid(); mid > 0 {
			snapshot.MarketPrice = mid
			snapshot.Stale = false
		}
		snapshot.MarketValue = p.Quantity * snapshot.MarketPrice
		snapshot.UnrealizedPnL = (snapshot.MarketPrice - p.AvgCost) * p.Quantity
		if p.AvgCost > 0 {
			snapshot.UnrealizedPnLPct = (snapshot.MarketPrice - p.AvgCost) / p.AvgCost * 100
		}
		return snapshot
	})
}

// AccountInfo reports cash, equity and buying power for one currency.
// Equity is cash plus the market value of positions settled in it.
func (e *Engine) AccountInfo(ctx context.Context, currency schema.Currency) (schema.AccountInfo, error) {
	if err := ctx.Err(); err != nil {
		return schema.AccountInfo{}, fmt.Errorf("account info: %w", err)
	}
	cash := e.ledger.Balance(currency)
	equity := cash
	for _, snapshot := range e.value(ctx, e.ledger.PositionsIn(currency)) {
		equity += snapshot.MarketValue
	}
	return schema.AccountInfo{Currency: currency, Cash: cash, Equity: equity, BuyingPower: cash}, nil
}

// Accounts reports AccountInfo for every funded currency, sorted by code.
func (e *Engine) Accounts(ctx context.Context) ([]schema.AccountInfo, error) {
	balances := e.ledger.Balances()
	currencies := make([]schema.Currency, 0, len(balances))
	for currency := range balances {
		currencies = append(currencies, currency)
	}
	sort.Slice(currencies, func(i, j int) bool { return currencies[i] < currencies[j] })

	out := make([]schema.AccountInfo, 0, len(currencies))
	for _, currency := range currencies {
		info, err := e.AccountInfo(ctx, currency)
		if err != nil {
			return nil, err
		}
		out = append(out, info)
	}
	return out, nil
}

// TradeHistory returns the most recent fills, newest first.
func (e *Engine) TradeHistory(limit int) []schema.Trade {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	return e.ledger.History(limit)
}

// TradeHistoryFor returns the most recent fills of one symbol, newest first.
func (e *Engine) TradeHistoryFor(symbol string, limit int) []schema.Trade {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	return e.ledger.HistoryFor(symbol, limit)
}

// Outcomes returns closed positions, newest first.
func (e *Engine) Outcomes() []schema.TradeOutcome { return e.ledger.Outcomes() }

// Report summarises account performance in one currency. Money values are
// rounded to cents, percentages to two decimals.
type Report struct {
	Currency        schema.Currency `json:"currency"`
	StartingBalance float64         `json:"startingBalance"`
	Cash            float64         `json:"cash"`
	Equity          float64         `json:"equity"`
	TotalReturnPct  float64         `json:"totalReturnPct"`
	TradeCount      int             `json:"tradeCount"`
	TotalCommission float64         `json:"totalCommission"`
	RealizedPnL     float64         `json:"realizedPnl"`
	ClosedPositions int             `json:"closedPositions"`
	Wins            int             `json:"wins"`
	Losses          int             `json:"losses"`
	WinRate         float64         `json:"winRate"`
}

// Performance computes the performance report for currency from the retained history.
func (e *Engine) Performance(ctx context.Context, currency schema.Currency) (Report, error) {
	account, err := e.AccountInfo(ctx, currency)
	if err != nil {
		return Report{}, err
	}
	report := Report{
		Currency:        currency,
		StartingBalance: e.ledger.InitialBalance(currency),
		Cash:            account.Cash,
		Equity:          account.Equity,
	}

	commission := decimal.Zero
	for _, trade := range e.ledger.History(0) {
		if trade.Currency != currency {
			continue
		}
		report.TradeCount++
		commission = commission.Add(decimalOf(trade.Commission))
	}
	realized := decimal.Zero
	for _, outcome := range e.ledger.Outcomes() {
		if outcome.Currency != currency {
			continue
		}
		report.ClosedPositions++
		realized = realized.Add(decimalOf(outcome.PnL))
		if outcome.PnL > 0 {
			report.Wins++
		} else {
			report.Losses++
		}
	}

	report.TotalCommission = commission.Round(2).InexactFloat64()
	report.RealizedPnL = realized.Round(2).InexactFloat64()
	report.Cash = round(report.Cash, 2)
	report.Equity = round(report.Equity, 2)
	if report.StartingBalance > 0 {
		start := decimalOf(report.StartingBalance)
		report.TotalReturnPct = decimalOf(account.Equity).Sub(start).Div(start).Mul(decimal.NewFromInt(100)).Round(2).InexactFloat64()
	}
	if report.ClosedPositions > 0 {
		report.WinRate = round(float64(report.Wins)/float64(report.ClosedPositions)*100, 2)
	}
	return report, nil
}

// Snapshot captures orders and ledger state for persistence. Orders are read
// under the ledger lock, where market fills record them.
func (e *Engine) Snapshot() ledgerstore.Snapshot {
	var orders []schema.Order
	state := e.ledger.StateWith(func() { orders = e.orders.All() })
	return ledgerstore.Snapshot{
		Version:   ledgerstore.CurrentVersion,
		SavedAt:   e.clock.Now(),
		Initial:   state.Initial,
		Balances:  state.Balances,
		Positions: state.Positions,
		Orders:    orders,
		Trades:    state.History,
		Outcomes:  state.Outcomes,
	}
}

// Restore replaces engine state with a previously captured snapshot.
func (e *Engine) Restore(snapshot ledgerstore.Snapshot) error {
	if snapshot.Version > ledgerstore.CurrentVersion {
		return fmt.Errorf("restore snapshot: unsupported version %d", snapshot.Version)
	}
	if err := e.ledger.Restore(ledger.State{
		Initial:   snapshot.Initial,
		Balances:  snapshot.Balances,
		Positions: snapshot.Positions,
		History:   snapshot.Trades,
		Outcomes:  snapshot.Outcomes,
	}); err != nil {
		return fmt.Errorf("restore ledger: %w", err)
	}
	if err := e.orders.Restore(snapshot.Orders); err != nil {
		return fmt.Errorf("restore orders: %w", err)
	}
	return nil
}

// Reset returns the account to its initial balances and clears orders,
// positions and history.
func (e *Engine) Reset() {
	e.orders.Reset()
	e.ledger.Reset()
	observability.Log().Info("account reset")
	e.persist()
}

// Checkpoint hands the current state to the persister, e.g. after a restore.
func (e *Engine) Checkpoint() { e.persist() }

func decimalOf(v float64) decimal.Decimal {
	if !schema.Finite(v) {
		return decimal.Zero
	}
	return decimal.NewFromFloat(v)
}

func round(v float64, places int32) float64 {
	if !schema.Finite(v) {
		return v
	}
	return decimal.NewFromFloat(v).Round(places).InexactFloat64()
}
