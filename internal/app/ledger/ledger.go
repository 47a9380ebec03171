// Package ledger owns cash balances, open positions and the fill history.
// One mutex guards all three so a validated fill is applied atomically.
package ledger

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/coachpo/tradegate/errs"
	"github.com/coachpo/tradegate/internal/domain/schema"
)

const (
	scope = "ledger"

	// DefaultHistoryCapacity bounds the retained trade history.
	DefaultHistoryCapacity = 500
	// DefaultFundsBuffer is the share of notional held back on top of commission when buying.
	DefaultFundsBuffer = 0.01

	moneyEpsilon = 1e-9
)

// DefaultBalances are the opening balances of a fresh paper account.
func DefaultBalances() map[schema.Currency]float64 {
	return map[schema.Currency]float64{
		schema.CurrencyUSD: 100_000,
		schema.CurrencyTRY: 1_000_000,
	}
}

// Fill describes an execution about to be applied.
type Fill struct {
	Symbol     string
	Side       schema.Side
	Quantity   float64
	Price      float64
	Commission float64
	Timestamp  time.Time

	// StopLoss and Origin are attached to a newly opened position.
	StopLoss *float64
	Origin   *schema.EntrySnapshot
}

// Applied is the result of a successful Apply.
type Applied struct {
	Trade    schema.Trade
	Order    schema.Order
	Position *schema.Position
	Outcome  *schema.TradeOutcome
	Cash     float64
}

// Recorder registers the order backing a fill. It runs under the ledger lock
// after validation and before any ledger mutation; an error aborts the fill.
type Recorder func(quantity float64) (schema.Order, error)

// Ledger holds per-currency cash, positions and trade history.
type Ledger struct {
	mu        sync.Mutex
	initial   map[schema.Currency]float64
	balances  map[schema.Currency]float64
	positions map[string]*schema.Position
	history   []schema.Trade
	outcomes  []schema.TradeOutcome
	capacity  int
	buffer    float64
	newID     func() string
}

// Option customises a Ledger.
type Option func(*Ledger)

// WithHistoryCapacity bounds the trade and outcome history.
func WithHistoryCapacity(n int) Option {
	return func(l *Ledger) {
		if n > 0 {
			l.capacity = n
		}
	}
}

// WithFundsBuffer sets the buy-side buffer as a fraction of notional.
func WithFundsBuffer(fraction float64) Option {
	return func(l *Ledger) {
		if fraction >= 0 && schema.Finite(fraction) {
			l.buffer = fraction
		}
	}
}

// New constructs a ledger seeded with the initial balances.
func New(initial map[schema.Currency]float64, opts ...Option) *Ledger {
	if len(initial) == 0 {
		initial = DefaultBalances()
	}
	l := &Ledger{
		initial:  copyBalances(initial),
		capacity: DefaultHistoryCapacity,
		buffer:   DefaultFundsBuffer,
		newID:    uuid.NewString,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(l)
		}
	}
	l.resetLocked()
	return l
}

// Apply validates the fill against live state and, when it passes, records
// the order through rec and mutates cash, position and history together.
func (l *Ledger) Apply(fill Fill, rec Recorder) (Applied, error) {
	if fill.Quantity <= 0 || !schema.Finite(fill.Quantity) {
		return Applied{}, errs.New(scope, errs.CodeInvalid, errs.WithCanonicalCode(errs.CanonicalInvalidQuantity), errs.WithSymbol(fill.Symbol))
	}
	if fill.Price <= 0 || !schema.Finite(fill.Price) {
		return Applied{}, errs.New(scope, errs.CodeInvalid, errs.WithCanonicalCode(errs.CanonicalInvalidPrice), errs.WithSymbol(fill.Symbol))
	}
	if fill.Commission < 0 || !schema.Finite(fill.Commission) {
		return Applied{}, errs.New(scope, errs.CodeInvalid, errs.WithSymbol(fill.Symbol), errs.WithMessage("commission must be non-negative"))
	}
	symbol := schema.NormalizeSymbol(fill.Symbol)
	currency := schema.CurrencyForSymbol(symbol)

	l.mu.Lock()
	defer l.mu.Unlock()

	qty, err := l.validateLocked(symbol, currency, fill)
	if err != nil {
		return Applied{}, err
	}

	var order schema.Order
	if rec != nil {
		order, err = rec(qty)
		if err != nil {
			return Applied{}, err
		}
	}

	notional := qty * fill.Price
	cash := l.balances[currency]
	switch fill.Side {
	case schema.SideBuy:
		cash -= notional + fill.Commission
	case schema.SideSell:
		cash += notional - fill.Commission
	}
	if cash < -moneyEpsilon {
		return Applied{}, errs.Invariant(scope, "cash would turn negative after validation", errs.WithSymbol(symbol))
	}
	l.balances[currency] = math.Max(0, cash)

	ts := fill.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	trade := schema.Trade{
		ID:         l.newID(),
		OrderID:    order.ID,
		Symbol:     symbol,
		Side:       fill.Side,
		Quantity:   qty,
		Price:      fill.Price,
		Commission: fill.Commission,
		Currency:   currency,
		Timestamp:  ts,
	}

	applied := Applied{Trade: trade, Order: order, Cash: l.balances[currency]}
	switch fill.Side {
	case schema.SideBuy:
		pos := l.increaseLocked(symbol, currency, qty, fill, ts)
		snapshot := pos.Clone()
		applied.Position = &snapshot
	case schema.SideSell:
		pos, outcome := l.reduceLocked(symbol, qty, fill, ts)
		if pos != nil {
			snapshot := pos.Clone()
			applied.Position = &snapshot
		}
		applied.Outcome = outcome
	}

	l.history = prepend(l.history, trade, l.capacity)
	return applied, nil
}

// Validate runs the funds or holdings check without mutating anything.
func (l *Ledger) Validate(fill Fill) error {
	symbol := schema.NormalizeSymbol(fill.Symbol)
	l.mu.Lock()
	defer l.mu.Unlock()
	_, err := l.validateLocked(symbol, schema.CurrencyForSymbol(symbol), fill)
	return err
}

func (l *Ledger) validateLocked(symbol string, currency schema.Currency, fill Fill) (float64, error) {
	qty := fill.Quantity
	notional := qty * fill.Price
	switch fill.Side {
	case schema.SideBuy:
		required := notional + fill.Commission + notional*l.buffer
		if l.balances[currency]+moneyEpsilon < required {
			return 0, errs.New(scope, errs.CodeInvalid,
				errs.WithCanonicalCode(errs.CanonicalInsufficientFunds),
				errs.WithSymbol(symbol),
				errs.WithMessage("insufficient "+string(currency)+" cash"))
		}
	case schema.SideSell:
		held := 0.0
		if pos, ok := l.positions[symbol]; ok {
			held = pos.Quantity
		}
		if held+schema.QuantityEpsilon < qty {
			return 0, errs.New(scope, errs.CodeInvalid,
				errs.WithCanonicalCode(errs.CanonicalInsufficientShares),
				errs.WithSymbol(symbol),
				errs.WithMessage("insufficient shares"))
		}
		qty = math.Min(qty, held)
		if l.balances[currency]+qty*fill.Price-fill.Commission < -moneyEpsilon {
			return 0, errs.New(scope, errs.CodeInvalid,
				errs.WithCanonicalCode(errs.CanonicalInsufficientFunds),
				errs.WithSymbol(symbol),
				errs.WithMessage("commission exceeds proceeds and cash"))
		}
	default:
		return 0, errs.New(scope, errs.CodeInvalid, errs.WithSymbol(symbol), errs.WithMessage("unknown side"))
	}
	return qty, nil
}

func (l *Ledger) increaseLocked(symbol string, currency schema.Currency, qty float64, fill Fill, ts time.Time) *schema.Position {
	pos, ok := l.positions[symbol]
	if !ok {
		pos = &schema.Position{
			Symbol:    symbol,
			Currency:  currency,
			EntryDate: ts,
			StopLoss:  copyPtr(fill.StopLoss),
			Origin:    fill.Origin,
		}
		l.positions[symbol] = pos
	}
	prevQty, prevAvg := pos.Quantity, pos.AvgCost
	pos.Quantity = prevQty + qty
	pos.AvgCost = (prevQty*prevAvg + qty*fill.Price) / pos.Quantity
	if fill.StopLoss != nil {
		pos.StopLoss = copyPtr(fill.StopLoss)
	}
	return pos
}

func (l *Ledger) reduceLocked(symbol string, qty float64, fill Fill, ts time.Time) (*schema.Position, *schema.TradeOutcome) {
	pos := l.positions[symbol]
	pos.Quantity -= qty
	pos.RealizedPnL += (fill.Price-pos.AvgCost)*qty - fill.Commission
	pos.ClosedQuantity += qty
	pos.ExitNotional += fill.Price * qty
	pos.ClosedCost += pos.AvgCost * qty
	if math.Abs(pos.Quantity) >= schema.QuantityEpsilon {
		return pos, nil
	}

	closedQty := pos.ClosedQuantity
	entry := pos.ClosedCost / closedQty
	exit := pos.ExitNotional / closedQty
	pct := 0.0
	if entry > 0 {
		pct = (exit - entry) / entry * 100
	}
	outcome := schema.TradeOutcome{
		ID:         l.newID(),
		Symbol:     symbol,
		Currency:   pos.Currency,
		Quantity:   closedQty,
		EntryPrice: entry,
		ExitPrice:  exit,
		PnL:        pos.RealizedPnL,
		PnLPercent: pct,
		EntryDate:  pos.EntryDate,
		ExitDate:   ts,
		Origin:     pos.Origin,
	}
	delete(l.positions, symbol)
	l.outcomes = prepend(l.outcomes, outcome, l.capacity)
	return nil, &outcome
}

// Balance returns the cash held in currency.
func (l *Ledger) Balance(currency schema.Currency) float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balances[currency]
}

// Balances returns a copy of every cash balance.
func (l *Ledger) Balances() map[schema.Currency]float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return copyBalances(l.balances)
}

// InitialBalance returns the opening balance for currency.
func (l *Ledger) InitialBalance(currency schema.Currency) float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.initial[currency]
}

// Position returns the open position in symbol.
func (l *Ledger) Position(symbol string) (schema.Position, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	pos, ok := l.positions[schema.NormalizeSymbol(symbol)]
	if !ok {
		return schema.Position{}, false
	}
	return pos.Clone(), true
}

// Positions returns every open position sorted by symbol.
func (l *Ledger) Positions() []schema.Position {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.positionsLocked()
}

func (l *Ledger) positionsLocked() []schema.Position {
	out := make([]schema.Position, 0, len(l.positions))
	for _, p := range l.positions {
		out = append(out, p.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// PositionsIn returns the open positions settled in currency.
func (l *Ledger) PositionsIn(currency schema.Currency) []schema.Position {
	all := l.Positions()
	out := all[:0]
	for _, p := range all {
		if p.Currency == currency {
			out = append(out, p)
		}
	}
	return out
}

// History returns up to limit trades, most recent first. A non-positive limit returns all.
func (l *Ledger) History(limit int) []schema.Trade {
	return l.HistoryFor("", limit)
}

// HistoryFor filters History by symbol; an empty symbol matches all.
func (l *Ledger) HistoryFor(symbol string, limit int) []schema.Trade {
	symbol = schema.NormalizeSymbol(symbol)
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]schema.Trade, 0, min(len(l.history), max(limit, 0)))
	for _, t := range l.history {
		if symbol != "" && t.Symbol != symbol {
			continue
		}
		out = append(out, t)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}

// Outcomes returns closed position outcomes, most recent first.
func (l *Ledger) Outcomes() []schema.TradeOutcome {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]schema.TradeOutcome(nil), l.outcomes...)
}

// Reset restores the opening balances and drops positions and history.
func (l *Ledger) Reset() {
	l.mu.Lock()
	l.resetLocked()
	l.mu.Unlock()
}

// SetInitialBalances changes the opening balances used by Reset.
func (l *Ledger) SetInitialBalances(initial map[schema.Currency]float64) {
	l.mu.Lock()
	l.initial = copyBalances(initial)
	l.mu.Unlock()
}

func (l *Ledger) resetLocked() {
	l.balances = copyBalances(l.initial)
	l.positions = make(map[string]*schema.Position)
	l.history = nil
	l.outcomes = nil
}

func prepend[T any](list []T, item T, capacity int) []T {
	next := make([]T, 0, min(len(list)+1, capacity))
	next = append(next, item)
	for _, existing := range list {
		if len(next) == capacity {
			break
		}
		next = append(next, existing)
	}
	return next
}

func copyBalances(in map[schema.Currency]float64) map[schema.Currency]float64 {
	out := make(map[schema.Currency]float64, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func copyPtr(p *float64) *float64 {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
