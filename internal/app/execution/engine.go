package execution

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/tradegate/errs"
	"github.com/coachpo/tradegate/internal/app/ledger"
	"github.com/coachpo/tradegate/internal/app/orders"
	"github.com/coachpo/tradegate/internal/domain/ledgerstore"
	"github.com/coachpo/tradegate/internal/domain/schema"
	"github.com/coachpo/tradegate/internal/infra/telemetry"
	"github.com/coachpo/tradegate/internal/observability"
	"github.com/coachpo/tradegate/lib/clock"
)

const scope = "execution"

// QuoteSource supplies top-of-book quotes.
type QuoteSource interface {
	Quote(ctx context.Context, symbol string) (schema.Quote, error)
}

// Notifier receives fill and lifecycle notifications. Calls happen after the
// ledger lock is released; implementations must return promptly.
type Notifier interface {
	TradeExecuted(ctx context.Context, trade schema.Trade, order schema.Order)
	PositionClosed(ctx context.Context, outcome schema.TradeOutcome)
	OrderCancelled(ctx context.Context, order schema.Order)
}

// Persister accepts a snapshot after every mutation. Persist must not block.
type Persister interface {
	Persist(snapshot ledgerstore.Snapshot)
}

// Engine is the simulated brokerage: it prices market orders off live quotes,
// applies friction and settles fills against the ledger.
type Engine struct {
	quotes    QuoteSource
	orders    *orders.StateMachine
	ledger    *ledger.Ledger
	notifier  Notifier
	persister Persister
	clock     clock.Clock
	meter     metric.Meter

	modelsMu sync.RWMutex
	models   map[schema.Currency]Model

	// persistMu orders snapshot capture so a newer state is never handed over before an older one.
	persistMu sync.Mutex

	orderCounter      metric.Int64Counter
	commissionCounter metric.Float64Counter
	quoteDuration     metric.Float64Histogram
}

// Option customises an Engine.
type Option func(*Engine)

// WithLedger supplies the ledger instead of a fresh one with default balances.
func WithLedger(l *ledger.Ledger) Option {
	return func(e *Engine) {
		if l != nil {
			e.ledger = l
		}
	}
}

// WithOrders supplies the order registry.
func WithOrders(m *orders.StateMachine) Option {
	return func(e *Engine) {
		if m != nil {
			e.orders = m
		}
	}
}

// WithModel sets the execution model for one currency.
func WithModel(currency schema.Currency, model Model) Option {
	return func(e *Engine) {
		e.models[currency] = model
	}
}

// WithNotifier installs the notification sink.
func WithNotifier(n Notifier) Option {
	return func(e *Engine) {
		if n != nil {
			e.notifier = n
		}
	}
}

// WithPersister installs the snapshot sink.
func WithPersister(p Persister) Option {
	return func(e *Engine) {
		if p != nil {
			e.persister = p
		}
	}
}

// WithClock overrides the time source used to stamp fills.
func WithClock(c clock.Clock) Option {
	return func(e *Engine) {
		if c != nil {
			e.clock = c
		}
	}
}

// WithMeter overrides the meter used for execution metrics.
func WithMeter(m metric.Meter) Option {
	return func(e *Engine) {
		if m != nil {
			e.meter = m
		}
	}
}

// NewEngine constructs an engine pricing against quotes.
func NewEngine(quotes QuoteSource, opts ...Option) (*Engine, error) {
	if quotes == nil {
		return nil, fmt.Errorf("execution engine: quote source required")
	}
	e := &Engine{
		quotes:    quotes,
		notifier:  noopNotifier{},
		persister: noopPersister{},
		clock:     clock.System{},
		meter:     otel.Meter("execution"),
		models: map[schema.Currency]Model{
			schema.CurrencyUSD: DefaultModelFor(schema.CurrencyUSD),
			schema.CurrencyTRY: DefaultModelFor(schema.CurrencyTRY),
		},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	for currency, model := range e.models {
		if err := model.Validate(); err != nil {
			return nil, fmt.Errorf("execution engine %s: %w", currency, err)
		}
	}
	if e.orders == nil {
		e.orders = orders.NewStateMachine(orders.WithClock(e.clock.Now))
	}
	if e.ledger == nil {
		e.ledger = ledger.New(ledger.DefaultBalances())
	}

	e.orderCounter, _ = e.meter.Int64Counter("execution.orders",
		metric.WithDescription("Orders placed, labelled by result"),
		metric.WithUnit("{order}"))
	e.commissionCounter, _ = e.meter.Float64Counter("execution.commission",
		metric.WithDescription("Commission charged on fills"),
		metric.WithUnit("{currency}"))
	e.quoteDuration, _ = e.meter.Float64Histogram("execution.quote.duration",
		metric.WithDescription("Quote fetch latency"),
		metric.WithUnit("ms"))
	return e, nil
}

// PlaceOption attaches optional context to a market order.
type PlaceOption func(*placement)

type placement struct {
	stopLoss *float64
	origin   *schema.EntrySnapshot
}

// WithStopLoss records a protective stop on the position opened by a buy.
func WithStopLoss(price float64) PlaceOption {
	return func(p *placement) {
		if price > 0 && schema.Finite(price) {
			p.stopLoss = &price
		}
	}
}

// WithOrigin records the confidence context the position was opened with.
func WithOrigin(origin schema.EntrySnapshot) PlaceOption {
	return func(p *placement) {
		p.origin = &origin
	}
}

// PlaceMarketOrder fills immediately at the slipped quote price. The quote
// fetch is the only blocking step; funds and holdings are checked again
// under the ledger lock after it returns.
func (e *Engine) PlaceMarketOrder(ctx context.Context, symbol string, side schema.Side, quantity float64, opts ...PlaceOption) (schema.OrderResult, error) {
	symbol = schema.NormalizeSymbol(symbol)
	if err := validateRequest(symbol, side, quantity); err != nil {
		e.countOrder(symbol, side, schema.OrderTypeMarket, telemetry.ResultRejected)
		return schema.OrderResult{}, err
	}
	var place placement
	for _, opt := range opts {
		if opt != nil {
			opt(&place)
		}
	}

	currency := schema.CurrencyForSymbol(symbol)
	model := e.Model(currency)

	quote, err := e.quote(ctx, symbol)
	if err != nil {
		e.countOrder(symbol, side, schema.OrderTypeMarket, telemetry.ResultError)
		return schema.OrderResult{}, err
	}
	price := model.Slippage().Price(side, quote)
	if price <= 0 || !schema.Finite(price) {
		e.countOrder(symbol, side, schema.OrderTypeMarket, telemetry.ResultError)
		return schema.OrderResult{}, errs.New(scope, errs.CodeUnavailable,
			errs.WithCanonicalCode(errs.CanonicalQuoteUnavailable),
			errs.WithSymbol(symbol),
			errs.WithMessage("quote produced no executable price"))
	}

	var message string
	if capped := model.CapQuantity(quantity, quote.Volume); capped < quantity-schema.QuantityEpsilon {
		if capped < schema.QuantityEpsilon {
			e.countOrder(symbol, side, schema.OrderTypeMarket, telemetry.ResultRejected)
			return schema.OrderResult{}, errs.New(scope, errs.CodeInvalid,
				errs.WithCanonicalCode(errs.CanonicalInvalidQuantity),
				errs.WithSymbol(symbol),
				errs.WithMessage("quoted volume too thin to fill"))
		}
		message = fmt.Sprintf("quantity capped from %g to %g by %g%% volume participation", quantity, capped, model.MaxVolumeParticipation)
		quantity = capped
	}
	if side == schema.SideSell {
		// Dust left by float arithmetic is sold with the rest.
		if pos, ok := e.ledger.Position(symbol); ok && quantity > pos.Quantity && quantity-pos.Quantity <= schema.QuantityEpsilon {
			quantity = pos.Quantity
		}
	}

	notional := quantity * price
	if err := checkMinimum(symbol, model, notional); err != nil {
		e.countOrder(symbol, side, schema.OrderTypeMarket, telemetry.ResultRejected)
		return schema.OrderResult{}, err
	}
	commission := model.Fees().Commission(notional)

	applied, err := e.ledger.Apply(ledger.Fill{
		Symbol:     symbol,
		Side:       side,
		Quantity:   quantity,
		Price:      price,
		Commission: commission,
		Timestamp:  e.clock.Now(),
		StopLoss:   place.stopLoss,
		Origin:     place.origin,
	}, e.recordMarketOrder(symbol, side, price))
	if err != nil {
		e.countOrder(symbol, side, schema.OrderTypeMarket, telemetry.ResultRejected)
		return schema.OrderResult{}, err
	}

	e.countOrder(symbol, side, schema.OrderTypeMarket, telemetry.ResultSuccess)
	e.commissionCounter.Add(ctx, applied.Trade.Commission,
		metric.WithAttributes(telemetry.BalanceAttributes(telemetry.Environment(), string(currency))...))
	observability.Log().Debug("market order filled",
		observability.F("symbol", symbol),
		observability.F("side", string(side)),
		observability.F("quantity", applied.Trade.Quantity),
		observability.F("price", applied.Trade.Price),
		observability.F("commission", applied.Trade.Commission),
		observability.F("cash", applied.Cash),
	)

	notifyCtx := context.WithoutCancel(ctx)
	e.notify(func() { e.notifier.TradeExecuted(notifyCtx, applied.Trade, applied.Order) })
	if applied.Outcome != nil {
		outcome := *applied.Outcome
		e.notify(func() { e.notifier.PositionClosed(notifyCtx, outcome) })
	}
	e.persist()

	return schema.OrderResult{
		OrderID:        applied.Order.ID,
		Symbol:         symbol,
		Side:           side,
		Type:           schema.OrderTypeMarket,
		Status:         applied.Order.Status,
		Quantity:       applied.Order.Quantity,
		FilledQuantity: applied.Order.FilledQuantity,
		AvgFillPrice:   applied.Order.AvgFillPrice,
		Commission:     applied.Trade.Commission,
		Currency:       currency,
		Timestamp:      applied.Trade.Timestamp,
		Message:        message,
	}, nil
}

// recordMarketOrder creates the backing order and fills it. It runs under the
// ledger lock, so the order exists only when the ledger mutation goes ahead.
func (e *Engine) recordMarketOrder(symbol string, side schema.Side, price float64) ledger.Recorder {
	return func(quantity float64) (schema.Order, error) {
		order, err := e.orders.Create(symbol, side, schema.OrderTypeMarket, quantity, nil, nil)
		if err != nil {
			return schema.Order{}, err
		}
		if _, _, err := e.orders.UpdateStatus(order.ID, schema.OrderStatusSubmitted); err != nil {
			return schema.Order{}, err
		}
		filled, _, err := e.orders.Fill(order.ID, quantity, price)
		if err != nil {
			_, _, _ = e.orders.UpdateStatus(order.ID, schema.OrderStatusRejected)
			return schema.Order{}, err
		}
		return filled, nil
	}
}

// PlaceLimitOrder accepts a resting limit order. It is validated against the
// limit price and left submitted; nothing matches it afterwards.
func (e *Engine) PlaceLimitOrder(ctx context.Context, symbol string, side schema.Side, quantity, limitPrice float64) (schema.OrderResult, error) {
	return e.placeResting(ctx, symbol, side, schema.OrderTypeLimit, quantity, &limitPrice, nil)
}

// PlaceStopOrder accepts a resting stop order validated against the stop price.
func (e *Engine) PlaceStopOrder(ctx context.Context, symbol string, side schema.Side, quantity, stopPrice float64) (schema.OrderResult, error) {
	return e.placeResting(ctx, symbol, side, schema.OrderTypeStop, quantity, nil, &stopPrice)
}

// PlaceStopLimitOrder accepts a resting stop-limit order validated against the limit price.
func (e *Engine) PlaceStopLimitOrder(ctx context.Context, symbol string, side schema.Side, quantity, limitPrice, stopPrice float64) (schema.OrderResult, error) {
	return e.placeResting(ctx, symbol, side, schema.OrderTypeStopLimit, quantity, &limitPrice, &stopPrice)
}

func (e *Engine) placeResting(ctx context.Context, symbol string, side schema.Side, typ schema.OrderType, quantity float64, limitPrice, stopPrice *float64) (schema.OrderResult, error) {
	symbol = schema.NormalizeSymbol(symbol)
	if err := ctx.Err(); err != nil {
		return schema.OrderResult{}, fmt.Errorf("place %s order: %w", typ, err)
	}
	if err := validateRequest(symbol, side, quantity); err != nil {
		e.countOrder(symbol, side, typ, telemetry.ResultRejected)
		return schema.OrderResult{}, err
	}
	reference := limitPrice
	if reference == nil {
		reference = stopPrice
	}
	for _, p := range []*float64{limitPrice, stopPrice} {
		if p != nil && (*p <= 0 || !schema.Finite(*p)) {
			e.countOrder(symbol, side, typ, telemetry.ResultRejected)
			return schema.OrderResult{}, errs.New(scope, errs.CodeInvalid,
				errs.WithCanonicalCode(errs.CanonicalInvalidPrice),
				errs.WithSymbol(symbol),
				errs.WithMessage("price must be positive"))
		}
	}

	currency := schema.CurrencyForSymbol(symbol)
	model := e.Model(currency)
	notional := quantity * *reference
	if err := checkMinimum(symbol, model, notional); err != nil {
		e.countOrder(symbol, side, typ, telemetry.ResultRejected)
		return schema.OrderResult{}, err
	}
	commission := model.Fees().Commission(notional)
	if err := e.ledger.Validate(ledger.Fill{Symbol: symbol, Side: side, Quantity: quantity, Price: *reference, Commission: commission}); err != nil {
		e.countOrder(symbol, side, typ, telemetry.ResultRejected)
		return schema.OrderResult{}, err
	}

	order, err := e.orders.Create(symbol, side, typ, quantity, limitPrice, stopPrice)
	if err != nil {
		e.countOrder(symbol, side, typ, telemetry.ResultRejected)
		return schema.OrderResult{}, err
	}
	order, _, err = e.orders.UpdateStatus(order.ID, schema.OrderStatusSubmitted)
	if err != nil {
		return schema.OrderResult{}, err
	}
	e.countOrder(symbol, side, typ, telemetry.ResultSuccess)
	e.persist()

	return schema.OrderResult{
		OrderID:   order.ID,
		Symbol:    symbol,
		Side:      side,
		Type:      typ,
		Status:    order.Status,
		Quantity:  order.Quantity,
		Currency:  currency,
		Timestamp: order.UpdatedAt,
		Message:   string(typ) + " order accepted; resting orders are not matched",
	}, nil
}

// CancelOrder cancels a non-terminal order. It reports false when the order
// already reached a terminal state and an OrderNotFound error for unknown ids.
func (e *Engine) CancelOrder(ctx context.Context, id string) (bool, error) {
	current, ok := e.orders.Get(id)
	if !ok {
		return false, orders.NotFound(id)
	}
	if current.Status.Terminal() {
		return false, nil
	}
	cancelled, ok, err := e.orders.UpdateStatus(id, schema.OrderStatusCancelled)
	if !ok {
		return false, orders.NotFound(id)
	}
	if err != nil {
		if errs.IsCanonical(err, errs.CanonicalInvalidTransition) {
			return false, nil
		}
		return false, err
	}
	notifyCtx := context.WithoutCancel(ctx)
	e.notify(func() { e.notifier.OrderCancelled(notifyCtx, cancelled) })
	e.persist()
	return true, nil
}

// Order returns a single order.
func (e *Engine) Order(id string) (schema.Order, error) {
	order, ok := e.orders.Get(id)
	if !ok {
		return schema.Order{}, orders.NotFound(id)
	}
	return order, nil
}

// Orders returns every order, oldest first.
func (e *Engine) Orders() []schema.Order { return e.orders.All() }

// OpenOrders returns orders that can still be cancelled.
func (e *Engine) OpenOrders() []schema.Order { return e.orders.Open() }

// Model returns the execution model for currency.
func (e *Engine) Model(currency schema.Currency) Model {
	e.modelsMu.RLock()
	defer e.modelsMu.RUnlock()
	if model, ok := e.models[currency]; ok {
		return model
	}
	return DefaultModelFor(currency)
}

// SetModel swaps the execution model for currency.
func (e *Engine) SetModel(currency schema.Currency, model Model) error {
	if err := model.Validate(); err != nil {
		return errs.New(scope, errs.CodeInvalid, errs.WithMessage(err.Error()))
	}
	e.modelsMu.Lock()
	e.models[currency] = model
	e.modelsMu.Unlock()
	observability.Log().Info("execution model changed",
		observability.F("currency", string(currency)),
		observability.F("model", model.Name))
	return nil
}

func (e *Engine) quote(ctx context.Context, symbol string) (schema.Quote, error) {
	start := time.Now()
	quote, err := e.quotes.Quote(ctx, symbol)
	result := telemetry.ResultSuccess
	defer func() {
		e.quoteDuration.Record(ctx, telemetry.SinceMillis(start),
			metric.WithAttributes(telemetry.QuoteAttributes(telemetry.Environment(), "engine", symbol, result)...))
	}()
	if err != nil {
		result = telemetry.ResultError
		if _, ok := errs.As(err); ok {
			return schema.Quote{}, err
		}
		return schema.Quote{}, errs.New(scope, errs.CodeNetwork,
			errs.WithCanonicalCode(errs.CanonicalQuoteUnavailable),
			errs.WithSymbol(symbol),
			errs.WithCause(err))
	}
	if !quote.Valid() {
		result = telemetry.ResultError
		return schema.Quote{}, errs.New(scope, errs.CodeUnavailable,
			errs.WithCanonicalCode(errs.CanonicalQuoteUnavailable),
			errs.WithSymbol(symbol),
			errs.WithMessage("quote has no usable bid/ask"))
	}
	return quote, nil
}

// notify runs a notifier callback, containing any panic so a broken sink never fails a trade.
func (e *Engine) notify(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			observability.Log().Error("notifier panicked", observability.F("panic", fmt.Sprint(r)))
		}
	}()
	fn()
}

func (e *Engine) persist() {
	e.persistMu.Lock()
	defer e.persistMu.Unlock()
	snapshot := e.Snapshot()
	defer func() {
		if r := recover(); r != nil {
			observability.Log().Error("persister panicked", observability.F("panic", fmt.Sprint(r)))
		}
	}()
	e.persister.Persist(snapshot)
}

func (e *Engine) countOrder(symbol string, side schema.Side, typ schema.OrderType, result string) {
	e.orderCounter.Add(context.Background(), 1,
		metric.WithAttributes(telemetry.OrderAttributes(telemetry.Environment(), symbol, string(side), string(typ), result)...))
}

func validateRequest(symbol string, side schema.Side, quantity float64) error {
	if symbol == "" {
		return errs.New(scope, errs.CodeInvalid,
			errs.WithCanonicalCode(errs.CanonicalInvalidSymbol),
			errs.WithMessage("symbol required"))
	}
	if !side.Valid() {
		return errs.New(scope, errs.CodeInvalid, errs.WithSymbol(symbol), errs.WithMessage("unknown side "+string(side)))
	}
	if quantity <= 0 || math.IsNaN(quantity) || math.IsInf(quantity, 0) {
		return errs.New(scope, errs.CodeInvalid,
			errs.WithCanonicalCode(errs.CanonicalInvalidQuantity),
			errs.WithSymbol(symbol),
			errs.WithMessage("quantity must be positive"))
	}
	return nil
}

func checkMinimum(symbol string, model Model, notional float64) error {
	if model.MinTradeAmount > 0 && notional < model.MinTradeAmount {
		return errs.New(scope, errs.CodeInvalid,
			errs.WithCanonicalCode(errs.CanonicalBelowMinimum),
			errs.WithSymbol(symbol),
			errs.WithMessage(fmt.Sprintf("trade value %.2f below minimum %.2f", notional, model.MinTradeAmount)))
	}
	return nil
}

type noopNotifier struct{}

func (noopNotifier) TradeExecuted(context.Context, schema.Trade, schema.Order) {}
func (noopNotifier) PositionClosed(context.Context, schema.TradeOutcome)       {}
func (noopNotifier) OrderCancelled(context.Context, schema.Order)              {}

type noopPersister struct{}

func (noopPersister) Persist(ledgerstore.Snapshot) {}
