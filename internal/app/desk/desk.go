// Package desk is the single entry point for trading signals: it runs each
// signal through the governor and hands approved ones to the execution engine.
package desk

import (
	"context"
	"fmt"
	"runtime"

	concpool "github.com/sourcegraph/conc/pool"

	"github.com/coachpo/tradegate/errs"
	"github.com/coachpo/tradegate/internal/app/execution"
	"github.com/coachpo/tradegate/internal/app/governor"
	"github.com/coachpo/tradegate/internal/domain/schema"
	"github.com/coachpo/tradegate/internal/observability"
	"github.com/coachpo/tradegate/lib/clock"
)

const scope = "desk"

// Executor is the brokerage surface the desk drives.
type Executor interface {
	PlaceMarketOrder(ctx context.Context, symbol string, side schema.Side, quantity float64, opts ...execution.PlaceOption) (schema.OrderResult, error)
	PlaceLimitOrder(ctx context.Context, symbol string, side schema.Side, quantity, limitPrice float64) (schema.OrderResult, error)
	PlaceStopOrder(ctx context.Context, symbol string, side schema.Side, quantity, stopPrice float64) (schema.OrderResult, error)
	PlaceStopLimitOrder(ctx context.Context, symbol string, side schema.Side, quantity, limitPrice, stopPrice float64) (schema.OrderResult, error)
	OpenPositions(currency schema.Currency) []schema.Position
	Positions(ctx context.Context) ([]schema.PositionSnapshot, error)
	AccountInfo(ctx context.Context, currency schema.Currency) (schema.AccountInfo, error)
}

// Reviewer decides whether a signal may trade.
type Reviewer interface {
	Review(ctx context.Context, req governor.Request) schema.ExecutionDecision
}

// Desk serialises work per symbol so review and execution for one symbol are
// linearizable while distinct symbols proceed concurrently.
type Desk struct {
	engine   Executor
	governor Reviewer
	locks    *keyedMutex
	workers  int
	clock    clock.Clock
}

// Option customises a Desk.
type Option func(*Desk)

// WithWorkers bounds SubmitBatch concurrency.
func WithWorkers(n int) Option {
	return func(d *Desk) {
		if n > 0 {
			d.workers = n
		}
	}
}

// WithClock overrides the time source used to stamp entry snapshots.
func WithClock(c clock.Clock) Option {
	return func(d *Desk) {
		if c != nil {
			d.clock = c
		}
	}
}

// New wires a desk.
func New(engine Executor, reviewer Reviewer, opts ...Option) *Desk {
	d := &Desk{
		engine:   engine,
		governor: reviewer,
		locks:    newKeyedMutex(),
		workers:  runtime.GOMAXPROCS(0),
		clock:    clock.System{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(d)
		}
	}
	return d
}

// Submit reviews and, when approved, executes one signal. Governance
// rejections and business refusals (validation, funds, holdings) come back as
// a rejected result with a nil error; transient I/O failures and invariant
// violations are returned as errors.
func (d *Desk) Submit(ctx context.Context, signal schema.Signal) (schema.ExecutionResult, error) {
	signal.Symbol = schema.NormalizeSymbol(signal.Symbol)
	unlock := d.locks.Lock(signal.Symbol)
	defer unlock()

	if err := ctx.Err(); err != nil {
		return schema.ExecutionResult{}, fmt.Errorf("submit %s: %w", signal.Symbol, err)
	}

	currency := schema.CurrencyForSymbol(signal.Symbol)
	account, err := d.engine.AccountInfo(ctx, currency)
	if err != nil {
		return schema.ExecutionResult{}, err
	}
	decision := d.governor.Review(ctx, governor.Request{
		Signal:    signal,
		Positions: d.engine.OpenPositions(currency),
		Equity:    account.Equity,
	})
	if !decision.Approved {
		return rejected(signal.Symbol, decision.Reason), nil
	}

	order, err := d.execute(ctx, decision)
	if err != nil {
		if errs.IsRejection(err) {
			observability.Log().Info("approved signal refused by engine",
				observability.F("symbol", signal.Symbol),
				observability.F("error", err))
			return rejected(signal.Symbol, refusal(err)), nil
		}
		observability.Log().Error("signal execution failed",
			observability.F("symbol", signal.Symbol),
			observability.F("error", err))
		return schema.ExecutionResult{}, err
	}

	message := decision.Reason
	if order.Message != "" {
		message += "; " + order.Message
	}
	observability.Log().Info("signal executed",
		observability.F("symbol", order.Symbol),
		observability.F("side", string(order.Side)),
		observability.F("status", string(order.Status)),
		observability.F("filled", order.FilledQuantity),
		observability.F("orderID", order.OrderID))
	return schema.ExecutionResult{
		Approved:       true,
		OrderID:        order.OrderID,
		Symbol:         order.Symbol,
		FilledQuantity: order.FilledQuantity,
		AvgFillPrice:   order.AvgFillPrice,
		Commission:     order.Commission,
		Status:         order.Status,
		Message:        message,
	}, nil
}

func (d *Desk) execute(ctx context.Context, decision schema.ExecutionDecision) (schema.OrderResult, error) {
	signal := decision.Signal
	side, _ := signal.Action.Side()
	qty := decision.AdjustedQuantity

	switch typ := signal.EffectiveOrderType(); typ {
	case schema.OrderTypeMarket:
		opts := []execution.PlaceOption{execution.WithOrigin(schema.EntrySnapshot{
			Scores:     signal.Scores,
			Confidence: signal.Confidence,
			Rationale:  signal.Rationale,
			CapturedAt: d.clock.Now(),
		})}
		if signal.StopLoss != nil {
			opts = append(opts, execution.WithStopLoss(*signal.StopLoss))
		}
		return d.engine.PlaceMarketOrder(ctx, signal.Symbol, side, qty, opts...)
	case schema.OrderTypeLimit:
		if signal.LimitPrice == nil {
			return schema.OrderResult{}, missingPrice(signal.Symbol, "limit")
		}
		return d.engine.PlaceLimitOrder(ctx, signal.Symbol, side, qty, *signal.LimitPrice)
	case schema.OrderTypeStop:
		if signal.StopPrice == nil {
			return schema.OrderResult{}, missingPrice(signal.Symbol, "stop")
		}
		return d.engine.PlaceStopOrder(ctx, signal.Symbol, side, qty, *signal.StopPrice)
	case schema.OrderTypeStopLimit:
		if signal.LimitPrice == nil || signal.StopPrice == nil {
			return schema.OrderResult{}, missingPrice(signal.Symbol, "limit and stop")
		}
		return d.engine.PlaceStopLimitOrder(ctx, signal.Symbol, side, qty, *signal.LimitPrice, *signal.StopPrice)
	default:
		return schema.OrderResult{}, errs.New(scope, errs.CodeInvalid,
			errs.WithSymbol(signal.Symbol),
			errs.WithMessage("unsupported order type "+string(typ)))
	}
}

// SubmitBatch evaluates signals concurrently on a bounded pool. Results are in
// input order; a signal that failed with an error gets a rejected result
// carrying the error text, and all such errors are joined into the returned error.
func (d *Desk) SubmitBatch(ctx context.Context, signals []schema.Signal) ([]schema.ExecutionResult, error) {
	results := make([]schema.ExecutionResult, len(signals))
	if len(signals) == 0 {
		return results, nil
	}
	p := concpool.New().WithErrors().WithMaxGoroutines(d.workers)
	for i := range signals {
		p.Go(func() error {
			result, err := d.Submit(ctx, signals[i])
			if err != nil {
				results[i] = rejected(schema.NormalizeSymbol(signals[i].Symbol), err.Error())
				return fmt.Errorf("signal %d (%s): %w", i, signals[i].Symbol, err)
			}
			results[i] = result
			return nil
		})
	}
	return results, p.Wait()
}

// Positions passes through to the engine's valued positions.
func (d *Desk) Positions(ctx context.Context) ([]schema.PositionSnapshot, error) {
	return d.engine.Positions(ctx)
}

// AccountInfo passes through to the engine's account view.
func (d *Desk) AccountInfo(ctx context.Context, currency schema.Currency) (schema.AccountInfo, error) {
	return d.engine.AccountInfo(ctx, currency)
}

func rejected(symbol, reason string) schema.ExecutionResult {
	return schema.ExecutionResult{Symbol: symbol, Status: schema.OrderStatusRejected, Message: reason}
}

func refusal(err error) string {
	if e, ok := errs.As(err); ok && e.Message != "" {
		if e.Canonical != errs.CanonicalUnknown {
			return string(e.Canonical) + ": " + e.Message
		}
		return e.Message
	}
	return err.Error()
}

func missingPrice(symbol, which string) error {
	return errs.New(scope, errs.CodeInvalid,
		errs.WithCanonicalCode(errs.CanonicalInvalidPrice),
		errs.WithSymbol(symbol),
		errs.WithMessage(which+" price required"))
}
