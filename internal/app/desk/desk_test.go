package desk

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/coachpo/tradegate/errs"
	"github.com/coachpo/tradegate/internal/app/execution"
	"github.com/coachpo/tradegate/internal/app/governor"
	"github.com/coachpo/tradegate/internal/domain/schema"
	"github.com/coachpo/tradegate/lib/clock"
)

type stubQuotes struct {
	mu   sync.Mutex
	mids map[string]float64
	err  error
}

func (s *stubQuotes) Quote(_ context.Context, symbol string) (schema.Quote, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return schema.Quote{}, s.err
	}
	mid, ok := s.mids[symbol]
	if !ok {
		return schema.Quote{}, errors.New("unknown symbol " + symbol)
	}
	return schema.Quote{Symbol: symbol, Bid: mid, Ask: mid, Last: mid}, nil
}

type fixture struct {
	desk     *Desk
	engine   *execution.Engine
	governor *governor.Governor
	quotes   *stubQuotes
	clock    *clock.Virtual
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	vc := clock.NewVirtual(time.Date(2024, 3, 1, 14, 30, 0, 0, time.UTC))
	quotes := &stubQuotes{mids: map[string]float64{
		"AAPL": 100, "MSFT": 300, "NVDA": 400, "AMD": 150, "AVGO": 1000, "TSM": 120, "GARAN.IS": 50,
	}}
	engine, err := execution.NewEngine(quotes,
		execution.WithClock(vc),
		execution.WithModel(schema.CurrencyUSD, execution.Frictionless()),
		execution.WithModel(schema.CurrencyTRY, execution.Frictionless()))
	require.NoError(t, err)
	gov, err := governor.New(governor.DefaultConfig(), governor.WithClock(vc))
	require.NoError(t, err)
	return fixture{
		desk:     New(engine, gov, WithWorkers(4), WithClock(vc)),
		engine:   engine,
		governor: gov,
		quotes:   quotes,
		clock:    vc,
	}
}

func signal(symbol string, action schema.SignalAction, qty float64) schema.Signal {
	return schema.Signal{
		Symbol:     symbol,
		Action:     action,
		Quantity:   qty,
		Confidence: 0.75,
		Rationale:  "test",
		Scores:     schema.Scores{Momentum: schema.Ptr(80.0)},
	}
}

func TestSubmitExecutesApprovedSignal(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	sig := signal("aapl", schema.ActionBuy, 10)
	sig.StopLoss = schema.Ptr(95.0)
	result, err := f.desk.Submit(ctx, sig)
	require.NoError(t, err)
	require.True(t, result.Approved)
	require.Equal(t, schema.OrderStatusFilled, result.Status)
	require.Equal(t, 10.0, result.FilledQuantity)
	require.Equal(t, "AAPL", result.Symbol)
	require.NotEmpty(t, result.OrderID)

	positions := f.engine.OpenPositions(schema.CurrencyUSD)
	require.Len(t, positions, 1)
	require.Equal(t, 95.0, *positions[0].StopLoss)
	require.NotNil(t, positions[0].Origin)
	require.Equal(t, 0.75, positions[0].Origin.Confidence)
}

func TestSubmitCooldownRejectsWithoutError(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.desk.Submit(ctx, signal("AAPL", schema.ActionBuy, 10))
	require.NoError(t, err)
	f.clock.Advance(5 * time.Minute)

	result, err := f.desk.Submit(ctx, signal("AAPL", schema.ActionBuy, 10))
	require.NoError(t, err)
	require.False(t, result.Approved)
	require.Equal(t, schema.OrderStatusRejected, result.Status)
	require.Contains(t, result.Message, "Cooldown")
}

func TestSubmitScalesLowMomentum(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	sig := signal("MSFT", schema.ActionBuy, 10)
	sig.Scores.Momentum = schema.Ptr(40.0)
	result, err := f.desk.Submit(ctx, sig)
	require.NoError(t, err)
	require.Equal(t, 7.0, result.FilledQuantity)
	require.Contains(t, result.Message, "[Scaled 0.7x]")
}

func TestSubmitClusterLimitUsesLivePositions(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	for _, symbol := range []string{"NVDA", "AMD"} {
		result, err := f.desk.Submit(ctx, signal(symbol, schema.ActionBuy, 1))
		require.NoError(t, err)
		require.True(t, result.Approved, result.Message)
	}
	result, err := f.desk.Submit(ctx, signal("TSM", schema.ActionBuy, 1))
	require.NoError(t, err)
	require.False(t, result.Approved)
	require.Equal(t, "Cluster limit reached: Semicon", result.Message)
}

func TestSubmitEngineRefusalBecomesRejectedResult(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	result, err := f.desk.Submit(ctx, signal("AVGO", schema.ActionBuy, 500))
	require.NoError(t, err)
	require.False(t, result.Approved)
	require.Equal(t, schema.OrderStatusRejected, result.Status)
	require.Contains(t, result.Message, "insufficient_funds")

	sell, err := f.desk.Submit(ctx, signal("MSFT", schema.ActionSell, 1))
	require.NoError(t, err)
	require.False(t, sell.Approved)
	require.Contains(t, sell.Message, "insufficient_shares")
}

func TestSubmitReturnsTransientErrors(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.quotes.mu.Lock()
	f.quotes.err = errors.New("connection reset")
	f.quotes.mu.Unlock()

	_, err := f.desk.Submit(ctx, signal("AAPL", schema.ActionBuy, 1))
	require.Error(t, err)
	require.True(t, errs.IsTransient(err))
}

func TestSubmitRestingOrders(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	limit := signal("AAPL", schema.ActionBuy, 5)
	limit.OrderType = schema.OrderTypeLimit
	limit.LimitPrice = schema.Ptr(90.0)
	result, err := f.desk.Submit(ctx, limit)
	require.NoError(t, err)
	require.True(t, result.Approved)
	require.Equal(t, schema.OrderStatusSubmitted, result.Status)
	require.Zero(t, result.FilledQuantity)

	stop := signal("MSFT", schema.ActionBuy, 1)
	stop.OrderType = schema.OrderTypeStop
	missing, err := f.desk.Submit(ctx, stop)
	require.NoError(t, err)
	require.False(t, missing.Approved)
	require.Contains(t, missing.Message, "stop price required")
}

func TestSubmitHoldIsRejected(t *testing.T) {
	result, err := newFixture(t).desk.Submit(context.Background(), signal("AAPL", schema.ActionHold, 1))
	require.NoError(t, err)
	require.False(t, result.Approved)
	require.Equal(t, "Hold signal", result.Message)
}

func TestSubmitBatchKeepsInputOrder(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	signals := []schema.Signal{
		signal("AAPL", schema.ActionBuy, 1),
		signal("MSFT", schema.ActionBuy, 1),
		signal("GARAN.IS", schema.ActionBuy, 100),
		signal("AAPL", schema.ActionBuy, 1),
		signal("NVDA", schema.ActionHold, 1),
	}
	results, err := f.desk.SubmitBatch(ctx, signals)
	require.NoError(t, err)
	require.Len(t, results, len(signals))

	require.Equal(t, "AAPL", results[0].Symbol)
	require.Equal(t, "MSFT", results[1].Symbol)
	require.True(t, results[1].Approved)
	require.Equal(t, "GARAN.IS", results[2].Symbol)
	require.True(t, results[2].Approved)
	require.False(t, results[4].Approved)

	// The two AAPL signals serialise: exactly one wins, the other hits the cooldown.
	require.True(t, results[0].Approved != results[3].Approved)
	require.Zero(t, f.desk.locks.size())

	account, err := f.desk.AccountInfo(ctx, schema.CurrencyTRY)
	require.NoError(t, err)
	require.InDelta(t, 995_000, account.Cash, 1e-9)

	positions, err := f.desk.Positions(ctx)
	require.NoError(t, err)
	require.Len(t, positions, 3)
}

func TestSubmitBatchJoinsErrors(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	results, err := f.desk.SubmitBatch(ctx, []schema.Signal{
		signal("AAPL", schema.ActionBuy, 1),
		signal("UNKNOWN", schema.ActionBuy, 1),
	})
	require.Error(t, err)
	require.True(t, results[0].Approved)
	require.Equal(t, schema.OrderStatusRejected, results[1].Status)
	require.Contains(t, err.Error(), "UNKNOWN")

	empty, err := f.desk.SubmitBatch(ctx, nil)
	require.NoError(t, err)
	require.Empty(t, empty)
}

func TestSubmitHonoursCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := newFixture(t).desk.Submit(ctx, signal("AAPL", schema.ActionBuy, 1))
	require.ErrorIs(t, err, context.Canceled)
}
