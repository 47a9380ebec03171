package notify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/coachpo/tradegate/internal/domain/journal"
	"github.com/coachpo/tradegate/internal/domain/schema"
	"github.com/coachpo/tradegate/internal/infra/bus/eventbus"
	"github.com/coachpo/tradegate/internal/observability"
)

var epoch = time.Date(2024, 3, 1, 14, 30, 0, 0, time.UTC)

type recordingSink struct {
	mu     sync.Mutex
	events []schema.Event
	err    error
	panics bool
	block  chan struct{}
}

func (s *recordingSink) Name() string { return "recording" }

func (s *recordingSink) Handle(_ context.Context, evt schema.Event) error {
	if s.block != nil {
		<-s.block
	}
	if s.panics {
		panic("sink exploded")
	}
	s.mu.Lock()
	s.events = append(s.events, evt)
	s.mu.Unlock()
	return s.err
}

func (s *recordingSink) Events() []schema.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]schema.Event(nil), s.events...)
}

func sampleTrade() (schema.Trade, schema.Order) {
	trade := schema.Trade{
		ID: "trd-1", OrderID: "ord-1", Symbol: "AAPL", Side: schema.SideBuy,
		Quantity: 10, Price: 100.5, Commission: 1.005, Currency: schema.CurrencyUSD, Timestamp: epoch,
	}
	order := schema.Order{
		ID: "ord-1", Symbol: "AAPL", Side: schema.SideBuy, Type: schema.OrderTypeMarket,
		Quantity: 10, FilledQuantity: 10, Status: schema.OrderStatusFilled, UpdatedAt: epoch,
	}
	return trade, order
}

func TestDispatcherFansOutToEverySink(t *testing.T) {
	first, second := &recordingSink{}, &recordingSink{}
	d, err := NewDispatcher(Config{Workers: 2, Queue: 8}, first, nil, second)
	require.NoError(t, err)

	trade, order := sampleTrade()
	d.TradeExecuted(context.Background(), trade, order)
	d.PositionClosed(context.Background(), schema.TradeOutcome{Symbol: "AAPL", ExitDate: epoch})
	d.OrderCancelled(context.Background(), schema.Order{ID: "ord-2", Symbol: "MSFT"})
	require.NoError(t, d.Close(context.Background()))

	for _, sink := range []*recordingSink{first, second} {
		events := sink.Events()
		require.Len(t, events, 3)
		types := map[schema.EventType]schema.Event{}
		for _, evt := range events {
			require.NotEmpty(t, evt.ID)
			require.False(t, evt.Timestamp.IsZero())
			types[evt.Type] = evt
		}
		executed := types[schema.EventTypeTradeExecuted]
		require.Equal(t, epoch, executed.Timestamp)
		require.Equal(t, "trd-1", executed.Payload.(schema.TradeExecutedPayload).Trade.ID)
		require.Contains(t, types, schema.EventTypePositionClosed)
		require.Equal(t, "MSFT", types[schema.EventTypeOrderCancelled].Symbol)
	}
}

func TestDispatcherSurvivesSinkFailures(t *testing.T) {
	failing := &recordingSink{err: errors.New("disk full")}
	panicking := &recordingSink{panics: true}
	healthy := &recordingSink{}
	d, err := NewDispatcher(Config{Workers: 1, Queue: 8}, failing, panicking, healthy)
	require.NoError(t, err)

	trade, order := sampleTrade()
	require.NotPanics(t, func() { d.TradeExecuted(context.Background(), trade, order) })
	require.NoError(t, d.Close(context.Background()))
	require.Len(t, healthy.Events(), 1)
	require.Len(t, failing.Events(), 1)
}

func TestDispatcherDropsWhenSaturated(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	observability.SetLogger(observability.WrapZap(zap.New(core)))
	defer observability.SetLogger(nil)

	slow := &recordingSink{block: make(chan struct{})}
	d, err := NewDispatcher(Config{Workers: 1, Queue: 1}, slow)
	require.NoError(t, err)

	trade, order := sampleTrade()
	done := make(chan struct{})
	go func() {
		for i := 0; i < 5; i++ {
			d.TradeExecuted(context.Background(), trade, order)
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("dispatch blocked on a saturated pool")
	}

	close(slow.block)
	require.NoError(t, d.Close(context.Background()))
	require.Less(t, len(slow.Events()), 5)
	require.NotEmpty(t, logs.FilterMessage("notification dropped").All())
}

func TestDispatcherIgnoresCallerCancellation(t *testing.T) {
	sink := &recordingSink{}
	d, err := NewDispatcher(Config{Workers: 1, Queue: 4}, sink)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	trade, order := sampleTrade()
	d.TradeExecuted(ctx, trade, order)
	require.NoError(t, d.Close(context.Background()))
	require.Len(t, sink.Events(), 1)
}

func TestJournalSinkRecordsFillsOutcomesAndOrders(t *testing.T) {
	store := journal.NewMemoryStore()
	sink := NewJournalSink(store)
	ctx := context.Background()

	trade, order := sampleTrade()
	require.NoError(t, sink.Handle(ctx, schema.Event{Type: schema.EventTypeTradeExecuted, Payload: schema.TradeExecutedPayload{Trade: trade, Order: order}}))
	require.NoError(t, sink.Handle(ctx, schema.Event{Type: schema.EventTypePositionClosed, Payload: schema.PositionClosedPayload{
		Outcome: schema.TradeOutcome{ID: "out-1", Symbol: "AAPL", Quantity: 10, PnL: 12.5, ExitDate: epoch},
	}}))
	require.NoError(t, sink.Handle(ctx, schema.Event{Type: schema.EventTypeOrderCancelled, Payload: schema.OrderCancelledPayload{
		Order: schema.Order{ID: "ord-2", Symbol: "MSFT", Status: schema.OrderStatusCancelled},
	}}))
	require.Error(t, sink.Handle(ctx, schema.Event{Type: "unknown", Payload: 42}))

	fills, err := store.ListFills(ctx, journal.Query{})
	require.NoError(t, err)
	require.Len(t, fills, 1)
	require.Equal(t, "100.5", fills[0].Price)
	require.Equal(t, "1.005", fills[0].Commission)

	outcomes, err := store.ListOutcomes(ctx, journal.Query{Symbol: "aapl"})
	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	require.Equal(t, "12.5", outcomes[0].PnL)

	events := store.OrderEvents()
	require.Len(t, events, 2)
	require.Equal(t, "filled", events[0].State)
	require.Equal(t, "cancelled", events[1].State)
}

func TestBusSinkPublishes(t *testing.T) {
	bus := eventbus.NewMemoryBus(eventbus.MemoryConfig{BufferSize: 4})
	defer bus.Close()
	_, ch, err := bus.Subscribe(context.Background(), schema.EventTypeOrderCancelled)
	require.NoError(t, err)

	sink := NewBusSink(bus)
	require.Equal(t, "bus", sink.Name())
	require.NoError(t, sink.Handle(context.Background(), schema.Event{ID: "evt-1", Type: schema.EventTypeOrderCancelled, Symbol: "MSFT"}))

	select {
	case evt := <-ch:
		require.Equal(t, "evt-1", evt.ID)
	case <-time.After(2 * time.Second):
		t.Fatal("event not delivered")
	}
}

func TestLogSinkWritesStructuredLines(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	sink := NewLogSink(observability.WrapZap(zap.New(core)))

	trade, order := sampleTrade()
	require.NoError(t, sink.Handle(context.Background(), schema.Event{Type: schema.EventTypeTradeExecuted, Payload: schema.TradeExecutedPayload{Trade: trade, Order: order}}))
	require.Error(t, sink.Handle(context.Background(), schema.Event{Type: "unknown"}))

	entries := logs.FilterMessage("trade executed").All()
	require.Len(t, entries, 1)
	require.Equal(t, "AAPL", entries[0].ContextMap()["symbol"])
	require.Equal(t, "buy", entries[0].ContextMap()["side"])
}
