package httpserver

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/tradegate/errs"
	"github.com/coachpo/tradegate/internal/app/desk"
	"github.com/coachpo/tradegate/internal/app/execution"
	"github.com/coachpo/tradegate/internal/app/governor"
	"github.com/coachpo/tradegate/internal/domain/schema"
	"github.com/coachpo/tradegate/internal/infra/config"
	"github.com/coachpo/tradegate/lib/clock"
)

type switchableQuotes struct {
	mu   sync.Mutex
	mids map[string]float64
	down bool
}

func (q *switchableQuotes) Quote(_ context.Context, symbol string) (schema.Quote, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.down {
		return schema.Quote{}, errors.New("feed offline")
	}
	mid, ok := q.mids[symbol]
	if !ok {
		return schema.Quote{}, errs.New("test", errs.CodeNotFound, errs.WithCanonicalCode(errs.CanonicalInvalidSymbol))
	}
	return schema.Quote{Symbol: symbol, Bid: mid, Ask: mid, Last: mid, Volume: 1_000_000}, nil
}

func (q *switchableQuotes) setDown(down bool) {
	q.mu.Lock()
	q.down = down
	q.mu.Unlock()
}

type apiFixture struct {
	handler  http.Handler
	engine   *execution.Engine
	governor *governor.Governor
	quotes   *switchableQuotes
}

func newAPIFixture(t *testing.T) apiFixture {
	t.Helper()
	vc := clock.NewVirtual(time.Date(2024, 3, 1, 14, 30, 0, 0, time.UTC))
	quotes := &switchableQuotes{mids: map[string]float64{"AAPL": 100, "MSFT": 300, "THYAO.IS": 250}}
	engine, err := execution.NewEngine(quotes,
		execution.WithClock(vc),
		execution.WithModel(schema.CurrencyUSD, execution.Frictionless()),
		execution.WithModel(schema.CurrencyTRY, execution.Frictionless()))
	require.NoError(t, err)
	gov, err := governor.New(governor.DefaultConfig(), governor.WithClock(vc))
	require.NoError(t, err)
	d := desk.New(engine, gov, desk.WithWorkers(2), desk.WithClock(vc))
	return apiFixture{
		handler:  NewHandler(config.EnvDev, d, engine, gov),
		engine:   engine,
		governor: gov,
		quotes:   quotes,
	}
}

func (f apiFixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func TestSubmitSignalExecutesAndReportsAccount(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodPost, "/signals", schema.Signal{Symbol: "aapl", Action: schema.ActionBuy, Quantity: 10, Confidence: 0.8})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	result := decodeBody[schema.ExecutionResult](t, rec)
	require.True(t, result.Approved)
	require.Equal(t, "AAPL", result.Symbol)
	require.Equal(t, schema.OrderStatusFilled, result.Status)
	require.Equal(t, 10.0, result.FilledQuantity)

	rec = f.do(t, http.MethodGet, "/positions", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	positions := decodeBody[map[string][]schema.PositionSnapshot](t, rec)["positions"]
	require.Len(t, positions, 1)
	require.Equal(t, 1000.0, positions[0].MarketValue)

	rec = f.do(t, http.MethodGet, "/account?currency=usd", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	account := decodeBody[schema.AccountInfo](t, rec)
	require.Equal(t, 99_000.0, account.Cash)
	require.Equal(t, 100_000.0, account.Equity)

	rec = f.do(t, http.MethodGet, "/account", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, decodeBody[map[string][]schema.AccountInfo](t, rec)["accounts"], 2)

	rec = f.do(t, http.MethodGet, "/trades?symbol=aapl&limit=5", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, decodeBody[map[string][]schema.Trade](t, rec)["trades"], 1)

	rec = f.do(t, http.MethodGet, "/performance", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	report := decodeBody[execution.Report](t, rec)
	require.Equal(t, schema.CurrencyUSD, report.Currency)
	require.Equal(t, 1, report.TradeCount)
}

func TestGovernanceRejectionIsNotAnHTTPError(t *testing.T) {
	f := newAPIFixture(t)
	signal := schema.Signal{Symbol: "MSFT", Action: schema.ActionBuy, Quantity: 1, Confidence: 0.8}

	require.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/signals", signal).Code)
	rec := f.do(t, http.MethodPost, "/signals", signal)
	require.Equal(t, http.StatusOK, rec.Code)
	result := decodeBody[schema.ExecutionResult](t, rec)
	require.False(t, result.Approved)
	require.Equal(t, schema.OrderStatusRejected, result.Status)
	require.True(t, strings.HasPrefix(result.Message, "Cooldown active for MSFT"), result.Message)
}

func TestQuoteOutageMapsToServiceUnavailable(t *testing.T) {
	f := newAPIFixture(t)
	f.quotes.setDown(true)

	rec := f.do(t, http.MethodPost, "/signals", schema.Signal{Symbol: "AAPL", Action: schema.ActionBuy, Quantity: 1, Confidence: 0.8})
	require.Equal(t, http.StatusServiceUnavailable, rec.Code, rec.Body.String())
	body := decodeBody[map[string]string](t, rec)
	require.Equal(t, string(errs.CanonicalQuoteUnavailable), body["code"])
}

func TestSubmitBatchKeepsInputOrder(t *testing.T) {
	f := newAPIFixture(t)
	rec := f.do(t, http.MethodPost, "/signals/batch", map[string]any{"signals": []schema.Signal{
		{Symbol: "MSFT", Action: schema.ActionBuy, Quantity: 2, Confidence: 0.8},
		{Symbol: "THYAO.IS", Action: schema.ActionBuy, Quantity: 4, Confidence: 0.8},
		{Symbol: "AAPL", Action: schema.ActionHold, Confidence: 0.8},
	}})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	results := decodeBody[map[string][]schema.ExecutionResult](t, rec)["results"]
	require.Len(t, results, 3)
	require.Equal(t, "MSFT", results[0].Symbol)
	require.True(t, results[0].Approved)
	require.Equal(t, "THYAO.IS", results[1].Symbol)
	require.True(t, results[1].Approved)
	require.False(t, results[2].Approved)

	rec = f.do(t, http.MethodPost, "/signals/batch", map[string]any{"signals": []schema.Signal{}})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestOrdersListAndCancel(t *testing.T) {
	f := newAPIFixture(t)
	rec := f.do(t, http.MethodPost, "/signals", schema.Signal{
		Symbol: "AAPL", Action: schema.ActionBuy, Quantity: 5, Confidence: 0.8,
		OrderType: schema.OrderTypeLimit, LimitPrice: schema.Ptr(95.0),
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	result := decodeBody[schema.ExecutionResult](t, rec)
	require.Equal(t, schema.OrderStatusSubmitted, result.Status)
	require.NotEmpty(t, result.OrderID)

	rec = f.do(t, http.MethodGet, "/orders?status=open", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, decodeBody[map[string][]schema.Order](t, rec)["orders"], 1)

	rec = f.do(t, http.MethodGet, "/orders/"+result.OrderID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, result.OrderID, decodeBody[schema.Order](t, rec).ID)

	rec = f.do(t, http.MethodDelete, "/orders/"+result.OrderID, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Equal(t, true, decodeBody[map[string]any](t, rec)["cancelled"])

	rec = f.do(t, http.MethodDelete, "/orders/"+result.OrderID, nil)
	require.Equal(t, http.StatusConflict, rec.Code)

	rec = f.do(t, http.MethodGet, "/orders?status=CANCELLED", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, decodeBody[map[string][]schema.Order](t, rec)["orders"], 1)

	rec = f.do(t, http.MethodDelete, "/orders/does-not-exist", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	require.Equal(t, string(errs.CanonicalOrderNotFound), decodeBody[map[string]string](t, rec)["code"])

	rec = f.do(t, http.MethodGet, "/orders?status=sideways", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRequestValidation(t *testing.T) {
	f := newAPIFixture(t)

	req := httptest.NewRequest(http.MethodPost, "/signals", strings.NewReader(`{"symbol":"AAPL","unknown":1}`))
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodGet, "/signals", nil)
	require.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	require.Equal(t, "POST", rec.Header().Get("Allow"))

	rec = f.do(t, http.MethodGet, "/account?currency=EUR", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodGet, "/trades?limit=-3", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	huge := strings.NewReader(`{"symbol":"` + strings.Repeat("A", int(maxJSONBodyBytes)) + `"}`)
	rec = httptest.NewRecorder()
	f.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/signals", huge))
	require.Contains(t, []int{http.StatusBadRequest, http.StatusRequestEntityTooLarge}, rec.Code)

	rec = f.do(t, http.MethodOptions, "/signals", nil)
	require.Equal(t, http.StatusNoContent, rec.Code)
	require.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestStatusForMapsErrorCodes(t *testing.T) {
	cases := map[errs.Code]int{
		errs.CodeInvalid:     http.StatusUnprocessableEntity,
		errs.CodeNotFound:    http.StatusNotFound,
		errs.CodeConflict:    http.StatusConflict,
		errs.CodeRateLimited: http.StatusTooManyRequests,
		errs.CodeNetwork:     http.StatusServiceUnavailable,
		errs.CodeUnavailable: http.StatusServiceUnavailable,
		errs.CodeInvariant:   http.StatusInternalServerError,
	}
	for code, want := range cases {
		require.Equal(t, want, statusFor(errs.New("test", code)), code)
	}
	require.Equal(t, http.StatusTeapot, statusFor(errs.New("test", errs.CodeInvalid, errs.WithHTTP(http.StatusTeapot))))
	require.Equal(t, http.StatusServiceUnavailable, statusFor(context.DeadlineExceeded))
	require.Equal(t, http.StatusInternalServerError, statusFor(errors.New("boom")))
}

func TestHealth(t *testing.T) {
	f := newAPIFixture(t)
	rec := f.do(t, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "dev", decodeBody[map[string]string](t, rec)["environment"])
}

func TestSnapshotExportRestoreAndReset(t *testing.T) {
	f := newAPIFixture(t)
	rec := f.do(t, http.MethodPost, "/signals", schema.Signal{Symbol: "AAPL", Action: schema.ActionBuy, Quantity: 10, Confidence: 0.8})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodGet, "/account/snapshot", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	backup := decodeBody[AccountBackup](t, rec)
	require.Equal(t, backupVersion, backup.Version)
	require.Len(t, backup.Snapshot.Trades, 1)

	rec = f.do(t, http.MethodPost, "/account/reset", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Empty(t, f.engine.TradeHistory(0))
	_, _, seen := f.governor.LastAction("AAPL")
	require.False(t, seen)

	rec = f.do(t, http.MethodPost, "/account/snapshot", backup)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Len(t, f.engine.TradeHistory(0), 1)
	action, _, seen := f.governor.LastAction("AAPL")
	require.True(t, seen)
	require.Equal(t, schema.ActionBuy, action)

	backup.Version = "9"
	rec = f.do(t, http.MethodPost, "/account/snapshot", backup)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}
