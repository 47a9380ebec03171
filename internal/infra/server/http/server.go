// Package httpserver exposes the trading desk and simulated account over HTTP.
package httpserver

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"

	json "github.com/goccy/go-json"

	"github.com/coachpo/tradegate/errs"
	"github.com/coachpo/tradegate/internal/app/execution"
	"github.com/coachpo/tradegate/internal/domain/ledgerstore"
	"github.com/coachpo/tradegate/internal/domain/schema"
	"github.com/coachpo/tradegate/internal/infra/config"
	"github.com/coachpo/tradegate/internal/observability"
)

const (
	maxJSONBodyBytes int64 = 1 << 20 // 1 MiB
	maxBatchSignals        = 256

	signalsPath      = "/signals"
	signalsBatchPath = "/signals/batch"

	positionsPath       = "/positions"
	accountPath         = "/account"
	accountResetPath    = "/account/reset"
	accountSnapshotPath = "/account/snapshot"

	ordersPath        = "/orders"
	orderDetailPrefix = ordersPath + "/"

	tradesPath      = "/trades"
	outcomesPath    = "/outcomes"
	performancePath = "/performance"
	healthPath      = "/healthz"
)

// Desk evaluates and executes trading signals.
type Desk interface {
	Submit(ctx context.Context, signal schema.Signal) (schema.ExecutionResult, error)
	SubmitBatch(ctx context.Context, signals []schema.Signal) ([]schema.ExecutionResult, error)
}

// Brokerage is the simulated account behind the desk.
type Brokerage interface {
	Positions(ctx context.Context) ([]schema.PositionSnapshot, error)
	AccountInfo(ctx context.Context, currency schema.Currency) (schema.AccountInfo, error)
	Accounts(ctx context.Context) ([]schema.AccountInfo, error)
	Orders() []schema.Order
	OpenOrders() []schema.Order
	Order(id string) (schema.Order, error)
	CancelOrder(ctx context.Context, id string) (bool, error)
	TradeHistory(limit int) []schema.Trade
	TradeHistoryFor(symbol string, limit int) []schema.Trade
	Outcomes() []schema.TradeOutcome
	Performance(ctx context.Context, currency schema.Currency) (execution.Report, error)
	Snapshot() ledgerstore.Snapshot
	Restore(snapshot ledgerstore.Snapshot) error
	Checkpoint()
	Reset()
}

// Memory is the governance state cleared on reset and rebuilt on restore.
type Memory interface {
	Reset()
	Rehydrate(trades []schema.Trade)
}

type handlerFunc func(http.ResponseWriter, *http.Request)

type httpServer struct {
	environment config.Environment
	desk        Desk
	broker      Brokerage
	memory      Memory
	events      Events
}

type batchPayload struct {
	Signals []schema.Signal `json:"signals"`
}

// NewHandler creates the HTTP handler for the trading API. memory may be nil.
func NewHandler(environment config.Environment, desk Desk, broker Brokerage, memory Memory, opts ...Option) http.Handler {
	server := &httpServer{environment: environment, desk: desk, broker: broker, memory: memory}
	for _, opt := range opts {
		if opt != nil {
			opt(server)
		}
	}
	mux := http.NewServeMux()

	mux.Handle(signalsPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodPost: server.submitSignal,
	}))
	mux.Handle(signalsBatchPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodPost: server.submitBatch,
	}))

	mux.Handle(positionsPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.listPositions,
	}))
	mux.Handle(accountPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.getAccount,
	}))
	mux.Handle(accountResetPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodPost: server.resetAccount,
	}))
	mux.Handle(accountSnapshotPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet:  server.exportSnapshot,
		http.MethodPost: server.restoreSnapshot,
	}))

	mux.Handle(ordersPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.listOrders,
	}))
	mux.Handle(orderDetailPrefix, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet:    server.getOrder,
		http.MethodDelete: server.cancelOrder,
	}))

	mux.Handle(tradesPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.listTrades,
	}))
	mux.Handle(outcomesPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.listOutcomes,
	}))
	mux.Handle(performancePath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.getPerformance,
	}))
	mux.Handle(eventsPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.streamEvents,
	}))
	mux.Handle(healthPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.health,
	}))

	return withCORS(mux)
}

func (s *httpServer) methodHandlers(handlers map[string]handlerFunc) http.Handler {
	allowed := allowedMethods(handlers)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if handler, ok := handlers[r.Method]; ok {
			handler(w, r)
			return
		}
		methodNotAllowed(w, allowed...)
	})
}

func allowedMethods(handlers map[string]handlerFunc) []string {
	if len(handlers) == 0 {
		return nil
	}
	allowed := make([]string, 0, len(handlers))
	for method := range handlers {
		allowed = append(allowed, method)
	}
	sort.Strings(allowed)
	return allowed
}

func (s *httpServer) submitSignal(w http.ResponseWriter, r *http.Request) {
	limitRequestBody(w, r)
	var signal schema.Signal
	if err := decodeJSON(r, &signal); err != nil {
		writeDecodeError(w, err)
		return
	}
	result, err := s.desk.Submit(r.Context(), signal)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *httpServer) submitBatch(w http.ResponseWriter, r *http.Request) {
	limitRequestBody(w, r)
	var payload batchPayload
	if err := decodeJSON(r, &payload); err != nil {
		writeDecodeError(w, err)
		return
	}
	if len(payload.Signals) == 0 {
		writeError(w, http.StatusBadRequest, "signals required")
		return
	}
	if len(payload.Signals) > maxBatchSignals {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("at most %d signals per batch", maxBatchSignals))
		return
	}
	results, err := s.desk.SubmitBatch(r.Context(), payload.Signals)
	response := map[string]any{"results": results}
	if err != nil {
		// Per-signal failures are already folded into results.
		observability.Log().Warn("batch submission had failures", observability.F("error", err))
		response["error"] = err.Error()
	}
	writeJSON(w, http.StatusOK, response)
}

func (s *httpServer) listPositions(w http.ResponseWriter, r *http.Request) {
	positions, err := s.broker.Positions(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if positions == nil {
		positions = []schema.PositionSnapshot{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"positions": positions})
}

func (s *httpServer) getAccount(w http.ResponseWriter, r *http.Request) {
	if raw := r.URL.Query().Get("currency"); raw != "" {
		currency, err := parseCurrency(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		info, err := s.broker.AccountInfo(r.Context(), currency)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, info)
		return
	}
	accounts, err := s.broker.Accounts(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"accounts": accounts})
}

func (s *httpServer) resetAccount(w http.ResponseWriter, _ *http.Request) {
	s.broker.Reset()
	if s.memory != nil {
		s.memory.Reset()
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

func (s *httpServer) listOrders(w http.ResponseWriter, r *http.Request) {
	var orders []schema.Order
	switch status := strings.TrimSpace(r.URL.Query().Get("status")); strings.ToLower(status) {
	case "", "all":
		orders = s.broker.Orders()
	case "open":
		orders = s.broker.OpenOrders()
	default:
		parsed, ok := parseOrderStatus(status)
		if !ok {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown order status %q", status))
			return
		}
		for _, order := range s.broker.Orders() {
			if order.Status == parsed {
				orders = append(orders, order)
			}
		}
	}
	if orders == nil {
		orders = []schema.Order{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"orders": orders})
}

func (s *httpServer) getOrder(w http.ResponseWriter, r *http.Request) {
	id, ok := orderID(w, r)
	if !ok {
		return
	}
	order, err := s.broker.Order(id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, order)
}

func (s *httpServer) cancelOrder(w http.ResponseWriter, r *http.Request) {
	id, ok := orderID(w, r)
	if !ok {
		return
	}
	cancelled, err := s.broker.CancelOrder(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	order, err := s.broker.Order(id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if !cancelled {
		writeJSON(w, http.StatusConflict, map[string]any{
			"status":    "error",
			"error":     fmt.Sprintf("order %s is %s and cannot be cancelled", id, order.Status),
			"cancelled": false,
			"order":     order,
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"cancelled": true, "order": order})
}

func (s *httpServer) listTrades(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r.URL.Query().Get("limit"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var trades []schema.Trade
	if symbol := schema.NormalizeSymbol(r.URL.Query().Get("symbol")); symbol != "" {
		trades = s.broker.TradeHistoryFor(symbol, limit)
	} else {
		trades = s.broker.TradeHistory(limit)
	}
	if trades == nil {
		trades = []schema.Trade{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"trades": trades})
}

func (s *httpServer) listOutcomes(w http.ResponseWriter, _ *http.Request) {
	outcomes := s.broker.Outcomes()
	if outcomes == nil {
		outcomes = []schema.TradeOutcome{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"outcomes": outcomes})
}

func (s *httpServer) getPerformance(w http.ResponseWriter, r *http.Request) {
	currency := schema.CurrencyUSD
	if raw := r.URL.Query().Get("currency"); raw != "" {
		parsed, err := parseCurrency(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		currency = parsed
	}
	report, err := s.broker.Performance(r.Context(), currency)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *httpServer) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "environment": string(s.environment)})
}

func orderID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := strings.Trim(strings.TrimPrefix(r.URL.Path, orderDetailPrefix), "/")
	if id == "" || strings.Contains(id, "/") {
		writeError(w, http.StatusNotFound, "order id required")
		return "", false
	}
	return id, true
}

var orderStatuses = []schema.OrderStatus{
	schema.OrderStatusPending,
	schema.OrderStatusSubmitted,
	schema.OrderStatusPartiallyFilled,
	schema.OrderStatusFilled,
	schema.OrderStatusCancelled,
	schema.OrderStatusRejected,
	schema.OrderStatusExpired,
}

func parseOrderStatus(raw string) (schema.OrderStatus, bool) {
	for _, status := range orderStatuses {
		if strings.EqualFold(raw, string(status)) {
			return status, true
		}
	}
	return "", false
}

func parseCurrency(raw string) (schema.Currency, error) {
	currency := schema.Currency(strings.ToUpper(strings.TrimSpace(raw)))
	switch currency {
	case schema.CurrencyUSD, schema.CurrencyTRY:
		return currency, nil
	default:
		return "", fmt.Errorf("unsupported currency %q", raw)
	}
}

func parseLimit(raw string) (int, error) {
	if strings.TrimSpace(raw) == "" {
		return 0, nil
	}
	limit, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || limit < 0 {
		return 0, fmt.Errorf("limit must be a non-negative integer")
	}
	return limit, nil
}

// statusFor maps an error envelope onto an HTTP status.
func statusFor(err error) int {
	if e, ok := errs.As(err); ok && e.HTTP > 0 {
		return e.HTTP
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return http.StatusServiceUnavailable
	}
	switch errs.CodeOf(err) {
	case errs.CodeInvalid:
		return http.StatusUnprocessableEntity
	case errs.CodeNotFound:
		return http.StatusNotFound
	case errs.CodeConflict:
		return http.StatusConflict
	case errs.CodeRateLimited:
		return http.StatusTooManyRequests
	case errs.CodeNetwork, errs.CodeUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeDomainError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError && status != http.StatusServiceUnavailable {
		observability.Log().Error("request failed", observability.F("error", err))
	}
	body := map[string]string{"status": "error", "error": err.Error()}
	if canonical := errs.CanonicalOf(err); canonical != errs.CanonicalUnknown {
		body["code"] = string(canonical)
	}
	writeJSON(w, status, body)
}

func decodeJSON(r *http.Request, target any) error {
	defer func() {
		_ = r.Body.Close()
	}()
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(target); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	return nil
}

func limitRequestBody(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodyBytes)
}

func writeDecodeError(w http.ResponseWriter, err error) {
	if isRequestTooLarge(err) {
		writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}
	writeError(w, http.StatusBadRequest, err.Error())
}

func isRequestTooLarge(err error) bool {
	var maxBytesErr *http.MaxBytesError
	return errors.As(err, &maxBytesErr)
}

func methodNotAllowed(w http.ResponseWriter, allowed ...string) {
	if len(allowed) > 0 {
		w.Header().Set("Allow", strings.Join(allowed, ", "))
	}
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"status": "error", "error": message})
}

func withCORS(handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		handler.ServeHTTP(w, r)
	})
}
