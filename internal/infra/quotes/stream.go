package quotes

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/coder/websocket"
	"github.com/goccy/go-json"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/tradegate/errs"
	"github.com/coachpo/tradegate/internal/domain/schema"
	"github.com/coachpo/tradegate/internal/infra/telemetry"
	"github.com/coachpo/tradegate/internal/observability"
	"github.com/coachpo/tradegate/lib/clock"
)

const (
	streamSource = "stream"

	defaultStartTimeout = 10 * time.Second
	defaultMaxAge       = 30 * time.Second
	writeTimeout        = 5 * time.Second
)

// Frame is one quote update on the wire. Timestamp is in unix milliseconds.
type Frame struct {
	Symbol    string  `json:"symbol"`
	Bid       float64 `json:"bid"`
	Ask       float64 `json:"ask"`
	Last      float64 `json:"last"`
	Volume    float64 `json:"volume,omitempty"`
	Timestamp int64   `json:"ts,omitempty"`
}

type subscribeRequest struct {
	Method string   `json:"method"`
	Params []string `json:"params"`
	ID     uint64   `json:"id"`
}

type controlResponse struct {
	ID    uint64        `json:"id"`
	Error *controlError `json:"error,omitempty"`
}

type controlError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

// StreamOption customises a Stream.
type StreamOption func(*Stream)

// WithSymbols subscribes to symbols on every (re)connect.
func WithSymbols(symbols ...string) StreamOption {
	return func(s *Stream) {
		for _, symbol := range symbols {
			if symbol = schema.NormalizeSymbol(symbol); symbol != "" {
				s.symbols[symbol] = struct{}{}
			}
		}
	}
}

// WithMaxAge bounds how old a cached quote may be; 0 accepts any age.
func WithMaxAge(age time.Duration) StreamOption {
	return func(s *Stream) {
		if age >= 0 {
			s.maxAge = age
		}
	}
}

// WithStartTimeout bounds how long Start waits for the first connection.
func WithStartTimeout(timeout time.Duration) StreamOption {
	return func(s *Stream) {
		if timeout > 0 {
			s.startTimeout = timeout
		}
	}
}

// WithStreamClock overrides the time source used for staleness.
func WithStreamClock(c clock.Clock) StreamOption {
	return func(s *Stream) {
		if c != nil {
			s.clock = c
		}
	}
}

// Stream keeps a quote cache filled from a websocket feed and reconnects with
// exponential backoff when the connection drops.
type Stream struct {
	url          string
	maxAge       time.Duration
	startTimeout time.Duration
	clock        clock.Clock

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	conn   *websocket.Conn
	connMu sync.RWMutex
	msgID  atomic.Uint64

	symbols map[string]struct{}
	subsMu  sync.Mutex

	cacheMu sync.RWMutex
	cache   map[string]schema.Quote

	ready     chan struct{}
	readyOnce sync.Once
	started   atomic.Bool

	connections metric.Int64Counter
	updates     metric.Int64Counter
}

// NewStream constructs a stream for the websocket endpoint url. Call Start to connect.
func NewStream(url string, opts ...StreamOption) *Stream {
	s := &Stream{
		url:          url,
		maxAge:       defaultMaxAge,
		startTimeout: defaultStartTimeout,
		clock:        clock.System{},
		symbols:      make(map[string]struct{}),
		cache:        make(map[string]schema.Quote),
		ready:        make(chan struct{}),
		done:         make(chan struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	meter := otel.Meter("quotes")
	s.connections, _ = meter.Int64Counter("quotes.stream.connections",
		metric.WithDescription("Websocket connection state changes"),
		metric.WithUnit("{event}"))
	s.updates, _ = meter.Int64Counter("quotes.stream.updates",
		metric.WithDescription("Quote frames applied to the cache"),
		metric.WithUnit("{frame}"))
	return s
}

// Start connects in the background and waits for the first successful dial.
func (s *Stream) Start(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return errors.New("quote stream already started")
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	go func() {
		defer close(s.done)
		if err := s.connect(); err != nil && !errors.Is(err, context.Canceled) {
			s.log().Error("quote stream stopped", observability.F("error", err))
		}
	}()

	timer := time.NewTimer(s.startTimeout)
	defer timer.Stop()
	select {
	case <-s.ready:
		return nil
	case <-timer.C:
		return errors.New("timeout waiting for quote stream connection")
	case <-s.ctx.Done():
		return fmt.Errorf("quote stream context done: %w", s.ctx.Err())
	}
}

// Close stops reconnecting and closes the live connection.
func (s *Stream) Close() error {
	if !s.started.Load() {
		return nil
	}
	s.cancel()
	s.connMu.Lock()
	if s.conn != nil {
		_ = s.conn.Close(websocket.StatusNormalClosure, "shutdown")
		s.conn = nil
	}
	s.connMu.Unlock()
	<-s.done
	return nil
}

// Subscribe adds symbols to the live subscription set.
func (s *Stream) Subscribe(ctx context.Context, symbols ...string) error {
	added := make([]string, 0, len(symbols))
	s.subsMu.Lock()
	for _, symbol := range symbols {
		symbol = schema.NormalizeSymbol(symbol)
		if symbol == "" {
			continue
		}
		if _, ok := s.symbols[symbol]; ok {
			continue
		}
		s.symbols[symbol] = struct{}{}
		added = append(added, symbol)
	}
	s.subsMu.Unlock()

	s.connMu.RLock()
	conn := s.conn
	s.connMu.RUnlock()
	if conn == nil || len(added) == 0 {
		return nil
	}
	return s.sendSubscribe(ctx, conn, added)
}

// Quote implements execution.QuoteSource from the cache.
func (s *Stream) Quote(ctx context.Context, symbol string) (schema.Quote, error) {
	if err := ctx.Err(); err != nil {
		return schema.Quote{}, fmt.Errorf("stream quote: %w", err)
	}
	symbol = schema.NormalizeSymbol(symbol)
	s.cacheMu.RLock()
	q, ok := s.cache[symbol]
	s.cacheMu.RUnlock()
	if !ok {
		return schema.Quote{}, errs.New(scope, errs.CodeUnavailable,
			errs.WithSymbol(symbol),
			errs.WithMessage("no streamed quote yet"),
			errs.WithCanonicalCode(errs.CanonicalQuoteUnavailable))
	}
	if s.maxAge > 0 {
		if age := s.clock.Now().Sub(q.Timestamp); age > s.maxAge {
			return schema.Quote{}, errs.New(scope, errs.CodeUnavailable,
				errs.WithSymbol(symbol),
				errs.WithMessage(fmt.Sprintf("streamed quote is stale (%s old)", age.Truncate(time.Millisecond))),
				errs.WithCanonicalCode(errs.CanonicalQuoteUnavailable))
		}
	}
	return q, nil
}

func (s *Stream) connect() error {
	policy := backoff.NewExponentialBackOff()
	policy.MaxInterval = 30 * time.Second

	for {
		select {
		case <-s.ctx.Done():
			return context.Canceled
		default:
		}

		conn, _, err := websocket.Dial(s.ctx, s.url, nil)
		if err != nil {
			s.recordConnection("dial_failed")
			s.log().Warn("quote stream dial failed",
				observability.F("url", s.url),
				observability.F("error", err))
			if !s.sleep(policy.NextBackOff()) {
				return context.Canceled
			}
			continue
		}

		s.connMu.Lock()
		s.conn = conn
		s.connMu.Unlock()
		s.recordConnection("connected")
		s.readyOnce.Do(func() { close(s.ready) })
		policy.Reset()

		if err := s.sendSubscribe(s.ctx, conn, s.subscriptions()); err != nil {
			s.log().Warn("quote stream resubscribe failed", observability.F("error", err))
		}

		if err := s.readLoop(conn); err != nil {
			if errors.Is(err, context.Canceled) {
				return context.Canceled
			}
			s.log().Warn("quote stream read failed", observability.F("error", err))
		}

		s.connMu.Lock()
		s.conn = nil
		s.connMu.Unlock()
		s.recordConnection("disconnected")

		if !s.sleep(policy.NextBackOff()) {
			return context.Canceled
		}
	}
}

func (s *Stream) sleep(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-s.ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func (s *Stream) subscriptions() []string {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	out := make([]string, 0, len(s.symbols))
	for symbol := range s.symbols {
		out = append(out, symbol)
	}
	sort.Strings(out)
	return out
}

func (s *Stream) sendSubscribe(ctx context.Context, conn *websocket.Conn, symbols []string) error {
	if len(symbols) == 0 {
		return nil
	}
	data, err := json.Marshal(subscribeRequest{Method: "SUBSCRIBE", Params: symbols, ID: s.msgID.Add(1)})
	if err != nil {
		return fmt.Errorf("marshal subscribe request: %w", err)
	}
	writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	if err := conn.Write(writeCtx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("write subscribe request: %w", err)
	}
	return nil
}

func (s *Stream) readLoop(conn *websocket.Conn) error {
	for {
		msgType, data, err := conn.Read(s.ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || s.ctx.Err() != nil {
				return context.Canceled
			}
			_ = conn.Close(websocket.StatusNormalClosure, "")
			return fmt.Errorf("read: %w", err)
		}
		if msgType != websocket.MessageText {
			continue
		}

		var resp controlResponse
		if err := json.Unmarshal(data, &resp); err == nil && resp.ID > 0 {
			if resp.Error != nil {
				s.log().Warn("quote stream control error",
					observability.F("id", resp.ID),
					observability.F("code", resp.Error.Code),
					observability.F("msg", resp.Error.Msg))
			}
			continue
		}

		if err := s.handle(data); err != nil {
			s.log().Debug("quote frame dropped", observability.F("error", err))
		}
	}
}

func (s *Stream) handle(data []byte) error {
	var frame Frame
	if err := json.Unmarshal(data, &frame); err != nil {
		return fmt.Errorf("decode frame: %w", err)
	}
	q := schema.Quote{
		Symbol: schema.NormalizeSymbol(frame.Symbol),
		Bid:    frame.Bid,
		Ask:    frame.Ask,
		Last:   frame.Last,
		Volume: frame.Volume,
	}
	if q.Symbol == "" {
		return errors.New("frame without symbol")
	}
	if !q.Valid() {
		return fmt.Errorf("invalid book for %s: bid %g ask %g", q.Symbol, q.Bid, q.Ask)
	}
	if frame.Timestamp > 0 {
		q.Timestamp = time.UnixMilli(frame.Timestamp).UTC()
	} else {
		q.Timestamp = s.clock.Now()
	}
	s.Store(q)
	return nil
}

// Store writes a quote into the cache unless a newer one is already held.
func (s *Stream) Store(q schema.Quote) {
	q.Symbol = schema.NormalizeSymbol(q.Symbol)
	s.cacheMu.Lock()
	if current, ok := s.cache[q.Symbol]; ok && current.Timestamp.After(q.Timestamp) {
		s.cacheMu.Unlock()
		return
	}
	s.cache[q.Symbol] = q
	s.cacheMu.Unlock()
	s.updates.Add(context.Background(), 1,
		metric.WithAttributes(telemetry.QuoteAttributes(telemetry.Environment(), streamSource, q.Symbol, telemetry.ResultSuccess)...))
}

func (s *Stream) recordConnection(state string) {
	s.connections.Add(context.Background(), 1,
		metric.WithAttributes(telemetry.ConnectionAttributes(telemetry.Environment(), streamSource, state)...))
}

func (s *Stream) log() observability.Logger {
	return observability.With(observability.Log(), observability.F("feed", s.url))
}
