// Package quotes provides QuoteSource implementations: a deterministic
// synthetic generator, a static table, a websocket-fed cache and a rate limiter.
package quotes

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"sync"
	"time"

	"github.com/coachpo/tradegate/errs"
	"github.com/coachpo/tradegate/internal/domain/schema"
	"github.com/coachpo/tradegate/lib/clock"
)

const (
	scope = "quotes"

	defaultBasePrice = 100.0
	defaultSpread    = 0.001
	defaultTick      = time.Second
	defaultAmplitude = 0.0075
)

// SyntheticOption customises a Synthetic source.
type SyntheticOption func(*Synthetic)

// WithBasePrice pins the centre price for symbol.
func WithBasePrice(symbol string, price float64) SyntheticOption {
	return func(s *Synthetic) {
		if price > 0 && schema.Finite(price) {
			s.bases[schema.NormalizeSymbol(symbol)] = price
		}
	}
}

// WithSpread sets the relative bid/ask spread.
func WithSpread(spread float64) SyntheticOption {
	return func(s *Synthetic) {
		if spread >= 0 && spread < 1 {
			s.spread = spread
		}
	}
}

// WithTick sets the width of a price bucket. Reads inside one bucket return the same quote.
func WithTick(tick time.Duration) SyntheticOption {
	return func(s *Synthetic) {
		if tick > 0 {
			s.tick = tick
		}
	}
}

// WithSyntheticClock overrides the time source.
func WithSyntheticClock(c clock.Clock) SyntheticOption {
	return func(s *Synthetic) {
		if c != nil {
			s.clock = c
		}
	}
}

// Synthetic produces quotes from a sine wave around a per-symbol base price.
// The price is a pure function of symbol and time bucket.
type Synthetic struct {
	mu     sync.RWMutex
	bases  map[string]float64
	spread float64
	tick   time.Duration
	clock  clock.Clock
}

// NewSynthetic constructs a generator with the default 0.1% spread.
func NewSynthetic(opts ...SyntheticOption) *Synthetic {
	s := &Synthetic{
		bases:  make(map[string]float64),
		spread: defaultSpread,
		tick:   defaultTick,
		clock:  clock.System{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// SetBasePrice changes the centre price for symbol at runtime.
func (s *Synthetic) SetBasePrice(symbol string, price float64) error {
	if price <= 0 || !schema.Finite(price) {
		return errs.New(scope, errs.CodeInvalid,
			errs.WithMessage(fmt.Sprintf("base price must be > 0, got %g", price)),
			errs.WithCanonicalCode(errs.CanonicalInvalidPrice))
	}
	s.mu.Lock()
	s.bases[schema.NormalizeSymbol(symbol)] = price
	s.mu.Unlock()
	return nil
}

// Quote implements execution.QuoteSource.
func (s *Synthetic) Quote(ctx context.Context, symbol string) (schema.Quote, error) {
	if err := ctx.Err(); err != nil {
		return schema.Quote{}, fmt.Errorf("synthetic quote: %w", err)
	}
	symbol = schema.NormalizeSymbol(symbol)
	if symbol == "" {
		return schema.Quote{}, errs.New(scope, errs.CodeInvalid,
			errs.WithMessage("symbol required"),
			errs.WithCanonicalCode(errs.CanonicalInvalidSymbol))
	}

	now := s.clock.Now()
	bucket := now.Truncate(s.tick)
	seq := uint64(bucket.UnixNano() / int64(s.tick))
	seed := symbolSeed(symbol)

	mid := s.basePrice(symbol) * (1 + defaultAmplitude*math.Sin(float64((seq+seed)%13)))
	half := mid * s.spread / 2
	return schema.Quote{
		Symbol:    symbol,
		Bid:       mid - half,
		Ask:       mid + half,
		Last:      mid,
		Volume:    float64(1_000 + (seq+seed)%500),
		Timestamp: bucket,
	}, nil
}

func (s *Synthetic) basePrice(symbol string) float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if price, ok := s.bases[symbol]; ok {
		return price
	}
	if schema.IsBIST(symbol) {
		return defaultBasePrice * 10
	}
	return defaultBasePrice
}

func symbolSeed(symbol string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(symbol))
	return h.Sum64() % 13
}
