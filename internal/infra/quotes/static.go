package quotes

import (
	"context"
	"fmt"
	"sync"

	"github.com/coachpo/tradegate/errs"
	"github.com/coachpo/tradegate/internal/domain/schema"
)

// Static serves quotes from an in-memory table.
type Static struct {
	mu     sync.RWMutex
	quotes map[string]schema.Quote
}

// NewStatic seeds the table with quotes.
func NewStatic(quotes ...schema.Quote) *Static {
	s := &Static{quotes: make(map[string]schema.Quote, len(quotes))}
	for _, q := range quotes {
		s.Set(q)
	}
	return s
}

// Set stores or replaces the quote for q.Symbol.
func (s *Static) Set(q schema.Quote) {
	q.Symbol = schema.NormalizeSymbol(q.Symbol)
	s.mu.Lock()
	s.quotes[q.Symbol] = q
	s.mu.Unlock()
}

// SetMid stores a quote around mid with the given relative spread.
func (s *Static) SetMid(symbol string, mid, spread float64) {
	half := mid * spread / 2
	s.Set(schema.Quote{Symbol: symbol, Bid: mid - half, Ask: mid + half, Last: mid})
}

// Delete drops the quote for symbol.
func (s *Static) Delete(symbol string) {
	s.mu.Lock()
	delete(s.quotes, schema.NormalizeSymbol(symbol))
	s.mu.Unlock()
}

// Quote implements execution.QuoteSource.
func (s *Static) Quote(ctx context.Context, symbol string) (schema.Quote, error) {
	if err := ctx.Err(); err != nil {
		return schema.Quote{}, fmt.Errorf("static quote: %w", err)
	}
	symbol = schema.NormalizeSymbol(symbol)
	s.mu.RLock()
	q, ok := s.quotes[symbol]
	s.mu.RUnlock()
	if !ok {
		return schema.Quote{}, errs.New(scope, errs.CodeNotFound,
			errs.WithSymbol(symbol),
			errs.WithMessage("no quote for symbol"),
			errs.WithCanonicalCode(errs.CanonicalInvalidSymbol))
	}
	return q, nil
}
