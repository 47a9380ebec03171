package journal

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

// MemoryStore is an in-process journal used when no database is configured.
type MemoryStore struct {
	mu       sync.RWMutex
	fills    []FillRecord
	outcomes []OutcomeRecord
	events   []OrderEvent
	now      func() time.Time
}

// NewMemoryStore creates an empty journal.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{now: time.Now}
}

// RecordFill implements Tx.
func (s *MemoryStore) RecordFill(ctx context.Context, fill Fill) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("journal record fill: %w", err)
	}
	if strings.TrimSpace(fill.TradeID) == "" {
		return fmt.Errorf("journal record fill: trade id required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.fills {
		if existing.TradeID == fill.TradeID {
			return nil
		}
	}
	s.fills = append(s.fills, FillRecord{Fill: fill, CreatedAt: s.now().UnixMilli()})
	return nil
}

// RecordOutcome implements Tx.
func (s *MemoryStore) RecordOutcome(ctx context.Context, outcome Outcome) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("journal record outcome: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outcomes = append(s.outcomes, OutcomeRecord{Outcome: outcome, CreatedAt: s.now().UnixMilli()})
	return nil
}

// RecordOrderEvent implements Tx.
func (s *MemoryStore) RecordOrderEvent(ctx context.Context, event OrderEvent) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("journal record order event: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return nil
}

// WithTransaction runs fn directly; the memory journal has no rollback.
func (s *MemoryStore) WithTransaction(ctx context.Context, fn func(context.Context, Tx) error) error {
	if fn == nil {
		return fmt.Errorf("journal transaction: nil function")
	}
	return fn(ctx, s)
}

// ListFills implements Store.
func (s *MemoryStore) ListFills(_ context.Context, query Query) ([]FillRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return newestFirst(s.fills, query, func(r FillRecord) string { return r.Symbol }), nil
}

// ListOutcomes implements Store.
func (s *MemoryStore) ListOutcomes(_ context.Context, query Query) ([]OutcomeRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return newestFirst(s.outcomes, query, func(r OutcomeRecord) string { return r.Symbol }), nil
}

// OrderEvents returns every recorded order event in insertion order.
func (s *MemoryStore) OrderEvents() []OrderEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]OrderEvent(nil), s.events...)
}

func newestFirst[T any](records []T, query Query, symbolOf func(T) string) []T {
	symbol := strings.ToUpper(strings.TrimSpace(query.Symbol))
	out := make([]T, 0, len(records))
	for i := len(records) - 1; i >= 0; i-- {
		if symbol != "" && symbolOf(records[i]) != symbol {
			continue
		}
		out = append(out, records[i])
		if query.Limit > 0 && len(out) == query.Limit {
			break
		}
	}
	return out
}
