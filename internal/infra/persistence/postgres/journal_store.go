package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/coachpo/tradegate/internal/domain/journal"
)

// JournalStore persists the trade journal.
type JournalStore struct {
	pool *pgxpool.Pool
}

// NewJournalStore constructs a JournalStore backed by the provided pool.
func NewJournalStore(pool *pgxpool.Pool) *JournalStore {
	return &JournalStore{pool: pool}
}

const (
	fillInsertSQL = `
INSERT INTO journal_fills (
    trade_id,
    order_id,
    symbol,
    side,
    quantity,
    price,
    commission,
    currency,
    traded_at,
    metadata,
    created_at
)
VALUES (
    @trade_id,
    @order_id,
    @symbol,
    @side,
    @quantity,
    @price,
    @commission,
    @currency,
    @traded_at,
    @metadata::jsonb,
    NOW()
)
ON CONFLICT (trade_id) DO NOTHING;
`

	outcomeInsertSQL = `
INSERT INTO journal_outcomes (
    id,
    symbol,
    currency,
    quantity,
    entry_price,
    exit_price,
    pnl,
    pnl_percent,
    entered_at,
    exited_at,
    metadata,
    created_at
)
VALUES (
    @id,
    @symbol,
    @currency,
    @quantity,
    @entry_price,
    @exit_price,
    @pnl,
    @pnl_percent,
    @entered_at,
    @exited_at,
    @metadata::jsonb,
    NOW()
)
ON CONFLICT (id) DO NOTHING;
`

	orderEventInsertSQL = `
INSERT INTO journal_order_events (
    order_id,
    symbol,
    side,
    order_type,
    state,
    quantity,
    filled,
    occurred_at,
    created_at
)
VALUES (
    @order_id,
    @symbol,
    @side,
    @order_type,
    @state,
    @quantity,
    @filled,
    @occurred_at,
    NOW()
)
ON CONFLICT (order_id, state) DO NOTHING;
`

	fillSelectBase = `
SELECT
    trade_id,
    order_id,
    symbol,
    side,
    quantity::text,
    price::text,
    commission::text,
    currency,
    traded_at,
    metadata,
    created_at
FROM journal_fills
`

	outcomeSelectBase = `
SELECT
    id,
    symbol,
    currency,
    quantity::text,
    entry_price::text,
    exit_price::text,
    pnl::text,
    pnl_percent::text,
    entered_at,
    exited_at,
    metadata,
    created_at
FROM journal_outcomes
`

	defaultJournalLimit = 100
	maxJournalLimit     = 1000
)

type journalTx struct {
	tx    pgx.Tx
	store *JournalStore
}

func (s *JournalStore) ensurePool() (*pgxpool.Pool, error) {
	if s.pool == nil {
		return nil, fmt.Errorf("journal store: nil pool")
	}
	return s.pool, nil
}

func (s *JournalStore) recordFillWith(ctx context.Context, exec execer, fill journal.Fill) error {
	if strings.TrimSpace(fill.TradeID) == "" {
		return fmt.Errorf("journal store: trade id required")
	}
	quantity, err := numericFromString("quantity", fill.Quantity)
	if err != nil {
		return fmt.Errorf("journal store: %w", err)
	}
	price, err := numericFromString("price", fill.Price)
	if err != nil {
		return fmt.Errorf("journal store: %w", err)
	}
	commission, err := numericOrZero("commission", fill.Commission)
	if err != nil {
		return fmt.Errorf("journal store: %w", err)
	}
	metadata, err := encodeMetadata(fill.Metadata)
	if err != nil {
		return err
	}
	args := pgx.NamedArgs{
		"trade_id":   strings.TrimSpace(fill.TradeID),
		"order_id":   strings.TrimSpace(fill.OrderID),
		"symbol":     strings.TrimSpace(fill.Symbol),
		"side":       strings.ToLower(strings.TrimSpace(fill.Side)),
		"quantity":   quantity,
		"price":      price,
		"commission": commission,
		"currency":   strings.TrimSpace(fill.Currency),
		"traded_at":  fromMillis(fill.TradedAt),
		"metadata":   metadata,
	}
	if _, err := exec.Exec(ctx, fillInsertSQL, args); err != nil {
		return fmt.Errorf("journal store: insert fill: %w", err)
	}
	return nil
}

func (s *JournalStore) recordOutcomeWith(ctx context.Context, exec execer, outcome journal.Outcome) error {
	if strings.TrimSpace(outcome.ID) == "" {
		return fmt.Errorf("journal store: outcome id required")
	}
	args := pgx.NamedArgs{
		"id":         strings.TrimSpace(outcome.ID),
		"symbol":     strings.TrimSpace(outcome.Symbol),
		"currency":   strings.TrimSpace(outcome.Currency),
		"entered_at": fromMillis(outcome.EnteredAt),
		"exited_at":  fromMillis(outcome.ExitedAt),
	}
	for name, value := range map[string]string{
		"quantity":    outcome.Quantity,
		"entry_price": outcome.EntryPrice,
		"exit_price":  outcome.ExitPrice,
		"pnl":         outcome.PnL,
		"pnl_percent": outcome.PnLPercent,
	} {
		numeric, err := numericOrZero(name, value)
		if err != nil {
			return fmt.Errorf("journal store: %w", err)
		}
		args[name] = numeric
	}
	metadata, err := encodeMetadata(outcome.Metadata)
	if err != nil {
		return err
	}
	args["metadata"] = metadata
	if _, err := exec.Exec(ctx, outcomeInsertSQL, args); err != nil {
		return fmt.Errorf("journal store: insert outcome: %w", err)
	}
	return nil
}

func (s *JournalStore) recordOrderEventWith(ctx context.Context, exec execer, event journal.OrderEvent) error {
	if strings.TrimSpace(event.OrderID) == "" {
		return fmt.Errorf("journal store: order id required")
	}
	quantity, err := numericOrZero("quantity", event.Quantity)
	if err != nil {
		return fmt.Errorf("journal store: %w", err)
	}
	filled, err := numericOrZero("filled", event.Filled)
	if err != nil {
		return fmt.Errorf("journal store: %w", err)
	}
	args := pgx.NamedArgs{
		"order_id":    strings.TrimSpace(event.OrderID),
		"symbol":      strings.TrimSpace(event.Symbol),
		"side":        strings.TrimSpace(event.Side),
		"order_type":  strings.TrimSpace(event.Type),
		"state":       strings.TrimSpace(event.State),
		"quantity":    quantity,
		"filled":      filled,
		"occurred_at": fromMillis(event.OccurredAt),
	}
	if _, err := exec.Exec(ctx, orderEventInsertSQL, args); err != nil {
		return fmt.Errorf("journal store: insert order event: %w", err)
	}
	return nil
}

// RecordFill inserts a fill; replays of the same trade id are ignored.
func (s *JournalStore) RecordFill(ctx context.Context, fill journal.Fill) error {
	pool, err := s.ensurePool()
	if err != nil {
		return err
	}
	return s.recordFillWith(ctx, pool, fill)
}

// RecordOutcome inserts a closed position.
func (s *JournalStore) RecordOutcome(ctx context.Context, outcome journal.Outcome) error {
	pool, err := s.ensurePool()
	if err != nil {
		return err
	}
	return s.recordOutcomeWith(ctx, pool, outcome)
}

// RecordOrderEvent inserts an order state event.
func (s *JournalStore) RecordOrderEvent(ctx context.Context, event journal.OrderEvent) error {
	pool, err := s.ensurePool()
	if err != nil {
		return err
	}
	return s.recordOrderEventWith(ctx, pool, event)
}

// WithTransaction executes the supplied callback within a database transaction.
func (s *JournalStore) WithTransaction(ctx context.Context, fn func(context.Context, journal.Tx) error) error {
	if fn == nil {
		return fmt.Errorf("journal store: transaction callback required")
	}
	pool, err := s.ensurePool()
	if err != nil {
		return err
	}
	tx, err := pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted, AccessMode: pgx.ReadWrite})
	if err != nil {
		return fmt.Errorf("journal store: begin tx: %w", err)
	}
	if runErr := fn(ctx, &journalTx{tx: tx, store: s}); runErr != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			return fmt.Errorf("journal store: rollback tx: %w (original error: %v)", rbErr, runErr)
		}
		return runErr
	}
	if err := tx.Commit(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		return fmt.Errorf("journal store: commit tx: %w", err)
	}
	return nil
}

// ListFills returns fills newest first.
func (s *JournalStore) ListFills(ctx context.Context, query journal.Query) ([]journal.FillRecord, error) {
	pool, err := s.ensurePool()
	if err != nil {
		return nil, err
	}
	sql, args := buildListQuery(fillSelectBase, "traded_at", query)
	rows, err := pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("journal store: list fills: %w", err)
	}
	defer rows.Close()

	var records []journal.FillRecord
	for rows.Next() {
		var (
			record        journal.FillRecord
			tradedAt      time.Time
			createdAt     time.Time
			metadataBytes []byte
		)
		if err := rows.Scan(
			&record.TradeID,
			&record.OrderID,
			&record.Symbol,
			&record.Side,
			&record.Quantity,
			&record.Price,
			&record.Commission,
			&record.Currency,
			&tradedAt,
			&metadataBytes,
			&createdAt,
		); err != nil {
			return nil, fmt.Errorf("journal store: scan fill: %w", err)
		}
		if record.Metadata, err = decodeMetadata(metadataBytes); err != nil {
			return nil, err
		}
		record.Quantity = canonicalDecimal(record.Quantity)
		record.Price = canonicalDecimal(record.Price)
		record.Commission = canonicalDecimal(record.Commission)
		record.TradedAt = tradedAt.UnixMilli()
		record.CreatedAt = createdAt.UnixMilli()
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("journal store: iterate fills: %w", err)
	}
	return records, nil
}

// ListOutcomes returns closed positions newest first.
func (s *JournalStore) ListOutcomes(ctx context.Context, query journal.Query) ([]journal.OutcomeRecord, error) {
	pool, err := s.ensurePool()
	if err != nil {
		return nil, err
	}
	sql, args := buildListQuery(outcomeSelectBase, "exited_at", query)
	rows, err := pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("journal store: list outcomes: %w", err)
	}
	defer rows.Close()

	var records []journal.OutcomeRecord
	for rows.Next() {
		var (
			record        journal.OutcomeRecord
			enteredAt     time.Time
			exitedAt      time.Time
			createdAt     time.Time
			metadataBytes []byte
		)
		if err := rows.Scan(
			&record.ID,
			&record.Symbol,
			&record.Currency,
			&record.Quantity,
			&record.EntryPrice,
			&record.ExitPrice,
			&record.PnL,
			&record.PnLPercent,
			&enteredAt,
			&exitedAt,
			&metadataBytes,
			&createdAt,
		); err != nil {
			return nil, fmt.Errorf("journal store: scan outcome: %w", err)
		}
		if record.Metadata, err = decodeMetadata(metadataBytes); err != nil {
			return nil, err
		}
		record.Quantity = canonicalDecimal(record.Quantity)
		record.EntryPrice = canonicalDecimal(record.EntryPrice)
		record.ExitPrice = canonicalDecimal(record.ExitPrice)
		record.PnL = canonicalDecimal(record.PnL)
		record.PnLPercent = canonicalDecimal(record.PnLPercent)
		record.EnteredAt = enteredAt.UnixMilli()
		record.ExitedAt = exitedAt.UnixMilli()
		record.CreatedAt = createdAt.UnixMilli()
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("journal store: iterate outcomes: %w", err)
	}
	return records, nil
}

func (t *journalTx) RecordFill(ctx context.Context, fill journal.Fill) error {
	return t.store.recordFillWith(ctx, t.tx, fill)
}

func (t *journalTx) RecordOutcome(ctx context.Context, outcome journal.Outcome) error {
	return t.store.recordOutcomeWith(ctx, t.tx, outcome)
}

func (t *journalTx) RecordOrderEvent(ctx context.Context, event journal.OrderEvent) error {
	return t.store.recordOrderEventWith(ctx, t.tx, event)
}

func buildListQuery(base, orderColumn string, query journal.Query) (string, []any) {
	builder := strings.Builder{}
	builder.WriteString(base)
	args := make([]any, 0, 2)
	argPos := 1
	if symbol := strings.ToUpper(strings.TrimSpace(query.Symbol)); symbol != "" {
		fmt.Fprintf(&builder, " WHERE symbol = $%d", argPos)
		args = append(args, symbol)
		argPos++
	}
	fmt.Fprintf(&builder, " ORDER BY %s DESC, created_at DESC LIMIT $%d", orderColumn, argPos)
	args = append(args, clampLimit(query.Limit, defaultJournalLimit, maxJournalLimit))
	return builder.String(), args
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func encodeMetadata(meta map[string]any) (string, error) {
	if len(meta) == 0 {
		return "{}", nil
	}
	data, err := json.Marshal(meta)
	if err != nil {
		return "", fmt.Errorf("journal store: encode metadata: %w", err)
	}
	return string(data), nil
}

func decodeMetadata(raw []byte) (map[string]any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var meta map[string]any
	if err := json.Unmarshal(raw, &meta); err != nil {
		return nil, fmt.Errorf("journal store: decode metadata: %w", err)
	}
	if len(meta) == 0 {
		return nil, nil
	}
	return meta, nil
}
