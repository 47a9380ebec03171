package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/coachpo/tradegate/internal/domain/ledgerstore"
)

// DefaultAccount keys the snapshot row when no account name is given.
const DefaultAccount = "default"

const (
	snapshotUpsertSQL = `
INSERT INTO ledger_snapshots (account, version, saved_at, payload, created_at, updated_at)
VALUES (@account, @version, @saved_at, @payload::jsonb, NOW(), NOW())
ON CONFLICT (account) DO UPDATE SET
    version = EXCLUDED.version,
    saved_at = EXCLUDED.saved_at,
    payload = EXCLUDED.payload,
    updated_at = NOW()
WHERE ledger_snapshots.saved_at <= EXCLUDED.saved_at;
`

	snapshotSelectSQL = `
SELECT payload
FROM ledger_snapshots
WHERE account = $1;
`
)

// SnapshotStore keeps the latest ledger snapshot of one account as a JSONB row.
type SnapshotStore struct {
	pool    *pgxpool.Pool
	account string
}

// NewSnapshotStore constructs a store for account.
func NewSnapshotStore(pool *pgxpool.Pool, account string) *SnapshotStore {
	account = strings.TrimSpace(account)
	if account == "" {
		account = DefaultAccount
	}
	return &SnapshotStore{pool: pool, account: account}
}

func (s *SnapshotStore) ensurePool() (*pgxpool.Pool, error) {
	if s.pool == nil {
		return nil, fmt.Errorf("snapshot store: nil pool")
	}
	return s.pool, nil
}

// Load implements ledgerstore.Store.
func (s *SnapshotStore) Load(ctx context.Context) (ledgerstore.Snapshot, bool, error) {
	pool, err := s.ensurePool()
	if err != nil {
		return ledgerstore.Snapshot{}, false, err
	}
	var payload []byte
	if err := pool.QueryRow(ctx, snapshotSelectSQL, s.account).Scan(&payload); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ledgerstore.Snapshot{}, false, nil
		}
		return ledgerstore.Snapshot{}, false, fmt.Errorf("snapshot store: load: %w", err)
	}
	snapshot, err := ledgerstore.Decode(payload)
	if err != nil {
		return ledgerstore.Snapshot{}, false, fmt.Errorf("snapshot store: %w", err)
	}
	return snapshot, true, nil
}

// Save implements ledgerstore.Store. An older snapshot never replaces a newer one.
func (s *SnapshotStore) Save(ctx context.Context, snapshot ledgerstore.Snapshot) error {
	pool, err := s.ensurePool()
	if err != nil {
		return err
	}
	payload, err := ledgerstore.Encode(snapshot)
	if err != nil {
		return fmt.Errorf("snapshot store: %w", err)
	}
	args := pgx.NamedArgs{
		"account":  s.account,
		"version":  ledgerstore.CurrentVersion,
		"saved_at": snapshot.SavedAt,
		"payload":  string(payload),
	}
	if _, err := pool.Exec(ctx, snapshotUpsertSQL, args); err != nil {
		return fmt.Errorf("snapshot store: save: %w", err)
	}
	return nil
}
