//go:build integration

package postgres_test

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	dbmigrations "github.com/coachpo/tradegate/db/migrations"
	"github.com/coachpo/tradegate/internal/domain/journal"
	"github.com/coachpo/tradegate/internal/domain/ledgerstore"
	"github.com/coachpo/tradegate/internal/domain/schema"
	"github.com/coachpo/tradegate/internal/infra/persistence/migrations"
	pgstore "github.com/coachpo/tradegate/internal/infra/persistence/postgres"
)

var (
	testPool    *pgxpool.Pool
	pgContainer testcontainers.Container
	setupErr    error
)

func TestMain(m *testing.M) {
	ctx := context.Background()
	req := testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		Env:          map[string]string{"POSTGRES_PASSWORD": "secret", "POSTGRES_USER": "postgres", "POSTGRES_DB": "tradegate"},
		ExposedPorts: []string{"5432/tcp"},
		WaitingFor:   wait.ForListeningPort("5432/tcp").WithStartupTimeout(60 * time.Second),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to start postgres container: %v\n", err)
		os.Exit(1)
	}
	pgContainer = container

	setupErr = initialiseDatabase(ctx)
	exitCode := 0
	if setupErr != nil {
		fmt.Fprintf(os.Stderr, "postgres integration tests skipped: %v\n", setupErr)
	} else {
		exitCode = m.Run()
	}

	if testPool != nil {
		testPool.Close()
	}
	_ = pgContainer.Terminate(ctx)
	os.Exit(exitCode)
}

func initialiseDatabase(ctx context.Context) error {
	host, err := pgContainer.Host(ctx)
	if err != nil {
		return fmt.Errorf("container host: %w", err)
	}
	port, err := pgContainer.MappedPort(ctx, "5432/tcp")
	if err != nil {
		return fmt.Errorf("container port: %w", err)
	}
	dsn := fmt.Sprintf("postgres://postgres:secret@%s:%s/tradegate?sslmode=disable", host, port.Port())

	// The port opens before postgres accepts connections; retry the first migration run.
	deadline := time.Now().Add(30 * time.Second)
	for {
		err = migrations.ApplyEmbedded(ctx, dsn, dbmigrations.Files, nil)
		if err == nil || time.Now().After(deadline) {
			break
		}
		time.Sleep(500 * time.Millisecond)
	}
	if err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}

	pool, err := pgstore.Connect(ctx, pgstore.PoolConfig{DSN: dsn, MaxConns: 4})
	if err != nil {
		return err
	}
	testPool = pool
	return nil
}

func TestSnapshotStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := pgstore.NewSnapshotStore(testPool, "integration")

	_, found, err := store.Load(ctx)
	require.NoError(t, err)
	require.False(t, found)

	savedAt := time.Date(2024, 3, 1, 14, 30, 0, 0, time.UTC)
	snapshot := ledgerstore.Snapshot{
		SavedAt:  savedAt,
		Initial:  map[schema.Currency]float64{schema.CurrencyUSD: 100_000},
		Balances: map[schema.Currency]float64{schema.CurrencyUSD: 94_995},
		Positions: []schema.Position{{
			Symbol: "AAPL", Quantity: 50, AvgCost: 100, Currency: schema.CurrencyUSD, EntryDate: savedAt,
		}},
	}
	require.NoError(t, store.Save(ctx, snapshot))

	loaded, found, err := store.Load(ctx)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, ledgerstore.CurrentVersion, loaded.Version)
	require.Equal(t, 94_995.0, loaded.Balances[schema.CurrencyUSD])
	require.Len(t, loaded.Positions, 1)
	require.True(t, savedAt.Equal(loaded.SavedAt))

	stale := snapshot
	stale.SavedAt = savedAt.Add(-time.Minute)
	stale.Balances = map[schema.Currency]float64{schema.CurrencyUSD: 1}
	require.NoError(t, store.Save(ctx, stale))
	loaded, _, err = store.Load(ctx)
	require.NoError(t, err)
	require.Equal(t, 94_995.0, loaded.Balances[schema.CurrencyUSD], "older snapshots never overwrite newer ones")
}

func TestJournalStoreRecordsAndLists(t *testing.T) {
	ctx := context.Background()
	store := pgstore.NewJournalStore(testPool)
	at := time.Date(2024, 3, 1, 14, 30, 0, 0, time.UTC)

	trade := schema.Trade{
		ID: "trd-int-1", OrderID: "ord-int-1", Symbol: "AAPL", Side: schema.SideBuy,
		Quantity: 50, Price: 100.05, Commission: 5.0025, Currency: schema.CurrencyUSD, Timestamp: at,
	}
	order := schema.Order{
		ID: "ord-int-1", Symbol: "AAPL", Side: schema.SideBuy, Type: schema.OrderTypeMarket,
		Quantity: 50, FilledQuantity: 50, Status: schema.OrderStatusFilled, UpdatedAt: at,
	}
	require.NoError(t, store.WithTransaction(ctx, func(ctx context.Context, tx journal.Tx) error {
		if err := tx.RecordFill(ctx, journal.FillFromTrade(trade)); err != nil {
			return err
		}
		return tx.RecordOrderEvent(ctx, journal.OrderEventFrom(order))
	}))
	require.NoError(t, store.RecordFill(ctx, journal.FillFromTrade(trade)), "replayed fills are ignored")

	failed := store.WithTransaction(ctx, func(ctx context.Context, tx journal.Tx) error {
		if err := tx.RecordFill(ctx, journal.Fill{TradeID: "trd-int-2", OrderID: "o", Symbol: "MSFT", Side: "buy", Quantity: "1", Price: "1", Currency: "USD"}); err != nil {
			return err
		}
		return tx.RecordFill(ctx, journal.Fill{TradeID: "trd-int-3", Quantity: "not-a-number", Price: "1"})
	})
	require.Error(t, failed)

	fills, err := store.ListFills(ctx, journal.Query{Symbol: "aapl"})
	require.NoError(t, err)
	require.Len(t, fills, 1)
	require.Equal(t, "100.05", fills[0].Price)
	require.Equal(t, "5.0025", fills[0].Commission)
	require.Equal(t, at.UnixMilli(), fills[0].TradedAt)

	msft, err := store.ListFills(ctx, journal.Query{Symbol: "MSFT"})
	require.NoError(t, err)
	require.Empty(t, msft, "rolled back transaction leaves no rows")

	origin := &schema.EntrySnapshot{Confidence: 0.8, Rationale: "breakout"}
	require.NoError(t, store.RecordOutcome(ctx, journal.OutcomeFromTrade(schema.TradeOutcome{
		ID: "out-int-1", Symbol: "AAPL", Currency: schema.CurrencyUSD, Quantity: 50,
		EntryPrice: 100, ExitPrice: 110, PnL: 494.5, PnLPercent: 9.89,
		EntryDate: at, ExitDate: at.Add(time.Hour), Origin: origin,
	})))
	outcomes, err := store.ListOutcomes(ctx, journal.Query{Limit: 10})
	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	require.Equal(t, "494.5", outcomes[0].PnL)
	require.Equal(t, "breakout", outcomes[0].Metadata["rationale"])
}
