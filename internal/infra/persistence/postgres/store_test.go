package postgres

import (
	"context"
	"strings"
	"testing"

	"github.com/coachpo/tradegate/internal/domain/journal"
	"github.com/coachpo/tradegate/internal/domain/ledgerstore"
)

func TestStoresRequirePool(t *testing.T) {
	ctx := context.Background()

	snapshots := NewSnapshotStore(nil, "")
	if snapshots.account != DefaultAccount {
		t.Fatalf("expected default account, got %q", snapshots.account)
	}
	if _, _, err := snapshots.Load(ctx); err == nil {
		t.Fatal("expected error when pool nil")
	}
	if err := snapshots.Save(ctx, ledgerstore.Snapshot{}); err == nil {
		t.Fatal("expected error when pool nil")
	}

	store := NewJournalStore(nil)
	if err := store.RecordFill(ctx, journal.Fill{TradeID: "t-1"}); err == nil {
		t.Fatal("expected error when pool nil")
	}
	if err := store.RecordOutcome(ctx, journal.Outcome{ID: "o-1"}); err == nil {
		t.Fatal("expected error when pool nil")
	}
	if err := store.RecordOrderEvent(ctx, journal.OrderEvent{OrderID: "ord-1"}); err == nil {
		t.Fatal("expected error when pool nil")
	}
	if err := store.WithTransaction(ctx, func(context.Context, journal.Tx) error { return nil }); err == nil {
		t.Fatal("expected error when pool nil")
	}
	if _, err := store.ListFills(ctx, journal.Query{}); err == nil {
		t.Fatal("expected error when pool nil")
	}
	if _, err := store.ListOutcomes(ctx, journal.Query{}); err == nil {
		t.Fatal("expected error when pool nil")
	}
}

func TestConnectRequiresDSN(t *testing.T) {
	if _, err := Connect(context.Background(), PoolConfig{}); err == nil {
		t.Fatal("expected error for empty dsn")
	}
	if _, err := Connect(context.Background(), PoolConfig{DSN: "::not a dsn::"}); err == nil {
		t.Fatal("expected error for malformed dsn")
	}
}

func TestBuildListQuery(t *testing.T) {
	sql, args := buildListQuery(fillSelectBase, "traded_at", journal.Query{Symbol: " aapl ", Limit: 5000})
	if !strings.Contains(sql, "WHERE symbol = $1") || !strings.Contains(sql, "ORDER BY traded_at DESC, created_at DESC LIMIT $2") {
		t.Fatalf("unexpected sql: %s", sql)
	}
	if len(args) != 2 || args[0] != "AAPL" || args[1] != maxJournalLimit {
		t.Fatalf("unexpected args: %v", args)
	}

	sql, args = buildListQuery(outcomeSelectBase, "exited_at", journal.Query{})
	if strings.Contains(sql, "WHERE") || len(args) != 1 || args[0] != defaultJournalLimit {
		t.Fatalf("unexpected unfiltered query %s %v", sql, args)
	}
}

func TestNumericHelpers(t *testing.T) {
	if _, err := numericFromString("price", " "); err == nil {
		t.Fatal("expected error for blank numeric")
	}
	if _, err := numericFromString("price", "abc"); err == nil {
		t.Fatal("expected error for malformed numeric")
	}
	if n, err := numericOrZero("commission", ""); err != nil || !n.Valid {
		t.Fatalf("expected zero numeric, got %v %v", n, err)
	}
	if got := canonicalDecimal("100.5000000000"); got != "100.5" {
		t.Fatalf("expected 100.5, got %s", got)
	}
	if got := canonicalDecimal("0.0000000000"); got != "0" {
		t.Fatalf("expected 0, got %s", got)
	}
}

func TestMetadataRoundTrip(t *testing.T) {
	encoded, err := encodeMetadata(nil)
	if err != nil || encoded != "{}" {
		t.Fatalf("expected empty object, got %q %v", encoded, err)
	}
	encoded, err = encodeMetadata(map[string]any{"confidence": 0.8})
	if err != nil {
		t.Fatalf("encode metadata: %v", err)
	}
	decoded, err := decodeMetadata([]byte(encoded))
	if err != nil || decoded["confidence"] != 0.8 {
		t.Fatalf("unexpected metadata %v %v", decoded, err)
	}
	if decoded, err := decodeMetadata([]byte("{}")); err != nil || decoded != nil {
		t.Fatalf("expected nil metadata, got %v %v", decoded, err)
	}
}
