// Package ledgerstore defines the persistence contract for simulated account state.
package ledgerstore

import (
	"context"
	"fmt"
	"time"

	json "github.com/goccy/go-json"

	"github.com/coachpo/tradegate/internal/domain/schema"
)

// CurrentVersion is the snapshot layout written by this build.
const CurrentVersion = 1

// Snapshot is the versioned blob persisted after every mutation.
type Snapshot struct {
	Version   int                         `json:"version"`
	SavedAt   time.Time                   `json:"savedAt"`
	Initial   map[schema.Currency]float64 `json:"initial"`
	Balances  map[schema.Currency]float64 `json:"balances"`
	Positions []schema.Position           `json:"positions"`
	Orders    []schema.Order              `json:"orders"`
	Trades    []schema.Trade              `json:"trades"`
	Outcomes  []schema.TradeOutcome       `json:"outcomes"`
}

// Store loads and saves snapshots.
type Store interface {
	// Load returns the latest snapshot. The boolean is false when nothing was saved yet.
	Load(ctx context.Context) (Snapshot, bool, error)
	Save(ctx context.Context, snapshot Snapshot) error
}

// Encode serialises a snapshot, stamping the current version when unset.
func Encode(snapshot Snapshot) ([]byte, error) {
	if snapshot.Version == 0 {
		snapshot.Version = CurrentVersion
	}
	data, err := json.Marshal(snapshot)
	if err != nil {
		return nil, fmt.Errorf("encode snapshot: %w", err)
	}
	return data, nil
}

// Decode parses a snapshot blob and rejects layouts newer than this build understands.
func Decode(data []byte) (Snapshot, error) {
	var snapshot Snapshot
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return Snapshot{}, fmt.Errorf("decode snapshot: %w", err)
	}
	if snapshot.Version == 0 {
		snapshot.Version = CurrentVersion
	}
	if snapshot.Version > CurrentVersion {
		return Snapshot{}, fmt.Errorf("decode snapshot: unsupported version %d", snapshot.Version)
	}
	return snapshot, nil
}
