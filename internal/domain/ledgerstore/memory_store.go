package ledgerstore

import (
	"context"
	"fmt"
	"sync"
)

// MemoryStore keeps the last saved snapshot in process memory.
type MemoryStore struct {
	mu    sync.RWMutex
	blob  []byte
	saves int
}

// NewMemoryStore creates an empty memory-backed store.
func NewMemoryStore() *MemoryStore {
	return new(MemoryStore)
}

// Load implements Store.
func (s *MemoryStore) Load(ctx context.Context) (Snapshot, bool, error) {
	if err := ctx.Err(); err != nil {
		return Snapshot{}, false, fmt.Errorf("memory store load: %w", err)
	}
	s.mu.RLock()
	blob := s.blob
	s.mu.RUnlock()
	if blob == nil {
		return Snapshot{}, false, nil
	}
	snapshot, err := Decode(blob)
	if err != nil {
		return Snapshot{}, false, err
	}
	return snapshot, true, nil
}

// Save implements Store. The snapshot is encoded so later caller mutations never leak in.
func (s *MemoryStore) Save(ctx context.Context, snapshot Snapshot) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("memory store save: %w", err)
	}
	blob, err := Encode(snapshot)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.blob = blob
	s.saves++
	s.mu.Unlock()
	return nil
}

// Saves reports how many snapshots were written.
func (s *MemoryStore) Saves() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.saves
}
