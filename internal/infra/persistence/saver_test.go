package persistence

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/tradegate/errs"
	"github.com/coachpo/tradegate/internal/domain/ledgerstore"
	"github.com/coachpo/tradegate/internal/domain/schema"
)

type flakyStore struct {
	mu       sync.Mutex
	failures int
	calls    int
	saved    []ledgerstore.Snapshot
	block    chan struct{}
}

func (s *flakyStore) Load(context.Context) (ledgerstore.Snapshot, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.saved) == 0 {
		return ledgerstore.Snapshot{}, false, nil
	}
	return s.saved[len(s.saved)-1], true, nil
}

func (s *flakyStore) Save(ctx context.Context, snapshot ledgerstore.Snapshot) error {
	if s.block != nil {
		select {
		case <-s.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.failures > 0 {
		s.failures--
		return errors.New("store offline")
	}
	s.saved = append(s.saved, snapshot)
	return nil
}

func (s *flakyStore) snapshot() (int, []ledgerstore.Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls, append([]ledgerstore.Snapshot(nil), s.saved...)
}

func fastRetry() backoff.BackOff {
	return backoff.NewConstantBackOff(time.Millisecond)
}

func snapshotWithCash(cash float64) ledgerstore.Snapshot {
	return ledgerstore.Snapshot{
		SavedAt:  time.Now().UTC(),
		Balances: map[schema.Currency]float64{schema.CurrencyUSD: cash},
	}
}

func TestNewSaverRequiresStore(t *testing.T) {
	_, err := NewSaver(nil)
	require.Error(t, err)
	require.Equal(t, errs.CodeInvalid, errs.CodeOf(err))
}

func TestSaverWritesLatestSnapshot(t *testing.T) {
	store := &flakyStore{}
	saver, err := NewSaver(store, WithBackOff(fastRetry))
	require.NoError(t, err)
	saver.Start(context.Background())

	saver.Persist(snapshotWithCash(1))
	saver.Persist(snapshotWithCash(2))
	saver.Persist(snapshotWithCash(3))
	require.NoError(t, saver.Close(context.Background()))

	_, saved := store.snapshot()
	require.NotEmpty(t, saved)
	require.Equal(t, 3.0, saved[len(saved)-1].Balances[schema.CurrencyUSD])
}

func TestSaverRetriesTransientFailures(t *testing.T) {
	store := &flakyStore{failures: 2}
	saver, err := NewSaver(store, WithBackOff(fastRetry), WithMaxAttempts(3))
	require.NoError(t, err)
	saver.Start(context.Background())

	saver.Persist(snapshotWithCash(10))
	require.NoError(t, saver.Close(context.Background()))

	calls, saved := store.snapshot()
	require.Equal(t, 3, calls)
	require.Len(t, saved, 1)
}

func TestSaverGivesUpAfterMaxAttempts(t *testing.T) {
	store := &flakyStore{failures: 10}
	saver, err := NewSaver(store, WithBackOff(fastRetry), WithMaxAttempts(2))
	require.NoError(t, err)

	err = saver.save(context.Background(), snapshotWithCash(1))
	require.Error(t, err)
	require.True(t, errs.IsTransient(err))
	calls, _ := store.snapshot()
	require.Equal(t, 2, calls)
}

func TestSaverCloseWithoutStartFlushesSynchronously(t *testing.T) {
	store := &flakyStore{}
	saver, err := NewSaver(store)
	require.NoError(t, err)

	saver.Persist(snapshotWithCash(42))
	require.NoError(t, saver.Close(context.Background()))
	_, saved := store.snapshot()
	require.Len(t, saved, 1)

	saver.Persist(snapshotWithCash(43))
	_, saved = store.snapshot()
	require.Len(t, saved, 1, "persist after close is ignored")
	require.NoError(t, saver.Close(context.Background()))
}

func TestSaverCloseHonoursDeadline(t *testing.T) {
	store := &flakyStore{block: make(chan struct{})}
	saver, err := NewSaver(store, WithBackOff(fastRetry), WithMaxAttempts(1))
	require.NoError(t, err)
	saver.Start(context.Background())
	saver.Persist(snapshotWithCash(5))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err = saver.Close(ctx)
	require.Error(t, err)
	require.Equal(t, errs.CodeUnavailable, errs.CodeOf(err))
}

func TestSaverPersistDoesNotBlock(t *testing.T) {
	store := &flakyStore{block: make(chan struct{})}
	saver, err := NewSaver(store, WithBackOff(fastRetry))
	require.NoError(t, err)
	saver.Start(context.Background())

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			saver.Persist(snapshotWithCash(float64(i)))
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("persist blocked behind a slow store")
	}

	close(store.block)
	require.NoError(t, saver.Close(context.Background()))
	_, saved := store.snapshot()
	require.Equal(t, 99.0, saved[len(saved)-1].Balances[schema.CurrencyUSD])
}
