// Package persistence writes engine snapshots to a ledger store off the trading path.
package persistence

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/tradegate/errs"
	"github.com/coachpo/tradegate/internal/domain/ledgerstore"
	"github.com/coachpo/tradegate/internal/infra/telemetry"
	"github.com/coachpo/tradegate/internal/observability"
)

const (
	scope = "persistence"

	defaultMaxAttempts = 5
	defaultMaxInterval = 5 * time.Second
)

// Option customises a Saver.
type Option func(*Saver)

// WithMaxAttempts bounds how often one snapshot is retried before it is dropped.
func WithMaxAttempts(n int) Option {
	return func(s *Saver) {
		if n > 0 {
			s.maxAttempts = n
		}
	}
}

// WithBackOff overrides the retry policy factory.
func WithBackOff(factory func() backoff.BackOff) Option {
	return func(s *Saver) {
		if factory != nil {
			s.newBackOff = factory
		}
	}
}

// Saver coalesces snapshots into a single pending slot and saves them from one worker.
// Persist never blocks; a newer snapshot replaces one that has not been written yet.
type Saver struct {
	store       ledgerstore.Store
	maxAttempts int
	newBackOff  func() backoff.BackOff

	mu      sync.Mutex
	pending *ledgerstore.Snapshot
	wake    chan struct{}
	started bool
	closed  bool

	cancel context.CancelFunc
	done   chan struct{}

	saves     metric.Int64Counter
	duration  metric.Float64Histogram
	coalesced metric.Int64Counter
}

// NewSaver wraps store.
func NewSaver(store ledgerstore.Store, opts ...Option) (*Saver, error) {
	if store == nil {
		return nil, errs.New(scope, errs.CodeInvalid, errs.WithMessage("snapshot store required"))
	}
	meter := otel.Meter("persistence.saver")
	saves, _ := meter.Int64Counter("persistence.snapshot.saves",
		metric.WithDescription("Snapshot save attempts by result"),
		metric.WithUnit("{save}"))
	duration, _ := meter.Float64Histogram("persistence.snapshot.duration",
		metric.WithDescription("Snapshot save latency"),
		metric.WithUnit("ms"))
	coalesced, _ := meter.Int64Counter("persistence.snapshot.coalesced",
		metric.WithDescription("Snapshots replaced before they were written"),
		metric.WithUnit("{snapshot}"))

	s := &Saver{
		store:       store,
		maxAttempts: defaultMaxAttempts,
		newBackOff: func() backoff.BackOff {
			policy := backoff.NewExponentialBackOff()
			policy.InitialInterval = 100 * time.Millisecond
			policy.MaxInterval = defaultMaxInterval
			return policy
		},
		wake:      make(chan struct{}, 1),
		done:      make(chan struct{}),
		saves:     saves,
		duration:  duration,
		coalesced: coalesced,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s, nil
}

// Start launches the writer. Calling Start twice is a no-op.
func (s *Saver) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started || s.closed {
		return
	}
	s.started = true
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancel = cancel
	go s.run(runCtx)
}

// Persist implements execution.Persister.
func (s *Saver) Persist(snapshot ledgerstore.Snapshot) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if s.pending != nil && s.coalesced != nil {
		s.coalesced.Add(context.Background(), 1,
			metric.WithAttributes(telemetry.AttrEnvironment.String(telemetry.Environment())))
	}
	s.pending = &snapshot
	select {
	case s.wake <- struct{}{}:
	default:
	}
	s.mu.Unlock()
}

// Close flushes the pending snapshot and stops the writer.
// When ctx expires first the writer is cancelled and the pending snapshot is lost.
func (s *Saver) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	started := s.started
	if started {
		close(s.wake)
	}
	s.mu.Unlock()

	if !started {
		// Never started: write what is pending synchronously.
		if snapshot := s.take(); snapshot != nil {
			return s.save(ctx, *snapshot)
		}
		return nil
	}

	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		s.cancel()
		<-s.done
		return errs.New(scope, errs.CodeUnavailable,
			errs.WithMessage("snapshot flush interrupted"), errs.WithCause(ctx.Err()))
	}
}

func (s *Saver) run(ctx context.Context) {
	defer close(s.done)
	defer s.cancel()
	for range s.wake {
		if snapshot := s.take(); snapshot != nil {
			if err := s.save(ctx, *snapshot); err != nil {
				observability.Log().Error("snapshot save failed",
					observability.F("error", err),
					observability.F("saved_at", snapshot.SavedAt))
			}
		}
	}
	// wake is closed: drain whatever arrived after the last signal.
	if snapshot := s.take(); snapshot != nil {
		if err := s.save(ctx, *snapshot); err != nil {
			observability.Log().Error("final snapshot save failed", observability.F("error", err))
		}
	}
}

func (s *Saver) take() *ledgerstore.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snapshot := s.pending
	s.pending = nil
	return snapshot
}

func (s *Saver) save(ctx context.Context, snapshot ledgerstore.Snapshot) error {
	start := time.Now()
	policy := s.newBackOff()
	policy.Reset()

	var err error
	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		err = s.store.Save(ctx, snapshot)
		if err == nil {
			s.record(ctx, start, telemetry.ResultSuccess)
			return nil
		}
		if ctx.Err() != nil || attempt == s.maxAttempts {
			break
		}
		sleep := policy.NextBackOff()
		if sleep == backoff.Stop {
			break
		}
		observability.Log().Warn("snapshot save retry",
			observability.F("attempt", attempt),
			observability.F("delay", sleep),
			observability.F("error", err))
		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			s.record(ctx, start, telemetry.ResultError)
			return errs.New(scope, errs.CodeUnavailable,
				errs.WithMessage("snapshot save cancelled"), errs.WithCause(err))
		case <-timer.C:
		}
	}
	s.record(ctx, start, telemetry.ResultError)
	return errs.New(scope, errs.CodeUnavailable,
		errs.WithMessage("snapshot save failed"), errs.WithCause(err))
}

func (s *Saver) record(ctx context.Context, start time.Time, result string) {
	attrs := metric.WithAttributes(
		telemetry.AttrEnvironment.String(telemetry.Environment()),
		telemetry.AttrResult.String(result))
	ctx = context.WithoutCancel(ctx)
	if s.saves != nil {
		s.saves.Add(ctx, 1, attrs)
	}
	if s.duration != nil {
		s.duration.Record(ctx, telemetry.SinceMillis(start), attrs)
	}
}
