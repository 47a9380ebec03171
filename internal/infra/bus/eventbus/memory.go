package eventbus

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	concpool "github.com/sourcegraph/conc/pool"

	"github.com/coachpo/tradegate/errs"
	"github.com/coachpo/tradegate/internal/domain/schema"
	"github.com/coachpo/tradegate/internal/observability"
)

var errBusClosed = errs.New("eventbus", errs.CodeUnavailable, errs.WithMessage("bus closed"))

// MemoryBus is an in-memory implementation of Bus. Slow subscribers lose their
// oldest buffered event rather than blocking publishers.
type MemoryBus struct {
	cfg     MemoryConfig
	metrics busMetrics

	done      chan struct{}
	closeOnce sync.Once
	seq       atomic.Uint64

	mu    sync.RWMutex
	byTyp map[schema.EventType]map[SubscriptionID]*subscription
}

type subscription struct {
	typ    schema.EventType
	ch     chan schema.Event
	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once
}

// NewMemoryBus constructs a memory-backed bus.
func NewMemoryBus(cfg MemoryConfig) *MemoryBus {
	return &MemoryBus{
		cfg:     cfg.normalize(),
		metrics: newBusMetrics(),
		done:    make(chan struct{}),
		byTyp:   make(map[schema.EventType]map[SubscriptionID]*subscription),
	}
}

func (b *MemoryBus) closed() bool {
	select {
	case <-b.done:
		return true
	default:
		return false
	}
}

// Publish fans the event out to all subscribers of its type.
func (b *MemoryBus) Publish(ctx context.Context, evt schema.Event) (err error) {
	if ctx == nil {
		ctx = context.Background()
	}
	switch {
	case evt.Type == "":
		return errs.New("eventbus/publish", errs.CodeInvalid, errs.WithMessage("event type required"))
	case b.closed():
		return errBusClosed
	}
	if err := checkPayload(evt, b.cfg.PayloadCapBytes); err != nil {
		return err
	}

	targets := b.snapshot(evt.Type)
	started := time.Now()
	defer func() { b.metrics.publishDone(ctx, evt, started, len(targets), err) }()
	if len(targets) == 0 {
		return nil
	}

	workers := concpool.New().WithErrors().WithMaxGoroutines(b.cfg.FanoutWorkers)
	for _, sub := range targets {
		workers.Go(func() error { return b.offer(ctx, sub, evt) })
	}
	return workers.Wait()
}

func (b *MemoryBus) snapshot(typ schema.EventType) []*subscription {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]*subscription, 0, len(b.byTyp[typ]))
	for _, sub := range b.byTyp[typ] {
		out = append(out, sub)
	}
	return out
}

// Subscribe registers for events of the given type. The channel closes when
// ctx ends, on Unsubscribe, or when the bus closes.
func (b *MemoryBus) Subscribe(ctx context.Context, typ schema.EventType) (SubscriptionID, <-chan schema.Event, error) {
	if typ == "" {
		return "", nil, errs.New("eventbus/subscribe", errs.CodeInvalid, errs.WithMessage("event type required"))
	}
	if ctx == nil {
		ctx = context.Background()
	}
	subCtx, cancel := context.WithCancel(ctx)
	sub := &subscription{
		typ:    typ,
		ch:     make(chan schema.Event, b.cfg.BufferSize),
		ctx:    subCtx,
		cancel: cancel,
	}
	id := SubscriptionID("sub-" + strconv.FormatUint(b.seq.Add(1), 10))

	b.mu.Lock()
	if b.closed() {
		b.mu.Unlock()
		cancel()
		return "", nil, errBusClosed
	}
	if b.byTyp[typ] == nil {
		b.byTyp[typ] = make(map[SubscriptionID]*subscription)
	}
	b.byTyp[typ][id] = sub
	b.mu.Unlock()
	b.metrics.subscribed(typ, 1)

	go func() {
		<-subCtx.Done()
		b.drop(id, sub)
	}()
	return id, sub.ch, nil
}

// Unsubscribe removes the subscription and closes its channel.
func (b *MemoryBus) Unsubscribe(id SubscriptionID) {
	if id == "" {
		return
	}
	b.mu.RLock()
	var found *subscription
	for _, subs := range b.byTyp {
		if sub, ok := subs[id]; ok {
			found = sub
			break
		}
	}
	b.mu.RUnlock()
	if found != nil {
		b.drop(id, found)
	}
}

// Close shuts down the bus and all subscriptions.
func (b *MemoryBus) Close() {
	b.closeOnce.Do(func() {
		b.mu.Lock()
		close(b.done)
		all := b.byTyp
		b.byTyp = make(map[schema.EventType]map[SubscriptionID]*subscription)
		b.mu.Unlock()
		for typ, subs := range all {
			for _, sub := range subs {
				b.metrics.subscribed(typ, -1)
				sub.shut()
			}
		}
	})
}

// drop unregisters sub under id if it is still registered, then closes it.
func (b *MemoryBus) drop(id SubscriptionID, sub *subscription) {
	b.mu.Lock()
	subs := b.byTyp[sub.typ]
	registered := subs[id] == sub
	if registered {
		delete(subs, id)
		if len(subs) == 0 {
			delete(b.byTyp, sub.typ)
		}
	}
	b.mu.Unlock()
	if registered {
		b.metrics.subscribed(sub.typ, -1)
	}
	sub.shut()
}

// offer delivers evt to sub, evicting the oldest buffered event when full.
func (b *MemoryBus) offer(ctx context.Context, sub *subscription, evt schema.Event) (err error) {
	// The subscription may be shut between snapshot and send.
	defer func() {
		if recover() != nil {
			err = nil
		}
	}()
	if sub.ctx.Err() != nil {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("deliver context: %w", err)
	}
	if b.closed() {
		return errBusClosed
	}

	for attempt := 0; attempt < 2; attempt++ {
		select {
		case sub.ch <- evt:
			return nil
		default:
		}
		if attempt > 0 {
			break
		}
		select {
		case <-sub.ch:
			b.metrics.displaced.Add(ctx, 1, eventAttrs(evt))
			observability.Log().Warn("eventbus subscriber buffer full; dropped oldest event",
				observability.F("type", string(evt.Type)),
				observability.F("symbol", evt.Symbol))
		default:
		}
	}
	return errs.New("eventbus/publish", errs.CodeUnavailable, errs.WithMessage("subscriber buffer full"))
}

func (s *subscription) shut() {
	s.once.Do(func() {
		s.cancel()
		close(s.ch)
	})
}
