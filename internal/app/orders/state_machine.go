// Package orders holds the authoritative order registry and its lifecycle rules.
package orders

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/coachpo/tradegate/errs"
	"github.com/coachpo/tradegate/internal/domain/schema"
)

const scope = "orders"

// StateMachine serialises every order mutation behind a single mutex.
type StateMachine struct {
	mu     sync.Mutex
	orders map[string]*schema.Order
	now    func() time.Time
	newID  func() string
}

// Option customises a StateMachine.
type Option func(*StateMachine)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *StateMachine) {
		if now != nil {
			m.now = now
		}
	}
}

// WithIDGenerator overrides order id generation.
func WithIDGenerator(gen func() string) Option {
	return func(m *StateMachine) {
		if gen != nil {
			m.newID = gen
		}
	}
}

// NewStateMachine constructs an empty registry.
func NewStateMachine(opts ...Option) *StateMachine {
	m := &StateMachine{
		orders: make(map[string]*schema.Order),
		now:    time.Now,
		newID:  uuid.NewString,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m
}

// Create registers a new pending order.
func (m *StateMachine) Create(symbol string, side schema.Side, typ schema.OrderType, quantity float64, price, stopPrice *float64) (schema.Order, error) {
	if quantity <= 0 || !schema.Finite(quantity) {
		return schema.Order{}, errs.New(scope, errs.CodeInvalid,
			errs.WithCanonicalCode(errs.CanonicalInvalidQuantity),
			errs.WithSymbol(symbol),
			errs.WithMessage("quantity must be positive"))
	}
	if !side.Valid() {
		return schema.Order{}, errs.New(scope, errs.CodeInvalid, errs.WithSymbol(symbol), errs.WithMessage("unknown side "+string(side)))
	}
	if !typ.Valid() {
		return schema.Order{}, errs.New(scope, errs.CodeInvalid, errs.WithSymbol(symbol), errs.WithMessage("unknown order type "+string(typ)))
	}
	if err := validatePrice(symbol, price); err != nil {
		return schema.Order{}, err
	}
	if err := validatePrice(symbol, stopPrice); err != nil {
		return schema.Order{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	order := &schema.Order{
		ID:        m.newID(),
		Symbol:    schema.NormalizeSymbol(symbol),
		Side:      side,
		Type:      typ,
		Quantity:  quantity,
		Price:     copyPtr(price),
		StopPrice: copyPtr(stopPrice),
		Status:    schema.OrderStatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if _, exists := m.orders[order.ID]; exists {
		return schema.Order{}, errs.Invariant(scope, "duplicate order id", errs.WithOrderID(order.ID))
	}
	m.orders[order.ID] = order
	return order.Clone(), nil
}

// UpdateStatus transitions an order. The boolean is false when the id is unknown.
// Moving a terminal order to a different status is refused; repeating the
// same terminal status is accepted without change. Filled and partiallyFilled
// follow from the filled quantity and are only reachable through Fill.
func (m *StateMachine) UpdateStatus(id string, status schema.OrderStatus) (schema.Order, bool, error) {
	if !status.Valid() {
		return schema.Order{}, false, errs.New(scope, errs.CodeInvalid, errs.WithOrderID(id), errs.WithMessage("unknown status "+string(status)))
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	order, ok := m.orders[id]
	if !ok {
		return schema.Order{}, false, nil
	}
	if order.Status == status {
		return order.Clone(), true, nil
	}
	if status == schema.OrderStatusFilled || status == schema.OrderStatusPartiallyFilled {
		return order.Clone(), true, errs.New(scope, errs.CodeConflict,
			errs.WithCanonicalCode(errs.CanonicalInvalidTransition),
			errs.WithOrderID(id),
			errs.WithMessage(string(status)+" is set by fills only"))
	}
	if order.Status.Terminal() || rank(status) < rank(order.Status) {
		return order.Clone(), true, errs.New(scope, errs.CodeConflict,
			errs.WithCanonicalCode(errs.CanonicalInvalidTransition),
			errs.WithOrderID(id),
			errs.WithMessage(string(order.Status)+" -> "+string(status)))
	}
	order.Status = status
	order.UpdatedAt = m.now()
	return order.Clone(), true, nil
}

// Fill applies an execution to an order. The boolean is false when the id is unknown.
func (m *StateMachine) Fill(id string, quantity, price float64) (schema.Order, bool, error) {
	if quantity <= 0 || !schema.Finite(quantity) {
		return schema.Order{}, false, errs.New(scope, errs.CodeInvalid,
			errs.WithCanonicalCode(errs.CanonicalInvalidQuantity), errs.WithOrderID(id),
			errs.WithMessage("fill quantity must be positive"))
	}
	if price <= 0 || !schema.Finite(price) {
		return schema.Order{}, false, errs.New(scope, errs.CodeInvalid,
			errs.WithCanonicalCode(errs.CanonicalInvalidPrice), errs.WithOrderID(id),
			errs.WithMessage("fill price must be positive"))
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	order, ok := m.orders[id]
	if !ok {
		return schema.Order{}, false, nil
	}
	if order.Status.Terminal() {
		return order.Clone(), true, errs.New(scope, errs.CodeConflict,
			errs.WithCanonicalCode(errs.CanonicalInvalidTransition), errs.WithOrderID(id),
			errs.WithMessage("fill on "+string(order.Status)+" order"))
	}

	prevFilled := order.FilledQuantity
	nextFilled := prevFilled + quantity
	if nextFilled > order.Quantity+schema.QuantityEpsilon {
		return order.Clone(), true, errs.Invariant(scope, "fill exceeds order quantity", errs.WithOrderID(id))
	}

	prevAvg := 0.0
	if order.AvgFillPrice != nil {
		prevAvg = *order.AvgFillPrice
	}
	avg := (prevFilled*prevAvg + quantity*price) / nextFilled
	order.AvgFillPrice = &avg

	if nextFilled >= order.Quantity-schema.QuantityEpsilon {
		order.FilledQuantity = order.Quantity
		order.Status = schema.OrderStatusFilled
	} else {
		order.FilledQuantity = nextFilled
		order.Status = schema.OrderStatusPartiallyFilled
	}
	order.UpdatedAt = m.now()
	return order.Clone(), true, nil
}

// Get returns a copy of the order.
func (m *StateMachine) Get(id string) (schema.Order, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	order, ok := m.orders[id]
	if !ok {
		return schema.Order{}, false
	}
	return order.Clone(), true
}

// Open returns every non-terminal order ordered by creation time.
func (m *StateMachine) Open() []schema.Order {
	return m.collect(func(o *schema.Order) bool { return !o.Status.Terminal() })
}

// All returns every order ordered by creation time.
func (m *StateMachine) All() []schema.Order {
	return m.collect(func(*schema.Order) bool { return true })
}

// Restore replaces the registry with the supplied orders.
func (m *StateMachine) Restore(orders []schema.Order) error {
	next := make(map[string]*schema.Order, len(orders))
	for _, o := range orders {
		if o.ID == "" {
			return errs.New(scope, errs.CodeInvalid, errs.WithMessage("restored order without id"))
		}
		if o.FilledQuantity > o.Quantity+schema.QuantityEpsilon {
			return errs.Invariant(scope, "restored order overfilled", errs.WithOrderID(o.ID))
		}
		clone := o.Clone()
		next[o.ID] = &clone
	}
	m.mu.Lock()
	m.orders = next
	m.mu.Unlock()
	return nil
}

// Reset drops every order.
func (m *StateMachine) Reset() {
	m.mu.Lock()
	m.orders = make(map[string]*schema.Order)
	m.mu.Unlock()
}

func (m *StateMachine) collect(keep func(*schema.Order) bool) []schema.Order {
	m.mu.Lock()
	out := make([]schema.Order, 0, len(m.orders))
	for _, o := range m.orders {
		if keep(o) {
			out = append(out, o.Clone())
		}
	}
	m.mu.Unlock()
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// rank orders statuses along the lifecycle; transitions never move backwards.
func rank(s schema.OrderStatus) int {
	switch s {
	case schema.OrderStatusPending:
		return 0
	case schema.OrderStatusSubmitted:
		return 1
	case schema.OrderStatusPartiallyFilled:
		return 2
	default:
		return 3
	}
}

func validatePrice(symbol string, price *float64) error {
	if price == nil {
		return nil
	}
	if *price <= 0 || !schema.Finite(*price) {
		return errs.New(scope, errs.CodeInvalid,
			errs.WithCanonicalCode(errs.CanonicalInvalidPrice),
			errs.WithSymbol(symbol),
			errs.WithMessage("price must be positive"))
	}
	return nil
}

func copyPtr(p *float64) *float64 {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

// NotFound builds the error callers return for an unknown order id.
func NotFound(id string) error {
	return errs.New(scope, errs.CodeNotFound, errs.WithCanonicalCode(errs.CanonicalOrderNotFound), errs.WithOrderID(id))
}
