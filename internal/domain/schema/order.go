// Package schema defines the domain types shared by the execution kernel.
package schema

import (
	"math"
	"strings"
	"time"
)

// QuantityEpsilon is the absolute tolerance below which a quantity is treated as zero.
const QuantityEpsilon = 1e-4

// Side denotes the direction of an order.
type Side string

const (
	// SideBuy increases a long position.
	SideBuy Side = "buy"
	// SideSell reduces a long position.
	SideSell Side = "sell"
)

// Valid reports whether the side is recognised.
func (s Side) Valid() bool {
	return s == SideBuy || s == SideSell
}

// ParseSide normalises user supplied side text.
func ParseSide(raw string) (Side, bool) {
	side := Side(strings.ToLower(strings.TrimSpace(raw)))
	return side, side.Valid()
}

// OrderType enumerates supported order kinds.
type OrderType string

const (
	OrderTypeMarket    OrderType = "market"
	OrderTypeLimit     OrderType = "limit"
	OrderTypeStop      OrderType = "stop"
	OrderTypeStopLimit OrderType = "stopLimit"
)

// Valid reports whether the order type is recognised.
func (t OrderType) Valid() bool {
	switch t {
	case OrderTypeMarket, OrderTypeLimit, OrderTypeStop, OrderTypeStopLimit:
		return true
	default:
		return false
	}
}

// OrderStatus captures the lifecycle state of an order.
type OrderStatus string

const (
	OrderStatusPending         OrderStatus = "pending"
	OrderStatusSubmitted       OrderStatus = "submitted"
	OrderStatusPartiallyFilled OrderStatus = "partiallyFilled"
	OrderStatusFilled          OrderStatus = "filled"
	OrderStatusCancelled       OrderStatus = "cancelled"
	OrderStatusRejected        OrderStatus = "rejected"
	OrderStatusExpired         OrderStatus = "expired"
)

// Terminal reports whether no further transition is allowed out of the status.
func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusCancelled, OrderStatusRejected, OrderStatusExpired:
		return true
	default:
		return false
	}
}

// Valid reports whether the status is recognised.
func (s OrderStatus) Valid() bool {
	switch s {
	case OrderStatusPending, OrderStatusSubmitted, OrderStatusPartiallyFilled,
		OrderStatusFilled, OrderStatusCancelled, OrderStatusRejected, OrderStatusExpired:
		return true
	default:
		return false
	}
}

// Successful reports whether an order in this status was accepted by the broker.
func (s OrderStatus) Successful() bool {
	return s == OrderStatusFilled || s == OrderStatusSubmitted || s == OrderStatusPartiallyFilled
}

// Order is the authoritative record of a single order.
type Order struct {
	ID             string      `json:"id"`
	Symbol         string      `json:"symbol"`
	Side           Side        `json:"side"`
	Type           OrderType   `json:"type"`
	Quantity       float64     `json:"quantity"`
	FilledQuantity float64     `json:"filledQuantity"`
	Price          *float64    `json:"price,omitempty"`
	StopPrice      *float64    `json:"stopPrice,omitempty"`
	AvgFillPrice   *float64    `json:"avgFillPrice,omitempty"`
	Status         OrderStatus `json:"status"`
	CreatedAt      time.Time   `json:"createdAt"`
	UpdatedAt      time.Time   `json:"updatedAt"`
}

// RemainingQuantity returns the unfilled quantity.
func (o Order) RemainingQuantity() float64 {
	return math.Max(0, o.Quantity-o.FilledQuantity)
}

// Clone returns a deep copy so callers never share pointer fields.
func (o Order) Clone() Order {
	out := o
	out.Price = clonePtr(o.Price)
	out.StopPrice = clonePtr(o.StopPrice)
	out.AvgFillPrice = clonePtr(o.AvgFillPrice)
	return out
}

// OrderResult is returned by the execution engine for every placement.
type OrderResult struct {
	OrderID        string      `json:"orderId"`
	Symbol         string      `json:"symbol"`
	Side           Side        `json:"side"`
	Type           OrderType   `json:"type"`
	Status         OrderStatus `json:"status"`
	Quantity       float64     `json:"quantity"`
	FilledQuantity float64     `json:"filledQuantity"`
	AvgFillPrice   *float64    `json:"avgFillPrice,omitempty"`
	Commission     float64     `json:"commission"`
	Currency       Currency    `json:"currency"`
	Timestamp      time.Time   `json:"timestamp"`
	Message        string      `json:"message,omitempty"`
}

// Ptr returns a pointer to v.
func Ptr[T any](v T) *T {
	return &v
}

func clonePtr(p *float64) *float64 {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

// Finite reports whether v is neither NaN nor infinite.
func Finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
