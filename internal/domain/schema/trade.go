package schema

import "time"

// Trade is an immutable fill record appended to the trade history.
type Trade struct {
	ID         string    `json:"id"`
	OrderID    string    `json:"orderId"`
	Symbol     string    `json:"symbol"`
	Side       Side      `json:"side"`
	Quantity   float64   `json:"quantity"`
	Price      float64   `json:"price"`
	Commission float64   `json:"commission"`
	Currency   Currency  `json:"currency"`
	Timestamp  time.Time `json:"timestamp"`
}

// Notional returns price times quantity.
func (t Trade) Notional() float64 {
	return t.Price * t.Quantity
}

// Quote is a top-of-book observation for one symbol.
type Quote struct {
	Symbol    string    `json:"symbol"`
	Bid       float64   `json:"bid"`
	Ask       float64   `json:"ask"`
	Last      float64   `json:"last"`
	Volume    float64   `json:"volume"`
	Timestamp time.Time `json:"timestamp"`
}

// Mid returns the bid/ask midpoint, falling back to last when the book is one-sided.
func (q Quote) Mid() float64 {
	if q.Bid > 0 && q.Ask > 0 {
		return (q.Bid + q.Ask) / 2
	}
	return q.Last
}

// Valid reports whether the quote carries a usable price for both sides.
func (q Quote) Valid() bool {
	return q.Bid > 0 && q.Ask > 0 && q.Ask >= q.Bid && Finite(q.Bid) && Finite(q.Ask)
}
