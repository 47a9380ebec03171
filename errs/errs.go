// Package errs provides structured error types and helpers for tradegate services.
package errs

import (
	"errors"
	"strconv"
	"strings"
)

// Code identifies a broad error category.
type Code string

const (
	// CodeInvalid indicates invalid input provided by the caller.
	CodeInvalid Code = "invalid_request"
	// CodeNotFound indicates a missing resource.
	CodeNotFound Code = "not_found"
	// CodeConflict indicates a request that conflicts with current state.
	CodeConflict Code = "conflict"
	// CodeRateLimited indicates that the request exceeded rate limits.
	CodeRateLimited Code = "rate_limited"
	// CodeNetwork indicates a network transport failure.
	CodeNetwork Code = "network"
	// CodeUnavailable indicates the service is temporarily unavailable.
	CodeUnavailable Code = "unavailable"
	// CodeInvariant indicates a broken internal invariant (programmer error).
	CodeInvariant Code = "invariant"
)

// CanonicalCode captures domain-level failure reasons.
type CanonicalCode string

const (
	// CanonicalUnknown captures uncategorized failures.
	CanonicalUnknown CanonicalCode = "unknown"
	// CanonicalInvalidQuantity indicates a non-positive or non-finite quantity.
	CanonicalInvalidQuantity CanonicalCode = "invalid_quantity"
	// CanonicalInvalidPrice indicates a non-positive or non-finite price.
	CanonicalInvalidPrice CanonicalCode = "invalid_price"
	// CanonicalBelowMinimum indicates the trade value is under the execution model minimum.
	CanonicalBelowMinimum CanonicalCode = "below_minimum"
	// CanonicalInvalidSymbol indicates an unsupported or malformed symbol.
	CanonicalInvalidSymbol CanonicalCode = "invalid_symbol"
	// CanonicalInsufficientFunds indicates the cash balance cannot cover a buy.
	CanonicalInsufficientFunds CanonicalCode = "insufficient_funds"
	// CanonicalInsufficientShares indicates the held quantity cannot cover a sell.
	CanonicalInsufficientShares CanonicalCode = "insufficient_shares"
	// CanonicalOrderNotFound indicates that the referenced order does not exist.
	CanonicalOrderNotFound CanonicalCode = "order_not_found"
	// CanonicalInvalidTransition indicates an order status change out of a terminal state.
	CanonicalInvalidTransition CanonicalCode = "invalid_transition"
	// CanonicalGovernanceRejected marks a signal refused by the execution governor.
	CanonicalGovernanceRejected CanonicalCode = "governance_rejected"
	// CanonicalInvariantViolation indicates state that must never be observed.
	CanonicalInvariantViolation CanonicalCode = "invariant_violation"
	// CanonicalQuoteUnavailable indicates no quote could be obtained for a symbol.
	CanonicalQuoteUnavailable CanonicalCode = "quote_unavailable"
	// CanonicalRateLimited indicates the request was rate limited.
	CanonicalRateLimited CanonicalCode = "rate_limited"
)

// E captures structured error information produced across the tradegate stack.
type E struct {
	Scope     string
	Code      Code
	Canonical CanonicalCode
	Message   string
	Symbol    string
	OrderID   string
	HTTP      int

	cause error
}

// Option configures an error envelope.
type Option func(*E)

// New constructs an error envelope for the scope and error code.
func New(scope string, code Code, opts ...Option) *E {
	e := &E{
		Scope:     strings.TrimSpace(scope),
		Code:      code,
		Canonical: CanonicalUnknown,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// WithMessage attaches a human-readable message to the error.
func WithMessage(message string) Option {
	trimmed := strings.TrimSpace(message)
	return func(e *E) {
		e.Message = trimmed
	}
}

// WithSymbol records the instrument the error relates to.
func WithSymbol(symbol string) Option {
	trimmed := strings.TrimSpace(symbol)
	return func(e *E) {
		e.Symbol = trimmed
	}
}

// WithOrderID records the order the error relates to.
func WithOrderID(id string) Option {
	trimmed := strings.TrimSpace(id)
	return func(e *E) {
		e.OrderID = trimmed
	}
}

// WithHTTP records the associated HTTP status code.
func WithHTTP(status int) Option {
	return func(e *E) {
		e.HTTP = status
	}
}

// WithCause sets the underlying cause error.
func WithCause(err error) Option {
	return func(e *E) {
		e.cause = err
	}
}

// WithCanonicalCode sets the canonical error code describing the failure category.
func WithCanonicalCode(code CanonicalCode) Option {
	trimmed := strings.TrimSpace(string(code))
	return func(e *E) {
		if trimmed == "" {
			e.Canonical = CanonicalUnknown
			return
		}
		e.Canonical = CanonicalCode(trimmed)
	}
}

func (e *E) Error() string {
	if e == nil {
		return "<nil>"
	}
	parts := make([]string, 0, 6)

	scope := e.Scope
	if scope == "" {
		scope = "unknown"
	}
	parts = append(parts, "scope="+scope)

	code := strings.TrimSpace(string(e.Code))
	if code == "" {
		code = "unknown"
	}
	parts = append(parts, "code="+code)

	if cc := strings.TrimSpace(string(e.Canonical)); cc != "" && cc != string(CanonicalUnknown) {
		parts = append(parts, "canonical="+cc)
	}
	if e.Symbol != "" {
		parts = append(parts, "symbol="+e.Symbol)
	}
	if e.OrderID != "" {
		parts = append(parts, "order="+e.OrderID)
	}
	if e.HTTP > 0 {
		parts = append(parts, "http="+strconv.Itoa(e.HTTP))
	}
	if e.Message != "" {
		parts = append(parts, "message="+strconv.Quote(e.Message))
	}
	if e.cause != nil {
		parts = append(parts, "cause="+strconv.Quote(e.cause.Error()))
	}
	return strings.Join(parts, " ")
}

func (e *E) Unwrap() error { return e.cause }

// As extracts the first *E in err's chain.
func As(err error) (*E, bool) {
	var target *E
	if errors.As(err, &target) && target != nil {
		return target, true
	}
	return nil, false
}

// CodeOf returns the code of the first envelope in err's chain, or "" when absent.
func CodeOf(err error) Code {
	if e, ok := As(err); ok {
		return e.Code
	}
	return ""
}

// CanonicalOf returns the canonical code of the first envelope in err's chain.
func CanonicalOf(err error) CanonicalCode {
	if e, ok := As(err); ok {
		return e.Canonical
	}
	return CanonicalUnknown
}

// IsCanonical reports whether err carries the canonical code.
func IsCanonical(err error, code CanonicalCode) bool {
	if err == nil {
		return false
	}
	return CanonicalOf(err) == code
}

// IsTransient reports whether err describes an I/O failure the caller may retry later.
func IsTransient(err error) bool {
	switch CodeOf(err) {
	case CodeNetwork, CodeRateLimited, CodeUnavailable:
		return true
	default:
		return false
	}
}

// IsRejection reports whether err is a recoverable business refusal
// (validation, funds or not-found) rather than an I/O or programmer failure.
func IsRejection(err error) bool {
	switch CodeOf(err) {
	case CodeInvalid, CodeNotFound, CodeConflict:
		return true
	default:
		return false
	}
}

// Invariant returns an invariant-violation error.
func Invariant(scope, msg string, opts ...Option) *E {
	base := []Option{WithMessage(msg), WithCanonicalCode(CanonicalInvariantViolation)}
	return New(scope, CodeInvariant, append(base, opts...)...)
}
