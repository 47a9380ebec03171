package errs

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestErrorFormattingIncludesCanonicalAndContext(t *testing.T) {
	err := New(
		"execution/engine",
		CodeInvalid,
		WithHTTP(422),
		WithMessage("cash balance too low"),
		WithCanonicalCode(CanonicalInsufficientFunds),
		WithSymbol("AAPL"),
		WithOrderID("ord-1"),
		WithCause(errors.New("need 5005.00 have 10.00")),
	)

	out := err.Error()
	for _, want := range []string{
		"scope=execution/engine",
		"code=invalid_request",
		"canonical=insufficient_funds",
		"symbol=AAPL",
		"order=ord-1",
		"http=422",
		`message="cash balance too low"`,
		`cause="need 5005.00 have 10.00"`,
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected %q in error string: %s", want, out)
		}
	}
}

func TestWithCanonicalCodeEmptyDefaultsToUnknown(t *testing.T) {
	err := New("orders", CodeInvalid, WithCanonicalCode("   "))
	if err.Canonical != CanonicalUnknown {
		t.Fatalf("expected canonical code to default to unknown, got %q", err.Canonical)
	}
	if strings.Contains(err.Error(), "canonical=") {
		t.Fatalf("canonical marker should be omitted when code is unknown: %s", err.Error())
	}
}

func TestCanonicalLookupThroughWrapping(t *testing.T) {
	base := New("orders", CodeNotFound, WithCanonicalCode(CanonicalOrderNotFound))
	wrapped := fmt.Errorf("cancel: %w", base)

	if !IsCanonical(wrapped, CanonicalOrderNotFound) {
		t.Fatalf("expected wrapped error to expose canonical code")
	}
	if CodeOf(wrapped) != CodeNotFound {
		t.Fatalf("expected not_found code, got %q", CodeOf(wrapped))
	}
	if IsCanonical(nil, CanonicalOrderNotFound) {
		t.Fatalf("nil error must not match")
	}
	if CanonicalOf(errors.New("plain")) != CanonicalUnknown {
		t.Fatalf("plain errors map to unknown")
	}
}

func TestTransientAndRejectionClassification(t *testing.T) {
	cases := []struct {
		code      Code
		transient bool
		rejection bool
	}{
		{CodeNetwork, true, false},
		{CodeRateLimited, true, false},
		{CodeUnavailable, true, false},
		{CodeInvalid, false, true},
		{CodeNotFound, false, true},
		{CodeConflict, false, true},
		{CodeInvariant, false, false},
	}
	for _, tc := range cases {
		err := New("test", tc.code)
		if got := IsTransient(err); got != tc.transient {
			t.Fatalf("IsTransient(%s) = %v", tc.code, got)
		}
		if got := IsRejection(err); got != tc.rejection {
			t.Fatalf("IsRejection(%s) = %v", tc.code, got)
		}
	}
}

func TestInvariantCarriesCanonical(t *testing.T) {
	err := Invariant("orders", "filled exceeds quantity", WithOrderID("x"))
	if err.Code != CodeInvariant || err.Canonical != CanonicalInvariantViolation {
		t.Fatalf("unexpected invariant envelope: %+v", err)
	}
	if err.OrderID != "x" {
		t.Fatalf("expected order id option to apply")
	}
}

func TestUnwrapReturnsCause(t *testing.T) {
	cause := errors.New("dial tcp: timeout")
	err := New("quotes", CodeNetwork, WithCause(cause))
	if !errors.Is(err, cause) {
		t.Fatalf("expected errors.Is to reach cause")
	}
	var nilErr *E
	if nilErr.Error() != "<nil>" {
		t.Fatalf("nil envelope should format as <nil>")
	}
}
