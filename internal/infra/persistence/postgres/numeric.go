package postgres

import (
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgtype"
	"github.com/shopspring/decimal"
)

// numericFromString converts a decimal string into a pgtype.Numeric value.
func numericFromString(field, value string) (pgtype.Numeric, error) {
	var out pgtype.Numeric
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return out, fmt.Errorf("%s: numeric value required", field)
	}
	if err := out.Scan(trimmed); err != nil {
		return out, fmt.Errorf("%s: parse numeric %q: %w", field, trimmed, err)
	}
	return out, nil
}

// numericOrZero treats a blank value as zero.
func numericOrZero(field, value string) (pgtype.Numeric, error) {
	if strings.TrimSpace(value) == "" {
		value = "0"
	}
	return numericFromString(field, value)
}

// canonicalDecimal strips the trailing zeros a NUMERIC(p,s) column pads values with.
func canonicalDecimal(value string) string {
	d, err := decimal.NewFromString(strings.TrimSpace(value))
	if err != nil {
		return value
	}
	return d.String()
}
