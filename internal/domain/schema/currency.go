package schema

import "strings"

// Currency is an ISO-like settlement currency code.
type Currency string

const (
	CurrencyUSD Currency = "USD"
	CurrencyTRY Currency = "TRY"
)

// bistSuffix marks symbols listed on Borsa Istanbul.
const bistSuffix = ".IS"

// CurrencyForSymbol returns the settlement currency for a symbol.
func CurrencyForSymbol(symbol string) Currency {
	if IsBIST(symbol) {
		return CurrencyTRY
	}
	return CurrencyUSD
}

// IsBIST reports whether the symbol trades on Borsa Istanbul.
func IsBIST(symbol string) bool {
	return strings.HasSuffix(strings.ToUpper(strings.TrimSpace(symbol)), bistSuffix)
}

// NormalizeSymbol trims and upper-cases a symbol.
func NormalizeSymbol(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}

// AccountInfo summarises one currency account.
type AccountInfo struct {
	Currency    Currency `json:"currency"`
	Cash        float64  `json:"cash"`
	Equity      float64  `json:"equity"`
	BuyingPower float64  `json:"buyingPower"`
}
