package gateway

import "github.com/shopspring/decimal"

// zeroDecimalCurrencies is the fixed set of ISO codes whose smallest unit
// is the major unit. Amounts in these currencies are never multiplied by
// 100 on the wire.
var zeroDecimalCurrencies = map[string]struct{}{
	"BIF": {}, "CLP": {}, "DJF": {}, "GNF": {}, "JPY": {}, "KMF": {},
	"KRW": {}, "MGA": {}, "PYG": {}, "RWF": {}, "UGX": {}, "VND": {},
	"VUV": {}, "XAF": {}, "XOF": {}, "XPF": {},
}

// IsZeroDecimal reports whether the currency has no minor unit.
func IsZeroDecimal(currency string) bool {
	_, ok := zeroDecimalCurrencies[currency]
	return ok
}

// FormatAmount converts a decimal major-unit amount to the smallest
// currency unit expected by most networks: 49.99 USD -> 4999, 50 JPY -> 50.
func FormatAmount(amount decimal.Decimal, currency string) int64 {
	if IsZeroDecimal(currency) {
		return amount.Round(0).IntPart()
	}
	return amount.Mul(decimal.NewFromInt(100)).Round(0).IntPart()
}

// ParseAmount converts a smallest-unit amount back to decimal major units.
func ParseAmount(minor int64, currency string) decimal.Decimal {
	if IsZeroDecimal(currency) {
		return decimal.NewFromInt(minor)
	}
	return decimal.NewFromInt(minor).Div(decimal.NewFromInt(100))
}

// MajorUnitString renders the amount the way major-unit wire formats want
// it: "49.99" for two-decimal currencies, "50" for zero-decimal ones.
func MajorUnitString(amount decimal.Decimal, currency string) string {
	if IsZeroDecimal(currency) {
		return amount.Round(0).StringFixed(0)
	}
	return amount.StringFixed(2)
}
