package gateway

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestFormatAmount(t *testing.T) {
	assert.Equal(t, int64(4999), FormatAmount(decimal.RequireFromString("49.99"), "USD"))
	assert.Equal(t, int64(50), FormatAmount(decimal.NewFromInt(50), "JPY"), "zero-decimal amounts are never scaled")
	assert.Equal(t, int64(100), FormatAmount(decimal.NewFromInt(1), "EUR"))
	assert.Equal(t, int64(1000), FormatAmount(decimal.NewFromInt(1000), "KRW"))
}

func TestParseAmount_RoundTrips(t *testing.T) {
	cases := []struct {
		amount   string
		currency string
	}{
		{"49.99", "USD"},
		{"0.01", "USD"},
		{"50", "JPY"},
		{"1250", "VND"},
		{"19.90", "BRL"},
	}
	for _, tc := range cases {
		amount := decimal.RequireFromString(tc.amount)
		minor := FormatAmount(amount, tc.currency)
		back := ParseAmount(minor, tc.currency)
		assert.True(t, back.Equal(amount), "%s %s: %d came back as %s", tc.amount, tc.currency, minor, back)
	}
}

func TestMajorUnitString(t *testing.T) {
	assert.Equal(t, "49.99", MajorUnitString(decimal.RequireFromString("49.99"), "USD"))
	assert.Equal(t, "50.00", MajorUnitString(decimal.NewFromInt(50), "USD"))
	assert.Equal(t, "50", MajorUnitString(decimal.NewFromInt(50), "JPY"))
}

func TestIsZeroDecimal(t *testing.T) {
	assert.True(t, IsZeroDecimal("JPY"))
	assert.True(t, IsZeroDecimal("XOF"))
	assert.False(t, IsZeroDecimal("USD"))
	assert.False(t, IsZeroDecimal("jpy"), "codes are uppercase ISO")
}
