package domain

import (
	"strings"

	"github.com/shopspring/decimal"
)

// minorExponents lists currencies whose minor unit is not 1/100.
var minorExponents = map[string]int32{
	"JPY":  0,
	"KRW":  0,
	"VND":  0,
	"CLP":  0,
	"ISK":  0,
	"KWD":  3,
	"BHD":  3,
	"OMR":  3,
	"BTC":  8,
	"ETH":  8,
	"USDT": 6,
}

// MinorExponent returns how many decimal places the currency's minor unit has.
func MinorExponent(currency string) int32 {
	if exp, ok := minorExponents[NormalizeCurrency(currency)]; ok {
		return exp
	}
	return 2
}

// NormalizeCurrency upper-cases and trims a currency code.
func NormalizeCurrency(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// ValidCurrency reports whether code looks like a currency code (3-5 letters).
func ValidCurrency(code string) bool {
	code = NormalizeCurrency(code)
	if len(code) < 3 || len(code) > 5 {
		return false
	}
	for _, r := range code {
		if r < 'A' || r > 'Z' {
			return false
		}
	}
	return true
}

// FormatMajor renders a minor-unit amount as a fixed-point major-unit string ("1050" USD -> "10.50").
func FormatMajor(amount int64, currency string) string {
	exp := MinorExponent(currency)
	return decimal.New(amount, -exp).StringFixed(exp)
}

// ParseMajor parses a major-unit decimal string into minor units of currency.
func ParseMajor(value, currency string) (int64, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(value))
	if err != nil {
		return 0, Validationf("invalid amount %q", value)
	}
	return d.Shift(MinorExponent(currency)).RoundBank(0).IntPart(), nil
}
