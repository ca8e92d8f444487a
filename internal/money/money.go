// Package money provides fixed-point amount parsing, formatting, and fee
// arithmetic shared by the escrow and treasury services.
//
// Amounts use 18 decimal places and are carried as big.Int in the smallest
// unit (1 unit of an asset = 10^18 base units, matching wei for the native
// asset). String forms are plain decimals ("1.5", "0.000000000000000001").
package money

import (
	"math/big"
	"strings"
)

const Decimals = 18

// BpsDenominator is the divisor for basis-point rates (100 bps = 1%).
const BpsDenominator = 10000

var bpsDen = big.NewInt(BpsDenominator)

// Parse converts a decimal string (e.g. "1.5") to its base-unit big.Int
// representation. Returns (nil, false) on invalid input.
//
// Rules:
//   - Empty string returns (0, true)
//   - Negative amounts are rejected
//   - Multiple decimal points are rejected
//   - Fractional parts are padded/truncated to 18 decimal places
func Parse(s string) (*big.Int, bool) {
	if s == "" {
		return big.NewInt(0), true
	}

	if strings.HasPrefix(s, "-") {
		return nil, false
	}

	parts := strings.Split(s, ".")
	if len(parts) > 2 {
		return nil, false
	}
	whole := parts[0]
	frac := ""
	if len(parts) > 1 {
		frac = parts[1]
	}
	if whole == "" {
		whole = "0"
	}

	for len(frac) < Decimals {
		frac += "0"
	}
	frac = frac[:Decimals]

	combined := whole + frac
	result, ok := new(big.Int).SetString(combined, 10)
	if !ok || result.Sign() < 0 {
		return nil, false
	}
	return result, true
}

// MustParse is Parse for trusted literals; it panics on invalid input.
func MustParse(s string) *big.Int {
	v, ok := Parse(s)
	if !ok {
		panic("money: invalid amount " + s)
	}
	return v
}

// Format converts a base-unit big.Int to a decimal string with trailing
// zeros trimmed ("1.5" rather than "1.500000000000000000"). Whole amounts
// render without a decimal point.
func Format(amount *big.Int) string {
	if amount == nil {
		return "0"
	}
	neg := amount.Sign() < 0
	abs := new(big.Int).Abs(amount)
	s := abs.String()
	for len(s) < Decimals+1 {
		s = "0" + s
	}
	decimal := len(s) - Decimals
	whole, frac := s[:decimal], s[decimal:]
	frac = strings.TrimRight(frac, "0")
	result := whole
	if frac != "" {
		result += "." + frac
	}
	if neg {
		result = "-" + result
	}
	return result
}

// TakeBps splits gross into (fee, net) where fee = gross * bps / 10000
// rounded down. gross is not modified.
func TakeBps(gross *big.Int, bps int64) (fee, net *big.Int) {
	fee = new(big.Int).Mul(gross, big.NewInt(bps))
	fee.Quo(fee, bpsDen)
	net = new(big.Int).Sub(gross, fee)
	return fee, net
}

// ProRata scales amount by part/total, rounded down. Used to fee-adjust
// milestone amounts so their sum matches the escrow net total.
func ProRata(amount, part, total *big.Int) *big.Int {
	if total.Sign() == 0 {
		return big.NewInt(0)
	}
	out := new(big.Int).Mul(amount, part)
	return out.Quo(out, total)
}
