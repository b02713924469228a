// Package money provides shared token amount parsing and formatting.
//
// Amounts are stored as big.Int in the smallest unit with 9 decimal
// places (1 token = 1,000,000,000 base units), the native precision of
// the settlement ledger.
package money

import (
	"math/big"
	"strings"
)

const Decimals = 9

// Parse converts a decimal string (e.g. "1.50") to its smallest-unit
// big.Int representation. Returns (nil, false) on invalid input.
//
// Rules:
//   - Empty string returns (0, true)
//   - Negative amounts are rejected
//   - Multiple decimal points are rejected
//   - Fractional parts are padded/truncated to 9 decimal places
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

	// Pad or trim to 9 decimals
	for len(frac) < Decimals {
		frac += "0"
	}
	frac = frac[:Decimals]

	combined := whole + frac
	result, ok := new(big.Int).SetString(combined, 10)
	return result, ok
}

// Format converts a smallest-unit big.Int to a human-readable decimal
// string with exactly 9 decimal places (e.g. "1.500000000").
func Format(amount *big.Int) string {
	if amount == nil {
		return "0.000000000"
	}
	neg := amount.Sign() < 0
	abs := new(big.Int).Abs(amount)
	s := abs.String()
	for len(s) < Decimals+1 {
		s = "0" + s
	}
	decimal := len(s) - Decimals
	result := s[:decimal] + "." + s[decimal:]
	if neg {
		result = "-" + result
	}
	return result
}

// IsPositive reports whether s parses to an amount strictly greater than zero.
func IsPositive(s string) bool {
	v, ok := Parse(s)
	return ok && v.Sign() > 0
}

// Cmp compares two decimal amount strings. It returns 0 if either fails
// to parse only when both fail; a parse failure sorts below any valid amount.
func Cmp(a, b string) int {
	av, aok := Parse(a)
	bv, bok := Parse(b)
	switch {
	case !aok && !bok:
		return 0
	case !aok:
		return -1
	case !bok:
		return 1
	}
	return av.Cmp(bv)
}

// Add returns the decimal sum of two amount strings. Invalid inputs
// count as zero.
func Add(a, b string) string {
	av, _ := Parse(a)
	if av == nil {
		av = big.NewInt(0)
	}
	bv, _ := Parse(b)
	if bv == nil {
		bv = big.NewInt(0)
	}
	return Format(new(big.Int).Add(av, bv))
}

// Sub returns a minus b as a decimal string. Invalid inputs count as zero.
func Sub(a, b string) string {
	av, _ := Parse(a)
	if av == nil {
		av = big.NewInt(0)
	}
	bv, _ := Parse(b)
	if bv == nil {
		bv = big.NewInt(0)
	}
	return Format(new(big.Int).Sub(av, bv))
}
