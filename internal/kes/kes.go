// Package kes provides shared Kenyan Shilling parsing and formatting utilities.
//
// KES amounts use 2 decimal places. All amounts are stored as big.Int in
// cents (1 KES = 100 cents). On-chain token amounts use 18 decimals; the
// conversion helpers map between the two representations.
package kes

import (
	"math/big"
	"strings"
)

const Decimals = 2

// TokenDecimals is the decimal precision of the on-chain token.
const TokenDecimals = 18

// centsToWeiFactor is 10^(TokenDecimals-Decimals).
var centsToWeiFactor = new(big.Int).Exp(big.NewInt(10), big.NewInt(TokenDecimals-Decimals), nil)

// Parse converts a decimal string (e.g. "1500.50") to its cent
// big.Int representation (150050). Returns (nil, false) on invalid input.
//
// Rules:
//   - Empty strings are rejected
//   - Negative amounts are rejected
//   - Multiple decimal points are rejected
//   - Fractional parts are padded/truncated to 2 decimal places
func Parse(s string) (*big.Int, bool) {
	if s == "" {
		return nil, false
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

	for len(frac) < Decimals {
		frac += "0"
	}
	frac = frac[:Decimals]

	combined := whole + frac
	result, ok := new(big.Int).SetString(combined, 10)
	return result, ok
}

// Format converts a cent big.Int to a human-readable decimal string
// with exactly 2 decimal places (e.g. "1500.50").
func Format(cents *big.Int) string {
	if cents == nil {
		return "0.00"
	}
	neg := cents.Sign() < 0
	abs := new(big.Int).Abs(cents)
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

// ToWei converts a cent amount to the on-chain 18-decimal representation.
func ToWei(cents *big.Int) *big.Int {
	if cents == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Mul(cents, centsToWeiFactor)
}

// FromWei converts an on-chain 18-decimal amount to cents, truncating
// sub-cent dust.
func FromWei(wei *big.Int) *big.Int {
	if wei == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Quo(wei, centsToWeiFactor)
}
