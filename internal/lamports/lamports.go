// Package lamports converts between lamports and SOL amounts.
package lamports

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/shopspring/decimal"
)

// PerSOL is the number of lamports in one SOL.
const PerSOL = 1_000_000_000

const decimals = 9

var (
	ErrNegative  = errors.New("amount must not be negative")
	ErrPrecision = errors.New("amount has more than 9 decimal places")
	ErrOverflow  = errors.New("amount does not fit in u64 lamports")
)

var maxLamports = decimal.NewFromUint64(math.MaxUint64)

// ToSOL converts lamports to SOL.
func ToSOL(lamports uint64) decimal.Decimal {
	return decimal.NewFromUint64(lamports).Shift(-decimals)
}

// Format renders lamports as e.g. "1.5 SOL".
func Format(lamports uint64) string {
	return ToSOL(lamports).String() + " SOL"
}

// FromSOL parses a SOL amount such as "0.25" or "3 SOL" into lamports.
func FromSOL(s string) (uint64, error) {
	s = strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(s), "SOL"))
	amount, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("failed to parse amount %q: %w", s, err)
	}
	if amount.IsNegative() {
		return 0, ErrNegative
	}
	l := amount.Shift(decimals)
	if !l.IsInteger() {
		return 0, ErrPrecision
	}
	if l.GreaterThan(maxLamports) {
		return 0, ErrOverflow
	}
	return l.BigInt().Uint64(), nil
}
