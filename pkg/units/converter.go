// Package units converts between human-readable decimal amounts and the
// integer base units each chain submits in transactions.
//
// Every conversion rounds half-up; floating point is never used.
package units

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"
)

// MaxDecimals bounds the decimals parameter accepted by the converter.
const MaxDecimals = 36

var (
	ErrNegativeAmount  = errors.New("amount must not be negative")
	ErrInvalidDecimals = fmt.Errorf("decimals must be between 0 and %d", MaxDecimals)
	ErrInvalidRate     = errors.New("exchange rate must be positive")
)

// ToBaseUnits returns round-half-up(amount × 10^decimals).
func ToBaseUnits(amount decimal.Decimal, decimals int32) (*big.Int, error) {
	if decimals < 0 || decimals > MaxDecimals {
		return nil, ErrInvalidDecimals
	}
	if amount.IsNegative() {
		return nil, ErrNegativeAmount
	}
	// Round(0) rounds half away from zero, which is half-up for non-negative values.
	return amount.Shift(decimals).Round(0).BigInt(), nil
}

// ToHumanUnits returns base / 10^decimals without loss.
func ToHumanUnits(base *big.Int, decimals int32) decimal.Decimal {
	if base == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(base, -decimals)
}

// ApplyExchangeRate converts amount of one asset into the other asset of a pair.
func ApplyExchangeRate(amount, rate decimal.Decimal) (decimal.Decimal, error) {
	if !rate.IsPositive() {
		return decimal.Zero, ErrInvalidRate
	}
	if amount.IsNegative() {
		return decimal.Zero, ErrNegativeAmount
	}
	return amount.Mul(rate), nil
}

// Convert takes a base amount on one chain through rate to a base amount on
// another chain. It returns the destination amount in both representations.
func Convert(base *big.Int, fromDecimals int32, rate decimal.Decimal, toDecimals int32) (decimal.Decimal, *big.Int, error) {
	human := ToHumanUnits(base, fromDecimals)
	converted, err := ApplyExchangeRate(human, rate)
	if err != nil {
		return decimal.Zero, nil, err
	}
	out, err := ToBaseUnits(converted, toDecimals)
	if err != nil {
		return decimal.Zero, nil, err
	}
	return converted, out, nil
}

// FormatHuman renders a base amount in human units with an optional symbol.
func FormatHuman(base *big.Int, decimals int32, symbol string) string {
	s := ToHumanUnits(base, decimals).String()
	if symbol == "" {
		return s
	}
	return s + " " + symbol
}

// ParseHuman parses a human-readable amount string.
func ParseHuman(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid amount %q: %w", s, err)
	}
	return d, nil
}

// ParseBase parses an integer base amount string.
func ParseBase(s string) (*big.Int, error) {
	n, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("invalid base amount %q", s)
	}
	return n, nil
}
