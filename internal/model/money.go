// internal/model/money.go
package model

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Money is a monetary amount in integer minor units (kopecks, cents).
// Arithmetic on amounts never touches floating point.
type Money int64

// MoneyFromMajor converts a major-unit decimal (e.g. "100.50") to Money.
func MoneyFromMajor(d decimal.Decimal) Money {
	return Money(d.Mul(decimal.NewFromInt(100)).IntPart())
}

// Decimal returns the amount in major units as a decimal.
func (m Money) Decimal() decimal.Decimal {
	return decimal.NewFromInt(int64(m)).Div(decimal.NewFromInt(100))
}

// Minor returns the raw minor-unit value.
func (m Money) Minor() int64 {
	return int64(m)
}

// IsPositive reports whether the amount is greater than zero.
func (m Money) IsPositive() bool {
	return m > 0
}

func (m Money) String() string {
	return fmt.Sprintf("%d.%02d", m/100, abs64(int64(m)%100))
}

func abs64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
