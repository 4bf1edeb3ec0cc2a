// Package numbers parses indexer decimal strings and holds the decimal
// helpers shared by the calculators.
package numbers

import (
	"strings"

	"github.com/shopspring/decimal"
)

var (
	Zero = decimal.Zero
	One  = decimal.NewFromInt(1)
)

// Maybe parses s, returning nil when s is empty or not a number
func Maybe(s string) *decimal.Decimal {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil
	}
	return &d
}

// Must parses s, returning zero when s is empty or not a number
func Must(s string) decimal.Decimal {
	if d := Maybe(s); d != nil {
		return *d
	}
	return decimal.Zero
}

// Ptr returns a pointer to a copy of d
func Ptr(d decimal.Decimal) *decimal.Decimal {
	return &d
}

// OrZero dereferences d, or returns zero for nil
func OrZero(d *decimal.Decimal) decimal.Decimal {
	if d == nil {
		return decimal.Zero
	}
	return *d
}

// DecimalPlaces counts the significant digits after the point
func DecimalPlaces(d decimal.Decimal) int32 {
	s := d.String()
	i := strings.IndexByte(s, '.')
	if i < 0 {
		return 0
	}
	return int32(len(s) - i - 1)
}

// FloorToStep rounds value toward zero to a multiple of step. A non-positive
// step leaves the value unchanged.
func FloorToStep(value, step decimal.Decimal) decimal.Decimal {
	if step.Sign() <= 0 {
		return value
	}
	q, _ := value.QuoRem(step, 0)
	return q.Mul(step)
}

// Float returns d as a float64 for metrics and logs
func Float(d *decimal.Decimal) float64 {
	if d == nil {
		return 0
	}
	return d.InexactFloat64()
}
