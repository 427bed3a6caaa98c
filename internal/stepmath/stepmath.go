// Package stepmath implements exchange-lot decimal rounding and the
// integer-step three-leg quantity split used throughout the position
// lifecycle.
package stepmath

import (
	"fmt"

	"github.com/shopspring/decimal"
)

func mustPositiveStep(step decimal.Decimal) {
	if step.Sign() <= 0 {
		panic(fmt.Sprintf("stepmath: step must be > 0, got %s", step))
	}
}

func mustFinite(x decimal.Decimal, label string) {
	// shopspring/decimal values are always finite by construction;
	// the guard exists for inputs parsed from untrusted strings upstream.
	if x.Exponent() < -60 || x.Exponent() > 60 {
		panic(fmt.Sprintf("stepmath: %s has implausible exponent %d", label, x.Exponent()))
	}
}

// FloorToStep rounds x down to the nearest multiple of step.
func FloorToStep(x, step decimal.Decimal) decimal.Decimal {
	mustPositiveStep(step)
	mustFinite(x, "x")
	units := x.Div(step).Truncate(0)
	if x.Sign() < 0 && !units.Mul(step).Equal(x) {
		units = units.Sub(decimal.NewFromInt(1))
	}
	return units.Mul(step)
}

// CeilToStep rounds x up to the nearest multiple of step.
func CeilToStep(x, step decimal.Decimal) decimal.Decimal {
	mustPositiveStep(step)
	mustFinite(x, "x")
	units := x.Div(step).Truncate(0)
	if x.Sign() > 0 && !units.Mul(step).Equal(x) {
		units = units.Add(decimal.NewFromInt(1))
	}
	return units.Mul(step)
}

// RoundNearestToStep rounds x to the nearest multiple of step, half away from zero.
func RoundNearestToStep(x, step decimal.Decimal) decimal.Decimal {
	mustPositiveStep(step)
	mustFinite(x, "x")
	units := x.Div(step).Round(0)
	return units.Mul(step)
}

// decimalsFromStep returns the number of decimal places implied by a
// tick/lot step, e.g. step=0.01 -> 2.
func decimalsFromStep(step decimal.Decimal) int32 {
	exp := step.Exponent()
	if exp >= 0 {
		return 0
	}
	return -exp
}

// FormatPrice renders p as the minimal-precision string the exchange
// expects for the given tick size.
func FormatPrice(p, tick decimal.Decimal) string {
	dp := decimalsFromStep(tick)
	return p.StringFixed(dp)
}

// FormatQty renders q as the minimal-precision string for the given
// lot step, trimming trailing zeros (but never the decimal point itself
// past an integer value).
func FormatQty(q, step decimal.Decimal) string {
	dp := decimalsFromStep(step)
	s := q.StringFixed(dp)
	return trimTrailingZeros(s)
}

func trimTrailingZeros(s string) string {
	if dot := indexByte(s, '.'); dot >= 0 {
		end := len(s)
		for end > dot+1 && s[end-1] == '0' {
			end--
		}
		if end == dot+1 {
			end = dot
		}
		return s[:end]
	}
	return s
}

func indexByte(s string, b byte) int {
	for i := 0; i < len(s); i++ {
		if s[i] == b {
			return i
		}
	}
	return -1
}

// RoundQty rounds a quantity DOWN to the configured lot step. Exchanges
// never accept a quantity above what the account actually has available,
// so qty is always floored, never ceiled or rounded nearest.
func RoundQty(x, step decimal.Decimal) decimal.Decimal {
	return FloorToStep(x, step)
}

// LegSplit is the three-leg exit quantity split: qty1 + qty2 + qty3 ==
// qtyTotal floored to the step always holds, by construction, because
// the split happens in integer step-units before converting back to
// decimal.
type LegSplit struct {
	Qty1, Qty2, Qty3 decimal.Decimal
	// Degraded is true when the standard 33/33/34 split could not
	// produce two non-zero legs under exchange minimums and the split
	// fell back to 50/50/0 (no trailing leg).
	Degraded bool
}

// SplitQty3Legs splits qtyTotal into three legs of step units, standard
// 33/33/34, degrading to 50/50/0 when the total is too small to give the
// first two legs at least one step unit each.
func SplitQty3Legs(qtyTotal, step decimal.Decimal) (LegSplit, error) {
	mustPositiveStep(step)
	mustFinite(qtyTotal, "qtyTotal")
	if qtyTotal.Sign() < 0 {
		panic("stepmath: negative quantity is a programmer error")
	}

	totalUnits := FloorToStep(qtyTotal, step).Div(step).IntPart()
	if totalUnits <= 0 {
		return LegSplit{}, fmt.Errorf("stepmath: qty %s rounds to zero step-units at step %s", qtyTotal, step)
	}

	u1 := totalUnits / 3
	u2 := totalUnits / 3
	u3 := totalUnits - u1 - u2

	degraded := false
	if u1 <= 0 || u2 <= 0 {
		u1 = totalUnits / 2
		u2 = totalUnits - u1
		u3 = 0
		degraded = true
	}

	if u1+u2+u3 != totalUnits {
		panic(fmt.Sprintf("stepmath: internal split error units=(%d,%d,%d) total=%d", u1, u2, u3, totalUnits))
	}

	qty1 := decimal.NewFromInt(u1).Mul(step)
	qty2 := decimal.NewFromInt(u2).Mul(step)
	qty3 := decimal.NewFromInt(u3).Mul(step)

	if qty1.Sign() <= 0 || qty2.Sign() <= 0 || qty3.Sign() < 0 {
		return LegSplit{}, fmt.Errorf("stepmath: invalid split qty1=%s qty2=%s qty3=%s", qty1, qty2, qty3)
	}

	return LegSplit{Qty1: qty1, Qty2: qty2, Qty3: qty3, Degraded: degraded}, nil
}
