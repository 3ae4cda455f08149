package utils

import "github.com/shopspring/decimal"

// Precision is the number of decimal places every cost-path intermediate is rounded to.
const Precision int32 = 4

// Round4 rounds half away from zero to Precision places.
func Round4(d decimal.Decimal) decimal.Decimal {
	return d.Round(Precision)
}

func Add(a, b decimal.Decimal) decimal.Decimal {
	return Round4(a.Add(b))
}

func Sub(a, b decimal.Decimal) decimal.Decimal {
	return Round4(a.Sub(b))
}

func Mul(a, b decimal.Decimal) decimal.Decimal {
	return Round4(a.Mul(b))
}

// Div returns zero when b is zero. A missing denominator degrades the result to zero cost
// instead of aborting the cascade.
func Div(a, b decimal.Decimal) decimal.Decimal {
	if b.IsZero() {
		return decimal.Zero
	}
	return Round4(a.DivRound(b, Precision+4))
}

// Sum adds every value with Add semantics.
func Sum(values ...decimal.Decimal) decimal.Decimal {
	total := decimal.Zero
	for _, v := range values {
		total = Add(total, v)
	}
	return total
}

// NonNegative clamps d at zero.
func NonNegative(d decimal.Decimal) decimal.Decimal {
	if d.IsNegative() {
		return decimal.Zero
	}
	return d
}

// Percent returns value × pct / 100.
func Percent(value, pct decimal.Decimal) decimal.Decimal {
	return Div(Mul(value, pct), decimal.NewFromInt(100))
}

// MaxAbsDelta returns the largest |old[i] - new[i]|. Missing positions compare against zero.
func MaxAbsDelta(old, new []decimal.Decimal) decimal.Decimal {
	n := len(old)
	if len(new) > n {
		n = len(new)
	}
	max := decimal.Zero
	for i := 0; i < n; i++ {
		o, v := decimal.Zero, decimal.Zero
		if i < len(old) {
			o = old[i]
		}
		if i < len(new) {
			v = new[i]
		}
		delta := v.Sub(o).Abs()
		if delta.GreaterThan(max) {
			max = delta
		}
	}
	return max
}
