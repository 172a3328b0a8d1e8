package safe

import (
	"errors"

	"github.com/shopspring/decimal"
)

// ErrDivisionByZero is returned when attempting to divide by zero.
var ErrDivisionByZero = errors.New("division by zero")

// ErrUint64Overflow is returned when an unsigned addition wraps past the
// maximum representable value.
var ErrUint64Overflow = errors.New("uint64 overflow")

// ErrUint64Underflow is returned when an unsigned subtraction would go below zero.
var ErrUint64Underflow = errors.New("uint64 underflow")

// percentageMultiplier is the multiplier for percentage calculations.
const percentageMultiplier = 100

// hundredDecimal is the pre-allocated decimal multiplier for percentage calculations.
var hundredDecimal = decimal.NewFromInt(percentageMultiplier)

// AddUint64 returns a + b, or ErrUint64Overflow if the sum wraps.
// Unsigned wraparound is detected by the result comparing lower than an operand.
//
// Example:
//
//	total, err := safe.AddUint64(account.TotalOptions, amount)
//	if err != nil {
//	    return fmt.Errorf("apply grant: %w", err)
//	}
func AddUint64(a, b uint64) (uint64, error) {
	res := a + b
	if res < a {
		return 0, ErrUint64Overflow
	}

	return res, nil
}

// SubUint64 returns a - b, or ErrUint64Underflow if b exceeds a.
//
// Example:
//
//	vested, err := safe.SubUint64(account.VestedOptions, amount)
//	if err != nil {
//	    return fmt.Errorf("apply exercise: %w", err)
//	}
func SubUint64(a, b uint64) (uint64, error) {
	if b > a {
		return 0, ErrUint64Underflow
	}

	return a - b, nil
}

// Divide performs decimal division with zero check.
// Returns ErrDivisionByZero if denominator is zero.
//
// Example:
//
//	result, err := safe.Divide(numerator, denominator)
//	if err != nil {
//	    return fmt.Errorf("calculate ratio: %w", err)
//	}
func Divide(numerator, denominator decimal.Decimal) (decimal.Decimal, error) {
	if denominator.IsZero() {
		return decimal.Zero, ErrDivisionByZero
	}

	return numerator.Div(denominator), nil
}

// DivideRound performs decimal division with rounding and zero check.
// Returns ErrDivisionByZero if denominator is zero.
//
// Example:
//
//	result, err := safe.DivideRound(numerator, denominator, 2)
//	if err != nil {
//	    return fmt.Errorf("calculate percentage: %w", err)
//	}
func DivideRound(numerator, denominator decimal.Decimal, places int32) (decimal.Decimal, error) {
	if denominator.IsZero() {
		return decimal.Zero, ErrDivisionByZero
	}

	return numerator.DivRound(denominator, places), nil
}

// DivideOrZero performs decimal division, returning zero if denominator is zero.
// Use when zero is an acceptable fallback (e.g., ownership ratios over an empty
// cap table).
//
// Example:
//
//	ratio := safe.DivideOrZero(vested, granted)
func DivideOrZero(numerator, denominator decimal.Decimal) decimal.Decimal {
	if denominator.IsZero() {
		return decimal.Zero
	}

	return numerator.Div(denominator)
}

// PercentageOrZero calculates (numerator / denominator) * 100, returning zero if
// denominator is zero. This is the common pattern for rate calculations.
//
// Example:
//
//	ownership := safe.PercentageOrZero(participantTotal, planTotal)
func PercentageOrZero(numerator, denominator decimal.Decimal) decimal.Decimal {
	if denominator.IsZero() {
		return decimal.Zero
	}

	return numerator.Div(denominator).Mul(hundredDecimal)
}

// DivideFloat64OrZero performs float64 division, returning zero if denominator is zero.
//
// Example:
//
//	successRate := safe.DivideFloat64OrZero(published, attempted)
func DivideFloat64OrZero(numerator, denominator float64) float64 {
	if denominator == 0 {
		return 0
	}

	return numerator / denominator
}
