// Package fee computes platform fees in integer minor units.
package fee

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

var (
	ErrNegativeAmount = errors.New("fee: negative amount")
	ErrInvalidRate    = errors.New("fee: rate outside [0, 1)")
)

// Mode says how the fee relates to the gross amount.
type Mode int

const (
	// None charges nothing.
	None Mode = iota
	// Deducted takes the fee out of the gross: net = gross - fee.
	Deducted
	// Added charges the fee on top: total = gross + fee.
	Added
)

func (m Mode) String() string {
	switch m {
	case Deducted:
		return "deducted"
	case Added:
		return "added"
	default:
		return "none"
	}
}

// Breakdown is the result of applying a rate to a gross amount.
// Net is what reaches the destination, Total is what leaves the source.
type Breakdown struct {
	Gross int64 `json:"gross"`
	Fee   int64 `json:"fee"`
	Net   int64 `json:"net"`
	Total int64 `json:"total"`
}

var one = decimal.NewFromInt(1)

// Compute returns round_half_up(gross * rate).
func Compute(gross int64, rate decimal.Decimal) (int64, error) {
	if gross < 0 {
		return 0, fmt.Errorf("%w: %d", ErrNegativeAmount, gross)
	}
	if rate.IsNegative() || rate.GreaterThanOrEqual(one) {
		return 0, fmt.Errorf("%w: %s", ErrInvalidRate, rate)
	}
	return decimal.NewFromInt(gross).Mul(rate).Round(0).IntPart(), nil
}

// Apply computes the fee and distributes it according to mode.
func Apply(gross int64, rate decimal.Decimal, mode Mode) (Breakdown, error) {
	if mode == None {
		if gross < 0 {
			return Breakdown{}, fmt.Errorf("%w: %d", ErrNegativeAmount, gross)
		}
		return Breakdown{Gross: gross, Net: gross, Total: gross}, nil
	}
	f, err := Compute(gross, rate)
	if err != nil {
		return Breakdown{}, err
	}
	switch mode {
	case Deducted:
		return Breakdown{Gross: gross, Fee: f, Net: gross - f, Total: gross}, nil
	case Added:
		return Breakdown{Gross: gross, Fee: f, Net: gross, Total: gross + f}, nil
	}
	return Breakdown{}, fmt.Errorf("fee: unknown mode %d", mode)
}
