package interest

import (
	"errors"
	"fmt"
	"math/big"

	"lending-engine/internal/fixedpoint"
)

var ErrInvalidFee = errors.New("invalid fee schedule")

// FeeSchedule keeps Numerator/Denominator of claimed interest for the
// recipient; the rest goes to the fee wallet.
type FeeSchedule struct {
	Numerator   uint64 `json:"numerator"`
	Denominator uint64 `json:"denominator"`
}

func NewFeeSchedule(numerator, denominator uint64) (FeeSchedule, error) {
	f := FeeSchedule{Numerator: numerator, Denominator: denominator}
	return f, f.Validate()
}

func (f FeeSchedule) Validate() error {
	if f.Denominator == 0 {
		return fmt.Errorf("%w: zero denominator", ErrInvalidFee)
	}
	if f.Numerator > f.Denominator {
		return fmt.Errorf("%w: %d/%d exceeds one", ErrInvalidFee, f.Numerator, f.Denominator)
	}
	return nil
}

// AfterFee is floor(x × n / d)
func (f FeeSchedule) AfterFee(x *big.Int) *big.Int {
	return fixedpoint.MulDiv(x,
		new(big.Int).SetUint64(f.Numerator),
		new(big.Int).SetUint64(f.Denominator),
		fixedpoint.RoundDown)
}

// Fee is x − AfterFee(x), so the two always sum to x
func (f FeeSchedule) Fee(x *big.Int) *big.Int {
	return new(big.Int).Sub(x, f.AfterFee(x))
}
