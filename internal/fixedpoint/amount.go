package fixedpoint

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/shopspring/decimal"
)

// ParseAmount parses a non-negative decimal string into base units.
// Example: value=12.34, decimals=6 => 12340000.
func ParseAmount(value string, decimals int) (*big.Int, error) {
	s := strings.TrimSpace(value)
	if s == "" {
		return nil, fmt.Errorf("empty value")
	}
	if decimals < 0 {
		return nil, fmt.Errorf("decimals must be >= 0")
	}
	if strings.HasPrefix(s, "-") {
		return nil, fmt.Errorf("value must not be negative")
	}

	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid decimal format: %w", err)
	}

	scaled := d.Shift(int32(decimals))
	if !scaled.IsInteger() {
		return nil, fmt.Errorf("too many decimal places: max %d", decimals)
	}
	return scaled.BigInt(), nil
}

// FormatAmount formats base units as a decimal string and trims trailing zeros.
func FormatAmount(v *big.Int, decimals int) string {
	if v == nil {
		return "0"
	}
	if decimals <= 0 {
		return v.String()
	}
	return decimal.NewFromBigInt(v, -int32(decimals)).String()
}

// MulDiv returns x*y/d rounded with the given mode. d must be positive.
func MulDiv(x, y, d *big.Int, mode Rounding) *big.Int {
	product := new(big.Int).Mul(x, y)
	quotient := new(big.Int)
	remainder := new(big.Int)
	quotient.QuoRem(product, d, remainder)

	if remainder.Sign() == 0 {
		return quotient
	}
	switch mode {
	case RoundUp:
		if product.Sign() > 0 {
			quotient.Add(quotient, big.NewInt(1))
		}
	case RoundHalfEven:
		twice := new(big.Int).Abs(remainder)
		twice.Lsh(twice, 1)
		cmp := twice.Cmp(new(big.Int).Abs(d))
		if cmp > 0 || (cmp == 0 && quotient.Bit(0) == 1) {
			if product.Sign() > 0 {
				quotient.Add(quotient, big.NewInt(1))
			} else {
				quotient.Sub(quotient, big.NewInt(1))
			}
		}
	default:
		// QuoRem truncates toward zero, which is a floor for the
		// non-negative quantities handled here.
	}
	return quotient
}
