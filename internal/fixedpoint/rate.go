package fixedpoint

import (
	"encoding/json"
	"fmt"
	"math/big"
	"strings"

	"github.com/shopspring/decimal"
)

// Scale is the number of fractional digits a Rate carries.
const Scale = 18

// Rounding selects how a fractional result is turned into base units.
type Rounding int

const (
	RoundDown Rounding = iota
	RoundUp
	RoundHalfEven
)

func (r Rounding) String() string {
	switch r {
	case RoundDown:
		return "down"
	case RoundUp:
		return "up"
	case RoundHalfEven:
		return "half_even"
	default:
		return fmt.Sprintf("rounding(%d)", int(r))
	}
}

// One is 10^Scale, the scaled representation of a rate of 1.
var One = new(big.Int).Exp(big.NewInt(10), big.NewInt(Scale), nil)

// Rate is a fraction with exactly Scale digits of precision.
type Rate struct {
	d decimal.Decimal
}

// ZeroRate is the zero value rate.
var ZeroRate = Rate{d: decimal.Zero}

// ParseRate parses a decimal fraction such as "0.05".
func ParseRate(value string) (Rate, error) {
	s := strings.TrimSpace(value)
	if s == "" {
		return Rate{}, fmt.Errorf("empty rate")
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Rate{}, fmt.Errorf("invalid rate %q: %w", value, err)
	}
	if !d.Equal(d.Truncate(Scale)) {
		return Rate{}, fmt.Errorf("too many decimal places in rate %q: max %d", value, Scale)
	}
	return Rate{d: d}, nil
}

// MustParseRate is ParseRate for constants and tests.
func MustParseRate(value string) Rate {
	r, err := ParseRate(value)
	if err != nil {
		panic(err)
	}
	return r
}

// RateFromScaled builds a rate from its Scale-digit integer representation.
func RateFromScaled(v *big.Int) Rate {
	return Rate{d: decimal.NewFromBigInt(v, -Scale)}
}

// Scaled returns the rate as an integer with Scale implied decimals.
func (r Rate) Scaled() *big.Int {
	return r.d.Shift(Scale).BigInt()
}

func (r Rate) Add(o Rate) Rate {
	return Rate{d: r.d.Add(o.d)}
}

func (r Rate) Sign() int {
	return r.d.Sign()
}

func (r Rate) IsZero() bool {
	return r.d.IsZero()
}

func (r Rate) Cmp(o Rate) int {
	return r.d.Cmp(o.d)
}

// LessThanOne reports whether the rate is strictly below 1.
func (r Rate) LessThanOne() bool {
	return r.d.LessThan(decimal.NewFromInt(1))
}

// MulAmount multiplies a base-unit amount by the rate and rounds to base units.
func (r Rate) MulAmount(amount *big.Int, mode Rounding) *big.Int {
	return MulDiv(amount, r.Scaled(), One, mode)
}

func (r Rate) String() string {
	return r.d.String()
}

func (r Rate) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.d.String())
}

func (r *Rate) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("rate must be a string: %w", err)
	}
	parsed, err := ParseRate(s)
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}
