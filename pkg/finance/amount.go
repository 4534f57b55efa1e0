// Package finance provides the fixed-point amount type used for every budget,
// release and transition cost. Amounts are integer micro-units to avoid
// floating point error.
package finance

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Scale is the number of fractional decimal digits carried by an Amount.
const Scale = 6

// Unit is one whole unit (1.000000).
const Unit Amount = 1_000_000

var (
	ErrOverflow      = errors.New("finance: amount overflow")
	ErrNegative      = errors.New("finance: amount must not be negative")
	ErrInvalidAmount = errors.New("finance: invalid amount")
)

// Amount is a non-negative quantity in micro-units.
type Amount int64

// ParseAmount parses a decimal string such as "12", "0.5" or "3.000125".
func ParseAmount(s string) (Amount, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, ErrInvalidAmount
	}
	if strings.HasPrefix(s, "-") {
		return 0, ErrNegative
	}
	whole, frac, hasFrac := strings.Cut(s, ".")
	if whole == "" {
		whole = "0"
	}
	if hasFrac && (frac == "" || len(frac) > Scale) {
		return 0, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	w, err := strconv.ParseInt(whole, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	var f int64
	if hasFrac {
		f, err = strconv.ParseInt(frac+strings.Repeat("0", Scale-len(frac)), 10, 64)
		if err != nil || f < 0 {
			return 0, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
		}
	}
	if w > (math.MaxInt64-f)/int64(Unit) {
		return 0, ErrOverflow
	}
	return Amount(w*int64(Unit) + f), nil
}

// MustParse is ParseAmount for constants; it panics on error.
func MustParse(s string) Amount {
	a, err := ParseAmount(s)
	if err != nil {
		panic(err)
	}
	return a
}

// String renders the amount with trailing fractional zeros trimmed.
func (a Amount) String() string {
	sign := ""
	v := int64(a)
	if v < 0 {
		sign = "-"
		v = -v
	}
	whole := v / int64(Unit)
	frac := v % int64(Unit)
	if frac == 0 {
		return sign + strconv.FormatInt(whole, 10)
	}
	fs := fmt.Sprintf("%0*d", Scale, frac)
	return sign + strconv.FormatInt(whole, 10) + "." + strings.TrimRight(fs, "0")
}

// Add returns a+b, failing on overflow.
func (a Amount) Add(b Amount) (Amount, error) {
	if b > 0 && a > math.MaxInt64-b {
		return 0, ErrOverflow
	}
	return a + b, nil
}

// Sub returns a-b, failing if the result would be negative.
func (a Amount) Sub(b Amount) (Amount, error) {
	if b > a {
		return 0, fmt.Errorf("%w: %s - %s", ErrNegative, a, b)
	}
	return a - b, nil
}

// IsZero returns true if the amount is 0.
func (a Amount) IsZero() bool { return a == 0 }

// IsPositive returns true if the amount is > 0.
func (a Amount) IsPositive() bool { return a > 0 }

// MarshalText encodes the amount as its decimal string, so JSON and YAML
// carry "0.25" rather than a raw micro-unit integer.
func (a Amount) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

// UnmarshalText parses a decimal string.
func (a *Amount) UnmarshalText(b []byte) error {
	v, err := ParseAmount(string(b))
	if err != nil {
		return err
	}
	*a = v
	return nil
}
