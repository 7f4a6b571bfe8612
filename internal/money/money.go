// Package money provides exact fixed-scale decimal arithmetic for every
// balance-carrying value in the book of record. No binary float ever
// touches a balance: values enter as decimal.Decimal from the start, or as
// a float32 percentage that is converted once, at the boundary, and never
// compared back against a float.
package money

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Scale is the canonical serialisation precision: up to 8 decimal places
// with trailing zeros normalised away.
const Scale = 8

// Amount is a checked decimal value. All binary operations that can fail
// (division, in particular) return an error rather than panicking or
// silently producing an invalid result.
type Amount struct {
	d decimal.Decimal
}

// Zero is the additive identity.
var Zero = Amount{d: decimal.Zero}

// New wraps a decimal.Decimal.
func New(d decimal.Decimal) Amount { return Amount{d: d} }

// FromString parses a canonical decimal string.
func FromString(s string) (Amount, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Amount{}, fmt.Errorf("money: invalid decimal %q: %w", s, err)
	}
	return Amount{d: d}, nil
}

// FromInt builds an Amount from an integer number of currency units.
func FromInt(n int64) Amount { return Amount{d: decimal.NewFromInt(n)} }

// FromFloat32Percent converts a rule percentage that originates as a
// float32 at the user boundary into decimal. This is the one sanctioned
// float-to-decimal crossing point in the system; the result is never
// compared back to a float.
func FromFloat32Percent(pct float32) (Amount, error) {
	f := float64(pct)
	if f != f || f > 1e18 || f < -1e18 { // NaN or out of any sane range
		return Amount{}, fmt.Errorf("money: percentage %v is not finite", pct)
	}
	return Amount{d: decimal.NewFromFloat(f)}, nil
}

func (a Amount) Decimal() decimal.Decimal { return a.d }

func (a Amount) Add(b Amount) Amount { return Amount{d: a.d.Add(b.d)} }
func (a Amount) Sub(b Amount) Amount { return Amount{d: a.d.Sub(b.d)} }
func (a Amount) Mul(b Amount) Amount { return Amount{d: a.d.Mul(b.d)} }

// Div performs checked division: division by zero is an error rather than
// the infinite/NaN result decimal.Decimal would otherwise produce.
func (a Amount) Div(b Amount) (Amount, error) {
	if b.IsZero() {
		return Amount{}, fmt.Errorf("money: division by zero")
	}
	return Amount{d: a.d.Div(b.d)}, nil
}

func (a Amount) Abs() Amount { return Amount{d: a.d.Abs()} }

func (a Amount) Neg() Amount { return Amount{d: a.d.Neg()} }

func Min(a, b Amount) Amount {
	if a.d.LessThan(b.d) {
		return a
	}
	return b
}

func Max(a, b Amount) Amount {
	if a.d.GreaterThan(b.d) {
		return a
	}
	return b
}

// RoundDP rounds to n decimal places, half away from zero.
func (a Amount) RoundDP(n int32) Amount { return Amount{d: a.d.Round(n)} }

// FloorDP truncates toward negative infinity at n decimal places. Used by
// the distribution engine, which must never round a leg up past what the
// source can pay.
func (a Amount) FloorDP(n int32) Amount { return Amount{d: a.d.RoundFloor(n)} }

func (a Amount) IsZero() bool             { return a.d.IsZero() }
func (a Amount) IsNegative() bool         { return a.d.IsNegative() }
func (a Amount) IsPositive() bool         { return a.d.IsPositive() }
func (a Amount) GreaterThan(b Amount) bool { return a.d.GreaterThan(b.d) }
func (a Amount) LessThan(b Amount) bool    { return a.d.LessThan(b.d) }
func (a Amount) GreaterThanOrEqual(b Amount) bool {
	return a.d.GreaterThanOrEqual(b.d)
}
func (a Amount) LessThanOrEqual(b Amount) bool { return a.d.LessThanOrEqual(b.d) }
func (a Amount) Equal(b Amount) bool           { return a.d.Equal(b.d) }

// Floor returns the integer part as an int64, used for position sizing
// (floor(risk_budget / risk_per_share)).
func (a Amount) Floor() int64 { return a.d.Truncate(0).IntPart() }

// String returns the canonical decimal form: up to Scale places, trailing
// zeros stripped.
func (a Amount) String() string {
	return a.d.Truncate(Scale).String()
}

// MarshalJSON stores money as its canonical decimal string, never a JSON
// number, so no float round-trip occurs anywhere the value is persisted.
func (a Amount) MarshalJSON() ([]byte, error) {
	return []byte(`"` + a.String() + `"`), nil
}

func (a *Amount) UnmarshalJSON(b []byte) error {
	s := string(b)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	parsed, err := FromString(s)
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// Value implements driver.Valuer so an Amount stores as the canonical
// decimal text column the schema requires.
func (a Amount) Value() (any, error) { return a.String(), nil }

// Scan implements sql.Scanner.
func (a *Amount) Scan(src any) error {
	switch v := src.(type) {
	case string:
		parsed, err := FromString(v)
		if err != nil {
			return err
		}
		*a = parsed
		return nil
	case []byte:
		parsed, err := FromString(string(v))
		if err != nil {
			return err
		}
		*a = parsed
		return nil
	case nil:
		*a = Zero
		return nil
	default:
		return fmt.Errorf("money: cannot scan %T into Amount", src)
	}
}
