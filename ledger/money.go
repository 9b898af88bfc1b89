package ledger

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// MoneyPlaces is the number of fractional digits money is kept at.
const MoneyPlaces = 2

// =============================================================================
// MONEY - Fixed-point amount
// =============================================================================

// Money is an amount in the ledger currency. Results of rate
// multiplication are rounded to cents, half away from zero.
type Money struct {
	Value decimal.Decimal
}

var Zero = Money{Value: decimal.Zero}

func NewMoney(value float64) Money {
	return Money{Value: decimal.NewFromFloat(value).Round(MoneyPlaces)}
}

func MoneyFromCents(cents int64) Money {
	return Money{Value: decimal.New(cents, -MoneyPlaces)}
}

func MoneyFromDecimal(d decimal.Decimal) Money {
	return Money{Value: d}
}

// ParseMoney parses a decimal string. It does not round; use HasCents to
// check the precision.
func ParseMoney(s string) (Money, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Zero, fmt.Errorf("invalid amount %q: %w", s, err)
	}
	return Money{Value: d}, nil
}

func MustParseMoney(s string) Money {
	m, err := ParseMoney(s)
	if err != nil {
		panic(err)
	}
	return m
}

func (m Money) Add(b Money) Money { return Money{Value: m.Value.Add(b.Value)} }
func (m Money) Sub(b Money) Money { return Money{Value: m.Value.Sub(b.Value)} }
func (m Money) Neg() Money        { return Money{Value: m.Value.Neg()} }
func (m Money) Round() Money      { return Money{Value: m.Value.Round(MoneyPlaces)} }

// MulRate multiplies by a rate and rounds to cents.
func (m Money) MulRate(rate decimal.Decimal) Money {
	return Money{Value: m.Value.Mul(rate).Round(MoneyPlaces)}
}

func (m Money) IsNegative() bool            { return m.Value.IsNegative() }
func (m Money) IsZero() bool                { return m.Value.IsZero() }
func (m Money) IsPositive() bool            { return m.Value.IsPositive() }
func (m Money) Equal(b Money) bool          { return m.Value.Equal(b.Value) }
func (m Money) GreaterThan(b Money) bool    { return m.Value.GreaterThan(b.Value) }
func (m Money) LessThan(b Money) bool       { return m.Value.LessThan(b.Value) }
func (m Money) GreaterOrEqual(b Money) bool { return m.Value.GreaterThanOrEqual(b.Value) }

// HasCents reports whether the amount has at most two fractional digits.
func (m Money) HasCents() bool {
	return m.Value.Equal(m.Value.Round(MoneyPlaces))
}

func (m Money) String() string { return m.Value.StringFixed(MoneyPlaces) }

// MarshalJSON renders money as a fixed two-place string.
func (m Money) MarshalJSON() ([]byte, error) {
	return []byte(`"` + m.String() + `"`), nil
}

// UnmarshalJSON accepts both JSON strings and numbers.
func (m *Money) UnmarshalJSON(b []byte) error {
	var d decimal.Decimal
	if err := d.UnmarshalJSON(b); err != nil {
		return err
	}
	m.Value = d
	return nil
}

// Sum adds up a list of amounts.
func Sum(amounts ...Money) Money {
	total := Zero
	for _, a := range amounts {
		total = total.Add(a)
	}
	return total
}
