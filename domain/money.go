/*
Package domain is the shared kernel of the shift engine.

PURPOSE:
  Holds the small set of types every component agrees on: money in integer
  minor units, the error taxonomy, party references and geo points. It has
  no knowledge of shifts, ledgers or disputes.

KEY CONCEPTS IN THIS FILE (money.go):
  - Currency: ISO 4217 code carried next to every amount
  - Money: an int64 count of minor units (cents, pence) plus its currency
  - Rounding: derived amounts are computed in decimal and rounded once

DESIGN PRINCIPLES:
  1. Integer storage: Money never holds a float
  2. One rounding step: callers compute with decimal.Decimal and convert
     with FromDecimal at the very end of each derived field
  3. Currency travels with the amount, mixing currencies is a caller bug

USAGE:
  rate := domain.NewMoney(1500, "USD")                 // $15.00
  pay := domain.FromDecimal(rate.Decimal().Mul(hours), "USD")
*/
package domain

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// =============================================================================
// CURRENCY
// =============================================================================

type Currency string

// Valid reports whether c looks like an ISO 4217 alphabetic code.
func (c Currency) Valid() bool {
	if len(c) != 3 {
		return false
	}
	for _, r := range string(c) {
		if r < 'A' || r > 'Z' {
			return false
		}
	}
	return true
}

func ParseCurrency(s string) (Currency, error) {
	c := Currency(strings.ToUpper(strings.TrimSpace(s)))
	if !c.Valid() {
		return "", NewValidationError("currency", fmt.Sprintf("%q is not an ISO 4217 code", s))
	}
	return c, nil
}

// =============================================================================
// MONEY
// =============================================================================

type Money struct {
	Minor    int64    `json:"minor"`
	Currency Currency `json:"currency"`
}

func NewMoney(minor int64, currency Currency) Money {
	return Money{Minor: minor, Currency: currency}
}

func Zero(currency Currency) Money { return Money{Currency: currency} }

// FromDecimal rounds a minor-unit decimal half away from zero, which is
// round-half-up for the non-negative amounts pricing produces.
func FromDecimal(d decimal.Decimal, currency Currency) Money {
	return Money{Minor: d.Round(0).IntPart(), Currency: currency}
}

func (m Money) Decimal() decimal.Decimal { return decimal.NewFromInt(m.Minor) }

func (m Money) Add(o Money) Money { return Money{Minor: m.Minor + o.Minor, Currency: m.Currency} }
func (m Money) Sub(o Money) Money { return Money{Minor: m.Minor - o.Minor, Currency: m.Currency} }
func (m Money) Neg() Money        { return Money{Minor: -m.Minor, Currency: m.Currency} }

func (m Money) IsZero() bool              { return m.Minor == 0 }
func (m Money) IsNegative() bool          { return m.Minor < 0 }
func (m Money) IsPositive() bool          { return m.Minor > 0 }
func (m Money) GreaterThan(o Money) bool  { return m.Minor > o.Minor }
func (m Money) LessThan(o Money) bool     { return m.Minor < o.Minor }
func (m Money) SameCurrency(o Money) bool { return m.Currency == o.Currency }

func (m Money) Abs() Money {
	if m.Minor < 0 {
		return m.Neg()
	}
	return m
}

func (m Money) Min(o Money) Money {
	if m.LessThan(o) {
		return m
	}
	return o
}

func (m Money) Max(o Money) Money {
	if m.GreaterThan(o) {
		return m
	}
	return o
}

// MulRate multiplies by a rational factor and rounds once.
func (m Money) MulRate(rate decimal.Decimal) Money {
	return FromDecimal(m.Decimal().Mul(rate), m.Currency)
}

// Split divides m into n shares that sum exactly to m. The remainder of
// the integer division goes to the first shares, one minor unit each.
func (m Money) Split(n int) []Money {
	if n <= 0 {
		return nil
	}
	shares := make([]Money, n)
	base := m.Minor / int64(n)
	rem := m.Minor % int64(n)
	for i := range shares {
		shares[i] = Money{Minor: base, Currency: m.Currency}
		if int64(i) < rem {
			shares[i].Minor++
		}
	}
	return shares
}

func (m Money) String() string {
	return fmt.Sprintf("%s %s", decimal.New(m.Minor, -2).StringFixed(2), m.Currency)
}
