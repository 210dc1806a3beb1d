// Package money provides fixed-point monetary amounts and currency
// conversion. All arithmetic is done on integer minor units; decimal
// values exist only at the gateway and API boundaries.
package money

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
)

// Currency represents an ISO 4217 currency code
type Currency string

const (
	COP Currency = "COP"
	USD Currency = "USD"
	EUR Currency = "EUR"
	GBP Currency = "GBP"
)

// CurrencyInfo contains metadata about a currency
type CurrencyInfo struct {
	Code       Currency
	MinorUnits int // Number of decimal places
	Symbol     string
}

var currencies = map[Currency]CurrencyInfo{
	COP: {Code: COP, MinorUnits: 2, Symbol: "$"},
	USD: {Code: USD, MinorUnits: 2, Symbol: "$"},
	EUR: {Code: EUR, MinorUnits: 2, Symbol: "€"},
	GBP: {Code: GBP, MinorUnits: 2, Symbol: "£"},
}

// GetCurrencyInfo returns info about a currency
func GetCurrencyInfo(c Currency) (CurrencyInfo, bool) {
	info, ok := currencies[c]
	return info, ok
}

// IsRecognized reports whether the currency code is known to the platform.
func IsRecognized(c Currency) bool {
	_, ok := currencies[c]
	return ok
}

// Money represents a monetary amount in minor units (cents/centavos)
type Money struct {
	AmountMinor int64    `json:"amount_minor"`
	Currency    Currency `json:"currency"`
}

// New creates a new Money value from minor units
func New(amountMinor int64, currency Currency) Money {
	return Money{
		AmountMinor: amountMinor,
		Currency:    currency,
	}
}

// NewFromMajor creates Money from major units (e.g., pesos, dollars)
func NewFromMajor(amountMajor float64, currency Currency) Money {
	info, ok := currencies[currency]
	if !ok {
		info = CurrencyInfo{MinorUnits: 2}
	}
	multiplier := math.Pow(10, float64(info.MinorUnits))
	return Money{
		AmountMinor: int64(math.Round(amountMajor * multiplier)),
		Currency:    currency,
	}
}

// Zero returns a zero amount for a currency
func Zero(currency Currency) Money {
	return Money{AmountMinor: 0, Currency: currency}
}

// IsZero returns true if the amount is zero
func (m Money) IsZero() bool {
	return m.AmountMinor == 0
}

// IsPositive returns true if the amount is positive
func (m Money) IsPositive() bool {
	return m.AmountMinor > 0
}

// Add adds two money values (must be same currency)
func (m Money) Add(other Money) (Money, error) {
	if m.Currency != other.Currency {
		return Money{}, fmt.Errorf("currency mismatch: %s vs %s", m.Currency, other.Currency)
	}
	return Money{
		AmountMinor: m.AmountMinor + other.AmountMinor,
		Currency:    m.Currency,
	}, nil
}

// Sub subtracts two money values (must be same currency)
func (m Money) Sub(other Money) (Money, error) {
	if m.Currency != other.Currency {
		return Money{}, fmt.Errorf("currency mismatch: %s vs %s", m.Currency, other.Currency)
	}
	return Money{
		AmountMinor: m.AmountMinor - other.AmountMinor,
		Currency:    m.Currency,
	}, nil
}

// Equal checks equality
func (m Money) Equal(other Money) bool {
	return m.AmountMinor == other.AmountMinor && m.Currency == other.Currency
}

// ToMajor converts to major units as float
func (m Money) ToMajor() float64 {
	info, ok := currencies[m.Currency]
	if !ok {
		info = CurrencyInfo{MinorUnits: 2}
	}
	divisor := math.Pow(10, float64(info.MinorUnits))
	return float64(m.AmountMinor) / divisor
}

// String returns a human-readable representation
func (m Money) String() string {
	info, ok := currencies[m.Currency]
	if !ok {
		return fmt.Sprintf("%d %s (minor)", m.AmountMinor, m.Currency)
	}
	format := fmt.Sprintf("%%s%%.%df %%s", info.MinorUnits)
	return fmt.Sprintf(format, info.Symbol, m.ToMajor(), m.Currency)
}

// MarshalJSON implements json.Marshaler
func (m Money) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		AmountMinor int64  `json:"amount_minor"`
		Currency    string `json:"currency"`
	}{
		AmountMinor: m.AmountMinor,
		Currency:    string(m.Currency),
	})
}

// UnmarshalJSON implements json.Unmarshaler
func (m *Money) UnmarshalJSON(data []byte) error {
	var v struct {
		AmountMinor int64  `json:"amount_minor"`
		Currency    string `json:"currency"`
	}
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	m.AmountMinor = v.AmountMinor
	m.Currency = Currency(v.Currency)
	return nil
}

// RoundToUnit rounds the amount to whole major units using round-half-up.
// Negative amounts round half away from zero; platform amounts are
// non-negative in practice.
func RoundToUnit(m Money) int64 {
	info, ok := currencies[m.Currency]
	if !ok {
		info = CurrencyInfo{MinorUnits: 2}
	}
	pow := int64(1)
	for i := 0; i < info.MinorUnits; i++ {
		pow *= 10
	}
	if m.AmountMinor >= 0 {
		return (m.AmountMinor + pow/2) / pow
	}
	return -((-m.AmountMinor + pow/2) / pow)
}

// RoundHalfUp rounds a fractional value to the nearest integer, half up.
func RoundHalfUp(v float64) int64 {
	return int64(math.Floor(v + 0.5))
}

// ErrUnsupportedCurrency is returned when no conversion rate is configured
// for a currency pair.
var ErrUnsupportedCurrency = errors.New("unsupported currency")

// RateTable maps (from, to) currency pairs to conversion rates expressed in
// major units: 1 major unit of `from` equals rate major units of `to`.
type RateTable map[Currency]map[Currency]float64

// Rate returns the configured rate for a pair.
func (t RateTable) Rate(from, to Currency) (float64, bool) {
	if from == to {
		return 1, true
	}
	m, ok := t[from]
	if !ok {
		return 0, false
	}
	rate, ok := m[to]
	return rate, ok
}

// Converter converts amounts between currencies using an injected rate
// table. The table is refreshed by an external collaborator; the converter
// itself never makes live FX calls.
type Converter struct {
	rates      RateTable
	accounting Currency
}

// NewConverter creates a converter with the given rate table and accounting
// currency.
func NewConverter(accounting Currency, rates RateTable) *Converter {
	return &Converter{rates: rates, accounting: accounting}
}

// AccountingCurrency returns the canonical accounting currency.
func (c *Converter) AccountingCurrency() Currency {
	return c.accounting
}

// Convert converts an amount to the target currency. Identity when the
// currencies match.
func (c *Converter) Convert(m Money, to Currency) (Money, error) {
	if m.Currency == to {
		return m, nil
	}
	rate, ok := c.rates.Rate(m.Currency, to)
	if !ok {
		return Money{}, fmt.Errorf("%w: no rate for %s->%s", ErrUnsupportedCurrency, m.Currency, to)
	}
	return NewFromMajor(m.ToMajor()*rate, to), nil
}

// ToAccounting converts an amount to the accounting currency.
func (c *Converter) ToAccounting(m Money) (Money, error) {
	return c.Convert(m, c.accounting)
}
