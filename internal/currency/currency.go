package currency

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/shopspring/decimal"
)

// Code is an ISO 4217 alphabetic currency code from the closed set the bank serves.
type Code string

const (
	RUB Code = "RUB"
	USD Code = "USD"
	EUR Code = "EUR"
	CNY Code = "CNY"
	AMD Code = "AMD"
	GEL Code = "GEL"
)

// Base is the currency all cross-currency limits are expressed in.
const Base = RUB

var (
	ErrUnknown     = errors.New("unknown currency")
	ErrRateMissing = errors.New("exchange rate not available")
)

// Info describes one currency: its numeric routing code (embedded into account
// numbers) and display name.
type Info struct {
	Code    Code   `json:"code"`
	Numeric string `json:"numeric"`
	Name    string `json:"name"`
}

var table = map[Code]Info{
	RUB: {Code: RUB, Numeric: "810", Name: "Russian Ruble"},
	USD: {Code: USD, Numeric: "840", Name: "US Dollar"},
	EUR: {Code: EUR, Numeric: "978", Name: "Euro"},
	CNY: {Code: CNY, Numeric: "156", Name: "Chinese Yuan"},
	AMD: {Code: AMD, Numeric: "051", Name: "Armenian Dram"},
	GEL: {Code: GEL, Numeric: "981", Name: "Georgian Lari"},
}

// Parse normalizes and validates a currency code.
func Parse(raw string) (Code, error) {
	c := Code(strings.ToUpper(strings.TrimSpace(raw)))
	if _, ok := table[c]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknown, raw)
	}
	return c, nil
}

// Valid reports whether c belongs to the supported set.
func (c Code) Valid() bool {
	_, ok := table[c]
	return ok
}

// Numeric returns the three-digit numeric code, or "" for unknown currencies.
func (c Code) Numeric() string { return table[c].Numeric }

// Lookup returns the table entry for c.
func Lookup(c Code) (Info, bool) {
	info, ok := table[c]
	return info, ok
}

// All returns every supported currency.
func All() []Info {
	out := make([]Info, 0, len(table))
	for _, c := range []Code{RUB, USD, EUR, CNY, AMD, GEL} {
		out = append(out, table[c])
	}
	return out
}

// Directory resolves the exchange rate of a currency: how many base-currency
// units one unit of the currency is worth.
type Directory interface {
	Rate(ctx context.Context, code Code) (decimal.Decimal, error)
}

// Static is an in-memory Directory. The base currency always has rate 1.
type Static struct {
	mu    sync.RWMutex
	rates map[Code]decimal.Decimal
}

// NewStatic builds a directory from the given rates.
func NewStatic(rates map[Code]decimal.Decimal) *Static {
	s := &Static{rates: make(map[Code]decimal.Decimal, len(rates)+1)}
	for c, r := range rates {
		s.rates[c] = r
	}
	s.rates[Base] = decimal.NewFromInt(1)
	return s
}

// DefaultRates are reference rates used for development and seeding.
func DefaultRates() map[Code]decimal.Decimal {
	return map[Code]decimal.Decimal{
		USD: decimal.RequireFromString("92.50"),
		EUR: decimal.RequireFromString("99.80"),
		CNY: decimal.RequireFromString("12.70"),
		AMD: decimal.RequireFromString("0.24"),
		GEL: decimal.RequireFromString("34.10"),
	}
}

// Set replaces the rate of a currency.
func (s *Static) Set(code Code, rate decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rates[code] = rate
}

func (s *Static) Rate(_ context.Context, code Code) (decimal.Decimal, error) {
	if !code.Valid() {
		return decimal.Zero, fmt.Errorf("%w: %q", ErrUnknown, code)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rates[code]
	if !ok || !r.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrRateMissing, code)
	}
	return r, nil
}

// ToBase converts amount in code to base-currency units.
func ToBase(ctx context.Context, dir Directory, code Code, amount decimal.Decimal) (decimal.Decimal, error) {
	if code == Base {
		return amount, nil
	}
	rate, err := dir.Rate(ctx, code)
	if err != nil {
		return decimal.Zero, err
	}
	return amount.Mul(rate), nil
}
