package market

import (
	"fmt"
	"strings"
	"sync"

	"github.com/Rhymond/go-money"
	"github.com/shopspring/decimal"

	"github.com/atmx/paper-broker/internal/model"
)

// BaseCurrency is the ledger currency. Every persisted amount is in USD.
const BaseCurrency = "USD"

// CurrencyConverter converts amounts between ISO 4217 currencies for display.
type CurrencyConverter interface {
	Convert(amount decimal.Decimal, from, to string) (decimal.Decimal, error)
}

// RateTable converts through the base currency using a table of
// units-per-USD rates. Results are rounded to the target currency's minor
// unit (2 digits for USD, 0 for KRW).
type RateTable struct {
	mu    sync.RWMutex
	rates map[string]decimal.Decimal
}

// NewRateTable creates a table from units-per-USD rates. USD is always 1.
func NewRateTable(rates map[string]decimal.Decimal) (*RateTable, error) {
	t := &RateTable{rates: map[string]decimal.Decimal{BaseCurrency: decimal.NewFromInt(1)}}
	for code, r := range rates {
		if err := t.Set(code, r); err != nil {
			return nil, err
		}
	}
	return t, nil
}

// Set replaces the rate for one currency.
func (t *RateTable) Set(code string, unitsPerUSD decimal.Decimal) error {
	cur, err := lookupCurrency(code)
	if err != nil {
		return err
	}
	if !unitsPerUSD.IsPositive() {
		return fmt.Errorf("market: rate for %s must be positive, got %s", cur.Code, unitsPerUSD)
	}
	t.mu.Lock()
	t.rates[cur.Code] = unitsPerUSD
	t.mu.Unlock()
	return nil
}

// Convert converts amount from one currency to another.
func (t *RateTable) Convert(amount decimal.Decimal, from, to string) (decimal.Decimal, error) {
	src, err := lookupCurrency(from)
	if err != nil {
		return decimal.Zero, err
	}
	dst, err := lookupCurrency(to)
	if err != nil {
		return decimal.Zero, err
	}
	if src.Code == dst.Code {
		return amount, nil
	}

	t.mu.RLock()
	fromRate, okFrom := t.rates[src.Code]
	toRate, okTo := t.rates[dst.Code]
	t.mu.RUnlock()
	if !okFrom || !okTo {
		return decimal.Zero, fmt.Errorf("%w: no rate for %s->%s", model.ErrUnsupportedCurrency, src.Code, dst.Code)
	}

	usd := amount.Div(fromRate)
	return usd.Mul(toRate).Round(int32(dst.Fraction)), nil
}

// Format renders amount with the currency's symbol and grouping, e.g.
// "$1,234.50" or "₩1,234,500".
func Format(amount decimal.Decimal, code string) string {
	cur, err := lookupCurrency(code)
	if err != nil {
		return amount.StringFixed(2) + " " + code
	}
	minor := amount.Shift(int32(cur.Fraction)).Round(0)
	return cur.Formatter().Format(minor.IntPart())
}

func lookupCurrency(code string) (*money.Currency, error) {
	cur := money.GetCurrency(strings.ToUpper(strings.TrimSpace(code)))
	if cur == nil {
		return nil, fmt.Errorf("%w: %q", model.ErrUnsupportedCurrency, code)
	}
	return cur, nil
}

var _ CurrencyConverter = (*RateTable)(nil)
