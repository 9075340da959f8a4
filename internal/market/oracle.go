package market

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/paper-broker/internal/model"
)

// PriceOracle supplies the most recent trade or close price for a symbol.
// Every failure (unknown symbol, feed down, malformed data) is reported as
// an error wrapping model.ErrPriceUnavailable.
type PriceOracle interface {
	PriceOf(ctx context.Context, symbol string) (decimal.Decimal, error)
}

// StaticOracle serves prices from an in-memory table. Used in development
// mode and tests.
type StaticOracle struct {
	mu     sync.RWMutex
	prices map[string]decimal.Decimal
}

// NewStaticOracle creates an oracle seeded with the given prices.
func NewStaticOracle(prices map[string]decimal.Decimal) *StaticOracle {
	o := &StaticOracle{prices: make(map[string]decimal.Decimal, len(prices))}
	for sym, p := range prices {
		o.prices[sym] = p
	}
	return o
}

// Set updates the price of a symbol.
func (o *StaticOracle) Set(symbol string, price decimal.Decimal) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.prices[symbol] = price
}

// Remove makes a symbol unavailable.
func (o *StaticOracle) Remove(symbol string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.prices, symbol)
}

func (o *StaticOracle) PriceOf(_ context.Context, symbol string) (decimal.Decimal, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()

	p, ok := o.prices[symbol]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: %s", model.ErrPriceUnavailable, symbol)
	}
	return p, nil
}

// HTTPOracle reads quotes from a JSON price feed. The feed is queried at
// {baseURL}/{symbol} and must answer {"symbol": "...", "price": "123.45"}.
type HTTPOracle struct {
	baseURL string
	client  *http.Client
}

// NewHTTPOracle creates an oracle for the given feed. The client timeout
// bounds how long a stalled feed can hold up a caller.
func NewHTTPOracle(baseURL string, timeout time.Duration) *HTTPOracle {
	return &HTTPOracle{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

type quoteResponse struct {
	Symbol string          `json:"symbol"`
	Price  decimal.Decimal `json:"price"`
}

func (o *HTTPOracle) PriceOf(ctx context.Context, symbol string) (decimal.Decimal, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, o.baseURL+"/"+url.PathEscape(symbol), nil)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %s: create request: %v", model.ErrPriceUnavailable, symbol, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := o.client.Do(req)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %s: %v", model.ErrPriceUnavailable, symbol, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return decimal.Zero, fmt.Errorf("%w: %s: feed status %d: %s",
			model.ErrPriceUnavailable, symbol, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var q quoteResponse
	if err := json.NewDecoder(resp.Body).Decode(&q); err != nil {
		return decimal.Zero, fmt.Errorf("%w: %s: decode quote: %v", model.ErrPriceUnavailable, symbol, err)
	}
	if !q.Price.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: %s: non-positive price %s", model.ErrPriceUnavailable, symbol, q.Price)
	}
	return q.Price, nil
}

// Compile-time interface checks.
var (
	_ PriceOracle = (*StaticOracle)(nil)
	_ PriceOracle = (*HTTPOracle)(nil)
)
