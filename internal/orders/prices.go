package orders

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/atmx/paper-broker/internal/market"
	"github.com/atmx/paper-broker/internal/metrics"
)

type quote struct {
	price decimal.Decimal
	err   error
}

// priceBook memoizes oracle lookups for the duration of one scan, so a
// symbol with many pending orders costs one lookup.
type priceBook struct {
	oracle market.PriceOracle
	quotes map[string]quote
}

func newPriceBook(oracle market.PriceOracle) *priceBook {
	return &priceBook{oracle: oracle, quotes: make(map[string]quote)}
}

func (b *priceBook) get(ctx context.Context, symbol string) (decimal.Decimal, error) {
	if q, ok := b.quotes[symbol]; ok {
		return q.price, q.err
	}
	p, err := b.oracle.PriceOf(ctx, symbol)
	if err != nil {
		metrics.PriceFailures.Inc()
	}
	b.quotes[symbol] = quote{price: p, err: err}
	return p, err
}
