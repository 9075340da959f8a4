package market

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

// CachedOracle wraps a PriceOracle with a short-lived Redis cache so that
// a scan over many orders in the same symbol hits the feed once. Each
// price is a hash at "quote:{symbol}" with fields "price" and "ts".
// Redis errors degrade to the underlying oracle.
type CachedOracle struct {
	primary PriceOracle
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedOracle creates a cached wrapper around a primary oracle.
func NewCachedOracle(primary PriceOracle, rdb *redis.Client, ttl time.Duration) *CachedOracle {
	return &CachedOracle{primary: primary, rdb: rdb, ttl: ttl}
}

func quoteKey(symbol string) string { return "quote:" + symbol }

func (o *CachedOracle) PriceOf(ctx context.Context, symbol string) (decimal.Decimal, error) {
	if p, ok := o.cached(ctx, symbol); ok {
		return p, nil
	}

	p, err := o.primary.PriceOf(ctx, symbol)
	if err != nil {
		return decimal.Zero, err
	}

	key := quoteKey(symbol)
	pipe := o.rdb.TxPipeline()
	pipe.HSet(ctx, key, map[string]interface{}{
		"price": p.String(),
		"ts":    time.Now().UTC().UnixNano(),
	})
	pipe.Expire(ctx, key, o.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		slog.Warn("quote cache write failed", "symbol", symbol, "err", err)
	}
	return p, nil
}

func (o *CachedOracle) cached(ctx context.Context, symbol string) (decimal.Decimal, bool) {
	vals, err := o.rdb.HGetAll(ctx, quoteKey(symbol)).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			slog.Warn("quote cache read failed", "symbol", symbol, "err", err)
		}
		return decimal.Zero, false
	}
	raw, ok := vals["price"]
	if !ok {
		return decimal.Zero, false
	}
	p, err := decimal.NewFromString(raw)
	if err != nil {
		slog.Warn("quote cache holds malformed price", "symbol", symbol, "err", fmt.Errorf("parse %q: %w", raw, err))
		return decimal.Zero, false
	}
	return p, true
}

var _ PriceOracle = (*CachedOracle)(nil)
