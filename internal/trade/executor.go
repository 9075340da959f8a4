// Package trade executes market orders against the current market price.
//
// All monetary values use shopspring/decimal, never float64 for money.
package trade

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/paper-broker/internal/account"
	"github.com/atmx/paper-broker/internal/market"
	"github.com/atmx/paper-broker/internal/metrics"
	"github.com/atmx/paper-broker/internal/model"
	"github.com/atmx/paper-broker/internal/position"
	"github.com/atmx/paper-broker/internal/store"
)

// DefaultFeeRate is the commission charged on sale proceeds.
var DefaultFeeRate = decimal.RequireFromString("0.001")

var hundred = decimal.NewFromInt(100)

// Execution is the outcome of a market order.
type Execution struct {
	Transaction    model.TransactionRecord `json:"transaction"`
	Cash           decimal.Decimal         `json:"cash_balance"`       // balance after the trade
	Position       *model.Position         `json:"position,omitempty"` // nil once fully sold
	Gross          decimal.Decimal         `json:"gross"`              // shares * price
	Fee            decimal.Decimal         `json:"fee"`
	Net            decimal.Decimal         `json:"net"` // cash moved
	RealizedProfit decimal.Decimal         `json:"realized_profit"`
	ProfitRate     decimal.Decimal         `json:"profit_rate"` // percent of cost basis sold
}

// Executor runs market buys and sells. Cash, position and the transaction
// record of one trade are committed in a single store transaction.
type Executor struct {
	store   store.Store
	book    *position.Book
	oracle  market.PriceOracle
	gate    market.Gate
	feeRate decimal.Decimal
	now     func() time.Time
}

// NewExecutor creates an executor. A zero feeRate takes DefaultFeeRate.
func NewExecutor(st store.Store, oracle market.PriceOracle, gate market.Gate, feeRate decimal.Decimal) *Executor {
	if feeRate.IsZero() {
		feeRate = DefaultFeeRate
	}
	return &Executor{
		store:   st,
		book:    position.NewBook(st),
		oracle:  oracle,
		gate:    gate,
		feeRate: feeRate,
		now:     time.Now,
	}
}

// SetClock replaces the time source. Used by tests.
func (e *Executor) SetClock(now func() time.Time) { e.now = now }

// FeeRate returns the commission rate applied to sales.
func (e *Executor) FeeRate() decimal.Decimal { return e.feeRate }

// MarketBuy buys shares at the current price. Buys carry no fee.
func (e *Executor) MarketBuy(ctx context.Context, userID, symbol string, shares int64) (*Execution, error) {
	start := time.Now()
	sym, price, err := e.prepare(ctx, symbol, shares)
	if err != nil {
		return nil, e.fail("market_buy", userID, symbol, shares, decimal.Zero, err)
	}

	cost := price.Mul(decimal.NewFromInt(shares))
	rec := e.record(userID, sym, shares, price, model.SideBuy, decimal.Zero)

	exec := &Execution{Gross: cost, Fee: decimal.Zero, Net: cost}
	ctx = context.WithoutCancel(ctx)
	err = e.store.Update(ctx, userID, func(tx store.Tx) error {
		acct, err := account.Debit(ctx, tx, userID, cost)
		if err != nil {
			return err
		}
		pos, err := e.book.ApplyBuy(ctx, tx, userID, sym, shares, price)
		if err != nil {
			return err
		}
		if err := tx.AppendTransaction(ctx, &rec); err != nil {
			return err
		}
		exec.Cash = acct.CashBalance
		exec.Position = pos
		return nil
	})
	if err != nil {
		return nil, e.fail("market_buy", userID, sym, shares, price, err)
	}
	exec.Transaction = rec

	metrics.TradesTotal.WithLabelValues(string(model.SideBuy), "market").Inc()
	metrics.TradeVolume.WithLabelValues(sym, string(model.SideBuy)).Add(float64(shares))
	metrics.TradeLatency.WithLabelValues(string(model.SideBuy)).Observe(time.Since(start).Seconds())

	slog.Info("market buy executed",
		"trade_id", rec.ID,
		"user", userID,
		"symbol", sym,
		"shares", shares,
		"price", price.String(),
		"cost", cost.String(),
		"cash", exec.Cash.String(),
	)
	return exec, nil
}

// MarketSell sells shares at the current price. The fee is taken from the
// proceeds: net = shares * price * (1 - feeRate).
func (e *Executor) MarketSell(ctx context.Context, userID, symbol string, shares int64) (*Execution, error) {
	start := time.Now()
	sym, price, err := e.prepare(ctx, symbol, shares)
	if err != nil {
		return nil, e.fail("market_sell", userID, symbol, shares, decimal.Zero, err)
	}

	gross, fee, net := SaleProceeds(price, shares, e.feeRate)
	rec := e.record(userID, sym, shares, price, model.SideSell, fee)

	exec := &Execution{Gross: gross, Fee: fee, Net: net}
	ctx = context.WithoutCancel(ctx)
	err = e.store.Update(ctx, userID, func(tx store.Tx) error {
		avg, pos, err := e.book.ApplySell(ctx, tx, userID, sym, shares)
		if err != nil {
			return err
		}
		acct, err := account.Credit(ctx, tx, userID, net)
		if err != nil {
			return err
		}
		if err := tx.AppendTransaction(ctx, &rec); err != nil {
			return err
		}
		basis := avg.Mul(decimal.NewFromInt(shares))
		exec.Cash = acct.CashBalance
		exec.Position = pos
		exec.RealizedProfit = net.Sub(basis)
		if basis.IsPositive() {
			exec.ProfitRate = exec.RealizedProfit.Div(basis).Mul(hundred).Round(2)
		}
		return nil
	})
	if err != nil {
		return nil, e.fail("market_sell", userID, sym, shares, price, err)
	}
	exec.Transaction = rec

	metrics.TradesTotal.WithLabelValues(string(model.SideSell), "market").Inc()
	metrics.TradeVolume.WithLabelValues(sym, string(model.SideSell)).Add(float64(shares))
	metrics.TradeLatency.WithLabelValues(string(model.SideSell)).Observe(time.Since(start).Seconds())

	slog.Info("market sell executed",
		"trade_id", rec.ID,
		"user", userID,
		"symbol", sym,
		"shares", shares,
		"price", price.String(),
		"net", net.String(),
		"fee", fee.String(),
		"realized", exec.RealizedProfit.String(),
	)
	return exec, nil
}

// SaleProceeds splits a sale into gross, fee and net amounts.
func SaleProceeds(price decimal.Decimal, shares int64, feeRate decimal.Decimal) (gross, fee, net decimal.Decimal) {
	gross = price.Mul(decimal.NewFromInt(shares))
	net = gross.Mul(decimal.NewFromInt(1).Sub(feeRate))
	return gross, gross.Sub(net), net
}

// prepare runs the checks shared by both sides: market open, valid
// parameters, and a resolvable price.
func (e *Executor) prepare(ctx context.Context, symbol string, shares int64) (string, decimal.Decimal, error) {
	if !e.gate.IsOpen(e.now()) {
		return "", decimal.Zero, model.ErrMarketClosed
	}
	if shares <= 0 {
		return "", decimal.Zero, model.ErrInvalidOrderParameters
	}
	sym, err := market.ParseSymbol(symbol)
	if err != nil {
		return "", decimal.Zero, err
	}
	price, err := e.oracle.PriceOf(ctx, sym)
	if err != nil {
		metrics.PriceFailures.Inc()
		return "", decimal.Zero, err
	}
	return sym, price, nil
}

func (e *Executor) record(userID, symbol string, shares int64, price decimal.Decimal, side model.Side, fee decimal.Decimal) model.TransactionRecord {
	return model.TransactionRecord{
		ID:        uuid.New().String(),
		UserID:    userID,
		Symbol:    symbol,
		Shares:    shares,
		Price:     price,
		Side:      side,
		Fee:       fee,
		Timestamp: e.now().UTC(),
	}
}

// fail counts and logs a failed trade. Domain rejections are routine and a
// caller's context ending is an abort; anything else is a ledger fault and
// is logged with the full trade context.
func (e *Executor) fail(op, userID, symbol string, shares int64, price decimal.Decimal, err error) error {
	if code := model.ErrorCode(err); code != "" {
		metrics.Rejections.WithLabelValues(op, code).Inc()
		slog.Debug("trade rejected", "op", op, "user", userID, "symbol", symbol, "shares", shares, "reason", code)
		return err
	}
	if store.Aborted(err) {
		slog.Warn("trade aborted", "op", op, "user", userID, "symbol", symbol, "shares", shares, "err", err)
		return err
	}
	metrics.LedgerFaults.WithLabelValues(op).Inc()
	slog.Error("ledger fault",
		"op", op,
		"user", userID,
		"symbol", symbol,
		"shares", shares,
		"price", price.String(),
		"err", err,
	)
	return err
}
