package model

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"pgregory.net/rapid"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func TestAccountDebit_Insufficient(t *testing.T) {
	a := &Account{CashBalance: d("100")}
	if err := a.Debit(d("100.01")); !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
	if !a.CashBalance.Equal(d("100")) {
		t.Errorf("balance changed on failed debit: %s", a.CashBalance)
	}
}

func TestAccountDebit_ExactBalance(t *testing.T) {
	a := &Account{CashBalance: d("100")}
	if err := a.Debit(d("100")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !a.CashBalance.IsZero() {
		t.Errorf("expected zero balance, got %s", a.CashBalance)
	}
}

func TestAccountCreditDebit_RejectNonPositive(t *testing.T) {
	a := &Account{CashBalance: d("10")}
	for _, amt := range []decimal.Decimal{decimal.Zero, d("-1")} {
		if err := a.Credit(amt); !errors.Is(err, ErrInvalidAmount) {
			t.Errorf("Credit(%s): expected ErrInvalidAmount, got %v", amt, err)
		}
		if err := a.Debit(amt); !errors.Is(err, ErrInvalidAmount) {
			t.Errorf("Debit(%s): expected ErrInvalidAmount, got %v", amt, err)
		}
	}
}

func TestPositionBuy_Blends(t *testing.T) {
	var p Position
	p.Buy(10, d("100"))
	p.Buy(30, d("120"))

	if p.Shares != 40 {
		t.Fatalf("expected 40 shares, got %d", p.Shares)
	}
	// (10*100 + 30*120) / 40 = 115
	if !p.AverageCost.Equal(d("115")) {
		t.Errorf("expected average cost 115, got %s", p.AverageCost)
	}
}

func TestPositionSell_KeepsAverage(t *testing.T) {
	p := Position{Shares: 10, AverageCost: d("50.5")}
	avg, err := p.Sell(4)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !avg.Equal(d("50.5")) || !p.AverageCost.Equal(d("50.5")) {
		t.Errorf("average cost should stay 50.5, got sale=%s remaining=%s", avg, p.AverageCost)
	}
	if p.Shares != 6 {
		t.Errorf("expected 6 shares left, got %d", p.Shares)
	}
	if _, err := p.Sell(7); !errors.Is(err, ErrInsufficientShares) {
		t.Errorf("expected ErrInsufficientShares, got %v", err)
	}
}

func TestOrderMatches(t *testing.T) {
	buy := Order{Side: SideBuy, LimitPrice: d("90")}
	sell := Order{Side: SideSell, LimitPrice: d("90")}

	cases := []struct {
		price     string
		buy, sell bool
	}{
		{"89.99", true, false},
		{"90", true, true},
		{"90.01", false, true},
	}
	for _, c := range cases {
		if got := buy.Matches(d(c.price)); got != c.buy {
			t.Errorf("buy.Matches(%s) = %v, want %v", c.price, got, c.buy)
		}
		if got := sell.Matches(d(c.price)); got != c.sell {
			t.Errorf("sell.Matches(%s) = %v, want %v", c.price, got, c.sell)
		}
	}
}

func TestOrderEscrowAndExpiry(t *testing.T) {
	placed := time.Date(2025, 3, 3, 10, 0, 0, 0, time.UTC)
	o := Order{Side: SideBuy, Shares: 5, LimitPrice: d("90"), PlacedAt: placed}
	if !o.Escrow().Equal(d("450")) {
		t.Errorf("expected escrow 450, got %s", o.Escrow())
	}
	if o.ExpiredAt(placed.Add(24*time.Hour), 24*time.Hour) {
		t.Error("order exactly 24h old should not be expired")
	}
	if !o.ExpiredAt(placed.Add(24*time.Hour+time.Second), 24*time.Hour) {
		t.Error("order older than 24h should be expired")
	}
	o.Side = SideSell
	if !o.Escrow().IsZero() {
		t.Errorf("sell orders reserve nothing, got %s", o.Escrow())
	}
}

func TestCooldownError_IsBonusOnCooldown(t *testing.T) {
	var err error = &CooldownError{Remaining: 90 * time.Minute}
	if !errors.Is(err, ErrBonusOnCooldown) {
		t.Error("CooldownError should match ErrBonusOnCooldown")
	}
}

// Average cost is the volume-weighted mean of the lot: buys blend into it,
// sells shrink the lot without moving its per-share cost. For buy-only
// sequences this is the VWAP of every fill.
func TestProperty_AverageCostIsVWAP(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		var p Position
		notional := decimal.Zero // cost basis of the current lot
		held := int64(0)

		steps := rapid.IntRange(1, 30).Draw(t, "steps")
		for i := 0; i < steps; i++ {
			if p.Shares > 0 && rapid.Bool().Draw(t, "sell") {
				n := rapid.Int64Range(1, p.Shares).Draw(t, "sellShares")
				before := p.AverageCost
				if _, err := p.Sell(n); err != nil {
					t.Fatalf("sell %d of %d: %v", n, p.Shares, err)
				}
				if !p.AverageCost.Equal(before) {
					t.Fatalf("sell changed average cost: %s -> %s", before, p.AverageCost)
				}
				held = p.Shares
				notional = p.AverageCost.Mul(decimal.NewFromInt(held))
				if p.Shares == 0 {
					// A fully sold position is deleted; the next buy opens a new lot.
					p = Position{}
					notional = decimal.Zero
				}
				continue
			}
			n := rapid.Int64Range(1, 1000).Draw(t, "buyShares")
			cents := rapid.Int64Range(1, 1_000_000).Draw(t, "priceCents")
			price := decimal.New(cents, -2)
			p.Buy(n, price)
			notional = notional.Add(price.Mul(decimal.NewFromInt(n)))
			held += n
		}
		if held == 0 {
			return
		}
		if p.Shares != held {
			t.Fatalf("shares %d != expected %d", p.Shares, held)
		}

		vwap := notional.Div(decimal.NewFromInt(held))
		if p.AverageCost.Sub(vwap).Abs().GreaterThan(d("0.000000001")) {
			t.Fatalf("average cost %s != vwap %s", p.AverageCost, vwap)
		}
	})
}

func TestAverageCost_BuyOnlyOrderIndependent(t *testing.T) {
	fills := []struct {
		shares int64
		price  string
	}{{3, "10.10"}, {7, "12.34"}, {11, "9.99"}, {2, "100"}}

	var forward, backward Position
	for _, f := range fills {
		forward.Buy(f.shares, d(f.price))
	}
	for i := len(fills) - 1; i >= 0; i-- {
		backward.Buy(fills[i].shares, d(fills[i].price))
	}
	if forward.AverageCost.Sub(backward.AverageCost).Abs().GreaterThan(d("0.000000001")) {
		t.Errorf("buy order changed average cost: %s vs %s", forward.AverageCost, backward.AverageCost)
	}
}

func TestErrorCode(t *testing.T) {
	wrapped := fmt.Errorf("order 7: %w", ErrOrderNotFound)
	if got := ErrorCode(wrapped); got != "order_not_found" {
		t.Errorf("ErrorCode(wrapped) = %q", got)
	}
	if got := ErrorCode(&CooldownError{Remaining: time.Minute}); got != "bonus_on_cooldown" {
		t.Errorf("ErrorCode(cooldown) = %q", got)
	}
	if IsDomainError(errors.New("connection reset")) {
		t.Error("infrastructure error classified as domain error")
	}
}
