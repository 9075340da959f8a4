package account

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/paper-broker/internal/model"
	"github.com/atmx/paper-broker/internal/store"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func newTestManager(t *testing.T) (*Manager, *clock) {
	t.Helper()
	c := &clock{t: time.Date(2025, 3, 4, 15, 0, 0, 0, time.UTC)}
	m := NewManager(store.NewMemoryStore(), Config{})
	m.SetClock(c.now)
	return m, c
}

func TestRegister(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	a, err := m.Register(ctx, "alice")
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if !a.CashBalance.Equal(d("1000")) || !a.InitialDeposit.Equal(d("1000")) {
		t.Errorf("expected 1000 starting balance, got cash=%s deposit=%s", a.CashBalance, a.InitialDeposit)
	}
	if !a.TotalBonusReceived.IsZero() || a.LastBonusAt != nil {
		t.Errorf("fresh account should have no bonus history: %+v", a)
	}
}

func TestRegister_Twice(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	if _, err := m.Register(ctx, "alice"); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if _, err := m.Debit(ctx, "alice", d("250")); err != nil {
		t.Fatalf("Debit: %v", err)
	}
	if _, err := m.Register(ctx, "alice"); !errors.Is(err, model.ErrAlreadyRegistered) {
		t.Fatalf("expected ErrAlreadyRegistered, got %v", err)
	}

	a, _ := m.Get(ctx, "alice")
	if !a.CashBalance.Equal(d("750")) {
		t.Errorf("second registration reset the balance: %s", a.CashBalance)
	}
}

func TestRegister_EmptyUser(t *testing.T) {
	m, _ := newTestManager(t)
	if _, err := m.Register(context.Background(), ""); !errors.Is(err, model.ErrInvalidUserID) {
		t.Errorf("expected ErrInvalidUserID, got %v", err)
	}
}

func TestCreditDebit(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	if _, err := m.Register(ctx, "alice"); err != nil {
		t.Fatalf("Register: %v", err)
	}

	if a, err := m.Credit(ctx, "alice", d("12.34")); err != nil || !a.CashBalance.Equal(d("1012.34")) {
		t.Fatalf("Credit = %+v, %v", a, err)
	}
	if _, err := m.Debit(ctx, "alice", d("1012.35")); !errors.Is(err, model.ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
	a, _ := m.Get(ctx, "alice")
	if !a.CashBalance.Equal(d("1012.34")) {
		t.Errorf("failed debit mutated balance: %s", a.CashBalance)
	}
	if a, err := m.Debit(ctx, "alice", d("1012.34")); err != nil || !a.CashBalance.IsZero() {
		t.Errorf("Debit to zero = %+v, %v", a, err)
	}
	if _, err := m.Credit(ctx, "alice", d("-5")); !errors.Is(err, model.ErrInvalidAmount) {
		t.Errorf("expected ErrInvalidAmount, got %v", err)
	}
}

func TestUnregistered(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	if _, err := m.Get(ctx, "ghost"); !errors.Is(err, model.ErrNotRegistered) {
		t.Errorf("Get: expected ErrNotRegistered, got %v", err)
	}
	if _, err := m.Credit(ctx, "ghost", d("1")); !errors.Is(err, model.ErrNotRegistered) {
		t.Errorf("Credit: expected ErrNotRegistered, got %v", err)
	}
	if _, err := m.Debit(ctx, "ghost", d("1")); !errors.Is(err, model.ErrNotRegistered) {
		t.Errorf("Debit: expected ErrNotRegistered, got %v", err)
	}
	if _, err := m.ClaimBonus(ctx, "ghost"); !errors.Is(err, model.ErrNotRegistered) {
		t.Errorf("ClaimBonus: expected ErrNotRegistered, got %v", err)
	}
}

func TestClaimBonus_Cooldown(t *testing.T) {
	m, c := newTestManager(t)
	ctx := context.Background()
	if _, err := m.Register(ctx, "alice"); err != nil {
		t.Fatalf("Register: %v", err)
	}

	a, err := m.ClaimBonus(ctx, "alice")
	if err != nil {
		t.Fatalf("first claim: %v", err)
	}
	if !a.CashBalance.Equal(d("1100")) || !a.TotalBonusReceived.Equal(d("100")) {
		t.Errorf("after first claim: cash=%s bonus=%s", a.CashBalance, a.TotalBonusReceived)
	}

	c.t = c.t.Add(23 * time.Hour)
	_, err = m.ClaimBonus(ctx, "alice")
	if !errors.Is(err, model.ErrBonusOnCooldown) {
		t.Fatalf("expected ErrBonusOnCooldown, got %v", err)
	}
	var cd *model.CooldownError
	if !errors.As(err, &cd) || cd.Remaining != time.Hour {
		t.Errorf("expected 1h remaining, got %v", err)
	}
	a, _ = m.Get(ctx, "alice")
	if !a.CashBalance.Equal(d("1100")) {
		t.Errorf("rejected claim changed balance: %s", a.CashBalance)
	}

	c.t = c.t.Add(time.Hour)
	a, err = m.ClaimBonus(ctx, "alice")
	if err != nil {
		t.Fatalf("claim at exactly 24h: %v", err)
	}
	if !a.CashBalance.Equal(d("1200")) || !a.TotalBonusReceived.Equal(d("200")) {
		t.Errorf("after second claim: cash=%s bonus=%s", a.CashBalance, a.TotalBonusReceived)
	}
	if !a.LastBonusAt.Equal(c.t) {
		t.Errorf("LastBonusAt = %s, want %s", a.LastBonusAt, c.t)
	}
}

func TestConfigOverrides(t *testing.T) {
	m := NewManager(store.NewMemoryStore(), Config{StartingBalance: d("5000"), BonusAmount: d("1")})
	a, err := m.Register(context.Background(), "alice")
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if !a.CashBalance.Equal(d("5000")) {
		t.Errorf("expected configured starting balance, got %s", a.CashBalance)
	}
	a, _ = m.ClaimBonus(context.Background(), "alice")
	if !a.CashBalance.Equal(d("5001")) {
		t.Errorf("expected configured bonus, got %s", a.CashBalance)
	}
}
