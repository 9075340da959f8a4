// Package account manages user cash ledgers: registration, credits and
// debits, and the periodic bonus. Writes are not interrupted by the
// caller's context once they have started.
package account

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/paper-broker/internal/metrics"
	"github.com/atmx/paper-broker/internal/model"
	"github.com/atmx/paper-broker/internal/store"
)

// Defaults used when Config fields are zero.
var (
	DefaultStartingBalance = decimal.NewFromInt(1000)
	DefaultBonusAmount     = decimal.NewFromInt(100)
)

const DefaultBonusCooldown = 24 * time.Hour

// Config holds the account policy.
type Config struct {
	StartingBalance decimal.Decimal
	BonusAmount     decimal.Decimal
	BonusCooldown   time.Duration
}

// Manager owns account lifecycle operations. Each operation runs in its own
// store transaction.
type Manager struct {
	store store.Store
	cfg   Config
	now   func() time.Time
}

// NewManager creates a manager over s. Zero config fields take defaults.
func NewManager(s store.Store, cfg Config) *Manager {
	if cfg.StartingBalance.IsZero() {
		cfg.StartingBalance = DefaultStartingBalance
	}
	if cfg.BonusAmount.IsZero() {
		cfg.BonusAmount = DefaultBonusAmount
	}
	if cfg.BonusCooldown == 0 {
		cfg.BonusCooldown = DefaultBonusCooldown
	}
	return &Manager{store: s, cfg: cfg, now: time.Now}
}

// SetClock replaces the time source. Used by tests.
func (m *Manager) SetClock(now func() time.Time) { m.now = now }

// Register opens an account funded with the starting balance.
func (m *Manager) Register(ctx context.Context, userID string) (*model.Account, error) {
	if userID == "" {
		return nil, model.ErrInvalidUserID
	}

	ctx = context.WithoutCancel(ctx)
	var acct *model.Account
	err := m.store.Update(ctx, userID, func(tx store.Tx) error {
		_, err := tx.GetAccount(ctx, userID)
		switch {
		case err == nil:
			return model.ErrAlreadyRegistered
		case !errors.Is(err, store.ErrNotFound):
			return err
		}

		acct = &model.Account{
			UserID:             userID,
			CashBalance:        m.cfg.StartingBalance,
			InitialDeposit:     m.cfg.StartingBalance,
			TotalBonusReceived: decimal.Zero,
			CreatedAt:          m.now().UTC(),
		}
		return tx.PutAccount(ctx, acct)
	})
	if err != nil {
		return nil, err
	}

	slog.Info("account registered", "user", userID, "balance", acct.CashBalance.String())
	return acct, nil
}

// Get returns the account or model.ErrNotRegistered.
func (m *Manager) Get(ctx context.Context, userID string) (*model.Account, error) {
	a, err := m.store.GetAccount(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, model.ErrNotRegistered
	}
	return a, err
}

// Credit adds amount to the user's cash balance.
func (m *Manager) Credit(ctx context.Context, userID string, amount decimal.Decimal) (*model.Account, error) {
	ctx = context.WithoutCancel(ctx)
	var acct *model.Account
	err := m.store.Update(ctx, userID, func(tx store.Tx) error {
		var err error
		acct, err = Credit(ctx, tx, userID, amount)
		return err
	})
	if err != nil {
		return nil, err
	}
	return acct, nil
}

// Debit removes amount from the user's cash balance. It fails with
// model.ErrInsufficientFunds, leaving the balance unchanged, when the
// balance cannot cover it.
func (m *Manager) Debit(ctx context.Context, userID string, amount decimal.Decimal) (*model.Account, error) {
	ctx = context.WithoutCancel(ctx)
	var acct *model.Account
	err := m.store.Update(ctx, userID, func(tx store.Tx) error {
		var err error
		acct, err = Debit(ctx, tx, userID, amount)
		return err
	})
	if err != nil {
		return nil, err
	}
	return acct, nil
}

// ClaimBonus credits the bonus amount if the cooldown has elapsed since the
// last claim. Early claims fail with a *model.CooldownError.
func (m *Manager) ClaimBonus(ctx context.Context, userID string) (*model.Account, error) {
	now := m.now().UTC()

	ctx = context.WithoutCancel(ctx)
	var acct *model.Account
	err := m.store.Update(ctx, userID, func(tx store.Tx) error {
		a, err := load(ctx, tx, userID)
		if err != nil {
			return err
		}
		if a.LastBonusAt != nil {
			next := a.LastBonusAt.Add(m.cfg.BonusCooldown)
			if now.Before(next) {
				return &model.CooldownError{Remaining: next.Sub(now)}
			}
		}

		if err := a.Credit(m.cfg.BonusAmount); err != nil {
			return err
		}
		a.TotalBonusReceived = a.TotalBonusReceived.Add(m.cfg.BonusAmount)
		a.LastBonusAt = &now
		if err := tx.PutAccount(ctx, a); err != nil {
			return err
		}
		acct = a
		return nil
	})
	if err != nil {
		return nil, err
	}

	metrics.BonusClaims.Inc()
	slog.Info("bonus claimed", "user", userID, "amount", m.cfg.BonusAmount.String(), "balance", acct.CashBalance.String())
	return acct, nil
}

// Credit adds amount to the account inside tx.
func Credit(ctx context.Context, tx store.Tx, userID string, amount decimal.Decimal) (*model.Account, error) {
	a, err := load(ctx, tx, userID)
	if err != nil {
		return nil, err
	}
	if err := a.Credit(amount); err != nil {
		return nil, err
	}
	if err := tx.PutAccount(ctx, a); err != nil {
		return nil, err
	}
	return a, nil
}

// Debit removes amount from the account inside tx.
func Debit(ctx context.Context, tx store.Tx, userID string, amount decimal.Decimal) (*model.Account, error) {
	a, err := load(ctx, tx, userID)
	if err != nil {
		return nil, err
	}
	if err := a.Debit(amount); err != nil {
		return nil, err
	}
	if err := tx.PutAccount(ctx, a); err != nil {
		return nil, err
	}
	return a, nil
}

func load(ctx context.Context, tx store.Tx, userID string) (*model.Account, error) {
	a, err := tx.GetAccount(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, model.ErrNotRegistered
	}
	return a, err
}
