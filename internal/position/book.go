// Package position maintains per-user stock holdings and their average cost.
package position

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"github.com/atmx/paper-broker/internal/model"
	"github.com/atmx/paper-broker/internal/store"
)

// Book applies fills to positions. Mutations run inside a caller-owned
// store transaction so they commit together with the matching cash
// movement.
type Book struct {
	store store.Reader
}

// NewBook creates a position book reading from s.
func NewBook(s store.Reader) *Book {
	return &Book{store: s}
}

// ApplyBuy adds shares bought at price, creating the position or blending
// the new lot into its average cost.
func (b *Book) ApplyBuy(ctx context.Context, tx store.Tx, userID, symbol string, shares int64, price decimal.Decimal) (*model.Position, error) {
	if shares <= 0 || !price.IsPositive() {
		return nil, model.ErrInvalidOrderParameters
	}

	p, err := tx.GetPosition(ctx, userID, symbol)
	switch {
	case errors.Is(err, store.ErrNotFound):
		p = &model.Position{UserID: userID, Symbol: symbol}
	case err != nil:
		return nil, err
	}

	p.Buy(shares, price)
	if err := tx.PutPosition(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

// ApplySell removes shares and returns the average cost they were held at,
// along with what remains of the position (nil once it is fully sold and
// deleted). Selling more than is held fails with model.ErrInsufficientShares.
func (b *Book) ApplySell(ctx context.Context, tx store.Tx, userID, symbol string, shares int64) (decimal.Decimal, *model.Position, error) {
	if shares <= 0 {
		return decimal.Zero, nil, model.ErrInvalidOrderParameters
	}

	p, err := tx.GetPosition(ctx, userID, symbol)
	if errors.Is(err, store.ErrNotFound) {
		return decimal.Zero, nil, model.ErrInsufficientShares
	}
	if err != nil {
		return decimal.Zero, nil, err
	}

	avg, err := p.Sell(shares)
	if err != nil {
		return decimal.Zero, nil, err
	}

	if p.Shares == 0 {
		if err := tx.DeletePosition(ctx, userID, symbol); err != nil {
			return decimal.Zero, nil, err
		}
		return avg, nil, nil
	}
	if err := tx.PutPosition(ctx, p); err != nil {
		return decimal.Zero, nil, err
	}
	return avg, p, nil
}

// Held returns the number of shares held inside tx, zero if none.
func (b *Book) Held(ctx context.Context, tx store.Tx, userID, symbol string) (int64, error) {
	p, err := tx.GetPosition(ctx, userID, symbol)
	if errors.Is(err, store.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return p.Shares, nil
}

// Get returns the committed position, or nil if the user holds none.
func (b *Book) Get(ctx context.Context, userID, symbol string) (*model.Position, error) {
	p, err := b.store.GetPosition(ctx, userID, symbol)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	return p, err
}

// List returns the user's committed positions ordered by symbol.
func (b *Book) List(ctx context.Context, userID string) ([]model.Position, error) {
	return b.store.ListPositions(ctx, userID)
}
