// Package store defines the persistence interface for the broker ledger.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache over another Store), and in-memory (for testing and development).
package store

import (
	"context"
	"errors"
	"time"

	"github.com/atmx/paper-broker/internal/model"
)

var (
	// ErrNotFound is returned when a keyed record does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrStateConflict is returned by UpdateOrderState when the order is no
	// longer in the expected state.
	ErrStateConflict = errors.New("store: order state conflict")
)

// Aborted reports whether err is a caller's context ending rather than a
// storage failure. An aborted Update has committed nothing.
func Aborted(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// OrderFilter selects orders in a range scan. Zero fields match everything.
type OrderFilter struct {
	UserID string
	State  model.OrderState
}

// Reader is the read side of the ledger. Reads outside a transaction see
// the last committed state.
type Reader interface {
	// GetAccount returns ErrNotFound when the user is not registered.
	GetAccount(ctx context.Context, userID string) (*model.Account, error)

	// ListAccounts returns every account ordered by user id.
	ListAccounts(ctx context.Context) ([]model.Account, error)

	// GetPosition returns ErrNotFound when the user holds no shares.
	GetPosition(ctx context.Context, userID, symbol string) (*model.Position, error)

	// ListPositions returns a user's positions ordered by symbol.
	ListPositions(ctx context.Context, userID string) ([]model.Position, error)

	GetOrder(ctx context.Context, id int64) (*model.Order, error)

	// ListOrders returns matching orders ordered by id.
	ListOrders(ctx context.Context, filter OrderFilter) ([]model.Order, error)

	// ListTransactions returns a user's trade history, oldest first.
	ListTransactions(ctx context.Context, userID string) ([]model.TransactionRecord, error)
}

// Tx is a unit of work scoped to one user. Reads see the transaction's own
// writes. Writes to records owned by another user are rejected.
type Tx interface {
	GetAccount(ctx context.Context, userID string) (*model.Account, error)
	GetPosition(ctx context.Context, userID, symbol string) (*model.Position, error)
	GetOrder(ctx context.Context, id int64) (*model.Order, error)

	// PutAccount creates or replaces an account.
	PutAccount(ctx context.Context, a *model.Account) error

	// PutPosition creates or replaces a position. Shares must be positive.
	PutPosition(ctx context.Context, p *model.Position) error

	DeletePosition(ctx context.Context, userID, symbol string) error

	// InsertOrder assigns o.ID from a monotonic sequence and stores o.
	InsertOrder(ctx context.Context, o *model.Order) error

	// UpdateOrderState moves an order from one state to another, stamping
	// ClosedAt. It fails with ErrStateConflict if the order is not in from.
	UpdateOrderState(ctx context.Context, id int64, from, to model.OrderState, at time.Time) error

	// AppendTransaction records an executed trade. Records are immutable.
	AppendTransaction(ctx context.Context, r *model.TransactionRecord) error
}

// Store is the persistence interface. Update runs fn atomically: every write
// made through tx is committed together when fn returns nil and discarded
// otherwise. Updates for the same user are serialized; updates for
// different users may run in parallel.
type Store interface {
	Reader
	Update(ctx context.Context, userID string, fn func(tx Tx) error) error
}
