package store

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/atmx/paper-broker/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
// Update takes a transaction-scoped advisory lock on the user id, which
// serializes one user's mutations without blocking other users.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Migrate applies the embedded SQL files in lexicographic order, tracking
// applied files in schema_migrations.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	const createTracker = `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			filename   TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);`
	if _, err := s.pool.Exec(ctx, createTracker); err != nil {
		return fmt.Errorf("postgres: create schema_migrations: %w", err)
	}

	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("postgres: read migrations: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".sql") {
			continue
		}

		var applied bool
		if err := s.pool.QueryRow(ctx,
			"SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE filename = $1)", name,
		).Scan(&applied); err != nil {
			return fmt.Errorf("postgres: check migration %s: %w", name, err)
		}
		if applied {
			continue
		}

		data, err := migrationsFS.ReadFile("migrations/" + name)
		if err != nil {
			return fmt.Errorf("postgres: read migration %s: %w", name, err)
		}
		err = pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
			if _, err := tx.Exec(ctx, string(data)); err != nil {
				return err
			}
			_, err := tx.Exec(ctx, "INSERT INTO schema_migrations (filename) VALUES ($1)", name)
			return err
		})
		if err != nil {
			return fmt.Errorf("postgres: apply migration %s: %w", name, err)
		}
	}
	return nil
}

// Update runs fn in one SQL transaction holding the user's advisory lock.
// A cancelled ctx stops Update from starting; once begun it runs to commit
// or rollback regardless of ctx.
func (s *PostgresStore) Update(ctx context.Context, userID string, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	ctx = context.WithoutCancel(ctx)

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock(hashtext($1))", userID); err != nil {
		return fmt.Errorf("postgres: lock %s: %w", userID, err)
	}

	if err := fn(&pgTx{tx: tx, userID: userID}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: commit: %w", err)
	}
	return nil
}

// --- Reads ---

func (s *PostgresStore) GetAccount(ctx context.Context, userID string) (*model.Account, error) {
	return getAccount(ctx, s.pool, userID)
}

func (s *PostgresStore) ListAccounts(ctx context.Context) ([]model.Account, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT user_id, cash_balance::TEXT, initial_deposit::TEXT, total_bonus::TEXT, last_bonus_at, created_at
		 FROM accounts ORDER BY user_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var accounts []model.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, *a)
	}
	return accounts, rows.Err()
}

func (s *PostgresStore) GetPosition(ctx context.Context, userID, symbol string) (*model.Position, error) {
	return getPosition(ctx, s.pool, userID, symbol)
}

func (s *PostgresStore) ListPositions(ctx context.Context, userID string) ([]model.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT user_id, symbol, shares, average_cost::TEXT
		 FROM positions WHERE user_id = $1 ORDER BY symbol`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var positions []model.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		positions = append(positions, *p)
	}
	return positions, rows.Err()
}

func (s *PostgresStore) GetOrder(ctx context.Context, id int64) (*model.Order, error) {
	return getOrder(ctx, s.pool, id)
}

func (s *PostgresStore) ListOrders(ctx context.Context, filter OrderFilter) ([]model.Order, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+orderColumns+` FROM orders
		 WHERE ($1 = '' OR user_id = $1) AND ($2 = '' OR state = $2)
		 ORDER BY id`, filter.UserID, string(filter.State))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var orders []model.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, *o)
	}
	return orders, rows.Err()
}

func (s *PostgresStore) ListTransactions(ctx context.Context, userID string) ([]model.TransactionRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, symbol, shares, price::TEXT, side, fee::TEXT, order_id, timestamp
		 FROM transactions WHERE user_id = $1 ORDER BY timestamp, id`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []model.TransactionRecord
	for rows.Next() {
		var r model.TransactionRecord
		var side, priceS, feeS string
		if err := rows.Scan(&r.ID, &r.UserID, &r.Symbol, &r.Shares, &priceS, &side, &feeS, &r.OrderID, &r.Timestamp); err != nil {
			return nil, err
		}
		r.Side = model.Side(side)
		if r.Price, err = decimal.NewFromString(priceS); err != nil {
			return nil, fmt.Errorf("postgres: transaction %s price: %w", r.ID, err)
		}
		if r.Fee, err = decimal.NewFromString(feeS); err != nil {
			return nil, fmt.Errorf("postgres: transaction %s fee: %w", r.ID, err)
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// --- Transaction ---

type pgTx struct {
	tx     pgx.Tx
	userID string
}

func (t *pgTx) owns(userID string) error {
	if userID != t.userID {
		return fmt.Errorf("store: write for %s inside transaction for %s", userID, t.userID)
	}
	return nil
}

func (t *pgTx) GetAccount(ctx context.Context, userID string) (*model.Account, error) {
	return getAccount(ctx, t.tx, userID)
}

func (t *pgTx) GetPosition(ctx context.Context, userID, symbol string) (*model.Position, error) {
	return getPosition(ctx, t.tx, userID, symbol)
}

func (t *pgTx) GetOrder(ctx context.Context, id int64) (*model.Order, error) {
	return getOrder(ctx, t.tx, id)
}

func (t *pgTx) PutAccount(ctx context.Context, a *model.Account) error {
	if err := t.owns(a.UserID); err != nil {
		return err
	}
	_, err := t.tx.Exec(ctx,
		`INSERT INTO accounts (user_id, cash_balance, initial_deposit, total_bonus, last_bonus_at, created_at)
		 VALUES ($1, $2::NUMERIC, $3::NUMERIC, $4::NUMERIC, $5, $6)
		 ON CONFLICT (user_id) DO UPDATE
		 SET cash_balance = EXCLUDED.cash_balance,
		     total_bonus = EXCLUDED.total_bonus,
		     last_bonus_at = EXCLUDED.last_bonus_at`,
		a.UserID, a.CashBalance.String(), a.InitialDeposit.String(), a.TotalBonusReceived.String(),
		a.LastBonusAt, a.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: put account %s: %w", a.UserID, err)
	}
	return nil
}

func (t *pgTx) PutPosition(ctx context.Context, p *model.Position) error {
	if err := t.owns(p.UserID); err != nil {
		return err
	}
	_, err := t.tx.Exec(ctx,
		`INSERT INTO positions (user_id, symbol, shares, average_cost)
		 VALUES ($1, $2, $3, $4::NUMERIC)
		 ON CONFLICT (user_id, symbol) DO UPDATE
		 SET shares = EXCLUDED.shares, average_cost = EXCLUDED.average_cost`,
		p.UserID, p.Symbol, p.Shares, p.AverageCost.String(),
	)
	if err != nil {
		return fmt.Errorf("postgres: put position %s/%s: %w", p.UserID, p.Symbol, err)
	}
	return nil
}

func (t *pgTx) DeletePosition(ctx context.Context, userID, symbol string) error {
	if err := t.owns(userID); err != nil {
		return err
	}
	_, err := t.tx.Exec(ctx, `DELETE FROM positions WHERE user_id = $1 AND symbol = $2`, userID, symbol)
	if err != nil {
		return fmt.Errorf("postgres: delete position %s/%s: %w", userID, symbol, err)
	}
	return nil
}

func (t *pgTx) InsertOrder(ctx context.Context, o *model.Order) error {
	if err := t.owns(o.UserID); err != nil {
		return err
	}
	err := t.tx.QueryRow(ctx,
		`INSERT INTO orders (user_id, symbol, shares, limit_price, side, state, placed_at)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5, $6, $7)
		 RETURNING id`,
		o.UserID, o.Symbol, o.Shares, o.LimitPrice.String(), string(o.Side), string(o.State), o.PlacedAt,
	).Scan(&o.ID)
	if err != nil {
		return fmt.Errorf("postgres: insert order: %w", err)
	}
	return nil
}

func (t *pgTx) UpdateOrderState(ctx context.Context, id int64, from, to model.OrderState, at time.Time) error {
	tag, err := t.tx.Exec(ctx,
		`UPDATE orders SET state = $3, closed_at = $4
		 WHERE id = $1 AND state = $2 AND user_id = $5`,
		id, string(from), string(to), at, t.userID,
	)
	if err != nil {
		return fmt.Errorf("postgres: update order %d: %w", id, err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	o, err := getOrder(ctx, t.tx, id)
	if err != nil {
		return err
	}
	if err := t.owns(o.UserID); err != nil {
		return err
	}
	return fmt.Errorf("order %d is %s, not %s: %w", id, o.State, from, ErrStateConflict)
}

func (t *pgTx) AppendTransaction(ctx context.Context, r *model.TransactionRecord) error {
	if err := t.owns(r.UserID); err != nil {
		return err
	}
	_, err := t.tx.Exec(ctx,
		`INSERT INTO transactions (id, user_id, symbol, shares, price, side, fee, order_id, timestamp)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6, $7::NUMERIC, $8, $9)`,
		r.ID, r.UserID, r.Symbol, r.Shares, r.Price.String(), string(r.Side), r.Fee.String(), r.OrderID, r.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("postgres: append transaction: %w", err)
	}
	return nil
}

// --- Row helpers ---

const orderColumns = `id, user_id, symbol, shares, limit_price::TEXT, side, state, placed_at, closed_at`

func getAccount(ctx context.Context, q querier, userID string) (*model.Account, error) {
	row := q.QueryRow(ctx,
		`SELECT user_id, cash_balance::TEXT, initial_deposit::TEXT, total_bonus::TEXT, last_bonus_at, created_at
		 FROM accounts WHERE user_id = $1`, userID)
	a, err := scanAccount(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("account %s: %w", userID, ErrNotFound)
	}
	return a, err
}

func getPosition(ctx context.Context, q querier, userID, symbol string) (*model.Position, error) {
	row := q.QueryRow(ctx,
		`SELECT user_id, symbol, shares, average_cost::TEXT
		 FROM positions WHERE user_id = $1 AND symbol = $2`, userID, symbol)
	p, err := scanPosition(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("position %s/%s: %w", userID, symbol, ErrNotFound)
	}
	return p, err
}

func getOrder(ctx context.Context, q querier, id int64) (*model.Order, error) {
	row := q.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id)
	o, err := scanOrder(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("order %d: %w", id, ErrNotFound)
	}
	return o, err
}

// scanAccount reads one account from a pgx.Row or pgx.Rows.
func scanAccount(row pgx.Row) (*model.Account, error) {
	var a model.Account
	var cash, initial, bonus string
	if err := row.Scan(&a.UserID, &cash, &initial, &bonus, &a.LastBonusAt, &a.CreatedAt); err != nil {
		return nil, err
	}
	var err error
	if a.CashBalance, err = decimal.NewFromString(cash); err != nil {
		return nil, fmt.Errorf("postgres: account %s cash: %w", a.UserID, err)
	}
	if a.InitialDeposit, err = decimal.NewFromString(initial); err != nil {
		return nil, fmt.Errorf("postgres: account %s deposit: %w", a.UserID, err)
	}
	if a.TotalBonusReceived, err = decimal.NewFromString(bonus); err != nil {
		return nil, fmt.Errorf("postgres: account %s bonus: %w", a.UserID, err)
	}
	return &a, nil
}

func scanPosition(row pgx.Row) (*model.Position, error) {
	var p model.Position
	var avg string
	if err := row.Scan(&p.UserID, &p.Symbol, &p.Shares, &avg); err != nil {
		return nil, err
	}
	var err error
	if p.AverageCost, err = decimal.NewFromString(avg); err != nil {
		return nil, fmt.Errorf("postgres: position %s/%s average cost: %w", p.UserID, p.Symbol, err)
	}
	return &p, nil
}

func scanOrder(row pgx.Row) (*model.Order, error) {
	var o model.Order
	var limit, side, state string
	if err := row.Scan(&o.ID, &o.UserID, &o.Symbol, &o.Shares, &limit, &side, &state, &o.PlacedAt, &o.ClosedAt); err != nil {
		return nil, err
	}
	var err error
	if o.LimitPrice, err = decimal.NewFromString(limit); err != nil {
		return nil, fmt.Errorf("postgres: order %d limit: %w", o.ID, err)
	}
	o.Side = model.Side(side)
	o.State = model.OrderState(state)
	return &o, nil
}

// Compile-time interface checks.
var (
	_ Store = (*PostgresStore)(nil)
	_ Tx    = (*pgTx)(nil)
)
