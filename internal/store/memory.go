package store

import (
	"cmp"
	"context"
	"fmt"
	"hash/fnv"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/btree"

	"github.com/atmx/paper-broker/internal/model"
)

const (
	btreeDegree = 32
	lockStripes = 64
)

type userOrderKey struct {
	userID string
	id     int64
}

type stateOrderKey struct {
	state model.OrderState
	id    int64
}

type positionKey struct {
	userID string
	symbol string
}

// MemoryStore implements Store with in-memory ordered indexes. Used for
// testing and development. Not suitable for production (no persistence).
//
// Update serializes per user with a striped mutex and stages writes in a
// memTx; the staged writes are applied under mu only once fn succeeds.
type MemoryStore struct {
	locks [lockStripes]sync.Mutex

	mu        sync.RWMutex
	accounts  *btree.BTreeG[model.Account]
	positions *btree.BTreeG[model.Position]
	orders    map[int64]*model.Order
	byUser    *btree.BTreeG[userOrderKey]
	byState   *btree.BTreeG[stateOrderKey]
	records   map[string][]model.TransactionRecord

	nextOrderID atomic.Int64
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts: btree.NewG(btreeDegree, func(a, b model.Account) bool {
			return a.UserID < b.UserID
		}),
		positions: btree.NewG(btreeDegree, func(a, b model.Position) bool {
			if a.UserID != b.UserID {
				return a.UserID < b.UserID
			}
			return a.Symbol < b.Symbol
		}),
		orders: make(map[int64]*model.Order),
		byUser: btree.NewG(btreeDegree, func(a, b userOrderKey) bool {
			if a.userID != b.userID {
				return a.userID < b.userID
			}
			return a.id < b.id
		}),
		byState: btree.NewG(btreeDegree, func(a, b stateOrderKey) bool {
			if a.state != b.state {
				return a.state < b.state
			}
			return a.id < b.id
		}),
		records: make(map[string][]model.TransactionRecord),
	}
}

func (s *MemoryStore) lockFor(userID string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(userID))
	return &s.locks[h.Sum32()%lockStripes]
}

// Update runs fn with the user's lock held. fn must not call Update.
func (s *MemoryStore) Update(ctx context.Context, userID string, fn func(tx Tx) error) error {
	l := s.lockFor(userID)
	l.Lock()
	defer l.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	tx := &memTx{
		s:         s,
		userID:    userID,
		accounts:  make(map[string]model.Account),
		positions: make(map[positionKey]*model.Position),
		orders:    make(map[int64]model.Order),
	}
	if err := fn(tx); err != nil {
		return err
	}
	s.commit(tx)
	return nil
}

func (s *MemoryStore) commit(tx *memTx) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, a := range tx.accounts {
		s.accounts.ReplaceOrInsert(a)
	}
	for k, p := range tx.positions {
		if p == nil {
			s.positions.Delete(model.Position{UserID: k.userID, Symbol: k.symbol})
			continue
		}
		s.positions.ReplaceOrInsert(*p)
	}
	for id, o := range tx.orders {
		if old, ok := s.orders[id]; ok {
			s.byState.Delete(stateOrderKey{state: old.State, id: id})
		}
		stored := cloneOrder(o)
		s.orders[id] = &stored
		s.byUser.ReplaceOrInsert(userOrderKey{userID: o.UserID, id: id})
		s.byState.ReplaceOrInsert(stateOrderKey{state: o.State, id: id})
	}
	if len(tx.records) > 0 {
		s.records[tx.userID] = append(s.records[tx.userID], tx.records...)
	}
}

// --- Reads ---

func (s *MemoryStore) GetAccount(_ context.Context, userID string) (*model.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.accounts.Get(model.Account{UserID: userID})
	if !ok {
		return nil, fmt.Errorf("account %s: %w", userID, ErrNotFound)
	}
	a = cloneAccount(a)
	return &a, nil
}

func (s *MemoryStore) ListAccounts(_ context.Context) ([]model.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	accounts := make([]model.Account, 0, s.accounts.Len())
	s.accounts.Ascend(func(a model.Account) bool {
		accounts = append(accounts, cloneAccount(a))
		return true
	})
	return accounts, nil
}

func (s *MemoryStore) GetPosition(_ context.Context, userID, symbol string) (*model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.positions.Get(model.Position{UserID: userID, Symbol: symbol})
	if !ok {
		return nil, fmt.Errorf("position %s/%s: %w", userID, symbol, ErrNotFound)
	}
	return &p, nil
}

func (s *MemoryStore) ListPositions(_ context.Context, userID string) ([]model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var positions []model.Position
	s.positions.AscendGreaterOrEqual(model.Position{UserID: userID}, func(p model.Position) bool {
		if p.UserID != userID {
			return false
		}
		positions = append(positions, p)
		return true
	})
	return positions, nil
}

func (s *MemoryStore) GetOrder(_ context.Context, id int64) (*model.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	o, ok := s.orders[id]
	if !ok {
		return nil, fmt.Errorf("order %d: %w", id, ErrNotFound)
	}
	c := cloneOrder(*o)
	return &c, nil
}

func (s *MemoryStore) ListOrders(_ context.Context, filter OrderFilter) ([]model.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Order
	collect := func(id int64) {
		o := s.orders[id]
		if filter.UserID != "" && o.UserID != filter.UserID {
			return
		}
		if filter.State != "" && o.State != filter.State {
			return
		}
		result = append(result, cloneOrder(*o))
	}

	switch {
	case filter.State != "":
		s.byState.AscendGreaterOrEqual(stateOrderKey{state: filter.State}, func(k stateOrderKey) bool {
			if k.state != filter.State {
				return false
			}
			collect(k.id)
			return true
		})
	case filter.UserID != "":
		s.byUser.AscendGreaterOrEqual(userOrderKey{userID: filter.UserID}, func(k userOrderKey) bool {
			if k.userID != filter.UserID {
				return false
			}
			collect(k.id)
			return true
		})
	default:
		s.byState.Ascend(func(k stateOrderKey) bool {
			collect(k.id)
			return true
		})
		slices.SortFunc(result, func(a, b model.Order) int {
			return cmp.Compare(a.ID, b.ID)
		})
	}
	return result, nil
}

func (s *MemoryStore) ListTransactions(_ context.Context, userID string) ([]model.TransactionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	records := s.records[userID]
	out := make([]model.TransactionRecord, len(records))
	for i, r := range records {
		out[i] = cloneRecord(r)
	}
	return out, nil
}

// --- Transaction ---

// memTx stages writes until Update commits them. A nil position marks a
// deletion.
type memTx struct {
	s         *MemoryStore
	userID    string
	accounts  map[string]model.Account
	positions map[positionKey]*model.Position
	orders    map[int64]model.Order
	records   []model.TransactionRecord
}

func (tx *memTx) owns(userID string) error {
	if userID != tx.userID {
		return fmt.Errorf("store: write for %s inside transaction for %s", userID, tx.userID)
	}
	return nil
}

func (tx *memTx) GetAccount(ctx context.Context, userID string) (*model.Account, error) {
	if a, ok := tx.accounts[userID]; ok {
		a = cloneAccount(a)
		return &a, nil
	}
	return tx.s.GetAccount(ctx, userID)
}

func (tx *memTx) GetPosition(ctx context.Context, userID, symbol string) (*model.Position, error) {
	if p, ok := tx.positions[positionKey{userID, symbol}]; ok {
		if p == nil {
			return nil, fmt.Errorf("position %s/%s: %w", userID, symbol, ErrNotFound)
		}
		c := *p
		return &c, nil
	}
	return tx.s.GetPosition(ctx, userID, symbol)
}

func (tx *memTx) GetOrder(ctx context.Context, id int64) (*model.Order, error) {
	if o, ok := tx.orders[id]; ok {
		c := cloneOrder(o)
		return &c, nil
	}
	return tx.s.GetOrder(ctx, id)
}

func (tx *memTx) PutAccount(_ context.Context, a *model.Account) error {
	if err := tx.owns(a.UserID); err != nil {
		return err
	}
	tx.accounts[a.UserID] = cloneAccount(*a)
	return nil
}

func (tx *memTx) PutPosition(_ context.Context, p *model.Position) error {
	if err := tx.owns(p.UserID); err != nil {
		return err
	}
	if p.Shares <= 0 {
		return fmt.Errorf("store: position %s/%s with %d shares", p.UserID, p.Symbol, p.Shares)
	}
	c := *p
	tx.positions[positionKey{p.UserID, p.Symbol}] = &c
	return nil
}

func (tx *memTx) DeletePosition(_ context.Context, userID, symbol string) error {
	if err := tx.owns(userID); err != nil {
		return err
	}
	tx.positions[positionKey{userID, symbol}] = nil
	return nil
}

func (tx *memTx) InsertOrder(_ context.Context, o *model.Order) error {
	if err := tx.owns(o.UserID); err != nil {
		return err
	}
	o.ID = tx.s.nextOrderID.Add(1)
	tx.orders[o.ID] = cloneOrder(*o)
	return nil
}

func (tx *memTx) UpdateOrderState(ctx context.Context, id int64, from, to model.OrderState, at time.Time) error {
	o, err := tx.GetOrder(ctx, id)
	if err != nil {
		return err
	}
	if err := tx.owns(o.UserID); err != nil {
		return err
	}
	if o.State != from {
		return fmt.Errorf("order %d is %s, not %s: %w", id, o.State, from, ErrStateConflict)
	}
	o.State = to
	closed := at
	o.ClosedAt = &closed
	tx.orders[id] = *o
	return nil
}

func (tx *memTx) AppendTransaction(_ context.Context, r *model.TransactionRecord) error {
	if err := tx.owns(r.UserID); err != nil {
		return err
	}
	tx.records = append(tx.records, cloneRecord(*r))
	return nil
}

// --- Copy helpers ---

func cloneAccount(a model.Account) model.Account {
	if a.LastBonusAt != nil {
		t := *a.LastBonusAt
		a.LastBonusAt = &t
	}
	return a
}

func cloneOrder(o model.Order) model.Order {
	if o.ClosedAt != nil {
		t := *o.ClosedAt
		o.ClosedAt = &t
	}
	return o
}

func cloneRecord(r model.TransactionRecord) model.TransactionRecord {
	if r.OrderID != nil {
		id := *r.OrderID
		r.OrderID = &id
	}
	return r
}

// Compile-time interface checks.
var (
	_ Store = (*MemoryStore)(nil)
	_ Tx    = (*memTx)(nil)
)
