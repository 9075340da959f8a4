package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/atmx/paper-broker/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache for account and position reads. Update runs on the primary and
// invalidates the user's keys after commit. Reads inside a transaction
// never touch the cache.
//
// Each user has a generation counter bumped on every invalidation. A read
// only fills the cache if the generation it saw before reading the primary
// is still current, so a read racing a commit cannot cache the old state.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

func (s *CachedStore) Update(ctx context.Context, userID string, fn func(tx Tx) error) error {
	if err := s.primary.Update(ctx, userID, fn); err != nil {
		return err
	}
	s.invalidate(context.WithoutCancel(ctx), userID)
	return nil
}

func (s *CachedStore) invalidate(ctx context.Context, userID string) {
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Incr(ctx, generationKey(userID))
		pipe.Del(ctx, accountKey(userID), positionsKey(userID))
		return nil
	})
	if err != nil {
		slog.Warn("cache invalidation failed", "user", userID, "err", err)
	}
}

// --- Read-through ---

func (s *CachedStore) GetAccount(ctx context.Context, userID string) (*model.Account, error) {
	var a model.Account
	if s.load(ctx, accountKey(userID), &a) {
		return &a, nil
	}

	gen, ok := s.generation(ctx, userID)
	acct, err := s.primary.GetAccount(ctx, userID)
	if err != nil {
		return nil, err
	}
	if ok {
		s.save(ctx, userID, gen, accountKey(userID), acct)
	}
	return acct, nil
}

func (s *CachedStore) ListPositions(ctx context.Context, userID string) ([]model.Position, error) {
	var positions []model.Position
	if s.load(ctx, positionsKey(userID), &positions) {
		return positions, nil
	}

	gen, ok := s.generation(ctx, userID)
	positions, err := s.primary.ListPositions(ctx, userID)
	if err != nil {
		return nil, err
	}
	if ok {
		s.save(ctx, userID, gen, positionsKey(userID), positions)
	}
	return positions, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) ListAccounts(ctx context.Context) ([]model.Account, error) {
	return s.primary.ListAccounts(ctx)
}

func (s *CachedStore) GetPosition(ctx context.Context, userID, symbol string) (*model.Position, error) {
	return s.primary.GetPosition(ctx, userID, symbol)
}

func (s *CachedStore) GetOrder(ctx context.Context, id int64) (*model.Order, error) {
	return s.primary.GetOrder(ctx, id)
}

func (s *CachedStore) ListOrders(ctx context.Context, filter OrderFilter) ([]model.Order, error) {
	return s.primary.ListOrders(ctx, filter)
}

func (s *CachedStore) ListTransactions(ctx context.Context, userID string) ([]model.TransactionRecord, error) {
	return s.primary.ListTransactions(ctx, userID)
}

// --- Cache helpers ---

func (s *CachedStore) load(ctx context.Context, key string, dst any) bool {
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err != nil {
		return false
	}
	return json.Unmarshal(data, dst) == nil
}

// generation returns the user's current cache generation. ok is false when
// Redis cannot be read, in which case nothing should be cached.
func (s *CachedStore) generation(ctx context.Context, userID string) (string, bool) {
	gen, err := s.rdb.Get(ctx, generationKey(userID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", true
	}
	return gen, err == nil
}

// saveIfCurrent sets KEYS[2] only while KEYS[1] still holds ARGV[1].
var saveIfCurrent = redis.NewScript(`
if (redis.call("GET", KEYS[1]) or "") ~= ARGV[1] then
	return 0
end
redis.call("SET", KEYS[2], ARGV[2], "PX", ARGV[3])
return 1
`)

func (s *CachedStore) save(ctx context.Context, userID, gen, key string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	keys := []string{generationKey(userID), key}
	if err := saveIfCurrent.Run(ctx, s.rdb, keys, gen, data, s.ttl.Milliseconds()).Err(); err != nil {
		slog.Debug("cache fill skipped", "key", key, "err", err)
	}
}

func accountKey(uid string) string    { return fmt.Sprintf("account:%s", uid) }
func positionsKey(uid string) string  { return fmt.Sprintf("positions:%s", uid) }
func generationKey(uid string) string { return fmt.Sprintf("cachegen:%s", uid) }

var _ Store = (*CachedStore)(nil)
