package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/bitinvest/ledger-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache. Writes go to the primary store and invalidate the cache; reads
// check Redis first then fall back to the primary.
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

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) CreatePosition(ctx context.Context, p *model.Position, buy *model.Transaction) error {
	if err := s.primary.CreatePosition(ctx, p, buy); err != nil {
		return err
	}
	s.rdb.Del(ctx, positionsKey(p.OwnerID))
	return nil
}

func (s *CachedStore) ApplyAccrual(ctx context.Context, updated *model.Position, prevDue time.Time, entry *model.Transaction) error {
	if err := s.primary.ApplyAccrual(ctx, updated, prevDue, entry); err != nil {
		return err
	}
	s.rdb.Del(ctx, positionKey(updated.ID), positionsKey(updated.OwnerID))
	return nil
}

func (s *CachedStore) SettleDepositOrder(ctx context.Context, orderID, paymentID string, settledAt time.Time, p *model.Position, buy *model.Transaction) error {
	if err := s.primary.SettleDepositOrder(ctx, orderID, paymentID, settledAt, p, buy); err != nil {
		return err
	}
	s.rdb.Del(ctx, positionsKey(p.OwnerID))
	return nil
}

func (s *CachedStore) UpsertDestination(ctx context.Context, d *model.Destination) error {
	if err := s.primary.UpsertDestination(ctx, d); err != nil {
		return err
	}
	s.rdb.Del(ctx, destinationKey(d.OwnerID))
	return nil
}

func (s *CachedStore) FinalizePayout(ctx context.Context, r *model.PayoutRequest, settlement *model.Transaction, closePositionIDs []string, closedAt time.Time) error {
	if err := s.primary.FinalizePayout(ctx, r, settlement, closePositionIDs, closedAt); err != nil {
		return err
	}
	keys := []string{positionsKey(r.OwnerID)}
	for _, id := range closePositionIDs {
		keys = append(keys, positionKey(id))
	}
	s.rdb.Del(ctx, keys...)
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetPosition(ctx context.Context, id string) (*model.Position, error) {
	data, err := s.rdb.Get(ctx, positionKey(id)).Bytes()
	if err == nil {
		var p model.Position
		if json.Unmarshal(data, &p) == nil {
			return &p, nil
		}
	}

	p, err := s.primary.GetPosition(ctx, id)
	if err != nil {
		return nil, err
	}
	s.cache(ctx, positionKey(id), p)
	return p, nil
}

func (s *CachedStore) ListPositionsByOwner(ctx context.Context, ownerID string) ([]model.Position, error) {
	data, err := s.rdb.Get(ctx, positionsKey(ownerID)).Bytes()
	if err == nil {
		var positions []model.Position
		if json.Unmarshal(data, &positions) == nil {
			return positions, nil
		}
	}

	positions, err := s.primary.ListPositionsByOwner(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	s.cache(ctx, positionsKey(ownerID), positions)
	return positions, nil
}

func (s *CachedStore) GetDestination(ctx context.Context, ownerID string) (*model.Destination, error) {
	data, err := s.rdb.Get(ctx, destinationKey(ownerID)).Bytes()
	if err == nil {
		var d model.Destination
		if json.Unmarshal(data, &d) == nil {
			return &d, nil
		}
	}

	d, err := s.primary.GetDestination(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	s.cache(ctx, destinationKey(ownerID), d)
	return d, nil
}

// GetSetting is read on every owner's deposit screen, so it is cached.
func (s *CachedStore) GetSetting(ctx context.Context, key string) (*model.Setting, error) {
	data, err := s.rdb.Get(ctx, settingKey(key)).Bytes()
	if err == nil {
		var st model.Setting
		if json.Unmarshal(data, &st) == nil {
			return &st, nil
		}
	}

	st, err := s.primary.GetSetting(ctx, key)
	if err != nil {
		return nil, err
	}
	s.cache(ctx, settingKey(key), st)
	return st, nil
}

func (s *CachedStore) PutSetting(ctx context.Context, st *model.Setting) error {
	if err := s.primary.PutSetting(ctx, st); err != nil {
		return err
	}
	s.rdb.Del(ctx, settingKey(st.Key))
	return nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) ListDuePositions(ctx context.Context, now time.Time, limit int) ([]model.Position, error) {
	return s.primary.ListDuePositions(ctx, now, limit)
}

func (s *CachedStore) ListTransactionsByOwner(ctx context.Context, ownerID string) ([]model.Transaction, error) {
	return s.primary.ListTransactionsByOwner(ctx, ownerID)
}

func (s *CachedStore) CreateDepositOrder(ctx context.Context, o *model.DepositOrder) error {
	return s.primary.CreateDepositOrder(ctx, o)
}

func (s *CachedStore) GetDepositOrder(ctx context.Context, id string) (*model.DepositOrder, error) {
	return s.primary.GetDepositOrder(ctx, id)
}

func (s *CachedStore) FailDepositOrder(ctx context.Context, orderID, paymentID string, at time.Time) error {
	return s.primary.FailDepositOrder(ctx, orderID, paymentID, at)
}

// Payout balance checks must see the primary's committed state, so
// payouts are never cached.
func (s *CachedStore) CreatePayoutIfConsumed(ctx context.Context, r *model.PayoutRequest, expectedConsumed decimal.Decimal) error {
	return s.primary.CreatePayoutIfConsumed(ctx, r, expectedConsumed)
}

func (s *CachedStore) GetPayout(ctx context.Context, id string) (*model.PayoutRequest, error) {
	return s.primary.GetPayout(ctx, id)
}

func (s *CachedStore) ListPayoutsByOwner(ctx context.Context, ownerID string) ([]model.PayoutRequest, error) {
	return s.primary.ListPayoutsByOwner(ctx, ownerID)
}

func (s *CachedStore) ListPayoutsByStatus(ctx context.Context, status model.PayoutStatus) ([]model.PayoutRequest, error) {
	return s.primary.ListPayoutsByStatus(ctx, status)
}

func (s *CachedStore) ListPayouts(ctx context.Context) ([]model.PayoutRequest, error) {
	return s.primary.ListPayouts(ctx)
}

func (s *CachedStore) PlatformStats(ctx context.Context) (*model.PlatformStats, error) {
	return s.primary.PlatformStats(ctx)
}

func (s *CachedStore) ListOwnerOverviews(ctx context.Context) ([]model.OwnerOverview, error) {
	return s.primary.ListOwnerOverviews(ctx)
}

// --- Cache helpers ---

func (s *CachedStore) cache(ctx context.Context, key string, v any) {
	if data, err := json.Marshal(v); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
}

func positionKey(id string) string { return fmt.Sprintf("position:%s", id) }
func positionsKey(ownerID string) string { return fmt.Sprintf("positions:%s", ownerID) }
func destinationKey(ownerID string) string { return fmt.Sprintf("destination:%s", ownerID) }
func settingKey(key string) string { return fmt.Sprintf("setting:%s", key) }
