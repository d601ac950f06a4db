package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/bitinvest/ledger-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu           sync.RWMutex
	positions    map[string]*model.Position
	ledger       []model.Transaction
	orders       map[string]*model.DepositOrder
	destinations map[string]*model.Destination
	payouts      map[string]*model.PayoutRequest
	settings     map[string]*model.Setting
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		positions:    make(map[string]*model.Position),
		orders:       make(map[string]*model.DepositOrder),
		destinations: make(map[string]*model.Destination),
		payouts:      make(map[string]*model.PayoutRequest),
		settings:     make(map[string]*model.Setting),
	}
}

// --- Positions ---

func (s *MemoryStore) CreatePosition(_ context.Context, p *model.Position, buy *model.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.insertPositionLocked(p, buy)
}

func (s *MemoryStore) insertPositionLocked(p *model.Position, buy *model.Transaction) error {
	if _, exists := s.positions[p.ID]; exists {
		return fmt.Errorf("position %s already exists", p.ID)
	}
	if buy == nil {
		return fmt.Errorf("position %s: buy transaction required", p.ID)
	}

	// Store copies to avoid external mutation.
	cp := *p
	s.positions[p.ID] = &cp
	s.ledger = append(s.ledger, *buy)
	return nil
}

func (s *MemoryStore) GetPosition(_ context.Context, id string) (*model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.positions[id]
	if !ok {
		return nil, fmt.Errorf("position %s: %w", id, ErrNotFound)
	}
	cp := *p
	return &cp, nil
}

func (s *MemoryStore) ListPositionsByOwner(_ context.Context, ownerID string) ([]model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Position
	for _, p := range s.positions {
		if p.OwnerID == ownerID {
			result = append(result, *p)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result, nil
}

func (s *MemoryStore) ListDuePositions(_ context.Context, now time.Time, limit int) ([]model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Position
	for _, p := range s.positions {
		if p.Status == model.PositionActive && p.NextAccrualDueAt != nil && !p.NextAccrualDueAt.After(now) {
			result = append(result, *p)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].NextAccrualDueAt.Before(*result[j].NextAccrualDueAt) })
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *MemoryStore) ApplyAccrual(_ context.Context, updated *model.Position, prevDue time.Time, entry *model.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.positions[updated.ID]
	if !ok {
		return fmt.Errorf("position %s: %w", updated.ID, ErrNotFound)
	}
	if p.Status != model.PositionActive || p.NextAccrualDueAt == nil || !p.NextAccrualDueAt.Equal(prevDue) {
		return fmt.Errorf("position %s accrual: %w", updated.ID, ErrConflict)
	}

	p.NextAccrualDueAt = updated.NextAccrualDueAt
	p.LastAccrualAt = updated.LastAccrualAt
	p.TotalFixedReturnsPaidToDate = updated.TotalFixedReturnsPaidToDate
	s.ledger = append(s.ledger, *entry)
	return nil
}

// --- Immutable ledger ---

func (s *MemoryStore) ListTransactionsByOwner(_ context.Context, ownerID string) ([]model.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Transaction
	for i := len(s.ledger) - 1; i >= 0; i-- {
		if s.ledger[i].OwnerID == ownerID {
			result = append(result, s.ledger[i])
		}
	}
	return result, nil
}

// --- Deposit orders ---

func (s *MemoryStore) CreateDepositOrder(_ context.Context, o *model.DepositOrder) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.orders[o.ID]; exists {
		return fmt.Errorf("deposit order %s already exists", o.ID)
	}
	cp := *o
	s.orders[o.ID] = &cp
	return nil
}

func (s *MemoryStore) GetDepositOrder(_ context.Context, id string) (*model.DepositOrder, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	o, ok := s.orders[id]
	if !ok {
		return nil, fmt.Errorf("deposit order %s: %w", id, ErrNotFound)
	}
	cp := *o
	return &cp, nil
}

func (s *MemoryStore) SettleDepositOrder(_ context.Context, orderID, paymentID string, settledAt time.Time, p *model.Position, buy *model.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.orders[orderID]
	if !ok {
		return fmt.Errorf("deposit order %s: %w", orderID, ErrNotFound)
	}
	if o.Status == model.DepositPaid {
		return fmt.Errorf("deposit order %s is %s: %w", orderID, o.Status, ErrConflict)
	}
	if err := s.insertPositionLocked(p, buy); err != nil {
		return err
	}

	at := settledAt
	o.Status = model.DepositPaid
	o.PaymentID = paymentID
	o.PositionID = p.ID
	o.SettledAt = &at
	return nil
}

func (s *MemoryStore) FailDepositOrder(_ context.Context, orderID, paymentID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.orders[orderID]
	if !ok {
		return fmt.Errorf("deposit order %s: %w", orderID, ErrNotFound)
	}
	if o.Status != model.DepositCreated {
		return fmt.Errorf("deposit order %s is %s: %w", orderID, o.Status, ErrConflict)
	}
	failedAt := at
	o.Status = model.DepositFailed
	o.PaymentID = paymentID
	o.SettledAt = &failedAt
	return nil
}

// --- Destinations ---

func (s *MemoryStore) UpsertDestination(_ context.Context, d *model.Destination) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *d
	s.destinations[d.OwnerID] = &cp
	return nil
}

func (s *MemoryStore) GetDestination(_ context.Context, ownerID string) (*model.Destination, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	d, ok := s.destinations[ownerID]
	if !ok {
		return nil, fmt.Errorf("destination for %s: %w", ownerID, ErrNotFound)
	}
	cp := *d
	return &cp, nil
}

// --- Payouts ---

func (s *MemoryStore) CreatePayoutIfConsumed(_ context.Context, r *model.PayoutRequest, expectedConsumed decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	consumed := decimal.Zero
	for _, p := range s.payouts {
		if p.OwnerID == r.OwnerID && p.Category == r.Category && p.Status != model.PayoutFailed {
			consumed = consumed.Add(p.RequestedFiatAmount)
		}
	}
	if !consumed.Equal(expectedConsumed) {
		return fmt.Errorf("payout balance for %s/%s changed: %w", r.OwnerID, r.Category, ErrConflict)
	}

	cp := *r
	s.payouts[r.ID] = &cp
	return nil
}

func (s *MemoryStore) GetPayout(_ context.Context, id string) (*model.PayoutRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.payouts[id]
	if !ok {
		return nil, fmt.Errorf("payout %s: %w", id, ErrNotFound)
	}
	cp := *p
	return &cp, nil
}

func (s *MemoryStore) ListPayoutsByOwner(_ context.Context, ownerID string) ([]model.PayoutRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.PayoutRequest
	for _, p := range s.payouts {
		if p.OwnerID == ownerID {
			result = append(result, *p)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.After(result[j].CreatedAt) })
	return result, nil
}

func (s *MemoryStore) ListPayoutsByStatus(_ context.Context, status model.PayoutStatus) ([]model.PayoutRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.PayoutRequest
	for _, p := range s.payouts {
		if p.Status == status {
			result = append(result, *p)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result, nil
}

func (s *MemoryStore) ListPayouts(_ context.Context) ([]model.PayoutRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]model.PayoutRequest, 0, len(s.payouts))
	for _, p := range s.payouts {
		result = append(result, *p)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.After(result[j].CreatedAt) })
	return result, nil
}

func (s *MemoryStore) FinalizePayout(_ context.Context, r *model.PayoutRequest, settlement *model.Transaction, closePositionIDs []string, closedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.payouts[r.ID]
	if !ok {
		return fmt.Errorf("payout %s: %w", r.ID, ErrNotFound)
	}
	if p.Status != model.PayoutPending {
		return fmt.Errorf("payout %s is %s: %w", r.ID, p.Status, ErrConflict)
	}
	for _, id := range closePositionIDs {
		if _, ok := s.positions[id]; !ok {
			return fmt.Errorf("close position %s: %w", id, ErrNotFound)
		}
	}

	p.Status = r.Status
	p.ProcessedAt = r.ProcessedAt
	p.ProcessedBy = r.ProcessedBy
	if settlement != nil {
		s.ledger = append(s.ledger, *settlement)
	}
	for _, id := range closePositionIDs {
		pos := s.positions[id]
		if pos.Status != model.PositionActive {
			continue
		}
		at := closedAt
		pos.Status = model.PositionClosed
		pos.ClosedAt = &at
		pos.NextAccrualDueAt = nil
	}
	return nil
}

// --- Admin ---

func (s *MemoryStore) PlatformStats(_ context.Context) (*model.PlatformStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := &model.PlatformStats{
		TotalTransactions: len(s.ledger),
		ActiveVolumeFiat:  decimal.Zero,
		PendingPayoutFiat: decimal.Zero,
	}
	owners := make(map[string]struct{})
	for _, p := range s.positions {
		owners[p.OwnerID] = struct{}{}
		if p.Status == model.PositionActive {
			stats.ActivePositions++
			stats.ActiveVolumeFiat = stats.ActiveVolumeFiat.Add(p.PrincipalFiat)
		}
	}
	stats.TotalOwners = len(owners)
	for _, p := range s.payouts {
		if p.Status == model.PayoutPending {
			stats.PendingPayouts++
			stats.PendingPayoutFiat = stats.PendingPayoutFiat.Add(p.RequestedFiatAmount)
		}
	}
	return stats, nil
}

func (s *MemoryStore) ListOwnerOverviews(_ context.Context) ([]model.OwnerOverview, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	byOwner := make(map[string]*model.OwnerOverview)
	for _, p := range s.positions {
		o, ok := byOwner[p.OwnerID]
		if !ok {
			o = &model.OwnerOverview{
				OwnerID:                p.OwnerID,
				ActivePrincipalFiat:    decimal.Zero,
				ActiveAssetQuantity:    decimal.Zero,
				LifetimePrincipalFiat:  decimal.Zero,
				FixedReturnsPaidToDate: decimal.Zero,
			}
			byOwner[p.OwnerID] = o
		}
		o.LifetimePrincipalFiat = o.LifetimePrincipalFiat.Add(p.PrincipalFiat)
		o.FixedReturnsPaidToDate = o.FixedReturnsPaidToDate.Add(p.TotalFixedReturnsPaidToDate)
		if p.Status == model.PositionActive {
			o.ActivePositions++
			o.ActivePrincipalFiat = o.ActivePrincipalFiat.Add(p.PrincipalFiat)
			o.ActiveAssetQuantity = o.ActiveAssetQuantity.Add(p.AssetQuantity)
		}
	}

	result := make([]model.OwnerOverview, 0, len(byOwner))
	for _, o := range byOwner {
		result = append(result, *o)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].OwnerID < result[j].OwnerID })
	return result, nil
}

// --- Settings ---

func (s *MemoryStore) GetSetting(_ context.Context, key string) (*model.Setting, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, ok := s.settings[key]
	if !ok {
		return nil, fmt.Errorf("setting %s: %w", key, ErrNotFound)
	}
	cp := *st
	return &cp, nil
}

func (s *MemoryStore) PutSetting(_ context.Context, st *model.Setting) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *st
	s.settings[st.Key] = &cp
	return nil
}
