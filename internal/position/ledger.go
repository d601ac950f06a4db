// Package position opens investment positions and derives dashboard
// figures from them.
//
// Positions are valued against a live price passed in by the caller; the
// package holds no price state. Summary figures are rounded to fiat
// precision only at the end of aggregation so that per-position
// contributions sum exactly to the unrounded aggregate.
package position

import (
	"errors"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/bitinvest/ledger-engine/internal/accrual"
	"github.com/bitinvest/ledger-engine/internal/model"
	"github.com/bitinvest/ledger-engine/internal/money"
)

var (
	// ErrPriceUnavailable is returned when the live price needed for
	// valuation is missing or not positive.
	ErrPriceUnavailable = errors.New("position: live price unavailable")

	// ErrInvalidRate is returned for a negative fixed return rate.
	ErrInvalidRate = errors.New("position: fixed return rate must not be negative")

	// ErrAlreadyClosed is returned when closing a closed position.
	ErrAlreadyClosed = errors.New("position: already closed")
)

// Ledger opens positions subject to a platform minimum deposit.
type Ledger struct {
	minDeposit decimal.Decimal
}

// NewLedger creates a ledger enforcing minDeposit. A zero minimum only
// requires a positive amount.
func NewLedger(minDeposit decimal.Decimal) *Ledger {
	return &Ledger{minDeposit: minDeposit}
}

// MinDeposit returns the configured minimum deposit.
func (l *Ledger) MinDeposit() decimal.Decimal {
	return l.minDeposit
}

// Open builds an active position and its paired buy transaction. Nothing is
// persisted here; the caller writes both records in one atomic store call.
func (l *Ledger) Open(ownerID string, fiat, referencePrice, fixedRate decimal.Decimal, now time.Time) (*model.Position, *model.Transaction, error) {
	if err := money.CheckMinimum(fiat, l.minDeposit); err != nil {
		return nil, nil, err
	}
	if fixedRate.IsNegative() {
		return nil, nil, ErrInvalidRate
	}
	qty, err := money.ToAssetQuantity(fiat, referencePrice)
	if err != nil {
		return nil, nil, err
	}

	due := accrual.FirstDue(now)
	pos := &model.Position{
		ID:                          uuid.New().String(),
		OwnerID:                     ownerID,
		PrincipalFiat:               fiat,
		AssetQuantity:               qty,
		ReferencePriceAtOpen:        referencePrice,
		Status:                      model.PositionActive,
		FixedReturnRatePerPeriod:    fixedRate,
		NextAccrualDueAt:            &due,
		TotalFixedReturnsPaidToDate: decimal.Zero,
		CreatedAt:                   now,
	}

	positionID := pos.ID
	buy := &model.Transaction{
		ID:                    uuid.New().String(),
		OwnerID:               ownerID,
		PositionID:            &positionID,
		Kind:                  model.KindBuy,
		FiatAmount:            fiat,
		AssetQuantity:         qty,
		ReferencePriceAtEvent: referencePrice,
		Status:                model.TxCompleted,
		CreatedAt:             now,
	}
	return pos, buy, nil
}

// Contribution is one position's unrounded share of the dashboard figures.
type Contribution struct {
	PositionID    string          `json:"position_id"`
	InvestedFiat  decimal.Decimal `json:"invested_fiat"`
	AssetQuantity decimal.Decimal `json:"asset_quantity"`
	CurrentValue  decimal.Decimal `json:"current_value"`
	AssetProfit   decimal.Decimal `json:"asset_profit"`
	FixedReturn   decimal.Decimal `json:"fixed_return"`
}

// ContributionOf values p at livePrice. Closed positions contribute zero.
func ContributionOf(p model.Position, livePrice decimal.Decimal) Contribution {
	c := Contribution{PositionID: p.ID}
	if p.Status != model.PositionActive {
		return c
	}
	c.InvestedFiat = p.PrincipalFiat
	c.AssetQuantity = p.AssetQuantity
	c.CurrentValue = p.AssetQuantity.Mul(livePrice)
	c.AssetProfit = c.CurrentValue.Sub(p.PrincipalFiat)
	c.FixedReturn = p.PrincipalFiat.Mul(p.FixedReturnRatePerPeriod)
	return c
}

// ComputeSummary aggregates an owner's positions at livePrice. Current
// figures cover active positions only; the lifetime figures include closed
// ones.
func ComputeSummary(positions []model.Position, livePrice decimal.Decimal) (*model.DashboardSummary, error) {
	if !livePrice.IsPositive() {
		return nil, ErrPriceUnavailable
	}

	var invested, qty, value, profit, fixed decimal.Decimal
	var lifetime, paid decimal.Decimal
	active := 0
	for _, p := range positions {
		lifetime = lifetime.Add(p.PrincipalFiat)
		paid = paid.Add(p.TotalFixedReturnsPaidToDate)
		if p.Status != model.PositionActive {
			continue
		}
		active++
		c := ContributionOf(p, livePrice)
		invested = invested.Add(c.InvestedFiat)
		qty = qty.Add(c.AssetQuantity)
		value = value.Add(c.CurrentValue)
		profit = profit.Add(c.AssetProfit)
		fixed = fixed.Add(c.FixedReturn)
	}

	s := &model.DashboardSummary{
		LivePrice:              livePrice,
		ActivePositions:        active,
		TotalInvestedFiat:      money.RoundFiat(invested),
		TotalAssetQuantity:     qty,
		CurrentValueFiat:       money.RoundFiat(value),
		AssetProfitFiat:        money.RoundFiat(profit),
		FixedReturnFiat:        money.RoundFiat(fixed),
		TotalEarningsFiat:      money.RoundFiat(profit.Add(fixed)),
		LifetimeInvestedFiat:   money.RoundFiat(lifetime),
		FixedReturnsPaidToDate: money.RoundFiat(paid),
	}
	if len(positions) > 0 {
		s.OwnerID = positions[0].OwnerID
	}
	return s, nil
}

// Close returns a closed copy of p.
func Close(p model.Position, now time.Time) (model.Position, error) {
	if p.Status == model.PositionClosed {
		return p, ErrAlreadyClosed
	}
	closed := p
	at := now
	closed.Status = model.PositionClosed
	closed.ClosedAt = &at
	closed.NextAccrualDueAt = nil
	return closed, nil
}

// ClosuresFor returns the IDs of active positions that are fully repaid
// once completedPrincipal has been paid out. Positions are consumed
// oldest first; a partially repaid position stays open.
func ClosuresFor(positions []model.Position, completedPrincipal decimal.Decimal) []string {
	sorted := make([]model.Position, len(positions))
	copy(sorted, positions)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].CreatedAt.Before(sorted[j].CreatedAt)
	})

	remaining := completedPrincipal
	var ids []string
	for _, p := range sorted {
		if remaining.LessThan(p.PrincipalFiat) {
			break
		}
		remaining = remaining.Sub(p.PrincipalFiat)
		if p.Status == model.PositionActive {
			ids = append(ids, p.ID)
		}
	}
	return ids
}
