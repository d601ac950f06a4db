// Package accrual credits the fixed per-period return on active positions.
//
// A period is exactly 31 days, not a calendar month. Each ApplyAccrual call
// credits at most one period, so a caller that missed several periods loops
// until ErrNotDue. There is no internal clock; the caller supplies now.
package accrual

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/bitinvest/ledger-engine/internal/model"
	"github.com/bitinvest/ledger-engine/internal/money"
)

// Period is the fixed interval between accruals.
const Period = 31 * 24 * time.Hour

// ErrNotDue is returned when a position has no accrual due at the given time.
var ErrNotDue = errors.New("accrual: position not due")

// FirstDue returns the first accrual due date for a position opened at openedAt.
func FirstDue(openedAt time.Time) time.Time {
	return openedAt.Add(Period)
}

// DueForAccrual reports whether p is active and its next due date has passed.
func DueForAccrual(p model.Position, now time.Time) bool {
	if p.Status != model.PositionActive || p.NextAccrualDueAt == nil {
		return false
	}
	return !now.Before(*p.NextAccrualDueAt)
}

// Amount is the flat return for one period: principal × rate, rounded to
// fiat precision. Returns never compound.
func Amount(p model.Position) decimal.Decimal {
	return money.RoundFiat(p.PrincipalFiat.Mul(p.FixedReturnRatePerPeriod))
}

// ApplyAccrual returns a copy of p advanced by exactly one period together
// with the amount credited. The input is not modified.
func ApplyAccrual(p model.Position, now time.Time) (model.Position, decimal.Decimal, error) {
	if !DueForAccrual(p, now) {
		return p, decimal.Zero, ErrNotDue
	}

	credited := Amount(p)
	next := p.NextAccrualDueAt.Add(Period)
	at := now

	updated := p
	updated.NextAccrualDueAt = &next
	updated.LastAccrualAt = &at
	updated.TotalFixedReturnsPaidToDate = p.TotalFixedReturnsPaidToDate.Add(credited)
	return updated, credited, nil
}

// Entry builds the immutable accrual transaction recording credited.
func Entry(p model.Position, credited decimal.Decimal, now time.Time) *model.Transaction {
	positionID := p.ID
	return &model.Transaction{
		ID:                    uuid.New().String(),
		OwnerID:               p.OwnerID,
		PositionID:            &positionID,
		Kind:                  model.KindAccrual,
		FiatAmount:            credited,
		AssetQuantity:         decimal.Zero,
		ReferencePriceAtEvent: decimal.Zero,
		Status:                model.TxCompleted,
		CreatedAt:             now,
	}
}

// Missed returns how many whole periods are due for p at now, including
// the current one.
func Missed(p model.Position, now time.Time) int {
	if !DueForAccrual(p, now) {
		return 0
	}
	return int(now.Sub(*p.NextAccrualDueAt)/Period) + 1
}
