// Package limits caps how much principal a single owner can place with the
// platform.
//
// Two caps apply to every new deposit:
//   - MaxPerDeposit bounds a single deposit
//   - MaxActivePerOwner bounds the owner's total active principal after
//     the deposit lands
//
// A zero cap disables that check.
package limits

import (
	"errors"

	"github.com/shopspring/decimal"
)

var (
	// ErrPerDepositLimitExceeded is returned when a single deposit exceeds
	// MaxPerDeposit.
	ErrPerDepositLimitExceeded = errors.New("limits: per-deposit limit exceeded")

	// ErrOwnerLimitExceeded is returned when a deposit would push the
	// owner's active principal beyond MaxActivePerOwner.
	ErrOwnerLimitExceeded = errors.New("limits: owner active principal limit exceeded")
)

// DepositLimiter enforces per-deposit and per-owner principal caps.
type DepositLimiter struct {
	// MaxPerDeposit is the largest single deposit accepted.
	MaxPerDeposit decimal.Decimal

	// MaxActivePerOwner is the largest total active principal one owner
	// may hold across all positions.
	MaxActivePerOwner decimal.Decimal
}

// NewDepositLimiter creates a limiter. Negative caps are treated as zero
// (unlimited).
func NewDepositLimiter(maxPerDeposit, maxActivePerOwner decimal.Decimal) *DepositLimiter {
	if maxPerDeposit.IsNegative() {
		maxPerDeposit = decimal.Zero
	}
	if maxActivePerOwner.IsNegative() {
		maxActivePerOwner = decimal.Zero
	}
	return &DepositLimiter{
		MaxPerDeposit:     maxPerDeposit,
		MaxActivePerOwner: maxActivePerOwner,
	}
}

// CheckLimit validates a deposit of amount for an owner currently holding
// activePrincipal. A nil limiter allows everything.
func (l *DepositLimiter) CheckLimit(amount, activePrincipal decimal.Decimal) error {
	if l == nil {
		return nil
	}

	// 1. Single deposit.
	if l.MaxPerDeposit.IsPositive() && amount.GreaterThan(l.MaxPerDeposit) {
		return ErrPerDepositLimitExceeded
	}

	// 2. Owner aggregate.
	if l.MaxActivePerOwner.IsPositive() && activePrincipal.Add(amount).GreaterThan(l.MaxActivePerOwner) {
		return ErrOwnerLimitExceeded
	}

	return nil
}

// Headroom returns how much more principal the owner may deposit, or nil
// when no aggregate cap applies.
func (l *DepositLimiter) Headroom(activePrincipal decimal.Decimal) *decimal.Decimal {
	if l == nil || !l.MaxActivePerOwner.IsPositive() {
		return nil
	}
	room := l.MaxActivePerOwner.Sub(activePrincipal)
	if room.IsNegative() {
		room = decimal.Zero
	}
	return &room
}
