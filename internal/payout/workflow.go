// Package payout implements the withdrawal request state machine.
//
//	pending ──approve──▶ completed
//	   │
//	   └────reject────▶ failed
//
// Both terminal states absorb: no transition leaves them. Only an admin
// actor may dispose of a request. The fee rate in force when a request is
// created is frozen onto it together with the fee and net amounts.
package payout

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/bitinvest/ledger-engine/internal/model"
	"github.com/bitinvest/ledger-engine/internal/money"
)

var (
	ErrBelowMinimum        = errors.New("payout: amount must be positive")
	ErrInsufficientBalance = errors.New("payout: insufficient balance")
	ErrMissingDestination  = errors.New("payout: no verified destination on file")
	ErrInvalidCategory     = errors.New("payout: unknown category")
	ErrUnauthorized        = errors.New("payout: admin role required")
	ErrAlreadyFinalized    = errors.New("payout: request already finalized")
	ErrInvalidDecision     = errors.New("payout: decision must be approve or reject")
	ErrPartialPrincipal    = errors.New("payout: principal withdrawals must repay whole positions")
)

// Workflow creates and disposes of payout requests under a single fee rate.
type Workflow struct {
	feeRate decimal.Decimal
}

// NewWorkflow validates feeRate and returns a Workflow.
func NewWorkflow(feeRate decimal.Decimal) (*Workflow, error) {
	if feeRate.IsNegative() || feeRate.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return nil, money.ErrInvalidFeeRate
	}
	return &Workflow{feeRate: feeRate}, nil
}

// FeeRate returns the rate applied to new requests.
func (w *Workflow) FeeRate() decimal.Decimal {
	return w.feeRate
}

// RequestParams carries everything a new request is validated against.
// Available is the owner's withdrawable balance in Category at the time of
// the request.
type RequestParams struct {
	OwnerID     string
	Category    model.PayoutCategory
	Amount      decimal.Decimal
	Available   decimal.Decimal
	Destination *model.Destination
	Now         time.Time
}

// Request validates p and returns a pending request with the fee frozen.
func (w *Workflow) Request(p RequestParams) (*model.PayoutRequest, error) {
	if !p.Amount.IsPositive() {
		return nil, ErrBelowMinimum
	}
	if err := money.ValidateFiat(p.Amount); err != nil {
		return nil, err
	}
	if !p.Category.Valid() {
		return nil, ErrInvalidCategory
	}
	if p.Destination == nil || !p.Destination.Verified {
		return nil, ErrMissingDestination
	}
	if p.Amount.GreaterThan(p.Available) {
		return nil, ErrInsufficientBalance
	}

	net, fee, err := money.ApplyFee(p.Amount, w.feeRate)
	if err != nil {
		return nil, err
	}

	return &model.PayoutRequest{
		ID:                    uuid.New().String(),
		OwnerID:               p.OwnerID,
		Category:              p.Category,
		RequestedFiatAmount:   p.Amount,
		FeeRate:               w.feeRate,
		FeeFiatAmount:         fee,
		NetFiatAmount:         net,
		Status:                model.PayoutPending,
		DestinationAccountRef: p.Destination.Ref(),
		CreatedAt:             p.Now,
	}, nil
}

// CanTransition reports whether the state machine allows from → to.
func CanTransition(from, to model.PayoutStatus) bool {
	return from == model.PayoutPending && to.Terminal()
}

// Dispose applies an admin decision to r and returns the updated copy.
func Dispose(r model.PayoutRequest, decision model.Decision, actorIsAdmin bool, actorID string, now time.Time) (model.PayoutRequest, error) {
	if !actorIsAdmin {
		return r, ErrUnauthorized
	}
	var to model.PayoutStatus
	switch decision {
	case model.DecisionApprove:
		to = model.PayoutCompleted
	case model.DecisionReject:
		to = model.PayoutFailed
	default:
		return r, ErrInvalidDecision
	}
	if !CanTransition(r.Status, to) {
		return r, ErrAlreadyFinalized
	}

	at := now
	r.Status = to
	r.ProcessedAt = &at
	r.ProcessedBy = actorID
	return r, nil
}

// Settlement builds the payout transaction recorded when r is approved.
func Settlement(r model.PayoutRequest, now time.Time) *model.Transaction {
	payoutID := r.ID
	return &model.Transaction{
		ID:                    uuid.New().String(),
		OwnerID:               r.OwnerID,
		PayoutID:              &payoutID,
		Kind:                  model.KindPayout,
		FiatAmount:            r.NetFiatAmount,
		AssetQuantity:         decimal.Zero,
		ReferencePriceAtEvent: decimal.Zero,
		Status:                model.TxCompleted,
		CreatedAt:             now,
	}
}
