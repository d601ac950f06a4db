// Package ledger composes money conversion, positions, accrual and the
// payout workflow into the operations clients invoke, and is the only
// package that writes to the store.
//
// Every operation reads current state, applies the pure decision logic of
// the lower packages and writes the result back in one store call. All
// monetary values use shopspring/decimal.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/bitinvest/ledger-engine/internal/accrual"
	"github.com/bitinvest/ledger-engine/internal/destination"
	"github.com/bitinvest/ledger-engine/internal/identity"
	"github.com/bitinvest/ledger-engine/internal/limits"
	"github.com/bitinvest/ledger-engine/internal/metrics"
	"github.com/bitinvest/ledger-engine/internal/model"
	"github.com/bitinvest/ledger-engine/internal/money"
	"github.com/bitinvest/ledger-engine/internal/oracle"
	"github.com/bitinvest/ledger-engine/internal/payment"
	"github.com/bitinvest/ledger-engine/internal/payout"
	"github.com/bitinvest/ledger-engine/internal/position"
	"github.com/bitinvest/ledger-engine/internal/store"
)

// Options configures a Service. Gateway, Limiter and Hub are optional.
type Options struct {
	Store   store.Store
	Prices  oracle.PriceSource
	Gateway payment.Gateway
	Limiter *limits.DepositLimiter
	Hub     *WSHub

	Asset           string
	FiatCurrency    string
	FeeRate         decimal.Decimal
	FixedReturnRate decimal.Decimal
	MinDeposit      decimal.Decimal
	WebhookSecret   string

	// Now overrides the clock; defaults to time.Now in UTC.
	Now func() time.Time
}

// Service is the ledger façade.
type Service struct {
	store    store.Store
	prices   oracle.PriceSource
	gateway  payment.Gateway
	limiter  *limits.DepositLimiter
	wsHub    *WSHub
	ledger   *position.Ledger
	workflow *payout.Workflow

	asset         string
	fiat          string
	fixedRate     decimal.Decimal
	webhookSecret string
	now           func() time.Time

	owners ownerLocks
}

// NewService validates opts and creates a Service.
func NewService(opts Options) (*Service, error) {
	if opts.Store == nil {
		return nil, errors.New("ledger: store is required")
	}
	if opts.Prices == nil {
		return nil, errors.New("ledger: price source is required")
	}
	if opts.FixedReturnRate.IsNegative() {
		return nil, position.ErrInvalidRate
	}
	wf, err := payout.NewWorkflow(opts.FeeRate)
	if err != nil {
		return nil, err
	}
	now := opts.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Service{
		store:         opts.Store,
		prices:        opts.Prices,
		gateway:       opts.Gateway,
		limiter:       opts.Limiter,
		wsHub:         opts.Hub,
		ledger:        position.NewLedger(opts.MinDeposit),
		workflow:      wf,
		asset:         opts.Asset,
		fiat:          opts.FiatCurrency,
		fixedRate:     opts.FixedReturnRate,
		webhookSecret: opts.WebhookSecret,
		now:           now,
		owners:        ownerLocks{locks: make(map[string]*ownerLock)},
	}, nil
}

// --- Positions ---

// OpenPosition credits fiat to ownerID at the live price. It is the admin
// path for deposits collected outside the gateway. The owner's limit check
// and the write happen under the owner lock.
func (s *Service) OpenPosition(ctx context.Context, ownerID string, fiat decimal.Decimal) (*model.Position, error) {
	defer metrics.ObserveSince("open_position", time.Now())

	if err := money.CheckMinimum(fiat, s.ledger.MinDeposit()); err != nil {
		return nil, err
	}

	unlock := s.owners.lock(ownerID)
	defer unlock()

	if err := s.checkDepositLimit(ctx, ownerID, fiat); err != nil {
		return nil, err
	}
	price, err := s.livePrice(ctx)
	if err != nil {
		return nil, err
	}

	pos, buy, err := s.ledger.Open(ownerID, fiat, price, s.fixedRate, s.now())
	if err != nil {
		return nil, err
	}
	if err := s.store.CreatePosition(ctx, pos, buy); err != nil {
		return nil, s.writeFailed("open_position", ownerID, err)
	}

	s.positionOpened(pos, "admin")
	return pos, nil
}

// ListPositions returns an owner's positions, oldest first.
func (s *Service) ListPositions(ctx context.Context, ownerID string) ([]model.Position, error) {
	return s.store.ListPositionsByOwner(ctx, ownerID)
}

// ListTransactions returns an owner's transactions, newest first.
func (s *Service) ListTransactions(ctx context.Context, ownerID string) ([]model.Transaction, error) {
	return s.store.ListTransactionsByOwner(ctx, ownerID)
}

// Summary values an owner's positions at the live price.
func (s *Service) Summary(ctx context.Context, ownerID string) (*model.DashboardSummary, error) {
	positions, err := s.store.ListPositionsByOwner(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	price, err := s.livePrice(ctx)
	if err != nil {
		return nil, err
	}
	summary, err := position.ComputeSummary(positions, price)
	if err != nil {
		return nil, err
	}
	summary.OwnerID = ownerID
	return summary, nil
}

// Terms reports the deposit limits and rates that apply to ownerID.
func (s *Service) Terms(ctx context.Context, ownerID string) (*model.DepositTerms, error) {
	active, err := s.activePrincipal(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	terms := &model.DepositTerms{
		MinDeposit:               s.ledger.MinDeposit(),
		ActivePrincipalFiat:      active,
		Headroom:                 s.limiter.Headroom(active),
		PayoutFeeRate:            s.workflow.FeeRate(),
		FixedReturnRatePerPeriod: s.fixedRate,
		FiatCurrency:             s.fiat,
	}
	if s.limiter != nil && s.limiter.MaxPerDeposit.IsPositive() {
		perDeposit := s.limiter.MaxPerDeposit
		terms.MaxPerDeposit = &perDeposit
	}
	return terms, nil
}

// --- Balances & destinations ---

// Balances returns the withdrawable amount in every payout category.
func (s *Service) Balances(ctx context.Context, ownerID string) (model.Balances, error) {
	positions, err := s.store.ListPositionsByOwner(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	requests, err := s.store.ListPayoutsByOwner(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	price, err := s.livePrice(ctx)
	if err != nil {
		return nil, err
	}

	balances := make(model.Balances, len(model.Categories))
	for _, c := range model.Categories {
		accrued, err := payout.Accrued(c, positions, price)
		if err != nil {
			return nil, err
		}
		balances[c] = payout.Available(accrued, payout.Consumed(c, requests))
	}
	return balances, nil
}

// SetDestination validates and stores the owner's payout bank account.
func (s *Service) SetDestination(ctx context.Context, ownerID string, in destination.Input) (*model.Destination, error) {
	d, err := destination.Parse(ownerID, in, s.now())
	if err != nil {
		return nil, err
	}
	if err := s.store.UpsertDestination(ctx, d); err != nil {
		return nil, err
	}
	slog.Info("destination updated",
		"owner", ownerID,
		"bank", destination.BankCode(d.IFSC),
		"account", destination.Mask(d.AccountNumber),
	)
	return d, nil
}

// GetDestination returns the owner's destination.
func (s *Service) GetDestination(ctx context.Context, ownerID string) (*model.Destination, error) {
	return s.store.GetDestination(ctx, ownerID)
}

// --- Payouts ---

// RequestPayout files a withdrawal of amount from category. Requests for
// one owner are serialised; the store insert is conditional on the
// consumed total read here, and a rejected insert is re-read once so a
// balance that no longer covers the amount surfaces as
// payout.ErrInsufficientBalance.
func (s *Service) RequestPayout(ctx context.Context, ownerID string, category model.PayoutCategory, amount decimal.Decimal) (*model.PayoutRequest, error) {
	defer metrics.ObserveSince("request_payout", time.Now())

	if !amount.IsPositive() {
		return nil, s.payoutRejected(category, payout.ErrBelowMinimum)
	}
	if err := money.ValidateFiat(amount); err != nil {
		return nil, s.payoutRejected(category, err)
	}
	if !category.Valid() {
		return nil, s.payoutRejected(category, payout.ErrInvalidCategory)
	}

	unlock := s.owners.lock(ownerID)
	defer unlock()

	dest, err := s.store.GetDestination(ctx, ownerID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	for attempt := 0; attempt < 2; attempt++ {
		bal, err := s.available(ctx, ownerID, category)
		if err != nil {
			return nil, err
		}

		req, err := s.workflow.Request(payout.RequestParams{
			OwnerID:     ownerID,
			Category:    category,
			Amount:      amount,
			Available:   bal.available,
			Destination: dest,
			Now:         s.now(),
		})
		if err != nil {
			return nil, s.payoutRejected(category, err)
		}
		if category == model.CategoryPrincipal {
			if err := payout.CheckPrincipal(bal.positions, bal.consumed, amount); err != nil {
				return nil, s.payoutRejected(category, err)
			}
		}

		err = s.store.CreatePayoutIfConsumed(ctx, req, bal.consumed)
		if err == nil {
			metrics.PayoutRequests.WithLabelValues(string(category), "accepted").Inc()
			metrics.PendingPayouts.Inc()
			slog.Info("payout requested",
				"payout_id", req.ID,
				"owner", ownerID,
				"category", category,
				"amount", amount.String(),
				"net", req.NetFiatAmount.String(),
				"fee", req.FeeFiatAmount.String(),
			)
			s.broadcast(WSMessage{
				Type:     "payout_requested",
				OwnerID:  ownerID,
				PayoutID: req.ID,
				Category: string(category),
				Amount:   amount.String(),
				Status:   string(req.Status),
			})
			return req, nil
		}
		if !errors.Is(err, store.ErrConflict) {
			return nil, err
		}
		slog.Warn("payout balance changed during request, re-reading",
			"owner", ownerID, "category", category, "attempt", attempt+1)
	}

	metrics.PayoutRequests.WithLabelValues(string(category), "conflict").Inc()
	return nil, fmt.Errorf("payout for %s: %w", ownerID, store.ErrConflict)
}

// ListPayouts returns an owner's payout requests, newest first.
func (s *Service) ListPayouts(ctx context.Context, ownerID string) ([]model.PayoutRequest, error) {
	return s.store.ListPayoutsByOwner(ctx, ownerID)
}

// DisposePayout applies an admin decision to a pending request. Approval
// records the payout transaction and, for principal withdrawals, closes
// every position the completed principal now fully covers, in the same
// write that finalizes the request.
func (s *Service) DisposePayout(ctx context.Context, actor identity.Actor, payoutID string, decision model.Decision) (*model.PayoutRequest, error) {
	defer metrics.ObserveSince("dispose_payout", time.Now())

	if !actor.IsAdmin {
		return nil, payout.ErrUnauthorized
	}

	r, err := s.store.GetPayout(ctx, payoutID)
	if err != nil {
		return nil, err
	}

	unlock := s.owners.lock(r.OwnerID)
	defer unlock()

	now := s.now()
	updated, err := payout.Dispose(*r, decision, actor.IsAdmin, actor.OwnerID, now)
	if err != nil {
		return nil, err
	}

	var settlement *model.Transaction
	var closeIDs []string
	if updated.Status == model.PayoutCompleted {
		settlement = payout.Settlement(updated, now)
		if updated.Category == model.CategoryPrincipal {
			closeIDs, err = s.principalClosures(ctx, updated)
			if err != nil {
				return nil, err
			}
		}
	}

	if err := s.store.FinalizePayout(ctx, &updated, settlement, closeIDs, now); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil, payout.ErrAlreadyFinalized
		}
		return nil, s.writeFailed("dispose_payout", r.OwnerID, err)
	}

	metrics.PayoutDispositions.WithLabelValues(string(decision)).Inc()
	metrics.PendingPayouts.Dec()
	slog.Info("payout disposed",
		"payout_id", updated.ID,
		"owner", updated.OwnerID,
		"decision", decision,
		"status", updated.Status,
		"admin", actor.OwnerID,
		"closed_positions", len(closeIDs),
	)
	s.broadcast(WSMessage{
		Type:     "payout_disposed",
		OwnerID:  updated.OwnerID,
		PayoutID: updated.ID,
		Category: string(updated.Category),
		Amount:   updated.RequestedFiatAmount.String(),
		Status:   string(updated.Status),
	})
	return &updated, nil
}

// PendingPayouts lists requests awaiting review, oldest first.
func (s *Service) PendingPayouts(ctx context.Context, actor identity.Actor) ([]model.PayoutRequest, error) {
	if !actor.IsAdmin {
		return nil, payout.ErrUnauthorized
	}
	pending, err := s.store.ListPayoutsByStatus(ctx, model.PayoutPending)
	if err != nil {
		return nil, err
	}
	metrics.PendingPayouts.Set(float64(len(pending)))
	return pending, nil
}

// Stats returns platform-wide figures.
func (s *Service) Stats(ctx context.Context, actor identity.Actor) (*model.PlatformStats, error) {
	if !actor.IsAdmin {
		return nil, payout.ErrUnauthorized
	}
	stats, err := s.store.PlatformStats(ctx)
	if err != nil {
		return nil, err
	}
	metrics.PendingPayouts.Set(float64(stats.PendingPayouts))
	return stats, nil
}

// --- Accrual ---

// ApplyAccrual credits one due period to a position. A position that is
// not due, or that a concurrent caller already advanced, fails with
// accrual.ErrNotDue.
func (s *Service) ApplyAccrual(ctx context.Context, positionID string, now time.Time) (*model.Position, error) {
	p, err := s.store.GetPosition(ctx, positionID)
	if err != nil {
		return nil, err
	}
	updated, err := s.accrue(ctx, *p, now)
	if err != nil {
		return nil, err
	}
	return &updated, nil
}

// AccrualRun reports one sweep over due positions.
type AccrualRun struct {
	Positions int `json:"positions"`
	Periods   int `json:"periods"`
	Failed    int `json:"failed"`
}

// ApplyDueAccruals credits every elapsed period on up to batch due
// positions, one transaction per period.
func (s *Service) ApplyDueAccruals(ctx context.Context, now time.Time, batch int) (AccrualRun, error) {
	defer metrics.ObserveSince("apply_due_accruals", time.Now())

	var run AccrualRun
	due, err := s.store.ListDuePositions(ctx, now, batch)
	if err != nil {
		return run, err
	}

	for _, p := range due {
		run.Positions++
		missed := accrual.Missed(p, now)
		if missed > 1 {
			slog.Warn("accrual behind schedule", "position_id", p.ID, "owner", p.OwnerID, "periods", missed)
		}
		cur := p
		for i := 0; i < missed; i++ {
			next, err := s.accrue(ctx, cur, now)
			if errors.Is(err, accrual.ErrNotDue) {
				break
			}
			if err != nil {
				run.Failed++
				slog.Error("accrual failed", "position_id", cur.ID, "owner", cur.OwnerID, "err", err)
				break
			}
			run.Periods++
			cur = next
		}
	}

	if run.Periods > 0 || run.Failed > 0 {
		slog.Info("accrual sweep complete",
			"positions", run.Positions, "periods", run.Periods, "failed", run.Failed)
	}
	return run, nil
}

func (s *Service) accrue(ctx context.Context, p model.Position, now time.Time) (model.Position, error) {
	updated, credited, err := accrual.ApplyAccrual(p, now)
	if err != nil {
		return p, err
	}
	prev := *p.NextAccrualDueAt
	entry := accrual.Entry(updated, credited, now)

	if err := s.store.ApplyAccrual(ctx, &updated, prev, entry); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return p, fmt.Errorf("position %s: %w", p.ID, accrual.ErrNotDue)
		}
		return p, s.writeFailed("apply_accrual", p.OwnerID, err)
	}

	metrics.AccrualsApplied.Inc()
	slog.Info("accrual applied",
		"position_id", p.ID,
		"owner", p.OwnerID,
		"credited", credited.String(),
		"next_due", updated.NextAccrualDueAt,
	)
	s.broadcast(WSMessage{
		Type:       "accrual_applied",
		OwnerID:    p.OwnerID,
		PositionID: p.ID,
		Amount:     credited.String(),
	})
	return updated, nil
}

// --- Helpers ---

// livePrice fetches the spot price; any failure is ErrPriceUnavailable.
func (s *Service) livePrice(ctx context.Context) (decimal.Decimal, error) {
	q, err := s.prices.SpotPrice(ctx, s.asset, s.fiat)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %w", position.ErrPriceUnavailable, err)
	}
	if !q.Price.IsPositive() {
		return decimal.Zero, position.ErrPriceUnavailable
	}
	return q.Price, nil
}

func (s *Service) activePrincipal(ctx context.Context, ownerID string) (decimal.Decimal, error) {
	positions, err := s.store.ListPositionsByOwner(ctx, ownerID)
	if err != nil {
		return decimal.Zero, err
	}
	active := decimal.Zero
	for _, p := range positions {
		if p.Status == model.PositionActive {
			active = active.Add(p.PrincipalFiat)
		}
	}
	return active, nil
}

// checkDepositLimit must run under the owner lock when it guards a write.
func (s *Service) checkDepositLimit(ctx context.Context, ownerID string, fiat decimal.Decimal) error {
	if s.limiter == nil {
		return nil
	}
	active, err := s.activePrincipal(ctx, ownerID)
	if err != nil {
		return err
	}
	if err := s.limiter.CheckLimit(fiat, active); err != nil {
		metrics.LimitRejections.Inc()
		return err
	}
	return nil
}

// balance is one read of an owner's standing in a payout category.
type balance struct {
	available decimal.Decimal
	consumed  decimal.Decimal
	positions []model.Position
}

// available returns the withdrawable balance in category together with
// the consumed total and positions it was derived from.
func (s *Service) available(ctx context.Context, ownerID string, category model.PayoutCategory) (balance, error) {
	positions, err := s.store.ListPositionsByOwner(ctx, ownerID)
	if err != nil {
		return balance{}, err
	}
	requests, err := s.store.ListPayoutsByOwner(ctx, ownerID)
	if err != nil {
		return balance{}, err
	}

	price := decimal.Zero
	if category == model.CategoryAssetProfit {
		if price, err = s.livePrice(ctx); err != nil {
			return balance{}, err
		}
	}
	accrued, err := payout.Accrued(category, positions, price)
	if err != nil {
		return balance{}, err
	}
	consumed := payout.Consumed(category, requests)
	return balance{
		available: payout.Available(accrued, consumed),
		consumed:  consumed,
		positions: positions,
	}, nil
}

// principalClosures returns the active positions fully covered once r
// completes.
func (s *Service) principalClosures(ctx context.Context, r model.PayoutRequest) ([]string, error) {
	positions, err := s.store.ListPositionsByOwner(ctx, r.OwnerID)
	if err != nil {
		return nil, err
	}
	requests, err := s.store.ListPayoutsByOwner(ctx, r.OwnerID)
	if err != nil {
		return nil, err
	}
	completed := payout.CompletedTotal(model.CategoryPrincipal, requests).Add(r.RequestedFiatAmount)
	return position.ClosuresFor(positions, completed), nil
}

func (s *Service) positionOpened(p *model.Position, origin string) {
	metrics.PositionsOpened.WithLabelValues(origin).Inc()
	volume, _ := p.PrincipalFiat.Float64()
	metrics.DepositVolume.Add(volume)
	slog.Info("position opened",
		"position_id", p.ID,
		"owner", p.OwnerID,
		"origin", origin,
		"principal", p.PrincipalFiat.String(),
		"asset_qty", p.AssetQuantity.String(),
		"price", p.ReferencePriceAtOpen.String(),
	)
	s.broadcast(WSMessage{
		Type:       "position_opened",
		OwnerID:    p.OwnerID,
		PositionID: p.ID,
		Amount:     p.PrincipalFiat.String(),
		Status:     string(p.Status),
	})
}

func (s *Service) payoutRejected(category model.PayoutCategory, err error) error {
	metrics.PayoutRequests.WithLabelValues(string(category), "rejected").Inc()
	return err
}

// writeFailed reports a failed store write. Partial writes are logged at
// error level and counted; the operation is treated as not succeeded.
func (s *Service) writeFailed(op, ownerID string, err error) error {
	if errors.Is(err, store.ErrPartialWrite) {
		metrics.PartialWrites.Inc()
		slog.Error("partial write rolled back", "op", op, "owner", ownerID, "err", err)
	}
	return err
}

func (s *Service) broadcast(msg WSMessage) {
	if s.wsHub != nil {
		s.wsHub.Broadcast(msg)
	}
}

// ownerLocks serialises work per owner within this process.
type ownerLocks struct {
	mu    sync.Mutex
	locks map[string]*ownerLock
}

type ownerLock struct {
	mu   sync.Mutex
	refs int
}

func (o *ownerLocks) lock(ownerID string) func() {
	o.mu.Lock()
	l, ok := o.locks[ownerID]
	if !ok {
		l = &ownerLock{}
		o.locks[ownerID] = l
	}
	l.refs++
	o.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		o.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(o.locks, ownerID)
		}
		o.mu.Unlock()
	}
}
