// Package store defines the persistence interface for the ledger engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing).
//
// Every method that writes more than one record is atomic: either all
// records land or none do. State transitions are conditional writes that
// fail with ErrConflict when the stored state no longer matches what the
// caller read.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/bitinvest/ledger-engine/internal/model"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrConflict is returned when a conditional write finds the stored
	// state changed since it was read.
	ErrConflict = errors.New("store: conditional write conflict")

	// ErrPartialWrite is returned when a multi-record write failed after
	// its first record. The write was rolled back but the caller must treat
	// the operation as failed and report it.
	ErrPartialWrite = errors.New("store: partial write")
)

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer.
type Store interface {
	// --- Positions ---

	// CreatePosition persists a position together with its buy transaction.
	CreatePosition(ctx context.Context, p *model.Position, buy *model.Transaction) error

	// GetPosition retrieves a position by its ID.
	GetPosition(ctx context.Context, id string) (*model.Position, error)

	// ListPositionsByOwner returns an owner's positions, oldest first.
	ListPositionsByOwner(ctx context.Context, ownerID string) ([]model.Position, error)

	// ListDuePositions returns up to limit active positions whose next
	// accrual is due at or before now.
	ListDuePositions(ctx context.Context, now time.Time, limit int) ([]model.Position, error)

	// ApplyAccrual stores the advanced position and its accrual transaction
	// if the stored next due date still equals prevDue.
	ApplyAccrual(ctx context.Context, updated *model.Position, prevDue time.Time, entry *model.Transaction) error

	// --- Immutable ledger ---

	// ListTransactionsByOwner returns an owner's transactions, newest first.
	ListTransactionsByOwner(ctx context.Context, ownerID string) ([]model.Transaction, error)

	// --- Deposit orders ---

	// CreateDepositOrder persists a new gateway order.
	CreateDepositOrder(ctx context.Context, o *model.DepositOrder) error

	// GetDepositOrder retrieves an order by its gateway ID.
	GetDepositOrder(ctx context.Context, id string) (*model.DepositOrder, error)

	// SettleDepositOrder marks an unpaid order paid and persists the
	// position it funds together with the buy transaction. A failed order
	// may still settle: the gateway allows another payment attempt.
	SettleDepositOrder(ctx context.Context, orderID, paymentID string, settledAt time.Time, p *model.Position, buy *model.Transaction) error

	// FailDepositOrder marks a created order failed.
	FailDepositOrder(ctx context.Context, orderID, paymentID string, at time.Time) error

	// --- Destinations ---

	// UpsertDestination replaces an owner's payout destination.
	UpsertDestination(ctx context.Context, d *model.Destination) error

	// GetDestination returns an owner's destination or ErrNotFound.
	GetDestination(ctx context.Context, ownerID string) (*model.Destination, error)

	// --- Payouts ---

	// CreatePayoutIfConsumed inserts r only if the owner's consumed amount
	// in r.Category (pending plus completed requests) still equals
	// expectedConsumed.
	CreatePayoutIfConsumed(ctx context.Context, r *model.PayoutRequest, expectedConsumed decimal.Decimal) error

	// GetPayout retrieves a payout request by its ID.
	GetPayout(ctx context.Context, id string) (*model.PayoutRequest, error)

	// ListPayoutsByOwner returns an owner's payout requests, newest first.
	ListPayoutsByOwner(ctx context.Context, ownerID string) ([]model.PayoutRequest, error)

	// ListPayoutsByStatus returns all requests in status, oldest first.
	ListPayoutsByStatus(ctx context.Context, status model.PayoutStatus) ([]model.PayoutRequest, error)

	// ListPayouts returns every request, newest first.
	ListPayouts(ctx context.Context) ([]model.PayoutRequest, error)

	// FinalizePayout moves a pending request to r.Status and, in the same
	// write, appends settlement (if non-nil) and closes closePositionIDs.
	FinalizePayout(ctx context.Context, r *model.PayoutRequest, settlement *model.Transaction, closePositionIDs []string, closedAt time.Time) error

	// --- Admin ---

	// PlatformStats aggregates platform-wide figures.
	PlatformStats(ctx context.Context) (*model.PlatformStats, error)

	// ListOwnerOverviews aggregates positions per owner, ordered by owner ID.
	ListOwnerOverviews(ctx context.Context) ([]model.OwnerOverview, error)

	// --- Settings ---

	// GetSetting returns the setting stored under key or ErrNotFound.
	GetSetting(ctx context.Context, key string) (*model.Setting, error)

	// PutSetting creates or replaces a setting.
	PutSetting(ctx context.Context, st *model.Setting) error
}
