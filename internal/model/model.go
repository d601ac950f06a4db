// Package model defines the core domain types shared across the ledger engine.
// All monetary values use shopspring/decimal, never float64.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// PositionStatus is the lifecycle state of a Position.
type PositionStatus string

const (
	PositionActive PositionStatus = "active"
	PositionClosed PositionStatus = "closed"
)

// TransactionKind tags an immutable Transaction.
type TransactionKind string

const (
	KindBuy     TransactionKind = "buy"
	KindAccrual TransactionKind = "accrual"
	KindPayout  TransactionKind = "payout"
)

// TransactionStatus is the settlement state of a Transaction.
type TransactionStatus string

const (
	TxCompleted TransactionStatus = "completed"
	TxReversed  TransactionStatus = "reversed"
)

// PayoutCategory names the earnings bucket a payout draws from.
type PayoutCategory string

const (
	CategoryFixedReturn PayoutCategory = "fixed_return"
	CategoryAssetProfit PayoutCategory = "asset_profit"
	CategoryPrincipal   PayoutCategory = "principal"
)

// Categories lists every payout category in display order.
var Categories = []PayoutCategory{CategoryFixedReturn, CategoryAssetProfit, CategoryPrincipal}

// Valid reports whether c is a known category.
func (c PayoutCategory) Valid() bool {
	switch c {
	case CategoryFixedReturn, CategoryAssetProfit, CategoryPrincipal:
		return true
	}
	return false
}

// PayoutStatus is the workflow state of a PayoutRequest.
type PayoutStatus string

const (
	PayoutPending   PayoutStatus = "pending"
	PayoutCompleted PayoutStatus = "completed"
	PayoutFailed    PayoutStatus = "failed"
)

// Terminal reports whether no further transition is allowed.
func (s PayoutStatus) Terminal() bool {
	return s == PayoutCompleted || s == PayoutFailed
}

// Valid reports whether s is a known status.
func (s PayoutStatus) Valid() bool {
	return s == PayoutPending || s.Terminal()
}

// Decision is an admin's verdict on a pending payout.
type Decision string

const (
	DecisionApprove Decision = "approve"
	DecisionReject  Decision = "reject"
)

// DepositStatus is the state of a gateway deposit order.
type DepositStatus string

const (
	DepositCreated DepositStatus = "created"
	DepositPaid    DepositStatus = "paid"
	DepositFailed  DepositStatus = "failed"
)

// Position is one deposit converted into an asset holding. The asset
// quantity is fixed at creation; only accrual bookkeeping and closure
// mutate a position afterwards.
type Position struct {
	ID                          string          `json:"id" db:"id"`
	OwnerID                     string          `json:"owner_id" db:"owner_id"`
	PrincipalFiat               decimal.Decimal `json:"principal_fiat" db:"principal_fiat"`
	AssetQuantity               decimal.Decimal `json:"asset_quantity" db:"asset_quantity"`
	ReferencePriceAtOpen        decimal.Decimal `json:"reference_price_at_open" db:"reference_price_at_open"`
	Status                      PositionStatus  `json:"status" db:"status"`
	FixedReturnRatePerPeriod    decimal.Decimal `json:"fixed_return_rate_per_period" db:"fixed_return_rate_per_period"`
	NextAccrualDueAt            *time.Time      `json:"next_accrual_due_at,omitempty" db:"next_accrual_due_at"`
	LastAccrualAt               *time.Time      `json:"last_accrual_at,omitempty" db:"last_accrual_at"`
	TotalFixedReturnsPaidToDate decimal.Decimal `json:"total_fixed_returns_paid_to_date" db:"total_fixed_returns_paid_to_date"`
	DepositOrderID              string          `json:"deposit_order_id,omitempty" db:"deposit_order_id"`
	CreatedAt                   time.Time       `json:"created_at" db:"created_at"`
	ClosedAt                    *time.Time      `json:"closed_at,omitempty" db:"closed_at"`
}

// Transaction is an immutable, append-only ledger record.
type Transaction struct {
	ID                    string            `json:"id" db:"id"`
	OwnerID               string            `json:"owner_id" db:"owner_id"`
	PositionID            *string           `json:"position_id,omitempty" db:"position_id"`
	PayoutID              *string           `json:"payout_id,omitempty" db:"payout_id"`
	Kind                  TransactionKind   `json:"kind" db:"kind"`
	FiatAmount            decimal.Decimal   `json:"fiat_amount" db:"fiat_amount"`
	AssetQuantity         decimal.Decimal   `json:"asset_quantity" db:"asset_quantity"`
	ReferencePriceAtEvent decimal.Decimal   `json:"reference_price_at_event" db:"reference_price_at_event"`
	Status                TransactionStatus `json:"status" db:"status"`
	CreatedAt             time.Time         `json:"created_at" db:"created_at"`
}

// PayoutRequest is a withdrawal awaiting or past admin disposition.
// FeeRate, FeeFiatAmount and NetFiatAmount are frozen at creation.
type PayoutRequest struct {
	ID                    string          `json:"id" db:"id"`
	OwnerID               string          `json:"owner_id" db:"owner_id"`
	Category              PayoutCategory  `json:"category" db:"category"`
	RequestedFiatAmount   decimal.Decimal `json:"requested_fiat_amount" db:"requested_fiat_amount"`
	FeeRate               decimal.Decimal `json:"fee_rate" db:"fee_rate"`
	FeeFiatAmount         decimal.Decimal `json:"fee_fiat_amount" db:"fee_fiat_amount"`
	NetFiatAmount         decimal.Decimal `json:"net_fiat_amount" db:"net_fiat_amount"`
	Status                PayoutStatus    `json:"status" db:"status"`
	DestinationAccountRef string          `json:"destination_account_ref" db:"destination_account_ref"`
	CreatedAt             time.Time       `json:"created_at" db:"created_at"`
	ProcessedAt           *time.Time      `json:"processed_at,omitempty" db:"processed_at"`
	ProcessedBy           string          `json:"processed_by,omitempty" db:"processed_by"`
}

// DashboardSummary is derived on demand from an owner's positions and a
// live price. It is never stored.
type DashboardSummary struct {
	OwnerID            string          `json:"owner_id,omitempty"`
	LivePrice          decimal.Decimal `json:"live_price"`
	ActivePositions    int             `json:"active_positions"`
	TotalInvestedFiat  decimal.Decimal `json:"total_invested_fiat"`
	TotalAssetQuantity decimal.Decimal `json:"total_asset_quantity"`
	CurrentValueFiat   decimal.Decimal `json:"current_value_fiat"`
	AssetProfitFiat    decimal.Decimal `json:"asset_profit_fiat"`  // current - invested, may be negative
	FixedReturnFiat    decimal.Decimal `json:"fixed_return_fiat"`  // per-period return on active principal
	TotalEarningsFiat  decimal.Decimal `json:"total_earnings_fiat"` // profit + fixed

	// Historical figures include closed positions.
	LifetimeInvestedFiat   decimal.Decimal `json:"lifetime_invested_fiat"`
	FixedReturnsPaidToDate decimal.Decimal `json:"fixed_returns_paid_to_date"`
}

// Balances is the withdrawable amount per payout category.
type Balances map[PayoutCategory]decimal.Decimal

// DepositOrder tracks a payment-gateway order until it is paid and turned
// into a Position.
type DepositOrder struct {
	ID         string          `json:"id" db:"id"` // gateway order id
	OwnerID    string          `json:"owner_id" db:"owner_id"`
	FiatAmount decimal.Decimal `json:"fiat_amount" db:"fiat_amount"`
	Currency   string          `json:"currency" db:"currency"`
	Receipt    string          `json:"receipt" db:"receipt"`
	Status     DepositStatus   `json:"status" db:"status"`
	PaymentID  string          `json:"payment_id,omitempty" db:"payment_id"`
	PositionID string          `json:"position_id,omitempty" db:"position_id"`
	CreatedAt  time.Time       `json:"created_at" db:"created_at"`
	SettledAt  *time.Time      `json:"settled_at,omitempty" db:"settled_at"`
}

// Destination is the bank account an owner's payouts settle to.
type Destination struct {
	OwnerID           string    `json:"owner_id" db:"owner_id"`
	AccountHolderName string    `json:"account_holder_name" db:"account_holder_name"`
	AccountNumber     string    `json:"account_number" db:"account_number"`
	IFSC              string    `json:"ifsc" db:"ifsc"`
	Verified          bool      `json:"verified" db:"verified"`
	UpdatedAt         time.Time `json:"updated_at" db:"updated_at"`
}

// Ref is the opaque reference copied onto payout requests.
func (d *Destination) Ref() string {
	return d.IFSC + "/" + d.AccountNumber
}

// PlatformStats is the admin overview.
type PlatformStats struct {
	TotalOwners       int             `json:"total_owners"`
	ActivePositions   int             `json:"active_positions"`
	ActiveVolumeFiat  decimal.Decimal `json:"active_volume_fiat"`
	TotalTransactions int             `json:"total_transactions"`
	PendingPayouts    int             `json:"pending_payouts"`
	PendingPayoutFiat decimal.Decimal `json:"pending_payout_fiat"`
}

// SettingDepositAddress is the key of the asset address owners deposit to
// directly.
const SettingDepositAddress = "btc_deposit_address"

// Setting is a platform-wide value published by admins.
type Setting struct {
	Key       string    `json:"key" db:"key"`
	Value     string    `json:"value" db:"value"`
	UpdatedBy string    `json:"updated_by,omitempty" db:"updated_by"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// OwnerOverview is one owner's row in the admin listing.
type OwnerOverview struct {
	OwnerID                string          `json:"owner_id"`
	ActivePositions        int             `json:"active_positions"`
	ActivePrincipalFiat    decimal.Decimal `json:"active_principal_fiat"`
	ActiveAssetQuantity    decimal.Decimal `json:"active_asset_quantity"`
	LifetimePrincipalFiat  decimal.Decimal `json:"lifetime_principal_fiat"`
	FixedReturnsPaidToDate decimal.Decimal `json:"fixed_returns_paid_to_date"`
}

// DepositTerms tells an owner what the platform accepts and charges.
// Nil caps are unlimited.
type DepositTerms struct {
	MinDeposit               decimal.Decimal  `json:"min_deposit"`
	MaxPerDeposit            *decimal.Decimal `json:"max_per_deposit,omitempty"`
	ActivePrincipalFiat      decimal.Decimal  `json:"active_principal_fiat"`
	Headroom                 *decimal.Decimal `json:"headroom,omitempty"`
	PayoutFeeRate            decimal.Decimal  `json:"payout_fee_rate"`
	FixedReturnRatePerPeriod decimal.Decimal  `json:"fixed_return_rate_per_period"`
	FiatCurrency             string           `json:"fiat_currency"`
}
