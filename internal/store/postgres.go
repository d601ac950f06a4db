package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/bitinvest/ledger-engine/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// execer is satisfied by both the pool and a transaction.
type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

const positionColumns = `id, owner_id,
	principal_fiat::TEXT, asset_quantity::TEXT, reference_price_at_open::TEXT,
	status, fixed_return_rate_per_period::TEXT,
	next_accrual_due_at, last_accrual_at,
	total_fixed_returns_paid_to_date::TEXT,
	COALESCE(deposit_order_id, ''), created_at, closed_at`

const transactionColumns = `id, owner_id, position_id, payout_id, kind,
	fiat_amount::TEXT, asset_quantity::TEXT, reference_price_at_event::TEXT,
	status, created_at`

const payoutColumns = `id, owner_id, category,
	requested_fiat_amount::TEXT, fee_rate::TEXT, fee_fiat_amount::TEXT, net_fiat_amount::TEXT,
	status, destination_account_ref, created_at, processed_at, COALESCE(processed_by, '')`

const orderColumns = `id, owner_id, fiat_amount::TEXT, currency, receipt, status,
	COALESCE(payment_id, ''), COALESCE(position_id, ''), created_at, settled_at`

// --- Positions ---

func (s *PostgresStore) CreatePosition(ctx context.Context, p *model.Position, buy *model.Transaction) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if err := insertPosition(ctx, tx, p); err != nil {
		return err
	}
	if err := insertTransaction(ctx, tx, buy); err != nil {
		return fmt.Errorf("%w: buy transaction for position %s: %v", ErrPartialWrite, p.ID, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("%w: commit position %s: %v", ErrPartialWrite, p.ID, err)
	}
	return nil
}

func (s *PostgresStore) GetPosition(ctx context.Context, id string) (*model.Position, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+positionColumns+` FROM positions WHERE id = $1`, id)
	p, err := scanPosition(row)
	if err != nil {
		return nil, notFound(fmt.Sprintf("position %s", id), err)
	}
	return p, nil
}

func (s *PostgresStore) ListPositionsByOwner(ctx context.Context, ownerID string) ([]model.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+positionColumns+` FROM positions WHERE owner_id = $1 ORDER BY created_at`, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanPositions(rows)
}

func (s *PostgresStore) ListDuePositions(ctx context.Context, now time.Time, limit int) ([]model.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+positionColumns+` FROM positions
		 WHERE status = 'active' AND next_accrual_due_at <= $1
		 ORDER BY next_accrual_due_at
		 LIMIT $2`, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanPositions(rows)
}

func (s *PostgresStore) ApplyAccrual(ctx context.Context, updated *model.Position, prevDue time.Time, entry *model.Transaction) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	// Conditional on the due date the caller read: a concurrent sweep that
	// already advanced this position makes the update match nothing.
	tag, err := tx.Exec(ctx,
		`UPDATE positions
		 SET next_accrual_due_at = $2, last_accrual_at = $3,
		     total_fixed_returns_paid_to_date = $4::NUMERIC
		 WHERE id = $1 AND status = 'active' AND next_accrual_due_at = $5`,
		updated.ID, updated.NextAccrualDueAt, updated.LastAccrualAt,
		updated.TotalFixedReturnsPaidToDate.String(), prevDue,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("position %s accrual: %w", updated.ID, ErrConflict)
	}
	if err := insertTransaction(ctx, tx, entry); err != nil {
		return fmt.Errorf("%w: accrual entry for position %s: %v", ErrPartialWrite, updated.ID, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("%w: commit accrual %s: %v", ErrPartialWrite, updated.ID, err)
	}
	return nil
}

// --- Immutable ledger ---

func (s *PostgresStore) ListTransactionsByOwner(ctx context.Context, ownerID string) ([]model.Transaction, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+transactionColumns+` FROM transactions WHERE owner_id = $1 ORDER BY created_at DESC`, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var txs []model.Transaction
	for rows.Next() {
		var t model.Transaction
		var fiatS, qtyS, priceS string
		if err := rows.Scan(&t.ID, &t.OwnerID, &t.PositionID, &t.PayoutID, &t.Kind,
			&fiatS, &qtyS, &priceS, &t.Status, &t.CreatedAt); err != nil {
			return nil, err
		}
		t.FiatAmount, _ = decimal.NewFromString(fiatS)
		t.AssetQuantity, _ = decimal.NewFromString(qtyS)
		t.ReferencePriceAtEvent, _ = decimal.NewFromString(priceS)
		txs = append(txs, t)
	}
	return txs, rows.Err()
}

// --- Deposit orders ---

func (s *PostgresStore) CreateDepositOrder(ctx context.Context, o *model.DepositOrder) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO deposit_orders (id, owner_id, fiat_amount, currency, receipt, status, created_at)
		 VALUES ($1, $2, $3::NUMERIC, $4, $5, $6, $7)`,
		o.ID, o.OwnerID, o.FiatAmount.String(), o.Currency, o.Receipt, o.Status, o.CreatedAt,
	)
	return err
}

func (s *PostgresStore) GetDepositOrder(ctx context.Context, id string) (*model.DepositOrder, error) {
	var o model.DepositOrder
	var amountS string
	err := s.pool.QueryRow(ctx, `SELECT `+orderColumns+` FROM deposit_orders WHERE id = $1`, id).
		Scan(&o.ID, &o.OwnerID, &amountS, &o.Currency, &o.Receipt, &o.Status,
			&o.PaymentID, &o.PositionID, &o.CreatedAt, &o.SettledAt)
	if err != nil {
		return nil, notFound(fmt.Sprintf("deposit order %s", id), err)
	}
	o.FiatAmount, _ = decimal.NewFromString(amountS)
	return &o, nil
}

func (s *PostgresStore) SettleDepositOrder(ctx context.Context, orderID, paymentID string, settledAt time.Time, p *model.Position, buy *model.Transaction) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	var status model.DepositStatus
	err = tx.QueryRow(ctx, `SELECT status FROM deposit_orders WHERE id = $1 FOR UPDATE`, orderID).Scan(&status)
	if err != nil {
		return notFound(fmt.Sprintf("deposit order %s", orderID), err)
	}
	if status == model.DepositPaid {
		return fmt.Errorf("deposit order %s is %s: %w", orderID, status, ErrConflict)
	}

	if err := insertPosition(ctx, tx, p); err != nil {
		return err
	}
	if err := insertTransaction(ctx, tx, buy); err != nil {
		return fmt.Errorf("%w: buy transaction for order %s: %v", ErrPartialWrite, orderID, err)
	}
	if _, err := tx.Exec(ctx,
		`UPDATE deposit_orders
		 SET status = 'paid', payment_id = $2, position_id = $3, settled_at = $4
		 WHERE id = $1`,
		orderID, paymentID, p.ID, settledAt,
	); err != nil {
		return fmt.Errorf("%w: mark order %s paid: %v", ErrPartialWrite, orderID, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("%w: commit order %s: %v", ErrPartialWrite, orderID, err)
	}
	return nil
}

func (s *PostgresStore) FailDepositOrder(ctx context.Context, orderID, paymentID string, at time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE deposit_orders
		 SET status = 'failed', payment_id = $2, settled_at = $3
		 WHERE id = $1 AND status = 'created'`,
		orderID, paymentID, at,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.GetDepositOrder(ctx, orderID); err != nil {
			return err
		}
		return fmt.Errorf("deposit order %s: %w", orderID, ErrConflict)
	}
	return nil
}

// --- Destinations ---

func (s *PostgresStore) UpsertDestination(ctx context.Context, d *model.Destination) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO destinations (owner_id, account_holder_name, account_number, ifsc, verified, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (owner_id) DO UPDATE
		 SET account_holder_name = EXCLUDED.account_holder_name,
		     account_number = EXCLUDED.account_number,
		     ifsc = EXCLUDED.ifsc,
		     verified = EXCLUDED.verified,
		     updated_at = EXCLUDED.updated_at`,
		d.OwnerID, d.AccountHolderName, d.AccountNumber, d.IFSC, d.Verified, d.UpdatedAt,
	)
	return err
}

func (s *PostgresStore) GetDestination(ctx context.Context, ownerID string) (*model.Destination, error) {
	var d model.Destination
	err := s.pool.QueryRow(ctx,
		`SELECT owner_id, account_holder_name, account_number, ifsc, verified, updated_at
		 FROM destinations WHERE owner_id = $1`, ownerID).
		Scan(&d.OwnerID, &d.AccountHolderName, &d.AccountNumber, &d.IFSC, &d.Verified, &d.UpdatedAt)
	if err != nil {
		return nil, notFound(fmt.Sprintf("destination for %s", ownerID), err)
	}
	return &d, nil
}

// --- Payouts ---

func (s *PostgresStore) CreatePayoutIfConsumed(ctx context.Context, r *model.PayoutRequest, expectedConsumed decimal.Decimal) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	// Serialise balance checks per owner across instances.
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, r.OwnerID); err != nil {
		return fmt.Errorf("lock owner %s: %w", r.OwnerID, err)
	}

	var consumedS string
	if err := tx.QueryRow(ctx,
		`SELECT COALESCE(SUM(requested_fiat_amount), 0)::TEXT
		 FROM payout_requests
		 WHERE owner_id = $1 AND category = $2 AND status IN ('pending', 'completed')`,
		r.OwnerID, r.Category).Scan(&consumedS); err != nil {
		return err
	}
	consumed, _ := decimal.NewFromString(consumedS)
	if !consumed.Equal(expectedConsumed) {
		return fmt.Errorf("payout balance for %s/%s changed: %w", r.OwnerID, r.Category, ErrConflict)
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO payout_requests (id, owner_id, category, requested_fiat_amount, fee_rate,
		                              fee_fiat_amount, net_fiat_amount, status, destination_account_ref, created_at)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5::NUMERIC, $6::NUMERIC, $7::NUMERIC, $8, $9, $10)`,
		r.ID, r.OwnerID, r.Category,
		r.RequestedFiatAmount.String(), r.FeeRate.String(),
		r.FeeFiatAmount.String(), r.NetFiatAmount.String(),
		r.Status, r.DestinationAccountRef, r.CreatedAt,
	); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) GetPayout(ctx context.Context, id string) (*model.PayoutRequest, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+payoutColumns+` FROM payout_requests WHERE id = $1`, id)
	r, err := scanPayout(row)
	if err != nil {
		return nil, notFound(fmt.Sprintf("payout %s", id), err)
	}
	return r, nil
}

func (s *PostgresStore) ListPayoutsByOwner(ctx context.Context, ownerID string) ([]model.PayoutRequest, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+payoutColumns+` FROM payout_requests WHERE owner_id = $1 ORDER BY created_at DESC`, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanPayouts(rows)
}

func (s *PostgresStore) ListPayoutsByStatus(ctx context.Context, status model.PayoutStatus) ([]model.PayoutRequest, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+payoutColumns+` FROM payout_requests WHERE status = $1 ORDER BY created_at`, status)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanPayouts(rows)
}

func (s *PostgresStore) ListPayouts(ctx context.Context) ([]model.PayoutRequest, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+payoutColumns+` FROM payout_requests ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanPayouts(rows)
}

func (s *PostgresStore) FinalizePayout(ctx context.Context, r *model.PayoutRequest, settlement *model.Transaction, closePositionIDs []string, closedAt time.Time) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx,
		`UPDATE payout_requests
		 SET status = $2, processed_at = $3, processed_by = $4
		 WHERE id = $1 AND status = 'pending'`,
		r.ID, r.Status, r.ProcessedAt, r.ProcessedBy,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM payout_requests WHERE id = $1)`, r.ID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return fmt.Errorf("payout %s: %w", r.ID, ErrNotFound)
		}
		return fmt.Errorf("payout %s no longer pending: %w", r.ID, ErrConflict)
	}

	if settlement != nil {
		if err := insertTransaction(ctx, tx, settlement); err != nil {
			return fmt.Errorf("%w: settlement for payout %s: %v", ErrPartialWrite, r.ID, err)
		}
	}
	if len(closePositionIDs) > 0 {
		if _, err := tx.Exec(ctx,
			`UPDATE positions
			 SET status = 'closed', closed_at = $2, next_accrual_due_at = NULL
			 WHERE id = ANY($1) AND status = 'active'`,
			closePositionIDs, closedAt,
		); err != nil {
			return fmt.Errorf("%w: close positions for payout %s: %v", ErrPartialWrite, r.ID, err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("%w: commit payout %s: %v", ErrPartialWrite, r.ID, err)
	}
	return nil
}

// --- Admin ---

func (s *PostgresStore) PlatformStats(ctx context.Context) (*model.PlatformStats, error) {
	var st model.PlatformStats
	var volumeS, pendingS string
	err := s.pool.QueryRow(ctx,
		`SELECT
			(SELECT COUNT(DISTINCT owner_id) FROM positions),
			(SELECT COUNT(*) FROM positions WHERE status = 'active'),
			(SELECT COALESCE(SUM(principal_fiat), 0) FROM positions WHERE status = 'active')::TEXT,
			(SELECT COUNT(*) FROM transactions),
			(SELECT COUNT(*) FROM payout_requests WHERE status = 'pending'),
			(SELECT COALESCE(SUM(requested_fiat_amount), 0) FROM payout_requests WHERE status = 'pending')::TEXT`).
		Scan(&st.TotalOwners, &st.ActivePositions, &volumeS, &st.TotalTransactions, &st.PendingPayouts, &pendingS)
	if err != nil {
		return nil, err
	}
	st.ActiveVolumeFiat, _ = decimal.NewFromString(volumeS)
	st.PendingPayoutFiat, _ = decimal.NewFromString(pendingS)
	return &st, nil
}

func (s *PostgresStore) ListOwnerOverviews(ctx context.Context) ([]model.OwnerOverview, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT owner_id,
			COUNT(*) FILTER (WHERE status = 'active'),
			COALESCE(SUM(principal_fiat) FILTER (WHERE status = 'active'), 0)::TEXT,
			COALESCE(SUM(asset_quantity) FILTER (WHERE status = 'active'), 0)::TEXT,
			SUM(principal_fiat)::TEXT,
			SUM(total_fixed_returns_paid_to_date)::TEXT
		 FROM positions
		 GROUP BY owner_id
		 ORDER BY owner_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []model.OwnerOverview
	for rows.Next() {
		var o model.OwnerOverview
		var principalS, qtyS, lifetimeS, fixedS string
		if err := rows.Scan(&o.OwnerID, &o.ActivePositions, &principalS, &qtyS, &lifetimeS, &fixedS); err != nil {
			return nil, err
		}
		o.ActivePrincipalFiat, _ = decimal.NewFromString(principalS)
		o.ActiveAssetQuantity, _ = decimal.NewFromString(qtyS)
		o.LifetimePrincipalFiat, _ = decimal.NewFromString(lifetimeS)
		o.FixedReturnsPaidToDate, _ = decimal.NewFromString(fixedS)
		result = append(result, o)
	}
	return result, rows.Err()
}

// --- Settings ---

func (s *PostgresStore) GetSetting(ctx context.Context, key string) (*model.Setting, error) {
	var st model.Setting
	err := s.pool.QueryRow(ctx,
		`SELECT setting_key, setting_value, COALESCE(updated_by, ''), updated_at
		 FROM platform_settings WHERE setting_key = $1`, key).
		Scan(&st.Key, &st.Value, &st.UpdatedBy, &st.UpdatedAt)
	if err != nil {
		return nil, notFound(fmt.Sprintf("setting %s", key), err)
	}
	return &st, nil
}

func (s *PostgresStore) PutSetting(ctx context.Context, st *model.Setting) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO platform_settings (setting_key, setting_value, updated_by, updated_at)
		 VALUES ($1, $2, NULLIF($3, ''), $4)
		 ON CONFLICT (setting_key) DO UPDATE
		 SET setting_value = EXCLUDED.setting_value,
		     updated_by = EXCLUDED.updated_by,
		     updated_at = EXCLUDED.updated_at`,
		st.Key, st.Value, st.UpdatedBy, st.UpdatedAt,
	)
	return err
}

// --- Helpers ---

func insertPosition(ctx context.Context, db execer, p *model.Position) error {
	_, err := db.Exec(ctx,
		`INSERT INTO positions (id, owner_id, principal_fiat, asset_quantity, reference_price_at_open,
		                        status, fixed_return_rate_per_period, next_accrual_due_at, last_accrual_at,
		                        total_fixed_returns_paid_to_date, deposit_order_id, created_at)
		 VALUES ($1, $2, $3::NUMERIC, $4::NUMERIC, $5::NUMERIC, $6, $7::NUMERIC, $8, $9, $10::NUMERIC, NULLIF($11, ''), $12)`,
		p.ID, p.OwnerID,
		p.PrincipalFiat.String(), p.AssetQuantity.String(), p.ReferencePriceAtOpen.String(),
		p.Status, p.FixedReturnRatePerPeriod.String(),
		p.NextAccrualDueAt, p.LastAccrualAt,
		p.TotalFixedReturnsPaidToDate.String(), p.DepositOrderID, p.CreatedAt,
	)
	return err
}

func insertTransaction(ctx context.Context, db execer, t *model.Transaction) error {
	_, err := db.Exec(ctx,
		`INSERT INTO transactions (id, owner_id, position_id, payout_id, kind, fiat_amount,
		                           asset_quantity, reference_price_at_event, status, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC, $9, $10)`,
		t.ID, t.OwnerID, t.PositionID, t.PayoutID, t.Kind,
		t.FiatAmount.String(), t.AssetQuantity.String(), t.ReferencePriceAtEvent.String(),
		t.Status, t.CreatedAt,
	)
	return err
}

func notFound(what string, err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	return fmt.Errorf("%s: %w", what, err)
}

// pgxRows is the subset of pgx.Rows the scanners need.
type pgxRows interface {
	Next() bool
	Scan(dest ...interface{}) error
	Err() error
}

type pgxRow interface {
	Scan(dest ...interface{}) error
}

func scanPosition(row pgxRow) (*model.Position, error) {
	var p model.Position
	var principalS, qtyS, priceS, rateS, paidS string
	if err := row.Scan(&p.ID, &p.OwnerID,
		&principalS, &qtyS, &priceS,
		&p.Status, &rateS,
		&p.NextAccrualDueAt, &p.LastAccrualAt,
		&paidS, &p.DepositOrderID, &p.CreatedAt, &p.ClosedAt); err != nil {
		return nil, err
	}
	p.PrincipalFiat, _ = decimal.NewFromString(principalS)
	p.AssetQuantity, _ = decimal.NewFromString(qtyS)
	p.ReferencePriceAtOpen, _ = decimal.NewFromString(priceS)
	p.FixedReturnRatePerPeriod, _ = decimal.NewFromString(rateS)
	p.TotalFixedReturnsPaidToDate, _ = decimal.NewFromString(paidS)
	return &p, nil
}

func scanPositions(rows pgxRows) ([]model.Position, error) {
	var positions []model.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		positions = append(positions, *p)
	}
	return positions, rows.Err()
}

func scanPayout(row pgxRow) (*model.PayoutRequest, error) {
	var r model.PayoutRequest
	var reqS, rateS, feeS, netS string
	if err := row.Scan(&r.ID, &r.OwnerID, &r.Category,
		&reqS, &rateS, &feeS, &netS,
		&r.Status, &r.DestinationAccountRef, &r.CreatedAt, &r.ProcessedAt, &r.ProcessedBy); err != nil {
		return nil, err
	}
	r.RequestedFiatAmount, _ = decimal.NewFromString(reqS)
	r.FeeRate, _ = decimal.NewFromString(rateS)
	r.FeeFiatAmount, _ = decimal.NewFromString(feeS)
	r.NetFiatAmount, _ = decimal.NewFromString(netS)
	return &r, nil
}

func scanPayouts(rows pgxRows) ([]model.PayoutRequest, error) {
	var payouts []model.PayoutRequest
	for rows.Next() {
		r, err := scanPayout(rows)
		if err != nil {
			return nil, err
		}
		payouts = append(payouts, *r)
	}
	return payouts, rows.Err()
}
