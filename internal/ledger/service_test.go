package ledger_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bitinvest/ledger-engine/internal/accrual"
	"github.com/bitinvest/ledger-engine/internal/destination"
	"github.com/bitinvest/ledger-engine/internal/identity"
	"github.com/bitinvest/ledger-engine/internal/ledger"
	"github.com/bitinvest/ledger-engine/internal/limits"
	"github.com/bitinvest/ledger-engine/internal/model"
	"github.com/bitinvest/ledger-engine/internal/money"
	"github.com/bitinvest/ledger-engine/internal/oracle"
	"github.com/bitinvest/ledger-engine/internal/payment"
	"github.com/bitinvest/ledger-engine/internal/payout"
	"github.com/bitinvest/ledger-engine/internal/position"
	"github.com/bitinvest/ledger-engine/internal/store"
)

const webhookSecret = "whsec_test"

var (
	t0    = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	admin = identity.Actor{OwnerID: "ops-1", IsAdmin: true}
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(dur time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(dur)
}

type fakeGateway struct {
	mu     sync.Mutex
	orders int
	err    error
}

func (g *fakeGateway) CreateOrder(_ context.Context, amount decimal.Decimal, currency, receipt string, _ map[string]string) (*payment.Order, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.err != nil {
		return nil, g.err
	}
	g.orders++
	return &payment.Order{
		ID:          fmt.Sprintf("order_%d", g.orders),
		AmountMinor: money.ToMinorUnits(amount),
		Currency:    currency,
		Receipt:     receipt,
		Status:      "created",
	}, nil
}

func (g *fakeGateway) KeyID() string { return "rzp_test_key" }

type testEnv struct {
	svc    *ledger.Service
	store  *store.MemoryStore
	prices *oracle.StaticSource
	clock  *clock
	gw     *fakeGateway
}

func newEnv(t *testing.T, mutate ...func(*ledger.Options)) *testEnv {
	t.Helper()
	env := &testEnv{
		store:  store.NewMemoryStore(),
		prices: oracle.NewStaticSource(),
		clock:  &clock{t: t0},
		gw:     &fakeGateway{},
	}
	env.prices.Set("BTC", "USD", d("50000"))

	opts := ledger.Options{
		Store:           env.store,
		Prices:          env.prices,
		Gateway:         env.gw,
		Asset:           "BTC",
		FiatCurrency:    "USD",
		FeeRate:         d("0.05"),
		FixedReturnRate: d("0.03"),
		MinDeposit:      d("100"),
		WebhookSecret:   webhookSecret,
		Now:             env.clock.Now,
	}
	for _, fn := range mutate {
		fn(&opts)
	}
	svc, err := ledger.NewService(opts)
	require.NoError(t, err)
	env.svc = svc
	return env
}

func (e *testEnv) open(t *testing.T, owner, amount string) *model.Position {
	t.Helper()
	p, err := e.svc.OpenPosition(context.Background(), owner, d(amount))
	require.NoError(t, err)
	return p
}

func (e *testEnv) setDestination(t *testing.T, owner string) {
	t.Helper()
	_, err := e.svc.SetDestination(context.Background(), owner, destination.Input{
		AccountHolderName: "Asha Rao",
		AccountNumber:     "123456789012",
		IFSC:              "HDFC0001234",
	})
	require.NoError(t, err)
}

// --- Positions & summary ---

func TestOpenPosition_SummaryAtOpenAndMovedPrice(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()

	p := env.open(t, "alice", "100")
	assert.True(t, p.AssetQuantity.Equal(d("0.002")), "qty = %s", p.AssetQuantity)
	assert.Equal(t, model.PositionActive, p.Status)
	require.NotNil(t, p.NextAccrualDueAt)
	assert.True(t, p.NextAccrualDueAt.Equal(t0.Add(accrual.Period)))

	s, err := env.svc.Summary(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, s.AssetProfitFiat.IsZero())
	assert.Equal(t, "alice", s.OwnerID)

	env.prices.Set("BTC", "USD", d("55000"))
	s, err = env.svc.Summary(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, s.AssetProfitFiat.Equal(d("10")), "profit = %s", s.AssetProfitFiat)
	assert.True(t, s.FixedReturnFiat.Equal(d("3")), "fixed = %s", s.FixedReturnFiat)
	assert.True(t, s.TotalEarningsFiat.Equal(d("13")), "total = %s", s.TotalEarningsFiat)

	txs, err := env.svc.ListTransactions(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.Equal(t, model.KindBuy, txs[0].Kind)
	assert.True(t, txs[0].AssetQuantity.Equal(p.AssetQuantity))
}

func TestOpenPosition_Validation(t *testing.T) {
	env := newEnv(t, func(o *ledger.Options) {
		o.Limiter = limits.NewDepositLimiter(d("1000"), d("1500"))
	})
	ctx := context.Background()

	_, err := env.svc.OpenPosition(ctx, "alice", d("50"))
	assert.ErrorIs(t, err, money.ErrInvalidAmount)

	_, err = env.svc.OpenPosition(ctx, "alice", d("1001"))
	assert.ErrorIs(t, err, limits.ErrPerDepositLimitExceeded)

	env.open(t, "alice", "1000")
	_, err = env.svc.OpenPosition(ctx, "alice", d("600"))
	assert.ErrorIs(t, err, limits.ErrOwnerLimitExceeded)

	env.prices.Clear("BTC", "USD")
	_, err = env.svc.OpenPosition(ctx, "bob", d("100"))
	assert.ErrorIs(t, err, position.ErrPriceUnavailable)
}

func TestSummary_PriceUnavailable(t *testing.T) {
	env := newEnv(t)
	env.open(t, "alice", "100")
	env.prices.Clear("BTC", "USD")

	_, err := env.svc.Summary(context.Background(), "alice")
	assert.ErrorIs(t, err, position.ErrPriceUnavailable)
	assert.ErrorIs(t, err, oracle.ErrNoQuote)
}

func TestSummary_SumOfContributions(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()
	for _, amt := range []string{"100", "333.33", "1250.01"} {
		env.open(t, "alice", amt)
		env.clock.Advance(time.Minute)
	}
	env.prices.Set("BTC", "USD", d("61234.56"))

	positions, err := env.svc.ListPositions(ctx, "alice")
	require.NoError(t, err)
	s, err := env.svc.Summary(ctx, "alice")
	require.NoError(t, err)

	var value, profit decimal.Decimal
	for _, p := range positions {
		c := position.ContributionOf(p, d("61234.56"))
		value = value.Add(c.CurrentValue)
		profit = profit.Add(c.AssetProfit)
	}
	assert.True(t, money.RoundFiat(value).Equal(s.CurrentValueFiat))
	assert.True(t, money.RoundFiat(profit).Equal(s.AssetProfitFiat))
	assert.Equal(t, 3, s.ActivePositions)
}

// --- Accrual ---

func TestApplyAccrual_TwiceWithoutTimeAdvancing(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()
	p := env.open(t, "alice", "100")

	_, err := env.svc.ApplyAccrual(ctx, p.ID, env.clock.Now())
	assert.ErrorIs(t, err, accrual.ErrNotDue)

	env.clock.Advance(accrual.Period)
	now := env.clock.Now()
	updated, err := env.svc.ApplyAccrual(ctx, p.ID, now)
	require.NoError(t, err)
	assert.True(t, updated.TotalFixedReturnsPaidToDate.Equal(d("3")))
	assert.True(t, updated.NextAccrualDueAt.Equal(t0.Add(2*accrual.Period)))

	_, err = env.svc.ApplyAccrual(ctx, p.ID, now)
	assert.ErrorIs(t, err, accrual.ErrNotDue)
}

func TestApplyDueAccruals_CatchesUpOnePeriodPerEntry(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()
	p := env.open(t, "alice", "100")
	env.open(t, "bob", "200")

	env.clock.Advance(95 * 24 * time.Hour)
	run, err := env.svc.ApplyDueAccruals(ctx, env.clock.Now(), 100)
	require.NoError(t, err)
	assert.Equal(t, 2, run.Positions)
	assert.Equal(t, 6, run.Periods)
	assert.Zero(t, run.Failed)

	got, err := env.store.GetPosition(ctx, p.ID)
	require.NoError(t, err)
	assert.True(t, got.TotalFixedReturnsPaidToDate.Equal(d("9")))

	txs, _ := env.svc.ListTransactions(ctx, "alice")
	accruals := 0
	for _, tx := range txs {
		if tx.Kind == model.KindAccrual {
			accruals++
			assert.True(t, tx.FiatAmount.Equal(d("3")))
		}
	}
	assert.Equal(t, 3, accruals)

	run, err = env.svc.ApplyDueAccruals(ctx, env.clock.Now(), 100)
	require.NoError(t, err)
	assert.Zero(t, run.Periods)
}

// --- Payouts ---

func accrueOnce(t *testing.T, env *testEnv) {
	t.Helper()
	env.clock.Advance(accrual.Period)
	_, err := env.svc.ApplyDueAccruals(context.Background(), env.clock.Now(), 100)
	require.NoError(t, err)
}

func TestRequestPayout_Validation(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()
	env.open(t, "alice", "100")
	accrueOnce(t, env)

	_, err := env.svc.RequestPayout(ctx, "alice", model.CategoryFixedReturn, d("1"))
	assert.ErrorIs(t, err, payout.ErrMissingDestination)

	env.setDestination(t, "alice")

	_, err = env.svc.RequestPayout(ctx, "alice", model.CategoryFixedReturn, decimal.Zero)
	assert.ErrorIs(t, err, payout.ErrBelowMinimum)

	_, err = env.svc.RequestPayout(ctx, "alice", "bonus", d("1"))
	assert.ErrorIs(t, err, payout.ErrInvalidCategory)

	_, err = env.svc.RequestPayout(ctx, "alice", model.CategoryFixedReturn, d("50"))
	assert.ErrorIs(t, err, payout.ErrInsufficientBalance)
}

func TestRequestPayout_RejectReleasesAndIsFinal(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()
	env.open(t, "alice", "100")
	accrueOnce(t, env)
	env.setDestination(t, "alice")

	r, err := env.svc.RequestPayout(ctx, "alice", model.CategoryFixedReturn, d("2"))
	require.NoError(t, err)
	assert.True(t, r.NetFiatAmount.Equal(d("1.9")), "net = %s", r.NetFiatAmount)
	assert.True(t, r.FeeFiatAmount.Equal(d("0.1")))
	assert.Equal(t, "HDFC0001234/123456789012", r.DestinationAccountRef)

	b, err := env.svc.Balances(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, b[model.CategoryFixedReturn].Equal(d("1")))

	rejected, err := env.svc.DisposePayout(ctx, admin, r.ID, model.DecisionReject)
	require.NoError(t, err)
	assert.Equal(t, model.PayoutFailed, rejected.Status)
	require.NotNil(t, rejected.ProcessedAt)
	assert.Equal(t, "ops-1", rejected.ProcessedBy)

	_, err = env.svc.DisposePayout(ctx, admin, r.ID, model.DecisionReject)
	assert.ErrorIs(t, err, payout.ErrAlreadyFinalized)
	_, err = env.svc.DisposePayout(ctx, admin, r.ID, model.DecisionApprove)
	assert.ErrorIs(t, err, payout.ErrAlreadyFinalized)

	b, err = env.svc.Balances(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, b[model.CategoryFixedReturn].Equal(d("3")), "rejected amount is released")
}

func TestDisposePayout_Guards(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()
	env.open(t, "alice", "100")
	env.setDestination(t, "alice")
	r, err := env.svc.RequestPayout(ctx, "alice", model.CategoryPrincipal, d("100"))
	require.NoError(t, err)

	_, err = env.svc.DisposePayout(ctx, identity.Actor{OwnerID: "alice"}, r.ID, model.DecisionApprove)
	assert.ErrorIs(t, err, payout.ErrUnauthorized)

	_, err = env.svc.DisposePayout(ctx, admin, r.ID, "maybe")
	assert.ErrorIs(t, err, payout.ErrInvalidDecision)

	_, err = env.svc.DisposePayout(ctx, admin, "missing", model.DecisionApprove)
	assert.ErrorIs(t, err, store.ErrNotFound)

	_, err = env.svc.PendingPayouts(ctx, identity.Actor{OwnerID: "alice"})
	assert.ErrorIs(t, err, payout.ErrUnauthorized)
	pending, err := env.svc.PendingPayouts(ctx, admin)
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}

func TestDisposePayout_ApprovePrincipalClosesCoveredPositions(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()
	first := env.open(t, "alice", "100")
	env.clock.Advance(time.Hour)
	second := env.open(t, "alice", "200")
	env.setDestination(t, "alice")

	r, err := env.svc.RequestPayout(ctx, "alice", model.CategoryPrincipal, d("100"))
	require.NoError(t, err)
	done, err := env.svc.DisposePayout(ctx, admin, r.ID, model.DecisionApprove)
	require.NoError(t, err)
	assert.Equal(t, model.PayoutCompleted, done.Status)

	p1, _ := env.store.GetPosition(ctx, first.ID)
	p2, _ := env.store.GetPosition(ctx, second.ID)
	assert.Equal(t, model.PositionClosed, p1.Status)
	assert.Nil(t, p1.NextAccrualDueAt)
	assert.Equal(t, model.PositionActive, p2.Status)

	txs, err := env.svc.ListTransactions(ctx, "alice")
	require.NoError(t, err)
	require.Equal(t, model.KindPayout, txs[0].Kind)
	assert.True(t, txs[0].FiatAmount.Equal(d("95")))
	require.NotNil(t, txs[0].PayoutID)
	assert.Equal(t, r.ID, *txs[0].PayoutID)

	s, err := env.svc.Summary(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, s.TotalInvestedFiat.Equal(d("200")))
	assert.True(t, s.LifetimeInvestedFiat.Equal(d("300")))

	b, err := env.svc.Balances(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, b[model.CategoryPrincipal].Equal(d("200")))

	// Closed positions no longer accrue.
	env.clock.Advance(accrual.Period)
	run, err := env.svc.ApplyDueAccruals(ctx, env.clock.Now(), 100)
	require.NoError(t, err)
	assert.Equal(t, 1, run.Positions)
}

func TestRequestPayout_ConcurrentRequestsCannotOverdraw(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()
	env.open(t, "alice", "100")
	accrueOnce(t, env)
	env.setDestination(t, "alice")

	const callers = 10
	var wg sync.WaitGroup
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = env.svc.RequestPayout(ctx, "alice", model.CategoryFixedReturn, d("1"))
		}(i)
	}
	wg.Wait()

	ok := 0
	for _, err := range errs {
		if err == nil {
			ok++
			continue
		}
		assert.ErrorIs(t, err, payout.ErrInsufficientBalance)
	}
	assert.Equal(t, 3, ok)

	b, err := env.svc.Balances(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, b[model.CategoryFixedReturn].IsZero())
}

// racingStore inserts a competing request the first time a payout is
// created, as another instance would.
type racingStore struct {
	*store.MemoryStore
	once sync.Once
}

func (s *racingStore) CreatePayoutIfConsumed(ctx context.Context, r *model.PayoutRequest, expected decimal.Decimal) error {
	s.once.Do(func() {
		rival := *r
		rival.ID = "rival"
		rival.RequestedFiatAmount = d("2.5")
		_ = s.MemoryStore.CreatePayoutIfConsumed(ctx, &rival, expected)
	})
	return s.MemoryStore.CreatePayoutIfConsumed(ctx, r, expected)
}

func TestRequestPayout_ConflictReReadsBalance(t *testing.T) {
	rs := &racingStore{MemoryStore: store.NewMemoryStore()}
	env := newEnv(t, func(o *ledger.Options) { o.Store = rs })
	ctx := context.Background()
	env.open(t, "alice", "100")
	accrueOnce(t, env)
	env.setDestination(t, "alice")

	_, err := env.svc.RequestPayout(ctx, "alice", model.CategoryFixedReturn, d("1"))
	assert.ErrorIs(t, err, payout.ErrInsufficientBalance)

	r, err := env.svc.RequestPayout(ctx, "alice", model.CategoryFixedReturn, d("0.5"))
	require.NoError(t, err)
	assert.Equal(t, model.PayoutPending, r.Status)
}

// partialStore fails the second record of every multi-record write.
type partialStore struct {
	*store.MemoryStore
}

func (s *partialStore) CreatePosition(_ context.Context, p *model.Position, _ *model.Transaction) error {
	return fmt.Errorf("%w: buy transaction for position %s: disk full", store.ErrPartialWrite, p.ID)
}

func (s *partialStore) ApplyAccrual(_ context.Context, p *model.Position, _ time.Time, _ *model.Transaction) error {
	return fmt.Errorf("%w: accrual entry for position %s: disk full", store.ErrPartialWrite, p.ID)
}

func TestPartialWriteIsReportedAsFailure(t *testing.T) {
	ps := &partialStore{MemoryStore: store.NewMemoryStore()}
	env := newEnv(t, func(o *ledger.Options) { o.Store = ps })
	ctx := context.Background()

	_, err := env.svc.OpenPosition(ctx, "alice", d("100"))
	assert.ErrorIs(t, err, store.ErrPartialWrite)

	positions, err := env.svc.ListPositions(ctx, "alice")
	require.NoError(t, err)
	assert.Empty(t, positions)
}

func TestApplyDueAccruals_CountsFailures(t *testing.T) {
	ps := &partialStore{MemoryStore: store.NewMemoryStore()}
	env := newEnv(t, func(o *ledger.Options) { o.Store = ps })
	ctx := context.Background()

	due := t0.Add(accrual.Period)
	pid := "p1"
	require.NoError(t, ps.MemoryStore.CreatePosition(ctx, &model.Position{
		ID: pid, OwnerID: "alice", PrincipalFiat: d("100"), FixedReturnRatePerPeriod: d("0.03"),
		Status: model.PositionActive, NextAccrualDueAt: &due, CreatedAt: t0,
	}, &model.Transaction{ID: "buy", OwnerID: "alice", PositionID: &pid, Kind: model.KindBuy}))

	env.clock.Advance(accrual.Period)
	run, err := env.svc.ApplyDueAccruals(ctx, env.clock.Now(), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, run.Failed)
	assert.Zero(t, run.Periods)

	p, _ := ps.GetPosition(ctx, pid)
	assert.True(t, p.TotalFixedReturnsPaidToDate.IsZero())
}

// --- Deposits ---

func capturedEvent(orderID string, minor int64) *payment.Event {
	return &payment.Event{
		Type:        payment.EventPaymentCaptured,
		OrderID:     orderID,
		PaymentID:   "pay_" + orderID,
		AmountMinor: minor,
		Currency:    "USD",
	}
}

func TestDeposit_ConfirmOpensPositionOnce(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()

	order, err := env.svc.CreateDeposit(ctx, "alice", d("150"))
	require.NoError(t, err)
	assert.Equal(t, model.DepositCreated, order.Status)
	assert.Equal(t, "USD", order.Currency)
	assert.LessOrEqual(t, len(order.Receipt), 40)

	positions, _ := env.svc.ListPositions(ctx, "alice")
	assert.Empty(t, positions, "no position before payment")

	settled, err := env.svc.ConfirmDeposit(ctx, capturedEvent(order.ID, 15000))
	require.NoError(t, err)
	assert.Equal(t, model.DepositPaid, settled.Status)
	assert.NotEmpty(t, settled.PositionID)

	again, err := env.svc.ConfirmDeposit(ctx, capturedEvent(order.ID, 15000))
	require.NoError(t, err)
	assert.Equal(t, settled.PositionID, again.PositionID)

	positions, _ = env.svc.ListPositions(ctx, "alice")
	require.Len(t, positions, 1)
	assert.Equal(t, order.ID, positions[0].DepositOrderID)
	assert.True(t, positions[0].AssetQuantity.Equal(d("0.003")))
}

func TestDeposit_RejectsMismatchAndRecordsFailure(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()

	order, err := env.svc.CreateDeposit(ctx, "alice", d("150"))
	require.NoError(t, err)

	_, err = env.svc.ConfirmDeposit(ctx, capturedEvent(order.ID, 100))
	assert.ErrorIs(t, err, ledger.ErrAmountMismatch)

	failed, err := env.svc.ConfirmDeposit(ctx, &payment.Event{
		Type: payment.EventPaymentFailed, OrderID: order.ID, PaymentID: "pay_x", AmountMinor: 15000,
	})
	require.NoError(t, err)
	assert.Equal(t, model.DepositFailed, failed.Status)

	// The gateway allows another attempt on the same order.
	paid, err := env.svc.ConfirmDeposit(ctx, capturedEvent(order.ID, 15000))
	require.NoError(t, err)
	assert.Equal(t, model.DepositPaid, paid.Status)

	_, err = env.svc.ConfirmDeposit(ctx, capturedEvent("order_unknown", 15000))
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestDeposit_GatewayPaths(t *testing.T) {
	ctx := context.Background()

	noGateway := newEnv(t, func(o *ledger.Options) { o.Gateway = nil })
	_, err := noGateway.svc.CreateDeposit(ctx, "alice", d("150"))
	assert.ErrorIs(t, err, payment.ErrNotConfigured)
	assert.Empty(t, noGateway.svc.GatewayKeyID())

	env := newEnv(t)
	_, err = env.svc.CreateDeposit(ctx, "alice", d("99.99"))
	assert.ErrorIs(t, err, money.ErrInvalidAmount)

	env.gw.err = fmt.Errorf("%w: status 500", payment.ErrGateway)
	_, err = env.svc.CreateDeposit(ctx, "alice", d("150"))
	assert.True(t, errors.Is(err, payment.ErrGateway))
}

func TestStats(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()
	env.open(t, "alice", "100")
	env.open(t, "bob", "400")

	_, err := env.svc.Stats(ctx, identity.Actor{OwnerID: "alice"})
	assert.ErrorIs(t, err, payout.ErrUnauthorized)

	st, err := env.svc.Stats(ctx, admin)
	require.NoError(t, err)
	assert.Equal(t, 2, st.TotalOwners)
	assert.True(t, st.ActiveVolumeFiat.Equal(d("500")))
}

// --- Fiat precision ---

func TestSubCentAmountsRejected(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()
	env.open(t, "alice", "100")
	env.setDestination(t, "alice")

	_, err := env.svc.OpenPosition(ctx, "bob", d("100.123456"))
	assert.ErrorIs(t, err, money.ErrFiatPrecision)
	assert.ErrorIs(t, err, money.ErrInvalidAmount)
	positions, err := env.svc.ListPositions(ctx, "bob")
	require.NoError(t, err)
	assert.Empty(t, positions)

	_, err = env.svc.RequestPayout(ctx, "alice", model.CategoryAssetProfit, d("0.009"))
	assert.ErrorIs(t, err, money.ErrFiatPrecision)
	requests, err := env.svc.ListPayouts(ctx, "alice")
	require.NoError(t, err)
	assert.Empty(t, requests)

	_, err = env.svc.CreateDeposit(ctx, "alice", d("150.005"))
	assert.ErrorIs(t, err, money.ErrFiatPrecision)
	assert.Equal(t, 0, env.gw.orders)

	// Trailing zeros are still two-place amounts.
	p, err := env.svc.OpenPosition(ctx, "bob", d("100.10"))
	require.NoError(t, err)
	assert.True(t, p.PrincipalFiat.Equal(d("100.1")))
}

// --- Deposit limits ---

func TestOpenPosition_ConcurrentDepositsRespectOwnerLimit(t *testing.T) {
	env := newEnv(t, func(o *ledger.Options) {
		o.Limiter = limits.NewDepositLimiter(decimal.Zero, d("300"))
	})
	ctx := context.Background()

	const callers = 10
	var wg sync.WaitGroup
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = env.svc.OpenPosition(ctx, "alice", d("100"))
		}(i)
	}
	wg.Wait()

	ok := 0
	for _, err := range errs {
		if err == nil {
			ok++
			continue
		}
		assert.ErrorIs(t, err, limits.ErrOwnerLimitExceeded)
	}
	assert.Equal(t, 3, ok)

	s, err := env.svc.Summary(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, s.TotalInvestedFiat.Equal(d("300")), "invested = %s", s.TotalInvestedFiat)
}

func TestTerms(t *testing.T) {
	env := newEnv(t, func(o *ledger.Options) {
		o.Limiter = limits.NewDepositLimiter(d("500"), d("1000"))
	})
	ctx := context.Background()
	env.open(t, "alice", "300")

	terms, err := env.svc.Terms(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, terms.MinDeposit.Equal(d("100")))
	require.NotNil(t, terms.MaxPerDeposit)
	assert.True(t, terms.MaxPerDeposit.Equal(d("500")))
	assert.True(t, terms.ActivePrincipalFiat.Equal(d("300")))
	require.NotNil(t, terms.Headroom)
	assert.True(t, terms.Headroom.Equal(d("700")))
	assert.True(t, terms.PayoutFeeRate.Equal(d("0.05")))
	assert.True(t, terms.FixedReturnRatePerPeriod.Equal(d("0.03")))
	assert.Equal(t, "USD", terms.FiatCurrency)

	unlimited, err := newEnv(t).svc.Terms(ctx, "alice")
	require.NoError(t, err)
	assert.Nil(t, unlimited.MaxPerDeposit)
	assert.Nil(t, unlimited.Headroom)
}

// --- Principal withdrawals ---

func TestRequestPayout_PrincipalMustRepayWholePositions(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()
	env.open(t, "alice", "100")
	env.clock.Advance(time.Hour)
	env.open(t, "alice", "200")
	env.setDestination(t, "alice")

	_, err := env.svc.RequestPayout(ctx, "alice", model.CategoryPrincipal, d("150"))
	assert.ErrorIs(t, err, payout.ErrPartialPrincipal)
	_, err = env.svc.RequestPayout(ctx, "alice", model.CategoryPrincipal, d("200"))
	assert.ErrorIs(t, err, payout.ErrPartialPrincipal, "the newer position is not repaid first")

	first, err := env.svc.RequestPayout(ctx, "alice", model.CategoryPrincipal, d("100"))
	require.NoError(t, err)

	// The pending request counts towards the boundary.
	_, err = env.svc.RequestPayout(ctx, "alice", model.CategoryPrincipal, d("100"))
	assert.ErrorIs(t, err, payout.ErrPartialPrincipal)
	second, err := env.svc.RequestPayout(ctx, "alice", model.CategoryPrincipal, d("200"))
	require.NoError(t, err)

	for _, r := range []*model.PayoutRequest{first, second} {
		_, err := env.svc.DisposePayout(ctx, admin, r.ID, model.DecisionApprove)
		require.NoError(t, err)
	}
	positions, err := env.svc.ListPositions(ctx, "alice")
	require.NoError(t, err)
	for _, p := range positions {
		assert.Equal(t, model.PositionClosed, p.Status, "position %s", p.ID)
	}
}

// --- Admin views & settings ---

func TestAdminPayoutsAndOwners(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()
	env.open(t, "alice", "100")
	env.open(t, "bob", "400")
	env.setDestination(t, "alice")
	env.setDestination(t, "bob")

	a, err := env.svc.RequestPayout(ctx, "alice", model.CategoryPrincipal, d("100"))
	require.NoError(t, err)
	env.clock.Advance(time.Minute)
	b, err := env.svc.RequestPayout(ctx, "bob", model.CategoryPrincipal, d("400"))
	require.NoError(t, err)
	_, err = env.svc.DisposePayout(ctx, admin, a.ID, model.DecisionReject)
	require.NoError(t, err)

	_, err = env.svc.AdminPayouts(ctx, identity.Actor{OwnerID: "alice"}, "")
	assert.ErrorIs(t, err, payout.ErrUnauthorized)
	_, err = env.svc.AdminPayouts(ctx, admin, "lost")
	assert.ErrorIs(t, err, ledger.ErrInvalidStatus)

	all, err := env.svc.AdminPayouts(ctx, admin, "")
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, b.ID, all[0].ID, "newest first")

	failed, err := env.svc.AdminPayouts(ctx, admin, model.PayoutFailed)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, a.ID, failed[0].ID)

	pending, err := env.svc.AdminPayouts(ctx, admin, model.PayoutPending)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, b.ID, pending[0].ID)

	_, err = env.svc.Owners(ctx, identity.Actor{OwnerID: "alice"})
	assert.ErrorIs(t, err, payout.ErrUnauthorized)
	owners, err := env.svc.Owners(ctx, admin)
	require.NoError(t, err)
	require.Len(t, owners, 2)
	assert.Equal(t, "alice", owners[0].OwnerID)
	assert.Equal(t, 1, owners[0].ActivePositions)
	assert.True(t, owners[0].ActivePrincipalFiat.Equal(d("100")))
	assert.True(t, owners[0].ActiveAssetQuantity.Equal(d("0.002")))
	assert.True(t, owners[1].ActivePrincipalFiat.Equal(d("400")))
	assert.True(t, owners[1].ActiveAssetQuantity.Equal(d("0.008")))
}

func TestDepositAddress(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()

	_, err := env.svc.DepositAddress(ctx)
	assert.ErrorIs(t, err, store.ErrNotFound)

	_, err = env.svc.SetDepositAddress(ctx, identity.Actor{OwnerID: "alice"}, "bc1qar0srrr7xfkvy5l643lydnw9re59gtzzwf5mdq")
	assert.ErrorIs(t, err, payout.ErrUnauthorized)
	_, err = env.svc.SetDepositAddress(ctx, admin, "not-an-address")
	assert.ErrorIs(t, err, destination.ErrInvalidAddress)

	st, err := env.svc.SetDepositAddress(ctx, admin, " BC1QAR0SRRR7XFKVY5L643LYDNW9RE59GTZZWF5MDQ ")
	require.NoError(t, err)
	assert.Equal(t, "ops-1", st.UpdatedBy)

	got, err := env.svc.DepositAddress(ctx)
	require.NoError(t, err)
	assert.Equal(t, "bc1qar0srrr7xfkvy5l643lydnw9re59gtzzwf5mdq", got.Value)
	assert.Equal(t, model.SettingDepositAddress, got.Key)
}
