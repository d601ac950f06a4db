package position

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bitinvest/ledger-engine/internal/accrual"
	"github.com/bitinvest/ledger-engine/internal/model"
	"github.com/bitinvest/ledger-engine/internal/money"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

var now = time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)

func open(t *testing.T, fiat, price float64) *model.Position {
	t.Helper()
	pos, _, err := NewLedger(d(100)).Open("owner-1", d(fiat), d(price), d(0.03), now)
	require.NoError(t, err)
	return pos
}

func TestOpen_PairsBuyTransaction(t *testing.T) {
	pos, buy, err := NewLedger(d(100)).Open("owner-1", d(100), d(50000), d(0.03), now)
	require.NoError(t, err)

	assert.True(t, pos.AssetQuantity.Equal(d(0.002)), "qty=%s", pos.AssetQuantity)
	assert.Equal(t, model.PositionActive, pos.Status)
	assert.True(t, pos.TotalFixedReturnsPaidToDate.IsZero())
	require.NotNil(t, pos.NextAccrualDueAt)
	assert.Equal(t, now.Add(accrual.Period), *pos.NextAccrualDueAt)

	assert.Equal(t, model.KindBuy, buy.Kind)
	assert.Equal(t, model.TxCompleted, buy.Status)
	require.NotNil(t, buy.PositionID)
	assert.Equal(t, pos.ID, *buy.PositionID)
	assert.True(t, buy.AssetQuantity.Equal(pos.AssetQuantity))
	assert.True(t, buy.FiatAmount.Equal(pos.PrincipalFiat))
	assert.True(t, buy.ReferencePriceAtEvent.Equal(d(50000)))
}

func TestOpen_Validation(t *testing.T) {
	l := NewLedger(d(100))

	_, _, err := l.Open("o", d(99), d(50000), d(0.03), now)
	assert.ErrorIs(t, err, money.ErrInvalidAmount)

	_, _, err = l.Open("o", d(0), d(50000), d(0.03), now)
	assert.ErrorIs(t, err, money.ErrInvalidAmount)

	_, _, err = l.Open("o", d(100), d(0), d(0.03), now)
	assert.ErrorIs(t, err, money.ErrInvalidPrice)

	_, _, err = l.Open("o", d(100), d(50000), d(-0.01), now)
	assert.ErrorIs(t, err, ErrInvalidRate)
}

func TestComputeSummary_AtOpenPrice(t *testing.T) {
	pos := open(t, 100, 50000)

	s, err := ComputeSummary([]model.Position{*pos}, d(50000))
	require.NoError(t, err)

	assert.True(t, s.TotalInvestedFiat.Equal(d(100)))
	assert.True(t, s.CurrentValueFiat.Equal(d(100)))
	assert.True(t, s.AssetProfitFiat.IsZero(), "profit=%s", s.AssetProfitFiat)
	assert.True(t, s.FixedReturnFiat.Equal(d(3)))
	assert.Equal(t, 1, s.ActivePositions)
}

func TestComputeSummary_PriceRise(t *testing.T) {
	pos := open(t, 100, 50000)

	s, err := ComputeSummary([]model.Position{*pos}, d(55000))
	require.NoError(t, err)

	assert.True(t, s.CurrentValueFiat.Equal(d(110)))
	assert.True(t, s.AssetProfitFiat.Equal(d(10)))
	assert.True(t, s.FixedReturnFiat.Equal(d(3)))
	assert.True(t, s.TotalEarningsFiat.Equal(d(13)))
}

func TestComputeSummary_NegativeProfitAllowed(t *testing.T) {
	pos := open(t, 100, 50000)

	s, err := ComputeSummary([]model.Position{*pos}, d(40000))
	require.NoError(t, err)
	assert.True(t, s.AssetProfitFiat.Equal(d(-20)))
	assert.True(t, s.FixedReturnFiat.Equal(d(3)))
	assert.True(t, s.TotalEarningsFiat.Equal(d(-17)))
}

func TestComputeSummary_ClosedPositionsOnlyInHistory(t *testing.T) {
	a := open(t, 100, 50000)
	b := open(t, 200, 50000)
	b.TotalFixedReturnsPaidToDate = d(6)
	closed, err := Close(*b, now)
	require.NoError(t, err)

	s, err := ComputeSummary([]model.Position{*a, closed}, d(50000))
	require.NoError(t, err)

	assert.Equal(t, 1, s.ActivePositions)
	assert.True(t, s.TotalInvestedFiat.Equal(d(100)))
	assert.True(t, s.LifetimeInvestedFiat.Equal(d(300)))
	assert.True(t, s.FixedReturnsPaidToDate.Equal(d(6)))
}

func TestComputeSummary_PriceUnavailable(t *testing.T) {
	pos := open(t, 100, 50000)

	_, err := ComputeSummary([]model.Position{*pos}, decimal.Zero)
	assert.ErrorIs(t, err, ErrPriceUnavailable)

	_, err = ComputeSummary(nil, d(-1))
	assert.ErrorIs(t, err, ErrPriceUnavailable)
}

func TestComputeSummary_Empty(t *testing.T) {
	s, err := ComputeSummary(nil, d(50000))
	require.NoError(t, err)
	assert.Equal(t, 0, s.ActivePositions)
	assert.True(t, s.TotalEarningsFiat.IsZero())
}

func TestContributionsSumToAggregate(t *testing.T) {
	positions := []model.Position{
		*open(t, 100, 50000),
		*open(t, 250.55, 48123.45),
		*open(t, 1234.5, 61000.01),
	}
	price := d(57321.99)

	var value, profit, fixed decimal.Decimal
	for _, p := range positions {
		c := ContributionOf(p, price)
		value = value.Add(c.CurrentValue)
		profit = profit.Add(c.AssetProfit)
		fixed = fixed.Add(c.FixedReturn)
	}

	s, err := ComputeSummary(positions, price)
	require.NoError(t, err)
	assert.True(t, money.RoundFiat(value).Equal(s.CurrentValueFiat))
	assert.True(t, money.RoundFiat(profit).Equal(s.AssetProfitFiat))
	assert.True(t, money.RoundFiat(fixed).Equal(s.FixedReturnFiat))
	assert.True(t, money.RoundFiat(profit.Add(fixed)).Equal(s.TotalEarningsFiat))
}

func TestClose(t *testing.T) {
	pos := open(t, 100, 50000)

	closed, err := Close(*pos, now.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, model.PositionClosed, closed.Status)
	require.NotNil(t, closed.ClosedAt)
	assert.Nil(t, closed.NextAccrualDueAt)
	assert.True(t, closed.AssetQuantity.Equal(pos.AssetQuantity))

	_, err = Close(closed, now)
	assert.ErrorIs(t, err, ErrAlreadyClosed)
}

func TestClosuresFor_OldestFirst(t *testing.T) {
	first := open(t, 100, 50000)
	second := open(t, 200, 50000)
	second.CreatedAt = now.Add(time.Hour)
	third := open(t, 300, 50000)
	third.CreatedAt = now.Add(2 * time.Hour)

	positions := []model.Position{*third, *first, *second}

	assert.Empty(t, ClosuresFor(positions, d(99.99)))
	assert.Equal(t, []string{first.ID}, ClosuresFor(positions, d(100)))
	assert.Equal(t, []string{first.ID}, ClosuresFor(positions, d(250)))
	assert.Equal(t, []string{first.ID, second.ID}, ClosuresFor(positions, d(300)))
	assert.Equal(t, []string{first.ID, second.ID, third.ID}, ClosuresFor(positions, d(600)))
}

func TestClosuresFor_SkipsAlreadyClosed(t *testing.T) {
	first := open(t, 100, 50000)
	closedFirst, err := Close(*first, now)
	require.NoError(t, err)
	second := open(t, 200, 50000)
	second.CreatedAt = now.Add(time.Hour)

	ids := ClosuresFor([]model.Position{closedFirst, *second}, d(300))
	assert.Equal(t, []string{second.ID}, ids)
}
