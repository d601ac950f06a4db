package money

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func TestToAssetQuantity(t *testing.T) {
	qty, err := ToAssetQuantity(d(100), d(50000))
	require.NoError(t, err)
	assert.True(t, qty.Equal(d(0.002)), "got %s", qty)
}

func TestToAssetQuantity_RoundsToEightPlaces(t *testing.T) {
	qty, err := ToAssetQuantity(d(100), d(30000))
	require.NoError(t, err)
	assert.Equal(t, "0.00333333", qty.String())
}

func TestToAssetQuantity_RoundTripWithinPrecision(t *testing.T) {
	cases := []struct{ fiat, price float64 }{
		{100, 50000},
		{250.75, 61234.56},
		{1000, 29999.99},
		{100, 3},
	}
	// Rounding error on qty is at most 0.5e-8, so the fiat error is at most
	// half a unit of the eighth place scaled by price.
	for _, tc := range cases {
		qty, err := ToAssetQuantity(d(tc.fiat), d(tc.price))
		require.NoError(t, err)
		back := qty.Mul(d(tc.price))
		tolerance := d(0.000000005).Mul(d(tc.price))
		assert.True(t, back.Sub(d(tc.fiat)).Abs().LessThanOrEqual(tolerance),
			"fiat=%v price=%v back=%s", tc.fiat, tc.price, back)
	}
}

func TestToAssetQuantity_Invalid(t *testing.T) {
	_, err := ToAssetQuantity(d(0), d(50000))
	assert.ErrorIs(t, err, ErrInvalidAmount)

	_, err = ToAssetQuantity(d(-5), d(50000))
	assert.ErrorIs(t, err, ErrInvalidAmount)

	_, err = ToAssetQuantity(d(100), d(0))
	assert.ErrorIs(t, err, ErrInvalidPrice)

	_, err = ToAssetQuantity(d(100), d(-1))
	assert.ErrorIs(t, err, ErrInvalidPrice)
}

func TestApplyFee(t *testing.T) {
	net, fee, err := ApplyFee(d(100), d(0.05))
	require.NoError(t, err)
	assert.True(t, net.Equal(d(95)), "net=%s", net)
	assert.True(t, fee.Equal(d(5)), "fee=%s", fee)

	net, fee, err = ApplyFee(d(10), d(0.05))
	require.NoError(t, err)
	assert.True(t, net.Equal(d(9.5)), "net=%s", net)
	assert.True(t, fee.Equal(d(0.5)), "fee=%s", fee)
}

func TestApplyFee_NetPlusFeeIsExact(t *testing.T) {
	for _, amt := range []float64{0.01, 0.33, 12.37, 99.99, 1234.56} {
		net, fee, err := ApplyFee(d(amt), d(0.05))
		require.NoError(t, err)
		assert.True(t, net.Add(fee).Equal(d(amt)), "amount=%v net=%s fee=%s", amt, net, fee)
	}
}

func TestApplyFee_ZeroRate(t *testing.T) {
	net, fee, err := ApplyFee(d(40), decimal.Zero)
	require.NoError(t, err)
	assert.True(t, net.Equal(d(40)))
	assert.True(t, fee.IsZero())
}

func TestApplyFee_Invalid(t *testing.T) {
	_, _, err := ApplyFee(d(0), d(0.05))
	assert.ErrorIs(t, err, ErrInvalidAmount)

	_, _, err = ApplyFee(d(100), d(1))
	assert.ErrorIs(t, err, ErrInvalidFeeRate)

	_, _, err = ApplyFee(d(100), d(-0.01))
	assert.ErrorIs(t, err, ErrInvalidFeeRate)
}

func TestCheckMinimum(t *testing.T) {
	assert.NoError(t, CheckMinimum(d(100), d(100)))
	assert.NoError(t, CheckMinimum(d(250), d(100)))
	assert.ErrorIs(t, CheckMinimum(d(99.99), d(100)), ErrInvalidAmount)
	assert.ErrorIs(t, CheckMinimum(d(0), decimal.Zero), ErrInvalidAmount)
}

func TestMinorUnits(t *testing.T) {
	assert.Equal(t, int64(10050), ToMinorUnits(d(100.5)))
	assert.Equal(t, int64(10000), ToMinorUnits(d(100)))
	assert.True(t, FromMinorUnits(12345).Equal(d(123.45)))
}

func TestToFiat(t *testing.T) {
	assert.True(t, ToFiat(d(0.002), d(55000)).Equal(d(110)))
	assert.Equal(t, "0.00", ToFiat(d(0.00000001), d(61234.56)).StringFixed(2))
}

func TestValidateFiat(t *testing.T) {
	assert.NoError(t, ValidateFiat(d(0.01)))
	assert.NoError(t, ValidateFiat(decimal.RequireFromString("100.10")))
	assert.NoError(t, ValidateFiat(decimal.RequireFromString("100.100")))
	assert.ErrorIs(t, ValidateFiat(d(0)), ErrInvalidAmount)

	err := ValidateFiat(d(0.009))
	assert.ErrorIs(t, err, ErrFiatPrecision)
	assert.ErrorIs(t, err, ErrInvalidAmount)
}

func TestSubCentAmountsRejected(t *testing.T) {
	_, _, err := ApplyFee(d(0.009), d(0.05))
	assert.ErrorIs(t, err, ErrFiatPrecision)

	_, err = ToAssetQuantity(d(100.123456), d(55000))
	assert.ErrorIs(t, err, ErrFiatPrecision)

	assert.ErrorIs(t, CheckMinimum(d(100.001), d(100)), ErrFiatPrecision)
}
