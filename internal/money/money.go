// Package money converts between fiat amounts and asset quantities and
// applies percentage fees. Functions are pure and never round through
// float64.
package money

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

var (
	// ErrInvalidAmount is returned for non-positive amounts or amounts
	// below a configured minimum.
	ErrInvalidAmount = errors.New("money: amount must be positive")

	// ErrInvalidPrice is returned when a reference price is not positive.
	ErrInvalidPrice = errors.New("money: price must be positive")

	// ErrInvalidFeeRate is returned when a fee rate lies outside [0, 1).
	ErrInvalidFeeRate = errors.New("money: fee rate must be in [0, 1)")
)

// ErrFiatPrecision is returned for fiat amounts with more fractional
// digits than FiatScale. It matches ErrInvalidAmount.
var ErrFiatPrecision = fmt.Errorf("%w: at most %d decimal places", ErrInvalidAmount, FiatScale)

const (
	// AssetScale is the number of fractional digits kept for asset
	// quantities (satoshi precision).
	AssetScale int32 = 8

	// FiatScale is the number of fractional digits kept for fiat amounts.
	FiatScale int32 = 2
)

var minorPerUnit = decimal.NewFromInt(100)

// ValidateFiat rejects non-positive amounts and amounts finer than
// FiatScale. Fiat input is never rounded silently.
func ValidateFiat(amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return ErrInvalidAmount
	}
	if !amount.Equal(amount.Truncate(FiatScale)) {
		return ErrFiatPrecision
	}
	return nil
}

// ToAssetQuantity converts a fiat amount into an asset quantity at the
// given reference price, rounded to AssetScale.
func ToAssetQuantity(fiat, price decimal.Decimal) (decimal.Decimal, error) {
	if err := ValidateFiat(fiat); err != nil {
		return decimal.Zero, err
	}
	if !price.IsPositive() {
		return decimal.Zero, ErrInvalidPrice
	}
	return fiat.DivRound(price, AssetScale), nil
}

// ToFiat values an asset quantity at price, rounded to FiatScale.
func ToFiat(qty, price decimal.Decimal) decimal.Decimal {
	return RoundFiat(qty.Mul(price))
}

// RoundFiat rounds half away from zero to FiatScale.
func RoundFiat(amount decimal.Decimal) decimal.Decimal {
	return amount.Round(FiatScale)
}

// ApplyFee splits amount into the net payable and the fee withheld.
// The fee is rounded to FiatScale and net is computed by subtraction so
// that net + fee == amount exactly.
func ApplyFee(amount, feeRate decimal.Decimal) (net, fee decimal.Decimal, err error) {
	if err := ValidateFiat(amount); err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	if feeRate.IsNegative() || feeRate.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return decimal.Zero, decimal.Zero, ErrInvalidFeeRate
	}
	fee = RoundFiat(amount.Mul(feeRate))
	net = amount.Sub(fee)
	return net, fee, nil
}

// CheckMinimum returns ErrInvalidAmount unless amount is a valid fiat
// amount of at least min.
func CheckMinimum(amount, min decimal.Decimal) error {
	if err := ValidateFiat(amount); err != nil {
		return err
	}
	if amount.LessThan(min) {
		return ErrInvalidAmount
	}
	return nil
}

// ToMinorUnits converts a fiat amount into integer minor units (paise,
// cents) as payment gateways expect.
func ToMinorUnits(amount decimal.Decimal) int64 {
	return amount.Mul(minorPerUnit).Round(0).IntPart()
}

// FromMinorUnits is the inverse of ToMinorUnits.
func FromMinorUnits(minor int64) decimal.Decimal {
	return decimal.NewFromInt(minor).Div(minorPerUnit)
}
