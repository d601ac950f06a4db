package payout

import (
	"sort"

	"github.com/shopspring/decimal"

	"github.com/bitinvest/ledger-engine/internal/model"
	"github.com/bitinvest/ledger-engine/internal/money"
	"github.com/bitinvest/ledger-engine/internal/position"
)

// Accrued is the gross amount an owner has earned in category:
//
//	fixed_return  Σ fixed returns credited on every position
//	asset_profit  max(0, unrealised profit of active positions at livePrice)
//	principal     Σ principal ever deposited
//
// livePrice is only read for asset_profit.
func Accrued(category model.PayoutCategory, positions []model.Position, livePrice decimal.Decimal) (decimal.Decimal, error) {
	switch category {
	case model.CategoryFixedReturn:
		total := decimal.Zero
		for _, p := range positions {
			total = total.Add(p.TotalFixedReturnsPaidToDate)
		}
		return money.RoundFiat(total), nil

	case model.CategoryAssetProfit:
		s, err := position.ComputeSummary(positions, livePrice)
		if err != nil {
			return decimal.Zero, err
		}
		if s.AssetProfitFiat.IsNegative() {
			return decimal.Zero, nil
		}
		return s.AssetProfitFiat, nil

	case model.CategoryPrincipal:
		total := decimal.Zero
		for _, p := range positions {
			total = total.Add(p.PrincipalFiat)
		}
		return money.RoundFiat(total), nil
	}
	return decimal.Zero, ErrInvalidCategory
}

// Consumed sums the requested amount of pending and completed requests in
// category. Failed requests release their amount back to the balance.
func Consumed(category model.PayoutCategory, requests []model.PayoutRequest) decimal.Decimal {
	total := decimal.Zero
	for _, r := range requests {
		if r.Category != category || r.Status == model.PayoutFailed {
			continue
		}
		total = total.Add(r.RequestedFiatAmount)
	}
	return total
}

// CompletedTotal sums the requested amount of completed requests in category.
func CompletedTotal(category model.PayoutCategory, requests []model.PayoutRequest) decimal.Decimal {
	total := decimal.Zero
	for _, r := range requests {
		if r.Category == category && r.Status == model.PayoutCompleted {
			total = total.Add(r.RequestedFiatAmount)
		}
	}
	return total
}

// Available is accrued minus consumed, floored at zero.
func Available(accrued, consumed decimal.Decimal) decimal.Decimal {
	avail := accrued.Sub(consumed)
	if avail.IsNegative() {
		return decimal.Zero
	}
	return avail
}

// CheckPrincipal reports whether withdrawing amount of principal, on top of
// the consumed principal already requested, ends exactly on a position
// boundary. Positions are repaid oldest first, so the running total must
// equal the principal of a prefix of them. A position is therefore never
// left active on principal that has been paid out.
func CheckPrincipal(positions []model.Position, consumed, amount decimal.Decimal) error {
	sorted := make([]model.Position, len(positions))
	copy(sorted, positions)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].CreatedAt.Before(sorted[j].CreatedAt)
	})

	target := consumed.Add(amount)
	covered := decimal.Zero
	for _, p := range sorted {
		covered = covered.Add(p.PrincipalFiat)
		if covered.Equal(target) {
			return nil
		}
		if covered.GreaterThan(target) {
			break
		}
	}
	return ErrPartialPrincipal
}
