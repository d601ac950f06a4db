// Package oracle supplies live asset prices.
//
// A PriceSource either returns a usable quote or an error. Callers never
// receive a zero or default price: Guard rejects non-positive and stale
// quotes so that valuation fails loudly instead of silently reading zero.
package oracle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/bitinvest/ledger-engine/internal/metrics"
)

var (
	// ErrNoQuote is returned when a source has no price for a pair.
	ErrNoQuote = errors.New("oracle: no quote available")

	// ErrStaleQuote is returned when a quote is older than the allowed age.
	ErrStaleQuote = errors.New("oracle: quote is stale")
)

// Quote is a spot price observed at AsOf.
type Quote struct {
	Asset  string          `json:"asset"`
	Quote  string          `json:"quote"`
	Price  decimal.Decimal `json:"price"`
	AsOf   time.Time       `json:"as_of"`
	Source string          `json:"source"`
}

// PriceSource returns the spot price of asset denominated in quote.
type PriceSource interface {
	SpotPrice(ctx context.Context, asset, quote string) (Quote, error)
}

// Guard wraps a PriceSource and rejects unusable quotes.
type Guard struct {
	src    PriceSource
	maxAge time.Duration
	now    func() time.Time
}

// NewGuard wraps src. A zero maxAge disables the staleness check.
func NewGuard(src PriceSource, maxAge time.Duration) *Guard {
	return &Guard{src: src, maxAge: maxAge, now: time.Now}
}

// SpotPrice implements PriceSource.
func (g *Guard) SpotPrice(ctx context.Context, asset, quote string) (Quote, error) {
	q, err := g.src.SpotPrice(ctx, asset, quote)
	if err != nil {
		metrics.OracleFailures.WithLabelValues("fetch").Inc()
		return Quote{}, err
	}
	if !q.Price.IsPositive() {
		metrics.OracleFailures.WithLabelValues("non_positive").Inc()
		return Quote{}, fmt.Errorf("%w: %s/%s price %s", ErrNoQuote, asset, quote, q.Price)
	}
	if g.maxAge > 0 && g.now().Sub(q.AsOf) > g.maxAge {
		metrics.OracleFailures.WithLabelValues("stale").Inc()
		return Quote{}, fmt.Errorf("%w: %s/%s as of %s", ErrStaleQuote, asset, quote, q.AsOf.Format(time.RFC3339))
	}
	return q, nil
}
