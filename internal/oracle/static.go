package oracle

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// StaticSource serves prices set in process. Used for development and tests.
type StaticSource struct {
	mu     sync.RWMutex
	prices map[string]Quote
}

// NewStaticSource creates an empty static source.
func NewStaticSource() *StaticSource {
	return &StaticSource{prices: make(map[string]Quote)}
}

// Set records price for the pair, observed now.
func (s *StaticSource) Set(asset, quote string, price decimal.Decimal) {
	s.SetAt(asset, quote, price, time.Now().UTC())
}

// SetAt records price for the pair with an explicit observation time.
func (s *StaticSource) SetAt(asset, quote string, price decimal.Decimal, asOf time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prices[pairKey(asset, quote)] = Quote{
		Asset:  strings.ToUpper(asset),
		Quote:  strings.ToUpper(quote),
		Price:  price,
		AsOf:   asOf,
		Source: "static",
	}
}

// Clear removes the pair so that lookups fail.
func (s *StaticSource) Clear(asset, quote string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.prices, pairKey(asset, quote))
}

// SpotPrice implements PriceSource.
func (s *StaticSource) SpotPrice(_ context.Context, asset, quote string) (Quote, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	q, ok := s.prices[pairKey(asset, quote)]
	if !ok {
		return Quote{}, fmt.Errorf("%w: %s/%s", ErrNoQuote, asset, quote)
	}
	return q, nil
}

func pairKey(asset, quote string) string {
	return strings.ToUpper(asset) + "/" + strings.ToUpper(quote)
}
