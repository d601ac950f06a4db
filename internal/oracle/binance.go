package oracle

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/adshao/go-binance/v2"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"
)

// BinanceSource reads spot ticker prices from the Binance REST API.
// Requests are rate limited and retried with exponential backoff.
type BinanceSource struct {
	client      *binance.Client
	rateLimiter *rate.Limiter
	symbols     map[string]string // "BTC/USD" -> "BTCUSDT"
	maxRetries  int
	backoff     time.Duration
}

// BinanceOption customises a BinanceSource.
type BinanceOption func(*BinanceSource)

// WithBaseURL points the client at a different API host.
func WithBaseURL(url string) BinanceOption {
	return func(s *BinanceSource) { s.client.BaseURL = url }
}

// WithRetry overrides the retry count and base backoff.
func WithRetry(maxRetries int, backoff time.Duration) BinanceOption {
	return func(s *BinanceSource) {
		s.maxRetries = maxRetries
		s.backoff = backoff
	}
}

// NewBinanceSource creates a source resolving pairs through symbols, keyed
// "ASSET/QUOTE". Public ticker endpoints accept empty credentials.
func NewBinanceSource(apiKey, secretKey string, symbols map[string]string, opts ...BinanceOption) *BinanceSource {
	httpClient := &http.Client{
		Timeout: 10 * time.Second,
		Transport: &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 100,
			IdleConnTimeout:     90 * time.Second,
		},
	}

	client := binance.NewClient(apiKey, secretKey)
	client.HTTPClient = httpClient

	normalised := make(map[string]string, len(symbols))
	for pair, sym := range symbols {
		normalised[strings.ToUpper(pair)] = strings.ToUpper(sym)
	}

	s := &BinanceSource{
		client: client,
		// 10 requests per second with burst of 20.
		rateLimiter: rate.NewLimiter(rate.Limit(10), 20),
		symbols:     normalised,
		maxRetries:  3,
		backoff:     100 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SpotPrice implements PriceSource.
func (s *BinanceSource) SpotPrice(ctx context.Context, asset, quote string) (Quote, error) {
	symbol, ok := s.symbols[pairKey(asset, quote)]
	if !ok {
		return Quote{}, fmt.Errorf("%w: no symbol mapped for %s/%s", ErrNoQuote, asset, quote)
	}

	var lastErr error
	for attempt := 0; attempt <= s.maxRetries; attempt++ {
		if err := s.rateLimiter.Wait(ctx); err != nil {
			return Quote{}, err
		}

		prices, err := s.client.NewListPricesService().Symbol(symbol).Do(ctx)
		if err == nil {
			return s.quoteFrom(prices, symbol, asset, quote)
		}
		lastErr = err

		if attempt == s.maxRetries {
			break
		}

		waitTime := time.Duration(math.Pow(2, float64(attempt))) * s.backoff
		select {
		case <-ctx.Done():
			return Quote{}, ctx.Err()
		case <-time.After(waitTime):
		}
	}
	return Quote{}, fmt.Errorf("binance ticker %s: %w", symbol, lastErr)
}

func (s *BinanceSource) quoteFrom(prices []*binance.SymbolPrice, symbol, asset, quote string) (Quote, error) {
	for _, p := range prices {
		if p == nil || p.Symbol != symbol {
			continue
		}
		price, err := decimal.NewFromString(p.Price)
		if err != nil {
			return Quote{}, fmt.Errorf("parse binance price %q: %w", p.Price, err)
		}
		return Quote{
			Asset:  strings.ToUpper(asset),
			Quote:  strings.ToUpper(quote),
			Price:  price,
			AsOf:   time.Now().UTC(),
			Source: "binance",
		}, nil
	}
	return Quote{}, fmt.Errorf("%w: %s missing from ticker response", ErrNoQuote, symbol)
}
