// Package config loads service settings from the environment, optionally
// seeded from a .env file.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// Config holds every runtime setting of the ledger engine.
type Config struct {
	Port        string
	LogLevel    slog.Level
	DatabaseURL string
	RedisURL    string
	CacheTTL    time.Duration

	Asset        string
	FiatCurrency string

	FeeRate           decimal.Decimal
	FixedReturnRate   decimal.Decimal
	MinDeposit        decimal.Decimal
	MaxDeposit        decimal.Decimal
	MaxActivePerOwner decimal.Decimal

	PriceSource      string // "binance" or "static"
	StaticPrice      decimal.Decimal
	PriceMaxAge      time.Duration
	BinanceAPIKey    string
	BinanceSecretKey string
	BinanceSymbol    string
	BinanceBaseURL   string

	RazorpayKeyID         string
	RazorpayKeySecret     string
	RazorpayWebhookSecret string
	RazorpayBaseURL       string

	GatewayToken    string
	AccrualInterval time.Duration
	AccrualBatch    int
}

// Load reads .env (if present) and the environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Warn("no .env file found, relying on system environment variables")
	}
	return FromEnv()
}

// FromEnv builds a Config from the current environment only.
func FromEnv() (*Config, error) {
	p := &parser{}
	cfg := &Config{
		Port:        getEnv("PORT", "8080"),
		LogLevel:    p.level("LOG_LEVEL", "info"),
		DatabaseURL: getEnv("DATABASE_URL", ""),
		RedisURL:    getEnv("REDIS_URL", ""),
		CacheTTL:    p.duration("CACHE_TTL", "30s"),

		Asset:        strings.ToUpper(getEnv("ASSET", "BTC")),
		FiatCurrency: strings.ToUpper(getEnv("FIAT_CURRENCY", "USD")),

		FeeRate:           p.decimal("FEE_RATE", "0.05"),
		FixedReturnRate:   p.decimal("FIXED_RETURN_RATE", "0.03"),
		MinDeposit:        p.decimal("MIN_DEPOSIT", "100"),
		MaxDeposit:        p.decimal("MAX_DEPOSIT", "0"),
		MaxActivePerOwner: p.decimal("MAX_ACTIVE_PER_OWNER", "0"),

		PriceSource:      strings.ToLower(getEnv("PRICE_SOURCE", "binance")),
		StaticPrice:      p.decimal("STATIC_PRICE", "0"),
		PriceMaxAge:      p.duration("PRICE_MAX_AGE", "2m"),
		BinanceAPIKey:    getEnv("BINANCE_API_KEY", ""),
		BinanceSecretKey: getEnv("BINANCE_SECRET_KEY", ""),
		BinanceSymbol:    strings.ToUpper(getEnv("BINANCE_SYMBOL", "BTCUSDT")),
		BinanceBaseURL:   getEnv("BINANCE_BASE_URL", ""),

		RazorpayKeyID:         getEnv("RAZORPAY_KEY_ID", ""),
		RazorpayKeySecret:     getEnv("RAZORPAY_KEY_SECRET", ""),
		RazorpayWebhookSecret: getEnv("RAZORPAY_WEBHOOK_SECRET", ""),
		RazorpayBaseURL:       getEnv("RAZORPAY_BASE_URL", ""),

		GatewayToken:    getEnv("GATEWAY_TOKEN", ""),
		AccrualInterval: p.duration("ACCRUAL_INTERVAL", "1h"),
		AccrualBatch:    p.integer("ACCRUAL_BATCH", "500"),
	}
	if p.err != nil {
		return nil, p.err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	one := decimal.NewFromInt(1)
	if c.FeeRate.IsNegative() || c.FeeRate.GreaterThanOrEqual(one) {
		return fmt.Errorf("config: FEE_RATE must be in [0, 1), got %s", c.FeeRate)
	}
	if c.FixedReturnRate.IsNegative() {
		return fmt.Errorf("config: FIXED_RETURN_RATE must not be negative, got %s", c.FixedReturnRate)
	}
	if c.MinDeposit.IsNegative() {
		return fmt.Errorf("config: MIN_DEPOSIT must not be negative, got %s", c.MinDeposit)
	}
	switch c.PriceSource {
	case "binance":
	case "static":
		if !c.StaticPrice.IsPositive() {
			return fmt.Errorf("config: STATIC_PRICE must be positive when PRICE_SOURCE=static")
		}
	default:
		return fmt.Errorf("config: unknown PRICE_SOURCE %q", c.PriceSource)
	}
	if c.AccrualInterval <= 0 {
		return fmt.Errorf("config: ACCRUAL_INTERVAL must be positive")
	}
	if c.AccrualBatch <= 0 {
		return fmt.Errorf("config: ACCRUAL_BATCH must be positive")
	}
	return nil
}

// Helper to get env with a default fallback.
func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

// parser keeps the first conversion error so Load can report it once.
type parser struct {
	err error
}

func (p *parser) decimal(key, fallback string) decimal.Decimal {
	raw := getEnv(key, fallback)
	v, err := decimal.NewFromString(raw)
	if err != nil && p.err == nil {
		p.err = fmt.Errorf("config: %s: %w", key, err)
	}
	return v
}

func (p *parser) duration(key, fallback string) time.Duration {
	raw := getEnv(key, fallback)
	v, err := time.ParseDuration(raw)
	if err != nil && p.err == nil {
		p.err = fmt.Errorf("config: %s: %w", key, err)
	}
	return v
}

func (p *parser) integer(key, fallback string) int {
	raw := getEnv(key, fallback)
	var v int
	if _, err := fmt.Sscanf(raw, "%d", &v); err != nil && p.err == nil {
		p.err = fmt.Errorf("config: %s: %w", key, err)
	}
	return v
}

func (p *parser) level(key, fallback string) slog.Level {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(getEnv(key, fallback))); err != nil && p.err == nil {
		p.err = fmt.Errorf("config: %s: %w", key, err)
	}
	return lvl
}
