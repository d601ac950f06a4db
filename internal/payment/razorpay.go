// Package payment talks to the card/UPI payment gateway that collects
// deposits.
//
// The flow is two-legged: CreateOrder registers the amount with the gateway
// and returns an order id the client pays against; the gateway later calls
// back with a signed webhook that ParseEvent decodes once VerifySignature
// has accepted it.
package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/bitinvest/ledger-engine/internal/money"
)

// DefaultBaseURL is the Razorpay REST API root.
const DefaultBaseURL = "https://api.razorpay.com/v1"

var (
	// ErrGateway is returned for non-2xx gateway responses.
	ErrGateway = errors.New("payment: gateway request failed")

	// ErrNotConfigured is returned when no gateway credentials are set.
	ErrNotConfigured = errors.New("payment: gateway not configured")
)

// Order is a gateway order awaiting payment.
type Order struct {
	ID          string `json:"id"`
	AmountMinor int64  `json:"amount"`
	Currency    string `json:"currency"`
	Receipt     string `json:"receipt"`
	Status      string `json:"status"`
}

// Gateway creates payment orders.
type Gateway interface {
	CreateOrder(ctx context.Context, amount decimal.Decimal, currency, receipt string, notes map[string]string) (*Order, error)
	KeyID() string
}

// RazorpayClient implements Gateway against the Razorpay Orders API.
type RazorpayClient struct {
	keyID      string
	keySecret  string
	baseURL    string
	httpClient *http.Client
}

// NewRazorpayClient creates a client. An empty baseURL selects
// DefaultBaseURL.
func NewRazorpayClient(keyID, keySecret, baseURL string) *RazorpayClient {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &RazorpayClient{
		keyID:      keyID,
		keySecret:  keySecret,
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

// KeyID is the public key the client-side checkout needs.
func (c *RazorpayClient) KeyID() string {
	return c.keyID
}

type createOrderRequest struct {
	Amount   int64             `json:"amount"`
	Currency string            `json:"currency"`
	Receipt  string            `json:"receipt"`
	Notes    map[string]string `json:"notes,omitempty"`
}

// CreateOrder registers amount (in major units) with the gateway.
func (c *RazorpayClient) CreateOrder(ctx context.Context, amount decimal.Decimal, currency, receipt string, notes map[string]string) (*Order, error) {
	if c.keyID == "" || c.keySecret == "" {
		return nil, ErrNotConfigured
	}

	body, err := json.Marshal(createOrderRequest{
		Amount:   money.ToMinorUnits(amount),
		Currency: currency,
		Receipt:  receipt,
		Notes:    notes,
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/orders", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.SetBasicAuth(c.keyID, c.keySecret)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("create order: %w", err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read order response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%w: status %d: %s", ErrGateway, resp.StatusCode, gatewayMessage(payload))
	}

	var order Order
	if err := json.Unmarshal(payload, &order); err != nil {
		return nil, fmt.Errorf("decode order response: %w", err)
	}
	if order.ID == "" {
		return nil, fmt.Errorf("%w: order id missing from response", ErrGateway)
	}
	return &order, nil
}

func gatewayMessage(payload []byte) string {
	var e struct {
		Error struct {
			Code        string `json:"code"`
			Description string `json:"description"`
		} `json:"error"`
	}
	if json.Unmarshal(payload, &e) == nil && e.Error.Description != "" {
		return e.Error.Code + ": " + e.Error.Description
	}
	return string(payload)
}
