package payment

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
)

// SignatureHeader carries the hex HMAC-SHA256 of the raw webhook body.
const SignatureHeader = "X-Razorpay-Signature"

// Webhook event names the ledger acts on.
const (
	EventPaymentCaptured = "payment.captured"
	EventPaymentFailed   = "payment.failed"
)

var (
	ErrBadSignature     = errors.New("payment: webhook signature mismatch")
	ErrUnsupportedEvent = errors.New("payment: unsupported webhook event")
	ErrMalformedEvent   = errors.New("payment: malformed webhook payload")
)

// Event is the part of a gateway webhook the ledger needs.
type Event struct {
	Type        string
	OrderID     string
	PaymentID   string
	AmountMinor int64
	Currency    string
}

// Captured reports whether the payment succeeded.
func (e *Event) Captured() bool {
	return e.Type == EventPaymentCaptured
}

// Sign computes the signature the gateway sends for body.
func Sign(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks signature against body in constant time.
func VerifySignature(body []byte, signature, secret string) error {
	if secret == "" || signature == "" {
		return ErrBadSignature
	}
	expected := Sign(body, secret)
	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return ErrBadSignature
	}
	return nil
}

type webhookEnvelope struct {
	Event   string `json:"event"`
	Payload struct {
		Payment struct {
			Entity struct {
				ID       string `json:"id"`
				OrderID  string `json:"order_id"`
				Amount   int64  `json:"amount"`
				Currency string `json:"currency"`
				Status   string `json:"status"`
			} `json:"entity"`
		} `json:"payment"`
	} `json:"payload"`
}

// ParseEvent decodes a verified webhook body. Events other than captured
// and failed payments return ErrUnsupportedEvent.
func ParseEvent(body []byte) (*Event, error) {
	var env webhookEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	switch env.Event {
	case EventPaymentCaptured, EventPaymentFailed:
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedEvent, env.Event)
	}

	entity := env.Payload.Payment.Entity
	if entity.OrderID == "" || entity.ID == "" {
		return nil, fmt.Errorf("%w: payment or order id missing", ErrMalformedEvent)
	}
	return &Event{
		Type:        env.Event,
		OrderID:     entity.OrderID,
		PaymentID:   entity.ID,
		AmountMinor: entity.Amount,
		Currency:    entity.Currency,
	}, nil
}
