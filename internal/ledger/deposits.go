package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/bitinvest/ledger-engine/internal/metrics"
	"github.com/bitinvest/ledger-engine/internal/model"
	"github.com/bitinvest/ledger-engine/internal/money"
	"github.com/bitinvest/ledger-engine/internal/payment"
	"github.com/bitinvest/ledger-engine/internal/store"
)

// ErrAmountMismatch is returned when a captured payment does not match the
// order it claims to settle.
var ErrAmountMismatch = errors.New("ledger: payment amount does not match order")

// CreateDeposit registers a gateway order for fiat. The position is only
// opened once the gateway confirms payment. The limit check here screens
// the order; a paid order is always honoured.
func (s *Service) CreateDeposit(ctx context.Context, ownerID string, fiat decimal.Decimal) (*model.DepositOrder, error) {
	defer metrics.ObserveSince("create_deposit", time.Now())

	if s.gateway == nil {
		return nil, payment.ErrNotConfigured
	}
	if err := money.CheckMinimum(fiat, s.ledger.MinDeposit()); err != nil {
		return nil, err
	}
	if err := s.checkDepositLimit(ctx, ownerID, fiat); err != nil {
		return nil, err
	}

	receipt := "rcpt_" + strings.ReplaceAll(uuid.New().String(), "-", "")
	order, err := s.gateway.CreateOrder(ctx, fiat, s.fiat, receipt, map[string]string{
		"owner_id": ownerID,
		"asset":    s.asset,
	})
	if err != nil {
		metrics.DepositOrders.WithLabelValues("gateway_error").Inc()
		return nil, err
	}

	o := &model.DepositOrder{
		ID:         order.ID,
		OwnerID:    ownerID,
		FiatAmount: fiat,
		Currency:   s.fiat,
		Receipt:    receipt,
		Status:     model.DepositCreated,
		CreatedAt:  s.now(),
	}
	if err := s.store.CreateDepositOrder(ctx, o); err != nil {
		return nil, err
	}

	metrics.DepositOrders.WithLabelValues("created").Inc()
	slog.Info("deposit order created",
		"order_id", o.ID,
		"owner", ownerID,
		"amount", fiat.String(),
		"currency", s.fiat,
	)
	s.broadcast(WSMessage{
		Type:    "deposit_created",
		OwnerID: ownerID,
		Amount:  fiat.String(),
		Status:  string(o.Status),
	})
	return o, nil
}

// GatewayKeyID is the public key the checkout widget needs, or "" when
// payments are disabled.
func (s *Service) GatewayKeyID() string {
	if s.gateway == nil {
		return ""
	}
	return s.gateway.KeyID()
}

// ConfirmDeposit applies a verified gateway event. A captured payment
// settles the order and opens its position in one store write; a failed
// payment marks the order failed. Repeat deliveries for a paid order
// return the order unchanged.
func (s *Service) ConfirmDeposit(ctx context.Context, ev *payment.Event) (*model.DepositOrder, error) {
	defer metrics.ObserveSince("confirm_deposit", time.Now())

	order, err := s.store.GetDepositOrder(ctx, ev.OrderID)
	if err != nil {
		return nil, err
	}

	unlock := s.owners.lock(order.OwnerID)
	defer unlock()

	if order.Status == model.DepositPaid {
		slog.Info("deposit already settled", "order_id", order.ID, "payment_id", ev.PaymentID)
		return order, nil
	}

	if !ev.Captured() {
		if order.Status == model.DepositFailed {
			return order, nil
		}
		if err := s.store.FailDepositOrder(ctx, order.ID, ev.PaymentID, s.now()); err != nil && !errors.Is(err, store.ErrConflict) {
			return nil, err
		}
		metrics.DepositOrders.WithLabelValues("failed").Inc()
		slog.Warn("deposit payment failed", "order_id", order.ID, "owner", order.OwnerID, "payment_id", ev.PaymentID)
		return s.store.GetDepositOrder(ctx, order.ID)
	}

	paid := money.FromMinorUnits(ev.AmountMinor)
	if !paid.Equal(order.FiatAmount) || (ev.Currency != "" && !strings.EqualFold(ev.Currency, order.Currency)) {
		metrics.DepositOrders.WithLabelValues("mismatch").Inc()
		return nil, fmt.Errorf("%w: order %s expects %s %s, got %s %s",
			ErrAmountMismatch, order.ID, order.FiatAmount, order.Currency, paid, ev.Currency)
	}

	price, err := s.livePrice(ctx)
	if err != nil {
		return nil, err
	}
	now := s.now()
	pos, buy, err := s.ledger.Open(order.OwnerID, order.FiatAmount, price, s.fixedRate, now)
	if err != nil {
		return nil, err
	}
	pos.DepositOrderID = order.ID

	if err := s.store.SettleDepositOrder(ctx, order.ID, ev.PaymentID, now, pos, buy); err != nil {
		if errors.Is(err, store.ErrConflict) {
			// A concurrent delivery settled it first.
			return s.store.GetDepositOrder(ctx, order.ID)
		}
		return nil, s.writeFailed("confirm_deposit", order.OwnerID, err)
	}

	metrics.DepositOrders.WithLabelValues("paid").Inc()
	s.positionOpened(pos, "gateway")
	return s.store.GetDepositOrder(ctx, order.ID)
}
