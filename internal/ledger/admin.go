package ledger

import (
	"context"
	"errors"
	"log/slog"

	"github.com/bitinvest/ledger-engine/internal/destination"
	"github.com/bitinvest/ledger-engine/internal/identity"
	"github.com/bitinvest/ledger-engine/internal/metrics"
	"github.com/bitinvest/ledger-engine/internal/model"
	"github.com/bitinvest/ledger-engine/internal/payout"
)

// ErrInvalidStatus is returned for an unknown payout status filter.
var ErrInvalidStatus = errors.New("ledger: unknown payout status")

// AdminPayouts lists payout requests for review. An empty status returns
// every request newest first; pending returns the review queue oldest
// first.
func (s *Service) AdminPayouts(ctx context.Context, actor identity.Actor, status model.PayoutStatus) ([]model.PayoutRequest, error) {
	if !actor.IsAdmin {
		return nil, payout.ErrUnauthorized
	}
	switch {
	case status == "":
		return s.store.ListPayouts(ctx)
	case status == model.PayoutPending:
		return s.PendingPayouts(ctx, actor)
	case status.Valid():
		return s.store.ListPayoutsByStatus(ctx, status)
	}
	return nil, ErrInvalidStatus
}

// Owners returns each owner's active and lifetime holdings.
func (s *Service) Owners(ctx context.Context, actor identity.Actor) ([]model.OwnerOverview, error) {
	if !actor.IsAdmin {
		return nil, payout.ErrUnauthorized
	}
	return s.store.ListOwnerOverviews(ctx)
}

// DepositAddress returns the published asset deposit address.
func (s *Service) DepositAddress(ctx context.Context) (*model.Setting, error) {
	return s.store.GetSetting(ctx, model.SettingDepositAddress)
}

// SetDepositAddress validates and publishes the asset deposit address.
func (s *Service) SetDepositAddress(ctx context.Context, actor identity.Actor, address string) (*model.Setting, error) {
	if !actor.IsAdmin {
		return nil, payout.ErrUnauthorized
	}
	addr, err := destination.ParseAddress(address)
	if err != nil {
		return nil, err
	}

	st := &model.Setting{
		Key:       model.SettingDepositAddress,
		Value:     addr,
		UpdatedBy: actor.OwnerID,
		UpdatedAt: s.now(),
	}
	if err := s.store.PutSetting(ctx, st); err != nil {
		return nil, err
	}

	metrics.SettingsUpdated.WithLabelValues(st.Key).Inc()
	slog.Info("deposit address updated", "admin", actor.OwnerID, "address", addr)
	return st, nil
}
