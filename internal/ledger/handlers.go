package ledger

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/bitinvest/ledger-engine/internal/accrual"
	"github.com/bitinvest/ledger-engine/internal/destination"
	"github.com/bitinvest/ledger-engine/internal/identity"
	"github.com/bitinvest/ledger-engine/internal/limits"
	"github.com/bitinvest/ledger-engine/internal/model"
	"github.com/bitinvest/ledger-engine/internal/money"
	"github.com/bitinvest/ledger-engine/internal/payment"
	"github.com/bitinvest/ledger-engine/internal/payout"
	"github.com/bitinvest/ledger-engine/internal/position"
	"github.com/bitinvest/ledger-engine/internal/store"
)

const (
	maxWebhookBody      = 1 << 20
	defaultAccrualBatch = 500
)

// --- Request/Response types ---

// DepositRequest is the JSON body for POST /deposits.
type DepositRequest struct {
	Amount decimal.Decimal `json:"amount"`
}

// DepositResponse carries the order the client-side checkout pays.
type DepositResponse struct {
	Order *model.DepositOrder `json:"order"`
	KeyID string              `json:"key_id"`
}

// PayoutRequestBody is the JSON body for POST /payouts.
type PayoutRequestBody struct {
	Category model.PayoutCategory `json:"category"`
	Amount   decimal.Decimal      `json:"amount"`
}

// DepositAddressRequest is the JSON body for PUT /admin/settings/deposit-address.
type DepositAddressRequest struct {
	Address string `json:"address"`
}

// AdminPositionRequest is the JSON body for POST /admin/positions.
type AdminPositionRequest struct {
	OwnerID string          `json:"owner_id"`
	Amount  decimal.Decimal `json:"amount"`
}

// --- Owner handlers ---

// HandleCreateDeposit handles POST /api/v1/deposits
func (s *Service) HandleCreateDeposit(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(w, r)
	if !ok {
		return
	}
	var req DepositRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	order, err := s.CreateDeposit(r.Context(), actor.OwnerID, req.Amount)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, DepositResponse{Order: order, KeyID: s.GatewayKeyID()})
}

// HandleListPositions handles GET /api/v1/positions
func (s *Service) HandleListPositions(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(w, r)
	if !ok {
		return
	}
	positions, err := s.ListPositions(r.Context(), actor.OwnerID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if positions == nil {
		positions = []model.Position{}
	}
	writeJSON(w, http.StatusOK, positions)
}

// HandleListTransactions handles GET /api/v1/transactions
func (s *Service) HandleListTransactions(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(w, r)
	if !ok {
		return
	}
	txs, err := s.ListTransactions(r.Context(), actor.OwnerID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if txs == nil {
		txs = []model.Transaction{}
	}
	writeJSON(w, http.StatusOK, txs)
}

// HandleSummary handles GET /api/v1/summary
func (s *Service) HandleSummary(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(w, r)
	if !ok {
		return
	}
	summary, err := s.Summary(r.Context(), actor.OwnerID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// HandleBalances handles GET /api/v1/balances
func (s *Service) HandleBalances(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(w, r)
	if !ok {
		return
	}
	balances, err := s.Balances(r.Context(), actor.OwnerID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, balances)
}

// HandleTerms handles GET /api/v1/terms
func (s *Service) HandleTerms(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(w, r)
	if !ok {
		return
	}
	terms, err := s.Terms(r.Context(), actor.OwnerID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, terms)
}

// HandleDepositAddress handles GET /api/v1/deposit-address
func (s *Service) HandleDepositAddress(w http.ResponseWriter, r *http.Request) {
	if _, ok := actorFrom(w, r); !ok {
		return
	}
	st, err := s.DepositAddress(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"address": st.Value})
}

// HandleGetDestination handles GET /api/v1/destination
func (s *Service) HandleGetDestination(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(w, r)
	if !ok {
		return
	}
	d, err := s.GetDestination(r.Context(), actor.OwnerID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	masked := *d
	masked.AccountNumber = destination.Mask(d.AccountNumber)
	writeJSON(w, http.StatusOK, masked)
}

// HandleSetDestination handles PUT /api/v1/destination
func (s *Service) HandleSetDestination(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(w, r)
	if !ok {
		return
	}
	var in destination.Input
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	d, err := s.SetDestination(r.Context(), actor.OwnerID, in)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	masked := *d
	masked.AccountNumber = destination.Mask(d.AccountNumber)
	writeJSON(w, http.StatusOK, masked)
}

// HandleRequestPayout handles POST /api/v1/payouts
func (s *Service) HandleRequestPayout(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(w, r)
	if !ok {
		return
	}
	var req PayoutRequestBody
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	pr, err := s.RequestPayout(r.Context(), actor.OwnerID, req.Category, req.Amount)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, pr)
}

// HandleListPayouts handles GET /api/v1/payouts
func (s *Service) HandleListPayouts(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(w, r)
	if !ok {
		return
	}
	payouts, err := s.ListPayouts(r.Context(), actor.OwnerID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if payouts == nil {
		payouts = []model.PayoutRequest{}
	}
	writeJSON(w, http.StatusOK, payouts)
}

// --- Admin handlers ---

// HandleAdminOpenPosition handles POST /api/v1/admin/positions
func (s *Service) HandleAdminOpenPosition(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(w, r)
	if !ok {
		return
	}
	if !actor.IsAdmin {
		writeServiceError(w, payout.ErrUnauthorized)
		return
	}
	var req AdminPositionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.OwnerID == "" {
		writeError(w, "owner_id is required", http.StatusBadRequest)
		return
	}

	pos, err := s.OpenPosition(r.Context(), req.OwnerID, req.Amount)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, pos)
}

// HandleAdminListPayouts handles GET /api/v1/admin/payouts
// An optional ?status=pending|completed|failed filters the list.
func (s *Service) HandleAdminListPayouts(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(w, r)
	if !ok {
		return
	}
	status := model.PayoutStatus(r.URL.Query().Get("status"))
	list, err := s.AdminPayouts(r.Context(), actor, status)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if list == nil {
		list = []model.PayoutRequest{}
	}
	writeJSON(w, http.StatusOK, list)
}

// HandleAdminOwners handles GET /api/v1/admin/owners
func (s *Service) HandleAdminOwners(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(w, r)
	if !ok {
		return
	}
	owners, err := s.Owners(r.Context(), actor)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if owners == nil {
		owners = []model.OwnerOverview{}
	}
	writeJSON(w, http.StatusOK, owners)
}

// HandleAdminSetDepositAddress handles PUT /api/v1/admin/settings/deposit-address
func (s *Service) HandleAdminSetDepositAddress(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(w, r)
	if !ok {
		return
	}
	var req DepositAddressRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	st, err := s.SetDepositAddress(r.Context(), actor, req.Address)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// HandleAdminDisposePayout handles POST /api/v1/admin/payouts/{payoutID}/{decision}
func (s *Service) HandleAdminDisposePayout(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(w, r)
	if !ok {
		return
	}
	payoutID := chi.URLParam(r, "payoutID")
	decision := model.Decision(chi.URLParam(r, "decision"))

	pr, err := s.DisposePayout(r.Context(), actor, payoutID, decision)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pr)
}

// HandleAdminRunAccruals handles POST /api/v1/admin/accruals/run
// An optional ?batch=N caps the positions swept.
func (s *Service) HandleAdminRunAccruals(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(w, r)
	if !ok {
		return
	}
	if !actor.IsAdmin {
		writeServiceError(w, payout.ErrUnauthorized)
		return
	}
	batch := defaultAccrualBatch
	if raw := r.URL.Query().Get("batch"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, "batch must be a positive integer", http.StatusBadRequest)
			return
		}
		batch = n
	}

	run, err := s.ApplyDueAccruals(r.Context(), s.now(), batch)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// HandleAdminStats handles GET /api/v1/admin/stats
func (s *Service) HandleAdminStats(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(w, r)
	if !ok {
		return
	}
	stats, err := s.Stats(r.Context(), actor)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// --- Gateway callback ---

// HandlePaymentWebhook handles POST /api/v1/webhooks/payments. The body is
// authenticated by its HMAC signature, not by the identity middleware.
func (s *Service) HandlePaymentWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		writeError(w, "unable to read body", http.StatusBadRequest)
		return
	}
	if err := payment.VerifySignature(body, r.Header.Get(payment.SignatureHeader), s.webhookSecret); err != nil {
		slog.Warn("payment webhook rejected", "err", err)
		writeError(w, "invalid signature", http.StatusUnauthorized)
		return
	}

	ev, err := payment.ParseEvent(body)
	if errors.Is(err, payment.ErrUnsupportedEvent) {
		// Acknowledge so the gateway stops redelivering.
		writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	}
	if err != nil {
		writeServiceError(w, err)
		return
	}

	order, err := s.ConfirmDeposit(r.Context(), ev)
	if err != nil {
		slog.Error("payment webhook failed", "order_id", ev.OrderID, "payment_id", ev.PaymentID, "err", err)
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, order)
}

// --- Helpers ---

func actorFrom(w http.ResponseWriter, r *http.Request) (identity.Actor, bool) {
	actor, ok := identity.FromContext(r.Context())
	if !ok || actor.OwnerID == "" {
		writeError(w, "unauthorized", http.StatusUnauthorized)
		return identity.Actor{}, false
	}
	return actor, true
}

// statusFor maps service errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, money.ErrInvalidAmount),
		errors.Is(err, payout.ErrBelowMinimum),
		errors.Is(err, payout.ErrInvalidCategory),
		errors.Is(err, payout.ErrInvalidDecision),
		errors.Is(err, destination.ErrInvalidIFSC),
		errors.Is(err, destination.ErrInvalidAccountNumber),
		errors.Is(err, destination.ErrInvalidHolderName),
		errors.Is(err, destination.ErrInvalidAddress),
		errors.Is(err, ErrInvalidStatus),
		errors.Is(err, payment.ErrMalformedEvent),
		errors.Is(err, ErrAmountMismatch):
		return http.StatusBadRequest
	case errors.Is(err, payout.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, payout.ErrAlreadyFinalized),
		errors.Is(err, accrual.ErrNotDue),
		errors.Is(err, store.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, payout.ErrInsufficientBalance),
		errors.Is(err, payout.ErrMissingDestination),
		errors.Is(err, payout.ErrPartialPrincipal),
		errors.Is(err, limits.ErrPerDepositLimitExceeded),
		errors.Is(err, limits.ErrOwnerLimitExceeded):
		return http.StatusUnprocessableEntity
	case errors.Is(err, payment.ErrGateway):
		return http.StatusBadGateway
	case errors.Is(err, position.ErrPriceUnavailable),
		errors.Is(err, payment.ErrNotConfigured):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func writeServiceError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		slog.Error("request failed", "err", err)
		writeError(w, "internal error", status)
		return
	}
	writeError(w, err.Error(), status)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
