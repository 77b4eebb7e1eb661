/*
handlers.go - HTTP API handlers for the credits service

PURPOSE:
  Exposes the credits ledger via REST API. Handles HTTP
  request/response, JSON serialization, and delegates to domain logic.

ENDPOINTS:
  Credits:
    GET    /api/profiles/{id}/credits/balance       Balance breakdown
    POST   /api/profiles/{id}/credits/consume       Spend on an operation
    GET    /api/profiles/{id}/credits/affordability Cost pre-check
    GET    /api/profiles/{id}/credits/history       Transaction history
    GET    /api/profiles/{id}/credits/access        Spending gate verdict
    POST   /api/profiles/{id}/credits/packs/{packId}/purchase

  Subscription:
    GET    /api/profiles/{id}/subscription          Subscription read model
    POST   /api/profiles/{id}/subscription/cancel   User cancellation
    PUT    /api/profiles/{id}                       Create/update profile

  Catalog:
    GET    /api/plans                               Subscription tiers
    GET    /api/packs                               Credit packs
    GET    /api/operations                          Billable operations

  Admin:
    POST   /api/admin/profiles/{id}/allocate        Manual allocation
    POST   /api/admin/profiles/{id}/forfeit         Manual forfeiture

  Webhooks:
    POST   /api/webhooks/{provider}                 Payment notifications

REQUEST FLOW:
  1. Parse HTTP request
  2. Validate input
  3. Call domain logic (consumer, allocator, dispatcher, ...)
  4. Serialize response
  5. Handle errors

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Validation errors, unknown operation/pack/plan
  - 402: Insufficient credits
  - 403: No active subscription
  - 404: Profile/source/transaction not found
  - 409: Duplicate payment
  - 500: Internal errors

SECURITY NOTE:
  No authentication middleware here; an API gateway in front of this
  service owns auth and webhook signature verification.

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/hoangthanh168/clippizo/catalog"
	"github.com/hoangthanh168/clippizo/credits"
	"github.com/hoangthanh168/clippizo/payments"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// ProfileAdmin is the profile store plus the upsert used by the PUT
// endpoint. Both store implementations satisfy it.
type ProfileAdmin interface {
	credits.ProfileStore
	PutProfile(ctx context.Context, p credits.Profile) error
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Balance      *credits.BalanceAggregator
	Consumer     *credits.Consumer
	Ledger       *credits.Ledger
	Allocator    *credits.Allocator
	Packs        *credits.PackPurchaser
	Lifecycle    *credits.Lifecycle
	Subscription *payments.Manager
	Dispatcher   *payments.Dispatcher
	Profiles     ProfileAdmin
	Plans        catalog.Plans
	PackCatalog  catalog.Packs
	Metrics      *Metrics
	Log          zerolog.Logger
}

// =============================================================================
// CREDITS
// =============================================================================

// GetBalance returns the balance breakdown for a profile.
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	profileID := chi.URLParam(r, "id")

	balance, err := h.Balance.CreditsBalance(r.Context(), profileID)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toBalanceDTO(profileID, balance))
}

// Consume spends credits on one operation.
func (h *Handler) Consume(w http.ResponseWriter, r *http.Request) {
	profileID := chi.URLParam(r, "id")

	var req ConsumeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.Operation == "" {
		writeError(w, http.StatusBadRequest, "Missing operation", nil)
		return
	}

	op := credits.Operation(req.Operation)
	result, err := h.Consumer.Consume(r.Context(), profileID, op, req.Metadata)
	if err != nil {
		if errors.As(err, new(*credits.InsufficientCreditsError)) {
			h.Metrics.InsufficientCredits.WithLabelValues(req.Operation).Inc()
		}
		h.writeDomainError(w, err)
		return
	}

	h.Metrics.ConsumptionsTotal.WithLabelValues(req.Operation).Inc()
	h.Metrics.CreditsConsumed.WithLabelValues(req.Operation).Add(float64(result.CreditsUsed))

	writeJSON(w, http.StatusOK, ConsumeResponse{
		CreditsUsed:      result.CreditsUsed,
		RemainingBalance: result.RemainingBalance,
		TransactionID:    result.TransactionID,
		IsLow:            result.IsLow,
	})
}

// CanAfford answers a cost pre-check without spending anything.
func (h *Handler) CanAfford(w http.ResponseWriter, r *http.Request) {
	profileID := chi.URLParam(r, "id")
	operation := r.URL.Query().Get("operation")
	if operation == "" {
		writeError(w, http.StatusBadRequest, "Missing operation query parameter", nil)
		return
	}

	a, err := h.Consumer.CanAfford(r.Context(), profileID, credits.Operation(operation))
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	dto := AffordabilityDTO{
		Operation: operation,
		CanAfford: a.CanAfford,
		Required:  a.Required,
		Available: a.Available,
	}
	if !a.CanAfford {
		dto.Shortfall = a.Required - a.Available
	}
	writeJSON(w, http.StatusOK, dto)
}

// GetHistory returns a page of the transaction log, newest first.
func (h *Handler) GetHistory(w http.ResponseWriter, r *http.Request) {
	profileID := chi.URLParam(r, "id")

	filter := credits.TransactionFilter{
		Type:   credits.TransactionType(r.URL.Query().Get("type")),
		Limit:  queryInt(r, "limit", 0),
		Offset: queryInt(r, "offset", 0),
	}

	page, err := h.Ledger.TransactionHistory(r.Context(), profileID, filter)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, HistoryResponse{
		Transactions: toTransactionDTOs(page.Transactions),
		Total:        page.Total,
		HasMore:      page.HasMore,
	})
}

// GetAccess reports whether the profile may still spend credits.
func (h *Handler) GetAccess(w http.ResponseWriter, r *http.Request) {
	profileID := chi.URLParam(r, "id")

	access, err := h.Lifecycle.CanUseCreditsAfterCancellation(r.Context(), profileID)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	dto := AccessDTO{Allowed: access.Allowed, Reason: access.Reason}
	if access.CanUseUntil != nil {
		s := access.CanUseUntil.Format(time.RFC3339)
		dto.CanUseUntil = &s
	}
	writeJSON(w, http.StatusOK, dto)
}

// PurchasePack buys a credit pack. With payment details in the body the
// purchase is finalized with them attached.
func (h *Handler) PurchasePack(w http.ResponseWriter, r *http.Request) {
	profileID := chi.URLParam(r, "id")
	packID := chi.URLParam(r, "packId")

	var req PurchasePackRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "Invalid request body", err)
			return
		}
	}

	var (
		result credits.PurchaseResult
		err    error
	)
	if req.TransactionID != "" {
		result, err = h.Packs.Finalize(r.Context(), profileID, packID, credits.PaymentDetails{
			Provider:      req.Provider,
			TransactionID: req.TransactionID,
			OrderID:       req.OrderID,
		})
	} else {
		result, err = h.Packs.Purchase(r.Context(), profileID, packID)
	}
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	h.Metrics.PacksPurchased.WithLabelValues(packID).Inc()

	writeJSON(w, http.StatusCreated, PurchasePackResponse{
		CreditsAdded:  result.CreditsAdded,
		TotalBalance:  result.TotalBalance,
		SourceID:      result.SourceID,
		ExpiresAt:     result.ExpiresAt.Format(time.RFC3339),
		TransactionID: result.TransactionID,
	})
}

// =============================================================================
// SUBSCRIPTION
// =============================================================================

// GetSubscription returns the subscription read model.
func (h *Handler) GetSubscription(w http.ResponseWriter, r *http.Request) {
	profileID := chi.URLParam(r, "id")

	info, err := h.Subscription.Info(r.Context(), profileID)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toSubscriptionDTO(info))
}

// CancelSubscription processes a user-initiated cancellation. Credits
// stay spendable until the already-paid period ends.
func (h *Handler) CancelSubscription(w http.ResponseWriter, r *http.Request) {
	profileID := chi.URLParam(r, "id")
	ctx := r.Context()

	if err := h.Subscription.Cancel(ctx, profileID); err != nil {
		h.writeDomainError(w, err)
		return
	}

	profile, err := h.Profiles.Profile(ctx, profileID)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	outcome, err := h.Lifecycle.HandleCancellation(ctx, profileID, profile.SubscriptionExpiresAt)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	if outcome.ForfeitedImmediately {
		h.Metrics.CreditsForfeited.Add(float64(outcome.Forfeited.CreditsForfeited))
	}

	dto := AccessDTO{Allowed: !outcome.ForfeitedImmediately, Reason: "subscription cancelled"}
	if outcome.CanUseUntil != nil {
		s := outcome.CanUseUntil.Format(time.RFC3339)
		dto.CanUseUntil = &s
	}
	writeJSON(w, http.StatusOK, dto)
}

// PutProfile creates or updates a profile's subscription fields.
func (h *Handler) PutProfile(w http.ResponseWriter, r *http.Request) {
	profileID := chi.URLParam(r, "id")

	var req PutProfileRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	profile := credits.Profile{
		ID:                 profileID,
		Plan:               req.Plan,
		SubscriptionStatus: credits.SubscriptionStatus(req.SubscriptionStatus),
	}
	if req.ExpiresAt != "" {
		expiresAt, err := time.Parse(time.RFC3339, req.ExpiresAt)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid expires_at (use RFC 3339)", err)
			return
		}
		profile.SubscriptionExpiresAt = expiresAt
	}

	if err := h.Profiles.PutProfile(r.Context(), profile); err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": profileID})
}

// =============================================================================
// CATALOG
// =============================================================================

// ListPlans returns all subscription tiers.
func (h *Handler) ListPlans(w http.ResponseWriter, r *http.Request) {
	plans := h.Plans.All()
	dtos := make([]PlanDTO, len(plans))
	for i, p := range plans {
		dtos[i] = toPlanDTO(p)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// ListPacks returns all credit packs.
func (h *Handler) ListPacks(w http.ResponseWriter, r *http.Request) {
	packs := h.PackCatalog.All()
	dtos := make([]PackDTO, len(packs))
	for i, p := range packs {
		dtos[i] = toPackDTO(p)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// ListOperations returns the billable operations and their costs.
func (h *Handler) ListOperations(w http.ResponseWriter, r *http.Request) {
	ops := credits.Operations()
	dtos := make([]OperationDTO, 0, len(ops))
	for _, op := range ops {
		dtos = append(dtos, OperationDTO{Operation: string(op.Operation), Cost: op.Credits})
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// ADMIN
// =============================================================================

// AllocateRequest triggers a manual plan allocation.
type AllocateRequest struct {
	PlanID        string `json:"plan_id"`
	BillingPeriod string `json:"billing_period,omitempty"` // defaults to monthly
}

// Allocate grants plan credits outside the webhook flow.
func (h *Handler) Allocate(w http.ResponseWriter, r *http.Request) {
	profileID := chi.URLParam(r, "id")

	var req AllocateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	period := credits.BillingPeriod(req.BillingPeriod)
	if period == "" {
		period = credits.BillingMonthly
	}

	var (
		result credits.AllocationResult
		err    error
	)
	if period == credits.BillingYearly {
		result, err = h.Allocator.AllocateYearly(r.Context(), profileID, req.PlanID, credits.AllocationOptions{})
	} else {
		result, err = h.Allocator.AllocateMonthly(r.Context(), profileID, req.PlanID, credits.AllocationOptions{})
	}
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	h.Metrics.AllocationsTotal.WithLabelValues(req.PlanID, string(period)).Inc()
	h.Metrics.CreditsAllocated.Add(float64(result.CreditsAllocated))

	writeJSON(w, http.StatusOK, map[string]any{
		"credits_allocated": result.CreditsAllocated,
		"total_balance":     result.TotalBalance,
		"source_id":         result.SourceID,
		"transaction_id":    result.TransactionID,
	})
}

// ForfeitRequest names the reason for a manual forfeiture.
type ForfeitRequest struct {
	Reason string `json:"reason,omitempty"`
}

// Forfeit wipes a profile's balance. Admin escape hatch.
func (h *Handler) Forfeit(w http.ResponseWriter, r *http.Request) {
	profileID := chi.URLParam(r, "id")

	var req ForfeitRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "Invalid request body", err)
			return
		}
	}
	reason := credits.ForfeitureReason(req.Reason)
	if reason == "" {
		reason = credits.ReasonManualAdjustment
	}

	result, err := h.Lifecycle.ForfeitAllCredits(r.Context(), profileID, reason)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	h.Metrics.CreditsForfeited.Add(float64(result.CreditsForfeited))

	writeJSON(w, http.StatusOK, map[string]any{
		"credits_forfeited": result.CreditsForfeited,
		"sources_cleared":   result.SourcesCleared,
		"transaction_id":    result.TransactionID,
	})
}

// =============================================================================
// WEBHOOKS
// =============================================================================

// Webhook ingests a normalized provider notification and routes it into
// the ledger. Signature verification happens upstream.
func (h *Handler) Webhook(w http.ResponseWriter, r *http.Request) {
	provider := chi.URLParam(r, "provider")

	var req WebhookRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.Metrics.WebhookEvents.WithLabelValues(provider, "invalid", "rejected").Inc()
		writeError(w, http.StatusBadRequest, "Invalid webhook payload", err)
		return
	}
	if req.ProfileID == "" {
		h.Metrics.WebhookEvents.WithLabelValues(provider, req.Type, "rejected").Inc()
		writeError(w, http.StatusBadRequest, "Missing profile_id", nil)
		return
	}

	event, err := h.webhookEvent(provider, req)
	if err != nil {
		h.Metrics.WebhookEvents.WithLabelValues(provider, req.Type, "rejected").Inc()
		writeError(w, http.StatusBadRequest, "Invalid webhook event", err)
		return
	}

	if err := h.Dispatcher.Dispatch(r.Context(), event); err != nil {
		h.Metrics.WebhookEvents.WithLabelValues(provider, req.Type, "failed").Inc()
		h.Log.Error().Err(err).
			Str("provider", provider).
			Str("type", req.Type).
			Str("profile_id", req.ProfileID).
			Msg("webhook dispatch failed")
		h.writeDomainError(w, err)
		return
	}

	h.Metrics.WebhookEvents.WithLabelValues(provider, req.Type, "processed").Inc()
	writeJSON(w, http.StatusOK, WebhookResponse{Message: "Processed", OK: true})
}

func (h *Handler) webhookEvent(provider string, req WebhookRequest) (payments.Event, error) {
	switch req.Type {
	case "order.paid":
		amount := decimal.Zero
		if req.Amount != "" {
			var err error
			amount, err = decimal.NewFromString(req.Amount)
			if err != nil {
				return nil, err
			}
		}
		period := credits.BillingPeriod(req.BillingPeriod)
		if period == "" {
			period = credits.BillingMonthly
		}
		return payments.OrderPaid{
			Profile:        req.ProfileID,
			Provider:       provider,
			TransactionID:  req.TransactionID,
			OrderID:        req.OrderID,
			Amount:         amount,
			Currency:       req.Currency,
			PackID:         req.PackID,
			PlanID:         req.PlanID,
			BillingPeriod:  period,
			IsRenewal:      req.IsRenewal,
			SubscriptionID: req.SubscriptionID,
		}, nil

	case "subscription.activated":
		ev := payments.SubscriptionActivated{
			Profile:        req.ProfileID,
			Provider:       provider,
			SubscriptionID: req.SubscriptionID,
		}
		if req.PeriodEnd != "" {
			periodEnd, err := time.Parse(time.RFC3339, req.PeriodEnd)
			if err != nil {
				return nil, err
			}
			ev.PeriodEnd = periodEnd
		}
		return ev, nil

	case "subscription.canceled":
		return payments.SubscriptionCanceled{
			Profile:        req.ProfileID,
			Provider:       provider,
			SubscriptionID: req.SubscriptionID,
		}, nil

	case "subscription.revoked":
		return payments.SubscriptionRevoked{
			Profile:        req.ProfileID,
			Provider:       provider,
			SubscriptionID: req.SubscriptionID,
		}, nil

	default:
		return nil, errors.New("unknown event type " + req.Type)
	}
}

// =============================================================================
// HEALTH
// =============================================================================

// Health is the liveness probe.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// HELPERS
// =============================================================================

// writeDomainError maps domain errors to HTTP status codes.
func (h *Handler) writeDomainError(w http.ResponseWriter, err error) {
	var insufficient *credits.InsufficientCreditsError
	switch {
	case errors.As(err, &insufficient):
		writeJSON(w, http.StatusPaymentRequired, ErrorResponse{
			Error: "Insufficient credits",
			Code:  "INSUFFICIENT_CREDITS",
			Details: map[string]int64{
				"required":  insufficient.Required,
				"available": insufficient.Available,
			},
		})
	case errors.Is(err, credits.ErrNoActiveSubscription):
		writeError(w, http.StatusForbidden, "No active subscription", err)
	case errors.Is(err, credits.ErrUnknownOperation),
		errors.Is(err, credits.ErrInvalidPack),
		errors.Is(err, credits.ErrPlanNotFound):
		writeError(w, http.StatusBadRequest, "Invalid request", err)
	case credits.IsNotFound(err):
		writeError(w, http.StatusNotFound, "Not found", err)
	case errors.Is(err, payments.ErrDuplicatePayment):
		writeError(w, http.StatusConflict, "Payment already processed", err)
	default:
		h.Log.Error().Err(err).Msg("internal error")
		writeError(w, http.StatusInternalServerError, "Internal error", nil)
	}
}

func queryInt(r *http.Request, name string, fallback int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
