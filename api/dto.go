/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the internal domain model from the external API contract, allowing:
  - Field renaming without breaking clients
  - API-specific validation
  - Version evolution

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Complex response wrappers

VALIDATION:
  Validation is done in handlers, not in DTOs. DTOs are pure data carriers.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"time"

	"github.com/hoangthanh168/clippizo/catalog"
	"github.com/hoangthanh168/clippizo/credits"
	"github.com/hoangthanh168/clippizo/payments"
)

// =============================================================================
// BALANCE
// =============================================================================

// BucketDTO is one source type's share of the balance.
type BucketDTO struct {
	Amount    int64   `json:"amount"`
	ExpiresAt *string `json:"expires_at,omitempty"`
}

// ExpiringDTO flags credits expiring inside the warning window.
type ExpiringDTO struct {
	Amount    int64  `json:"amount"`
	ExpiresAt string `json:"expires_at"`
}

// BalanceDTO is the full balance breakdown.
type BalanceDTO struct {
	ProfileID string       `json:"profile_id"`
	Total     int64        `json:"total"`
	Monthly   *BucketDTO   `json:"monthly,omitempty"`
	Pack      *BucketDTO   `json:"pack,omitempty"`
	IsLow     bool         `json:"is_low"`
	Expiring  *ExpiringDTO `json:"expiring,omitempty"`
}

// =============================================================================
// CONSUMPTION
// =============================================================================

// ConsumeRequest spends credits on one operation.
type ConsumeRequest struct {
	Operation string         `json:"operation"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// ConsumeResponse reports a completed consumption.
type ConsumeResponse struct {
	CreditsUsed      int64  `json:"credits_used"`
	RemainingBalance int64  `json:"remaining_balance"`
	TransactionID    string `json:"transaction_id"`
	IsLow            bool   `json:"is_low"`
}

// AffordabilityDTO answers "can this profile run this operation".
type AffordabilityDTO struct {
	Operation string `json:"operation"`
	CanAfford bool   `json:"can_afford"`
	Required  int64  `json:"required"`
	Available int64  `json:"available"`
	Shortfall int64  `json:"shortfall,omitempty"`
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// TransactionDTO represents a ledger entry.
type TransactionDTO struct {
	ID           string         `json:"id"`
	Type         string         `json:"type"`
	Amount       int64          `json:"amount"`
	BalanceAfter int64          `json:"balance_after"`
	Operation    string         `json:"operation,omitempty"`
	SourceID     string         `json:"source_id,omitempty"`
	Description  string         `json:"description,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	CreatedAt    string         `json:"created_at"`
}

// HistoryResponse is a page of transaction history.
type HistoryResponse struct {
	Transactions []TransactionDTO `json:"transactions"`
	Total        int              `json:"total"`
	HasMore      bool             `json:"has_more"`
}

// =============================================================================
// PACKS & PLANS
// =============================================================================

// PurchasePackRequest carries optional payment confirmation. When the
// payment fields are set the purchase is finalized with them attached;
// otherwise a plain purchase is recorded (dev and admin flows).
type PurchasePackRequest struct {
	Provider      string `json:"provider,omitempty"`
	TransactionID string `json:"transaction_id,omitempty"`
	OrderID       string `json:"order_id,omitempty"`
}

// PurchasePackResponse reports a completed pack purchase.
type PurchasePackResponse struct {
	CreditsAdded  int64  `json:"credits_added"`
	TotalBalance  int64  `json:"total_balance"`
	SourceID      string `json:"source_id"`
	ExpiresAt     string `json:"expires_at"`
	TransactionID string `json:"transaction_id"`
}

// PlanDTO represents a subscription tier.
type PlanDTO struct {
	ID             string   `json:"id"`
	Name           string   `json:"name"`
	MonthlyCredits int64    `json:"monthly_credits"`
	RolloverCap    int64    `json:"rollover_cap"`
	YearlyCredits  int64    `json:"yearly_credits"`
	PriceUSD       string   `json:"price_usd"`
	PriceVND       string   `json:"price_vnd"`
	Features       []string `json:"features"`
}

// PackDTO represents a purchasable credit pack.
type PackDTO struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Credits      int64  `json:"credits"`
	ValidityDays int    `json:"validity_days"`
	PriceUSD     string `json:"price_usd"`
	PriceVND     string `json:"price_vnd"`
}

// OperationDTO is one billable operation and its cost.
type OperationDTO struct {
	Operation string `json:"operation"`
	Cost      int64  `json:"cost"`
}

// =============================================================================
// SUBSCRIPTION
// =============================================================================

// SubscriptionDTO is the subscription read model.
type SubscriptionDTO struct {
	Plan          string   `json:"plan"`
	Status        string   `json:"status,omitempty"`
	ExpiresAt     *string  `json:"expires_at,omitempty"`
	IsActive      bool     `json:"is_active"`
	CanCreate     bool     `json:"can_create"`
	Features      []string `json:"features"`
	DaysRemaining int      `json:"days_remaining,omitempty"`
	Provider      string   `json:"provider,omitempty"`
}

// AccessDTO answers whether credits are still spendable.
type AccessDTO struct {
	Allowed     bool    `json:"allowed"`
	Reason      string  `json:"reason"`
	CanUseUntil *string `json:"can_use_until,omitempty"`
}

// PutProfileRequest creates or updates a profile's subscription fields.
type PutProfileRequest struct {
	Plan               string `json:"plan"`
	SubscriptionStatus string `json:"subscription_status"`
	ExpiresAt          string `json:"expires_at,omitempty"` // RFC 3339
}

// =============================================================================
// WEBHOOKS
// =============================================================================

// WebhookRequest is the normalized webhook payload. Real providers each
// have their own shape; the adapter in front of this API translates to
// this one before delivery.
type WebhookRequest struct {
	Type          string `json:"type"`
	ProfileID     string `json:"profile_id"`
	TransactionID string `json:"transaction_id,omitempty"`
	OrderID       string `json:"order_id,omitempty"`
	Amount        string `json:"amount,omitempty"`
	Currency      string `json:"currency,omitempty"`

	PackID         string `json:"pack_id,omitempty"`
	PlanID         string `json:"plan_id,omitempty"`
	BillingPeriod  string `json:"billing_period,omitempty"`
	IsRenewal      bool   `json:"is_renewal,omitempty"`
	SubscriptionID string `json:"subscription_id,omitempty"`
	PeriodEnd      string `json:"period_end,omitempty"` // RFC 3339
}

// WebhookResponse acknowledges a processed event.
type WebhookResponse struct {
	Message string `json:"message"`
	OK      bool   `json:"ok"`
}

// ErrorResponse is the standard error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details any    `json:"details,omitempty"`
}

// =============================================================================
// CONVERSION HELPERS
// =============================================================================

func toBalanceDTO(profileID string, b credits.CreditBalance) BalanceDTO {
	dto := BalanceDTO{ProfileID: profileID, Total: b.Total, IsLow: b.IsLow}
	if b.Monthly != nil {
		dto.Monthly = toBucketDTO(*b.Monthly)
	}
	if b.Pack != nil {
		dto.Pack = toBucketDTO(*b.Pack)
	}
	if b.Expiring != nil {
		dto.Expiring = &ExpiringDTO{
			Amount:    b.Expiring.Amount,
			ExpiresAt: b.Expiring.ExpiresAt.Format(time.RFC3339),
		}
	}
	return dto
}

func toBucketDTO(b credits.BucketBalance) *BucketDTO {
	dto := &BucketDTO{Amount: b.Amount}
	if !b.ExpiresAt.IsZero() {
		s := b.ExpiresAt.Format(time.RFC3339)
		dto.ExpiresAt = &s
	}
	return dto
}

func toTransactionDTO(tx credits.CreditTransaction) TransactionDTO {
	return TransactionDTO{
		ID:           tx.ID,
		Type:         string(tx.Type),
		Amount:       tx.Amount,
		BalanceAfter: tx.BalanceAfter,
		Operation:    tx.Operation,
		SourceID:     tx.SourceID,
		Description:  tx.Description,
		Metadata:     tx.Metadata,
		CreatedAt:    tx.CreatedAt.Format(time.RFC3339),
	}
}

func toTransactionDTOs(txs []credits.CreditTransaction) []TransactionDTO {
	dtos := make([]TransactionDTO, len(txs))
	for i, tx := range txs {
		dtos[i] = toTransactionDTO(tx)
	}
	return dtos
}

func toPlanDTO(p catalog.SubscriptionPlan) PlanDTO {
	return PlanDTO{
		ID:             p.ID,
		Name:           p.Name,
		MonthlyCredits: p.MonthlyCredits,
		RolloverCap:    p.RolloverCap(),
		YearlyCredits:  p.YearlyCreditsUpfront,
		PriceUSD:       p.PriceUSD.StringFixed(2),
		PriceVND:       p.PriceVND.StringFixed(0),
		Features:       p.Features,
	}
}

func toPackDTO(p catalog.CreditPack) PackDTO {
	return PackDTO{
		ID:           p.ID,
		Name:         p.Name,
		Credits:      p.Credits,
		ValidityDays: p.ValidityDays,
		PriceUSD:     p.PriceUSD.StringFixed(2),
		PriceVND:     p.PriceVND.StringFixed(0),
	}
}

func toSubscriptionDTO(info payments.SubscriptionInfo) SubscriptionDTO {
	dto := SubscriptionDTO{
		Plan:          info.Plan,
		Status:        string(info.Status),
		IsActive:      info.IsActive,
		CanCreate:     info.CanCreate,
		Features:      info.Features,
		DaysRemaining: info.DaysRemaining,
		Provider:      info.Provider,
	}
	if !info.ExpiresAt.IsZero() {
		s := info.ExpiresAt.Format(time.RFC3339)
		dto.ExpiresAt = &s
	}
	return dto
}
