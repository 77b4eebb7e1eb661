/*
Package credits implements the credits ledger: a multi-source balance
tracking engine for a subscription product.

PURPOSE:
  A profile's spendable balance is the sum of its credit sources - grants
  created by monthly/yearly plan allocations or one-time pack purchases.
  Sources are consumed in a fixed precedence order (pack before monthly,
  soonest-expiring first), capped on rollover, expired by query filtering,
  and forfeited when the subscription ends. Every balance change is recorded
  in an append-only transaction log.

KEY CONCEPTS IN THIS FILE (types.go):
  - CreditSource: one grant contributing to the balance
  - CreditTransaction: an immutable ledger entry recording a balance change
  - Profile: the subscription state the engine gates operations on
  - Plan / Pack: read-only catalog data consumed through small interfaces

DESIGN PRINCIPLES:
  1. Immutability: transactions are written once, never updated (the single
     exception is the sanctioned metadata enrichment in pack finalization)
  2. Sources are never deleted: expiry is a query filter, not a row removal
  3. Atomicity: every mutating operation runs inside one unit of work
     scoped to a single profile (see store.go)
  4. Auditability: every transaction carries the balance snapshot after it

SEE ALSO:
  - store.go: persistence interfaces and the unit-of-work contract
  - ledger.go: the append-only transaction log
  - balance.go: balance aggregation from sources
*/
package credits

import "time"

// =============================================================================
// CREDIT SOURCE - One grant of credits
// =============================================================================

type SourceType string

const (
	// SourceMonthly is a recurring grant from a plan allocation. Yearly
	// upfront allocations also use this type, with a 365-day expiry.
	SourceMonthly SourceType = "monthly"

	// SourcePack is a one-time grant from a purchased credit pack.
	SourcePack SourceType = "pack"
)

// CreditSource is one grant of credits.
//
// INVARIANTS:
//   - Amount is never negative.
//   - Amount <= InitialAmount at all times (monotonically non-increasing
//     after creation).
//   - Sources are never deleted; an expired source is simply invisible to
//     balance and consumption queries (ExpiresAt > now filter).
type CreditSource struct {
	ID            string
	ProfileID     string
	Type          SourceType
	Amount        int64
	InitialAmount int64
	ExpiresAt     time.Time

	// PackID is set only for pack sources, identifying the purchased tier.
	PackID string

	// BillingCycleStart is set only for monthly sources.
	BillingCycleStart time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Expired reports whether the source is invisible to balance queries at t.
func (s CreditSource) Expired(t time.Time) bool {
	return !s.ExpiresAt.After(t)
}

// =============================================================================
// CREDIT TRANSACTION - Immutable ledger entry
// =============================================================================

type TransactionType string

const (
	TxAllocation   TransactionType = "allocation"    // Monthly/yearly plan grant
	TxPackPurchase TransactionType = "pack_purchase" // One-time pack grant
	TxConsumption  TransactionType = "consumption"   // Credits spent on an operation
	TxExpiration   TransactionType = "expiration"    // Rollover-cap trim or forfeiture
	TxAdjustment   TransactionType = "adjustment"    // Manual admin correction
)

// CreditTransaction is a write-once ledger entry. Amount is a signed delta:
// positive for grants, negative for consumption and expiration. BalanceAfter
// is the profile's total available balance immediately after this entry - a
// point-in-time audit snapshot, never recomputed later.
type CreditTransaction struct {
	ID           string
	ProfileID    string
	Type         TransactionType
	Amount       int64
	BalanceAfter int64
	Operation    string
	SourceID     string
	Description  string
	Metadata     map[string]any
	CreatedAt    time.Time
}

// =============================================================================
// PROFILE - Subscription state (external collaborator)
// =============================================================================

type SubscriptionStatus string

const (
	StatusActive    SubscriptionStatus = "active"
	StatusTrialing  SubscriptionStatus = "trialing"
	StatusCancelled SubscriptionStatus = "cancelled"
	StatusPastDue   SubscriptionStatus = "past_due"
	StatusExpired   SubscriptionStatus = "expired"
	StatusNone      SubscriptionStatus = ""
)

// Profile carries the subscription fields the ledger reads to gate
// operations. The ledger writes these fields only through the subscription
// lifecycle handler, never from allocation or consumption.
type Profile struct {
	ID                    string
	Plan                  string
	SubscriptionStatus    SubscriptionStatus
	SubscriptionExpiresAt time.Time // zero = unset
}

// =============================================================================
// BILLING PERIOD & CATALOG INTERFACES
// =============================================================================

type BillingPeriod string

const (
	BillingMonthly BillingPeriod = "monthly"
	BillingYearly  BillingPeriod = "yearly"
)

// Plan is the slice of catalog data the engine needs. The full catalog
// (prices, features) lives one layer up; the engine never sees money.
type Plan struct {
	ID                    string
	Name                  string
	MonthlyCredits        int64
	RolloverCapMultiplier int64
	DurationDays          int
	YearlyCreditsUpfront  int64
}

// RolloverCap returns the maximum balance a recurring allocation may carry.
func (p Plan) RolloverCap() int64 {
	return p.MonthlyCredits * p.RolloverCapMultiplier
}

// Duration returns the allocation window in days for a billing period.
// Plans without a duration (the free tier) fall back to a 30-day window.
func (p Plan) Duration(period BillingPeriod) int {
	if period == BillingYearly {
		return yearlyDurationDays
	}
	if p.DurationDays <= 0 {
		return defaultMonthlyDurationDays
	}
	return p.DurationDays
}

// PlanCatalog resolves plan ids to plan data. Read-only reference data.
type PlanCatalog interface {
	Plan(id string) (Plan, bool)
}

// Pack is the engine's view of a purchasable credit pack.
type Pack struct {
	ID           string
	Name         string
	Credits      int64
	ValidityDays int
}

// PackCatalog resolves pack ids. Read-only reference data.
type PackCatalog interface {
	Pack(id string) (Pack, bool)
}

// =============================================================================
// SHARED CONSTANTS
// =============================================================================

const (
	// GracePeriodDays is the window after a payment failure during which
	// credits remain usable.
	GracePeriodDays = 3

	// ExpiryWarningDays is the lookahead window for the expiring-credits
	// hint in the balance breakdown.
	ExpiryWarningDays = 7

	// LowBalanceRatio flags a balance below this share of the plan's
	// monthly grant as low.
	LowBalanceRatio = 0.2

	// lowBalanceFastThreshold approximates 20% of a mid-tier plan and is
	// used on the consumption path, where the plan is not loaded.
	lowBalanceFastThreshold = 100

	// defaultMonthlyCredits is the free-tier grant assumed when a profile
	// has no plan set.
	defaultMonthlyCredits = 50

	yearlyDurationDays = 365

	// defaultMonthlyDurationDays is the allocation window used when a
	// plan declares no duration of its own.
	defaultMonthlyDurationDays = 30
)
