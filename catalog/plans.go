/*
Package catalog holds the static plan and pack reference data.

PURPOSE:
  The single place where tiers, prices, and credit grants are defined.
  The credits engine consumes this data through the small PlanCatalog and
  PackCatalog interfaces and never sees money; prices exist only for the
  payment and API layers.

PRICING:
  Prices are decimal values per currency (USD and VND). Never floats:
  4.99 has no exact float64 representation and billing code that drifts
  by fractions of a cent fails audits.
*/
package catalog

import (
	"sort"

	"github.com/shopspring/decimal"

	"github.com/hoangthanh168/clippizo/credits"
)

// =============================================================================
// SUBSCRIPTION PLANS
// =============================================================================

// SubscriptionPlan is the full catalog entry for a tier: the engine-facing
// credit parameters plus pricing and feature flags.
type SubscriptionPlan struct {
	credits.Plan

	PriceUSD decimal.Decimal
	PriceVND decimal.Decimal
	Features []string
}

// Free reports whether the plan costs nothing.
func (p SubscriptionPlan) Free() bool {
	return p.PriceUSD.IsZero()
}

var plans = map[string]SubscriptionPlan{
	"free": {
		Plan: credits.Plan{
			ID:                    "free",
			Name:                  "Free",
			MonthlyCredits:        50,
			RolloverCapMultiplier: 1,
			DurationDays:          0,
			YearlyCreditsUpfront:  50 * 12,
		},
		PriceUSD: decimal.Zero,
		PriceVND: decimal.Zero,
		Features: []string{"read-only"},
	},
	"pro": {
		Plan: credits.Plan{
			ID:                    "pro",
			Name:                  "Pro",
			MonthlyCredits:        500,
			RolloverCapMultiplier: 2,
			DurationDays:          30,
			YearlyCreditsUpfront:  500 * 12,
		},
		PriceUSD: decimal.RequireFromString("9.99"),
		PriceVND: decimal.NewFromInt(99_000),
		Features: []string{"full-access", "unlimited-videos", "rag-search"},
	},
	"enterprise": {
		Plan: credits.Plan{
			ID:                    "enterprise",
			Name:                  "Enterprise",
			MonthlyCredits:        2000,
			RolloverCapMultiplier: 2,
			DurationDays:          30,
			YearlyCreditsUpfront:  2000 * 12,
		},
		PriceUSD: decimal.RequireFromString("29.99"),
		PriceVND: decimal.NewFromInt(299_000),
		Features: []string{"full-access", "unlimited-videos", "rag-search", "priority-support", "api-access"},
	},
}

// Plans is the static plan catalog. It satisfies credits.PlanCatalog.
type Plans struct{}

// NewPlans returns the plan catalog.
func NewPlans() Plans { return Plans{} }

// Plan returns the engine-facing slice of a plan.
func (Plans) Plan(id string) (credits.Plan, bool) {
	p, ok := plans[id]
	return p.Plan, ok
}

// Full returns the complete catalog entry including pricing.
func (Plans) Full(id string) (SubscriptionPlan, bool) {
	p, ok := plans[id]
	return p, ok
}

// Price returns a plan's price in the given currency ("USD" or "VND").
func (Plans) Price(id, currency string) (decimal.Decimal, bool) {
	p, ok := plans[id]
	if !ok {
		return decimal.Decimal{}, false
	}
	if currency == "VND" {
		return p.PriceVND, true
	}
	return p.PriceUSD, true
}

// Paid reports whether the id names a paid tier.
func (Plans) Paid(id string) bool {
	p, ok := plans[id]
	return ok && !p.Free()
}

// All returns every plan, cheapest first.
func (Plans) All() []SubscriptionPlan {
	out := make([]SubscriptionPlan, 0, len(plans))
	for _, p := range plans {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].MonthlyCredits < out[j].MonthlyCredits
	})
	return out
}
