/*
balance.go - Balance aggregation

PURPOSE:
  Computes what a profile can spend right now. Pure read path: sums
  non-expired, positive sources, groups them by type for display, and flags
  low and soon-to-expire balances. No side effects; safe to call
  concurrently and repeatedly.

LOW-BALANCE SIGNAL:
  A balance below 20% of the plan's monthly grant is flagged as low. When
  the plan is missing the free-tier grant is assumed, so a new profile
  without a subscription still gets a sensible threshold.
*/
package credits

import (
	"context"
	"time"
)

// =============================================================================
// BALANCE TYPES
// =============================================================================

// BucketBalance is one type's share of the balance. ExpiresAt is the
// earliest expiry within the bucket, used for display.
type BucketBalance struct {
	Amount    int64
	ExpiresAt time.Time
}

// ExpiringCredits reports balance expiring within the warning window.
type ExpiringCredits struct {
	Amount    int64
	ExpiresAt time.Time // earliest expiry among expiring sources
}

// CreditBalance is the user-facing balance view.
type CreditBalance struct {
	Total     int64
	Monthly   *BucketBalance // nil when no monthly sources
	Pack      *BucketBalance // nil when no pack sources
	IsLow     bool
	Expiring  *ExpiringCredits // nil when nothing expires within the window
}

// =============================================================================
// BALANCE AGGREGATOR
// =============================================================================

// BalanceAggregator computes balances from the source store. Read-only.
type BalanceAggregator struct {
	Store    Store
	Profiles ProfileStore
	Plans    PlanCatalog
}

func NewBalanceAggregator(store Store, profiles ProfileStore, plans PlanCatalog) *BalanceAggregator {
	return &BalanceAggregator{Store: store, Profiles: profiles, Plans: plans}
}

// TotalBalance sums amount over non-expired, positive sources.
func (b *BalanceAggregator) TotalBalance(ctx context.Context, profileID string) (int64, error) {
	sources, err := b.Store.ActiveSources(ctx, profileID, time.Now().UTC())
	if err != nil {
		return 0, err
	}
	return sumSources(sources), nil
}

// CreditsBalance returns the balance with per-type breakdown, the low flag,
// and the expiring-credits hint.
func (b *BalanceAggregator) CreditsBalance(ctx context.Context, profileID string) (CreditBalance, error) {
	now := time.Now().UTC()
	warningCutoff := now.AddDate(0, 0, ExpiryWarningDays)

	sources, err := b.Store.ActiveSources(ctx, profileID, now)
	if err != nil {
		return CreditBalance{}, err
	}

	var balance CreditBalance
	var expiringTotal int64
	var earliestExpiring time.Time

	for _, src := range sources {
		balance.Total += src.Amount

		switch src.Type {
		case SourceMonthly:
			balance.Monthly = accumulateBucket(balance.Monthly, src)
		case SourcePack:
			balance.Pack = accumulateBucket(balance.Pack, src)
		}

		if !src.ExpiresAt.After(warningCutoff) {
			expiringTotal += src.Amount
			if earliestExpiring.IsZero() || src.ExpiresAt.Before(earliestExpiring) {
				earliestExpiring = src.ExpiresAt
			}
		}
	}

	balance.IsLow = balance.Total < b.lowThreshold(ctx, profileID)

	if expiringTotal > 0 {
		balance.Expiring = &ExpiringCredits{Amount: expiringTotal, ExpiresAt: earliestExpiring}
	}

	return balance, nil
}

// HasSufficientCredits reports whether the balance covers required.
func (b *BalanceAggregator) HasSufficientCredits(ctx context.Context, profileID string, required int64) (bool, error) {
	total, err := b.TotalBalance(ctx, profileID)
	if err != nil {
		return false, err
	}
	return total >= required, nil
}

// ExpiringWithin returns the balance expiring within the given number of
// days, with the earliest expiry among those sources.
func (b *BalanceAggregator) ExpiringWithin(ctx context.Context, profileID string, days int) (ExpiringCredits, error) {
	now := time.Now().UTC()
	cutoff := now.AddDate(0, 0, days)

	sources, err := b.Store.ActiveSources(ctx, profileID, now)
	if err != nil {
		return ExpiringCredits{}, err
	}

	var out ExpiringCredits
	for _, src := range sources {
		if src.ExpiresAt.After(cutoff) {
			continue
		}
		out.Amount += src.Amount
		if out.ExpiresAt.IsZero() || src.ExpiresAt.Before(out.ExpiresAt) {
			out.ExpiresAt = src.ExpiresAt
		}
	}
	return out, nil
}

// lowThreshold is 20% of the profile's plan monthly grant, falling back to
// the free-tier grant when the profile or plan is missing.
func (b *BalanceAggregator) lowThreshold(ctx context.Context, profileID string) int64 {
	monthly := int64(defaultMonthlyCredits)
	if profile, err := b.Profiles.Profile(ctx, profileID); err == nil {
		if plan, ok := b.Plans.Plan(profile.Plan); ok {
			monthly = plan.MonthlyCredits
		}
	}
	return int64(float64(monthly) * LowBalanceRatio)
}

func accumulateBucket(bucket *BucketBalance, src CreditSource) *BucketBalance {
	if bucket == nil {
		return &BucketBalance{Amount: src.Amount, ExpiresAt: src.ExpiresAt}
	}
	bucket.Amount += src.Amount
	if src.ExpiresAt.Before(bucket.ExpiresAt) {
		bucket.ExpiresAt = src.ExpiresAt
	}
	return bucket
}

func sumSources(sources []CreditSource) int64 {
	var total int64
	for _, s := range sources {
		total += s.Amount
	}
	return total
}
