/*
allocation.go - Recurring and upfront credit grants

PURPOSE:
  Creates new monthly and yearly credit sources. The monthly path enforces
  the rollover cap by truncating the NEW grant; trimming EXISTING carried
  balance is the expirer's job (rollover.go). The yearly path grants the
  full upfront amount with no cap - the user paid for all of it.

CAP SEMANTICS:
  The "existing balance" checked against the cap aggregates ALL non-expired
  positive sources, monthly and pack alike, even though only monthly sources
  ever get trimmed. A large pack balance can therefore suppress a monthly
  allocation to zero. Observed behavior of the original system, preserved
  deliberately - see DESIGN.md.
*/
package credits

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
)

// AllocationOptions tune the allocation window.
type AllocationOptions struct {
	// BillingCycleStart defaults to now.
	BillingCycleStart time.Time

	// DurationDays overrides the plan's window length (monthly only).
	DurationDays int
}

// AllocationResult reports what a grant actually allocated.
type AllocationResult struct {
	CreditsAllocated int64
	TotalBalance     int64
	SourceID         string
	TransactionID    string
}

// Allocator creates plan-driven credit grants.
type Allocator struct {
	Store Store
	Plans PlanCatalog
}

func NewAllocator(store Store, plans PlanCatalog) *Allocator {
	return &Allocator{Store: store, Plans: plans}
}

// AllocateMonthly grants the plan's monthly credits, truncated so the total
// balance never exceeds the rollover cap. At cap the grant is zero but the
// source and ledger entry are still created for the audit trail.
func (a *Allocator) AllocateMonthly(ctx context.Context, profileID, planID string, opts AllocationOptions) (AllocationResult, error) {
	plan, ok := a.Plans.Plan(planID)
	if !ok {
		return AllocationResult{}, fmt.Errorf("allocate monthly for plan %q: %w", planID, ErrPlanNotFound)
	}

	now := time.Now().UTC()
	cycleStart := opts.BillingCycleStart
	if cycleStart.IsZero() {
		cycleStart = now
	}
	durationDays := opts.DurationDays
	if durationDays <= 0 {
		durationDays = plan.Duration(BillingMonthly)
	}
	expiresAt := MonthlyExpirationDate(cycleStart, durationDays)

	var result AllocationResult
	err := a.Store.WithProfile(ctx, profileID, func(uow UnitOfWork) error {
		sources, err := uow.ActiveSources(ctx, now)
		if err != nil {
			return err
		}
		existing := sumSources(sources)

		cap := plan.RolloverCap()
		grant := plan.MonthlyCredits

		allocated := grant
		if existing+grant > cap {
			allocated = cap - existing
			if allocated < 0 {
				allocated = 0
			}
		}
		newTotal := existing + allocated

		src := CreditSource{
			ID:                uuid.NewString(),
			ProfileID:         profileID,
			Type:              SourceMonthly,
			Amount:            allocated,
			InitialAmount:     grant,
			ExpiresAt:         expiresAt,
			BillingCycleStart: cycleStart,
			CreatedAt:         now,
			UpdatedAt:         now,
		}
		if err := uow.CreateSource(ctx, src); err != nil {
			return err
		}

		description := fmt.Sprintf("Monthly credit allocation for %s plan", plan.Name)
		if allocated < grant {
			if allocated == 0 {
				description += " (at rollover cap)"
			} else {
				description += " (rollover cap applied)"
			}
		}

		tx := newTransaction(profileID, TransactionData{
			Type:         TxAllocation,
			Amount:       allocated,
			BalanceAfter: newTotal,
			SourceID:     src.ID,
			Description:  description,
			Metadata: map[string]any{
				"planId":             plan.ID,
				"originalAmount":     grant,
				"rolloverCapApplied": allocated < grant,
			},
		})
		if err := uow.AppendTransaction(ctx, tx); err != nil {
			return err
		}

		result = AllocationResult{
			CreditsAllocated: allocated,
			TotalBalance:     newTotal,
			SourceID:         src.ID,
			TransactionID:    tx.ID,
		}
		return nil
	})
	if err != nil {
		return AllocationResult{}, err
	}
	return result, nil
}

// AllocateYearly grants the plan's full yearly upfront credits with a
// 365-day expiry. No rollover cap applies.
func (a *Allocator) AllocateYearly(ctx context.Context, profileID, planID string, opts AllocationOptions) (AllocationResult, error) {
	plan, ok := a.Plans.Plan(planID)
	if !ok {
		return AllocationResult{}, fmt.Errorf("allocate yearly for plan %q: %w", planID, ErrPlanNotFound)
	}

	now := time.Now().UTC()
	cycleStart := opts.BillingCycleStart
	if cycleStart.IsZero() {
		cycleStart = now
	}
	expiresAt := MonthlyExpirationDate(cycleStart, yearlyDurationDays)
	grant := plan.YearlyCreditsUpfront

	var result AllocationResult
	err := a.Store.WithProfile(ctx, profileID, func(uow UnitOfWork) error {
		sources, err := uow.ActiveSources(ctx, now)
		if err != nil {
			return err
		}
		newTotal := sumSources(sources) + grant

		src := CreditSource{
			ID:                uuid.NewString(),
			ProfileID:         profileID,
			Type:              SourceMonthly,
			Amount:            grant,
			InitialAmount:     grant,
			ExpiresAt:         expiresAt,
			BillingCycleStart: cycleStart,
			CreatedAt:         now,
			UpdatedAt:         now,
		}
		if err := uow.CreateSource(ctx, src); err != nil {
			return err
		}

		tx := newTransaction(profileID, TransactionData{
			Type:         TxAllocation,
			Amount:       grant,
			BalanceAfter: newTotal,
			SourceID:     src.ID,
			Description:  fmt.Sprintf("Yearly credit allocation for %s plan (%d credits)", plan.Name, grant),
			Metadata: map[string]any{
				"planId":         plan.ID,
				"billingPeriod":  string(BillingYearly),
				"originalAmount": grant,
			},
		})
		if err := uow.AppendTransaction(ctx, tx); err != nil {
			return err
		}

		result = AllocationResult{
			CreditsAllocated: grant,
			TotalBalance:     newTotal,
			SourceID:         src.ID,
			TransactionID:    tx.ID,
		}
		return nil
	})
	if err != nil {
		return AllocationResult{}, err
	}
	return result, nil
}

// AllocateOnActivation dispatches a fresh subscription activation or
// renewal to the right allocation path. A monthly renewal's window matches
// the exact remaining subscription period rather than a fixed 30 days.
func (a *Allocator) AllocateOnActivation(ctx context.Context, profileID, planID string, subscriptionExpiresAt time.Time, period BillingPeriod) (AllocationResult, error) {
	if _, ok := a.Plans.Plan(planID); !ok {
		return AllocationResult{}, fmt.Errorf("allocate on activation for plan %q: %w", planID, ErrPlanNotFound)
	}

	now := time.Now().UTC()

	if period == BillingYearly {
		return a.AllocateYearly(ctx, profileID, planID, AllocationOptions{BillingCycleStart: now})
	}

	durationDays := int(math.Ceil(subscriptionExpiresAt.Sub(now).Hours() / 24))
	return a.AllocateMonthly(ctx, profileID, planID, AllocationOptions{
		BillingCycleStart: now,
		DurationDays:      durationDays,
	})
}
