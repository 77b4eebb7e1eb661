/*
subscription.go - Subscription lifecycle and credit forfeiture

PURPOSE:
  Centralizes the rules tying credit spend to subscription state, and
  the bulk forfeiture that fires when a subscription truly ends.

KEY CONCEPTS:
  - Spending gate: a single predicate deciding whether a profile may
    spend credits right now. Cancelled subscriptions keep spending
    until the paid period ends; past_due subscriptions get a grace
    window of GracePeriodDays past expiry.
  - Forfeiture: zeroes every active source (monthly and pack alike)
    and logs ONE expiration transaction covering the whole amount.
    Forfeiting an already-empty balance is a no-op with no ledger
    entry, so retried webhooks stay idempotent.

SEE ALSO:
  - consumption.go for the spend path that consults the gate
  - rollover.go for cap-driven expiration of monthly excess only
*/
package credits

import (
	"context"
	"fmt"
	"time"
)

// ForfeitureReason labels why a balance was wiped.
type ForfeitureReason string

const (
	ReasonSubscriptionEnded ForfeitureReason = "subscription_ended"
	ReasonPaymentFailed     ForfeitureReason = "payment_failed"
	ReasonManualAdjustment  ForfeitureReason = "manual_adjustment"
)

// SpendingAccess is the gate's verdict plus enough context to explain it.
type SpendingAccess struct {
	Allowed     bool
	Reason      string
	CanUseUntil *time.Time
}

// spendingGate decides whether a profile may spend credits at the given
// instant. It reads only the profile; callers re-check balances inside
// their unit of work.
func spendingGate(profile Profile, now time.Time) SpendingAccess {
	switch profile.SubscriptionStatus {
	case StatusActive, StatusTrialing:
		return SpendingAccess{Allowed: true, Reason: "subscription active"}

	case StatusCancelled:
		if expiry := profile.SubscriptionExpiresAt; !expiry.IsZero() && now.Before(expiry) {
			return SpendingAccess{
				Allowed:     true,
				Reason:      "cancelled, paid period still running",
				CanUseUntil: &expiry,
			}
		}
		return SpendingAccess{Allowed: false, Reason: "cancelled subscription has ended"}

	case StatusPastDue:
		if expiry := profile.SubscriptionExpiresAt; !expiry.IsZero() {
			graceEnd := expiry.AddDate(0, 0, GracePeriodDays)
			if now.Before(graceEnd) {
				return SpendingAccess{
					Allowed:     true,
					Reason:      "past due, inside grace window",
					CanUseUntil: &graceEnd,
				}
			}
			return SpendingAccess{Allowed: false, Reason: "grace window elapsed"}
		}
		return SpendingAccess{Allowed: false, Reason: "past due with no known expiry"}

	default:
		return SpendingAccess{Allowed: false, Reason: "no active subscription"}
	}
}

// ForfeitResult reports a completed (or skipped) forfeiture.
type ForfeitResult struct {
	CreditsForfeited int64
	SourcesCleared   int
	TransactionID    string
}

// CancellationOutcome describes what HandleCancellation decided.
type CancellationOutcome struct {
	ForfeitedImmediately bool
	Forfeited            ForfeitResult
	CanUseUntil          *time.Time
}

// Lifecycle reacts to subscription state changes on behalf of the ledger.
type Lifecycle struct {
	Store    Store
	Profiles ProfileStore
}

func NewLifecycle(store Store, profiles ProfileStore) *Lifecycle {
	return &Lifecycle{Store: store, Profiles: profiles}
}

// CanUseCreditsAfterCancellation answers the access question without
// touching any credit state.
func (l *Lifecycle) CanUseCreditsAfterCancellation(ctx context.Context, profileID string) (SpendingAccess, error) {
	profile, err := l.Profiles.Profile(ctx, profileID)
	if err != nil {
		return SpendingAccess{}, err
	}
	return spendingGate(profile, time.Now().UTC()), nil
}

// ForfeitAllCredits zeroes every active source and records a single
// expiration transaction for the total. A zero balance forfeits nothing
// and writes nothing.
func (l *Lifecycle) ForfeitAllCredits(ctx context.Context, profileID string, reason ForfeitureReason) (ForfeitResult, error) {
	var result ForfeitResult
	err := l.Store.WithProfile(ctx, profileID, func(uow UnitOfWork) error {
		now := time.Now().UTC()
		sources, err := uow.ActiveSources(ctx, now)
		if err != nil {
			return err
		}
		total := sumSources(sources)
		if total == 0 {
			result = ForfeitResult{}
			return nil
		}

		cleared, err := uow.ZeroActiveSources(ctx, now)
		if err != nil {
			return err
		}

		affected := make([]string, 0, len(sources))
		for _, src := range sources {
			if src.Amount > 0 {
				affected = append(affected, src.ID)
			}
		}

		tx := newTransaction(profileID, TransactionData{
			Type:         TxExpiration,
			Amount:       -total,
			BalanceAfter: 0,
			Description:  fmt.Sprintf("Credits forfeited: %s", reason),
			Metadata: map[string]any{
				"reason":          string(reason),
				"affectedSources": affected,
			},
		})
		if err := uow.AppendTransaction(ctx, tx); err != nil {
			return err
		}

		result = ForfeitResult{
			CreditsForfeited: total,
			SourcesCleared:   cleared,
			TransactionID:    tx.ID,
		}
		return nil
	})
	if err != nil {
		return ForfeitResult{}, err
	}
	return result, nil
}

// HandleCancellation processes a cancel notice. When the paid period has
// already lapsed, credits are forfeited on the spot; otherwise the profile
// keeps spending until the period end and nothing is touched.
func (l *Lifecycle) HandleCancellation(ctx context.Context, profileID string, subscriptionExpiresAt time.Time) (CancellationOutcome, error) {
	now := time.Now().UTC()
	if !subscriptionExpiresAt.After(now) {
		forfeited, err := l.ForfeitAllCredits(ctx, profileID, ReasonSubscriptionEnded)
		if err != nil {
			return CancellationOutcome{}, err
		}
		return CancellationOutcome{ForfeitedImmediately: true, Forfeited: forfeited}, nil
	}
	until := subscriptionExpiresAt
	return CancellationOutcome{CanUseUntil: &until}, nil
}

// HandleSubscriptionEnded fires when a cancelled subscription's paid
// period actually runs out. All remaining credits are forfeited.
func (l *Lifecycle) HandleSubscriptionEnded(ctx context.Context, profileID string) (ForfeitResult, error) {
	return l.ForfeitAllCredits(ctx, profileID, ReasonSubscriptionEnded)
}

// PaymentFailureState is the read-only view of a past_due profile.
type PaymentFailureState struct {
	InGracePeriod    bool
	GraceEndsAt      *time.Time
	RemainingBalance int64
	CreditsAtRisk    int64
}

// HandlePaymentFailure reports where a past_due profile stands without
// mutating anything. Forfeiture happens later, when the grace window
// lapses and the provider revokes the subscription.
func (l *Lifecycle) HandlePaymentFailure(ctx context.Context, profileID string) (PaymentFailureState, error) {
	profile, err := l.Profiles.Profile(ctx, profileID)
	if err != nil {
		return PaymentFailureState{}, err
	}

	now := time.Now().UTC()
	sources, err := l.Store.ActiveSources(ctx, profileID, now)
	if err != nil {
		return PaymentFailureState{}, err
	}
	balance := sumSources(sources)

	state := PaymentFailureState{RemainingBalance: balance, CreditsAtRisk: balance}
	if expiry := profile.SubscriptionExpiresAt; !expiry.IsZero() {
		graceEnd := expiry.AddDate(0, 0, GracePeriodDays)
		state.GraceEndsAt = &graceEnd
		state.InGracePeriod = now.Before(graceEnd)
	}
	return state, nil
}
