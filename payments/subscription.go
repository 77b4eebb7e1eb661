/*
subscription.go - Subscription activation, renewal, and status queries

PURPOSE:
  Owns the profile's subscription fields. Activation and renewal both
  land here; renewal extends from the current expiry so already-paid
  days are never lost.
*/
package payments

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog"

	"github.com/hoangthanh168/clippizo/catalog"
	"github.com/hoangthanh168/clippizo/credits"
)

// ErrFreePlanActivation rejects paid-activation flows pointed at the
// free tier.
var ErrFreePlanActivation = fmt.Errorf("cannot activate free plan: %w", credits.ErrPlanNotFound)

// RecordLister exposes per-profile payment history. Optional; used to
// surface the provider of the latest subscription charge.
type RecordLister interface {
	PaymentRecords(ctx context.Context, profileID string) ([]PaymentRecord, error)
}

// ActivateParams describes a confirmed subscription payment.
type ActivateParams struct {
	ProfileID     string
	PlanID        string
	BillingPeriod credits.BillingPeriod
	IsRenewal     bool
}

// ActivateResult reports the subscription state after activation.
type ActivateResult struct {
	PlanID        string
	BillingPeriod credits.BillingPeriod
	ExpiresAt     time.Time
	IsRenewal     bool
}

// SubscriptionInfo is the read model for a profile's subscription.
type SubscriptionInfo struct {
	Plan          string
	Status        credits.SubscriptionStatus
	ExpiresAt     time.Time
	IsActive      bool
	CanCreate     bool
	Features      []string
	DaysRemaining int
	Provider      string
}

// Manager owns subscription state transitions.
type Manager struct {
	Profiles credits.ProfileStore
	Plans    catalog.Plans
	Records  RecordLister
	Log      zerolog.Logger
}

func NewManager(profiles credits.ProfileStore, plans catalog.Plans, records RecordLister, log zerolog.Logger) *Manager {
	return &Manager{Profiles: profiles, Plans: plans, Records: records, Log: log}
}

// Activate marks the subscription active and computes the new expiry.
// Renewals extend from the current expiry when it is still in the
// future; everything else starts the clock now.
func (m *Manager) Activate(ctx context.Context, params ActivateParams) (ActivateResult, error) {
	if !m.Plans.Paid(params.PlanID) {
		return ActivateResult{}, ErrFreePlanActivation
	}
	plan, _ := m.Plans.Plan(params.PlanID)

	now := time.Now().UTC()
	base := now
	if params.IsRenewal {
		profile, err := m.Profiles.Profile(ctx, params.ProfileID)
		if err != nil {
			return ActivateResult{}, err
		}
		if profile.SubscriptionExpiresAt.After(now) {
			base = profile.SubscriptionExpiresAt
		}
	}
	expiresAt := base.AddDate(0, 0, plan.Duration(params.BillingPeriod))

	err := m.Profiles.UpdateSubscription(ctx, params.ProfileID, params.PlanID, credits.StatusActive, expiresAt)
	if err != nil {
		return ActivateResult{}, err
	}

	m.Log.Info().
		Str("profile_id", params.ProfileID).
		Str("plan", params.PlanID).
		Str("billing_period", string(params.BillingPeriod)).
		Bool("renewal", params.IsRenewal).
		Time("expires_at", expiresAt).
		Msg("subscription activated")

	return ActivateResult{
		PlanID:        params.PlanID,
		BillingPeriod: params.BillingPeriod,
		ExpiresAt:     expiresAt,
		IsRenewal:     params.IsRenewal,
	}, nil
}

// Cancel marks the subscription cancelled. Plan and expiry stay as they
// are; credits remain usable until the paid period ends.
func (m *Manager) Cancel(ctx context.Context, profileID string) error {
	profile, err := m.Profiles.Profile(ctx, profileID)
	if err != nil {
		return err
	}
	err = m.Profiles.UpdateSubscription(ctx, profileID, profile.Plan, credits.StatusCancelled, profile.SubscriptionExpiresAt)
	if err != nil {
		return err
	}
	m.Log.Info().Str("profile_id", profileID).Msg("subscription cancelled")
	return nil
}

// MarkPastDue flags a failed recurring charge. The grace window runs
// from the existing expiry; nothing else changes.
func (m *Manager) MarkPastDue(ctx context.Context, profileID string) error {
	profile, err := m.Profiles.Profile(ctx, profileID)
	if err != nil {
		return err
	}
	err = m.Profiles.UpdateSubscription(ctx, profileID, profile.Plan, credits.StatusPastDue, profile.SubscriptionExpiresAt)
	if err != nil {
		return err
	}
	m.Log.Warn().Str("profile_id", profileID).Msg("subscription past due")
	return nil
}

// Info builds the subscription read model. An unknown profile gets the
// free-tier defaults rather than an error.
func (m *Manager) Info(ctx context.Context, profileID string) (SubscriptionInfo, error) {
	profile, err := m.Profiles.Profile(ctx, profileID)
	if err != nil {
		if credits.IsNotFound(err) {
			free, _ := m.Plans.Full("free")
			return SubscriptionInfo{Plan: "free", Features: free.Features}, nil
		}
		return SubscriptionInfo{}, err
	}

	planID := profile.Plan
	if planID == "" {
		planID = "free"
	}
	full, ok := m.Plans.Full(planID)
	if !ok {
		full, _ = m.Plans.Full("free")
	}

	now := time.Now().UTC()
	status := profile.SubscriptionStatus
	expired := !profile.SubscriptionExpiresAt.IsZero() && profile.SubscriptionExpiresAt.Before(now)
	if expired {
		status = credits.StatusExpired
	}

	isActive := planID == "free" || (status == credits.StatusActive && !expired)

	daysRemaining := 0
	if !profile.SubscriptionExpiresAt.IsZero() && !expired {
		daysRemaining = int(math.Ceil(profile.SubscriptionExpiresAt.Sub(now).Hours() / 24))
	}

	info := SubscriptionInfo{
		Plan:          planID,
		Status:        status,
		ExpiresAt:     profile.SubscriptionExpiresAt,
		IsActive:      isActive,
		CanCreate:     isActive,
		Features:      full.Features,
		DaysRemaining: daysRemaining,
	}

	if m.Records != nil && m.Plans.Paid(planID) {
		records, err := m.Records.PaymentRecords(ctx, profileID)
		if err == nil {
			for _, r := range records {
				if r.Kind == KindSubscription {
					info.Provider = r.Provider
					break
				}
			}
		}
	}
	return info, nil
}

// ExpiringSoon returns active subscriptions whose expiry falls inside
// the next daysBeforeExpiry days.
func (m *Manager) ExpiringSoon(ctx context.Context, daysBeforeExpiry int) ([]credits.Profile, error) {
	now := time.Now().UTC()
	cutoff := now.AddDate(0, 0, daysBeforeExpiry)

	profiles, err := m.Profiles.ExpiringSubscriptions(ctx, cutoff)
	if err != nil {
		return nil, err
	}

	var expiring []credits.Profile
	for _, p := range profiles {
		if p.SubscriptionStatus == credits.StatusActive && !p.SubscriptionExpiresAt.Before(now) {
			expiring = append(expiring, p)
		}
	}
	return expiring, nil
}
