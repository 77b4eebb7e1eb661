/*
events.go - Webhook event union and dispatcher

PURPOSE:
  Providers deliver payment notifications as webhooks. Each provider
  adapter verifies its own signature and translates the payload into one
  of the event types below; the dispatcher then drives the ledger. The
  event set is closed: Event has an unexported marker method, so the
  dispatcher's type switch covers every case that can exist.

IDEMPOTENCY:
  Providers redeliver webhooks. Every credit-granting path writes a
  payment record first; a duplicate (provider, transaction id) pair
  short-circuits to an acknowledged no-op before any credits move.
*/
package payments

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/hoangthanh168/clippizo/credits"
)

// Event is one provider notification, already verified and parsed.
// The set of implementations is closed.
type Event interface {
	ProfileID() string
	event()
}

// OrderPaid fires when a payment settles: a one-time pack purchase when
// PackID is set, otherwise a subscription charge (initial or renewal).
type OrderPaid struct {
	Profile       string
	Provider      string
	TransactionID string
	OrderID       string
	Amount        decimal.Decimal
	Currency      string

	// One-time pack purchase.
	PackID string

	// Subscription charge.
	PlanID         string
	BillingPeriod  credits.BillingPeriod
	IsRenewal      bool
	SubscriptionID string
}

// SubscriptionActivated confirms a subscription became active at the
// provider. Activation itself rides on OrderPaid; this is logged only.
type SubscriptionActivated struct {
	Profile        string
	Provider       string
	SubscriptionID string
	PeriodEnd      time.Time
}

// SubscriptionCanceled fires when the user cancels. The subscription
// stays usable until the period ends.
type SubscriptionCanceled struct {
	Profile        string
	Provider       string
	SubscriptionID string
}

// SubscriptionRevoked fires when the subscription is permanently gone,
// at period end after a cancellation or after failed payment recovery.
type SubscriptionRevoked struct {
	Profile        string
	Provider       string
	SubscriptionID string
}

func (e OrderPaid) ProfileID() string             { return e.Profile }
func (e SubscriptionActivated) ProfileID() string { return e.Profile }
func (e SubscriptionCanceled) ProfileID() string  { return e.Profile }
func (e SubscriptionRevoked) ProfileID() string   { return e.Profile }

func (OrderPaid) event()             {}
func (SubscriptionActivated) event() {}
func (SubscriptionCanceled) event()  {}
func (SubscriptionRevoked) event()   {}

// Dispatcher routes verified events into the credits ledger.
type Dispatcher struct {
	Records      RecordStore
	Packs        *credits.PackPurchaser
	Allocator    *credits.Allocator
	Lifecycle    *credits.Lifecycle
	Subscription *Manager
	Log          zerolog.Logger
}

func NewDispatcher(records RecordStore, packs *credits.PackPurchaser, allocator *credits.Allocator, lifecycle *credits.Lifecycle, subscription *Manager, log zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		Records:      records,
		Packs:        packs,
		Allocator:    allocator,
		Lifecycle:    lifecycle,
		Subscription: subscription,
		Log:          log,
	}
}

// Dispatch applies one event. Redelivered events return nil without side
// effects.
func (d *Dispatcher) Dispatch(ctx context.Context, ev Event) error {
	switch e := ev.(type) {
	case OrderPaid:
		return d.handleOrderPaid(ctx, e)
	case SubscriptionActivated:
		d.Log.Info().
			Str("profile_id", e.Profile).
			Str("subscription_id", e.SubscriptionID).
			Time("period_end", e.PeriodEnd).
			Msg("subscription active at provider")
		return nil
	case SubscriptionCanceled:
		return d.handleCanceled(ctx, e)
	case SubscriptionRevoked:
		return d.handleRevoked(ctx, e)
	default:
		return fmt.Errorf("unhandled payment event %T", ev)
	}
}

func (d *Dispatcher) handleOrderPaid(ctx context.Context, e OrderPaid) error {
	kind := KindSubscription
	if e.PackID != "" {
		kind = KindOrder
	}

	err := d.Records.SaveRecord(ctx, PaymentRecord{
		ID:                    uuid.NewString(),
		ProfileID:             e.Profile,
		Provider:              e.Provider,
		ProviderTransactionID: e.TransactionID,
		OrderID:               e.OrderID,
		Kind:                  kind,
		Amount:                e.Amount,
		Currency:              e.Currency,
		CreatedAt:             time.Now().UTC(),
	})
	if errors.Is(err, ErrDuplicatePayment) {
		d.Log.Info().
			Str("provider", e.Provider).
			Str("transaction_id", e.TransactionID).
			Msg("duplicate payment, skipping")
		return nil
	}
	if err != nil {
		return fmt.Errorf("save payment record: %w", err)
	}

	if e.PackID != "" {
		result, err := d.Packs.Finalize(ctx, e.Profile, e.PackID, credits.PaymentDetails{
			Provider:      e.Provider,
			TransactionID: e.TransactionID,
			OrderID:       e.OrderID,
		})
		if err != nil {
			return fmt.Errorf("finalize pack purchase: %w", err)
		}
		d.Log.Info().
			Str("profile_id", e.Profile).
			Str("pack_id", e.PackID).
			Int64("credits_added", result.CreditsAdded).
			Msg("pack purchase processed")
		return nil
	}

	activation, err := d.Subscription.Activate(ctx, ActivateParams{
		ProfileID:     e.Profile,
		PlanID:        e.PlanID,
		BillingPeriod: e.BillingPeriod,
		IsRenewal:     e.IsRenewal,
	})
	if err != nil {
		return fmt.Errorf("activate subscription: %w", err)
	}

	allocation, err := d.Allocator.AllocateOnActivation(ctx, e.Profile, e.PlanID, activation.ExpiresAt, e.BillingPeriod)
	if err != nil {
		return fmt.Errorf("allocate on activation: %w", err)
	}

	d.Log.Info().
		Str("profile_id", e.Profile).
		Str("plan", e.PlanID).
		Bool("renewal", e.IsRenewal).
		Int64("credits_allocated", allocation.CreditsAllocated).
		Int64("total_balance", allocation.TotalBalance).
		Msg("subscription payment processed")
	return nil
}

func (d *Dispatcher) handleCanceled(ctx context.Context, e SubscriptionCanceled) error {
	if err := d.Subscription.Cancel(ctx, e.Profile); err != nil {
		return fmt.Errorf("cancel subscription: %w", err)
	}

	profile, err := d.Subscription.Profiles.Profile(ctx, e.Profile)
	if err != nil {
		return err
	}
	outcome, err := d.Lifecycle.HandleCancellation(ctx, e.Profile, profile.SubscriptionExpiresAt)
	if err != nil {
		return fmt.Errorf("handle cancellation: %w", err)
	}

	evt := d.Log.Info().Str("profile_id", e.Profile)
	if outcome.ForfeitedImmediately {
		evt.Int64("credits_forfeited", outcome.Forfeited.CreditsForfeited)
	} else if outcome.CanUseUntil != nil {
		evt.Time("can_use_until", *outcome.CanUseUntil)
	}
	evt.Msg("subscription canceled")
	return nil
}

func (d *Dispatcher) handleRevoked(ctx context.Context, e SubscriptionRevoked) error {
	forfeited, err := d.Lifecycle.HandleSubscriptionEnded(ctx, e.Profile)
	if err != nil {
		return fmt.Errorf("forfeit on revocation: %w", err)
	}

	profile, err := d.Subscription.Profiles.Profile(ctx, e.Profile)
	if err != nil {
		return err
	}
	err = d.Subscription.Profiles.UpdateSubscription(ctx, e.Profile, profile.Plan, credits.StatusExpired, profile.SubscriptionExpiresAt)
	if err != nil {
		return err
	}

	d.Log.Info().
		Str("profile_id", e.Profile).
		Int64("credits_forfeited", forfeited.CreditsForfeited).
		Msg("subscription revoked")
	return nil
}
