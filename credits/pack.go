/*
pack.go - Pack purchase handling

PURPOSE:
  Converts a confirmed one-time payment into a pack-type credit source.
  Packs are an add-on, not a standalone product: purchase requires an
  active or trialing subscription. Pack credits are never subject to the
  rollover cap and expire on their own fixed validity window.

IDEMPOTENCY BOUNDARY:
  Duplicate payment notifications must be de-duplicated by the caller
  (payment record store uniqueness on provider + transaction id) BEFORE
  invoking this handler. Called twice for the same payment, it will
  double-credit by design.
*/
package credits

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// PurchaseResult reports a completed pack purchase.
type PurchaseResult struct {
	CreditsAdded  int64
	TotalBalance  int64
	SourceID      string
	ExpiresAt     time.Time
	TransactionID string
}

// PaymentDetails carries provider confirmation attached during finalize.
type PaymentDetails struct {
	Provider      string
	TransactionID string
	OrderID       string
}

// PackPurchaser turns confirmed payments into pack grants.
type PackPurchaser struct {
	Store    Store
	Profiles ProfileStore
	Packs    PackCatalog
}

func NewPackPurchaser(store Store, profiles ProfileStore, packs PackCatalog) *PackPurchaser {
	return &PackPurchaser{Store: store, Profiles: profiles, Packs: packs}
}

// Purchase creates a pack source and logs the pack_purchase transaction.
func (p *PackPurchaser) Purchase(ctx context.Context, profileID, packID string) (PurchaseResult, error) {
	pack, ok := p.Packs.Pack(packID)
	if !ok {
		return PurchaseResult{}, &InvalidCreditPackError{PackID: packID}
	}

	profile, err := p.Profiles.Profile(ctx, profileID)
	if err != nil {
		return PurchaseResult{}, err
	}
	if profile.SubscriptionStatus != StatusActive && profile.SubscriptionStatus != StatusTrialing {
		return PurchaseResult{}, fmt.Errorf("purchase pack %q: %w", packID, ErrNoActiveSubscription)
	}

	now := time.Now().UTC()
	expiresAt := PackExpirationDate(now, pack.ValidityDays)

	var result PurchaseResult
	err = p.Store.WithProfile(ctx, profileID, func(uow UnitOfWork) error {
		src := CreditSource{
			ID:            uuid.NewString(),
			ProfileID:     profileID,
			Type:          SourcePack,
			Amount:        pack.Credits,
			InitialAmount: pack.Credits,
			ExpiresAt:     expiresAt,
			PackID:        pack.ID,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		if err := uow.CreateSource(ctx, src); err != nil {
			return err
		}

		sources, err := uow.ActiveSources(ctx, now)
		if err != nil {
			return err
		}
		totalBalance := sumSources(sources)

		tx := newTransaction(profileID, TransactionData{
			Type:         TxPackPurchase,
			Amount:       pack.Credits,
			BalanceAfter: totalBalance,
			SourceID:     src.ID,
			Description:  fmt.Sprintf("Purchased %s", pack.Name),
			Metadata: map[string]any{
				"packId":    pack.ID,
				"packName":  pack.Name,
				"expiresAt": expiresAt.Format(time.RFC3339),
			},
		})
		if err := uow.AppendTransaction(ctx, tx); err != nil {
			return err
		}

		result = PurchaseResult{
			CreditsAdded:  pack.Credits,
			TotalBalance:  totalBalance,
			SourceID:      src.ID,
			ExpiresAt:     expiresAt,
			TransactionID: tx.ID,
		}
		return nil
	})
	if err != nil {
		return PurchaseResult{}, err
	}
	return result, nil
}

// Finalize completes a webhook-confirmed purchase: it runs Purchase, then
// attaches the payment confirmation to the created transaction's metadata.
// This enrichment is the one sanctioned post-create ledger mutation; amount
// and balanceAfter are untouched.
func (p *PackPurchaser) Finalize(ctx context.Context, profileID, packID string, details PaymentDetails) (PurchaseResult, error) {
	result, err := p.Purchase(ctx, profileID, packID)
	if err != nil {
		return PurchaseResult{}, err
	}

	metadata := map[string]any{
		"packId":               packID,
		"paymentProvider":      details.Provider,
		"paymentTransactionId": details.TransactionID,
		"paymentOrderId":       details.OrderID,
		"expiresAt":            result.ExpiresAt.Format(time.RFC3339),
	}
	err = p.Store.WithProfile(ctx, profileID, func(uow UnitOfWork) error {
		return uow.EnrichTransactionMetadata(ctx, result.TransactionID, metadata)
	})
	if err != nil {
		return PurchaseResult{}, err
	}
	return result, nil
}
