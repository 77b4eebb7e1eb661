/*
consumption.go - Atomic credit spend across competing sources

PURPOSE:
  Deducts an operation's cost from one or more sources in the fixed
  precedence order: pack sources before monthly sources, and within a type
  the soonest-expiring source first. The whole deduction plus its ledger
  entry is one unit of work; two concurrent spends on the same profile can
  never both read the same pre-deduction balance.

STATUS GATE:
  Consumption is permitted for:
    - active or trialing subscriptions, always
    - cancelled subscriptions until the paid period ends
    - past_due subscriptions until expiry + a 3-day grace window
  The gate runs BEFORE the unit of work - it reads the profile, not the
  sources, and a rejection mutates nothing.

INSUFFICIENT FUNDS:
  Checked against the total across all usable sources before any deduction.
  A shortfall aborts with InsufficientCreditsError and every source amount
  is left exactly as it was.
*/
package credits

import (
	"context"
	"fmt"
	"time"
)

// ConsumeResult reports a successful spend.
type ConsumeResult struct {
	CreditsUsed      int64
	RemainingBalance int64
	TransactionID    string

	// IsLow is an advisory signal for UI warnings, not an error.
	IsLow bool
}

// Affordability is the result of a non-mutating cost check.
type Affordability struct {
	CanAfford bool
	Available int64
	Required  int64
}

// Consumer spends credits against a profile's sources.
type Consumer struct {
	Store    Store
	Profiles ProfileStore
}

func NewConsumer(store Store, profiles ProfileStore) *Consumer {
	return &Consumer{Store: store, Profiles: profiles}
}

// Consume deducts the operation's cost from the profile's sources in
// pack-first FIFO order and logs a single consumption transaction.
func (c *Consumer) Consume(ctx context.Context, profileID string, op Operation, metadata map[string]any) (ConsumeResult, error) {
	cost, err := CostOf(op)
	if err != nil {
		return ConsumeResult{}, err
	}

	profile, err := c.Profiles.Profile(ctx, profileID)
	if err != nil {
		return ConsumeResult{}, err
	}
	if gate := spendingGate(profile, time.Now().UTC()); !gate.Allowed {
		return ConsumeResult{}, fmt.Errorf("consume %s: %w", op, ErrNoActiveSubscription)
	}

	var result ConsumeResult
	err = c.Store.WithProfile(ctx, profileID, func(uow UnitOfWork) error {
		now := time.Now().UTC()

		sources, err := uow.ActiveSources(ctx, now)
		if err != nil {
			return err
		}

		totalAvailable := sumSources(sources)
		if totalAvailable < cost {
			return &InsufficientCreditsError{Required: cost, Available: totalAvailable}
		}

		// Walk the ordered sources; the store guarantees pack-first FIFO.
		remaining := cost
		var affected []string
		for _, src := range sources {
			if remaining <= 0 {
				break
			}
			deduct := src.Amount
			if deduct > remaining {
				deduct = remaining
			}
			if err := uow.SetSourceAmount(ctx, src.ID, src.Amount-deduct); err != nil {
				return err
			}
			affected = append(affected, src.ID)
			remaining -= deduct
		}

		newBalance := totalAvailable - cost

		txMetadata := map[string]any{}
		for k, v := range metadata {
			txMetadata[k] = v
		}
		txMetadata["affectedSources"] = affected
		txMetadata["creditCost"] = cost

		tx := newTransaction(profileID, TransactionData{
			Type:         TxConsumption,
			Amount:       -cost,
			BalanceAfter: newBalance,
			Operation:    string(op),
			SourceID:     affected[0],
			Description:  fmt.Sprintf("Credits consumed for %s", op),
			Metadata:     txMetadata,
		})
		if err := uow.AppendTransaction(ctx, tx); err != nil {
			return err
		}

		result = ConsumeResult{
			CreditsUsed:      cost,
			RemainingBalance: newBalance,
			TransactionID:    tx.ID,
			IsLow:            newBalance < lowBalanceFastThreshold,
		}
		return nil
	})
	if err != nil {
		return ConsumeResult{}, err
	}
	return result, nil
}

// CanAfford checks whether the profile could pay for the operation without
// consuming anything.
func (c *Consumer) CanAfford(ctx context.Context, profileID string, op Operation) (Affordability, error) {
	required, err := CostOf(op)
	if err != nil {
		return Affordability{}, err
	}

	sources, err := c.Store.ActiveSources(ctx, profileID, time.Now().UTC())
	if err != nil {
		return Affordability{}, err
	}
	available := sumSources(sources)

	return Affordability{
		CanAfford: available >= required,
		Available: available,
		Required:  required,
	}, nil
}

// ValidateForOperation returns InsufficientCreditsError when the profile
// cannot afford the operation. Useful as a pre-check before expensive work.
func (c *Consumer) ValidateForOperation(ctx context.Context, profileID string, op Operation) error {
	a, err := c.CanAfford(ctx, profileID, op)
	if err != nil {
		return err
	}
	if !a.CanAfford {
		return &InsufficientCreditsError{Required: a.Required, Available: a.Available}
	}
	return nil
}

// WithCredits runs fn after consuming the operation's cost (pre-pay).
// Credits are spent even if fn subsequently fails; callers wanting refund
// semantics should validate first and consume after.
func WithCredits[T any](ctx context.Context, c *Consumer, profileID string, op Operation, metadata map[string]any, fn func(context.Context) (T, error)) (T, ConsumeResult, error) {
	var zero T

	consumed, err := c.Consume(ctx, profileID, op, metadata)
	if err != nil {
		return zero, ConsumeResult{}, err
	}

	out, err := fn(ctx)
	if err != nil {
		return zero, consumed, err
	}
	return out, consumed, nil
}
