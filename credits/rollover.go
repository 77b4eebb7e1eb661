/*
rollover.go - Rollover cap enforcement and excess expiration

PURPOSE:
  Two distinct cap mechanisms live around the rollover cap:
    1. Allocation-time truncation (allocation.go) limits the NEW grant.
    2. The expirer here trims EXISTING carried-over balance when a renewal
       cycle would push the total over cap from rollover alone.
  CalculateRolloverCredits is the pure split; ExpireExcessCredits applies
  it to monthly sources only - pack credits are never expired by the cap.
*/
package credits

import (
	"context"
	"time"
)

// RolloverSplit is the outcome of a cap check on carried-over balance.
type RolloverSplit struct {
	CreditsToRollover int64
	CreditsToExpire   int64
}

// CalculateRolloverCredits splits the current balance into the part that
// survives a new allocation and the part the cap forces out. Pure function.
func CalculateRolloverCredits(currentBalance, newAllocation, cap int64) RolloverSplit {
	potential := currentBalance + newAllocation
	if potential <= cap {
		return RolloverSplit{CreditsToRollover: currentBalance}
	}

	excess := potential - cap
	toExpire := excess
	if toExpire > currentBalance {
		toExpire = currentBalance
	}
	return RolloverSplit{
		CreditsToRollover: currentBalance - toExpire,
		CreditsToExpire:   toExpire,
	}
}

// MonthlyExpirationDate is the hard cutoff for a recurring grant.
func MonthlyExpirationDate(billingCycleStart time.Time, durationDays int) time.Time {
	return billingCycleStart.Add(time.Duration(durationDays) * 24 * time.Hour)
}

// PackExpirationDate is the hard cutoff for a purchased pack.
func PackExpirationDate(purchasedAt time.Time, validityDays int) time.Time {
	return purchasedAt.Add(time.Duration(validityDays) * 24 * time.Hour)
}

// ExpireResult reports what an excess-trim actually removed.
type ExpireResult struct {
	ExpiredCredits  int64
	AffectedSources []string
}

// Expirer trims existing monthly balance to honor the rollover cap.
type Expirer struct {
	Store Store
}

func NewExpirer(store Store) *Expirer {
	return &Expirer{Store: store}
}

// ExpireExcessCredits decrements the oldest-expiring monthly sources until
// excessAmount is absorbed or monthly sources run out, then logs a single
// expiration transaction with the recomputed balance. Zero excess is a
// no-op that still returns ExpiredCredits: 0.
func (e *Expirer) ExpireExcessCredits(ctx context.Context, profileID string, excessAmount int64) (ExpireResult, error) {
	if excessAmount <= 0 {
		return ExpireResult{}, nil
	}

	var result ExpireResult
	err := e.Store.WithProfile(ctx, profileID, func(uow UnitOfWork) error {
		now := time.Now().UTC()

		sources, err := uow.ActiveSources(ctx, now)
		if err != nil {
			return err
		}

		// ActiveSources orders pack before monthly; within monthly it is
		// already oldest-expiring first, which is the trim order.
		remaining := excessAmount
		for _, src := range sources {
			if src.Type != SourceMonthly {
				continue
			}
			if remaining <= 0 {
				break
			}
			trim := src.Amount
			if trim > remaining {
				trim = remaining
			}
			if err := uow.SetSourceAmount(ctx, src.ID, src.Amount-trim); err != nil {
				return err
			}
			result.AffectedSources = append(result.AffectedSources, src.ID)
			result.ExpiredCredits += trim
			remaining -= trim
		}

		if result.ExpiredCredits == 0 {
			return nil
		}

		// Recompute the balance from what is left; unlike consumption the
		// trimmed amount may be less than requested.
		after, err := uow.ActiveSources(ctx, now)
		if err != nil {
			return err
		}

		tx := newTransaction(profileID, TransactionData{
			Type:         TxExpiration,
			Amount:       -result.ExpiredCredits,
			BalanceAfter: sumSources(after),
			Description:  "Credits expired due to rollover cap",
			Metadata: map[string]any{
				"affectedSources": result.AffectedSources,
				"reason":          "rollover_cap",
			},
		})
		return uow.AppendTransaction(ctx, tx)
	})
	if err != nil {
		return ExpireResult{}, err
	}
	return result, nil
}
