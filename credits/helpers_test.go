package credits_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/hoangthanh168/clippizo/credits"
	"github.com/hoangthanh168/clippizo/credits/store"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func activeProfile(id, plan string) credits.Profile {
	return credits.Profile{
		ID:                    id,
		Plan:                  plan,
		SubscriptionStatus:    credits.StatusActive,
		SubscriptionExpiresAt: time.Now().UTC().AddDate(0, 1, 0),
	}
}

func putProfile(t *testing.T, m *store.Memory, p credits.Profile) {
	t.Helper()
	require.NoError(t, m.PutProfile(context.Background(), p))
}

// seedSource creates a grant directly through the unit of work, bypassing
// the allocation and purchase flows.
func seedSource(t *testing.T, m *store.Memory, profileID string, typ credits.SourceType, amount int64, expiresIn time.Duration) string {
	t.Helper()
	now := time.Now().UTC()
	id := uuid.NewString()
	err := m.WithProfile(context.Background(), profileID, func(uow credits.UnitOfWork) error {
		return uow.CreateSource(context.Background(), credits.CreditSource{
			ID:            id,
			ProfileID:     profileID,
			Type:          typ,
			Amount:        amount,
			InitialAmount: amount,
			ExpiresAt:     now.Add(expiresIn),
			CreatedAt:     now,
			UpdatedAt:     now,
		})
	})
	require.NoError(t, err)
	return id
}

func activeSources(t *testing.T, m *store.Memory, profileID string) []credits.CreditSource {
	t.Helper()
	sources, err := m.ActiveSources(context.Background(), profileID, time.Now().UTC())
	require.NoError(t, err)
	return sources
}

func balanceOf(t *testing.T, m *store.Memory, profileID string) int64 {
	t.Helper()
	var total int64
	for _, src := range activeSources(t, m, profileID) {
		total += src.Amount
	}
	return total
}

func sourceAmount(t *testing.T, m *store.Memory, profileID, sourceID string) int64 {
	t.Helper()
	for _, src := range activeSources(t, m, profileID) {
		if src.ID == sourceID {
			return src.Amount
		}
	}
	// Sources at zero drop out of the active set.
	return 0
}

func historyOf(t *testing.T, m *store.Memory, profileID string, txType credits.TransactionType) []credits.CreditTransaction {
	t.Helper()
	txs, _, err := m.TransactionHistory(context.Background(), profileID, credits.TransactionFilter{Type: txType})
	require.NoError(t, err)
	return txs
}
