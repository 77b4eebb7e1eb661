package sqlite_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hoangthanh168/clippizo/credits"
	"github.com/hoangthanh168/clippizo/payments"
	"github.com/hoangthanh168/clippizo/store/sqlite"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func newTestStore(t *testing.T) *sqlite.Store {
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func createSource(t *testing.T, s *sqlite.Store, src credits.CreditSource) {
	t.Helper()
	err := s.WithProfile(context.Background(), src.ProfileID, func(uow credits.UnitOfWork) error {
		return uow.CreateSource(context.Background(), src)
	})
	require.NoError(t, err)
}

func source(id string, typ credits.SourceType, amount int64, expiresAt, createdAt time.Time) credits.CreditSource {
	return credits.CreditSource{
		ID:            id,
		ProfileID:     "prof-1",
		Type:          typ,
		Amount:        amount,
		InitialAmount: amount,
		ExpiresAt:     expiresAt,
		CreatedAt:     createdAt,
		UpdatedAt:     createdAt,
	}
}

// =============================================================================
// SOURCE ROUND-TRIP & ORDERING TESTS
// =============================================================================

func TestSources_RoundTrip(t *testing.T) {
	// GIVEN: A pack source with every optional field set
	// WHEN: It is written and read back
	// THEN: All fields survive, including sub-second timestamps

	s := newTestStore(t)
	now := time.Now().UTC()
	cycleStart := now.Add(-time.Hour)

	src := credits.CreditSource{
		ID:                "src-1",
		ProfileID:         "prof-1",
		Type:              credits.SourcePack,
		Amount:            450,
		InitialAmount:     500,
		ExpiresAt:         now.AddDate(0, 0, 90),
		PackID:            "medium",
		BillingCycleStart: cycleStart,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	createSource(t, s, src)

	sources, err := s.ActiveSources(context.Background(), "prof-1", now)
	require.NoError(t, err)
	require.Len(t, sources, 1)

	got := sources[0]
	assert.Equal(t, src.ID, got.ID)
	assert.Equal(t, credits.SourcePack, got.Type)
	assert.Equal(t, int64(450), got.Amount)
	assert.Equal(t, int64(500), got.InitialAmount)
	assert.Equal(t, "medium", got.PackID)
	assert.True(t, got.ExpiresAt.Equal(src.ExpiresAt))
	assert.True(t, got.BillingCycleStart.Equal(cycleStart))
}

func TestActiveSources_ConsumptionOrder(t *testing.T) {
	// GIVEN: Pack and monthly sources with interleaved expiries
	// WHEN: Active sources are listed
	// THEN: Packs first, soonest expiry first within a type

	s := newTestStore(t)
	now := time.Now().UTC()

	createSource(t, s, source("monthly-soon", credits.SourceMonthly, 100, now.AddDate(0, 0, 5), now))
	createSource(t, s, source("pack-late", credits.SourcePack, 100, now.AddDate(0, 0, 80), now))
	createSource(t, s, source("monthly-late", credits.SourceMonthly, 100, now.AddDate(0, 0, 25), now))
	createSource(t, s, source("pack-soon", credits.SourcePack, 100, now.AddDate(0, 0, 40), now))

	sources, err := s.ActiveSources(context.Background(), "prof-1", now)
	require.NoError(t, err)

	ids := make([]string, len(sources))
	for i, src := range sources {
		ids[i] = src.ID
	}
	assert.Equal(t, []string{"pack-soon", "pack-late", "monthly-soon", "monthly-late"}, ids)
}

func TestActiveSources_ExpiryIsQueryFilter(t *testing.T) {
	// GIVEN: A source that expires between two reads
	// WHEN: Active sources are listed before and after the cutoff
	// THEN: The same row is visible then invisible; nothing was deleted

	s := newTestStore(t)
	now := time.Now().UTC()
	createSource(t, s, source("src-1", credits.SourceMonthly, 100, now.Add(time.Hour), now))

	before, err := s.ActiveSources(context.Background(), "prof-1", now)
	require.NoError(t, err)
	assert.Len(t, before, 1)

	after, err := s.ActiveSources(context.Background(), "prof-1", now.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Empty(t, after)
}

// =============================================================================
// UNIT OF WORK TESTS
// =============================================================================

func TestWithProfile_RollbackOnError(t *testing.T) {
	// GIVEN: A unit of work that writes a source and a ledger entry
	// WHEN: The callback returns an error
	// THEN: The whole transaction rolls back

	s := newTestStore(t)
	now := time.Now().UTC()
	boom := errors.New("boom")

	err := s.WithProfile(context.Background(), "prof-1", func(uow credits.UnitOfWork) error {
		if err := uow.CreateSource(context.Background(), source("src-1", credits.SourceMonthly, 100, now.AddDate(0, 0, 30), now)); err != nil {
			return err
		}
		if err := uow.AppendTransaction(context.Background(), credits.CreditTransaction{
			ID:        "tx-1",
			ProfileID: "prof-1",
			Type:      credits.TxAllocation,
			CreatedAt: now,
		}); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	sources, err := s.ActiveSources(context.Background(), "prof-1", now)
	require.NoError(t, err)
	assert.Empty(t, sources)

	_, total, err := s.TransactionHistory(context.Background(), "prof-1", credits.TransactionFilter{})
	require.NoError(t, err)
	assert.Zero(t, total)
}

func TestWithProfile_WritesVisibleAfterCommit(t *testing.T) {
	// GIVEN: A unit of work that decrements a source
	// WHEN: It commits
	// THEN: The new amount is visible to direct reads

	s := newTestStore(t)
	now := time.Now().UTC()
	createSource(t, s, source("src-1", credits.SourceMonthly, 100, now.AddDate(0, 0, 30), now))

	err := s.WithProfile(context.Background(), "prof-1", func(uow credits.UnitOfWork) error {
		return uow.SetSourceAmount(context.Background(), "src-1", 60)
	})
	require.NoError(t, err)

	sources, err := s.ActiveSources(context.Background(), "prof-1", now)
	require.NoError(t, err)
	require.Len(t, sources, 1)
	assert.Equal(t, int64(60), sources[0].Amount)
}

func TestSetSourceAmount_MissingSource(t *testing.T) {
	s := newTestStore(t)
	err := s.WithProfile(context.Background(), "prof-1", func(uow credits.UnitOfWork) error {
		return uow.SetSourceAmount(context.Background(), "ghost", 10)
	})
	assert.ErrorIs(t, err, credits.ErrSourceNotFound)
}

func TestZeroActiveSources_BulkClear(t *testing.T) {
	// GIVEN: Two live sources and an expired one
	// WHEN: Active sources are zeroed in a unit of work
	// THEN: Two are cleared; the expired row keeps its amount

	s := newTestStore(t)
	now := time.Now().UTC()
	createSource(t, s, source("live-1", credits.SourceMonthly, 100, now.AddDate(0, 0, 30), now))
	createSource(t, s, source("live-2", credits.SourcePack, 50, now.AddDate(0, 0, 60), now))
	createSource(t, s, source("expired", credits.SourceMonthly, 75, now.Add(-time.Hour), now))

	var cleared int
	err := s.WithProfile(context.Background(), "prof-1", func(uow credits.UnitOfWork) error {
		var err error
		cleared, err = uow.ZeroActiveSources(context.Background(), now)
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, 2, cleared)

	sources, err := s.ActiveSources(context.Background(), "prof-1", now)
	require.NoError(t, err)
	assert.Empty(t, sources)
}

// =============================================================================
// TRANSACTION LOG TESTS
// =============================================================================

func TestTransactionHistory_FilterAndPaging(t *testing.T) {
	// GIVEN: Three consumptions and two allocations
	// WHEN: History is filtered to consumption with limit 2
	// THEN: Two newest consumptions come back; total counts all three

	s := newTestStore(t)
	base := time.Now().UTC()

	types := []credits.TransactionType{
		credits.TxConsumption, credits.TxAllocation, credits.TxConsumption,
		credits.TxAllocation, credits.TxConsumption,
	}
	for i, txType := range types {
		tx := credits.CreditTransaction{
			ID:        "tx-" + string(rune('a'+i)),
			ProfileID: "prof-1",
			Type:      txType,
			Amount:    int64(i),
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		}
		err := s.WithProfile(context.Background(), "prof-1", func(uow credits.UnitOfWork) error {
			return uow.AppendTransaction(context.Background(), tx)
		})
		require.NoError(t, err)
	}

	txs, total, err := s.TransactionHistory(context.Background(), "prof-1", credits.TransactionFilter{
		Type:  credits.TxConsumption,
		Limit: 2,
	})
	require.NoError(t, err)

	assert.Equal(t, 3, total)
	require.Len(t, txs, 2)
	assert.Equal(t, "tx-e", txs[0].ID)
	assert.Equal(t, "tx-c", txs[1].ID)
}

func TestTransaction_MetadataRoundTrip(t *testing.T) {
	// GIVEN: A transaction with structured metadata
	// WHEN: It is written and read back
	// THEN: The metadata survives the JSON round-trip

	s := newTestStore(t)
	now := time.Now().UTC()

	err := s.WithProfile(context.Background(), "prof-1", func(uow credits.UnitOfWork) error {
		return uow.AppendTransaction(context.Background(), credits.CreditTransaction{
			ID:        "tx-1",
			ProfileID: "prof-1",
			Type:      credits.TxPackPurchase,
			Amount:    500,
			Metadata:  map[string]any{"packId": "medium", "packName": "Medium Pack"},
			CreatedAt: now,
		})
	})
	require.NoError(t, err)

	txs, _, err := s.TransactionHistory(context.Background(), "prof-1", credits.TransactionFilter{})
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.Equal(t, "medium", txs[0].Metadata["packId"])
	assert.Equal(t, "Medium Pack", txs[0].Metadata["packName"])
}

func TestEnrichTransactionMetadata_MergesExisting(t *testing.T) {
	// GIVEN: A stored transaction with metadata
	// WHEN: Payment details are attached later
	// THEN: Existing keys survive alongside the new ones

	s := newTestStore(t)
	now := time.Now().UTC()

	err := s.WithProfile(context.Background(), "prof-1", func(uow credits.UnitOfWork) error {
		return uow.AppendTransaction(context.Background(), credits.CreditTransaction{
			ID:        "tx-1",
			ProfileID: "prof-1",
			Type:      credits.TxPackPurchase,
			Metadata:  map[string]any{"packId": "small"},
			CreatedAt: now,
		})
	})
	require.NoError(t, err)

	err = s.WithProfile(context.Background(), "prof-1", func(uow credits.UnitOfWork) error {
		return uow.EnrichTransactionMetadata(context.Background(), "tx-1", map[string]any{
			"paymentProvider": "polar",
		})
	})
	require.NoError(t, err)

	txs, _, err := s.TransactionHistory(context.Background(), "prof-1", credits.TransactionFilter{})
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.Equal(t, "small", txs[0].Metadata["packId"])
	assert.Equal(t, "polar", txs[0].Metadata["paymentProvider"])
}

// =============================================================================
// PROFILE TESTS
// =============================================================================

func TestProfile_UpsertAndRead(t *testing.T) {
	// GIVEN: A profile written twice (insert then update)
	// WHEN: It is read back
	// THEN: The second write wins

	s := newTestStore(t)
	ctx := context.Background()
	expiry := time.Now().UTC().AddDate(0, 1, 0)

	require.NoError(t, s.PutProfile(ctx, credits.Profile{ID: "prof-1", Plan: "free"}))
	require.NoError(t, s.PutProfile(ctx, credits.Profile{
		ID:                    "prof-1",
		Plan:                  "pro",
		SubscriptionStatus:    credits.StatusActive,
		SubscriptionExpiresAt: expiry,
	}))

	p, err := s.Profile(ctx, "prof-1")
	require.NoError(t, err)
	assert.Equal(t, "pro", p.Plan)
	assert.Equal(t, credits.StatusActive, p.SubscriptionStatus)
	assert.True(t, p.SubscriptionExpiresAt.Equal(expiry))
}

func TestProfile_ZeroExpiryStoredAsNull(t *testing.T) {
	// GIVEN: A profile with no subscription expiry
	// WHEN: It round-trips through the store
	// THEN: The expiry comes back as the zero time

	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.PutProfile(ctx, credits.Profile{ID: "prof-1", Plan: "free"}))

	p, err := s.Profile(ctx, "prof-1")
	require.NoError(t, err)
	assert.True(t, p.SubscriptionExpiresAt.IsZero())
}

func TestProfile_NotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Profile(context.Background(), "ghost")
	assert.ErrorIs(t, err, credits.ErrProfileNotFound)
}

func TestExpiringSubscriptions_CutoffAndOrder(t *testing.T) {
	// GIVEN: Profiles expiring inside and outside the cutoff
	// WHEN: Expiring subscriptions are listed
	// THEN: Only those inside appear, soonest first; unset expiries skip

	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, s.PutProfile(ctx, credits.Profile{ID: "late", SubscriptionStatus: credits.StatusCancelled, SubscriptionExpiresAt: now.AddDate(0, 0, 5)}))
	require.NoError(t, s.PutProfile(ctx, credits.Profile{ID: "soon", SubscriptionStatus: credits.StatusCancelled, SubscriptionExpiresAt: now.AddDate(0, 0, 1)}))
	require.NoError(t, s.PutProfile(ctx, credits.Profile{ID: "far", SubscriptionStatus: credits.StatusActive, SubscriptionExpiresAt: now.AddDate(1, 0, 0)}))
	require.NoError(t, s.PutProfile(ctx, credits.Profile{ID: "unset", SubscriptionStatus: credits.StatusActive}))

	expiring, err := s.ExpiringSubscriptions(ctx, now.AddDate(0, 0, 7))
	require.NoError(t, err)

	require.Len(t, expiring, 2)
	assert.Equal(t, "soon", expiring[0].ID)
	assert.Equal(t, "late", expiring[1].ID)
}

// =============================================================================
// PAYMENT RECORD TESTS
// =============================================================================

func TestSaveRecord_DuplicateRejected(t *testing.T) {
	// GIVEN: A saved payment record
	// WHEN: The same (provider, transaction id) pair is saved again
	// THEN: ErrDuplicatePayment; webhook redelivery dedup

	s := newTestStore(t)
	ctx := context.Background()

	record := payments.PaymentRecord{
		ID:                    "rec-1",
		ProfileID:             "prof-1",
		Provider:              "polar",
		ProviderTransactionID: "txn-42",
		Kind:                  payments.KindOrder,
		Amount:                decimal.RequireFromString("9.99"),
		Currency:              "USD",
		CreatedAt:             time.Now().UTC(),
	}
	require.NoError(t, s.SaveRecord(ctx, record))

	record.ID = "rec-2"
	err := s.SaveRecord(ctx, record)
	assert.ErrorIs(t, err, payments.ErrDuplicatePayment)

	exists, err := s.RecordExists(ctx, "polar", "txn-42")
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestSaveRecord_SameTransactionDifferentProvider_Allowed(t *testing.T) {
	// GIVEN: A transaction id already recorded for one provider
	// WHEN: Another provider reports the same id
	// THEN: Both records coexist; uniqueness is per provider

	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, s.SaveRecord(ctx, payments.PaymentRecord{
		ID: "rec-1", ProfileID: "prof-1", Provider: "polar",
		ProviderTransactionID: "txn-42", Kind: payments.KindOrder,
		Amount: decimal.NewFromInt(5), Currency: "USD", CreatedAt: now,
	}))
	require.NoError(t, s.SaveRecord(ctx, payments.PaymentRecord{
		ID: "rec-2", ProfileID: "prof-1", Provider: "paypal",
		ProviderTransactionID: "txn-42", Kind: payments.KindOrder,
		Amount: decimal.NewFromInt(5), Currency: "USD", CreatedAt: now,
	}))

	records, err := s.PaymentRecords(ctx, "prof-1")
	require.NoError(t, err)
	assert.Len(t, records, 2)
}

func TestPaymentRecords_NewestFirst(t *testing.T) {
	// GIVEN: Two records saved a second apart
	// WHEN: The profile's records are listed
	// THEN: The newer one comes first, with amount intact

	s := newTestStore(t)
	ctx := context.Background()
	base := time.Now().UTC()

	require.NoError(t, s.SaveRecord(ctx, payments.PaymentRecord{
		ID: "rec-old", ProfileID: "prof-1", Provider: "polar",
		ProviderTransactionID: "txn-1", Kind: payments.KindSubscription,
		Amount: decimal.RequireFromString("9.99"), Currency: "USD", CreatedAt: base,
	}))
	require.NoError(t, s.SaveRecord(ctx, payments.PaymentRecord{
		ID: "rec-new", ProfileID: "prof-1", Provider: "polar",
		ProviderTransactionID: "txn-2", Kind: payments.KindOrder,
		Amount: decimal.RequireFromString("4.99"), Currency: "USD", CreatedAt: base.Add(time.Second),
	}))

	records, err := s.PaymentRecords(ctx, "prof-1")
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "rec-new", records[0].ID)
	assert.True(t, records[0].Amount.Equal(decimal.RequireFromString("4.99")))
	assert.Equal(t, payments.KindSubscription, records[1].Kind)
}

// =============================================================================
// ENGINE INTEGRATION SMOKE TEST
// =============================================================================

func TestEngine_ConsumeAgainstSQLite(t *testing.T) {
	// GIVEN: The consumption engine running on the SQLite store
	// WHEN: Credits are granted and partially consumed
	// THEN: The deduction and ledger entry land atomically

	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, s.PutProfile(ctx, credits.Profile{
		ID:                    "prof-1",
		Plan:                  "pro",
		SubscriptionStatus:    credits.StatusActive,
		SubscriptionExpiresAt: now.AddDate(0, 1, 0),
	}))
	createSource(t, s, source("src-1", credits.SourceMonthly, 100, now.AddDate(0, 0, 30), now))

	consumer := credits.NewConsumer(s, s)
	result, err := consumer.Consume(ctx, "prof-1", credits.OpImageGenPremium, nil)
	require.NoError(t, err)

	assert.Equal(t, int64(25), result.CreditsUsed)
	assert.Equal(t, int64(75), result.RemainingBalance)

	sources, err := s.ActiveSources(ctx, "prof-1", now)
	require.NoError(t, err)
	require.Len(t, sources, 1)
	assert.Equal(t, int64(75), sources[0].Amount)

	txs, total, err := s.TransactionHistory(ctx, "prof-1", credits.TransactionFilter{Type: credits.TxConsumption})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	assert.Equal(t, int64(-25), txs[0].Amount)
}

func TestEngine_ConcurrentConsume_SingleWinner(t *testing.T) {
	// GIVEN: A single source holding exactly one video-gen-long's worth
	// WHEN: Two consumers race for it
	// THEN: Exactly one succeeds and the balance never goes negative

	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, s.PutProfile(ctx, credits.Profile{
		ID:                    "prof-1",
		Plan:                  "pro",
		SubscriptionStatus:    credits.StatusActive,
		SubscriptionExpiresAt: now.AddDate(0, 1, 0),
	}))
	createSource(t, s, source("src-1", credits.SourceMonthly, 100, now.AddDate(0, 0, 30), now))

	consumer := credits.NewConsumer(s, s)
	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			_, err := consumer.Consume(ctx, "prof-1", credits.OpVideoGenLong, nil)
			errs <- err
		}()
	}

	var won, denied int
	for i := 0; i < 2; i++ {
		switch err := <-errs; {
		case err == nil:
			won++
		case errors.Is(err, credits.ErrInsufficientCredits):
			denied++
		default:
			t.Fatalf("unexpected consume error: %v", err)
		}
	}
	assert.Equal(t, 1, won)
	assert.Equal(t, 1, denied)

	sources, err := s.ActiveSources(ctx, "prof-1", now)
	require.NoError(t, err)
	require.Len(t, sources, 1)
	assert.Equal(t, int64(0), sources[0].Amount)

	_, total, err := s.TransactionHistory(ctx, "prof-1", credits.TransactionFilter{Type: credits.TxConsumption})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
}

func TestActiveSources_SubSecondExpiryOrder(t *testing.T) {
	// GIVEN: Two monthly sources expiring within the same second, one on
	//        the whole second and one half a second later
	// WHEN: Active sources are listed
	// THEN: The whole-second expiry sorts first

	s := newTestStore(t)
	now := time.Now().UTC()
	onSecond := now.AddDate(0, 0, 10).Truncate(time.Second)
	halfLater := onSecond.Add(500 * time.Millisecond)

	createSource(t, s, source("src-half", credits.SourceMonthly, 50, halfLater, now))
	createSource(t, s, source("src-whole", credits.SourceMonthly, 50, onSecond, now))

	sources, err := s.ActiveSources(context.Background(), "prof-1", now)
	require.NoError(t, err)
	require.Len(t, sources, 2)
	assert.Equal(t, "src-whole", sources[0].ID)
	assert.Equal(t, "src-half", sources[1].ID)
}
