package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hoangthanh168/clippizo/api"
	"github.com/hoangthanh168/clippizo/catalog"
	"github.com/hoangthanh168/clippizo/credits"
	"github.com/hoangthanh168/clippizo/credits/store"
	"github.com/hoangthanh168/clippizo/payments"
)

// =============================================================================
// TEST SETUP
// =============================================================================

// newTestAPI wires the full handler stack against an in-memory store and
// returns both so tests can seed state directly and hit it over HTTP.
func newTestAPI(t *testing.T) (*store.Memory, http.Handler) {
	t.Helper()

	m := store.NewMemory()
	plans := catalog.NewPlans()
	packs := catalog.NewPacks()
	records := payments.NewMemoryRecords()
	log := zerolog.Nop()

	manager := payments.NewManager(m, plans, records, log)
	lifecycle := credits.NewLifecycle(m, m)
	allocator := credits.NewAllocator(m, plans)
	purchaser := credits.NewPackPurchaser(m, m, packs)

	h := &api.Handler{
		Balance:      credits.NewBalanceAggregator(m, m, plans),
		Consumer:     credits.NewConsumer(m, m),
		Ledger:       credits.NewLedger(m),
		Allocator:    allocator,
		Packs:        purchaser,
		Lifecycle:    lifecycle,
		Subscription: manager,
		Dispatcher:   payments.NewDispatcher(records, purchaser, allocator, lifecycle, manager, log),
		Profiles:     m,
		Plans:        plans,
		PackCatalog:  packs,
		Metrics:      api.NewMetricsWith(prometheus.NewRegistry()),
		Log:          log,
	}
	return m, api.NewRouter(h)
}

func do(t *testing.T, router http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, rd)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, into any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), into))
}

func seedActivePro(t *testing.T, m *store.Memory, profileID string) {
	t.Helper()
	require.NoError(t, m.PutProfile(context.Background(), credits.Profile{
		ID:                    profileID,
		Plan:                  "pro",
		SubscriptionStatus:    credits.StatusActive,
		SubscriptionExpiresAt: time.Now().UTC().AddDate(0, 1, 0),
	}))
}

func seedMonthly(t *testing.T, m *store.Memory, profileID string, amount int64) {
	t.Helper()
	err := m.WithProfile(context.Background(), profileID, func(uow credits.UnitOfWork) error {
		now := time.Now().UTC()
		return uow.CreateSource(context.Background(), credits.CreditSource{
			ID:            uuid.NewString(),
			ProfileID:     profileID,
			Type:          credits.SourceMonthly,
			Amount:        amount,
			InitialAmount: amount,
			ExpiresAt:     now.AddDate(0, 0, 30),
			CreatedAt:     now,
		})
	})
	require.NoError(t, err)
}

// =============================================================================
// BALANCE ENDPOINT
// =============================================================================

func TestGetBalance(t *testing.T) {
	// GIVEN: An active pro subscriber with 300 monthly credits
	// WHEN: GET /credits/balance
	// THEN: 200 with the breakdown

	m, router := newTestAPI(t)
	seedActivePro(t, m, "prof-1")
	seedMonthly(t, m, "prof-1", 300)

	rec := do(t, router, http.MethodGet, "/api/profiles/prof-1/credits/balance", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp api.BalanceDTO
	decode(t, rec, &resp)
	assert.Equal(t, "prof-1", resp.ProfileID)
	assert.Equal(t, int64(300), resp.Total)
	require.NotNil(t, resp.Monthly)
	assert.Equal(t, int64(300), resp.Monthly.Amount)
	assert.Nil(t, resp.Pack)
}

// =============================================================================
// CONSUME ENDPOINT
// =============================================================================

func TestConsume_Success(t *testing.T) {
	// GIVEN: 300 credits and an active subscription
	// WHEN: POST /credits/consume for a basic image generation
	// THEN: 200 with 10 credits used and 290 remaining

	m, router := newTestAPI(t)
	seedActivePro(t, m, "prof-1")
	seedMonthly(t, m, "prof-1", 300)

	rec := do(t, router, http.MethodPost, "/api/profiles/prof-1/credits/consume",
		api.ConsumeRequest{Operation: "image-gen-basic"})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp api.ConsumeResponse
	decode(t, rec, &resp)
	assert.Equal(t, int64(10), resp.CreditsUsed)
	assert.Equal(t, int64(290), resp.RemainingBalance)
	assert.NotEmpty(t, resp.TransactionID)
}

func TestConsume_InsufficientCredits(t *testing.T) {
	// GIVEN: 30 credits against a 50-credit operation
	// WHEN: POST /credits/consume
	// THEN: 402 with the INSUFFICIENT_CREDITS code

	m, router := newTestAPI(t)
	seedActivePro(t, m, "prof-1")
	seedMonthly(t, m, "prof-1", 30)

	rec := do(t, router, http.MethodPost, "/api/profiles/prof-1/credits/consume",
		api.ConsumeRequest{Operation: "video-gen-short"})
	require.Equal(t, http.StatusPaymentRequired, rec.Code)

	var resp api.ErrorResponse
	decode(t, rec, &resp)
	assert.Equal(t, "INSUFFICIENT_CREDITS", resp.Code)
}

func TestConsume_NoActiveSubscription(t *testing.T) {
	// GIVEN: An expired subscription with credits still on the books
	// WHEN: POST /credits/consume
	// THEN: 403

	m, router := newTestAPI(t)
	require.NoError(t, m.PutProfile(context.Background(), credits.Profile{
		ID:                    "prof-1",
		Plan:                  "pro",
		SubscriptionStatus:    credits.StatusExpired,
		SubscriptionExpiresAt: time.Now().UTC().AddDate(0, 0, -10),
	}))
	seedMonthly(t, m, "prof-1", 300)

	rec := do(t, router, http.MethodPost, "/api/profiles/prof-1/credits/consume",
		api.ConsumeRequest{Operation: "image-gen-basic"})
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestConsume_UnknownOperation(t *testing.T) {
	m, router := newTestAPI(t)
	seedActivePro(t, m, "prof-1")
	seedMonthly(t, m, "prof-1", 300)

	rec := do(t, router, http.MethodPost, "/api/profiles/prof-1/credits/consume",
		api.ConsumeRequest{Operation: "teleportation"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestConsume_MissingOperation(t *testing.T) {
	_, router := newTestAPI(t)

	rec := do(t, router, http.MethodPost, "/api/profiles/prof-1/credits/consume",
		api.ConsumeRequest{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// =============================================================================
// AFFORDABILITY ENDPOINT
// =============================================================================

func TestCanAfford(t *testing.T) {
	// GIVEN: 30 credits against a 50-credit operation
	// WHEN: GET /credits/affordability?operation=video-gen-short
	// THEN: can_afford false with the 20-credit shortfall

	m, router := newTestAPI(t)
	seedActivePro(t, m, "prof-1")
	seedMonthly(t, m, "prof-1", 30)

	rec := do(t, router, http.MethodGet,
		"/api/profiles/prof-1/credits/affordability?operation=video-gen-short", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp api.AffordabilityDTO
	decode(t, rec, &resp)
	assert.False(t, resp.CanAfford)
	assert.Equal(t, int64(50), resp.Required)
	assert.Equal(t, int64(30), resp.Available)
	assert.Equal(t, int64(20), resp.Shortfall)
}

func TestCanAfford_MissingOperationParam(t *testing.T) {
	_, router := newTestAPI(t)

	rec := do(t, router, http.MethodGet, "/api/profiles/prof-1/credits/affordability", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// =============================================================================
// HISTORY ENDPOINT
// =============================================================================

func TestGetHistory(t *testing.T) {
	// GIVEN: A profile that consumed twice
	// WHEN: GET /credits/history filtered to consumption
	// THEN: Both ledger entries come back, newest first

	m, router := newTestAPI(t)
	seedActivePro(t, m, "prof-1")
	seedMonthly(t, m, "prof-1", 300)

	for i := 0; i < 2; i++ {
		rec := do(t, router, http.MethodPost, "/api/profiles/prof-1/credits/consume",
			api.ConsumeRequest{Operation: "image-gen-basic"})
		require.Equal(t, http.StatusOK, rec.Code)
	}

	rec := do(t, router, http.MethodGet, "/api/profiles/prof-1/credits/history?type=consumption", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp api.HistoryResponse
	decode(t, rec, &resp)
	assert.Equal(t, 2, resp.Total)
	require.Len(t, resp.Transactions, 2)
	assert.Equal(t, "consumption", resp.Transactions[0].Type)
	assert.Equal(t, int64(-10), resp.Transactions[0].Amount)
	assert.Equal(t, int64(280), resp.Transactions[0].BalanceAfter)
}

// =============================================================================
// PACK PURCHASE ENDPOINT
// =============================================================================

func TestPurchasePack(t *testing.T) {
	// GIVEN: An active subscriber
	// WHEN: POST /credits/packs/medium/purchase
	// THEN: 201 with 500 credits added

	m, router := newTestAPI(t)
	seedActivePro(t, m, "prof-1")

	rec := do(t, router, http.MethodPost, "/api/profiles/prof-1/credits/packs/medium/purchase", nil)
	require.Equal(t, http.StatusCreated, rec.Code)

	var resp api.PurchasePackResponse
	decode(t, rec, &resp)
	assert.Equal(t, int64(500), resp.CreditsAdded)
	assert.Equal(t, int64(500), resp.TotalBalance)
	assert.NotEmpty(t, resp.SourceID)
}

func TestPurchasePack_UnknownPack(t *testing.T) {
	m, router := newTestAPI(t)
	seedActivePro(t, m, "prof-1")

	rec := do(t, router, http.MethodPost, "/api/profiles/prof-1/credits/packs/colossal/purchase", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPurchasePack_NoSubscription(t *testing.T) {
	m, router := newTestAPI(t)
	require.NoError(t, m.PutProfile(context.Background(), credits.Profile{
		ID:                 "prof-1",
		Plan:               "pro",
		SubscriptionStatus: credits.StatusExpired,
	}))

	rec := do(t, router, http.MethodPost, "/api/profiles/prof-1/credits/packs/medium/purchase", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

// =============================================================================
// PROFILE & SUBSCRIPTION ENDPOINTS
// =============================================================================

func TestPutProfileThenGetSubscription(t *testing.T) {
	// GIVEN: A fresh profile created over the API
	// WHEN: The subscription read model is fetched
	// THEN: It reflects the stored plan and status

	_, router := newTestAPI(t)

	expiresAt := time.Now().UTC().AddDate(0, 1, 0).Format(time.RFC3339)
	rec := do(t, router, http.MethodPut, "/api/profiles/prof-1",
		api.PutProfileRequest{Plan: "pro", SubscriptionStatus: "active", ExpiresAt: expiresAt})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, router, http.MethodGet, "/api/profiles/prof-1/subscription", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp api.SubscriptionDTO
	decode(t, rec, &resp)
	assert.Equal(t, "pro", resp.Plan)
	assert.Equal(t, "active", resp.Status)
	assert.True(t, resp.IsActive)
}

func TestGetAccess_ExpiredSubscription(t *testing.T) {
	m, router := newTestAPI(t)
	require.NoError(t, m.PutProfile(context.Background(), credits.Profile{
		ID:                    "prof-1",
		Plan:                  "pro",
		SubscriptionStatus:    credits.StatusExpired,
		SubscriptionExpiresAt: time.Now().UTC().AddDate(0, 0, -5),
	}))

	rec := do(t, router, http.MethodGet, "/api/profiles/prof-1/credits/access", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp api.AccessDTO
	decode(t, rec, &resp)
	assert.False(t, resp.Allowed)
}

func TestCancelSubscription_KeepsAccessUntilPeriodEnd(t *testing.T) {
	// GIVEN: An active subscriber with time left on the clock
	// WHEN: POST /subscription/cancel
	// THEN: Access survives until the paid period ends

	m, router := newTestAPI(t)
	seedActivePro(t, m, "prof-1")
	seedMonthly(t, m, "prof-1", 300)

	rec := do(t, router, http.MethodPost, "/api/profiles/prof-1/subscription/cancel", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp api.AccessDTO
	decode(t, rec, &resp)
	assert.True(t, resp.Allowed)
	assert.NotNil(t, resp.CanUseUntil)
}

// =============================================================================
// CATALOG ENDPOINTS
// =============================================================================

func TestListPlans(t *testing.T) {
	_, router := newTestAPI(t)

	rec := do(t, router, http.MethodGet, "/api/plans", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp []api.PlanDTO
	decode(t, rec, &resp)
	require.Len(t, resp, 3)
	assert.Equal(t, "free", resp[0].ID)
}

func TestListOperations(t *testing.T) {
	_, router := newTestAPI(t)

	rec := do(t, router, http.MethodGet, "/api/operations", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp []api.OperationDTO
	decode(t, rec, &resp)
	require.Len(t, resp, 5)

	costs := make(map[string]int64, len(resp))
	for _, op := range resp {
		costs[op.Operation] = op.Cost
	}
	assert.Equal(t, int64(10), costs["image-gen-basic"])
	assert.Equal(t, int64(100), costs["video-gen-long"])
}

// =============================================================================
// WEBHOOK ENDPOINT
// =============================================================================

func TestWebhook_OrderPaidPack(t *testing.T) {
	// GIVEN: An active subscriber
	// WHEN: A provider delivers a settled medium pack order
	// THEN: 200 and 500 credits land

	m, router := newTestAPI(t)
	seedActivePro(t, m, "prof-1")

	rec := do(t, router, http.MethodPost, "/api/webhooks/polar", api.WebhookRequest{
		Type:          "order.paid",
		ProfileID:     "prof-1",
		TransactionID: "txn-1",
		OrderID:       "order-1",
		Amount:        "9.99",
		Currency:      "USD",
		PackID:        "medium",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, router, http.MethodGet, "/api/profiles/prof-1/credits/balance", nil)
	var balance api.BalanceDTO
	decode(t, rec, &balance)
	assert.Equal(t, int64(500), balance.Total)
}

func TestWebhook_DuplicateDelivery(t *testing.T) {
	// GIVEN: A pack order already processed
	// WHEN: The provider redelivers the same webhook
	// THEN: 200 both times, credits granted once

	m, router := newTestAPI(t)
	seedActivePro(t, m, "prof-1")

	payload := api.WebhookRequest{
		Type:          "order.paid",
		ProfileID:     "prof-1",
		TransactionID: "txn-dup",
		Amount:        "9.99",
		Currency:      "USD",
		PackID:        "medium",
	}
	require.Equal(t, http.StatusOK, do(t, router, http.MethodPost, "/api/webhooks/polar", payload).Code)
	require.Equal(t, http.StatusOK, do(t, router, http.MethodPost, "/api/webhooks/polar", payload).Code)

	rec := do(t, router, http.MethodGet, "/api/profiles/prof-1/credits/balance", nil)
	var balance api.BalanceDTO
	decode(t, rec, &balance)
	assert.Equal(t, int64(500), balance.Total)
}

func TestWebhook_UnknownEventType(t *testing.T) {
	_, router := newTestAPI(t)

	rec := do(t, router, http.MethodPost, "/api/webhooks/polar", api.WebhookRequest{
		Type:      "order.vaporized",
		ProfileID: "prof-1",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestWebhook_MissingProfileID(t *testing.T) {
	_, router := newTestAPI(t)

	rec := do(t, router, http.MethodPost, "/api/webhooks/polar", api.WebhookRequest{
		Type: "order.paid",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// =============================================================================
// ADMIN ENDPOINTS
// =============================================================================

func TestAdminAllocate(t *testing.T) {
	m, router := newTestAPI(t)
	seedActivePro(t, m, "prof-1")

	rec := do(t, router, http.MethodPost, "/api/admin/profiles/prof-1/allocate",
		api.AllocateRequest{PlanID: "pro"})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]any
	decode(t, rec, &resp)
	assert.Equal(t, float64(500), resp["credits_allocated"])
}

func TestAdminForfeit(t *testing.T) {
	// GIVEN: A profile holding 300 credits
	// WHEN: POST /admin/profiles/{id}/forfeit
	// THEN: The balance is wiped

	m, router := newTestAPI(t)
	seedActivePro(t, m, "prof-1")
	seedMonthly(t, m, "prof-1", 300)

	rec := do(t, router, http.MethodPost, "/api/admin/profiles/prof-1/forfeit", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]any
	decode(t, rec, &resp)
	assert.Equal(t, float64(300), resp["credits_forfeited"])

	rec = do(t, router, http.MethodGet, "/api/profiles/prof-1/credits/balance", nil)
	var balance api.BalanceDTO
	decode(t, rec, &balance)
	assert.Zero(t, balance.Total)
}

// =============================================================================
// HEALTH
// =============================================================================

func TestHealth(t *testing.T) {
	_, router := newTestAPI(t)

	rec := do(t, router, http.MethodGet, "/api/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}
