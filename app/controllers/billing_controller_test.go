package controllers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	stripewebhook "github.com/stripe/stripe-go/v82/webhook"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/ManuelReschke/HabitLoop/app/models"
	"github.com/ManuelReschke/HabitLoop/internal/pkg/billing"
	"github.com/ManuelReschke/HabitLoop/internal/pkg/entitlements"
	"github.com/ManuelReschke/HabitLoop/internal/pkg/usercontext"
)

const (
	testWebhookSecret = "whsec_controller_test"
	testUserHeader    = "X-Test-User"
)

type stubProvider struct {
	mu            sync.Mutex
	subscriptions map[string][]billing.Snapshot
	listErr       error
}

func (p *stubProvider) ListSubscriptions(_ context.Context, customerID string) ([]billing.Snapshot, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.listErr != nil {
		return nil, p.listErr
	}
	return p.subscriptions[customerID], nil
}

func (p *stubProvider) FindCustomer(context.Context, string, string) (string, error) {
	return "", nil
}

func (p *stubProvider) CreateCustomer(_ context.Context, userID, _ string) (string, error) {
	return "cus_" + userID, nil
}

func (p *stubProvider) CreateCheckoutSession(_ context.Context, in billing.CheckoutSessionInput) (string, error) {
	return "https://checkout.example.com/" + in.CustomerID + "/" + in.PriceID, nil
}

type testEnv struct {
	app      *fiber.App
	repo     billing.Repository
	provider *stubProvider
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, db.AutoMigrate(&models.Entitlement{}))

	catalog, err := entitlements.NewCatalog(map[entitlements.Tier]entitlements.CatalogTier{
		entitlements.TierPlus: {
			Products: []string{"prod_plus"},
			Prices:   map[entitlements.Interval]string{entitlements.IntervalMonthly: "price_plus_monthly"},
		},
		entitlements.TierPro: {
			Products: []string{"prod_pro"},
			Prices:   map[entitlements.Interval]string{entitlements.IntervalMonthly: "price_pro_monthly"},
		},
	})
	require.NoError(t, err)

	repo := billing.NewRepository(db)
	provider := &stubProvider{subscriptions: map[string][]billing.Snapshot{}}
	svc := billing.NewService(repo, provider, catalog).WithRedirects(billing.Redirects{
		SuccessURL:   "https://app.habitloop.test/billing/success",
		CancelURL:    "https://app.habitloop.test/billing/cancel",
		PublicDomain: "https://app.habitloop.test",
	})
	bc := NewBillingController(svc, billing.NewWebhookProcessor(testWebhookSecret, 5*time.Minute, svc), entitlements.NewGate(repo))

	app := fiber.New()
	app.Post("/webhooks/billing", bc.HandleBillingWebhook)

	authed := app.Group("", func(c *fiber.Ctx) error {
		if id := c.Get(testUserHeader); id != "" {
			usercontext.SetUserContext(c, usercontext.UserContext{UserID: id, Email: id + "@example.com", IsLoggedIn: true})
		}
		return c.Next()
	})
	authed.Post("/checkout", bc.HandleCheckout)
	authed.Post("/entitlement/reconcile", bc.HandleReconcile)
	authed.Get("/entitlement", bc.HandleGetEntitlement)

	return &testEnv{app: app, repo: repo, provider: provider}
}

func (e *testEnv) do(t *testing.T, req *http.Request) (int, map[string]interface{}) {
	t.Helper()
	resp, err := e.app.Test(req, -1)
	require.NoError(t, err)
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &body), string(raw))
	return resp.StatusCode, body
}

func signed(payload string) string {
	return stripewebhook.GenerateTestSignedPayload(&stripewebhook.UnsignedPayload{
		Payload:   []byte(payload),
		Secret:    testWebhookSecret,
		Timestamp: time.Now(),
		Scheme:    "v1",
	}).Header
}

func subscriptionEvent(customerID, userID string) string {
	return fmt.Sprintf(`{"id":"evt_1","object":"event","type":"customer.subscription.updated","data":{"object":{"id":"sub_1","object":"subscription","customer":%q,"status":"active","metadata":{"user_id":%q}}}}`,
		customerID, userID)
}

func webhookRequest(payload, header, value string) *http.Request {
	req := httptest.NewRequest(fiber.MethodPost, "/webhooks/billing", strings.NewReader(payload))
	req.Header.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	if header != "" {
		req.Header.Set(header, value)
	}
	return req
}

func jsonRequest(method, path, userID, body string) *http.Request {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	if userID != "" {
		req.Header.Set(testUserHeader, userID)
	}
	return req
}

func future(days int) *time.Time {
	t := time.Now().UTC().AddDate(0, 0, days).Truncate(time.Second)
	return &t
}

func TestWebhookSignatureFailures(t *testing.T) {
	env := newTestEnv(t)
	payload := subscriptionEvent("cus_1", "user-1")

	status, body := env.do(t, webhookRequest(payload, headerStripeSignature, "t=1,v1=deadbeef"))
	assert.Equal(t, fiber.StatusUnauthorized, status)
	assert.Equal(t, "invalid_signature", body["error"])

	status, _ = env.do(t, webhookRequest(payload, "", ""))
	assert.Equal(t, fiber.StatusUnauthorized, status)

	_, err := env.repo.FindByUserID(context.Background(), "user-1")
	assert.ErrorIs(t, err, gorm.ErrRecordNotFound)
}

func TestWebhookMalformedBody(t *testing.T) {
	env := newTestEnv(t)
	payload := `{"id":"evt_1",`
	status, body := env.do(t, webhookRequest(payload, headerStripeSignature, signed(payload)))
	assert.Equal(t, fiber.StatusBadRequest, status)
	assert.Equal(t, "malformed_event", body["error"])
}

func TestWebhookAppliesSubscription(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.repo.EnsureEntitlement(context.Background(), "user-1")
	require.NoError(t, err)
	env.provider.subscriptions["cus_1"] = []billing.Snapshot{
		{SubscriptionID: "sub_1", CustomerID: "cus_1", Status: "active", ProductID: "prod_pro", CurrentPeriodEnd: future(30)},
	}
	payload := subscriptionEvent("cus_1", "user-1")

	// X-Signature is accepted as an alias.
	status, body := env.do(t, webhookRequest(payload, headerSignature, signed(payload)))
	assert.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, false, body["ignored"])

	rec, err := env.repo.FindByUserID(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Equal(t, models.PlanTierPro, rec.PlanTier)
	assert.Equal(t, models.SubscriptionStatusActive, rec.SubscriptionStatus)
	assert.Equal(t, "cus_1", rec.CustomerID())
}

func TestWebhookIgnoresUnhandledType(t *testing.T) {
	env := newTestEnv(t)
	payload := `{"id":"evt_2","object":"event","type":"invoice.created","data":{"object":{"id":"in_1"}}}`
	status, body := env.do(t, webhookRequest(payload, headerStripeSignature, signed(payload)))
	assert.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, true, body["ignored"])
}

func TestWebhookProviderFailureIsRetryable(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.repo.EnsureEntitlement(context.Background(), "user-1")
	require.NoError(t, err)
	env.provider.listErr = fmt.Errorf("%w: timeout", billing.ErrProviderUnavailable)
	payload := subscriptionEvent("cus_1", "user-1")

	status, body := env.do(t, webhookRequest(payload, headerStripeSignature, signed(payload)))
	assert.Equal(t, fiber.StatusInternalServerError, status)
	assert.Equal(t, "processing_failed", body["error"])
}

func TestCheckout(t *testing.T) {
	env := newTestEnv(t)

	status, body := env.do(t, jsonRequest(fiber.MethodPost, "/checkout", "user-1", `{"tier":"pro","interval":"monthly"}`))
	require.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, "https://checkout.example.com/cus_user-1/price_pro_monthly", body["url"])

	rec, err := env.repo.FindByUserID(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Equal(t, "cus_user-1", rec.CustomerID())
	assert.Equal(t, models.PlanTierFree, rec.PlanTier)
}

func TestCheckoutErrors(t *testing.T) {
	env := newTestEnv(t)

	cases := []struct {
		name   string
		user   string
		body   string
		status int
		code   string
	}{
		{"unauthenticated", "", `{"tier":"pro","interval":"monthly"}`, fiber.StatusUnauthorized, "unauthorized"},
		{"bad json", "user-1", `{"tier":`, fiber.StatusBadRequest, "invalid_request"},
		{"missing interval", "user-1", `{"tier":"pro"}`, fiber.StatusBadRequest, "invalid_request"},
		{"free tier", "user-1", `{"tier":"free","interval":"monthly"}`, fiber.StatusBadRequest, "invalid_tier"},
		{"unknown tier", "user-1", `{"tier":"gold","interval":"monthly"}`, fiber.StatusBadRequest, "invalid_tier"},
		{"unknown interval", "user-1", `{"tier":"pro","interval":"weekly"}`, fiber.StatusBadRequest, "invalid_interval"},
		{"foreign redirect", "user-1", `{"tier":"pro","interval":"monthly","success_url":"https://evil.test/x"}`, fiber.StatusBadRequest, "invalid_request"},
		{"missing price", "user-1", `{"tier":"pro","interval":"annual"}`, fiber.StatusInternalServerError, "price_not_configured"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			status, body := env.do(t, jsonRequest(fiber.MethodPost, "/checkout", tc.user, tc.body))
			assert.Equal(t, tc.status, status)
			assert.Equal(t, tc.code, body["error"])
		})
	}
}

func TestCheckoutAlreadySubscribed(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.repo.UpsertEntitlement(context.Background(), "user-1", billing.Resolution{Tier: entitlements.TierPlus, Status: "active", PeriodEnd: future(10)})
	require.NoError(t, err)

	status, body := env.do(t, jsonRequest(fiber.MethodPost, "/checkout", "user-1", `{"tier":"plus","interval":"monthly"}`))
	assert.Equal(t, fiber.StatusConflict, status)
	assert.Equal(t, "already_subscribed", body["error"])
}

func TestReconcile(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	_, err := env.repo.LinkExternalCustomer(ctx, "user-1", "cus_1")
	require.NoError(t, err)
	env.provider.subscriptions["cus_1"] = []billing.Snapshot{
		{SubscriptionID: "sub_1", CustomerID: "cus_1", Status: "trialing", ProductID: "prod_plus", CurrentPeriodEnd: future(7)},
	}

	status, body := env.do(t, jsonRequest(fiber.MethodPost, "/entitlement/reconcile", "user-1", ""))
	assert.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, "plus", body["tier"])
	assert.Equal(t, "trialing", body["status"])
	assert.NotNil(t, body["period_end"])
	assert.Nil(t, body["stale"])
}

func TestReconcileFailsSoft(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	_, err := env.repo.LinkExternalCustomer(ctx, "user-1", "cus_1")
	require.NoError(t, err)
	_, err = env.repo.UpsertEntitlement(ctx, "user-1", billing.Resolution{Tier: entitlements.TierPro, Status: "active", PeriodEnd: future(3)})
	require.NoError(t, err)
	env.provider.listErr = fmt.Errorf("%w: timeout", billing.ErrProviderUnavailable)

	status, body := env.do(t, jsonRequest(fiber.MethodPost, "/entitlement/reconcile", "user-1", ""))
	assert.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, "pro", body["tier"])
	assert.Equal(t, "active", body["status"])
	assert.Equal(t, true, body["stale"])
}

func TestReconcileWithoutCustomer(t *testing.T) {
	env := newTestEnv(t)
	status, body := env.do(t, jsonRequest(fiber.MethodPost, "/entitlement/reconcile", "user-2", ""))
	assert.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, "free", body["tier"])
	assert.Equal(t, "inactive", body["status"])
}

func TestGetEntitlement(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.repo.UpsertEntitlement(context.Background(), "user-1", billing.Resolution{Tier: entitlements.TierPro, Status: "active", PeriodEnd: future(3)})
	require.NoError(t, err)

	status, body := env.do(t, jsonRequest(fiber.MethodGet, "/entitlement", "user-1", ""))
	require.Equal(t, fiber.StatusOK, status)

	ent := body["entitlement"].(map[string]interface{})
	assert.Equal(t, "pro", ent["tier"])
	caps := body["capabilities"].(map[string]interface{})
	assert.Equal(t, true, caps["coaching"])
	assert.Equal(t, "advanced", caps["analytics"])

	status, _ = env.do(t, jsonRequest(fiber.MethodGet, "/entitlement", "", ""))
	assert.Equal(t, fiber.StatusUnauthorized, status)
}
