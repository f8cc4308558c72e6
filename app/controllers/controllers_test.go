package controllers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/ManuelReschke/PixelBooth/app/models"
	"github.com/ManuelReschke/PixelBooth/internal/pkg/billing"
	"github.com/ManuelReschke/PixelBooth/internal/pkg/entitlements"
	"github.com/ManuelReschke/PixelBooth/internal/pkg/middleware"
	"github.com/ManuelReschke/PixelBooth/internal/pkg/notification"
	"github.com/ManuelReschke/PixelBooth/internal/pkg/payment"
	"github.com/ManuelReschke/PixelBooth/internal/pkg/quota"
	"github.com/ManuelReschke/PixelBooth/internal/pkg/testutil"
)

const proxySecret = "test-proxy-secret"

type fakeCheckout struct {
	err    error
	userID uint
}

func (f *fakeCheckout) CreateCheckoutSession(_ context.Context, userID uint, pkg models.Package) (*billing.CheckoutSession, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.userID = userID
	return &billing.CheckoutSession{ID: "cs_test", URL: "https://checkout.example/" + string(pkg)}, nil
}

type fakeProcessor struct {
	outcome billing.Outcome
	err     error
	events  []billing.GatewayEvent
}

func (f *fakeProcessor) Process(_ context.Context, ev billing.GatewayEvent) (billing.Outcome, error) {
	f.events = append(f.events, ev)
	return f.outcome, f.err
}

type failingGranter struct{}

func (failingGranter) GrantFrom(context.Context, uint, time.Time, int, *entitlements.CorrelationRef) (time.Time, error) {
	return time.Time{}, errors.New("entitlement store unavailable")
}

type harness struct {
	app      *fiber.App
	db       *gorm.DB
	user     *models.User
	other    *models.User
	admin    *models.User
	checkout *fakeCheckout
	events   *fakeProcessor
}

func newHarness(t *testing.T, opts ...func(*harnessConfig)) *harness {
	t.Helper()
	cfg := harnessConfig{}
	for _, o := range opts {
		o(&cfg)
	}

	db := testutil.NewDB(t)
	ents := entitlements.NewManager(db)
	ledger := quota.NewLedger(db, ents, quota.DefaultConfig())
	store := notification.NewStore(db)

	var grants payment.Granter = ents
	if cfg.failGrant {
		grants = failingGranter{}
	}
	payments := payment.NewServiceFromDB(db, grants, ledger, payment.WithNotifier(store))

	h := &harness{
		db:       db,
		user:     testutil.CreateUser(t, db, "alice", models.ROLE_USER),
		other:    testutil.CreateUser(t, db, "bob", models.ROLE_USER),
		admin:    testutil.CreateUser(t, db, "root", models.ROLE_ADMIN),
		checkout: &fakeCheckout{},
		events:   &fakeProcessor{outcome: billing.OutcomeProcessed},
	}

	pc := NewPaymentController(payments)
	apc := NewAdminPaymentController(payments)
	acc := NewAccountController(ents, ledger)
	cc := NewCheckoutController(h.checkout)
	nc := NewNotificationController(store)
	verify := func(payload []byte, sig, secret string) (billing.GatewayEvent, error) {
		if sig != "valid" {
			return billing.GatewayEvent{}, billing.ErrInvalidSignature
		}
		return billing.GatewayEvent{ID: "evt_1", Type: billing.EventCheckoutSessionCompleted, Payload: payload}, nil
	}
	wc := NewWebhookController(h.events, verify, "whsec")

	app := fiber.New()
	app.Post("/webhooks/stripe", wc.HandleStripe)
	api := app.Group("", middleware.ProxyIdentity(proxySecret), middleware.RequireAPIAuth)
	api.Post("/payments", pc.HandleCreate)
	api.Get("/payments", pc.HandleList)
	api.Get("/payments/:id", pc.HandleGet)
	api.Post("/payments/:id/proof", pc.HandleUploadProof)
	api.Delete("/payments/:id", pc.HandleCancel)
	api.Post("/checkout", cc.HandleCreate)
	api.Get("/me/entitlement", acc.HandleEntitlement)
	api.Get("/frames/quota", acc.HandleQuota)
	api.Post("/frames/quota", acc.HandleConsumeFrame)
	api.Get("/notifications", nc.HandleList)
	api.Post("/notifications/:id/read", nc.HandleMarkRead)
	admin := api.Group("/admin", middleware.RequireAPIAdmin)
	admin.Get("/payments", apc.HandleList)
	admin.Post("/payments/:id/approve", apc.HandleApprove)
	admin.Post("/payments/:id/reject", apc.HandleReject)
	admin.Post("/payments/:id/retry", apc.HandleRetry)
	h.app = app
	return h
}

type harnessConfig struct {
	failGrant bool
}

func withFailingGrant(c *harnessConfig) { c.failGrant = true }

func (h *harness) do(t *testing.T, as *models.User, method, path string, body interface{}) (int, map[string]interface{}) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if as != nil {
		req.Header.Set(middleware.HeaderProxySecret, proxySecret)
		req.Header.Set(middleware.HeaderUserID, strconv.FormatUint(uint64(as.ID), 10))
		req.Header.Set(middleware.HeaderUserRole, as.Role)
	}
	resp, err := h.app.Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()

	out := map[string]interface{}{}
	raw, _ := io.ReadAll(resp.Body)
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &out)
	}
	return resp.StatusCode, out
}

func paymentID(t *testing.T, body map[string]interface{}) uint {
	t.Helper()
	p, ok := body["payment"].(map[string]interface{})
	require.True(t, ok, "response has payment: %v", body)
	return uint(p["id"].(float64))
}

func createBody() map[string]interface{} {
	return map[string]interface{}{"package": "pro", "amount": "19.99", "duration_months": 1}
}

func TestManualPaymentFlowOverHTTP(t *testing.T) {
	h := newHarness(t)

	status, body := h.do(t, h.user, http.MethodPost, "/payments", createBody())
	require.Equal(t, fiber.StatusCreated, status, body)
	id := paymentID(t, body)

	status, body = h.do(t, h.user, http.MethodPost, "/payments", createBody())
	assert.Equal(t, fiber.StatusConflict, status)
	assert.Equal(t, "duplicate_pending_payment", body["error"])

	status, _ = h.do(t, h.user, http.MethodPost, fmt.Sprintf("/payments/%d/proof", id), map[string]string{"proof_ref": "uploads/proof-1.png"})
	require.Equal(t, fiber.StatusOK, status)

	status, body = h.do(t, h.admin, http.MethodGet, "/admin/payments", nil)
	require.Equal(t, fiber.StatusOK, status)
	assert.Len(t, body["payments"], 1)

	status, body = h.do(t, h.admin, http.MethodPost, fmt.Sprintf("/admin/payments/%d/approve", id), map[string]string{"notes": "ok"})
	require.Equal(t, fiber.StatusOK, status, body)
	assert.Equal(t, "approved", body["payment"].(map[string]interface{})["status"])

	status, body = h.do(t, h.user, http.MethodGet, "/me/entitlement", nil)
	require.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, true, body["is_active"])
	assert.Equal(t, "pro", body["tier"])
	assert.NotNil(t, body["expires_at"])

	status, body = h.do(t, h.user, http.MethodGet, "/frames/quota", nil)
	require.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, true, body["unlimited"])

	status, body = h.do(t, h.user, http.MethodGet, "/notifications", nil)
	require.Equal(t, fiber.StatusOK, status)
	assert.Len(t, body["notifications"], 1)

	status, body = h.do(t, h.admin, http.MethodPost, fmt.Sprintf("/admin/payments/%d/approve", id), nil)
	assert.Equal(t, fiber.StatusConflict, status)
	assert.Equal(t, "approved", body["current_status"])
}

func TestCreatePayment_Validation(t *testing.T) {
	h := newHarness(t)

	tests := []struct {
		name string
		body map[string]interface{}
	}{
		{"unknown package", map[string]interface{}{"package": "enterprise", "amount": "5", "duration_months": 1}},
		{"negative amount", map[string]interface{}{"package": "pro", "amount": "-1", "duration_months": 1}},
		{"zero months", map[string]interface{}{"package": "pro", "amount": "5", "duration_months": 0}},
		{"too many months", map[string]interface{}{"package": "pro", "amount": "5", "duration_months": 37}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, body := h.do(t, h.user, http.MethodPost, "/payments", tt.body)
			assert.Equal(t, fiber.StatusUnprocessableEntity, status, body)
		})
	}
}

func TestAuthorizationOverHTTP(t *testing.T) {
	h := newHarness(t)

	status, _ := h.do(t, nil, http.MethodGet, "/payments", nil)
	assert.Equal(t, fiber.StatusUnauthorized, status)

	status, body := h.do(t, h.user, http.MethodPost, "/payments", createBody())
	require.Equal(t, fiber.StatusCreated, status)
	id := paymentID(t, body)

	status, _ = h.do(t, h.other, http.MethodGet, fmt.Sprintf("/payments/%d", id), nil)
	assert.Equal(t, fiber.StatusForbidden, status)

	status, _ = h.do(t, h.user, http.MethodPost, fmt.Sprintf("/admin/payments/%d/approve", id), nil)
	assert.Equal(t, fiber.StatusForbidden, status)

	status, _ = h.do(t, h.user, http.MethodGet, "/payments/999", nil)
	assert.Equal(t, fiber.StatusNotFound, status)

	status, _ = h.do(t, h.user, http.MethodGet, "/payments/abc", nil)
	assert.Equal(t, fiber.StatusBadRequest, status)
}

func TestRejectRequiresReason(t *testing.T) {
	h := newHarness(t)

	_, body := h.do(t, h.user, http.MethodPost, "/payments", createBody())
	id := paymentID(t, body)
	h.do(t, h.user, http.MethodPost, fmt.Sprintf("/payments/%d/proof", id), map[string]string{"proof_ref": "p"})

	status, _ := h.do(t, h.admin, http.MethodPost, fmt.Sprintf("/admin/payments/%d/reject", id), map[string]string{"reason": "   "})
	assert.Equal(t, fiber.StatusUnprocessableEntity, status)

	status, body = h.do(t, h.admin, http.MethodPost, fmt.Sprintf("/admin/payments/%d/reject", id), map[string]string{"reason": "amount mismatch"})
	require.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, "rejected", body["payment"].(map[string]interface{})["status"])
}

func TestCancelOverHTTP(t *testing.T) {
	h := newHarness(t)

	_, body := h.do(t, h.user, http.MethodPost, "/payments", createBody())
	id := paymentID(t, body)

	status, _ := h.do(t, h.user, http.MethodDelete, fmt.Sprintf("/payments/%d", id), nil)
	assert.Equal(t, fiber.StatusOK, status)

	status, _ = h.do(t, h.user, http.MethodGet, fmt.Sprintf("/payments/%d", id), nil)
	assert.Equal(t, fiber.StatusNotFound, status)
}

func TestApprovePartialFailureIsAccepted(t *testing.T) {
	h := newHarness(t, withFailingGrant)

	_, body := h.do(t, h.user, http.MethodPost, "/payments", createBody())
	id := paymentID(t, body)
	h.do(t, h.user, http.MethodPost, fmt.Sprintf("/payments/%d/proof", id), map[string]string{"proof_ref": "p"})

	status, body := h.do(t, h.admin, http.MethodPost, fmt.Sprintf("/admin/payments/%d/approve", id), nil)
	require.Equal(t, fiber.StatusAccepted, status, body)
	assert.NotEmpty(t, body["warning"])
	assert.Equal(t, "approved", body["payment"].(map[string]interface{})["status"])

	status, body = h.do(t, h.admin, http.MethodPost, fmt.Sprintf("/admin/payments/%d/retry", id), nil)
	assert.Equal(t, fiber.StatusAccepted, status, body)
}

func TestQuotaOverHTTP(t *testing.T) {
	h := newHarness(t)

	for i := 0; i < 3; i++ {
		status, body := h.do(t, h.user, http.MethodPost, "/frames/quota", nil)
		require.Equal(t, fiber.StatusOK, status, body)
	}

	status, body := h.do(t, h.user, http.MethodPost, "/frames/quota", nil)
	assert.Equal(t, fiber.StatusTooManyRequests, status)
	assert.Equal(t, "quota_exceeded", body["error"])
	assert.Equal(t, "free", body["tier"])
	assert.Equal(t, quota.UpgradeAction, body["upgrade"])

	status, body = h.do(t, h.user, http.MethodGet, "/frames/quota", nil)
	require.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, float64(3), body["used"])
	assert.Equal(t, float64(0), body["remaining"])
}

func TestCheckoutOverHTTP(t *testing.T) {
	h := newHarness(t)

	status, body := h.do(t, h.user, http.MethodPost, "/checkout", map[string]string{"package": "pro"})
	require.Equal(t, fiber.StatusCreated, status, body)
	assert.Equal(t, h.user.ID, h.checkout.userID)

	status, _ = h.do(t, h.user, http.MethodPost, "/checkout", map[string]string{"package": "bogus"})
	assert.Equal(t, fiber.StatusUnprocessableEntity, status)

	h.checkout.err = billing.ErrGatewayNotConfigured
	status, _ = h.do(t, h.user, http.MethodPost, "/checkout", map[string]string{"package": "pro"})
	assert.Equal(t, fiber.StatusServiceUnavailable, status)
}

func TestStripeWebhookOutcomes(t *testing.T) {
	tests := []struct {
		name       string
		signature  string
		outcome    billing.Outcome
		err        error
		wantStatus int
	}{
		{"bad signature", "forged", billing.OutcomeProcessed, nil, fiber.StatusBadRequest},
		{"processed", "valid", billing.OutcomeProcessed, nil, fiber.StatusOK},
		{"duplicate", "valid", billing.OutcomeDuplicate, nil, fiber.StatusOK},
		{"ignored", "valid", billing.OutcomeIgnored, nil, fiber.StatusOK},
		{"degraded", "valid", billing.OutcomeDegraded, nil, fiber.StatusOK},
		{"transient", "valid", billing.OutcomeFailed, errors.New("db down"), fiber.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.events.outcome = tt.outcome
			h.events.err = tt.err

			req := httptest.NewRequest(http.MethodPost, "/webhooks/stripe", bytes.NewReader([]byte(`{"id":"cs_1"}`)))
			req.Header.Set("Stripe-Signature", tt.signature)
			resp, err := h.app.Test(req, -1)
			require.NoError(t, err)
			assert.Equal(t, tt.wantStatus, resp.StatusCode)

			if tt.signature != "valid" {
				assert.Empty(t, h.events.events, "unverified events never reach the processor")
			}
		})
	}
}

func TestFormatTimePtr(t *testing.T) {
	assert.Nil(t, formatTimePtr(nil))

	now := time.Date(2024, 5, 1, 12, 34, 56, 0, time.Local)
	assert.Equal(t, now.UTC().Format(time.RFC3339), formatTimePtr(&now))
}
