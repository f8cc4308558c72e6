package billing

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/ManuelReschke/PixelBooth/app/models"
	"github.com/ManuelReschke/PixelBooth/internal/pkg/entitlements"
	"github.com/ManuelReschke/PixelBooth/internal/pkg/payment"
	"github.com/ManuelReschke/PixelBooth/internal/pkg/quota"
	"github.com/ManuelReschke/PixelBooth/internal/pkg/testutil"
)

type processorFixture struct {
	db     *gorm.DB
	proc   *Processor
	ents   *entitlements.Manager
	tokens *CheckoutTokens
	user   *models.User
}

func newProcessorFixture(t *testing.T) *processorFixture {
	t.Helper()
	db := testutil.NewDB(t)
	ents := entitlements.NewManager(db)
	ledger := quota.NewLedger(db, ents, quota.DefaultConfig())
	payments := payment.NewServiceFromDB(db, ents, ledger)
	tokens, err := NewCheckoutTokens("test-secret", time.Hour)
	require.NoError(t, err)
	prices := NewPriceCatalog(Price{ID: "price_pro_yearly", Package: models.PackagePro, Months: 12})

	return &processorFixture{
		db:     db,
		proc:   NewProcessorFromDB(db, payments, ents, tokens, prices),
		ents:   ents,
		tokens: tokens,
		user:   testutil.CreateUser(t, db, "checkout-user", models.ROLE_USER),
	}
}

func (f *processorFixture) checkoutEvent(t *testing.T, eventID, sessionID, clientRef string) GatewayEvent {
	t.Helper()
	session := map[string]interface{}{
		"id":                  sessionID,
		"object":              "checkout.session",
		"client_reference_id": clientRef,
		"customer":            "cus_" + sessionID,
		"subscription":        "sub_" + sessionID,
		"payment_intent":      "pi_" + sessionID,
		"payment_status":      "paid",
		"amount_total":        1999,
		"customer_email":      "someone-else@example.com",
	}
	raw, err := json.Marshal(session)
	require.NoError(t, err)
	return GatewayEvent{ID: eventID, Type: EventCheckoutSessionCompleted, Payload: raw}
}

func (f *processorFixture) token(t *testing.T) string {
	t.Helper()
	tok, err := f.tokens.Issue(f.user.ID, models.PackagePro, 1)
	require.NoError(t, err)
	return tok
}

func (f *processorFixture) countPayments(t *testing.T, where string, args ...interface{}) int64 {
	t.Helper()
	var n int64
	require.NoError(t, f.db.Model(&models.Payment{}).Where(where, args...).Count(&n).Error)
	return n
}

func TestCheckoutCompletedGrantsOnce(t *testing.T) {
	f := newProcessorFixture(t)
	ctx := context.Background()
	ev := f.checkoutEvent(t, "evt_1", "cs_1", f.token(t))

	outcome, err := f.proc.Process(ctx, ev)
	require.NoError(t, err)
	assert.Equal(t, OutcomeProcessed, outcome)

	active, err := f.ents.IsActive(ctx, f.user.ID)
	require.NoError(t, err)
	assert.True(t, active)

	user, err := f.ents.Get(ctx, f.user.ID)
	require.NoError(t, err)
	first := *user.PremiumExpiresAt

	outcome, err = f.proc.Process(ctx, ev)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, outcome)

	// same session under a new event id
	outcome, err = f.proc.Process(ctx, f.checkoutEvent(t, "evt_2", "cs_1", f.token(t)))
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, outcome)

	assert.Equal(t, int64(1), f.countPayments(t, "gateway_session_id = ?", "cs_1"))
	user, err = f.ents.Get(ctx, f.user.ID)
	require.NoError(t, err)
	assert.True(t, first.Equal(*user.PremiumExpiresAt))
	require.NotNil(t, user.GatewaySubscriptionRef)
	assert.Equal(t, "sub_cs_1", *user.GatewaySubscriptionRef)

	var stored models.Payment
	require.NoError(t, f.db.Where("gateway_session_id = ?", "cs_1").First(&stored).Error)
	assert.Equal(t, "19.99", stored.Amount.StringFixed(2))
	assert.Equal(t, "pi_cs_1", stored.GatewayPaymentIntentID)
}

func TestCheckoutCompletedIgnoresUnverifiedIdentity(t *testing.T) {
	f := newProcessorFixture(t)
	ctx := context.Background()

	otherTokens, err := NewCheckoutTokens("attacker", time.Hour)
	require.NoError(t, err)
	forged, err := otherTokens.Issue(f.user.ID, models.PackagePro, 1)
	require.NoError(t, err)
	ghost, err := f.tokens.Issue(9999, models.PackagePro, 1)
	require.NoError(t, err)

	tests := []struct {
		name string
		ref  string
	}{
		{"missing token", ""},
		{"email as reference", f.user.Email},
		{"forged token", forged},
		{"unknown user", ghost},
	}
	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev := f.checkoutEvent(t, fmt.Sprintf("evt_bad_%d", i), fmt.Sprintf("cs_bad_%d", i), tt.ref)
			outcome, err := f.proc.Process(ctx, ev)
			require.NoError(t, err)
			assert.Equal(t, OutcomeIgnored, outcome)
		})
	}

	assert.Equal(t, int64(0), f.countPayments(t, "1 = 1"))
	active, err := f.ents.IsActive(ctx, f.user.ID)
	require.NoError(t, err)
	assert.False(t, active)

	var ev models.BillingWebhookEvent
	require.NoError(t, f.db.Where("provider_event_id = ?", "evt_bad_0").First(&ev).Error)
	assert.NotNil(t, ev.ProcessedAt)
	assert.NotEmpty(t, ev.ProcessingError)
}

func TestCheckoutTokenInMetadata(t *testing.T) {
	f := newProcessorFixture(t)
	raw, err := json.Marshal(map[string]interface{}{
		"id":             "cs_meta",
		"payment_status": "paid",
		"metadata":       map[string]string{"checkout_token": f.token(t)},
	})
	require.NoError(t, err)

	outcome, err := f.proc.Process(context.Background(), GatewayEvent{ID: "evt_meta", Type: EventCheckoutSessionCompleted, Payload: raw})
	require.NoError(t, err)
	assert.Equal(t, OutcomeProcessed, outcome)
}

func TestCheckoutUnpaidIsIgnored(t *testing.T) {
	f := newProcessorFixture(t)
	raw, err := json.Marshal(map[string]interface{}{
		"id":                  "cs_unpaid",
		"payment_status":      "unpaid",
		"client_reference_id": f.token(t),
	})
	require.NoError(t, err)

	outcome, err := f.proc.Process(context.Background(), GatewayEvent{ID: "evt_unpaid", Type: EventCheckoutSessionCompleted, Payload: raw})
	require.NoError(t, err)
	assert.Equal(t, OutcomeIgnored, outcome)
	assert.Equal(t, int64(0), f.countPayments(t, "1 = 1"))
}

func TestMalformedPayloadIsIgnored(t *testing.T) {
	f := newProcessorFixture(t)
	outcome, err := f.proc.Process(context.Background(), GatewayEvent{
		ID:      "evt_garbage",
		Type:    EventCheckoutSessionCompleted,
		Payload: json.RawMessage(`{"id": 12`),
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeIgnored, outcome)
}

func TestUnknownEventTypeIsIgnored(t *testing.T) {
	f := newProcessorFixture(t)
	outcome, err := f.proc.Process(context.Background(), GatewayEvent{
		ID:      "evt_other",
		Type:    "customer.created",
		Payload: json.RawMessage(`{"id":"cus_1"}`),
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeIgnored, outcome)
}

func TestSubscriptionDeletedRevokes(t *testing.T) {
	f := newProcessorFixture(t)
	ctx := context.Background()

	_, err := f.proc.Process(ctx, f.checkoutEvent(t, "evt_c", "cs_sub", f.token(t)))
	require.NoError(t, err)

	outcome, err := f.proc.Process(ctx, GatewayEvent{
		ID:      "evt_del_unknown",
		Type:    EventCustomerSubscriptionDelete,
		Payload: json.RawMessage(`{"id":"sub_elsewhere","object":"subscription"}`),
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeIgnored, outcome)

	active, err := f.ents.IsActive(ctx, f.user.ID)
	require.NoError(t, err)
	assert.True(t, active)

	outcome, err = f.proc.Process(ctx, GatewayEvent{
		ID:      "evt_del",
		Type:    EventCustomerSubscriptionDelete,
		Payload: json.RawMessage(`{"id":"sub_cs_sub","object":"subscription"}`),
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeProcessed, outcome)

	active, err = f.ents.IsActive(ctx, f.user.ID)
	require.NoError(t, err)
	assert.False(t, active)
}

func invoicePayload(t *testing.T, id, sub, reason string, periodEnd time.Time) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(map[string]interface{}{
		"id":             id,
		"object":         "invoice",
		"subscription":   sub,
		"customer":       "cus_x",
		"amount_paid":    1999,
		"amount_due":     1999,
		"attempt_count":  2,
		"billing_reason": reason,
		"lines": map[string]interface{}{
			"object": "list",
			"data": []map[string]interface{}{{
				"id":     "il_1",
				"object": "line_item",
				"price":  map[string]interface{}{"id": "price_pro_yearly", "object": "price"},
				"period": map[string]interface{}{"start": periodEnd.AddDate(0, -1, 0).Unix(), "end": periodEnd.Unix()},
			}},
		},
	})
	require.NoError(t, err)
	return raw
}

func TestInvoiceSucceededRecordsAndRenews(t *testing.T) {
	f := newProcessorFixture(t)
	ctx := context.Background()

	_, err := f.proc.Process(ctx, f.checkoutEvent(t, "evt_c", "cs_inv", f.token(t)))
	require.NoError(t, err)

	renewTo := time.Now().UTC().AddDate(0, 3, 0).Truncate(time.Second)
	ev := GatewayEvent{ID: "evt_inv_1", Type: EventInvoicePaymentSucceeded, Payload: invoicePayload(t, "in_1", "sub_cs_inv", "subscription_cycle", renewTo)}

	outcome, err := f.proc.Process(ctx, ev)
	require.NoError(t, err)
	assert.Equal(t, OutcomeProcessed, outcome)

	user, err := f.ents.Get(ctx, f.user.ID)
	require.NoError(t, err)
	require.NotNil(t, user.PremiumExpiresAt)
	assert.WithinDuration(t, renewTo, user.PremiumExpiresAt.UTC(), time.Second)

	var audit models.Payment
	require.NoError(t, f.db.Where("gateway_invoice_id = ?", "in_1").First(&audit).Error)
	assert.Equal(t, models.PaymentStatusApproved, audit.Status)
	assert.Equal(t, models.PaymentSourceGatewayInvoice, audit.Source)
	assert.Equal(t, 12, audit.DurationMonths)

	outcome, err = f.proc.Process(ctx, ev)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, outcome)
	assert.Equal(t, int64(1), f.countPayments(t, "gateway_invoice_id = ?", "in_1"))
}

func TestInvoiceFailedNeverRevokes(t *testing.T) {
	f := newProcessorFixture(t)
	ctx := context.Background()

	_, err := f.proc.Process(ctx, f.checkoutEvent(t, "evt_c", "cs_fail", f.token(t)))
	require.NoError(t, err)

	outcome, err := f.proc.Process(ctx, GatewayEvent{
		ID:      "evt_inv_fail",
		Type:    EventInvoicePaymentFailed,
		Payload: invoicePayload(t, "in_fail", "sub_cs_fail", "subscription_cycle", time.Now().AddDate(0, 1, 0)),
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeProcessed, outcome)

	var audit models.Payment
	require.NoError(t, f.db.Where("gateway_invoice_id = ?", "in_fail").First(&audit).Error)
	assert.Equal(t, models.PaymentStatusRejected, audit.Status)
	assert.Contains(t, audit.RejectionReason, "attempt 2")

	active, err := f.ents.IsActive(ctx, f.user.ID)
	require.NoError(t, err)
	assert.True(t, active)
}

func TestInvoiceWithoutCorrelatedUserIsIgnored(t *testing.T) {
	f := newProcessorFixture(t)
	outcome, err := f.proc.Process(context.Background(), GatewayEvent{
		ID:      "evt_inv_orphan",
		Type:    EventInvoicePaymentSucceeded,
		Payload: invoicePayload(t, "in_orphan", "sub_nobody", "subscription_cycle", time.Now()),
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeIgnored, outcome)
	assert.Equal(t, int64(0), f.countPayments(t, "1 = 1"))
}
