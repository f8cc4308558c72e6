// Package billing turns verified payment gateway events into payment and
// entitlement changes. Every handler is safe under redelivery.
package billing

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/shopspring/decimal"
	"github.com/stripe/stripe-go/v76"
	"gorm.io/gorm"

	"github.com/ManuelReschke/PixelBooth/app/models"
	"github.com/ManuelReschke/PixelBooth/internal/pkg/entitlements"
	"github.com/ManuelReschke/PixelBooth/internal/pkg/payment"
)

// ErrPermanent marks an event that can never succeed, so the gateway should
// stop retrying it.
var ErrPermanent = errors.New("billing: event cannot be processed")

func permanent(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrPermanent, fmt.Sprintf(format, args...))
}

// Payments is the part of the payment service the processor drives.
type Payments interface {
	ApproveGatewayCheckout(ctx context.Context, in payment.GatewayCheckout) (*models.Payment, bool, error)
	RecordInvoice(ctx context.Context, in payment.GatewayInvoice) (*models.Payment, bool, error)
}

// Entitlements is the part of the entitlement manager the processor drives.
type Entitlements interface {
	RevokeBySubscription(ctx context.Context, subscriptionRef string) (bool, error)
	ExtendUntil(ctx context.Context, userID uint, until time.Time, ref *entitlements.CorrelationRef) (time.Time, error)
}

// Processor handles verified gateway events.
type Processor struct {
	repo     Repository
	payments Payments
	ents     Entitlements
	tokens   *CheckoutTokens
	prices   *PriceCatalog
}

func NewProcessor(repo Repository, payments Payments, ents Entitlements, tokens *CheckoutTokens, prices *PriceCatalog) *Processor {
	if prices == nil {
		prices = NewPriceCatalog()
	}
	return &Processor{repo: repo, payments: payments, ents: ents, tokens: tokens, prices: prices}
}

// NewProcessorFromDB creates a processor from a GORM DB handle.
func NewProcessorFromDB(db *gorm.DB, payments Payments, ents Entitlements, tokens *CheckoutTokens, prices *PriceCatalog) *Processor {
	return NewProcessor(NewRepository(db), payments, ents, tokens, prices)
}

// Process records the event and dispatches it. An event that already
// completed once returns OutcomeDuplicate without side effects. A non-nil
// error is returned only for transient failures.
func (p *Processor) Process(ctx context.Context, event GatewayEvent) (Outcome, error) {
	eventType := normalizeEventType(event.Type)
	eventID := strings.TrimSpace(event.ID)
	if eventID == "" {
		sum := sha256.Sum256(event.Payload)
		eventID = "hash:" + hex.EncodeToString(sum[:])
	}

	payload := event.Payload
	if len(payload) == 0 || !json.Valid(payload) {
		payload = json.RawMessage("null")
	}
	_, stored, err := p.repo.CreateWebhookEventIfNotExists(ctx, &models.BillingWebhookEvent{
		Provider:        models.BillingProviderStripe,
		ProviderEventID: eventID,
		EventType:       eventType,
		Payload:         []byte(payload),
	})
	if err != nil {
		return OutcomeFailed, fmt.Errorf("billing: record event %s: %w", eventID, err)
	}
	if stored.ProcessedSuccessfully() {
		log.Infof("[Billing] Event %s (%s) already processed", eventID, eventType)
		return OutcomeDuplicate, nil
	}

	outcome, handleErr := p.dispatch(ctx, eventType, event.Payload)

	switch {
	case handleErr == nil:
		if err := p.repo.MarkWebhookProcessed(ctx, stored.ID, ""); err != nil {
			return OutcomeFailed, fmt.Errorf("billing: mark event %s processed: %w", eventID, err)
		}
		return outcome, nil

	case errors.Is(handleErr, ErrPermanent):
		log.Warnf("[Billing] Ignoring event %s (%s): %v", eventID, eventType, handleErr)
		if err := p.repo.MarkWebhookProcessed(ctx, stored.ID, handleErr.Error()); err != nil {
			return OutcomeFailed, fmt.Errorf("billing: mark event %s processed: %w", eventID, err)
		}
		return OutcomeIgnored, nil

	case payment.IsPartialFailure(handleErr):
		// Payment committed; the reconcile job owns the rest. Leaving the
		// error on the row lets a redelivery resume the same payment.
		log.Errorf("[Billing] Event %s (%s) degraded: %v", eventID, eventType, handleErr)
		if err := p.repo.MarkWebhookFailed(ctx, stored.ID, handleErr.Error()); err != nil {
			log.Errorf("[Billing] Could not record degraded event %s: %v", eventID, err)
		}
		return OutcomeDegraded, nil

	default:
		log.Errorf("[Billing] Event %s (%s) failed: %v", eventID, eventType, handleErr)
		if err := p.repo.MarkWebhookFailed(ctx, stored.ID, handleErr.Error()); err != nil {
			log.Errorf("[Billing] Could not record failure of event %s: %v", eventID, err)
		}
		return OutcomeFailed, handleErr
	}
}

func (p *Processor) dispatch(ctx context.Context, eventType string, payload json.RawMessage) (Outcome, error) {
	switch eventType {
	case EventCheckoutSessionCompleted:
		return p.HandleCheckoutCompleted(ctx, payload)
	case EventCustomerSubscriptionDelete:
		return p.HandleSubscriptionDeleted(ctx, payload)
	case EventInvoicePaymentSucceeded:
		return p.HandleInvoice(ctx, payload, true)
	case EventInvoicePaymentFailed:
		return p.HandleInvoice(ctx, payload, false)
	default:
		return OutcomeIgnored, nil
	}
}

// HandleCheckoutCompleted approves a paid checkout for the user named by the
// signed correlation token. Emails and other free text are never used to
// resolve the user.
func (p *Processor) HandleCheckoutCompleted(ctx context.Context, payload json.RawMessage) (Outcome, error) {
	var session stripe.CheckoutSession
	if err := json.Unmarshal(payload, &session); err != nil {
		return OutcomeIgnored, permanent("decode checkout session: %v", err)
	}
	if session.ID == "" {
		return OutcomeIgnored, permanent("checkout session without id")
	}
	if session.PaymentStatus == stripe.CheckoutSessionPaymentStatusUnpaid {
		log.Infof("[Billing] Checkout %s completed unpaid, waiting for payment", session.ID)
		return OutcomeIgnored, nil
	}

	claims, err := p.resolveCheckoutClaims(&session)
	if err != nil {
		return OutcomeIgnored, permanent("checkout %s: %v", session.ID, err)
	}
	exists, err := p.repo.UserExists(ctx, claims.UserID)
	if err != nil {
		return OutcomeFailed, fmt.Errorf("billing: lookup user %d: %w", claims.UserID, err)
	}
	if !exists {
		return OutcomeIgnored, permanent("checkout %s: user %d does not exist", session.ID, claims.UserID)
	}

	in := payment.GatewayCheckout{
		UserID:         claims.UserID,
		Package:        claims.Package,
		Amount:         decimal.New(session.AmountTotal, -2),
		DurationMonths: claims.Months,
		SessionID:      session.ID,
	}
	if session.PaymentIntent != nil {
		in.PaymentIntentID = session.PaymentIntent.ID
	}
	if session.Customer != nil {
		in.CustomerRef = session.Customer.ID
	}
	if session.Subscription != nil {
		in.SubscriptionRef = session.Subscription.ID
	}

	pay, created, err := p.payments.ApproveGatewayCheckout(ctx, in)
	if err != nil {
		if errors.Is(err, payment.ErrValidation) {
			return OutcomeIgnored, permanent("checkout %s: %v", session.ID, err)
		}
		return OutcomeFailed, err
	}
	if !created {
		return OutcomeDuplicate, nil
	}
	log.Infof("[Billing] Checkout %s granted pro to user %d via payment %d", session.ID, pay.UserID, pay.ID)
	return OutcomeProcessed, nil
}

func (p *Processor) resolveCheckoutClaims(session *stripe.CheckoutSession) (*CheckoutClaims, error) {
	if p.tokens == nil {
		return nil, errors.New("checkout tokens are not configured")
	}
	token := strings.TrimSpace(session.ClientReferenceID)
	if token == "" && session.Metadata != nil {
		token = strings.TrimSpace(session.Metadata["checkout_token"])
	}
	if token == "" {
		return nil, fmt.Errorf("%w: missing", ErrInvalidCheckoutToken)
	}
	return p.tokens.Verify(token)
}

// HandleSubscriptionDeleted revokes the user linked to the subscription.
// A subscription nobody correlates with is not an error.
func (p *Processor) HandleSubscriptionDeleted(ctx context.Context, payload json.RawMessage) (Outcome, error) {
	var sub stripe.Subscription
	if err := json.Unmarshal(payload, &sub); err != nil {
		return OutcomeIgnored, permanent("decode subscription: %v", err)
	}
	if sub.ID == "" {
		return OutcomeIgnored, permanent("subscription without id")
	}

	found, err := p.ents.RevokeBySubscription(ctx, sub.ID)
	if err != nil {
		return OutcomeFailed, err
	}
	if !found {
		log.Infof("[Billing] Subscription %s deleted but no user correlates", sub.ID)
		return OutcomeIgnored, nil
	}
	return OutcomeProcessed, nil
}

// HandleInvoice appends an audit payment for a recurring invoice. A failed
// invoice does not revoke; the gateway's subscription deletion does that
// after its own grace period. A paid renewal extends the entitlement to the
// end of the billed period.
func (p *Processor) HandleInvoice(ctx context.Context, payload json.RawMessage, paid bool) (Outcome, error) {
	var inv stripe.Invoice
	if err := json.Unmarshal(payload, &inv); err != nil {
		return OutcomeIgnored, permanent("decode invoice: %v", err)
	}
	if inv.ID == "" {
		return OutcomeIgnored, permanent("invoice without id")
	}

	var subRef, customerRef, intentRef string
	if inv.Subscription != nil {
		subRef = inv.Subscription.ID
	}
	if inv.Customer != nil {
		customerRef = inv.Customer.ID
	}
	if inv.PaymentIntent != nil {
		intentRef = inv.PaymentIntent.ID
	}

	userID, err := p.repo.FindUserIDByGatewayRef(ctx, subRef, customerRef)
	if err != nil {
		return OutcomeFailed, fmt.Errorf("billing: correlate invoice %s: %w", inv.ID, err)
	}
	if userID == 0 {
		log.Infof("[Billing] Invoice %s has no correlated user", inv.ID)
		return OutcomeIgnored, nil
	}

	in := payment.GatewayInvoice{
		UserID:          userID,
		InvoiceID:       inv.ID,
		PaymentIntentID: intentRef,
		CustomerRef:     customerRef,
		SubscriptionRef: subRef,
		DurationMonths:  p.invoiceMonths(&inv),
		Paid:            paid,
	}
	if paid {
		in.Amount = decimal.New(inv.AmountPaid, -2)
	} else {
		in.Amount = decimal.New(inv.AmountDue, -2)
		in.FailureReason = fmt.Sprintf("invoice payment failed (attempt %d)", inv.AttemptCount)
	}

	_, created, err := p.payments.RecordInvoice(ctx, in)
	if err != nil {
		if errors.Is(err, payment.ErrValidation) {
			return OutcomeIgnored, permanent("invoice %s: %v", inv.ID, err)
		}
		return OutcomeFailed, err
	}

	if paid && inv.BillingReason == stripe.InvoiceBillingReasonSubscriptionCycle {
		end := invoicePeriodEnd(&inv)
		if end.IsZero() {
			return OutcomeIgnored, permanent("invoice %s has no period end", inv.ID)
		}
		ref := &entitlements.CorrelationRef{CustomerRef: customerRef, SubscriptionRef: subRef}
		if _, err := p.ents.ExtendUntil(ctx, userID, end, ref); err != nil {
			return OutcomeFailed, err
		}
	}

	if !created {
		return OutcomeDuplicate, nil
	}
	return OutcomeProcessed, nil
}

func (p *Processor) invoiceMonths(inv *stripe.Invoice) int {
	if inv.Lines == nil {
		return 1
	}
	for _, line := range inv.Lines.Data {
		if line == nil || line.Price == nil {
			continue
		}
		if price, ok := p.prices.ByID(line.Price.ID); ok {
			return price.Months
		}
	}
	return 1
}

// invoicePeriodEnd is the latest line period end, which for a subscription
// invoice is the end of the newly paid period.
func invoicePeriodEnd(inv *stripe.Invoice) time.Time {
	var end int64
	if inv.Lines != nil {
		for _, line := range inv.Lines.Data {
			if line != nil && line.Period != nil && line.Period.End > end {
				end = line.Period.End
			}
		}
	}
	if end == 0 {
		end = inv.PeriodEnd
	}
	if end == 0 {
		return time.Time{}
	}
	return time.Unix(end, 0).UTC()
}
