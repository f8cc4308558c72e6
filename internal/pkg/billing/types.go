package billing

import (
	"encoding/json"
	"strings"
)

// Gateway event types the processor acts on.
const (
	EventCheckoutSessionCompleted   = "checkout.session.completed"
	EventCustomerSubscriptionDelete = "customer.subscription.deleted"
	EventInvoicePaymentSucceeded    = "invoice.payment_succeeded"
	EventInvoicePaymentFailed       = "invoice.payment_failed"
)

// GatewayEvent is a verified gateway event. Payload is the event's data object.
type GatewayEvent struct {
	ID      string
	Type    string
	Payload json.RawMessage
}

// Outcome tells the HTTP adapter how an event ended.
type Outcome string

const (
	// OutcomeProcessed means the event changed state as intended.
	OutcomeProcessed Outcome = "processed"
	// OutcomeDuplicate means the event was already processed successfully.
	OutcomeDuplicate Outcome = "duplicate"
	// OutcomeIgnored covers unknown types and payloads that can never succeed.
	OutcomeIgnored Outcome = "ignored"
	// OutcomeDegraded means the payment was committed but a follow-up step
	// failed and was scheduled for reconciliation.
	OutcomeDegraded Outcome = "degraded"
	// OutcomeFailed is a transient failure; the gateway should redeliver.
	OutcomeFailed Outcome = "failed"
)

// WebhookEventInput is the normalized input for webhook event persistence.
type WebhookEventInput struct {
	Provider        string
	ProviderEventID string
	EventType       string
	Payload         json.RawMessage
}

func normalizeEventType(t string) string {
	return strings.ToLower(strings.TrimSpace(t))
}
