package billing

import (
	"errors"
	"strings"

	"github.com/stripe/stripe-go/v76/webhook"
)

var ErrInvalidSignature = errors.New("billing: invalid webhook signature")

// VerifyStripeEvent checks the Stripe-Signature header against the raw body
// and returns the verified event. It is the only place raw bodies and the
// webhook secret meet; the processor receives the result.
func VerifyStripeEvent(payload []byte, signatureHeader, webhookSecret string) (GatewayEvent, error) {
	sig := strings.TrimSpace(signatureHeader)
	secret := strings.TrimSpace(webhookSecret)
	if sig == "" || secret == "" {
		return GatewayEvent{}, ErrInvalidSignature
	}

	event, err := webhook.ConstructEventWithOptions(payload, sig, secret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return GatewayEvent{}, errors.Join(ErrInvalidSignature, err)
	}

	out := GatewayEvent{ID: event.ID, Type: string(event.Type)}
	if event.Data != nil {
		out.Payload = event.Data.Raw
	}
	return out, nil
}
