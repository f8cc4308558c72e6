package controllers

import (
	"context"
	"errors"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/PixelBooth/internal/pkg/billing"
)

// EventProcessor applies a verified gateway event.
type EventProcessor interface {
	Process(ctx context.Context, event billing.GatewayEvent) (billing.Outcome, error)
}

// EventVerifier authenticates a raw webhook body.
type EventVerifier func(payload []byte, signatureHeader, secret string) (billing.GatewayEvent, error)

type WebhookController struct {
	processor EventProcessor
	verify    EventVerifier
	secret    string
}

func NewWebhookController(processor EventProcessor, verify EventVerifier, secret string) *WebhookController {
	if verify == nil {
		verify = billing.VerifyStripeEvent
	}
	return &WebhookController{processor: processor, verify: verify, secret: strings.TrimSpace(secret)}
}

// HandleStripe verifies and processes a Stripe webhook delivery. Anything
// other than 2xx makes Stripe redeliver, so only transient failures answer 500.
func (wc *WebhookController) HandleStripe(c *fiber.Ctx) error {
	rawBody := append([]byte(nil), c.BodyRaw()...)

	event, err := wc.verify(rawBody, c.Get("Stripe-Signature"), wc.secret)
	if err != nil {
		log.Warnf("[Billing] Rejected webhook: %v", err)
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_signature"})
	}

	ctx, cancel := requestContext(c)
	defer cancel()

	outcome, err := wc.processor.Process(ctx, event)
	switch {
	case outcome == billing.OutcomeDegraded:
		msg := "follow-up step scheduled for reconciliation"
		if err != nil {
			msg = err.Error()
		}
		return c.Status(fiber.StatusOK).JSON(fiber.Map{"ok": true, "outcome": outcome, "warning": msg})
	case err != nil && !errors.Is(err, billing.ErrPermanent):
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "webhook_processing_failed", "outcome": billing.OutcomeFailed})
	}
	return c.Status(fiber.StatusOK).JSON(fiber.Map{"ok": true, "outcome": outcome})
}
