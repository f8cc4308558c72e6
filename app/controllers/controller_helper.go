package controllers

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/PixelBooth/app/models"
	"github.com/ManuelReschke/PixelBooth/internal/pkg/billing"
	"github.com/ManuelReschke/PixelBooth/internal/pkg/entitlements"
	"github.com/ManuelReschke/PixelBooth/internal/pkg/notification"
	"github.com/ManuelReschke/PixelBooth/internal/pkg/payment"
	"github.com/ManuelReschke/PixelBooth/internal/pkg/quota"
	"github.com/ManuelReschke/PixelBooth/internal/pkg/usercontext"
)

const requestTimeout = 15 * time.Second

var validate = validator.New()

// requestContext bounds a handler's downstream calls.
func requestContext(c *fiber.Ctx) (context.Context, context.CancelFunc) {
	return context.WithTimeout(c.UserContext(), requestTimeout)
}

func actorFrom(c *fiber.Ctx) payment.Actor {
	uc := usercontext.GetUserContext(c)
	return payment.Actor{UserID: uc.UserID, Role: uc.Role}
}

func paramID(c *fiber.Ctx) (uint, error) {
	id, err := strconv.ParseUint(c.Params("id"), 10, 64)
	if err != nil || id == 0 {
		return 0, errors.New("invalid id")
	}
	return uint(id), nil
}

func jsonError(c *fiber.Ctx, status int, code, message string) error {
	return c.Status(status).JSON(fiber.Map{"error": code, "message": message})
}

// bindBody decodes and validates a JSON request body. When it reports false
// the error response has already been written.
func bindBody(c *fiber.Ctx, out interface{}) (bool, error) {
	if err := c.BodyParser(out); err != nil {
		return false, jsonError(c, fiber.StatusBadRequest, "invalid_body", "Request body is not valid JSON")
	}
	if err := validate.Struct(out); err != nil {
		return false, jsonError(c, fiber.StatusUnprocessableEntity, "validation_failed", err.Error())
	}
	return true, nil
}

// writeError maps engine errors onto HTTP responses.
func writeError(c *fiber.Ctx, err error) error {
	var quotaErr *quota.QuotaExceededError
	var transitionErr *payment.InvalidTransitionError

	switch {
	case errors.As(err, &quotaErr):
		return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
			"error":   "quota_exceeded",
			"message": quotaErr.Error(),
			"tier":    quotaErr.Tier,
			"used":    quotaErr.Count,
			"limit":   quotaErr.Cap,
			"upgrade": quotaErr.UpgradeAction,
		})
	case errors.As(err, &transitionErr):
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{
			"error":          "invalid_state_transition",
			"message":        transitionErr.Error(),
			"current_status": transitionErr.Current,
		})
	case errors.Is(err, payment.ErrValidation), errors.Is(err, payment.ErrMissingReason):
		return jsonError(c, fiber.StatusUnprocessableEntity, "validation_failed", err.Error())
	case errors.Is(err, billing.ErrUnknownPrice):
		return jsonError(c, fiber.StatusUnprocessableEntity, "validation_failed", err.Error())
	case errors.Is(err, payment.ErrDuplicatePendingPayment):
		return jsonError(c, fiber.StatusConflict, "duplicate_pending_payment", err.Error())
	case errors.Is(err, payment.ErrPaymentNotFound),
		errors.Is(err, entitlements.ErrUserNotFound),
		errors.Is(err, notification.ErrNotFound):
		return jsonError(c, fiber.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, payment.ErrForbidden):
		return jsonError(c, fiber.StatusForbidden, "forbidden", err.Error())
	case errors.Is(err, billing.ErrGatewayNotConfigured):
		return jsonError(c, fiber.StatusServiceUnavailable, "gateway_unavailable", err.Error())
	default:
		log.Errorf("[HTTP] %s %s failed: %v", c.Method(), c.Path(), err)
		return jsonError(c, fiber.StatusInternalServerError, "internal_server_error", "Request failed")
	}
}

// writePayment answers with the payment, or with 202 and a warning when the
// payment committed but a follow-up step is pending reconciliation.
func writePayment(c *fiber.Ctx, status int, p *models.Payment, err error) error {
	if err != nil {
		if payment.IsPartialFailure(err) && p != nil {
			return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
				"payment": p,
				"warning": err.Error(),
			})
		}
		return writeError(c, err)
	}
	return c.Status(status).JSON(fiber.Map{"payment": p})
}
