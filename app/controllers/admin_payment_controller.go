package controllers

import (
	"github.com/gofiber/fiber/v2"

	"github.com/ManuelReschke/PixelBooth/internal/pkg/payment"
)

// AdminPaymentController serves the review queue.
type AdminPaymentController struct {
	payments *payment.Service
}

func NewAdminPaymentController(payments *payment.Service) *AdminPaymentController {
	return &AdminPaymentController{payments: payments}
}

type approveRequest struct {
	Notes string `json:"notes" validate:"max=2000"`
}

type rejectRequest struct {
	Reason string `json:"reason" validate:"max=2000"`
}

// HandleList lists payments by ?status=, defaulting to those awaiting review.
func (ac *AdminPaymentController) HandleList(c *fiber.Ctx) error {
	ctx, cancel := requestContext(c)
	defer cancel()

	list, err := ac.payments.ListByStatus(ctx, actorFrom(c), c.Query("status"))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(fiber.Map{"payments": list})
}

func (ac *AdminPaymentController) HandleApprove(c *fiber.Ctx) error {
	id, err := paramID(c)
	if err != nil {
		return jsonError(c, fiber.StatusBadRequest, "invalid_id", err.Error())
	}
	var req approveRequest
	if len(c.Body()) > 0 {
		if ok, err := bindBody(c, &req); !ok {
			return err
		}
	}
	ctx, cancel := requestContext(c)
	defer cancel()

	p, err := ac.payments.Approve(ctx, actorFrom(c), id, req.Notes)
	return writePayment(c, fiber.StatusOK, p, err)
}

func (ac *AdminPaymentController) HandleReject(c *fiber.Ctx) error {
	id, err := paramID(c)
	if err != nil {
		return jsonError(c, fiber.StatusBadRequest, "invalid_id", err.Error())
	}
	var req rejectRequest
	if ok, err := bindBody(c, &req); !ok {
		return err
	}
	ctx, cancel := requestContext(c)
	defer cancel()

	p, err := ac.payments.Reject(ctx, actorFrom(c), id, req.Reason)
	return writePayment(c, fiber.StatusOK, p, err)
}

// HandleRetry re-runs the outstanding activation steps of an approved payment.
func (ac *AdminPaymentController) HandleRetry(c *fiber.Ctx) error {
	if !actorFrom(c).IsAdmin() {
		return writeError(c, payment.ErrForbidden)
	}
	id, err := paramID(c)
	if err != nil {
		return jsonError(c, fiber.StatusBadRequest, "invalid_id", err.Error())
	}
	ctx, cancel := requestContext(c)
	defer cancel()

	p, err := ac.payments.ResumeApproval(ctx, id)
	return writePayment(c, fiber.StatusOK, p, err)
}
