package controllers

import (
	"github.com/gofiber/fiber/v2"

	"github.com/ManuelReschke/PixelBooth/internal/pkg/payment"
)

// PaymentController serves the user's side of the manual payment flow.
type PaymentController struct {
	payments *payment.Service
}

func NewPaymentController(payments *payment.Service) *PaymentController {
	return &PaymentController{payments: payments}
}

type proofRequest struct {
	ProofRef string `json:"proof_ref" validate:"required,max=500"`
}

// HandleCreate opens a manual payment.
func (pc *PaymentController) HandleCreate(c *fiber.Ctx) error {
	var in payment.CreateInput
	if err := c.BodyParser(&in); err != nil {
		return jsonError(c, fiber.StatusBadRequest, "invalid_body", "Request body is not valid JSON")
	}
	ctx, cancel := requestContext(c)
	defer cancel()

	p, err := pc.payments.Create(ctx, actorFrom(c), in)
	return writePayment(c, fiber.StatusCreated, p, err)
}

// HandleList returns the caller's payments, newest first.
func (pc *PaymentController) HandleList(c *fiber.Ctx) error {
	ctx, cancel := requestContext(c)
	defer cancel()

	list, err := pc.payments.ListForUser(ctx, actorFrom(c))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(fiber.Map{"payments": list})
}

func (pc *PaymentController) HandleGet(c *fiber.Ctx) error {
	id, err := paramID(c)
	if err != nil {
		return jsonError(c, fiber.StatusBadRequest, "invalid_id", err.Error())
	}
	ctx, cancel := requestContext(c)
	defer cancel()

	p, err := pc.payments.Get(ctx, actorFrom(c), id)
	return writePayment(c, fiber.StatusOK, p, err)
}

// HandleUploadProof attaches the transfer proof and submits for review.
func (pc *PaymentController) HandleUploadProof(c *fiber.Ctx) error {
	id, err := paramID(c)
	if err != nil {
		return jsonError(c, fiber.StatusBadRequest, "invalid_id", err.Error())
	}
	var req proofRequest
	if ok, err := bindBody(c, &req); !ok {
		return err
	}
	ctx, cancel := requestContext(c)
	defer cancel()

	p, err := pc.payments.UploadProof(ctx, actorFrom(c), id, req.ProofRef)
	return writePayment(c, fiber.StatusOK, p, err)
}

func (pc *PaymentController) HandleCancel(c *fiber.Ctx) error {
	id, err := paramID(c)
	if err != nil {
		return jsonError(c, fiber.StatusBadRequest, "invalid_id", err.Error())
	}
	ctx, cancel := requestContext(c)
	defer cancel()

	p, err := pc.payments.Cancel(ctx, actorFrom(c), id)
	return writePayment(c, fiber.StatusOK, p, err)
}
