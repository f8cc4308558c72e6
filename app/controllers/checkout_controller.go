package controllers

import (
	"context"

	"github.com/gofiber/fiber/v2"

	"github.com/ManuelReschke/PixelBooth/app/models"
	"github.com/ManuelReschke/PixelBooth/internal/pkg/billing"
)

// CheckoutCreator opens a gateway checkout for a user.
type CheckoutCreator interface {
	CreateCheckoutSession(ctx context.Context, userID uint, pkg models.Package) (*billing.CheckoutSession, error)
}

type CheckoutController struct {
	gateway CheckoutCreator
}

func NewCheckoutController(gateway CheckoutCreator) *CheckoutController {
	return &CheckoutController{gateway: gateway}
}

type checkoutRequest struct {
	Package string `json:"package" validate:"required,max=32"`
}

// HandleCreate starts a hosted checkout and returns the redirect URL.
func (cc *CheckoutController) HandleCreate(c *fiber.Ctx) error {
	var req checkoutRequest
	if ok, err := bindBody(c, &req); !ok {
		return err
	}
	pkg, err := models.ParsePackage(req.Package)
	if err != nil {
		return jsonError(c, fiber.StatusUnprocessableEntity, "validation_failed", err.Error())
	}
	ctx, cancel := requestContext(c)
	defer cancel()

	sess, err := cc.gateway.CreateCheckoutSession(ctx, actorFrom(c).UserID, pkg)
	if err != nil {
		return writeError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{"checkout": sess})
}
