package controllers

import (
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/ManuelReschke/PixelBooth/internal/pkg/entitlements"
	"github.com/ManuelReschke/PixelBooth/internal/pkg/quota"
	"github.com/ManuelReschke/PixelBooth/internal/pkg/usercontext"
)

// AccountController exposes the caller's entitlement and frame quota.
type AccountController struct {
	entitlements *entitlements.Manager
	ledger       *quota.Ledger
}

func NewAccountController(ents *entitlements.Manager, ledger *quota.Ledger) *AccountController {
	return &AccountController{entitlements: ents, ledger: ledger}
}

// HandleEntitlement reports whether Pro is active and until when.
func (ac *AccountController) HandleEntitlement(c *fiber.Ctx) error {
	userID := usercontext.GetUserID(c)
	ctx, cancel := requestContext(c)
	defer cancel()

	user, err := ac.entitlements.Get(ctx, userID)
	if err != nil {
		return writeError(c, err)
	}
	active := user.HasActivePremium(ac.entitlements.Now())

	return c.JSON(fiber.Map{
		"is_active":  active,
		"tier":       user.EffectiveTier(ac.entitlements.Now()),
		"expires_at": formatTimePtr(user.PremiumExpiresAt),
	})
}

// HandleQuota returns today's frame usage.
func (ac *AccountController) HandleQuota(c *fiber.Ctx) error {
	ctx, cancel := requestContext(c)
	defer cancel()

	usage, err := ac.ledger.Usage(ctx, usercontext.GetUserID(c))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(usage)
}

// HandleConsumeFrame records one frame against today's quota.
func (ac *AccountController) HandleConsumeFrame(c *fiber.Ctx) error {
	ctx, cancel := requestContext(c)
	defer cancel()

	rec, err := ac.ledger.Consume(ctx, usercontext.GetUserID(c))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(fiber.Map{
		"day":       rec.Day,
		"tier":      rec.Tier,
		"used":      rec.Count,
		"limit":     rec.Cap,
		"remaining": rec.Remaining(),
		"unlimited": rec.IsUnlimited(),
	})
}

func formatTimePtr(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339)
}
