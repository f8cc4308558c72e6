package router

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"

	"github.com/ManuelReschke/PixelBooth/app/controllers"
	"github.com/ManuelReschke/PixelBooth/internal/pkg/middleware"
)

// Controllers groups the handlers mounted under /api/v1.
type Controllers struct {
	Payments      *controllers.PaymentController
	AdminPayments *controllers.AdminPaymentController
	Account       *controllers.AccountController
	Checkout      *controllers.CheckoutController
	Webhooks      *controllers.WebhookController
	Notifications *controllers.NotificationController
}

// ApiConfig tunes the API middleware stack.
type ApiConfig struct {
	ProxySecret string
	// LimiterStorage backs the rate limiter; nil keeps counters in memory.
	LimiterStorage fiber.Storage
	RateLimit      int
	RateWindow     time.Duration
}

type ApiRouter struct {
	c   Controllers
	cfg ApiConfig
}

func NewApiRouter(c Controllers, cfg ApiConfig) *ApiRouter {
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = 60
	}
	if cfg.RateWindow <= 0 {
		cfg.RateWindow = time.Minute
	}
	return &ApiRouter{c: c, cfg: cfg}
}

func (h ApiRouter) InstallRouter(app *fiber.App) {
	api := app.Group("/api")
	api.Get("/", func(ctx *fiber.Ctx) error {
		return ctx.Status(fiber.StatusOK).JSON(fiber.Map{
			"message": "Hello from api",
		})
	})

	v1 := api.Group("/v1")

	// Gateway callbacks authenticate by signature, not by proxy identity, and
	// must not be rate limited. Registered before the group middleware so
	// they never reach it.
	v1.Post("/webhooks/stripe", h.c.Webhooks.HandleStripe)

	authed := v1.Group("",
		limiter.New(limiter.Config{
			Max:        h.cfg.RateLimit,
			Expiration: h.cfg.RateWindow,
			Storage:    h.cfg.LimiterStorage,
		}),
		middleware.ProxyIdentity(h.cfg.ProxySecret),
		middleware.RequireAPIAuth,
	)

	authed.Post("/payments", h.c.Payments.HandleCreate)
	authed.Get("/payments", h.c.Payments.HandleList)
	authed.Get("/payments/:id", h.c.Payments.HandleGet)
	authed.Post("/payments/:id/proof", h.c.Payments.HandleUploadProof)
	authed.Delete("/payments/:id", h.c.Payments.HandleCancel)

	authed.Post("/checkout", h.c.Checkout.HandleCreate)

	authed.Get("/me/entitlement", h.c.Account.HandleEntitlement)
	authed.Get("/frames/quota", h.c.Account.HandleQuota)
	authed.Post("/frames/quota", h.c.Account.HandleConsumeFrame)

	authed.Get("/notifications", h.c.Notifications.HandleList)
	authed.Post("/notifications/:id/read", h.c.Notifications.HandleMarkRead)

	admin := authed.Group("/admin", middleware.RequireAPIAdmin)
	admin.Get("/payments", h.c.AdminPayments.HandleList)
	admin.Post("/payments/:id/approve", h.c.AdminPayments.HandleApprove)
	admin.Post("/payments/:id/reject", h.c.AdminPayments.HandleReject)
	admin.Post("/payments/:id/retry", h.c.AdminPayments.HandleRetry)
}
