package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/contrib/swagger"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"
	"github.com/gofiber/fiber/v2/middleware/logger"
	fiberrecover "github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/ManuelReschke/PixelBooth/app/controllers"
	"github.com/ManuelReschke/PixelBooth/internal/pkg/billing"
	"github.com/ManuelReschke/PixelBooth/internal/pkg/cache"
	"github.com/ManuelReschke/PixelBooth/internal/pkg/database"
	"github.com/ManuelReschke/PixelBooth/internal/pkg/entitlements"
	"github.com/ManuelReschke/PixelBooth/internal/pkg/env"
	"github.com/ManuelReschke/PixelBooth/internal/pkg/jobqueue"
	"github.com/ManuelReschke/PixelBooth/internal/pkg/mail"
	"github.com/ManuelReschke/PixelBooth/internal/pkg/middleware"
	"github.com/ManuelReschke/PixelBooth/internal/pkg/notification"
	"github.com/ManuelReschke/PixelBooth/internal/pkg/payment"
	"github.com/ManuelReschke/PixelBooth/internal/pkg/quota"
	"github.com/ManuelReschke/PixelBooth/internal/pkg/router"
)

// Application owns every long-lived handle so shutdown can release them.
type Application struct {
	App     *fiber.App
	Jobs    *jobqueue.Manager
	Redis   *redis.Client
	closeDB func() error
}

func main() {
	env.SetupEnvFile()

	application, err := NewApplication()
	if err != nil {
		log.Fatalf("[App] Startup failed: %v", err)
	}

	application.Jobs.Start()

	go func() {
		addr := fmt.Sprintf("%s:%s", env.GetEnv("APP_HOST", "localhost"), env.GetEnv("APP_PORT", "4000"))
		if err := application.App.Listen(addr); err != nil {
			log.Errorf("[App] Server stopped: %v", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	application.Shutdown(10 * time.Second)
}

// NewApplication builds the dependency graph from the environment.
func NewApplication() (*Application, error) {
	db, err := database.Setup(database.ConfigFromEnv())
	if err != nil {
		return nil, fmt.Errorf("database: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("database handle: %w", err)
	}

	cacheCfg := cache.ConfigFromEnv()
	rdb := cache.New(cacheCfg)

	ents := entitlements.NewManager(db)
	ledger := quota.NewLedger(db, ents, quota.ConfigFromEnv())
	notifications := notification.NewStore(db)
	var notifier notification.Notifier = notifications
	if mailCfg := mail.ConfigFromEnv(); mailCfg.Enabled() {
		notifier = notification.Fanout{notifications, mail.NewNotifier(mail.NewMailer(mailCfg, nil), db)}
	}

	queue := jobqueue.NewQueue(rdb, jobqueue.WorkersFromEnv(), nil)
	payments := payment.NewServiceFromDB(db, ents, ledger,
		payment.WithNotifier(notifier),
		payment.WithReconciler(queue),
		payment.WithStepTimeout(payment.StepTimeoutFromEnv()),
	)
	queue.SetApprovals(payments)
	jobs := jobqueue.NewManager(queue, payments, jobqueue.ReconcileIntervalFromEnv())

	stripeCfg := billing.StripeConfigFromEnv()
	prices := billing.PriceCatalogFromEnv()
	tokens, err := billing.NewCheckoutTokens(stripeCfg.TokenSecret, env.GetEnvDuration("CHECKOUT_TOKEN_TTL", billing.DefaultCheckoutTokenTTL))
	if err != nil {
		// Manual payments keep working; checkout and checkout webhooks do not.
		log.Warnf("[App] Gateway checkout disabled: %v", err)
	}
	gateway := billing.NewStripeGateway(billing.NewStripeSessionClient(stripeCfg.SecretKey), tokens, prices, stripeCfg)
	processor := billing.NewProcessorFromDB(db, payments, ents, tokens, prices)

	app := fiber.New(fiber.Config{
		AppName:   "PixelBooth",
		BodyLimit: 1 << 20,
	})

	app.Use(fiberrecover.New(), requestid.New(requestid.Config{Generator: uuid.NewString}), logger.New(logger.Config{
		Format: "${time} ${locals:requestid} ${status} - ${latency} ${method} ${path}\n",
	}))

	app.Use(swagger.New(swagger.Config{
		BasePath: "/docs/api/",
		FilePath: env.GetEnv("OPENAPI_FILE", "./public/docs/v1/openapi.yml"),
		Path:     "v1",
	}))

	router.InstallRouter(app, router.NewApiRouter(router.Controllers{
		Payments:      controllers.NewPaymentController(payments),
		AdminPayments: controllers.NewAdminPaymentController(payments),
		Account:       controllers.NewAccountController(ents, ledger),
		Checkout:      controllers.NewCheckoutController(gateway),
		Webhooks:      controllers.NewWebhookController(processor, billing.VerifyStripeEvent, stripeCfg.WebhookSecret),
		Notifications: controllers.NewNotificationController(notifications),
	}, router.ApiConfig{
		ProxySecret:    middleware.ProxySecretFromEnv(),
		LimiterStorage: limiterStorage(cacheCfg),
		RateLimit:      env.GetEnvInt("API_RATE_LIMIT", 60),
		RateWindow:     env.GetEnvDuration("API_RATE_WINDOW", time.Minute),
	}))

	return &Application{App: app, Jobs: jobs, Redis: rdb, closeDB: sqlDB.Close}, nil
}

// limiterStorage falls back to in-memory counters when Redis is unreachable;
// the storage constructor panics on a failed ping.
func limiterStorage(cfg cache.Config) (storage fiber.Storage) {
	defer func() {
		if r := recover(); r != nil {
			log.Warnf("[App] Rate limiter uses memory storage: %v", r)
			storage = nil
		}
	}()
	return router.NewLimiterStorage(cfg)
}

// Shutdown stops the server first so no new approvals start, then the workers.
func (a *Application) Shutdown(timeout time.Duration) {
	log.Info("[App] Shutting down...")
	if err := a.App.ShutdownWithTimeout(timeout); err != nil {
		log.Errorf("[App] HTTP shutdown: %v", err)
	}
	a.Jobs.Stop()
	if err := a.Redis.Close(); err != nil {
		log.Errorf("[App] Redis close: %v", err)
	}
	if err := a.closeDB(); err != nil {
		log.Errorf("[App] Database close: %v", err)
	}
	log.Info("[App] Bye")
}
