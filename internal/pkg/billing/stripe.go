package billing

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/gofiber/fiber/v2/log"
	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/checkout/session"

	"github.com/ManuelReschke/PixelBooth/app/models"
	"github.com/ManuelReschke/PixelBooth/internal/pkg/env"
)

var (
	ErrGatewayNotConfigured = errors.New("billing: payment gateway is not configured")
	ErrUnknownPrice         = errors.New("billing: package has no gateway price")
)

// StripeConfig holds the gateway settings read from the environment.
type StripeConfig struct {
	SecretKey     string
	WebhookSecret string
	SuccessURL    string
	CancelURL     string
	TokenSecret   string
}

// StripeConfigFromEnv reads the STRIPE_* and CHECKOUT_* variables.
func StripeConfigFromEnv() StripeConfig {
	return StripeConfig{
		SecretKey:     env.GetEnv("STRIPE_SECRET_KEY", ""),
		WebhookSecret: env.GetEnv("STRIPE_WEBHOOK_SECRET", ""),
		SuccessURL:    env.GetEnv("CHECKOUT_SUCCESS_URL", "http://localhost:8080/billing/success"),
		CancelURL:     env.GetEnv("CHECKOUT_CANCEL_URL", "http://localhost:8080/billing/cancel"),
		TokenSecret:   env.GetEnv("CHECKOUT_TOKEN_SECRET", ""),
	}
}

// SessionCreator is the Stripe call used to open a checkout.
type SessionCreator interface {
	New(params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error)
}

// CheckoutSession is what the client needs to redirect the user.
type CheckoutSession struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

// StripeGateway opens Stripe checkout sessions that carry a signed
// correlation token back to the webhook.
type StripeGateway struct {
	sessions SessionCreator
	tokens   *CheckoutTokens
	prices   *PriceCatalog
	cfg      StripeConfig
}

func NewStripeGateway(sessions SessionCreator, tokens *CheckoutTokens, prices *PriceCatalog, cfg StripeConfig) *StripeGateway {
	return &StripeGateway{sessions: sessions, tokens: tokens, prices: prices, cfg: cfg}
}

// NewStripeSessionClient returns the SDK client for checkout sessions.
func NewStripeSessionClient(secretKey string) SessionCreator {
	return &session.Client{B: stripe.GetBackend(stripe.APIBackend), Key: secretKey}
}

// CreateCheckoutSession opens a subscription checkout for pkg.
func (g *StripeGateway) CreateCheckoutSession(ctx context.Context, userID uint, pkg models.Package) (*CheckoutSession, error) {
	if g == nil || g.sessions == nil || g.tokens == nil || g.cfg.SecretKey == "" {
		return nil, ErrGatewayNotConfigured
	}
	if pkg.IsLegacy() {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPrice, pkg)
	}
	price, ok := g.prices.ForPackage(pkg)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPrice, pkg)
	}

	token, err := g.tokens.Issue(userID, pkg, price.Months)
	if err != nil {
		return nil, fmt.Errorf("billing: issue checkout token: %w", err)
	}

	params := &stripe.CheckoutSessionParams{
		Mode:              stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		ClientReferenceID: stripe.String(token),
		SuccessURL:        stripe.String(g.cfg.SuccessURL),
		CancelURL:         stripe.String(g.cfg.CancelURL),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{Price: stripe.String(price.ID), Quantity: stripe.Int64(1)},
		},
	}
	params.Context = ctx
	params.AddMetadata("checkout_token", token)
	params.AddMetadata("user_id", strconv.FormatUint(uint64(userID), 10))

	s, err := g.sessions.New(params)
	if err != nil {
		return nil, fmt.Errorf("billing: create checkout session: %w", err)
	}
	log.Infof("[Billing] Opened checkout %s for user %d (%s)", s.ID, userID, pkg)
	return &CheckoutSession{ID: s.ID, URL: s.URL}, nil
}
