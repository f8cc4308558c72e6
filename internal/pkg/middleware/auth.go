package middleware

import (
	"crypto/subtle"
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/PixelBooth/app/models"
	"github.com/ManuelReschke/PixelBooth/internal/pkg/env"
	icuser "github.com/ManuelReschke/PixelBooth/internal/pkg/usercontext"
)

// Headers set by the upstream auth proxy.
const (
	HeaderUserID      = "X-Auth-User-Id"
	HeaderUserRole    = "X-Auth-User-Role"
	HeaderProxySecret = "X-Auth-Proxy-Secret"
)

// ProxySecretFromEnv reads AUTH_PROXY_SECRET.
func ProxySecretFromEnv() string {
	return strings.TrimSpace(env.GetEnv("AUTH_PROXY_SECRET", ""))
}

// ProxyIdentity trusts the identity headers only when the request carries the
// shared proxy secret. Every other request is anonymous.
func ProxyIdentity(secret string) fiber.Handler {
	if secret == "" {
		log.Warn("[Auth] AUTH_PROXY_SECRET is empty, all API requests are anonymous")
	}
	return func(c *fiber.Ctx) error {
		icuser.Set(c, identityFromHeaders(c, secret))
		return c.Next()
	}
}

func identityFromHeaders(c *fiber.Ctx, secret string) icuser.UserContext {
	anonymous := icuser.UserContext{}
	if secret == "" {
		return anonymous
	}
	got := strings.TrimSpace(c.Get(HeaderProxySecret))
	if subtle.ConstantTimeCompare([]byte(got), []byte(secret)) != 1 {
		return anonymous
	}
	id, err := strconv.ParseUint(strings.TrimSpace(c.Get(HeaderUserID)), 10, 64)
	if err != nil || id == 0 {
		return anonymous
	}
	role := strings.ToLower(strings.TrimSpace(c.Get(HeaderUserRole)))
	if role != models.ROLE_ADMIN {
		role = models.ROLE_USER
	}
	return icuser.UserContext{
		UserID:     uint(id),
		Role:       role,
		IsLoggedIn: true,
		IsAdmin:    role == models.ROLE_ADMIN,
	}
}

// RequireAPIAuth rejects anonymous API requests with JSON 401.
func RequireAPIAuth(c *fiber.Ctx) error {
	if !icuser.IsLoggedIn(c) {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
			"error":   "unauthorized",
			"message": "login required",
		})
	}
	return c.Next()
}

// RequireAPIAdmin rejects non-admin API requests.
func RequireAPIAdmin(c *fiber.Ctx) error {
	uc := icuser.GetUserContext(c)
	if !uc.IsLoggedIn {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
			"error":   "unauthorized",
			"message": "login required",
		})
	}
	if !uc.IsAdmin {
		return c.Status(fiber.StatusForbidden).JSON(fiber.Map{
			"error":   "forbidden",
			"message": "admin role required",
		})
	}
	return c.Next()
}
