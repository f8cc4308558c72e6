package router

import (
	"strconv"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/storage/redis"

	"github.com/ManuelReschke/PixelBooth/internal/pkg/cache"
)

// limiterDatabase keeps rate limit counters apart from the job queue (DB 0).
const limiterDatabase = 1

// NewLimiterStorage returns Redis-backed storage for the API rate limiter so
// limits hold across instances. The storage pings on creation and panics
// when Redis is unreachable.
func NewLimiterStorage(cfg cache.Config) fiber.Storage {
	port, err := strconv.Atoi(cfg.Port)
	if err != nil {
		port = 6379
	}
	return redis.New(redis.Config{
		Host:     cfg.Host,
		Port:     port,
		Password: cfg.Password,
		Database: limiterDatabase,
		Reset:    false,
	})
}
