package middleware

import (
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"

	"github.com/noah-isme/gema-grading-api/internal/utils"
)

// RateLimitConfig configures RateLimit.
type RateLimitConfig struct {
	Identifier string
	Max        int
	Window     time.Duration
	// OnLimit writes the rejection; defaults to the standard error envelope.
	OnLimit fiber.Handler
}

// RateLimit creates a per-user (or per-IP for anonymous callers) rate limiter.
func RateLimit(cfg RateLimitConfig) fiber.Handler {
	if cfg.Max <= 0 {
		cfg.Max = 10
	}
	if cfg.Window <= 0 {
		cfg.Window = time.Minute
	}
	onLimit := cfg.OnLimit
	if onLimit == nil {
		onLimit = func(c *fiber.Ctx) error {
			return utils.SendError(c, fiber.StatusTooManyRequests, "too many requests")
		}
	}

	return limiter.New(limiter.Config{
		Max:        cfg.Max,
		Expiration: cfg.Window,
		KeyGenerator: func(c *fiber.Ctx) string {
			key := c.IP()
			if userID, ok := c.Locals(LocalUserID).(uint); ok && userID != 0 {
				key = fmt.Sprintf("user-%d", userID)
			}
			return fmt.Sprintf("%s:%s", cfg.Identifier, key)
		},
		LimitReached: onLimit,
	})
}
