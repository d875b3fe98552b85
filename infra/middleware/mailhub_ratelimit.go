package middleware

import (
	"fmt"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"mailhub_server/pkg/ratelimit"
)

// RateLimit enforces a per-caller request budget using the Redis sliding
// window limiter. 인증된 요청은 사용자 단위, 그 외는 IP 단위로 제한합니다.
func RateLimit(limiter *ratelimit.SlidingWindowLimiter) fiber.Handler {
	return func(c *fiber.Ctx) error {
		key := c.IP()
		if userID, ok := c.Locals("user_id").(uuid.UUID); ok {
			key = userID.String()
		}

		allowed, wait := limiter.Allow(c.Context(), key)
		if !allowed {
			c.Set("Retry-After", fmt.Sprintf("%.0f", wait.Seconds()))
			return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
				"error": "too many requests",
				"code":  "RATE_LIMITED",
			})
		}

		return c.Next()
	}
}
