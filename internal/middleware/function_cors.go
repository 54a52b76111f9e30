package middleware

import "github.com/gofiber/fiber/v2"

const (
	functionsPrefix       = "/functions/"
	functionAllowedOrigin = "*"
	functionAllowHeaders  = "authorization, x-client-info, apikey, content-type"
)

// FunctionCORS applies the permissive cross-origin policy of the serverless-style function
// endpoints. Pre-flight requests are answered with an empty 200 and never reach the handler.
func FunctionCORS() fiber.Handler {
	return func(c *fiber.Ctx) error {
		c.Set(fiber.HeaderAccessControlAllowOrigin, functionAllowedOrigin)
		c.Set(fiber.HeaderAccessControlAllowHeaders, functionAllowHeaders)

		if c.Method() == fiber.MethodOptions {
			c.Status(fiber.StatusOK)
			c.Response().ResetBody()
			return nil
		}

		return c.Next()
	}
}
