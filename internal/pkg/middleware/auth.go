package middleware

import (
	"github.com/gofiber/fiber/v2"

	"github.com/ManuelReschke/FoxPay/internal/pkg/usercontext"
)

// RequireAPIUser ensures a resolved caller for API routes and returns JSON 401 otherwise.
func RequireAPIUser(c *fiber.Ctx) error {
	if !usercontext.IsLoggedIn(c) {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
			"error":   "unauthorized",
			"message": usercontext.HeaderUserID + " header required",
		})
	}
	return c.Next()
}
