package middleware

import (
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/ManuelReschke/FoxPay/internal/pkg/usercontext"
)

// UserContextMiddleware resolves the caller from the X-User-ID header set by
// the identity layer. Requests without the header continue anonymously.
func UserContextMiddleware(c *fiber.Ctx) error {
	raw := strings.TrimSpace(c.Get(usercontext.HeaderUserID))
	if raw == "" {
		c.Locals(usercontext.KeyUserContext, usercontext.UserContext{})
		return c.Next()
	}

	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil || id == 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error":   "bad_request",
			"message": "invalid " + usercontext.HeaderUserID + " header",
		})
	}

	userCtx := usercontext.UserContext{UserID: uint(id), IsLoggedIn: true}
	c.Locals(usercontext.KeyUserContext, userCtx)
	c.Locals(usercontext.KeyUserID, userCtx.UserID)
	return c.Next()
}
