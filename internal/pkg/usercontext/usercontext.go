package usercontext

import "github.com/gofiber/fiber/v2"

// UserContext represents the caller identity for a request
type UserContext struct {
	UserID     uint `json:"user_id"`
	IsLoggedIn bool `json:"is_logged_in"`
}

// GetUserContext retrieves the user context from fiber context
// Returns a default anonymous context if none is set
func GetUserContext(c *fiber.Ctx) UserContext {
	if ctx, ok := c.Locals(KeyUserContext).(UserContext); ok {
		return ctx
	}
	return UserContext{}
}

// IsLoggedIn checks if the request carries a user identity
func IsLoggedIn(c *fiber.Ctx) bool {
	return GetUserContext(c).IsLoggedIn
}

// GetUserID returns the current user's ID, or 0 if anonymous
func GetUserID(c *fiber.Ctx) uint {
	return GetUserContext(c).UserID
}
