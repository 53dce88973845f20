package router

import (
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"

	"github.com/ManuelReschke/FoxPay/app/controllers"
	"github.com/ManuelReschke/FoxPay/internal/pkg/env"
	"github.com/ManuelReschke/FoxPay/internal/pkg/middleware"
)

const callbackPath = "/payments/callback"

type PaymentRouter struct {
	controller *controllers.PaymentController
	storage    fiber.Storage
}

func NewPaymentRouter(controller *controllers.PaymentController, storage fiber.Storage) *PaymentRouter {
	return &PaymentRouter{controller: controller, storage: storage}
}

func (r PaymentRouter) InstallRouter(app *fiber.App) {
	payments := app.Group("/payments", limiter.New(limiter.Config{
		Max:        env.GetEnvInt("RATE_LIMIT_MAX", 60),
		Expiration: env.GetEnvDuration("RATE_LIMIT_WINDOW", time.Minute),
		Storage:    r.storage,
		// Gateway retries must never be throttled.
		Next: func(c *fiber.Ctx) bool {
			return strings.TrimRight(c.Path(), "/") == callbackPath
		},
		LimitReached: func(c *fiber.Ctx) error {
			return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
				"error":   "rate_limited",
				"message": "too many requests, slow down",
			})
		},
	}), middleware.UserContextMiddleware)

	pc := r.controller

	// Create flow: the user may come from the header or the body.
	payments.Post("/validate", pc.HandleValidate)
	payments.Post("/pre-create", pc.HandlePreCreate)
	payments.Post("/create", pc.HandleCreate)

	// Gateway webhook, authenticated by signature instead of user.
	payments.Post("/callback", pc.HandleCallback)

	payments.Get("/status/:paymentId", middleware.RequireAPIUser, pc.HandleStatus)
	payments.Post("/cancel/:paymentId", middleware.RequireAPIUser, pc.HandleCancel)
	payments.Get("/history", middleware.RequireAPIUser, pc.HandleHistory)
	payments.Get("/notifications", middleware.RequireAPIUser, pc.HandleNotifications)
	payments.Post("/notifications/:id/read", middleware.RequireAPIUser, pc.HandleMarkNotificationRead)
}
