package router

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/basicauth"
	"github.com/gofiber/fiber/v2/middleware/monitor"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ManuelReschke/FoxPay/app/controllers"
	"github.com/ManuelReschke/FoxPay/internal/pkg/env"
)

// OpsRouter serves health, metrics and the fiber monitor.
type OpsRouter struct {
	health *controllers.HealthController
}

func NewOpsRouter(health *controllers.HealthController) *OpsRouter {
	return &OpsRouter{health: health}
}

func (r OpsRouter) InstallRouter(app *fiber.App) {
	app.Get("/healthz", r.health.HandleHealthz)

	auth := basicauth.New(basicauth.Config{
		Users: map[string]string{
			env.GetEnv("METRICS_USER", "admin"): env.GetEnv("METRICS_PASSWORD", "test"),
		},
	})
	app.Get("/metrics", auth, adaptor.HTTPHandler(promhttp.Handler()))
	app.Get("/monitor", auth, monitor.New(monitor.Config{Title: "FoxPay Monitor"}))
}
