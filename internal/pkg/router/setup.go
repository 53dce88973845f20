package router

import (
	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"github.com/ManuelReschke/FoxPay/app/controllers"
	"github.com/ManuelReschke/FoxPay/internal/pkg/billing"
	"github.com/ManuelReschke/FoxPay/internal/pkg/metrics"
)

type Router interface {
	InstallRouter(app *fiber.App)
}

// Dependencies are the shared handles the routers are built from.
type Dependencies struct {
	DB      *gorm.DB
	Cache   *redis.Client
	Service *billing.Service
}

func InstallRouter(app *fiber.App, deps Dependencies) {
	app.Use(metrics.Middleware())

	setup(app,
		NewOpsRouter(controllers.NewHealthController(deps.DB, deps.Cache)),
		NewPaymentRouter(controllers.NewPaymentController(deps.Service), newLimiterStorage(deps.Cache)),
	)
}

func setup(app *fiber.App, router ...Router) {
	for _, r := range router {
		r.InstallRouter(app)
	}
}
