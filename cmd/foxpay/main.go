package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/contrib/swagger"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"

	"github.com/ManuelReschke/FoxPay/internal/pkg/apidoc"
	"github.com/ManuelReschke/FoxPay/internal/pkg/billing"
	"github.com/ManuelReschke/FoxPay/internal/pkg/cache"
	"github.com/ManuelReschke/FoxPay/internal/pkg/database"
	"github.com/ManuelReschke/FoxPay/internal/pkg/env"
	"github.com/ManuelReschke/FoxPay/internal/pkg/events"
	"github.com/ManuelReschke/FoxPay/internal/pkg/router"
)

const shutdownTimeout = 15 * time.Second

func main() {
	app, publisher := NewApplication()

	go func() {
		addr := fmt.Sprintf("%s:%s", env.GetEnv("APP_HOST", "localhost"), env.GetEnv("APP_PORT", "4000"))
		if err := app.Listen(addr); err != nil {
			log.Fatalf("[Server] Listen failed: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	log.Info("[Server] Shutting down")
	if err := app.ShutdownWithTimeout(shutdownTimeout); err != nil {
		log.Errorf("[Server] Shutdown: %v", err)
	}
	if err := publisher.Close(); err != nil {
		log.Errorf("[Events] Close: %v", err)
	}
	if err := cache.Close(); err != nil {
		log.Errorf("[Cache] Close: %v", err)
	}
}

func NewApplication() (*fiber.App, events.Publisher) {
	env.SetupEnvFile()
	database.SetupDatabase()
	cache.SetupCache()
	publisher := events.NewPublisherFromEnv()

	// Define possible base paths
	basePaths := []string{
		"./",     // Current directory
		"../../", // From cmd/foxpay to project root
	}
	docPath, err := apidoc.Locate(basePaths...)
	if err != nil {
		panic(err)
	}
	if _, err := apidoc.Load(docPath); err != nil {
		panic(err)
	}

	svc := billing.NewServiceFromDB(database.GetDB(),
		billing.WithLocker(cache.NewLocker(cache.GetClient(), "foxpay:")),
		billing.WithEventPublisher(publisher),
	)

	app := fiber.New(fiber.Config{
		AppName:   "FoxPay",
		BodyLimit: 1 << 20,
	})

	// recovery, request ids and logging
	app.Use(recover.New(), requestid.New(), logger.New(logger.Config{
		Format: "${time} ${locals:requestid} ${status} - ${latency} ${method} ${path}\n",
	}))

	// SWAGGER / OPENAPI
	app.Use(swagger.New(swagger.Config{
		BasePath: "/docs/api/",
		FilePath: docPath,
		Path:     "v1",
	}))

	// ROUTER
	router.InstallRouter(app, router.Dependencies{
		DB:      database.GetDB(),
		Cache:   cache.GetClient(),
		Service: svc,
	})

	return app, publisher
}
