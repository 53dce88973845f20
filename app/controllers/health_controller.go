package controllers

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

const healthCheckTimeout = 2 * time.Second

// HealthController reports whether the database and cache are reachable.
// The database is required; the cache only degrades create locking.
type HealthController struct {
	db    *gorm.DB
	cache *redis.Client
}

func NewHealthController(db *gorm.DB, cache *redis.Client) *HealthController {
	return &HealthController{db: db, cache: cache}
}

// GET /healthz
func (hc *HealthController) HandleHealthz(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.UserContext(), healthCheckTimeout)
	defer cancel()

	status := fiber.StatusOK
	body := fiber.Map{"status": "ok", "database": "ok", "cache": "ok"}

	if err := hc.pingDatabase(ctx); err != nil {
		log.Errorf("[Health] Database check failed: %v", err)
		status = fiber.StatusServiceUnavailable
		body["status"] = "unavailable"
		body["database"] = "unavailable"
	}

	switch {
	case hc.cache == nil:
		body["cache"] = "disabled"
	default:
		if err := hc.cache.Ping(ctx).Err(); err != nil {
			log.Warnf("[Health] Cache check failed: %v", err)
			body["cache"] = "degraded"
		}
	}

	return c.Status(status).JSON(body)
}

func (hc *HealthController) pingDatabase(ctx context.Context) error {
	if hc.db == nil {
		return gorm.ErrInvalidDB
	}
	sqlDB, err := hc.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}
