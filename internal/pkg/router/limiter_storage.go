package router

import (
	"context"
	"net"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"
	"github.com/gofiber/storage/redis"
	goredis "github.com/redis/go-redis/v9"

	"github.com/ManuelReschke/FoxPay/internal/pkg/env"
)

// limiterRedisDB keeps rate limit counters apart from locks in DB 0.
const limiterRedisDB = 2

// newLimiterStorage shares rate limit counters across instances through the
// configured Redis. Without a reachable Redis the limiter keeps its
// in-memory store.
func newLimiterStorage(cacheClient *goredis.Client) fiber.Storage {
	if cacheClient == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := cacheClient.Ping(ctx).Err(); err != nil {
		log.Warnf("[Router] Redis unavailable, rate limiting per instance only: %v", err)
		return nil
	}

	host := "localhost"
	port := 6379
	password := env.GetEnv("CACHE_PASSWORD", "")
	addr := cacheClient.Options().Addr
	if h, p, err := net.SplitHostPort(addr); err == nil {
		host = h
		if v, err := strconv.Atoi(p); err == nil {
			port = v
		}
	}
	if p := cacheClient.Options().Password; p != "" {
		password = p
	}

	return redis.New(redis.Config{
		Host:     host,
		Port:     port,
		Password: password,
		Database: limiterRedisDB,
		Reset:    false,
	})
}
