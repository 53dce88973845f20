package cache

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ManuelReschke/FoxPay/internal/pkg/env"
)

const isolatedCacheTestRedisDB = 13

// newIsolatedRedisClient connects to the first reachable Redis and flushes a
// dedicated DB. Tests skip when no server is reachable.
func newIsolatedRedisClient(t *testing.T) *redis.Client {
	t.Helper()

	hosts := uniqueNonEmpty(env.GetEnv("CACHE_HOST", ""), "cache", "localhost", "127.0.0.1")
	ports := uniqueNonEmpty(env.GetEnv("CACHE_PORT", "6379"), "6379")
	password := env.GetEnv("CACHE_PASSWORD", "")

	var lastErr error
	for _, host := range hosts {
		for _, port := range ports {
			c := redis.NewClient(&redis.Options{
				Addr:     fmt.Sprintf("%s:%s", host, port),
				Password: password,
				DB:       isolatedCacheTestRedisDB,
			})
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			_, err := c.Ping(ctx).Result()
			cancel()
			if err != nil {
				lastErr = err
				_ = c.Close()
				continue
			}

			if err := c.FlushDB(context.Background()).Err(); err != nil {
				_ = c.Close()
				t.Fatalf("failed to flush isolated redis db: %v", err)
			}
			t.Cleanup(func() {
				_ = c.FlushDB(context.Background()).Err()
				_ = c.Close()
			})
			return c
		}
	}

	t.Skipf("Skipping Redis-dependent test: no reachable Redis endpoint (%v)", lastErr)
	return nil
}

func uniqueNonEmpty(values ...string) []string {
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}

func newUnreachableClient() *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 100 * time.Millisecond,
		MaxRetries:  -1,
	})
}
