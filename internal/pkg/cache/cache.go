package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/ManuelReschke/FoxPay/internal/pkg/env"
)

var client *redis.Client

// SetupCache initializes the connection to the Redis server
func SetupCache() {
	client = redis.NewClient(&redis.Options{
		Addr:     Addr(),
		Password: env.GetEnv("CACHE_PASSWORD", ""),
		DB:       0,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	pong, err := client.Ping(ctx).Result()
	if err != nil {
		log.Warnf("[Cache] Could not connect to Redis at %s: %v", Addr(), err)
	} else {
		log.Infof("[Cache] Connected to Redis: %s", pong)
	}
}

// Addr returns host:port of the configured Redis server.
func Addr() string {
	return fmt.Sprintf("%s:%s", env.GetEnv("CACHE_HOST", "localhost"), env.GetEnv("CACHE_PORT", "6379"))
}

// GetClient returns the Redis client instance
func GetClient() *redis.Client {
	if client == nil {
		SetupCache()
	}
	return client
}

// Close releases the shared client.
func Close() error {
	if client == nil {
		return nil
	}
	err := client.Close()
	client = nil
	return err
}

// releaseScript deletes the lock only if it still carries our token, so an
// expired lock taken over by another holder is left alone.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Locker hands out short-lived exclusive locks backed by SET NX PX.
type Locker struct {
	client *redis.Client
	prefix string
}

// NewLocker creates a Locker on the given client. Keys are namespaced with prefix.
func NewLocker(c *redis.Client, prefix string) *Locker {
	return &Locker{client: c, prefix: prefix}
}

// Acquire takes key for ttl. ok is false when another holder has it. The
// returned release func is safe to call once the lock has expired.
func (l *Locker) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), bool, error) {
	fullKey := l.prefix + key
	token := uuid.NewString()

	ok, err := l.client.SetNX(ctx, fullKey, token, ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("acquire lock %s: %w", fullKey, err)
	}
	if !ok {
		return nil, false, nil
	}

	release := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := releaseScript.Run(ctx, l.client, []string{fullKey}, token).Err(); err != nil {
			log.Warnf("[Cache] Failed to release lock %s: %v", fullKey, err)
		}
	}
	return release, true, nil
}
