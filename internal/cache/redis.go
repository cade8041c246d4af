package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"
)

const redisOpTimeout = 250 * time.Millisecond

// Redis is the redis-backed cache. Redis errors are logged and reported
// as misses so a flaky cache never fails a read.
type Redis struct {
	client *redis.Client
	ttl    time.Duration
	log    zerolog.Logger
}

// NewRedis connects to the configured redis instance and verifies it
// answers a ping.
func NewRedis(cfg Config, logger zerolog.Logger) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr: cfg.RedisAddr,
		DB:   cfg.RedisDB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect redis at %s: %w", cfg.RedisAddr, err)
	}

	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Redis{
		client: client,
		ttl:    ttl,
		log:    logger.With().Str("component", "cache").Str("backend", "redis").Logger(),
	}, nil
}

func (c *Redis) Get(key string) ([]byte, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()

	val, err := c.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, false
	}
	if err != nil {
		c.log.Debug().Err(err).Str("key", key).Msg("cache get failed")
		return nil, false
	}
	return val, true
}

func (c *Redis) Set(key string, value []byte, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.ttl
	}
	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()

	if err := c.client.Set(ctx, key, value, ttl).Err(); err != nil {
		c.log.Debug().Err(err).Str("key", key).Msg("cache set failed")
	}
}

func (c *Redis) Invalidate(key string) {
	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()

	if err := c.client.Del(ctx, key).Err(); err != nil {
		c.log.Debug().Err(err).Str("key", key).Msg("cache invalidate failed")
	}
}

func (c *Redis) Close() error {
	return c.client.Close()
}
