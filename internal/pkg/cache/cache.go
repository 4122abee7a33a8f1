package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/redis/go-redis/v9"

	"github.com/ManuelReschke/RedeemFox/internal/pkg/env"
)

// Config describes how to reach the Redis server backing pools, locks and the job queue.
type Config struct {
	Host     string
	Port     string
	Password string
	DB       int
}

// LoadConfig reads the cache settings from the environment.
func LoadConfig() Config {
	return Config{
		Host:     env.GetEnv("CACHE_HOST", "localhost"),
		Port:     env.GetEnv("CACHE_PORT", "6379"),
		Password: env.GetEnv("CACHE_PASSWORD", ""),
		DB:       env.GetEnvInt("CACHE_DB", 0),
	}
}

// NewClient opens a Redis client and pings it once. A failed ping is logged but
// not fatal so the service can start while Redis is still coming up.
func NewClient(cfg Config) *redis.Client {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%s", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	pong, err := client.Ping(ctx).Result()
	if err != nil {
		log.Warnf("[Cache] Could not connect to redis at %s:%s: %v", cfg.Host, cfg.Port, err)
	} else {
		log.Infof("[Cache] Connected to redis: %s", pong)
	}
	return client
}
