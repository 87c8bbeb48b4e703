package redis

import (
	"time"

	"github.com/redis/go-redis/v9"
)

// NewClient creates a Redis client for addr.
func NewClient(addr string) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  time.Second,
		WriteTimeout: time.Second,
		PoolSize:     10,
	})
}
