package redis

import (
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// RedisClient mirrors the gateway's ephemeral state (presence, typing,
// session-room membership) so it can be inspected over REST.
type RedisClient struct {
	client *redis.Client
}

func NewRedisClient(host, port, password string) *RedisClient {
	client := redis.NewClient(&redis.Options{
		Addr:         fmt.Sprintf("%s:%s", host, port),
		Password:     password,
		DB:           0,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  time.Second,
		WriteTimeout: time.Second,
	})
	return &RedisClient{client: client}
}
