package realtime

import (
	"context"

	"github.com/redis/go-redis/v9"

	"github.com/prepflowlabs/prepflow-cloud/internal/config"
)

// RedisChannel publishes events over Redis PUB/SUB, guarded by a circuit
// breaker so a dead broker fails fast instead of stalling publisher runs.
type RedisChannel struct {
	client  *redis.Client
	breaker CircuitBreaker
}

func NewRedisChannel(cfg *config.Config) *RedisChannel {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	return &RedisChannel{
		client:  client,
		breaker: NewCircuitBreaker(cfg),
	}
}

func (c *RedisChannel) Publish(ctx context.Context, topic string, payload []byte) error {
	return c.breaker.Execute(func() error {
		return c.client.Publish(ctx, topic, payload).Err()
	})
}

func (c *RedisChannel) Close() error {
	return c.client.Close()
}
