package cache

import (
	"context"
	"encoding/json"
	"time"

	redis "github.com/redis/go-redis/v9"

	"khohang/backend/internal/domain"
)

type RedisOrderCache struct {
	client *redis.Client
}

func NewRedisOrderCache(addr string, password string, db int) *RedisOrderCache {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	return &RedisOrderCache{client: client}
}

func (c *RedisOrderCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisOrderCache) Close() error {
	return c.client.Close()
}

func (c *RedisOrderCache) Get(ctx context.Context, key string) (*domain.OrderResponse, bool, error) {
	val, err := c.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	var resp domain.OrderResponse
	if err := json.Unmarshal([]byte(val), &resp); err != nil {
		return nil, false, err
	}
	return &resp, true, nil
}

func (c *RedisOrderCache) Set(ctx context.Context, key string, value *domain.OrderResponse, ttl time.Duration) error {
	if value == nil {
		return nil
	}
	payload, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, key, payload, ttl).Err()
}

func (c *RedisOrderCache) Delete(ctx context.Context, key string) error {
	return c.client.Del(ctx, key).Err()
}
