package repository

import (
	"context"
	"errors"
	"time"

	"github.com/example/minimart/pkg/cart"
	"github.com/example/minimart/pkg/config"
	"github.com/go-redis/redis/v8"
)

type RedisRepository struct {
	client *redis.Client
	config *config.RedisConfig
}

func NewRedisRepository(cfg *config.RedisConfig) *RedisRepository {
	return &RedisRepository{
		client: redis.NewClient(&redis.Options{
			Addr:     cfg.Addr,
			Password: cfg.Password,
			DB:       cfg.DB,
			PoolSize: cfg.PoolSize,
		}),
		config: cfg,
	}
}

func (r *RedisRepository) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *RedisRepository) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	return r.client.Set(ctx, key, value, expiration).Err()
}

func (r *RedisRepository) Get(ctx context.Context, key string) (string, error) {
	return r.client.Get(ctx, key).Result()
}

func (r *RedisRepository) Del(ctx context.Context, keys ...string) error {
	return r.client.Del(ctx, keys...).Err()
}

func (r *RedisRepository) Close() error {
	return r.client.Close()
}

// CartRepository stores serialized carts in Redis. Each session gets its
// own namespace, the same way each browser has its own local storage.
type CartRepository struct {
	redis     *RedisRepository
	namespace string
}

// Carts returns the cart store for one client session.
func (r *RedisRepository) Carts(sessionID string) *CartRepository {
	return &CartRepository{
		redis:     r,
		namespace: r.config.KeyPrefix + "session:" + sessionID + ":",
	}
}

var _ cart.Store = (*CartRepository)(nil)

func (c *CartRepository) Load(ctx context.Context, key string) ([]byte, error) {
	data, err := c.redis.Get(ctx, c.namespace+key)
	if errors.Is(err, redis.Nil) {
		return nil, cart.ErrNoCart
	}
	if err != nil {
		return nil, err
	}
	return []byte(data), nil
}

// Save writes without expiry; carts live until cleared.
func (c *CartRepository) Save(ctx context.Context, key string, data []byte) error {
	return c.redis.Set(ctx, c.namespace+key, data, 0)
}

func (c *CartRepository) Delete(ctx context.Context, key string) error {
	return c.redis.Del(ctx, c.namespace+key)
}
