package replay

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "broker:jti:"

// RedisGuard shares claimed identifiers across broker processes.
type RedisGuard struct {
	client *redis.Client
	now    func() time.Time
}

// NewRedisGuard connects to url and verifies the connection.
func NewRedisGuard(ctx context.Context, url string) (*RedisGuard, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis URL: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return &RedisGuard{client: client, now: time.Now}, nil
}

func (g *RedisGuard) Claim(ctx context.Context, id string, expiresAt time.Time) (bool, error) {
	if id == "" {
		return false, ErrEmptyID
	}

	ttl := expiresAt.Sub(g.now())
	if ttl < time.Second {
		ttl = time.Second
	}

	ok, err := g.client.SetNX(ctx, keyPrefix+id, 1, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("claim jti: %w", err)
	}
	return ok, nil
}

// Health checks the Redis connection.
func (g *RedisGuard) Health(ctx context.Context) error {
	return g.client.Ping(ctx).Err()
}

func (g *RedisGuard) Close() error {
	return g.client.Close()
}
