package idempotency

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/itskum47/forgeci/control_plane/observability"
)

// RedisGuard shares claims between server processes through SET NX.
type RedisGuard struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisGuard connects to Redis and verifies the connection.
func NewRedisGuard(addr, password string, db int, ttl time.Duration) (*RedisGuard, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	return NewRedisGuardWithClient(client, ttl), nil
}

func NewRedisGuardWithClient(client *redis.Client, ttl time.Duration) *RedisGuard {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisGuard{client: client, ttl: ttl}
}

func (g *RedisGuard) Claim(ctx context.Context, key string) (bool, error) {
	start := time.Now()
	defer func() {
		observability.RedisLatency.Observe(time.Since(start).Seconds())
	}()

	ok, err := g.client.SetNX(ctx, key, start.UTC().Format(time.RFC3339Nano), g.ttl).Result()
	if err != nil {
		return false, err
	}
	if ok {
		observability.IdempotencyClaims.WithLabelValues("acquired").Inc()
	} else {
		observability.IdempotencyClaims.WithLabelValues("duplicate").Inc()
	}
	return ok, nil
}

func (g *RedisGuard) Release(ctx context.Context, key string) error {
	return g.client.Del(ctx, key).Err()
}

func (g *RedisGuard) Close() error {
	return g.client.Close()
}
