package counter

import (
	"context"

	"github.com/redis/go-redis/v9"
)

// RedisStore backs the counter keyspace with a shared Redis instance so
// every operator process observes the same versions.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore connects to addr and verifies the connection with a Ping
// so boot fails fast on a bad address.
func NewRedisStore(ctx context.Context, addr string) (*RedisStore, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	if _, err := rdb.Ping(ctx).Result(); err != nil {
		return nil, err
	}
	return &RedisStore{client: rdb}, nil
}

func (s *RedisStore) Current(ctx context.Context, key string) (int64, error) {
	v, err := s.client.Get(ctx, key).Int64()
	if err == redis.Nil {
		return 0, nil
	} else if err != nil {
		return 0, err
	}
	return v, nil
}

func (s *RedisStore) Bump(ctx context.Context, key string) (int64, error) {
	return s.client.Incr(ctx, key).Result()
}
