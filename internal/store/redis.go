package store

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"notifyhub/pkg/config"
)

// casScript implements compare-and-set. SET inside the script runs atomically
// with the GET, which plain WATCH/MULTI pipelines do not guarantee across
// pooled connections.
var casScript = redis.NewScript(`
local current = redis.call('GET', KEYS[1])
if current == ARGV[1] then
	redis.call('SET', KEYS[1], ARGV[2])
	return 1
end
return 0
`)

type RedisStore struct {
	rdb *redis.Client
}

func NewRedisStore(ctx context.Context, cfg config.RedisConfig) (*RedisStore, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return &RedisStore{rdb: rdb}, nil
}

func (s *RedisStore) Close() error {
	return s.rdb.Close()
}

func (s *RedisStore) Get(ctx context.Context, key string) (string, error) {
	val, err := s.rdb.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", ErrNotFound
	}
	return val, err
}

func (s *RedisStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return s.rdb.Set(ctx, key, value, ttl).Err()
}

func (s *RedisStore) Delete(ctx context.Context, key string) error {
	return s.rdb.Del(ctx, key).Err()
}

func (s *RedisStore) AtomicIncrement(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	count, err := s.rdb.Incr(ctx, key).Result()
	if err != nil {
		return 0, err
	}

	// Set expiration on first increment
	if count == 1 && ttl > 0 {
		s.rdb.Expire(ctx, key, ttl)
	}

	return count, nil
}

func (s *RedisStore) ConditionalSet(ctx context.Context, key, expected, next string) (bool, error) {
	res, err := casScript.Run(ctx, s.rdb, []string{key}, expected, next).Int()
	if err != nil {
		return false, err
	}
	return res == 1, nil
}

func (s *RedisStore) ZAdd(ctx context.Context, set, member string, score float64) error {
	return s.rdb.ZAdd(ctx, set, redis.Z{Score: score, Member: member}).Err()
}

func (s *RedisStore) ZRangeByScore(ctx context.Context, set string, min, max float64, limit int64) ([]string, error) {
	return s.rdb.ZRangeByScore(ctx, set, &redis.ZRangeBy{
		Min:   formatScore(min, "-inf"),
		Max:   formatScore(max, "+inf"),
		Count: limit,
	}).Result()
}

func formatScore(v float64, inf string) string {
	if math.IsInf(v, -1) || math.IsInf(v, 1) {
		return inf
	}
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func (s *RedisStore) ZRem(ctx context.Context, set string, members ...string) error {
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	return s.rdb.ZRem(ctx, set, args...).Err()
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}
