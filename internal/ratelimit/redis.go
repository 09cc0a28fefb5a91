package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore backs counters and the blocklist with Redis so every gateway
// instance shares the same rate-limit state.
type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	count, err := s.client.Incr(ctx, "rl:"+key).Result()
	if err != nil {
		return 0, fmt.Errorf("incr rate counter: %w", err)
	}

	if count == 1 {
		if err := s.client.Expire(ctx, "rl:"+key, ttl).Err(); err != nil {
			return 0, fmt.Errorf("expire rate counter: %w", err)
		}
	}

	return count, nil
}

func (s *RedisStore) SetBlock(ctx context.Context, identity string, until time.Time) error {
	ttl := time.Until(until)
	if ttl <= 0 {
		return nil
	}

	value := strconv.FormatInt(until.UTC().Unix(), 10)
	if err := s.client.Set(ctx, "blk:"+identity, value, ttl).Err(); err != nil {
		return fmt.Errorf("set block entry: %w", err)
	}

	return nil
}

func (s *RedisStore) BlockedUntil(ctx context.Context, identity string) (time.Time, bool, error) {
	value, err := s.client.Get(ctx, "blk:"+identity).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return time.Time{}, false, nil
		}
		return time.Time{}, false, fmt.Errorf("get block entry: %w", err)
	}

	unix, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("parse block entry: %w", err)
	}

	until := time.Unix(unix, 0).UTC()
	if time.Now().UTC().After(until) {
		return time.Time{}, false, nil
	}

	return until, true, nil
}

// Sweep is a no-op: Redis key TTLs reclaim memory on their own.
func (s *RedisStore) Sweep(ctx context.Context, now time.Time) error {
	return nil
}
