package ratelimit

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// CounterPrefix namespaces the aggregate counters in Redis.
const CounterPrefix = "phishometer:counter:"

// RedisCounterStore keeps the analyzed/blocked counters in Redis so several
// server replicas share one tally. INCR is atomic per key.
type RedisCounterStore struct {
	client *RedisClient
}

func NewRedisCounterStore(client *RedisClient) *RedisCounterStore {
	return &RedisCounterStore{client: client}
}

// Increment implements analysis.CounterStore
func (s *RedisCounterStore) Increment(ctx context.Context, name string) error {
	if !s.client.IsEnabled() {
		return ErrRedisDisabled
	}
	if err := s.client.GetClient().Incr(ctx, CounterPrefix+name).Err(); err != nil {
		return fmt.Errorf("redis incr %s: %w", name, err)
	}
	return nil
}

// Get implements analysis.CounterStore. Missing counters read as zero.
func (s *RedisCounterStore) Get(ctx context.Context, name string) (int64, error) {
	if !s.client.IsEnabled() {
		return 0, ErrRedisDisabled
	}
	n, err := s.client.GetClient().Get(ctx, CounterPrefix+name).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("redis get %s: %w", name, err)
	}
	return n, nil
}
