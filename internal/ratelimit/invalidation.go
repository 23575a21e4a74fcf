package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
)

// InvalidateIP removes every limiter key for ip, global and per endpoint
func (rl *RateLimiter) InvalidateIP(ctx context.Context, ip string) error {
	if !rl.redisClient.IsEnabled() {
		removed := rl.deleteFallback(func(key string) bool {
			return key == KeyPrefix+"ip:"+ip ||
				(strings.HasPrefix(key, KeyPrefix+"endpoint:") && strings.HasSuffix(key, ":"+ip))
		})
		slog.Info("Invalidated IP rate limits (in-memory)", "ip", ip, "count", removed)
		return nil
	}

	if err := rl.deleteByPattern(ctx, KeyPrefix+"ip:"+ip); err != nil {
		return err
	}
	return rl.deleteByPattern(ctx, KeyPrefix+"endpoint:*:"+ip)
}

// InvalidateAll removes every limiter key
func (rl *RateLimiter) InvalidateAll(ctx context.Context) error {
	if !rl.redisClient.IsEnabled() {
		removed := rl.deleteFallback(func(string) bool { return true })
		slog.Warn("Invalidated all rate limits (in-memory)", "count", removed)
		return nil
	}

	slog.Warn("Invalidating ALL rate limits", "pattern", KeyPrefix+"*")
	return rl.deleteByPattern(ctx, KeyPrefix+"*")
}

// GetKeyCount returns how many limiter keys are live
func (rl *RateLimiter) GetKeyCount(ctx context.Context) (int, error) {
	if !rl.redisClient.IsEnabled() {
		rl.fallbackMutex.Lock()
		defer rl.fallbackMutex.Unlock()
		return len(rl.fallbackLimiters), nil
	}

	count := 0
	err := rl.scan(ctx, KeyPrefix+"*", func(keys []string) error {
		count += len(keys)
		return nil
	})
	return count, err
}

func (rl *RateLimiter) deleteFallback(match func(key string) bool) int {
	rl.fallbackMutex.Lock()
	defer rl.fallbackMutex.Unlock()

	removed := 0
	for key := range rl.fallbackLimiters {
		if match(key) {
			delete(rl.fallbackLimiters, key)
			removed++
		}
	}
	return removed
}

// deleteByPattern deletes all Redis keys matching a pattern
func (rl *RateLimiter) deleteByPattern(ctx context.Context, pattern string) error {
	client := rl.redisClient.GetClient()
	var deletedCount int64

	err := rl.scan(ctx, pattern, func(keys []string) error {
		deleted, err := client.Del(ctx, keys...).Result()
		if err != nil {
			return fmt.Errorf("failed to delete keys: %w", err)
		}
		deletedCount += deleted
		return nil
	})
	if err != nil {
		return err
	}

	slog.Info("Deleted rate limit keys by pattern", "pattern", pattern, "count", deletedCount)
	return nil
}

// scan walks pattern with SCAN rather than KEYS
func (rl *RateLimiter) scan(ctx context.Context, pattern string, fn func(keys []string) error) error {
	client := rl.redisClient.GetClient()
	var cursor uint64

	for {
		keys, next, err := client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return fmt.Errorf("failed to scan keys: %w", err)
		}
		if len(keys) > 0 {
			if err := fn(keys); err != nil {
				return err
			}
		}
		cursor = next
		if cursor == 0 {
			return nil
		}
	}
}
