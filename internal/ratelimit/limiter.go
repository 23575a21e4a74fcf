package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ZanzyTHEbar/phish-o-meter/internal/monitoring"
	"github.com/go-redis/redis_rate/v10"
	"golang.org/x/time/rate"
)

// KeyPrefix namespaces every limiter key in Redis.
const KeyPrefix = "ratelimit:"

// Config holds rate limiter configuration
type Config struct {
	IPLimitPerMin      int           // all endpoints, per client IP
	AnalyzeLimitPerMin int           // analysis endpoints, per client IP
	BurstMultiplier    int           // IP bucket burst = IPLimitPerMin * BurstMultiplier
	EnableFallback     bool          // use in-memory buckets when Redis fails
	CleanupInterval    time.Duration // how often idle in-memory buckets are dropped
	MaxFallbackKeys    int
}

// DefaultConfig returns default rate limiting configuration
func DefaultConfig() Config {
	return Config{
		IPLimitPerMin:      120,
		AnalyzeLimitPerMin: 60,
		BurstMultiplier:    1,
		EnableFallback:     true,
		CleanupInterval:    10 * time.Minute,
		MaxFallbackKeys:    10000,
	}
}

// Rate is a quota of Limit requests per Period. Burst defaults to Limit.
type Rate struct {
	Limit  int
	Burst  int
	Period time.Duration
}

func (r Rate) burst() int {
	if r.Burst > 0 {
		return r.Burst
	}
	return r.Limit
}

// Result represents the result of a rate limit check
type Result struct {
	Allowed    bool
	Limit      int
	Remaining  int
	ResetAt    time.Time
	RetryAfter time.Duration
}

type fallbackEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
	period   time.Duration
}

// RateLimiter provides distributed rate limiting with Redis and in-memory fallback
type RateLimiter struct {
	redisLimiter *redis_rate.Limiter
	redisClient  *RedisClient
	config       Config
	metrics      *monitoring.Metrics

	fallbackLimiters map[string]*fallbackEntry
	fallbackMutex    sync.Mutex

	stop     chan struct{}
	stopOnce sync.Once
}

// NewRateLimiter creates a new rate limiter with Redis and in-memory fallback
func NewRateLimiter(redisClient *RedisClient, config Config, metrics *monitoring.Metrics) *RateLimiter {
	if redisClient == nil {
		redisClient = &RedisClient{}
	}
	if config.CleanupInterval <= 0 {
		config.CleanupInterval = DefaultConfig().CleanupInterval
	}
	if config.MaxFallbackKeys <= 0 {
		config.MaxFallbackKeys = DefaultConfig().MaxFallbackKeys
	}

	rl := &RateLimiter{
		redisClient:      redisClient,
		config:           config,
		metrics:          metrics,
		fallbackLimiters: make(map[string]*fallbackEntry),
		stop:             make(chan struct{}),
	}

	if redisClient.IsEnabled() {
		rl.redisLimiter = redis_rate.NewLimiter(redisClient.GetClient())
		slog.Info("Redis rate limiter initialized")
	} else {
		slog.Warn("Redis unavailable, using in-memory rate limiting only")
	}

	go rl.cleanupLoop()

	return rl
}

// AllowIP applies the global per-IP quota
func (rl *RateLimiter) AllowIP(ctx context.Context, ip string) (*Result, error) {
	burst := rl.config.IPLimitPerMin * rl.config.BurstMultiplier
	return rl.Allow(ctx, KeyPrefix+"ip:"+ip, Rate{Limit: rl.config.IPLimitPerMin, Burst: burst, Period: time.Minute})
}

// Allow checks key against r, preferring Redis and falling back to memory
func (rl *RateLimiter) Allow(ctx context.Context, key string, r Rate) (*Result, error) {
	if r.Limit <= 0 || r.Period <= 0 {
		return nil, fmt.Errorf("invalid rate %d per %s", r.Limit, r.Period)
	}

	if rl.redisClient.IsEnabled() && rl.redisLimiter != nil {
		result, err := rl.allowRedis(ctx, key, r)
		if err == nil {
			return result, nil
		}
		if rl.metrics != nil {
			rl.metrics.IncrementRateLimitRedisError()
		}
		if !rl.config.EnableFallback {
			return nil, err
		}
		slog.Warn("Redis rate limit check failed, using fallback", "key", key, "error", err)
	}

	if rl.metrics != nil {
		rl.metrics.IncrementRateLimitFallback()
	}
	return rl.allowFallback(key, r), nil
}

func (rl *RateLimiter) allowRedis(ctx context.Context, key string, r Rate) (*Result, error) {
	res, err := rl.redisLimiter.Allow(ctx, key, redis_rate.Limit{
		Rate:   r.Limit,
		Burst:  r.burst(),
		Period: r.Period,
	})
	if err != nil {
		return nil, fmt.Errorf("redis rate limit check failed: %w", err)
	}

	result := &Result{
		Allowed:   res.Allowed > 0,
		Limit:     r.Limit,
		Remaining: res.Remaining,
		ResetAt:   time.Now().Add(res.ResetAfter),
	}
	if !result.Allowed {
		result.RetryAfter = res.RetryAfter
	}
	return result, nil
}

// allowFallback runs a token bucket per key
func (rl *RateLimiter) allowFallback(key string, r Rate) *Result {
	now := time.Now()
	every := r.Period / time.Duration(r.Limit)

	rl.fallbackMutex.Lock()
	entry, exists := rl.fallbackLimiters[key]
	if !exists {
		entry = &fallbackEntry{
			limiter: rate.NewLimiter(rate.Every(every), r.burst()),
			period:  r.Period,
		}
		rl.fallbackLimiters[key] = entry
	}
	entry.lastSeen = now
	allowed := entry.limiter.AllowN(now, 1)
	tokens := entry.limiter.TokensAt(now)
	rl.fallbackMutex.Unlock()

	remaining := int(tokens)
	if remaining < 0 {
		remaining = 0
	}

	result := &Result{
		Allowed:   allowed,
		Limit:     r.Limit,
		Remaining: remaining,
	}
	missing := float64(r.burst()) - tokens
	result.ResetAt = now.Add(time.Duration(missing * float64(every)))
	if !allowed {
		result.RetryAfter = time.Duration((1 - tokens) * float64(every))
		if result.RetryAfter <= 0 {
			result.RetryAfter = every
		}
	}
	return result
}

func (rl *RateLimiter) cleanupLoop() {
	ticker := time.NewTicker(rl.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.cleanup()
		case <-rl.stop:
			return
		}
	}
}

// cleanup drops buckets idle for longer than their period and, past
// MaxFallbackKeys, everything else.
func (rl *RateLimiter) cleanup() {
	now := time.Now()

	rl.fallbackMutex.Lock()
	defer rl.fallbackMutex.Unlock()

	before := len(rl.fallbackLimiters)
	for key, entry := range rl.fallbackLimiters {
		if now.Sub(entry.lastSeen) > entry.period {
			delete(rl.fallbackLimiters, key)
		}
	}
	if len(rl.fallbackLimiters) > rl.config.MaxFallbackKeys {
		rl.fallbackLimiters = make(map[string]*fallbackEntry)
	}
	if removed := before - len(rl.fallbackLimiters); removed > 0 {
		slog.Debug("Cleaned up fallback rate limiters", "removed", removed)
	}
}

// Config returns the effective configuration
func (rl *RateLimiter) Config() Config {
	return rl.config
}

// Close stops the cleanup goroutine
func (rl *RateLimiter) Close() {
	rl.stopOnce.Do(func() { close(rl.stop) })
}

// GetStats returns rate limiter statistics
func (rl *RateLimiter) GetStats() map[string]interface{} {
	rl.fallbackMutex.Lock()
	fallbackCount := len(rl.fallbackLimiters)
	rl.fallbackMutex.Unlock()

	stats := map[string]interface{}{
		"redis_enabled":     rl.redisClient.IsEnabled(),
		"fallback_enabled":  rl.config.EnableFallback,
		"fallback_limiters": fallbackCount,
		"config": map[string]interface{}{
			"ip_limit_per_min":      rl.config.IPLimitPerMin,
			"analyze_limit_per_min": rl.config.AnalyzeLimitPerMin,
			"burst_multiplier":      rl.config.BurstMultiplier,
		},
	}

	if rl.redisClient.IsEnabled() {
		stats["redis_pool"] = rl.redisClient.GetPoolStats()
	}

	return stats
}
