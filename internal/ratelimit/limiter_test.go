package ratelimit

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/ZanzyTHEbar/phish-o-meter/internal/monitoring"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newFallbackLimiter(t *testing.T, config Config) (*RateLimiter, *monitoring.Metrics) {
	t.Helper()
	metrics := monitoring.NewMetrics()
	limiter := NewRateLimiter(&RedisClient{enabled: false}, config, metrics)
	t.Cleanup(limiter.Close)
	return limiter, metrics
}

func TestRateLimiterFallbackMode(t *testing.T) {
	limiter, metrics := newFallbackLimiter(t, DefaultConfig())
	ctx := context.Background()
	rateLimit := Rate{Limit: 5, Period: time.Minute}

	for i := 0; i < 5; i++ {
		result, err := limiter.Allow(ctx, "test:ip:1", rateLimit)
		require.NoError(t, err)
		assert.True(t, result.Allowed, "Request %d should be allowed", i+1)
		assert.Equal(t, 5, result.Limit)
		assert.Equal(t, 4-i, result.Remaining)
	}

	result, err := limiter.Allow(ctx, "test:ip:1", rateLimit)
	require.NoError(t, err)
	assert.False(t, result.Allowed, "6th request should be blocked")
	assert.Greater(t, result.RetryAfter, time.Duration(0))
	assert.LessOrEqual(t, result.RetryAfter, 12*time.Second)

	assert.Equal(t, int64(6), metrics.GetRateLimitStats()["fallback_count"])
}

func TestRateLimiterInvalidRate(t *testing.T) {
	limiter, _ := newFallbackLimiter(t, DefaultConfig())

	_, err := limiter.Allow(context.Background(), "k", Rate{Limit: 0, Period: time.Minute})
	assert.Error(t, err)
	_, err = limiter.Allow(context.Background(), "k", Rate{Limit: 1})
	assert.Error(t, err)
}

func TestRateLimiterBurstCapacity(t *testing.T) {
	limiter, _ := newFallbackLimiter(t, DefaultConfig())
	ctx := context.Background()
	rateLimit := Rate{Limit: 5, Burst: 10, Period: time.Second}

	allowedCount := 0
	for i := 0; i < 15; i++ {
		result, err := limiter.Allow(ctx, "test:burst", rateLimit)
		require.NoError(t, err)
		if result.Allowed {
			allowedCount++
		}
	}

	assert.GreaterOrEqual(t, allowedCount, 10, "burst is available immediately")
	assert.LessOrEqual(t, allowedCount, 12, "refill is bounded by the rate")
}

func TestRateLimiterMultipleKeys(t *testing.T) {
	limiter, _ := newFallbackLimiter(t, DefaultConfig())
	ctx := context.Background()
	rateLimit := Rate{Limit: 3, Period: time.Minute}

	for _, key := range []string{"ip:1", "ip:2", "ip:3"} {
		for i := 0; i < 3; i++ {
			result, err := limiter.Allow(ctx, key, rateLimit)
			require.NoError(t, err)
			assert.True(t, result.Allowed, "Key %s request %d should be allowed", key, i+1)
		}

		result, err := limiter.Allow(ctx, key, rateLimit)
		require.NoError(t, err)
		assert.False(t, result.Allowed, "Key %s 4th request should be blocked", key)
	}
}

func TestRateLimiterStats(t *testing.T) {
	limiter, _ := newFallbackLimiter(t, DefaultConfig())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, _ = limiter.Allow(ctx, "test:stats", Rate{Limit: 5, Period: time.Minute})
	}

	stats := limiter.GetStats()
	assert.False(t, stats["redis_enabled"].(bool))
	assert.True(t, stats["fallback_enabled"].(bool))
	assert.Equal(t, 1, stats["fallback_limiters"])

	statsConfig := stats["config"].(map[string]interface{})
	assert.Equal(t, 120, statsConfig["ip_limit_per_min"])
	assert.Equal(t, 60, statsConfig["analyze_limit_per_min"])
}

func TestRateLimiterCleanup(t *testing.T) {
	config := DefaultConfig()
	config.MaxFallbackKeys = 100
	limiter, _ := newFallbackLimiter(t, config)
	ctx := context.Background()

	for i := 0; i < 101; i++ {
		_, _ = limiter.Allow(ctx, "test:cleanup:"+strconv.Itoa(i), Rate{Limit: 5, Period: time.Minute})
	}
	_, _ = limiter.Allow(ctx, "test:short", Rate{Limit: 5, Period: time.Millisecond})

	limiter.cleanup()
	assert.Equal(t, 0, limiter.GetStats()["fallback_limiters"], "over the cap everything goes")

	_, _ = limiter.Allow(ctx, "test:long", Rate{Limit: 5, Period: time.Hour})
	_, _ = limiter.Allow(ctx, "test:short", Rate{Limit: 5, Period: time.Millisecond})
	time.Sleep(5 * time.Millisecond)

	limiter.cleanup()
	assert.Equal(t, 1, limiter.GetStats()["fallback_limiters"], "idle buckets past their period go")
}

func TestRateLimiterConcurrency(t *testing.T) {
	limiter, _ := newFallbackLimiter(t, DefaultConfig())
	ctx := context.Background()
	rateLimit := Rate{Limit: 100, Period: time.Hour}

	var mu sync.Mutex
	allowed := 0
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				result, err := limiter.Allow(ctx, "test:concurrent", rateLimit)
				assert.NoError(t, err)
				if result != nil && result.Allowed {
					mu.Lock()
					allowed++
					mu.Unlock()
				}
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 100, allowed)
}

func TestRateLimiterContextCancellation(t *testing.T) {
	limiter, _ := newFallbackLimiter(t, DefaultConfig())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result, err := limiter.Allow(ctx, "test:cancelled", Rate{Limit: 5, Period: time.Minute})
	require.NoError(t, err)
	assert.True(t, result.Allowed)
}

func TestRateLimiterDifferentPeriods(t *testing.T) {
	limiter, _ := newFallbackLimiter(t, DefaultConfig())
	ctx := context.Background()

	tests := []struct {
		name   string
		limit  int
		period time.Duration
	}{
		{"per second", 10, time.Second},
		{"per minute", 60, time.Minute},
		{"per hour", 1000, time.Hour},
		{"per day", 5000, 24 * time.Hour},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := limiter.Allow(ctx, "test:"+tt.name, Rate{Limit: tt.limit, Period: tt.period})
			require.NoError(t, err)
			assert.True(t, result.Allowed)
			assert.Equal(t, tt.limit, result.Limit)
		})
	}
}

func TestInvalidateIP(t *testing.T) {
	limiter, _ := newFallbackLimiter(t, DefaultConfig())
	ctx := context.Background()
	r := Rate{Limit: 1, Period: time.Hour}

	ipKey := KeyPrefix + "ip:10.0.0.1"
	endpointKey := KeyPrefix + "endpoint:analyze:10.0.0.1"
	otherKey := KeyPrefix + "ip:10.0.0.2"
	for _, key := range []string{ipKey, endpointKey, otherKey} {
		result, err := limiter.Allow(ctx, key, r)
		require.NoError(t, err)
		assert.True(t, result.Allowed)
	}

	require.NoError(t, limiter.InvalidateIP(ctx, "10.0.0.1"))

	for _, key := range []string{ipKey, endpointKey} {
		result, err := limiter.Allow(ctx, key, r)
		require.NoError(t, err)
		assert.True(t, result.Allowed, "%s should start a fresh window", key)
	}
	result, err := limiter.Allow(ctx, otherKey, r)
	require.NoError(t, err)
	assert.False(t, result.Allowed, "other IPs keep their state")
}

func TestInvalidateAllAndKeyCount(t *testing.T) {
	limiter, _ := newFallbackLimiter(t, DefaultConfig())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, _ = limiter.Allow(ctx, "k"+strconv.Itoa(i), Rate{Limit: 1, Period: time.Hour})
	}
	count, err := limiter.GetKeyCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, count)

	require.NoError(t, limiter.InvalidateAll(ctx))
	count, err = limiter.GetKeyCount(ctx)
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestIPRateLimitMiddleware(t *testing.T) {
	config := DefaultConfig()
	config.IPLimitPerMin = 2
	limiter, metrics := newFallbackLimiter(t, config)

	router := gin.New()
	router.Use(limiter.IPRateLimitMiddleware())
	router.GET("/ping", func(c *gin.Context) { c.String(http.StatusOK, "pong") })

	for i := 0; i < 2; i++ {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ping", nil))
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "2", w.Header().Get("X-RateLimit-Limit"))
		assert.Equal(t, strconv.Itoa(1-i), w.Header().Get("X-RateLimit-Remaining"))
	}

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ping", nil))
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.NotEmpty(t, w.Header().Get("Retry-After"))
	assert.Contains(t, w.Body.String(), "rate limit exceeded for IP")
	assert.Equal(t, int64(1), metrics.GetRateLimitStats()["ip_blocks"])
}

func TestEndpointRateLimitMiddleware(t *testing.T) {
	limiter, metrics := newFallbackLimiter(t, DefaultConfig())

	router := gin.New()
	router.POST("/analyze", limiter.EndpointRateLimitMiddleware("analyze", 1), func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/analyze", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/analyze", nil))
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "0", w.Header().Get("X-RateLimit-Endpoint-Remaining"))

	endpoints := metrics.GetRateLimitStats()["endpoint_blocks"].(map[string]int64)
	assert.Equal(t, int64(1), endpoints["analyze"])
}

func TestRedisCounterStore_Disabled(t *testing.T) {
	store := NewRedisCounterStore(&RedisClient{})

	assert.ErrorIs(t, store.Increment(context.Background(), "analyzed"), ErrRedisDisabled)
	_, err := store.Get(context.Background(), "analyzed")
	assert.ErrorIs(t, err, ErrRedisDisabled)
}

func TestNewRedisClient_EmptyAddr(t *testing.T) {
	client, err := NewRedisClient("", "", 0)
	require.NoError(t, err)
	assert.False(t, client.IsEnabled())
	assert.ErrorIs(t, client.HealthCheck(context.Background()), ErrRedisDisabled)
	assert.Equal(t, false, client.GetPoolStats()["enabled"])
	assert.NoError(t, client.Close())
}
