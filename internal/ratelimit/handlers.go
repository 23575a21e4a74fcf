package ratelimit

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// HandleRateLimitStatus reports the quotas that apply to the caller
func (rl *RateLimiter) HandleRateLimitStatus() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"ip": c.ClientIP(),
			"limits": gin.H{
				"ip_per_minute":      rl.config.IPLimitPerMin,
				"analyze_per_minute": rl.config.AnalyzeLimitPerMin,
			},
			"backend":   rl.backend(),
			"timestamp": time.Now().Format(time.RFC3339),
		})
	}
}

// HandleAdminRateLimits returns key counts, limiter stats and block metrics
func (rl *RateLimiter) HandleAdminRateLimits() gin.HandlerFunc {
	return func(c *gin.Context) {
		keyCount, err := rl.GetKeyCount(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{
				"error":   "failed to get key count",
				"details": err.Error(),
			})
			return
		}

		var rateLimitMetrics map[string]interface{}
		if rl.metrics != nil {
			rateLimitMetrics = rl.metrics.GetRateLimitStats()
		}

		c.JSON(http.StatusOK, gin.H{
			"total_keys":    keyCount,
			"limiter_stats": rl.GetStats(),
			"metrics":       rateLimitMetrics,
			"timestamp":     time.Now().Format(time.RFC3339),
		})
	}
}

// HandleAdminInvalidateIP clears the quotas of the IP in the path
func (rl *RateLimiter) HandleAdminInvalidateIP() gin.HandlerFunc {
	return func(c *gin.Context) {
		ip := c.Param("ip")
		if ip == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "IP address is required"})
			return
		}

		if err := rl.InvalidateIP(c.Request.Context(), ip); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{
				"error":   "failed to invalidate IP rate limits",
				"details": err.Error(),
			})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"message":   "IP rate limits invalidated successfully",
			"ip":        ip,
			"timestamp": time.Now().Format(time.RFC3339),
		})
	}
}

func (rl *RateLimiter) backend() string {
	if rl.redisClient.IsEnabled() {
		return "redis"
	}
	return "memory"
}
