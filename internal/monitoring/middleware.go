package monitoring

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
)

// SlowRequestThreshold marks requests worth a warning in the logs.
const SlowRequestThreshold = 5 * time.Second

// MaxAnalyzeBodyBytes is the body size above which an analyze call is flagged.
const MaxAnalyzeBodyBytes = 5 << 20

// MonitoringMiddleware creates Gin middleware for request monitoring
func MonitoringMiddleware(metrics *Metrics, logger *Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		metrics.IncrementRequest()

		ip := c.ClientIP()
		userAgent := c.GetHeader("User-Agent")
		method := c.Request.Method
		path := c.Request.URL.Path

		c.Next()

		duration := time.Since(start)
		statusCode := c.Writer.Status()

		metrics.RecordResponseTime(duration)
		metrics.RecordRequestByStatus(statusCode)

		if statusCode >= 400 {
			metrics.IncrementError()
		}

		logger.RequestLogger(method, path, ip, userAgent, statusCode, duration)

		for _, err := range c.Errors {
			logger.APIErrorLogger(err.Err, method, path, ip, statusCode)
		}

		if duration > SlowRequestThreshold {
			logger.Warn("Slow Request", "path", path, "duration_ms", duration.Milliseconds())
		}

		if statusCode >= 500 {
			logger.SystemLogger("server_error", fmt.Sprintf("Status %d for %s %s", statusCode, method, path))
		}
	}
}

// SecurityMonitoringMiddleware flags scanner traffic and oversized analyze bodies
func SecurityMonitoringMiddleware(logger *Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		ip := c.ClientIP()
		userAgent := c.GetHeader("User-Agent")
		details := make(map[string]interface{})

		if containsSQLInjectionPatterns(c.Request.URL.RawQuery) {
			details["type"] = "potential_sql_injection"
			details["query"] = c.Request.URL.RawQuery
		}

		if c.Request.Method == "POST" && strings.HasPrefix(c.Request.URL.Path, "/analyze") {
			if size := c.Request.ContentLength; size > MaxAnalyzeBodyBytes {
				details["type"] = "large_request_body"
				details["size_bytes"] = size
			}
		}

		if containsSuspiciousUserAgent(userAgent) {
			details["type"] = "suspicious_user_agent"
			details["user_agent"] = userAgent
		}

		if len(details) > 0 {
			logger.SecurityLogger("suspicious_activity_detected", ip, userAgent, details)
		}

		c.Next()
	}
}

var sqlInjectionPatterns = []string{
	"union select",
	"union all",
	"select * from",
	"drop table",
	"delete from",
	"';--",
	"/*",
	"*/",
	" xp_",
	" sp_",
}

func containsSQLInjectionPatterns(query string) bool {
	if unescaped, err := url.QueryUnescape(query); err == nil {
		query = unescaped
	}
	q := strings.ToLower(query)
	for _, pattern := range sqlInjectionPatterns {
		if strings.Contains(q, pattern) {
			return true
		}
	}
	return false
}

var scannerAgents = []string{
	"sqlmap",
	"nmap",
	"masscan",
	"zmap",
	"dirbuster",
	"gobuster",
	"nikto",
	"acunetix",
	"openvas",
	"nessus",
}

func containsSuspiciousUserAgent(userAgent string) bool {
	ua := strings.ToLower(userAgent)
	for _, agent := range scannerAgents {
		if strings.Contains(ua, agent) {
			return true
		}
	}
	return false
}
