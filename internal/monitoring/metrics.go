package monitoring

import (
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

const maxResponseSamples = 1000

// Metrics holds process-wide counters for the HTTP surface and the analysis pipeline
type Metrics struct {
	RequestCount        int64
	ErrorCount          int64
	AverageResponseTime int64 // in nanoseconds
	StartTime           time.Time

	// Analysis outcomes
	AnalysesTotal    int64
	PhishingVerdicts int64
	SkippedTargets   int64
	DisabledChecks   int64
	NonAnalyzable    int64
	ContentMissing   int64
	Interventions    int64

	// Page acquisition
	FetchTimeouts int64
	FetchFailures int64

	ResponseTimes      []time.Duration
	ResponseTimesMutex sync.RWMutex

	RequestCountByStatus map[int]int64
	StatusMutex          sync.RWMutex

	CircuitBreakerOpens  int64
	CircuitBreakerCloses int64

	// Per fetcher or sink
	ExternalAPIRequests   map[string]int64
	ExternalAPIErrorCount map[string]int64
	ExternalAPIMutex      sync.RWMutex

	RateLimitIPBlocks       int64
	RateLimitRedisErrors    int64
	RateLimitFallbackCount  int64
	RateLimitEndpointBlocks map[string]int64
	RateLimitMutex          sync.RWMutex
}

// NewMetrics creates a new metrics instance
func NewMetrics() *Metrics {
	return &Metrics{
		StartTime:               time.Now(),
		ResponseTimes:           make([]time.Duration, 0, maxResponseSamples),
		RequestCountByStatus:    make(map[int]int64),
		ExternalAPIRequests:     make(map[string]int64),
		ExternalAPIErrorCount:   make(map[string]int64),
		RateLimitEndpointBlocks: make(map[string]int64),
	}
}

// IncrementRequest increments the request count
func (m *Metrics) IncrementRequest() {
	atomic.AddInt64(&m.RequestCount, 1)
}

// IncrementError increments the error count
func (m *Metrics) IncrementError() {
	atomic.AddInt64(&m.ErrorCount, 1)
}

// AnalysisSample is the slice of a finished report the metrics care about
type AnalysisSample struct {
	Outcome          string
	Phishing         bool
	ContentAvailable bool
	FetchTimedOut    bool
	FetchFailed      bool
	Intervened       bool
}

// RecordAnalysis folds one finished analysis into the counters
func (m *Metrics) RecordAnalysis(s AnalysisSample) {
	atomic.AddInt64(&m.AnalysesTotal, 1)

	switch s.Outcome {
	case "skipped":
		atomic.AddInt64(&m.SkippedTargets, 1)
		return
	case "disabled":
		atomic.AddInt64(&m.DisabledChecks, 1)
		return
	case "non_analyzable":
		atomic.AddInt64(&m.NonAnalyzable, 1)
		return
	}

	if s.Phishing {
		atomic.AddInt64(&m.PhishingVerdicts, 1)
	}
	if !s.ContentAvailable {
		atomic.AddInt64(&m.ContentMissing, 1)
	}
	if s.FetchTimedOut {
		atomic.AddInt64(&m.FetchTimeouts, 1)
	} else if s.FetchFailed {
		atomic.AddInt64(&m.FetchFailures, 1)
	}
	if s.Intervened {
		atomic.AddInt64(&m.Interventions, 1)
	}
}

// RecordResponseTime records response time for averaging and percentiles
func (m *Metrics) RecordResponseTime(duration time.Duration) {
	current := atomic.LoadInt64(&m.AverageResponseTime)
	newAverage := (current + duration.Nanoseconds()) / 2
	atomic.StoreInt64(&m.AverageResponseTime, newAverage)

	m.ResponseTimesMutex.Lock()
	m.ResponseTimes = append(m.ResponseTimes, duration)
	if len(m.ResponseTimes) > maxResponseSamples {
		m.ResponseTimes = m.ResponseTimes[1:]
	}
	m.ResponseTimesMutex.Unlock()
}

// RecordRequestByStatus records request count by HTTP status code
func (m *Metrics) RecordRequestByStatus(statusCode int) {
	m.StatusMutex.Lock()
	defer m.StatusMutex.Unlock()
	m.RequestCountByStatus[statusCode]++
}

// IncrementCircuitBreakerOpen increments circuit breaker open count
func (m *Metrics) IncrementCircuitBreakerOpen() {
	atomic.AddInt64(&m.CircuitBreakerOpens, 1)
}

// IncrementCircuitBreakerClose increments circuit breaker close count
func (m *Metrics) IncrementCircuitBreakerClose() {
	atomic.AddInt64(&m.CircuitBreakerCloses, 1)
}

// RecordExternalAPIRequest records a call to a fetcher, webhook or store
func (m *Metrics) RecordExternalAPIRequest(apiName string, success bool) {
	m.ExternalAPIMutex.Lock()
	defer m.ExternalAPIMutex.Unlock()

	m.ExternalAPIRequests[apiName]++
	if !success {
		m.ExternalAPIErrorCount[apiName]++
	}
}

// GetPercentileResponseTime calculates percentile response time
func (m *Metrics) GetPercentileResponseTime(percentile float64) time.Duration {
	m.ResponseTimesMutex.RLock()
	defer m.ResponseTimesMutex.RUnlock()

	if len(m.ResponseTimes) == 0 {
		return 0
	}

	times := make([]time.Duration, len(m.ResponseTimes))
	copy(times, m.ResponseTimes)

	sort.Slice(times, func(i, j int) bool {
		return times[i] < times[j]
	})

	index := int(float64(len(times)-1) * percentile / 100.0)
	if index >= len(times) {
		index = len(times) - 1
	}

	return times[index]
}

// GetStatusCodeDistribution returns request count by status code
func (m *Metrics) GetStatusCodeDistribution() map[int]int64 {
	m.StatusMutex.RLock()
	defer m.StatusMutex.RUnlock()

	distribution := make(map[int]int64, len(m.RequestCountByStatus))
	for code, count := range m.RequestCountByStatus {
		distribution[code] = count
	}
	return distribution
}

// GetExternalAPIStats returns per-collaborator call statistics
func (m *Metrics) GetExternalAPIStats() map[string]interface{} {
	m.ExternalAPIMutex.RLock()
	defer m.ExternalAPIMutex.RUnlock()

	stats := make(map[string]interface{})
	for api, requests := range m.ExternalAPIRequests {
		errors := m.ExternalAPIErrorCount[api]
		errorRate := float64(0)
		if requests > 0 {
			errorRate = float64(errors) / float64(requests) * 100
		}

		stats[api] = map[string]interface{}{
			"requests":   requests,
			"errors":     errors,
			"error_rate": errorRate,
		}
	}
	return stats
}

// GetAnalysisStats returns the pipeline counters
func (m *Metrics) GetAnalysisStats() map[string]interface{} {
	total := atomic.LoadInt64(&m.AnalysesTotal)
	phishing := atomic.LoadInt64(&m.PhishingVerdicts)
	skipped := atomic.LoadInt64(&m.SkippedTargets)
	disabled := atomic.LoadInt64(&m.DisabledChecks)
	nonAnalyzable := atomic.LoadInt64(&m.NonAnalyzable)

	scored := total - skipped - disabled - nonAnalyzable
	phishingRate := float64(0)
	if scored > 0 {
		phishingRate = float64(phishing) / float64(scored) * 100
	}

	return map[string]interface{}{
		"total":                 total,
		"scored":                scored,
		"phishing":              phishing,
		"phishing_rate_percent": phishingRate,
		"skipped":               skipped,
		"disabled":              disabled,
		"non_analyzable":        nonAnalyzable,
		"content_missing":       atomic.LoadInt64(&m.ContentMissing),
		"interventions":         atomic.LoadInt64(&m.Interventions),
		"fetch_timeouts":        atomic.LoadInt64(&m.FetchTimeouts),
		"fetch_failures":        atomic.LoadInt64(&m.FetchFailures),
	}
}

// GetStats returns current metrics statistics
func (m *Metrics) GetStats() map[string]interface{} {
	requests := atomic.LoadInt64(&m.RequestCount)
	errors := atomic.LoadInt64(&m.ErrorCount)
	avgResponseTime := atomic.LoadInt64(&m.AverageResponseTime)

	errorRate := float64(0)
	if requests > 0 {
		errorRate = float64(errors) / float64(requests) * 100
	}

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	heapUsage := float64(0)
	if mem.HeapSys > 0 {
		heapUsage = float64(mem.HeapAlloc) / float64(mem.HeapSys) * 100
	}

	return map[string]interface{}{
		"uptime_seconds":       time.Since(m.StartTime).Seconds(),
		"total_requests":       requests,
		"error_count":          errors,
		"error_rate_percent":   errorRate,
		"avg_response_time_ms": float64(avgResponseTime) / 1000000,
		"start_time":           m.StartTime.Format(time.RFC3339),

		"p50_response_time_ms":     float64(m.GetPercentileResponseTime(50)) / 1000000,
		"p95_response_time_ms":     float64(m.GetPercentileResponseTime(95)) / 1000000,
		"p99_response_time_ms":     float64(m.GetPercentileResponseTime(99)) / 1000000,
		"status_code_distribution": m.GetStatusCodeDistribution(),
		"external_api_stats":       m.GetExternalAPIStats(),
		"analysis":                 m.GetAnalysisStats(),
		"rate_limit":               m.GetRateLimitStats(),

		"circuit_breaker_opens":  atomic.LoadInt64(&m.CircuitBreakerOpens),
		"circuit_breaker_closes": atomic.LoadInt64(&m.CircuitBreakerCloses),

		"go_gc_count":           mem.NumGC,
		"go_goroutines":         runtime.NumGoroutine(),
		"go_heap_alloc_bytes":   mem.HeapAlloc,
		"go_heap_sys_bytes":     mem.HeapSys,
		"go_heap_usage_percent": heapUsage,
	}
}

// Reset resets all metrics (useful for testing)
func (m *Metrics) Reset() {
	for _, p := range []*int64{
		&m.RequestCount, &m.ErrorCount, &m.AverageResponseTime,
		&m.AnalysesTotal, &m.PhishingVerdicts, &m.SkippedTargets, &m.DisabledChecks,
		&m.NonAnalyzable, &m.ContentMissing, &m.Interventions,
		&m.FetchTimeouts, &m.FetchFailures,
		&m.CircuitBreakerOpens, &m.CircuitBreakerCloses,
		&m.RateLimitIPBlocks, &m.RateLimitRedisErrors, &m.RateLimitFallbackCount,
	} {
		atomic.StoreInt64(p, 0)
	}

	m.ResponseTimesMutex.Lock()
	m.ResponseTimes = m.ResponseTimes[:0]
	m.ResponseTimesMutex.Unlock()

	m.StatusMutex.Lock()
	m.RequestCountByStatus = make(map[int]int64)
	m.StatusMutex.Unlock()

	m.ExternalAPIMutex.Lock()
	m.ExternalAPIRequests = make(map[string]int64)
	m.ExternalAPIErrorCount = make(map[string]int64)
	m.ExternalAPIMutex.Unlock()

	m.RateLimitMutex.Lock()
	m.RateLimitEndpointBlocks = make(map[string]int64)
	m.RateLimitMutex.Unlock()

	m.StartTime = time.Now()
}

// IncrementRateLimitIPBlock increments IP-based rate limit blocks
func (m *Metrics) IncrementRateLimitIPBlock() {
	atomic.AddInt64(&m.RateLimitIPBlocks, 1)
}

// IncrementRateLimitRedisError increments Redis error count for rate limiting
func (m *Metrics) IncrementRateLimitRedisError() {
	atomic.AddInt64(&m.RateLimitRedisErrors, 1)
}

// IncrementRateLimitFallback increments fallback rate limiter usage count
func (m *Metrics) IncrementRateLimitFallback() {
	atomic.AddInt64(&m.RateLimitFallbackCount, 1)
}

// IncrementRateLimitEndpoint increments rate limit blocks for a specific endpoint
func (m *Metrics) IncrementRateLimitEndpoint(endpoint string) {
	m.RateLimitMutex.Lock()
	defer m.RateLimitMutex.Unlock()
	m.RateLimitEndpointBlocks[endpoint]++
}

// GetRateLimitStats returns rate limiting statistics
func (m *Metrics) GetRateLimitStats() map[string]interface{} {
	m.RateLimitMutex.RLock()
	endpointBlocksCopy := make(map[string]int64, len(m.RateLimitEndpointBlocks))
	for k, v := range m.RateLimitEndpointBlocks {
		endpointBlocksCopy[k] = v
	}
	m.RateLimitMutex.RUnlock()

	return map[string]interface{}{
		"ip_blocks":       atomic.LoadInt64(&m.RateLimitIPBlocks),
		"redis_errors":    atomic.LoadInt64(&m.RateLimitRedisErrors),
		"fallback_count":  atomic.LoadInt64(&m.RateLimitFallbackCount),
		"endpoint_blocks": endpointBlocksCopy,
	}
}
