package resilience

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Downstream services tracked by the degradation manager.
const (
	ServicePageFetch = "page-fetch"
	ServiceBrowser   = "browser"
	ServiceWebhook   = "webhook"
	ServiceRedis     = "redis"
	ServiceDatabase  = "database"
)

// DegradationLevel represents the current degradation state
type DegradationLevel int

const (
	LevelNormal DegradationLevel = iota
	LevelDegraded
	LevelCritical
	LevelEmergency
)

func (l DegradationLevel) String() string {
	switch l {
	case LevelNormal:
		return "normal"
	case LevelDegraded:
		return "degraded"
	case LevelCritical:
		return "critical"
	case LevelEmergency:
		return "emergency"
	default:
		return "unknown"
	}
}

func (l DegradationLevel) MarshalText() ([]byte, error) { return []byte(l.String()), nil }

// DegradationConfig holds configuration for graceful degradation
type DegradationConfig struct {
	HealthCheckInterval time.Duration `json:"health_check_interval"`
	DegradedThreshold   float64       `json:"degraded_threshold"`
	CriticalThreshold   float64       `json:"critical_threshold"`
	EmergencyThreshold  float64       `json:"emergency_threshold"`
	HealthCheckTimeout  time.Duration `json:"health_check_timeout"`
	MaxDegradedDuration time.Duration `json:"max_degraded_duration"`
	// MinRequests is the sample size below which the level stays normal.
	MinRequests int64 `json:"min_requests"`
}

// DefaultDegradationConfig returns sensible defaults
func DefaultDegradationConfig() DegradationConfig {
	return DegradationConfig{
		HealthCheckInterval: 30 * time.Second,
		DegradedThreshold:   0.1,
		CriticalThreshold:   0.25,
		EmergencyThreshold:  0.5,
		HealthCheckTimeout:  5 * time.Second,
		MaxDegradedDuration: 10 * time.Minute,
		MinRequests:         5,
	}
}

// ServiceHealth represents the health status of a service
type ServiceHealth struct {
	ServiceName   string           `json:"service_name"`
	Level         DegradationLevel `json:"level"`
	ErrorRate     float64          `json:"error_rate"`
	TotalRequests int64            `json:"total_requests"`
	ErrorCount    int64            `json:"error_count"`
	LastError     string           `json:"last_error,omitempty"`
	LastErrorTime time.Time        `json:"last_error_time,omitempty"`
	DegradedSince *time.Time       `json:"degraded_since,omitempty"`
	StatusMessage string           `json:"status_message"`
}

// HealthCheckFunc represents a function that checks service health
type HealthCheckFunc func(ctx context.Context) error

// DegradationManager tracks the error rate of each downstream service so the
// analysis pipeline can skip a collaborator that is known to be failing.
type DegradationManager struct {
	config       DegradationConfig
	services     map[string]*ServiceHealth
	healthChecks map[string]HealthCheckFunc
	mutex        sync.RWMutex
	now          func() time.Time
}

// NewDegradationManager creates a new degradation manager
func NewDegradationManager(config DegradationConfig) *DegradationManager {
	return &DegradationManager{
		config:       config,
		services:     make(map[string]*ServiceHealth),
		healthChecks: make(map[string]HealthCheckFunc),
		now:          time.Now,
	}
}

// RegisterService registers a service with an optional health check
func (dm *DegradationManager) RegisterService(serviceName string, healthCheck HealthCheckFunc) {
	dm.mutex.Lock()
	defer dm.mutex.Unlock()

	dm.services[serviceName] = &ServiceHealth{
		ServiceName:   serviceName,
		Level:         LevelNormal,
		StatusMessage: "Service is healthy",
	}
	if healthCheck != nil {
		dm.healthChecks[serviceName] = healthCheck
	}

	slog.Debug("Registered service for degradation management", "service", serviceName)
}

// Observe records the result of one call to serviceName. Unregistered
// services are ignored.
func (dm *DegradationManager) Observe(serviceName string, err error) {
	dm.mutex.Lock()
	defer dm.mutex.Unlock()

	service, exists := dm.services[serviceName]
	if !exists {
		return
	}

	service.TotalRequests++
	if err != nil {
		service.ErrorCount++
		service.LastError = err.Error()
		service.LastErrorTime = dm.now()
	}
	service.ErrorRate = float64(service.ErrorCount) / float64(service.TotalRequests)

	dm.updateDegradationLevel(service)
}

// updateDegradationLevel must be called with the write lock held.
func (dm *DegradationManager) updateDegradationLevel(service *ServiceHealth) {
	oldLevel := service.Level
	now := dm.now()

	newLevel := LevelNormal
	statusMessage := "Service is healthy"

	if service.TotalRequests >= dm.config.MinRequests {
		switch {
		case service.ErrorRate >= dm.config.EmergencyThreshold:
			newLevel = LevelEmergency
			statusMessage = "Service is failing most calls"
		case service.ErrorRate >= dm.config.CriticalThreshold:
			newLevel = LevelCritical
			statusMessage = "Service error rate is elevated"
		case service.ErrorRate >= dm.config.DegradedThreshold:
			newLevel = LevelDegraded
			statusMessage = "Service is degraded"
		}
	}

	if newLevel == LevelDegraded && service.DegradedSince != nil &&
		now.Sub(*service.DegradedSince) > dm.config.MaxDegradedDuration {
		newLevel = LevelEmergency
		statusMessage = "Service has been degraded too long"
	}

	if newLevel == LevelDegraded && service.DegradedSince == nil {
		service.DegradedSince = &now
	} else if newLevel != LevelDegraded {
		service.DegradedSince = nil
	}

	service.Level = newLevel
	service.StatusMessage = statusMessage

	if oldLevel != newLevel {
		slog.Warn("Service degradation level changed",
			"service", service.ServiceName,
			"old_level", oldLevel.String(),
			"new_level", newLevel.String(),
			"error_rate", service.ErrorRate,
			"total_requests", service.TotalRequests)
	}
}

// GetServiceHealth returns a copy of the health status of a service
func (dm *DegradationManager) GetServiceHealth(serviceName string) (ServiceHealth, bool) {
	dm.mutex.RLock()
	defer dm.mutex.RUnlock()

	service, exists := dm.services[serviceName]
	if !exists {
		return ServiceHealth{}, false
	}
	return *service, true
}

// GetAllServiceHealth returns health status for all services, sorted by name
func (dm *DegradationManager) GetAllServiceHealth() []ServiceHealth {
	dm.mutex.RLock()
	defer dm.mutex.RUnlock()

	result := make([]ServiceHealth, 0, len(dm.services))
	for _, service := range dm.services {
		result = append(result, *service)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ServiceName < result[j].ServiceName })
	return result
}

// IsServiceAvailable reports false only for registered services in emergency
func (dm *DegradationManager) IsServiceAvailable(serviceName string) bool {
	dm.mutex.RLock()
	defer dm.mutex.RUnlock()

	service, exists := dm.services[serviceName]
	if !exists {
		return true
	}
	return service.Level != LevelEmergency
}

// StartHealthChecks runs the registered health checks until ctx ends
func (dm *DegradationManager) StartHealthChecks(ctx context.Context) {
	interval := dm.config.HealthCheckInterval
	if interval <= 0 {
		interval = DefaultDegradationConfig().HealthCheckInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			dm.RunHealthChecks(ctx)
		}
	}
}

// RunHealthChecks runs every registered check once and waits for them
func (dm *DegradationManager) RunHealthChecks(ctx context.Context) {
	dm.mutex.RLock()
	checks := make(map[string]HealthCheckFunc, len(dm.healthChecks))
	for name, check := range dm.healthChecks {
		checks[name] = check
	}
	dm.mutex.RUnlock()

	timeout := dm.config.HealthCheckTimeout
	if timeout <= 0 {
		timeout = DefaultDegradationConfig().HealthCheckTimeout
	}

	var wg sync.WaitGroup
	for name, check := range checks {
		wg.Add(1)
		go func(name string, check HealthCheckFunc) {
			defer wg.Done()
			checkCtx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			if err := check(checkCtx); err != nil {
				dm.Observe(name, fmt.Errorf("health check failed for %s: %w", name, err))
				return
			}
			dm.Observe(name, nil)
		}(name, check)
	}
	wg.Wait()
}

// ResetService resets a service's health status
func (dm *DegradationManager) ResetService(serviceName string) {
	dm.mutex.Lock()
	defer dm.mutex.Unlock()

	if _, exists := dm.services[serviceName]; exists {
		dm.services[serviceName] = &ServiceHealth{
			ServiceName:   serviceName,
			Level:         LevelNormal,
			StatusMessage: "Service is healthy",
		}
		slog.Info("Service health reset", "service", serviceName)
	}
}
