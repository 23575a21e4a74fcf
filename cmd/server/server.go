package main

import (
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/ZanzyTHEbar/phish-o-meter/internal/analysis"
	"github.com/ZanzyTHEbar/phish-o-meter/internal/cache"
	"github.com/ZanzyTHEbar/phish-o-meter/internal/config"
	"github.com/ZanzyTHEbar/phish-o-meter/internal/database"
	apperrors "github.com/ZanzyTHEbar/phish-o-meter/internal/errors"
	"github.com/ZanzyTHEbar/phish-o-meter/internal/features"
	"github.com/ZanzyTHEbar/phish-o-meter/internal/middleware"
	"github.com/ZanzyTHEbar/phish-o-meter/internal/monitoring"
	"github.com/ZanzyTHEbar/phish-o-meter/internal/ratelimit"
	"github.com/ZanzyTHEbar/phish-o-meter/internal/resilience"
	"github.com/ZanzyTHEbar/phish-o-meter/internal/security"
	"github.com/ZanzyTHEbar/phish-o-meter/internal/types"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
)

const version = "1.0.0"

// server holds everything the HTTP handlers touch
type server struct {
	cfg         *config.Config
	logger      *monitoring.Logger
	metrics     *monitoring.Metrics
	analyzer    *analysis.Analyzer
	store       *database.Store
	counters    analysis.CounterStore
	weights     *analysis.WeightStore
	limiter     *ratelimit.RateLimiter
	degradation *resilience.DegradationManager
	breakers    *resilience.CircuitBreakerRegistry
	compression *middleware.CompressionMiddleware
	guard       *security.SecurityMiddleware
	pageCache   *cache.Cache
}

func newRouter(s *server) *gin.Engine {
	r := gin.New()

	// Add monitoring middleware first (to capture all requests)
	r.Use(monitoring.MonitoringMiddleware(s.metrics, s.logger))
	r.Use(monitoring.SecurityMonitoringMiddleware(s.logger))

	// compression wraps the writer before any handler can render into it
	r.Use(s.compression.Handler())

	r.Use(apperrors.ErrorHandler())
	r.Use(apperrors.RecoveryHandler())

	r.Use(corsMiddleware(s.cfg.CORSAllowedOrigins))
	r.Use(security.SecurityHeadersMiddleware(s.cfg.EnableHSTS))
	r.Use(s.guard.RequestTimeout)
	r.Use(s.guard.ValidateContentType)
	r.Use(s.limiter.IPRateLimitMiddleware())

	r.GET("/health", s.handleHealth)
	r.GET("/health/services", s.handleServiceHealth)
	r.GET("/metrics", s.handleMetrics)
	r.GET("/ratelimit/status", s.limiter.HandleRateLimitStatus())

	analyzeLimit := s.limiter.Config().AnalyzeLimitPerMin
	analyze := r.Group("/analyze", s.guard.LimitBody, s.limiter.EndpointRateLimitMiddleware("analyze", analyzeLimit))
	analyze.POST("", s.handleAnalyze)
	analyze.POST("/batch", s.handleAnalyzeBatch)

	r.POST("/navigation", s.guard.LimitBody, s.limiter.EndpointRateLimitMiddleware("navigation", analyzeLimit), s.handleNavigation)

	r.GET("/stats", s.handleStats)
	r.GET("/protection", s.handleGetProtection)
	r.PUT("/protection", s.handlePutProtection)
	r.GET("/analyses", s.handleHistory)
	r.GET("/analyses/:id", s.handleGetAnalysis)
	r.GET("/weights", s.handleGetWeights)
	r.POST("/weights/reload", s.handleReloadWeights)
	r.GET("/features", s.handleFeatures)

	admin := r.Group("/admin", localOnly)
	admin.GET("/ratelimits", s.limiter.HandleAdminRateLimits())
	admin.DELETE("/ratelimits/:ip", s.limiter.HandleAdminInvalidateIP())
	admin.POST("/history/prune", s.handlePruneHistory)
	admin.POST("/breakers/reset", s.handleResetBreakers)

	return r
}

func (s *server) handleResetBreakers(c *gin.Context) {
	s.breakers.ResetAll()
	s.logger.SystemLogger("circuit_breakers_reset", c.ClientIP())
	c.JSON(http.StatusOK, gin.H{"circuit_breakers": s.breakers.GetStats()})
}

// localOnly restricts a route group to loopback callers
func localOnly(c *gin.Context) {
	ip := net.ParseIP(c.ClientIP())
	if ip == nil || !ip.IsLoopback() {
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "admin endpoints are only available locally"})
		return
	}
	c.Next()
}

// corsMiddleware lets the browser extension host call the API. Origins may
// carry one wildcard, e.g. chrome-extension://*.
func corsMiddleware(origins []string) gin.HandlerFunc {
	cfg := cors.Config{
		AllowMethods:           []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowHeaders:           []string{"Origin", "Content-Type", "Accept", "Accept-Encoding", "X-Request-ID"},
		ExposeHeaders:          []string{"Content-Length", "X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset", "Retry-After"},
		AllowWildcard:          true,
		AllowBrowserExtensions: true,
		MaxAge:                 12 * time.Hour,
	}
	for _, o := range origins {
		if o == "*" {
			cfg.AllowAllOrigins = true
			return cors.New(cfg)
		}
	}
	if len(origins) == 0 {
		cfg.AllowAllOrigins = true
		return cors.New(cfg)
	}
	cfg.AllowOrigins = origins
	return cors.New(cfg)
}

func (s *server) handleHealth(c *gin.Context) {
	services := s.degradation.GetAllServiceHealth()

	resp := gin.H{
		"status":    "ok",
		"timestamp": time.Now().Format(time.RFC3339),
		"version":   version,
		"services":  services,
	}

	for _, svc := range services {
		if svc.Level == resilience.LevelEmergency {
			resp["status"] = "degraded"
			c.JSON(http.StatusServiceUnavailable, resp)
			return
		}
	}

	c.JSON(http.StatusOK, resp)
}

func (s *server) handleServiceHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"services":         s.degradation.GetAllServiceHealth(),
		"circuit_breakers": s.breakers.GetStats(),
	})
}

func (s *server) handleMetrics(c *gin.Context) {
	resp := gin.H{
		"system":      s.metrics.GetStats(),
		"analysis":    s.metrics.GetAnalysisStats(),
		"rate_limit":  s.metrics.GetRateLimitStats(),
		"limiter":     s.limiter.GetStats(),
		"compression": s.compression.GetStats(),
	}
	if s.pageCache != nil {
		resp["content_cache"] = s.pageCache.Stats()
	}
	c.JSON(http.StatusOK, resp)
}

// toRequest validates an analyze body at the edge. Targets that are present
// but unparseable go through to the analyzer.
func (s *server) toRequest(body types.AnalyzeRequest) (analysis.Request, *apperrors.AppError) {
	target := s.guard.SanitizeTarget(body.URL)
	if err := s.guard.ValidateTarget(target); err != nil {
		return analysis.Request{}, apperrors.NewValidationErrorWithMap(map[string]string{"url": err.Error()})
	}

	mode, err := analysis.ParseMode(body.Mode)
	if err != nil {
		return analysis.Request{}, apperrors.NewValidationErrorWithMap(map[string]string{"mode": err.Error()})
	}

	req := analysis.Request{URL: target, Mode: mode}
	if body.HTML != nil {
		if err := s.guard.ValidateHTML(*body.HTML); err != nil {
			return analysis.Request{}, apperrors.NewValidationErrorWithMap(map[string]string{"html": err.Error()})
		}
		req.Content = features.HTML(*body.HTML)
	}
	return req, nil
}

func (s *server) handleAnalyze(c *gin.Context) {
	var body types.AnalyzeRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		_ = c.Error(apperrors.NewValidationError("Invalid request body", err.Error()))
		return
	}

	req, appErr := s.toRequest(body)
	if appErr != nil {
		_ = c.Error(appErr)
		return
	}

	c.JSON(http.StatusOK, s.analyzer.Analyze(c.Request.Context(), req))
}

func (s *server) handleAnalyzeBatch(c *gin.Context) {
	var body types.BatchRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		_ = c.Error(apperrors.NewValidationError("Invalid request body", err.Error()))
		return
	}

	reqs := make([]analysis.Request, 0, len(body.Requests))
	for _, item := range body.Requests {
		req, appErr := s.toRequest(item)
		if appErr != nil {
			_ = c.Error(appErr)
			return
		}
		reqs = append(reqs, req)
	}

	reports := s.analyzer.AnalyzeBatch(c.Request.Context(), reqs)
	c.JSON(http.StatusOK, gin.H{"reports": reports, "count": len(reports)})
}

// handleNavigation screens committed navigations. Subframes are ignored.
func (s *server) handleNavigation(c *gin.Context) {
	var body types.NavigationRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		_ = c.Error(apperrors.NewValidationError("Invalid request body", err.Error()))
		return
	}
	if body.FrameID != 0 {
		c.Status(http.StatusNoContent)
		return
	}

	req, appErr := s.toRequest(types.AnalyzeRequest{
		URL:  body.URL,
		HTML: body.HTML,
		Mode: string(analysis.ModeNavigation),
	})
	if appErr != nil {
		_ = c.Error(appErr)
		return
	}

	c.JSON(http.StatusOK, s.analyzer.Analyze(c.Request.Context(), req))
}

func (s *server) handleStats(c *gin.Context) {
	ctx := c.Request.Context()

	stats, err := s.store.Stats(ctx)
	if err != nil {
		_ = c.Error(apperrors.NewStorageError("stats", err))
		return
	}

	// counters may live in Redis rather than SQLite
	if _, local := s.counters.(*database.Store); !local {
		if stats.Analyzed, err = s.counters.Get(ctx, analysis.CounterAnalyzed); err != nil {
			_ = c.Error(apperrors.NewStorageError("get analyzed counter", err))
			return
		}
		if stats.Blocked, err = s.counters.Get(ctx, analysis.CounterBlocked); err != nil {
			_ = c.Error(apperrors.NewStorageError("get blocked counter", err))
			return
		}
	}

	c.JSON(http.StatusOK, stats)
}

func (s *server) handleGetProtection(c *gin.Context) {
	active, err := s.store.ProtectionActive(c.Request.Context())
	if err != nil {
		s.logger.Warn("Failed to read protection setting", "error", err)
	}
	c.JSON(http.StatusOK, gin.H{"active": active})
}

func (s *server) handlePutProtection(c *gin.Context) {
	var body types.ProtectionRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		_ = c.Error(apperrors.NewValidationError("Invalid request body", err.Error()))
		return
	}

	if err := s.store.SetProtection(c.Request.Context(), *body.Active); err != nil {
		_ = c.Error(apperrors.NewStorageError("set protection", err))
		return
	}

	state := "off"
	if *body.Active {
		state = "on"
	}
	s.logger.SystemLogger("protection_toggled", state)
	c.JSON(http.StatusOK, gin.H{"active": *body.Active})
}

func (s *server) handleHistory(c *gin.Context) {
	var q types.HistoryQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		_ = c.Error(apperrors.NewValidationError("Invalid query", err.Error()))
		return
	}

	switch analysis.Verdict(q.Verdict) {
	case "", analysis.VerdictPhishing, analysis.VerdictLegitimate, analysis.VerdictUnknown:
	default:
		_ = c.Error(apperrors.NewValidationErrorWithMap(map[string]string{
			"verdict": "must be phishing, legitimate or unknown",
		}))
		return
	}

	records, err := s.store.History(c.Request.Context(), q.Limit, q.Verdict)
	if err != nil {
		_ = c.Error(apperrors.NewStorageError("history", err))
		return
	}
	if records == nil {
		records = []database.AnalysisRecord{}
	}

	c.JSON(http.StatusOK, gin.H{"analyses": records, "count": len(records)})
}

func (s *server) handleGetAnalysis(c *gin.Context) {
	rec, err := s.store.Analysis(c.Request.Context(), c.Param("id"))
	if errors.Is(err, database.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "analysis not found"})
		return
	}
	if err != nil {
		_ = c.Error(apperrors.NewStorageError("get analysis", err))
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (s *server) handleGetWeights(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"version": features.SetVersion,
		"source":  s.weights.Path(),
		"weights": s.analyzer.Weights(),
	})
}

// handleReloadWeights re-reads the weights file and swaps the table in.
// In-flight analyses finish with the table they started with.
func (s *server) handleReloadWeights(c *gin.Context) {
	table, err := s.weights.Load()
	if err != nil {
		_ = c.Error(apperrors.NewConfigurationError("failed to load weights file", err))
		return
	}

	s.analyzer.SwapWeights(table)
	s.logger.SystemLogger("weights_reloaded", s.weights.Path())

	c.JSON(http.StatusOK, gin.H{
		"version": features.SetVersion,
		"source":  s.weights.Path(),
		"count":   table.Len(),
	})
}

func (s *server) handleFeatures(c *gin.Context) {
	checks := s.analyzer.Extractor().Registry().Checks()

	type feature struct {
		Name   features.Name   `json:"name"`
		Family features.Family `json:"family"`
		Weight float64         `json:"weight"`
	}
	weights := s.analyzer.Weights()
	out := make([]feature, 0, len(checks))
	for _, ch := range checks {
		out = append(out, feature{Name: ch.Name, Family: ch.Family, Weight: weights.Weight(ch.Name)})
	}

	c.JSON(http.StatusOK, gin.H{
		"version":  features.SetVersion,
		"count":    len(out),
		"features": out,
	})
}

func (s *server) handlePruneHistory(c *gin.Context) {
	removed, err := s.store.Prune(c.Request.Context(), s.cfg.HistoryRetention)
	if err != nil {
		_ = c.Error(apperrors.NewStorageError("prune history", err))
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"removed":   removed,
		"retention": s.cfg.HistoryRetention.String(),
	})
}
