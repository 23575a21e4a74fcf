package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ZanzyTHEbar/phish-o-meter/internal/adapters"
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
	"github.com/gin-gonic/gin"
)

const (
	contentCacheTTL   = 10 * time.Minute
	contentCacheItems = 2048
	pruneInterval     = time.Hour
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}

	logger := monitoring.NewLogger()
	logger.SetLevel(monitoring.ParseLevel(cfg.LogLevel))
	slog.SetDefault(logger.Logger)

	if os.Getenv("GIN_MODE") == "" {
		gin.SetMode(gin.ReleaseMode)
	}

	s, cleanup, err := newServer(cfg, logger)
	if err != nil {
		slog.Error("Failed to initialize server", "error", err)
		os.Exit(1)
	}
	defer cleanup()

	bg, stopBackground := context.WithCancel(context.Background())
	defer stopBackground()

	go s.degradation.StartHealthChecks(bg)
	if s.pageCache != nil {
		go s.pageCache.Run(bg, time.Minute)
	}
	go s.pruneHistory(bg, pruneInterval)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           newRouter(s),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		slog.Info("Starting server", "port", cfg.Port, "fetch_mode", cfg.FetchMode, "counters", cfg.CounterBackend)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("Server failed to start", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	slog.Info("Shutting down server...")

	stopBackground()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
	}

	slog.Info("Server exited")
}

// newServer wires storage, fetching, interventions and the analyzer from cfg.
// The returned cleanup releases every resource opened here.
func newServer(cfg *config.Config, logger *monitoring.Logger) (*server, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	fail := func(err error) (*server, func(), error) {
		cleanup()
		return nil, nil, err
	}

	metrics := monitoring.NewMetrics()
	degradation := resilience.NewDegradationManager(resilience.DefaultDegradationConfig())
	breakers := resilience.NewCircuitBreakerRegistry()
	retries := resilience.NewRetryManager()
	retries.RegisterPolicy(resilience.ServicePageFetch, resilience.FastRetryPolicy)
	retries.RegisterPolicy(resilience.ServiceWebhook, resilience.StandardRetryPolicy)
	breakerConfig := resilience.CircuitBreakerConfig{
		FailureThreshold: 5,
		RecoveryTimeout:  30 * time.Second,
		SuccessThreshold: 2,
		OnStateChange: func(name string, from, to resilience.CircuitBreakerState) {
			logger.Warn("Circuit breaker state changed", "service", name, "from", from.String(), "to", to.String())
			switch to {
			case resilience.StateOpen:
				metrics.IncrementCircuitBreakerOpen()
			case resilience.StateClosed:
				metrics.IncrementCircuitBreakerClose()
			}
		},
	}

	db, err := database.NewDB(cfg.DataDir)
	if err != nil {
		return fail(fmt.Errorf("open database: %w", err))
	}
	closers = append(closers, func() { apperrors.SafeClose(db, "database") })
	degradation.RegisterService(resilience.ServiceDatabase, db.HealthCheck)

	store := database.NewStore(database.NewRepository(db))

	redisClient, err := ratelimit.NewRedisClient(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	if err != nil {
		if cfg.CounterBackend == config.CounterRedis {
			return fail(fmt.Errorf("counter backend redis: %w", err))
		}
		slog.Warn("Redis unavailable, continuing without it", "error", err)
	}
	closers = append(closers, func() { apperrors.SafeClose(redisClient, "redis") })
	if redisClient.IsEnabled() {
		degradation.RegisterService(resilience.ServiceRedis, redisClient.HealthCheck)
	}

	var counters analysis.CounterStore = store
	if cfg.CounterBackend == config.CounterRedis {
		counters = ratelimit.NewRedisCounterStore(redisClient)
	}

	limiterConfig := ratelimit.DefaultConfig()
	limiterConfig.IPLimitPerMin = cfg.RateLimitPerMin
	limiterConfig.AnalyzeLimitPerMin = max(cfg.RateLimitPerMin/2, 1)
	limiter := ratelimit.NewRateLimiter(redisClient, limiterConfig, metrics)
	closers = append(closers, limiter.Close)

	var (
		fetcher   analysis.ContentFetcher
		pageCache *cache.Cache
	)
	switch cfg.FetchMode {
	case config.FetchHTTP:
		pool := resilience.NewConnectionPool(resilience.PoolConfig{
			RequestTimeout: cfg.FetchTimeout,
			DenyPrivate:    cfg.FetchDenyPrivate,
		}, nil)
		httpFetcher := adapters.NewHTTPFetcher(
			adapters.WithPool(pool),
			adapters.WithRetryPolicy(retries.GetPolicy(resilience.ServicePageFetch)),
			adapters.WithFetchLogger(logger.Logger),
			adapters.WithObserver(metrics),
			adapters.WithDegradation(degradation),
		)
		closers = append(closers, func() { apperrors.SafeClose(httpFetcher, "page fetcher") })
		fetcher = httpFetcher
	case config.FetchBrowser:
		browser := adapters.NewBrowserFetcher(adapters.BrowserConfig{
			RemoteURL:   cfg.ChromeRemoteURL,
			Logger:      logger.Logger,
			Observer:    metrics,
			Degradation: degradation,
		})
		closers = append(closers, func() { apperrors.SafeClose(browser, "browser") })
		degradation.RegisterService(resilience.ServiceBrowser, browser.Ping)
		fetcher = browser
	}
	if fetcher != nil {
		pageCache = cache.NewCache(contentCacheTTL, contentCacheItems)
		fetcher = cache.NewFetcher(fetcher, pageCache)
	}

	sinks := adapters.FanoutSink{adapters.NewLogSink(logger)}
	if cfg.BlockWebhookURL != "" {
		pool := resilience.NewConnectionPool(
			resilience.PoolConfig{MaxActive: 4, RequestTimeout: 10 * time.Second},
			breakers.GetOrCreate(resilience.ServiceWebhook, breakerConfig),
		)
		sinks = append(sinks, adapters.NewWebhookSink(cfg.BlockWebhookURL,
			adapters.WithWebhookPool(pool),
			adapters.WithWebhookRetryPolicy(retries.GetPolicy(resilience.ServiceWebhook)),
			adapters.WithWebhookObserver(metrics),
			adapters.WithWebhookDegradation(degradation),
		))
	}

	weights := analysis.NewWeightStore(cfg.WeightsFile)
	table, err := weights.Load()
	if err != nil {
		return fail(fmt.Errorf("load weights: %w", err))
	}

	opts := []analysis.Option{
		analysis.WithSink(sinks),
		analysis.WithCounters(counters),
		analysis.WithProtectionSwitch(store),
		analysis.WithRecorder(analysis.Recorders{store, monitoring.NewAnalysisRecorder(metrics, logger)}),
		analysis.WithLogger(logger.Logger),
		analysis.WithExtractor(features.NewExtractor(features.WithLogger(logger.Logger))),
		analysis.WithFetchTimeout(cfg.FetchTimeout),
		analysis.WithSafeRedirectURL(cfg.SafeRedirectURL),
		analysis.WithBatchConcurrency(cfg.BatchConcurrency),
	}
	if fetcher != nil {
		opts = append(opts, analysis.WithFetcher(fetcher))
	}

	s := &server{
		cfg:         cfg,
		logger:      logger,
		metrics:     metrics,
		analyzer:    analysis.NewAnalyzer(table, opts...),
		store:       store,
		counters:    counters,
		weights:     weights,
		limiter:     limiter,
		degradation: degradation,
		breakers:    breakers,
		compression: middleware.NewCompressionMiddleware(middleware.DefaultCompressionConfig()),
		guard:       security.NewSecurityMiddleware(security.SecurityConfig{EnableHSTS: cfg.EnableHSTS}),
		pageCache:   pageCache,
	}

	logger.SystemLogger("server_initialized", fmt.Sprintf("weights=%d fetch=%s counters=%s", table.Len(), cfg.FetchMode, cfg.CounterBackend))
	return s, cleanup, nil
}

// pruneHistory drops analyses older than the retention window every interval
func (s *server) pruneHistory(ctx context.Context, interval time.Duration) {
	if s.cfg.HistoryRetention <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed, err := s.store.Prune(ctx, s.cfg.HistoryRetention)
			if err != nil {
				slog.Error("Failed to prune analysis history", "error", err)
				continue
			}
			if removed > 0 {
				slog.Info("Pruned analysis history", "removed", removed)
			}
		}
	}
}
