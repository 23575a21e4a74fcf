// Package config reads service configuration from the environment. A .env
// file in the working directory is loaded first when present; variables
// already set in the environment win.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Fetch modes for server-side content acquisition.
const (
	FetchHTTP    = "http"
	FetchBrowser = "browser"
	FetchNone    = "none"
)

// Counter backends.
const (
	CounterSQLite = "sqlite"
	CounterRedis  = "redis"
)

// Config is the full server configuration.
type Config struct {
	Port     string
	DataDir  string
	LogLevel string

	WeightsFile     string
	FetchTimeout    time.Duration
	FetchMode       string
	ChromeRemoteURL string

	// FetchDenyPrivate stops the HTTP fetcher from reaching internal addresses.
	FetchDenyPrivate bool

	SafeRedirectURL string
	BlockWebhookURL string

	RedisAddr      string
	RedisPassword  string
	RedisDB        int
	CounterBackend string

	RateLimitPerMin  int
	BatchConcurrency int
	HistoryRetention time.Duration

	CORSAllowedOrigins []string
	EnableHSTS         bool
}

// Load reads .env (if any) and the environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		slog.Warn("Failed to load .env file", "error", err)
	}
	return FromEnv()
}

// FromEnv builds a Config from the current environment only.
func FromEnv() (*Config, error) {
	var errs []string
	cfg := &Config{
		Port:            getEnvOrDefault("PORT", "8080"),
		DataDir:         getEnvOrDefault("DATA_DIR", "./data"),
		LogLevel:        getEnvOrDefault("LOG_LEVEL", "info"),
		WeightsFile:     os.Getenv("WEIGHTS_FILE"),
		FetchMode:       strings.ToLower(getEnvOrDefault("FETCH_MODE", FetchHTTP)),
		ChromeRemoteURL: os.Getenv("CHROME_REMOTE_URL"),
		SafeRedirectURL: os.Getenv("SAFE_REDIRECT_URL"),
		BlockWebhookURL: os.Getenv("BLOCK_WEBHOOK_URL"),
		RedisAddr:       os.Getenv("REDIS_ADDR"),
		RedisPassword:   os.Getenv("REDIS_PASSWORD"),
		CounterBackend:  strings.ToLower(getEnvOrDefault("COUNTER_BACKEND", CounterSQLite)),
		EnableHSTS:      os.Getenv("ENABLE_HSTS") == "true",
		CORSAllowedOrigins: splitList(getEnvOrDefault("CORS_ALLOWED_ORIGINS",
			"chrome-extension://*,moz-extension://*,http://localhost:3000")),
	}

	cfg.FetchDenyPrivate = os.Getenv("FETCH_DENY_PRIVATE") == "true"

	var err error
	if cfg.FetchTimeout, err = durationEnv("FETCH_TIMEOUT", 3*time.Second); err != nil {
		errs = append(errs, err.Error())
	}
	if cfg.HistoryRetention, err = durationEnv("HISTORY_RETENTION", 30*24*time.Hour); err != nil {
		errs = append(errs, err.Error())
	}
	if cfg.RedisDB, err = intEnv("REDIS_DB", 0); err != nil {
		errs = append(errs, err.Error())
	}
	if cfg.RateLimitPerMin, err = intEnv("RATE_LIMIT_PER_MIN", 120); err != nil {
		errs = append(errs, err.Error())
	}
	if cfg.BatchConcurrency, err = intEnv("BATCH_CONCURRENCY", 8); err != nil {
		errs = append(errs, err.Error())
	}

	switch cfg.FetchMode {
	case FetchHTTP, FetchBrowser, FetchNone:
	default:
		errs = append(errs, fmt.Sprintf("FETCH_MODE must be http, browser or none, got %q", cfg.FetchMode))
	}
	switch cfg.CounterBackend {
	case CounterSQLite:
	case CounterRedis:
		if cfg.RedisAddr == "" {
			errs = append(errs, "COUNTER_BACKEND=redis requires REDIS_ADDR")
		}
	default:
		errs = append(errs, fmt.Sprintf("COUNTER_BACKEND must be sqlite or redis, got %q", cfg.CounterBackend))
	}
	if cfg.FetchTimeout <= 0 {
		errs = append(errs, "FETCH_TIMEOUT must be positive")
	}
	if cfg.RateLimitPerMin <= 0 {
		errs = append(errs, "RATE_LIMIT_PER_MIN must be positive")
	}
	if cfg.BatchConcurrency <= 0 {
		errs = append(errs, "BATCH_CONCURRENCY must be positive")
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("invalid configuration: %s", strings.Join(errs, "; "))
	}
	return cfg, nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func intEnv(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def, fmt.Errorf("%s: %q is not an integer", key, v)
	}
	return n, nil
}

// durationEnv accepts Go durations ("3s") or bare milliseconds ("3000").
func durationEnv(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	if ms, err := strconv.Atoi(v); err == nil {
		return time.Duration(ms) * time.Millisecond, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def, fmt.Errorf("%s: %q is not a duration", key, v)
	}
	return d, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
