package monitoring

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"time"
)

// Logger provides structured logging with domain helpers
type Logger struct {
	*slog.Logger
	level *slog.LevelVar
}

// NewLogger creates a JSON logger on stdout at info level
func NewLogger() *Logger {
	return NewLoggerTo(os.Stdout, slog.LevelInfo)
}

// NewLoggerTo creates a JSON logger writing to w
func NewLoggerTo(w io.Writer, level slog.Level) *Logger {
	lv := new(slog.LevelVar)
	lv.Set(level)

	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level:     lv,
		AddSource: true,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey && len(groups) == 0 {
				return slog.Attr{
					Key:   "timestamp",
					Value: slog.StringValue(a.Value.Time().Format(time.RFC3339)),
				}
			}
			return a
		},
	})

	return &Logger{
		Logger: slog.New(handler),
		level:  lv,
	}
}

// ParseLevel maps LOG_LEVEL style strings to slog levels. Unknown values give info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// RequestLogger logs HTTP request details
func (l *Logger) RequestLogger(method, path, ip, userAgent string, statusCode int, duration time.Duration) {
	l.Info("HTTP Request",
		"method", method,
		"path", path,
		"ip", ip,
		"user_agent", userAgent,
		"status_code", statusCode,
		"duration_ms", duration.Milliseconds(),
	)
}

// AnalysisLogger logs the outcome of one URL analysis
func (l *Logger) AnalysisLogger(url, mode, verdict string, score, confidence float64, contentAvailable bool, duration time.Duration) {
	l.Info("Analysis Completed",
		"url_length", len(url),
		"mode", mode,
		"verdict", verdict,
		"score", score,
		"confidence", confidence,
		"content_available", contentAvailable,
		"duration_ms", duration.Milliseconds(),
	)
}

// InterventionLogger logs a block issued for a phishing verdict
func (l *Logger) InterventionLogger(sink, url, redirectURL string, score float64) {
	l.Warn("Phishing Intervention",
		"sink", sink,
		"url", url,
		"redirect_url", redirectURL,
		"score", score,
	)
}

// APIErrorLogger logs an error surfaced by a handler
func (l *Logger) APIErrorLogger(err error, method, path, ip string, statusCode int) {
	l.Error("API Error",
		"error", err.Error(),
		"method", method,
		"path", path,
		"ip", ip,
		"status_code", statusCode,
	)
}

// SecurityLogger logs suspicious client behaviour
func (l *Logger) SecurityLogger(event, ip, userAgent string, details map[string]interface{}) {
	l.Warn("Security Event",
		"event", event,
		"ip", ip,
		"user_agent", userAgent,
		"details", details,
	)
}

// SystemLogger logs system-level events
func (l *Logger) SystemLogger(event, details string) {
	l.Info("System Event",
		"event", event,
		"details", details,
		"uptime", time.Since(startTime).String(),
	)
}

// SetLevel changes the minimum level of this logger and every logger derived from it
func (l *Logger) SetLevel(level slog.Level) {
	l.level.Set(level)
}

var startTime = time.Now()
