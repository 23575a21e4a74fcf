package security

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/gin-gonic/gin"
)

var (
	ErrEmptyTarget   = errors.New("url is required")
	ErrTargetTooLong = errors.New("url exceeds maximum length")
	ErrInvalidTarget = errors.New("url contains invalid characters")
	ErrHTMLTooLarge  = errors.New("html exceeds maximum size")
)

// SecurityConfig holds security configuration
type SecurityConfig struct {
	MaxURLLength   int           `json:"max_url_length"`
	MaxHTMLBytes   int           `json:"max_html_bytes"`
	RequestTimeout time.Duration `json:"request_timeout"`
	EnableHSTS     bool          `json:"enable_hsts"`
}

// DefaultSecurityConfig returns secure defaults
func DefaultSecurityConfig() SecurityConfig {
	return SecurityConfig{
		MaxURLLength:   8192,
		MaxHTMLBytes:   5 << 20,
		RequestTimeout: 30 * time.Second,
	}
}

// SecurityMiddleware validates analysis input at the HTTP edge
type SecurityMiddleware struct {
	config SecurityConfig
}

// NewSecurityMiddleware creates a new security middleware instance
func NewSecurityMiddleware(config SecurityConfig) *SecurityMiddleware {
	def := DefaultSecurityConfig()
	if config.MaxURLLength <= 0 {
		config.MaxURLLength = def.MaxURLLength
	}
	if config.MaxHTMLBytes <= 0 {
		config.MaxHTMLBytes = def.MaxHTMLBytes
	}
	if config.RequestTimeout <= 0 {
		config.RequestTimeout = def.RequestTimeout
	}
	return &SecurityMiddleware{config: config}
}

// Config returns the effective configuration
func (sm *SecurityMiddleware) Config() SecurityConfig {
	return sm.config
}

// ValidateTarget rejects input that cannot be a URL at all. Anything else,
// including URLs that fail to parse, is left to the analyzer, which reports
// it as non-analyzable.
func (sm *SecurityMiddleware) ValidateTarget(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return ErrEmptyTarget
	}
	if len(raw) > sm.config.MaxURLLength {
		return fmt.Errorf("%w of %d bytes", ErrTargetTooLong, sm.config.MaxURLLength)
	}
	if !utf8.ValidString(raw) {
		return fmt.Errorf("%w: invalid UTF-8", ErrInvalidTarget)
	}
	for _, r := range raw {
		if r == 0 || (unicode.IsControl(r) && r != '\t') {
			return fmt.Errorf("%w: control character %U", ErrInvalidTarget, r)
		}
	}
	return nil
}

// ValidateHTML bounds caller-supplied page content
func (sm *SecurityMiddleware) ValidateHTML(html string) error {
	if len(html) > sm.config.MaxHTMLBytes {
		return fmt.Errorf("%w of %d bytes", ErrHTMLTooLarge, sm.config.MaxHTMLBytes)
	}
	return nil
}

// SanitizeTarget trims surrounding whitespace
func (sm *SecurityMiddleware) SanitizeTarget(raw string) string {
	return strings.TrimSpace(raw)
}

// ValidateContentType only lets JSON bodies through on requests that carry one
func (sm *SecurityMiddleware) ValidateContentType(c *gin.Context) {
	if c.Request.ContentLength == 0 || c.Request.Method == http.MethodGet {
		c.Next()
		return
	}

	contentType := strings.ToLower(c.GetHeader("Content-Type"))
	if contentType != "" && !strings.HasPrefix(contentType, "application/json") {
		c.AbortWithStatusJSON(http.StatusUnsupportedMediaType, gin.H{
			"error": "unsupported content type",
		})
		return
	}

	c.Next()
}

// LimitBody caps the request body; oversized bodies fail to bind
func (sm *SecurityMiddleware) LimitBody(c *gin.Context) {
	limit := int64(sm.config.MaxHTMLBytes) + int64(sm.config.MaxURLLength) + 64<<10
	if c.Request.ContentLength > limit {
		c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, gin.H{
			"error": "request body too large",
		})
		return
	}
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, limit)
	c.Next()
}

// RequestTimeout enforces request timeout
func (sm *SecurityMiddleware) RequestTimeout(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), sm.config.RequestTimeout)
	defer cancel()

	c.Request = c.Request.WithContext(ctx)
	c.Header("X-Timeout", strconv.Itoa(int(sm.config.RequestTimeout.Seconds())))

	c.Next()
}
