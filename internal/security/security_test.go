package security

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func TestSecurityConfig(t *testing.T) {
	config := DefaultSecurityConfig()

	assert.Equal(t, 8192, config.MaxURLLength)
	assert.Equal(t, 5<<20, config.MaxHTMLBytes)
	assert.Equal(t, 30*time.Second, config.RequestTimeout)
	assert.False(t, config.EnableHSTS)

	sm := NewSecurityMiddleware(SecurityConfig{MaxURLLength: 10})
	assert.Equal(t, 10, sm.Config().MaxURLLength)
	assert.Equal(t, config.MaxHTMLBytes, sm.Config().MaxHTMLBytes, "zero values take defaults")
}

func TestValidateTarget(t *testing.T) {
	sm := NewSecurityMiddleware(SecurityConfig{MaxURLLength: 64})

	tests := []struct {
		name  string
		input string
		errIs error
	}{
		{name: "plain url", input: "https://example.com/login"},
		{name: "malformed url is left to the analyzer", input: "not a url"},
		{name: "ip url", input: "http://192.168.0.1/paypal"},
		{name: "empty", input: "   ", errIs: ErrEmptyTarget},
		{name: "too long", input: "https://example.com/" + strings.Repeat("a", 64), errIs: ErrTargetTooLong},
		{name: "null byte", input: "https://exa\x00mple.com", errIs: ErrInvalidTarget},
		{name: "newline", input: "https://example.com/\r\nSet-Cookie: x", errIs: ErrInvalidTarget},
		{name: "invalid utf-8", input: "https://exa\xff\xfemple.com", errIs: ErrInvalidTarget},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := sm.ValidateTarget(tt.input)
			if tt.errIs != nil {
				assert.ErrorIs(t, err, tt.errIs)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidateHTMLAndSanitize(t *testing.T) {
	sm := NewSecurityMiddleware(SecurityConfig{MaxHTMLBytes: 16})

	assert.NoError(t, sm.ValidateHTML("<html></html>"))
	assert.ErrorIs(t, sm.ValidateHTML(strings.Repeat("x", 17)), ErrHTMLTooLarge)
	assert.Equal(t, "https://example.com", sm.SanitizeTarget("  https://example.com\t"))
}

func TestSecurityHeaders(t *testing.T) {
	tests := []struct {
		name string
		hsts bool
	}{
		{name: "without hsts", hsts: false},
		{name: "with hsts", hsts: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router := gin.New()
			router.Use(SecurityHeadersMiddleware(tt.hsts))
			router.GET("/test", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"ok": true}) })

			w := httptest.NewRecorder()
			router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/test", nil))

			assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
			assert.Equal(t, "DENY", w.Header().Get("X-Frame-Options"))
			assert.Equal(t, "no-referrer", w.Header().Get("Referrer-Policy"))
			assert.Contains(t, w.Header().Get("Content-Security-Policy"), "frame-ancestors 'none'")
			assert.Equal(t, tt.hsts, w.Header().Get("Strict-Transport-Security") != "")
		})
	}
}

func TestValidateContentType(t *testing.T) {
	sm := NewSecurityMiddleware(DefaultSecurityConfig())

	tests := []struct {
		name        string
		method      string
		contentType string
		body        string
		expected    int
	}{
		{name: "json", method: http.MethodPost, contentType: "application/json; charset=utf-8", body: `{}`, expected: http.StatusOK},
		{name: "form rejected", method: http.MethodPost, contentType: "application/x-www-form-urlencoded", body: "a=b", expected: http.StatusUnsupportedMediaType},
		{name: "xml rejected", method: http.MethodPost, contentType: "application/xml", body: "<a/>", expected: http.StatusUnsupportedMediaType},
		{name: "empty body", method: http.MethodPost, contentType: "text/plain", expected: http.StatusOK},
		{name: "get ignored", method: http.MethodGet, contentType: "text/plain", expected: http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router := gin.New()
			router.Use(sm.ValidateContentType)
			router.Any("/test", func(c *gin.Context) { c.Status(http.StatusOK) })

			req := httptest.NewRequest(tt.method, "/test", strings.NewReader(tt.body))
			req.Header.Set("Content-Type", tt.contentType)
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)

			assert.Equal(t, tt.expected, w.Code)
		})
	}
}

func TestLimitBody(t *testing.T) {
	sm := NewSecurityMiddleware(SecurityConfig{MaxHTMLBytes: 10, MaxURLLength: 10})

	router := gin.New()
	router.Use(sm.LimitBody)
	router.POST("/test", func(c *gin.Context) {
		var body map[string]string
		if err := c.ShouldBindJSON(&body); err != nil {
			c.Status(http.StatusBadRequest)
			return
		}
		c.Status(http.StatusOK)
	})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/test", strings.NewReader(`{"url":"x"}`)))
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	big := `{"html":"` + strings.Repeat("a", 70<<10) + `"}`
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/test", strings.NewReader(big)))
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
}

func TestRequestTimeout(t *testing.T) {
	sm := NewSecurityMiddleware(SecurityConfig{RequestTimeout: 20 * time.Millisecond})

	router := gin.New()
	router.Use(sm.RequestTimeout)
	router.GET("/slow", func(c *gin.Context) {
		select {
		case <-c.Request.Context().Done():
			require.ErrorIs(t, c.Request.Context().Err(), context.DeadlineExceeded)
			c.Status(http.StatusGatewayTimeout)
		case <-time.After(time.Second):
			c.Status(http.StatusOK)
		}
	})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/slow", nil))
	assert.Equal(t, http.StatusGatewayTimeout, w.Code)
	assert.Equal(t, "0", w.Header().Get("X-Timeout"))
}
