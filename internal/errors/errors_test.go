package errors

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ZanzyTHEbar/errbuilder-go"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConstructors(t *testing.T) {
	tests := []struct {
		name     string
		err      *AppError
		category ErrorCategory
		status   int
		message  string
	}{
		{"validation", NewValidationError("url is required", "url"), CategoryValidation, http.StatusBadRequest, "[VALIDATION_ERROR] url is required"},
		{"network", NewNetworkError("connection failed", fmt.Errorf("connection refused")), CategoryNetwork, http.StatusBadGateway, "[UNAVAILABLE] connection failed"},
		{"timeout", NewTimeoutError("slow", nil), CategoryTimeout, http.StatusGatewayTimeout, "[TIMEOUT_ERROR] slow"},
		{"rate limit", NewRateLimitError("60"), CategoryRateLimit, http.StatusTooManyRequests, "[RATE_LIMIT_EXCEEDED] Rate limit exceeded"},
		{"fetch", NewFetchError("https://example.com", fmt.Errorf("status 500")), CategoryFetch, http.StatusBadGateway, "[UNAVAILABLE] Failed to fetch page content"},
		{"fetch deadline", NewFetchError("https://example.com", context.DeadlineExceeded), CategoryFetch, http.StatusBadGateway, "[TIMEOUT_ERROR] Failed to fetch page content"},
		{"storage", NewStorageError("increment", fmt.Errorf("database is locked")), CategoryStorage, http.StatusServiceUnavailable, "[UNAVAILABLE] Storage backend unavailable"},
		{"configuration", NewConfigurationError("bad weights", nil), CategoryConfiguration, http.StatusInternalServerError, "[CONFIGURATION_ERROR] Configuration error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.category, tt.err.Category)
			assert.Equal(t, tt.status, tt.err.HTTPStatus)
			assert.Equal(t, tt.message, tt.err.Error())
			assert.False(t, tt.err.Timestamp.IsZero())
		})
	}
}

func TestAppErrorUnwrap(t *testing.T) {
	cause := fmt.Errorf("root cause")
	err := NewNetworkError("wrapped", cause)
	assert.ErrorIs(t, err, cause)
}

func TestValidationErrorWithMap(t *testing.T) {
	err := NewValidationErrorWithMap(map[string]string{"url": "required", "mode": "unknown"})
	assert.Equal(t, CategoryValidation, err.Category)
	assert.Len(t, err.ErrBuilder.Details.Errors, 2)
}

func TestToAppError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		category ErrorCategory
	}{
		{"app error passes through", NewValidationError("x"), CategoryValidation},
		{"wrapped app error", fmt.Errorf("handler: %w", NewStorageError("get", nil)), CategoryStorage},
		{"errbuilder error", errbuilder.New().WithCode(errbuilder.CodeInternal).WithMsg("eb"), CategoryInternal},
		{"deadline", fmt.Errorf("fetch: %w", context.DeadlineExceeded), CategoryTimeout},
		{"cancelled", context.Canceled, CategoryTimeout},
		{"connection refused", fmt.Errorf("dial tcp: connection refused"), CategoryNetwork},
		{"unknown", fmt.Errorf("something odd"), CategoryInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.category, ToAppError(tt.err).Category)
		})
	}

	assert.Nil(t, ToAppError(nil))
}

func TestRetryClassification(t *testing.T) {
	assert.True(t, IsRetryableError(NewNetworkError("n", nil)))
	assert.True(t, IsRetryableError(NewFetchError("https://example.com", nil)))
	assert.False(t, IsRetryableError(NewValidationError("v")))
	assert.False(t, IsRetryableError(nil))

	assert.Greater(t, GetRetryDelay(NewNetworkError("n", nil), 2), GetRetryDelay(NewNetworkError("n", nil), 1))
	assert.Equal(t, 4*time.Second, GetRetryDelay(NewRateLimitError("1"), 2))
}

func TestErrorHandlerRendersAppError(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(ErrorHandler())
	r.GET("/fail", func(c *gin.Context) {
		_ = c.Error(NewValidationError("url is required"))
	})
	r.GET("/ok", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/fail", nil)
	req.Header.Set("X-Request-ID", "req-1")
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusBadRequest, w.Code)
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "validation", body["category"])
	assert.Equal(t, "req-1", body["request_id"])

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ok", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRecoveryHandler(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(RecoveryHandler())
	r.GET("/panic", func(c *gin.Context) { panic("boom") })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/panic", nil))

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, w.Body.String(), "internal")
}
