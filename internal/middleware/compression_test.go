package middleware

import (
	"compress/gzip"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newRouter(cm *CompressionMiddleware) *gin.Engine {
	r := gin.New()
	r.Use(cm.Handler())
	r.GET("/large", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"payload": strings.Repeat("phish ", 1000)})
	})
	r.GET("/small", func(c *gin.Context) {
		c.JSON(http.StatusCreated, gin.H{"ok": true})
	})
	r.GET("/binary", func(c *gin.Context) {
		c.Data(http.StatusOK, "image/png", make([]byte, 4096))
	})
	r.GET("/empty", func(c *gin.Context) {
		c.AbortWithStatus(http.StatusNoContent)
	})
	return r
}

func TestCompression_LargeJSON(t *testing.T) {
	cm := NewCompressionMiddleware(DefaultCompressionConfig())
	r := newRouter(cm)

	req := httptest.NewRequest(http.MethodGet, "/large", nil)
	req.Header.Set("Accept-Encoding", "gzip, deflate")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "gzip", w.Header().Get("Content-Encoding"))
	assert.Contains(t, w.Header().Get("Vary"), "Accept-Encoding")

	gz, err := gzip.NewReader(w.Body)
	require.NoError(t, err)
	body, err := io.ReadAll(gz)
	require.NoError(t, err)
	assert.Contains(t, string(body), `"payload":"phish phish`)

	stats := cm.GetStats()
	assert.Equal(t, int64(1), stats["compressed_requests"])
	assert.Less(t, stats["compression_ratio"].(float64), 0.5)
}

func TestCompression_Skipped(t *testing.T) {
	tests := []struct {
		name   string
		path   string
		accept string
		status int
	}{
		{name: "client without gzip", path: "/large", accept: "", status: http.StatusOK},
		{name: "small body", path: "/small", accept: "gzip", status: http.StatusCreated},
		{name: "binary content", path: "/binary", accept: "gzip", status: http.StatusOK},
		{name: "no body", path: "/empty", accept: "gzip", status: http.StatusNoContent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cm := NewCompressionMiddleware(DefaultCompressionConfig())
			r := newRouter(cm)

			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			if tt.accept != "" {
				req.Header.Set("Accept-Encoding", tt.accept)
			}
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)

			assert.Equal(t, tt.status, w.Code)
			assert.Empty(t, w.Header().Get("Content-Encoding"))
			assert.Zero(t, cm.GetStats()["compressed_requests"])
		})
	}
}

func TestCompression_SmallBodyIntact(t *testing.T) {
	r := newRouter(NewCompressionMiddleware(DefaultCompressionConfig()))

	req := httptest.NewRequest(http.MethodGet, "/small", nil)
	req.Header.Set("Accept-Encoding", "gzip")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.JSONEq(t, `{"ok":true}`, w.Body.String())
}
