package middleware

import (
	"compress/gzip"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/gin-gonic/gin"
)

// CompressionConfig holds configuration for response compression
type CompressionConfig struct {
	MinSize          int      // Minimum response size to compress (bytes)
	CompressionLevel int      // Gzip compression level (1-9, 9 is best compression)
	ContentTypes     []string // Content types to compress
}

// DefaultCompressionConfig returns the default compression configuration
func DefaultCompressionConfig() CompressionConfig {
	return CompressionConfig{
		MinSize:          1024,
		CompressionLevel: gzip.DefaultCompression,
		ContentTypes: []string{
			"application/json",
			"text/plain",
		},
	}
}

// CompressionMiddleware provides gzip compression for HTTP responses
type CompressionMiddleware struct {
	config CompressionConfig
	stats  *CompressionStats
	pool   sync.Pool
}

// NewCompressionMiddleware creates a new compression middleware
func NewCompressionMiddleware(config CompressionConfig) *CompressionMiddleware {
	if config.CompressionLevel < gzip.HuffmanOnly || config.CompressionLevel > gzip.BestCompression {
		config.CompressionLevel = gzip.DefaultCompression
	}
	cm := &CompressionMiddleware{
		config: config,
		stats:  NewCompressionStats(),
	}
	cm.pool.New = func() interface{} {
		gz, _ := gzip.NewWriterLevel(io.Discard, cm.config.CompressionLevel)
		return gz
	}
	return cm
}

// Handler returns the gin middleware. Responses are buffered until MinSize
// bytes are seen so small bodies go out uncompressed.
func (cm *CompressionMiddleware) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !clientAcceptsGzip(c.Request) || c.Request.Method == http.MethodHead {
			c.Next()
			return
		}

		w := &gzipResponseWriter{ResponseWriter: c.Writer, cm: cm}
		c.Writer = w
		defer func() {
			w.finish()
			c.Writer = w.ResponseWriter
		}()

		c.Next()
	}
}

func clientAcceptsGzip(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept-Encoding"), "gzip")
}

func (cm *CompressionMiddleware) shouldCompress(contentType string) bool {
	for _, ct := range cm.config.ContentTypes {
		if strings.Contains(contentType, ct) {
			return true
		}
	}
	return false
}

// gzipResponseWriter decides on the first MinSize bytes whether to compress
type gzipResponseWriter struct {
	gin.ResponseWriter
	cm      *CompressionMiddleware
	buf     []byte
	gz      *gzip.Writer
	decided bool
	status  int
	raw     int64
	counter countingWriter
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (cw *countingWriter) Write(p []byte) (int, error) {
	n, err := cw.w.Write(p)
	cw.n += int64(n)
	return n, err
}

func (w *gzipResponseWriter) WriteHeader(code int) {
	if w.decided {
		w.ResponseWriter.WriteHeader(code)
		return
	}
	w.status = code
}

func (w *gzipResponseWriter) WriteHeaderNow() {
	if !w.decided {
		w.decide(false)
	}
	w.ResponseWriter.WriteHeaderNow()
}

func (w *gzipResponseWriter) WriteString(s string) (int, error) {
	return w.Write([]byte(s))
}

func (w *gzipResponseWriter) Write(data []byte) (int, error) {
	w.raw += int64(len(data))
	if w.decided {
		if w.gz != nil {
			return w.gz.Write(data)
		}
		return w.ResponseWriter.Write(data)
	}

	w.buf = append(w.buf, data...)
	if len(w.buf) < w.cm.config.MinSize {
		return len(data), nil
	}
	if err := w.decide(true); err != nil {
		return 0, err
	}
	return len(data), nil
}

// Written reports a response in progress even while it is still buffered.
func (w *gzipResponseWriter) Written() bool {
	return len(w.buf) > 0 || w.status != 0 || w.ResponseWriter.Written()
}

func (w *gzipResponseWriter) Status() int {
	if !w.decided && w.status != 0 {
		return w.status
	}
	return w.ResponseWriter.Status()
}

func (w *gzipResponseWriter) Size() int {
	return int(w.raw)
}

// decide flushes the buffer, compressed when large is set and the content
// type qualifies.
func (w *gzipResponseWriter) decide(large bool) error {
	w.decided = true
	h := w.ResponseWriter.Header()

	compress := large && h.Get("Content-Encoding") == "" && w.cm.shouldCompress(h.Get("Content-Type"))
	if compress {
		h.Set("Content-Encoding", "gzip")
		h.Add("Vary", "Accept-Encoding")
		h.Del("Content-Length")
		w.counter = countingWriter{w: w.ResponseWriter}
		w.gz = w.cm.pool.Get().(*gzip.Writer)
		w.gz.Reset(&w.counter)
	} else if len(w.buf) > 0 && h.Get("Content-Length") == "" {
		h.Set("Content-Length", strconv.Itoa(len(w.buf)))
	}

	if w.status != 0 {
		w.ResponseWriter.WriteHeader(w.status)
	}

	if len(w.buf) == 0 {
		return nil
	}
	buf := w.buf
	w.buf = nil
	if w.gz != nil {
		_, err := w.gz.Write(buf)
		return err
	}
	_, err := w.ResponseWriter.Write(buf)
	return err
}

func (w *gzipResponseWriter) Flush() {
	if !w.decided {
		w.decide(len(w.buf) >= w.cm.config.MinSize)
	}
	if w.gz != nil {
		w.gz.Flush()
	}
	w.ResponseWriter.Flush()
}

func (w *gzipResponseWriter) finish() {
	if !w.decided {
		if len(w.buf) == 0 && w.status == 0 {
			return
		}
		w.decide(false)
	}
	if w.gz != nil {
		w.gz.Close()
		w.cm.pool.Put(w.gz)
		w.cm.stats.RecordRequest(w.raw, w.counter.n, true)
		w.gz = nil
		return
	}
	w.cm.stats.RecordRequest(w.raw, w.raw, false)
}

// CompressionStats tracks compression statistics
type CompressionStats struct {
	TotalRequests      int64
	CompressedRequests int64
	TotalBytes         int64
	CompressedBytes    int64
}

// NewCompressionStats creates new compression statistics
func NewCompressionStats() *CompressionStats {
	return &CompressionStats{}
}

// RecordRequest records a request's compression stats
func (cs *CompressionStats) RecordRequest(originalSize, compressedSize int64, compressed bool) {
	atomic.AddInt64(&cs.TotalRequests, 1)
	if compressed {
		atomic.AddInt64(&cs.CompressedRequests, 1)
		atomic.AddInt64(&cs.TotalBytes, originalSize)
		atomic.AddInt64(&cs.CompressedBytes, compressedSize)
	}
}

// GetStats returns current compression statistics
func (cs *CompressionStats) GetStats() map[string]interface{} {
	total := atomic.LoadInt64(&cs.TotalBytes)
	compressed := atomic.LoadInt64(&cs.CompressedBytes)

	ratio := float64(0)
	if total > 0 {
		ratio = float64(compressed) / float64(total)
	}

	return map[string]interface{}{
		"total_requests":      atomic.LoadInt64(&cs.TotalRequests),
		"compressed_requests": atomic.LoadInt64(&cs.CompressedRequests),
		"total_bytes":         total,
		"compressed_bytes":    compressed,
		"compression_ratio":   ratio,
	}
}

// GetStats returns compression statistics
func (cm *CompressionMiddleware) GetStats() map[string]interface{} {
	return cm.stats.GetStats()
}
