package adapters

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"time"

	"github.com/ZanzyTHEbar/phish-o-meter/internal/resilience"
)

// MaxPageBytes caps how much of a response body is read.
const MaxPageBytes = 10 << 20

const defaultUserAgent = "Mozilla/5.0 (compatible; PhishOMeter/1.0; +https://github.com/ZanzyTHEbar/phish-o-meter)"

// ErrNotHTML is returned when the target serves something other than a document.
var ErrNotHTML = errors.New("response is not an HTML document")

// HTTPFetcher acquires page HTML with a plain GET. Scripts are not executed.
type HTTPFetcher struct {
	pool        *resilience.ConnectionPool
	retry       resilience.RetryConfig
	ua          string
	logger      *slog.Logger
	observer    CallObserver
	degradation *resilience.DegradationManager
}

// FetcherOption configures an HTTPFetcher.
type FetcherOption func(*HTTPFetcher)

// WithPool sets the connection pool requests go through.
func WithPool(p *resilience.ConnectionPool) FetcherOption {
	return func(f *HTTPFetcher) { f.pool = p }
}

// WithRetryPolicy overrides the retry policy.
func WithRetryPolicy(p resilience.RetryPolicy) FetcherOption {
	return func(f *HTTPFetcher) { f.retry = p.Config }
}

// WithUserAgent sets the User-Agent header.
func WithUserAgent(ua string) FetcherOption {
	return func(f *HTTPFetcher) { f.ua = ua }
}

// WithFetchLogger sets a custom logger.
func WithFetchLogger(l *slog.Logger) FetcherOption {
	return func(f *HTTPFetcher) { f.logger = l }
}

// WithObserver reports call outcomes, typically to the metrics.
func WithObserver(o CallObserver) FetcherOption {
	return func(f *HTTPFetcher) { f.observer = o }
}

// WithDegradation feeds call outcomes to a degradation manager.
func WithDegradation(dm *resilience.DegradationManager) FetcherOption {
	return func(f *HTTPFetcher) { f.degradation = dm }
}

// NewHTTPFetcher creates a fetcher with its own pool unless one is supplied.
// Targets fail independently, so the pool should not carry a circuit breaker.
func NewHTTPFetcher(opts ...FetcherOption) *HTTPFetcher {
	f := &HTTPFetcher{
		retry:    resilience.FastRetryPolicy.Config,
		ua:       defaultUserAgent,
		logger:   slog.Default(),
		observer: nopObserver{},
	}
	for _, o := range opts {
		o(f)
	}
	if f.pool == nil {
		f.pool = resilience.NewConnectionPool(resilience.DefaultPoolConfig(), nil)
	}
	return f
}

// Fetch implements analysis.ContentFetcher.
func (f *HTTPFetcher) Fetch(ctx context.Context, rawURL string) (string, error) {
	start := time.Now()
	var body string

	err := resilience.RetryWithConfig(ctx, f.retry, func() error {
		html, err := f.fetchOnce(ctx, rawURL)
		if err != nil {
			return err
		}
		body = html
		return nil
	})

	observe(f.observer, f.degradation, resilience.ServicePageFetch, err, fetcherFault(err))
	f.logger.Debug("page fetched",
		"url", rawURL,
		"bytes", len(body),
		"duration_ms", time.Since(start).Milliseconds(),
		"error", err)

	if err != nil {
		return "", fmt.Errorf("fetch %s: %w", rawURL, err)
	}
	return body, nil
}

func (f *HTTPFetcher) fetchOnce(ctx context.Context, rawURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("User-Agent", f.ua)
	req.Header.Set("Accept", "text/html,application/xhtml+xml;q=0.9,*/*;q=0.5")
	req.Header.Set("Accept-Language", "en-US,en;q=0.5")

	resp, err := f.pool.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		return "", resilience.NewHTTPError(resp.StatusCode, resp.Status, rawURL)
	}
	if !isHTML(resp.Header.Get("Content-Type")) {
		return "", fmt.Errorf("%w: %s", ErrNotHTML, resp.Header.Get("Content-Type"))
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, MaxPageBytes))
	if err != nil {
		return "", fmt.Errorf("read body: %w", err)
	}
	return string(data), nil
}

// isHTML accepts a missing content type.
func isHTML(contentType string) bool {
	if contentType == "" {
		return true
	}
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	switch mediaType {
	case "text/html", "application/xhtml+xml", "text/plain":
		return true
	default:
		return false
	}
}

// Stats returns the pool statistics.
func (f *HTTPFetcher) Stats() map[string]interface{} {
	return f.pool.GetStats()
}

// Close releases idle connections.
func (f *HTTPFetcher) Close() error {
	return f.pool.Close()
}
