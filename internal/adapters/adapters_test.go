package adapters

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ZanzyTHEbar/phish-o-meter/internal/analysis"
	"github.com/ZanzyTHEbar/phish-o-meter/internal/monitoring"
	"github.com/ZanzyTHEbar/phish-o-meter/internal/resilience"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingObserver struct {
	mu    sync.Mutex
	calls map[string][]bool
}

func (o *recordingObserver) RecordExternalAPIRequest(name string, success bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.calls == nil {
		o.calls = make(map[string][]bool)
	}
	o.calls[name] = append(o.calls[name], success)
}

var quickRetry = resilience.RetryPolicy{
	Name: "test",
	Config: resilience.RetryConfig{
		MaxAttempts:   3,
		InitialDelay:  time.Millisecond,
		MaxDelay:      5 * time.Millisecond,
		BackoffFactor: 2,
	},
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestHTTPFetcher_Fetch(t *testing.T) {
	var flaky int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/page":
			assert.Contains(t, r.Header.Get("User-Agent"), "PhishOMeter")
			w.Header().Set("Content-Type", "text/html; charset=utf-8")
			io.WriteString(w, "<html><body><form action='/login'></form></body></html>")
		case "/untyped":
			w.Write([]byte("<html></html>"))
		case "/image":
			w.Header().Set("Content-Type", "image/png")
			w.Write([]byte{0x89, 0x50})
		case "/missing":
			http.NotFound(w, r)
		case "/flaky":
			if atomic.AddInt32(&flaky, 1) == 1 {
				w.WriteHeader(http.StatusServiceUnavailable)
				return
			}
			w.Header().Set("Content-Type", "text/html")
			io.WriteString(w, "<html>recovered</html>")
		}
	}))
	defer srv.Close()

	tests := []struct {
		name     string
		path     string
		contains string
		errIs    error
		status   int
	}{
		{name: "html page", path: "/page", contains: "<form action='/login'>"},
		{name: "missing content type is accepted", path: "/untyped", contains: "<html>"},
		{name: "binary content is rejected", path: "/image", errIs: ErrNotHTML},
		{name: "client error is not retried", path: "/missing", status: http.StatusNotFound},
		{name: "server error is retried", path: "/flaky", contains: "recovered"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			obs := &recordingObserver{}
			f := NewHTTPFetcher(WithRetryPolicy(quickRetry), WithObserver(obs), WithFetchLogger(quietLogger()))
			defer f.Close()

			html, err := f.Fetch(context.Background(), srv.URL+tt.path)

			switch {
			case tt.errIs != nil:
				assert.ErrorIs(t, err, tt.errIs)
			case tt.status != 0:
				var httpErr *resilience.HTTPError
				require.ErrorAs(t, err, &httpErr)
				assert.Equal(t, tt.status, httpErr.StatusCode)
			default:
				require.NoError(t, err)
				assert.Contains(t, html, tt.contains)
			}
			assert.Equal(t, []bool{err == nil}, obs.calls[resilience.ServicePageFetch])
		})
	}
}

func TestHTTPFetcher_HonoursContextDeadline(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	f := NewHTTPFetcher(WithRetryPolicy(quickRetry), WithFetchLogger(quietLogger()))
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := f.Fetch(ctx, srv.URL)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)
}

func TestHTTPFetcher_FeedsDegradation(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/slow" {
			select {
			case <-release:
			case <-r.Context().Done():
			}
			return
		}
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()
	defer close(release)

	dm := resilience.NewDegradationManager(resilience.DefaultDegradationConfig())
	dm.RegisterService(resilience.ServicePageFetch, nil)
	pool := resilience.NewConnectionPool(resilience.PoolConfig{MaxActive: 1}, nil)
	f := NewHTTPFetcher(WithPool(pool), WithRetryPolicy(quickRetry), WithDegradation(dm), WithFetchLogger(quietLogger()))
	defer f.Close()

	_, err := f.Fetch(context.Background(), srv.URL)
	require.Error(t, err)

	h, ok := dm.GetServiceHealth(resilience.ServicePageFetch)
	require.True(t, ok)
	assert.Equal(t, int64(1), h.TotalRequests)
	assert.Equal(t, int64(0), h.ErrorCount, "a failing target is not a fetcher fault")

	go f.Fetch(context.Background(), srv.URL+"/slow")
	require.Eventually(t, func() bool { return pool.GetStats()["in_flight"] == int64(1) }, time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err = f.Fetch(ctx, srv.URL)
	assert.ErrorIs(t, err, resilience.ErrPoolExhausted)

	h, _ = dm.GetServiceHealth(resilience.ServicePageFetch)
	assert.Equal(t, int64(1), h.ErrorCount)
}

func TestHTTPFetcher_DeadTargetsDoNotStarveOthers(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, "<html><body>healthy</body></html>")
	}))
	defer srv.Close()

	dead := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer dead.Close()

	closed := httptest.NewServer(http.NotFoundHandler())
	closedURL := closed.URL
	closed.Close()

	f := NewHTTPFetcher(WithRetryPolicy(quickRetry), WithFetchLogger(quietLogger()))
	defer f.Close()

	for i := 0; i < 4; i++ {
		_, err := f.Fetch(context.Background(), fmt.Sprintf("%s/down/%d", closedURL, i))
		require.Error(t, err)
		_, err = f.Fetch(context.Background(), fmt.Sprintf("%s/gateway/%d", dead.URL, i))
		require.Error(t, err)
	}

	html, err := f.Fetch(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.Contains(t, html, "healthy")
	assert.NotContains(t, f.Stats(), "circuit_breaker_state")
}

func TestIsHTML(t *testing.T) {
	tests := map[string]bool{
		"":                          true,
		"text/html":                 true,
		"TEXT/HTML; charset=UTF-8":  true,
		"application/xhtml+xml":     true,
		"application/json":          false,
		"image/png":                 false,
		"not a ; valid == mimetype": false,
	}
	for ct, expected := range tests {
		assert.Equal(t, expected, isHTML(ct), ct)
	}
}

func TestWebhookSink_Block(t *testing.T) {
	var mu sync.Mutex
	var received []webhookPayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		var p webhookPayload
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&p))
		mu.Lock()
		received = append(received, p)
		mu.Unlock()
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	obs := &recordingObserver{}
	sink := NewWebhookSink(srv.URL+"/hook", WithWebhookObserver(obs))
	in := analysis.Intervention{ReportID: "r-1", URL: "http://192.168.1.5/login", RedirectURL: "https://safe.example/", Score: 1.2}

	require.NoError(t, sink.Block(context.Background(), in))

	require.Len(t, received, 1)
	assert.Equal(t, "phishing_blocked", received[0].Event)
	assert.Equal(t, in, received[0].Intervention)
	assert.False(t, received[0].SentAt.IsZero())
	assert.Equal(t, []bool{true}, obs.calls[resilience.ServiceWebhook])
}

func TestWebhookSink_Failures(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	dm := resilience.NewDegradationManager(resilience.DegradationConfig{EmergencyThreshold: 0.5, CriticalThreshold: 0.4, DegradedThreshold: 0.3, MinRequests: 1, MaxDegradedDuration: time.Hour})
	dm.RegisterService(resilience.ServiceWebhook, nil)
	sink := NewWebhookSink(srv.URL, WithWebhookDegradation(dm))

	err := sink.Block(context.Background(), analysis.Intervention{URL: "http://x"})
	var httpErr *resilience.HTTPError
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, http.StatusUnauthorized, httpErr.StatusCode)
	assert.Equal(t, int32(1), atomic.LoadInt32(&hits))

	err = sink.Block(context.Background(), analysis.Intervention{URL: "http://x"})
	assert.ErrorIs(t, err, ErrServiceDegraded)
	assert.Equal(t, int32(1), atomic.LoadInt32(&hits))
}

func TestWebhookSink_RetriesServerErrors(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&hits, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	sink := NewWebhookSink(srv.URL, WithWebhookRetryPolicy(quickRetry))
	require.NoError(t, sink.Block(context.Background(), analysis.Intervention{URL: "http://x"}))
	assert.Equal(t, int32(3), atomic.LoadInt32(&hits))
}

type stubSink struct {
	err   error
	calls int
}

func (s *stubSink) Block(context.Context, analysis.Intervention) error {
	s.calls++
	return s.err
}

func TestFanoutSinkAndLogSink(t *testing.T) {
	var buf bytes.Buffer
	logSink := NewLogSink(monitoring.NewLoggerTo(&buf, slog.LevelInfo))
	failing := &stubSink{err: errors.New("relay down")}
	ok := &stubSink{}

	err := FanoutSink{logSink, failing, ok}.Block(context.Background(), analysis.Intervention{URL: "http://phish.example", Score: 2})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "relay down")
	assert.Equal(t, 1, failing.calls)
	assert.Equal(t, 1, ok.calls)
	assert.True(t, strings.Contains(buf.String(), "Phishing Intervention"))
	assert.Contains(t, buf.String(), "http://phish.example")
}

func TestShouldBlock(t *testing.T) {
	set := map[string]bool{"images": true, "fonts": true, "xhr": true}

	assert.True(t, shouldBlock(set, "Image"))
	assert.True(t, shouldBlock(set, "Font"))
	assert.True(t, shouldBlock(set, "XHR"))
	assert.False(t, shouldBlock(set, "Document"))
	assert.False(t, shouldBlock(set, "Stylesheet"))
}

func TestBrowserFetcher_Lifecycle(t *testing.T) {
	b := NewBrowserFetcher(BrowserConfig{Logger: quietLogger()})
	assert.Equal(t, []string{"images", "fonts", "media"}, b.cfg.BlockResources)
	assert.NoError(t, b.Ping(context.Background()), "an idle fetcher has no browser to ping")

	require.NoError(t, b.Close())
	assert.ErrorIs(t, b.Ping(context.Background()), ErrBrowserClosed)

	_, err := b.Fetch(context.Background(), "https://example.com/")
	assert.ErrorIs(t, err, ErrBrowserClosed)
}

func TestBrowserFetcher_ChromeFailureIsAFault(t *testing.T) {
	dm := resilience.NewDegradationManager(resilience.DefaultDegradationConfig())
	dm.RegisterService(resilience.ServiceBrowser, nil)
	obs := &recordingObserver{}
	b := NewBrowserFetcher(BrowserConfig{Logger: quietLogger(), Observer: obs, Degradation: dm})
	require.NoError(t, b.Close())

	_, err := b.Fetch(context.Background(), "https://example.com/")
	assert.ErrorIs(t, err, ErrBrowserClosed)

	h, ok := dm.GetServiceHealth(resilience.ServiceBrowser)
	require.True(t, ok)
	assert.Equal(t, int64(1), h.ErrorCount)
	assert.Equal(t, []bool{false}, obs.calls[resilience.ServiceBrowser])
}
