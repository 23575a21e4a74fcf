package adapters

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"

	"github.com/ZanzyTHEbar/phish-o-meter/internal/resilience"
)

// ErrBrowserClosed is returned by Fetch after Close.
var ErrBrowserClosed = errors.New("browser fetcher is closed")

// BrowserConfig configures the headless Chrome fetcher.
type BrowserConfig struct {
	// RemoteURL is the DevTools WebSocket of an external Chrome. Empty
	// launches a local headless instance on first use.
	RemoteURL string

	// BlockResources lists resource types not worth downloading
	// (images, fonts, media, stylesheets).
	BlockResources []string

	// SettleDelay is how long scripts may run after the load event before the
	// DOM is captured.
	SettleDelay time.Duration

	Logger      *slog.Logger
	Observer    CallObserver
	Degradation *resilience.DegradationManager
}

func (c *BrowserConfig) defaults() {
	if c.BlockResources == nil {
		c.BlockResources = []string{"images", "fonts", "media"}
	}
	if c.SettleDelay <= 0 {
		c.SettleDelay = 500 * time.Millisecond
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Observer == nil {
		c.Observer = nopObserver{}
	}
}

// BrowserFetcher renders pages in headless Chrome so script-built documents
// are analyzed as the user would see them.
type BrowserFetcher struct {
	cfg     BrowserConfig
	breaker *resilience.CircuitBreaker

	mu      sync.Mutex
	browser *rod.Browser
	lnch    *launcher.Launcher
	closed  bool
}

// NewBrowserFetcher creates a fetcher. Chrome is started lazily.
func NewBrowserFetcher(cfg BrowserConfig) *BrowserFetcher {
	cfg.defaults()
	return &BrowserFetcher{
		cfg: cfg,
		breaker: resilience.NewCircuitBreaker(resilience.ServiceBrowser, resilience.CircuitBreakerConfig{
			FailureThreshold: 3,
			RecoveryTimeout:  time.Minute,
		}),
	}
}

// Fetch implements analysis.ContentFetcher. Only failures to reach Chrome or
// open a tab count against the breaker and the service health; a page that
// fails to load is the target's problem.
func (b *BrowserFetcher) Fetch(ctx context.Context, rawURL string) (string, error) {
	var page *rod.Page
	err := b.breaker.Call(func() error {
		p, err := b.openTab()
		page = p
		return err
	})
	if err != nil {
		observe(b.cfg.Observer, b.cfg.Degradation, resilience.ServiceBrowser, err, err)
		return "", fmt.Errorf("render %s: %w", rawURL, err)
	}
	defer page.Close()

	html, err := b.render(ctx, page, rawURL)
	observe(b.cfg.Observer, b.cfg.Degradation, resilience.ServiceBrowser, err, nil)
	if err != nil {
		return "", fmt.Errorf("render %s: %w", rawURL, err)
	}
	return html, nil
}

func (b *BrowserFetcher) openTab() (*rod.Page, error) {
	br, err := b.connect()
	if err != nil {
		return nil, err
	}
	page, err := stealth.Page(br)
	if err != nil {
		b.reset()
		return nil, fmt.Errorf("create tab: %w", err)
	}
	return page, nil
}

func (b *BrowserFetcher) render(ctx context.Context, page *rod.Page, rawURL string) (string, error) {
	if len(b.cfg.BlockResources) > 0 {
		router := blockResources(page, b.cfg.BlockResources)
		defer router.Stop()
	}

	p := page.Context(ctx)
	if err := p.Navigate(rawURL); err != nil {
		return "", fmt.Errorf("navigate: %w", err)
	}
	if err := p.WaitLoad(); err != nil {
		b.cfg.Logger.Warn("browser: wait load failed", "url", rawURL, "error", err)
	}

	select {
	case <-time.After(b.cfg.SettleDelay):
	case <-ctx.Done():
		return "", ctx.Err()
	}

	res, err := p.Eval(`() => document.documentElement.outerHTML`)
	if err != nil {
		return "", fmt.Errorf("read DOM: %w", err)
	}
	return res.Value.Str(), nil
}

func (b *BrowserFetcher) connect() (*rod.Browser, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrBrowserClosed
	}
	if b.browser != nil {
		return b.browser, nil
	}

	wsURL := b.cfg.RemoteURL
	if wsURL == "" {
		l := launcher.New().Headless(true).Set("disable-blink-features", "AutomationControlled")
		u, err := l.Launch()
		if err != nil {
			return nil, fmt.Errorf("launch chrome: %w", err)
		}
		wsURL = u
		b.lnch = l
		b.cfg.Logger.Info("browser: launched local chrome", "url", wsURL)
	}

	br := rod.New().ControlURL(wsURL)
	if err := br.Connect(); err != nil {
		return nil, fmt.Errorf("connect chrome: %w", err)
	}
	if err := br.IgnoreCertErrors(true); err != nil {
		b.cfg.Logger.Warn("browser: ignore cert errors failed", "error", err)
	}
	b.browser = br
	return br, nil
}

// reset drops the browser handle so the next Fetch reconnects.
func (b *BrowserFetcher) reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cleanupLocked()
}

func (b *BrowserFetcher) cleanupLocked() {
	if b.browser != nil {
		b.browser.Close()
		b.browser = nil
	}
	if b.lnch != nil {
		b.lnch.Cleanup()
		b.lnch = nil
	}
}

// Close shuts Chrome down.
func (b *BrowserFetcher) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.cleanupLocked()
	return nil
}

// Ping reports whether Chrome answers. It does not launch one.
func (b *BrowserFetcher) Ping(ctx context.Context) error {
	b.mu.Lock()
	br := b.browser
	closed := b.closed
	b.mu.Unlock()

	if closed {
		return ErrBrowserClosed
	}
	if br == nil {
		return nil
	}
	_, err := br.Context(ctx).Version()
	return err
}

func blockResources(page *rod.Page, types []string) *rod.HijackRouter {
	blockSet := make(map[string]bool, len(types))
	for _, t := range types {
		blockSet[strings.ToLower(t)] = true
	}

	router := page.HijackRequests()
	router.MustAdd("*", func(h *rod.Hijack) {
		if shouldBlock(blockSet, string(h.Request.Type())) {
			h.Response.Fail(proto.NetworkErrorReasonBlockedByClient)
			return
		}
		h.ContinueRequest(&proto.FetchContinueRequest{})
	})
	go router.Run()
	return router
}

func shouldBlock(blockSet map[string]bool, resType string) bool {
	switch lower := strings.ToLower(resType); lower {
	case "image":
		return blockSet["images"]
	case "font":
		return blockSet["fonts"]
	case "media":
		return blockSet["media"]
	case "stylesheet":
		return blockSet["stylesheets"]
	default:
		return blockSet[lower]
	}
}
