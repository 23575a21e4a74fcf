package resilience

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"sync/atomic"
	"syscall"
	"time"
)

// ErrPoolExhausted is returned when no request slot frees up before the
// caller's context ends.
var ErrPoolExhausted = errors.New("connection pool exhausted")

// ErrDestinationDenied is returned when DenyPrivate refuses a dial.
var ErrDestinationDenied = errors.New("destination address is not publicly routable")

// PoolConfig sizes the shared HTTP transport
type PoolConfig struct {
	MaxIdle         int
	MaxActive       int
	IdleTimeout     time.Duration
	RequestTimeout  time.Duration
	FollowRedirects int

	// DenyPrivate refuses connections to loopback, private, link-local and
	// unspecified addresses. The check runs on the resolved address, so it
	// also covers redirects and hostnames pointing inward.
	DenyPrivate bool
}

// DefaultPoolConfig returns limits suited to page fetching
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		MaxIdle:         32,
		MaxActive:       16,
		IdleTimeout:     90 * time.Second,
		RequestTimeout:  30 * time.Second,
		FollowRedirects: 10,
	}
}

// ConnectionPool shares one transport between callers and caps the number of
// in-flight requests. With a circuit breaker every round trip goes through it,
// so give one only to pools that talk to a single downstream service.
type ConnectionPool struct {
	config         PoolConfig
	client         *http.Client
	transport      *http.Transport
	circuitBreaker *CircuitBreaker
	slots          chan struct{}

	inFlight int64
	total    int64
	rejected int64
}

// NewConnectionPool creates a new connection pool guarded by cb, which may be nil
func NewConnectionPool(config PoolConfig, cb *CircuitBreaker) *ConnectionPool {
	def := DefaultPoolConfig()
	if config.MaxIdle <= 0 {
		config.MaxIdle = def.MaxIdle
	}
	if config.MaxActive <= 0 {
		config.MaxActive = def.MaxActive
	}
	if config.IdleTimeout <= 0 {
		config.IdleTimeout = def.IdleTimeout
	}
	if config.RequestTimeout <= 0 {
		config.RequestTimeout = def.RequestTimeout
	}
	if config.FollowRedirects <= 0 {
		config.FollowRedirects = def.FollowRedirects
	}

	dialer := &net.Dialer{Timeout: 30 * time.Second, KeepAlive: 30 * time.Second}
	if config.DenyPrivate {
		dialer.Control = denyPrivate
	}

	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		MaxIdleConns:          config.MaxIdle,
		MaxIdleConnsPerHost:   max(config.MaxIdle/4, 2),
		IdleConnTimeout:       config.IdleTimeout,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: config.RequestTimeout,
		ExpectContinueTimeout: 1 * time.Second,
	}

	limit := config.FollowRedirects
	client := &http.Client{
		Transport: transport,
		Timeout:   config.RequestTimeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= limit {
				return fmt.Errorf("stopped after %d redirects", limit)
			}
			return nil
		},
	}

	return &ConnectionPool{
		config:         config,
		client:         client,
		transport:      transport,
		circuitBreaker: cb,
		slots:          make(chan struct{}, config.MaxActive),
	}
}

// Breaker returns the circuit breaker guarding this pool
func (cp *ConnectionPool) Breaker() *CircuitBreaker { return cp.circuitBreaker }

// Do sends req once. Transport errors and 5xx responses count against the
// breaker; 5xx bodies are drained and reported as *HTTPError. Other statuses
// are returned to the caller untouched.
func (cp *ConnectionPool) Do(req *http.Request) (*http.Response, error) {
	if err := cp.acquire(req.Context()); err != nil {
		return nil, err
	}
	defer cp.release()

	atomic.AddInt64(&cp.total, 1)

	var resp *http.Response
	call := func() error {
		start := time.Now()
		r, err := cp.client.Do(req)
		if err != nil {
			slog.Debug("Request failed", "url", req.URL.String(), "error", err, "duration_ms", time.Since(start).Milliseconds())
			return err
		}
		if r.StatusCode >= 500 {
			io.Copy(io.Discard, io.LimitReader(r.Body, 64<<10))
			r.Body.Close()
			return NewHTTPError(r.StatusCode, r.Status, req.URL.Redacted())
		}
		resp = r
		return nil
	}

	var err error
	if cp.circuitBreaker == nil {
		err = call()
	} else {
		err = cp.circuitBreaker.Call(call)
	}
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// denyPrivate is a net.Dialer Control hook.
func denyPrivate(_, address string, _ syscall.RawConn) error {
	ap, err := netip.ParseAddrPort(address)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrDestinationDenied, address)
	}
	if !PublicAddr(ap.Addr()) {
		return fmt.Errorf("%w: %s", ErrDestinationDenied, ap.Addr())
	}
	return nil
}

// PublicAddr reports whether a is a globally routable unicast address.
func PublicAddr(a netip.Addr) bool {
	a = a.Unmap()
	return a.IsValid() &&
		a.IsGlobalUnicast() &&
		!a.IsPrivate() &&
		!a.IsLoopback() &&
		!a.IsLinkLocalUnicast() &&
		!isSharedOrReserved(a)
}

var reservedPrefixes = []netip.Prefix{
	netip.MustParsePrefix("100.64.0.0/10"),
	netip.MustParsePrefix("192.0.0.0/24"),
	netip.MustParsePrefix("198.18.0.0/15"),
	netip.MustParsePrefix("240.0.0.0/4"),
}

func isSharedOrReserved(a netip.Addr) bool {
	for _, p := range reservedPrefixes {
		if p.Contains(a) {
			return true
		}
	}
	return false
}

func (cp *ConnectionPool) acquire(ctx context.Context) error {
	select {
	case cp.slots <- struct{}{}:
		atomic.AddInt64(&cp.inFlight, 1)
		return nil
	case <-ctx.Done():
		atomic.AddInt64(&cp.rejected, 1)
		return fmt.Errorf("%w (%d active): %w", ErrPoolExhausted, cp.config.MaxActive, ctx.Err())
	}
}

func (cp *ConnectionPool) release() {
	atomic.AddInt64(&cp.inFlight, -1)
	<-cp.slots
}

// GetStats returns connection pool statistics
func (cp *ConnectionPool) GetStats() map[string]interface{} {
	stats := map[string]interface{}{
		"in_flight":       atomic.LoadInt64(&cp.inFlight),
		"total_requests":  atomic.LoadInt64(&cp.total),
		"rejected":        atomic.LoadInt64(&cp.rejected),
		"max_idle":        cp.config.MaxIdle,
		"max_active":      cp.config.MaxActive,
		"idle_timeout_ms": cp.config.IdleTimeout.Milliseconds(),
	}
	if cp.circuitBreaker != nil {
		stats["circuit_breaker_state"] = cp.circuitBreaker.State().String()
	}
	return stats
}

// Close drops idle keep-alive connections
func (cp *ConnectionPool) Close() error {
	cp.transport.CloseIdleConnections()
	slog.Debug("Connection pool closed")
	return nil
}
