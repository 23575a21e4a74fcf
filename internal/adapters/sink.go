package adapters

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/ZanzyTHEbar/phish-o-meter/internal/analysis"
	"github.com/ZanzyTHEbar/phish-o-meter/internal/monitoring"
	"github.com/ZanzyTHEbar/phish-o-meter/internal/resilience"
)

// ErrServiceDegraded is returned instead of calling a downstream service the
// degradation manager has marked as failing.
var ErrServiceDegraded = errors.New("downstream service is degraded")

// WebhookSink posts every intervention as JSON to an external endpoint, for
// example a browser extension relay or a SOC ticketing hook.
type WebhookSink struct {
	url         string
	pool        *resilience.ConnectionPool
	retry       resilience.RetryConfig
	observer    CallObserver
	degradation *resilience.DegradationManager
}

// WebhookOption configures a WebhookSink.
type WebhookOption func(*WebhookSink)

func WithWebhookPool(p *resilience.ConnectionPool) WebhookOption {
	return func(s *WebhookSink) { s.pool = p }
}

func WithWebhookObserver(o CallObserver) WebhookOption {
	return func(s *WebhookSink) { s.observer = o }
}

func WithWebhookRetryPolicy(p resilience.RetryPolicy) WebhookOption {
	return func(s *WebhookSink) { s.retry = p.Config }
}

func WithWebhookDegradation(dm *resilience.DegradationManager) WebhookOption {
	return func(s *WebhookSink) { s.degradation = dm }
}

// NewWebhookSink creates a sink posting to url.
func NewWebhookSink(url string, opts ...WebhookOption) *WebhookSink {
	s := &WebhookSink{
		url:      url,
		retry:    resilience.StandardRetryPolicy.Config,
		observer: nopObserver{},
	}
	for _, o := range opts {
		o(s)
	}
	if s.pool == nil {
		cb := resilience.NewCircuitBreaker(resilience.ServiceWebhook, resilience.CircuitBreakerConfig{})
		s.pool = resilience.NewConnectionPool(resilience.PoolConfig{MaxActive: 4, RequestTimeout: 10 * time.Second}, cb)
	}
	return s
}

type webhookPayload struct {
	Event string `json:"event"`
	analysis.Intervention
	SentAt time.Time `json:"sent_at"`
}

// Block implements analysis.InterventionSink.
func (s *WebhookSink) Block(ctx context.Context, in analysis.Intervention) error {
	if s.degradation != nil && !s.degradation.IsServiceAvailable(resilience.ServiceWebhook) {
		return ErrServiceDegraded
	}

	body, err := json.Marshal(webhookPayload{Event: "phishing_blocked", Intervention: in, SentAt: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("encode intervention: %w", err)
	}

	err = resilience.RetryWithConfig(ctx, s.retry, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := s.pool.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return resilience.NewHTTPError(resp.StatusCode, resp.Status, s.url)
		}
		return nil
	})

	observe(s.observer, s.degradation, resilience.ServiceWebhook, err, err)
	if err != nil {
		return fmt.Errorf("webhook %s: %w", s.url, err)
	}
	return nil
}

// LogSink records interventions in the structured log only.
type LogSink struct {
	logger *monitoring.Logger
}

func NewLogSink(logger *monitoring.Logger) *LogSink {
	return &LogSink{logger: logger}
}

// Block implements analysis.InterventionSink.
func (s *LogSink) Block(_ context.Context, in analysis.Intervention) error {
	s.logger.InterventionLogger("log", in.URL, in.RedirectURL, in.Score)
	return nil
}

// FanoutSink delivers an intervention to every sink and joins their errors.
type FanoutSink []analysis.InterventionSink

func (f FanoutSink) Block(ctx context.Context, in analysis.Intervention) error {
	var errs []error
	for _, s := range f {
		if err := s.Block(ctx, in); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
