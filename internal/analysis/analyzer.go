package analysis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/ZanzyTHEbar/phish-o-meter/internal/features"
)

const (
	// DefaultFetchTimeout bounds content acquisition.
	DefaultFetchTimeout = 10 * time.Second
	// DefaultBatchConcurrency caps parallel analyses in AnalyzeBatch.
	DefaultBatchConcurrency = 8
)

// ErrFetchTimeout is reported when content acquisition exceeds its budget.
var ErrFetchTimeout = errors.New("content fetch timed out")

var restrictedSchemes = map[string]struct{}{
	"chrome":           {},
	"chrome-extension": {},
	"devtools":         {},
	"edge":             {},
	"about":            {},
	"data":             {},
	"view-source":      {},
	"javascript":       {},
	"blob":             {},
	"file":             {},
	"moz-extension":    {},
}

// IsRestricted reports whether rawURL uses a browser-internal or otherwise
// non-fetchable scheme.
func IsRestricted(rawURL string) bool {
	_, ok := restrictedSchemes[schemeOf(rawURL)]
	return ok
}

func schemeOf(rawURL string) string {
	raw := strings.TrimSpace(rawURL)
	if u, err := url.Parse(raw); err == nil && u.Scheme != "" {
		return strings.ToLower(u.Scheme)
	}
	if i := strings.Index(raw, ":"); i > 0 {
		return strings.ToLower(raw[:i])
	}
	return ""
}

type scorerSet struct {
	navigation  *Scorer
	interactive *Scorer
}

func (s *scorerSet) forMode(m Mode) *Scorer {
	if m == ModeInteractive {
		return s.interactive
	}
	return s.navigation
}

// Analyzer orchestrates guard, acquisition, extraction, scoring and
// intervention for one target at a time. It holds no per-request state and is
// safe for concurrent use.
type Analyzer struct {
	extractor  *features.Extractor
	scorers    atomic.Pointer[scorerSet]
	fetcher    ContentFetcher
	sink       InterventionSink
	counters   CounterStore
	protection ProtectionSwitch
	recorder   Recorder
	logger     *slog.Logger

	fetchTimeout         time.Duration
	safeRedirectURL      string
	navigationThreshold  float64
	interactiveThreshold float64
	batchConcurrency     int
}

// Option configures an Analyzer.
type Option func(*Analyzer)

// WithFetcher sets the content fetcher. Without one, only supplied documents
// are analyzed.
func WithFetcher(f ContentFetcher) Option { return func(a *Analyzer) { a.fetcher = f } }

// WithSink sets where phishing verdicts are reported.
func WithSink(s InterventionSink) Option { return func(a *Analyzer) { a.sink = s } }

// WithCounters sets the store for the analyzed and blocked counters.
func WithCounters(c CounterStore) Option { return func(a *Analyzer) { a.counters = c } }

// WithProtectionSwitch sets the toggle consulted before navigation analyses.
func WithProtectionSwitch(p ProtectionSwitch) Option {
	return func(a *Analyzer) { a.protection = p }
}

// WithRecorder sets a hook that receives every finished report.
func WithRecorder(r Recorder) Option { return func(a *Analyzer) { a.recorder = r } }

// WithLogger sets the analyzer's logger.
func WithLogger(l *slog.Logger) Option { return func(a *Analyzer) { a.logger = l } }

// WithExtractor replaces the default feature extractor.
func WithExtractor(e *features.Extractor) Option { return func(a *Analyzer) { a.extractor = e } }

// WithFetchTimeout bounds the acquisition step.
func WithFetchTimeout(d time.Duration) Option {
	return func(a *Analyzer) {
		if d > 0 {
			a.fetchTimeout = d
		}
	}
}

// WithSafeRedirectURL sets the page phishing navigations are sent to.
func WithSafeRedirectURL(u string) Option {
	return func(a *Analyzer) { a.safeRedirectURL = u }
}

// WithThresholds overrides the navigation and interactive thresholds.
func WithThresholds(navigation, interactive float64) Option {
	return func(a *Analyzer) {
		a.navigationThreshold = navigation
		a.interactiveThreshold = interactive
	}
}

// WithBatchConcurrency caps parallelism in AnalyzeBatch.
func WithBatchConcurrency(n int) Option {
	return func(a *Analyzer) {
		if n > 0 {
			a.batchConcurrency = n
		}
	}
}

// NewAnalyzer creates an Analyzer scoring with weights.
func NewAnalyzer(weights WeightTable, opts ...Option) *Analyzer {
	a := &Analyzer{
		extractor:            features.NewExtractor(),
		logger:               slog.Default(),
		fetchTimeout:         DefaultFetchTimeout,
		navigationThreshold:  NavigationThreshold,
		interactiveThreshold: InteractiveThreshold,
		batchConcurrency:     DefaultBatchConcurrency,
	}
	for _, o := range opts {
		o(a)
	}
	a.SwapWeights(weights)
	return a
}

// SwapWeights installs a fresh pair of scorers built from weights. Analyses
// already running keep the scorers they started with.
func (a *Analyzer) SwapWeights(weights WeightTable) {
	a.scorers.Store(&scorerSet{
		navigation:  NewScorer(weights, a.navigationThreshold),
		interactive: NewScorer(weights, a.interactiveThreshold),
	})
}

// Weights returns the table currently in use.
func (a *Analyzer) Weights() WeightTable {
	return a.scorers.Load().navigation.Weights()
}

// Extractor returns the feature extractor in use.
func (a *Analyzer) Extractor() *features.Extractor { return a.extractor }

// Analyze runs one analysis. It always returns a report.
func (a *Analyzer) Analyze(ctx context.Context, req Request) Report {
	start := time.Now()
	mode := req.Mode
	if mode == "" {
		mode = ModeNavigation
	}
	scorer := a.scorers.Load().forMode(mode)

	rep := Report{
		ID:         uuid.NewString(),
		URL:        req.URL,
		Mode:       mode,
		Verdict:    VerdictUnknown,
		Threshold:  scorer.Threshold(),
		AnalyzedAt: start.UTC(),
	}

	if IsRestricted(req.URL) {
		rep.Outcome = OutcomeSkipped
		a.logger.Debug("skipping restricted target", "url", req.URL)
		return a.finish(ctx, rep, start)
	}

	if mode == ModeNavigation && !a.protectionActive(ctx) {
		rep.Outcome = OutcomeDisabled
		return a.finish(ctx, rep, start)
	}

	content := req.Content
	if !content.Available && a.fetcher != nil {
		if _, err := features.NewPage(req.URL, features.NoContent); err == nil {
			fetched, err := a.acquire(ctx, req.URL)
			if err != nil {
				rep.FetchError = err.Error()
				rep.FetchTimedOut = errors.Is(err, ErrFetchTimeout)
				a.logger.Warn("content acquisition failed, continuing without document",
					"url", req.URL, "error", err)
			}
			content = fetched
		}
	}

	ex := a.extractor.Extract(req.URL, content)
	if !ex.Analyzable {
		rep.Outcome = OutcomeNonAnalyzable
		rep.Warnings = append(rep.Warnings, ex.TargetErr.Error())
		vec := ex.Vector
		rep.Vector = &vec
		return a.finish(ctx, rep, start)
	}

	result := scorer.Score(ex.Vector)
	vec := ex.Vector
	rep.Outcome = OutcomeScored
	rep.Vector = &vec
	rep.Score = result.Score
	rep.Contributors = result.Contributors
	rep.Diagnostics = ex.Failures()
	rep.ContentAvailable = ex.ContentUsed
	rep.Confidence = float64(ex.Vector.Known()) / float64(features.Count)
	rep.Verdict = VerdictLegitimate
	if result.Phishing {
		rep.Verdict = VerdictPhishing
		rep.RedirectURL = a.redirectURL(req.URL)
	}

	a.act(ctx, &rep)
	return a.finish(ctx, rep, start)
}

func (a *Analyzer) finish(ctx context.Context, rep Report, start time.Time) Report {
	rep.DurationMS = time.Since(start).Milliseconds()
	if a.recorder != nil {
		if err := a.recorder.Record(context.WithoutCancel(ctx), rep); err != nil {
			a.logger.Warn("failed to record analysis", "id", rep.ID, "error", err)
		}
	}
	a.logger.Info("analysis completed",
		"id", rep.ID,
		"url", rep.URL,
		"mode", rep.Mode,
		"outcome", rep.Outcome,
		"verdict", rep.Verdict,
		"score", rep.Score,
		"content_available", rep.ContentAvailable,
		"duration_ms", rep.DurationMS,
	)
	return rep
}

func (a *Analyzer) protectionActive(ctx context.Context) bool {
	if a.protection == nil {
		return true
	}
	active, err := a.protection.ProtectionActive(ctx)
	if err != nil {
		a.logger.Warn("failed to read protection setting, assuming active", "error", err)
		return true
	}
	return active
}

// acquire fetches the document under the fetch timeout. The fetcher runs in
// its own goroutine so one that ignores its context cannot stall the analysis.
func (a *Analyzer) acquire(ctx context.Context, rawURL string) (features.Content, error) {
	fctx, cancel := context.WithTimeout(ctx, a.fetchTimeout)
	defer cancel()

	type result struct {
		html string
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- result{err: fmt.Errorf("fetcher panicked: %v", r)}
			}
		}()
		html, err := a.fetcher.Fetch(fctx, rawURL)
		ch <- result{html: html, err: err}
	}()

	select {
	case r := <-ch:
		if r.err != nil {
			if errors.Is(r.err, context.DeadlineExceeded) {
				return features.NoContent, fmt.Errorf("%w: %v", ErrFetchTimeout, r.err)
			}
			return features.NoContent, r.err
		}
		return features.HTML(r.html), nil
	case <-fctx.Done():
		if errors.Is(fctx.Err(), context.DeadlineExceeded) {
			return features.NoContent, fmt.Errorf("%w after %s", ErrFetchTimeout, a.fetchTimeout)
		}
		return features.NoContent, fctx.Err()
	}
}

// act notifies collaborators. Their failures are logged and never change the
// verdict.
func (a *Analyzer) act(ctx context.Context, rep *Report) {
	if rep.Verdict == VerdictPhishing && a.sink != nil {
		in := Intervention{
			ReportID:    rep.ID,
			URL:         rep.URL,
			RedirectURL: rep.RedirectURL,
			Score:       rep.Score,
			Threshold:   rep.Threshold,
		}
		if err := a.sink.Block(ctx, in); err != nil {
			rep.Warnings = append(rep.Warnings, "intervention failed: "+err.Error())
			a.logger.Error("intervention sink failed", "url", rep.URL, "error", err)
		}
	}
	if a.counters == nil {
		return
	}
	if err := a.counters.Increment(ctx, CounterAnalyzed); err != nil {
		rep.Warnings = append(rep.Warnings, "counter update failed: "+err.Error())
		a.logger.Error("failed to increment counter", "counter", CounterAnalyzed, "error", err)
	}
	if rep.Verdict == VerdictPhishing {
		if err := a.counters.Increment(ctx, CounterBlocked); err != nil {
			rep.Warnings = append(rep.Warnings, "counter update failed: "+err.Error())
			a.logger.Error("failed to increment counter", "counter", CounterBlocked, "error", err)
		}
	}
}

// redirectURL builds the safe page address carrying the original target.
func (a *Analyzer) redirectURL(original string) string {
	if a.safeRedirectURL == "" {
		return ""
	}
	u, err := url.Parse(a.safeRedirectURL)
	if err != nil {
		return ""
	}
	q := u.Query()
	q.Set("original", original)
	u.RawQuery = q.Encode()
	return u.String()
}

// AnalyzeBatch analyzes requests in parallel. Reports keep the input order.
func (a *Analyzer) AnalyzeBatch(ctx context.Context, reqs []Request) []Report {
	reports := make([]Report, len(reqs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.batchConcurrency)
	for i := range reqs {
		i := i
		g.Go(func() error {
			reports[i] = a.Analyze(gctx, reqs[i])
			return nil
		})
	}
	_ = g.Wait()
	return reports
}
