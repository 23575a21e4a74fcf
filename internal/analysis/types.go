package analysis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ZanzyTHEbar/phish-o-meter/internal/features"
)

// Mode selects the decision threshold.
type Mode string

const (
	ModeNavigation  Mode = "navigation"
	ModeInteractive Mode = "interactive"
)

// ParseMode accepts the two modes; empty means navigation.
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case "", ModeNavigation:
		return ModeNavigation, nil
	case ModeInteractive:
		return ModeInteractive, nil
	default:
		return "", fmt.Errorf("unknown analysis mode %q", s)
	}
}

// Outcome says how far an analysis got.
type Outcome string

const (
	OutcomeScored        Outcome = "scored"
	OutcomeSkipped       Outcome = "skipped"
	OutcomeDisabled      Outcome = "disabled"
	OutcomeNonAnalyzable Outcome = "non_analyzable"
)

// Verdict is the externally visible classification.
type Verdict string

const (
	VerdictPhishing   Verdict = "phishing"
	VerdictLegitimate Verdict = "legitimate"
	VerdictUnknown    Verdict = "unknown"
)

// Counter names owned by the counter store.
const (
	CounterAnalyzed = "analyzed"
	CounterBlocked  = "blocked"
)

// Request is one analysis target. When Content is not available the analyzer
// asks its fetcher for the document.
type Request struct {
	URL     string
	Content features.Content
	Mode    Mode
}

// Report is the terminal result of one analysis.
type Report struct {
	ID               string                     `json:"id"`
	URL              string                     `json:"url"`
	Mode             Mode                       `json:"mode"`
	Outcome          Outcome                    `json:"outcome"`
	Verdict          Verdict                    `json:"verdict"`
	Score            float64                    `json:"score"`
	Threshold        float64                    `json:"threshold"`
	Confidence       float64                    `json:"confidence"`
	ContentAvailable bool                       `json:"content_available"`
	Vector           *features.Vector           `json:"features,omitempty"`
	Contributors     []Contributor              `json:"contributors,omitempty"`
	Diagnostics      []features.ExtractionError `json:"diagnostics,omitempty"`
	FetchError       string                     `json:"fetch_error,omitempty"`
	FetchTimedOut    bool                       `json:"fetch_timed_out,omitempty"`
	Warnings         []string                   `json:"warnings,omitempty"`
	RedirectURL      string                     `json:"redirect_url,omitempty"`
	AnalyzedAt       time.Time                  `json:"analyzed_at"`
	DurationMS       int64                      `json:"duration_ms"`
}

// Phishing reports whether the analysis ended in a phishing verdict.
func (r Report) Phishing() bool { return r.Verdict == VerdictPhishing }

// Intervention is what the sink receives when a target is blocked.
type Intervention struct {
	ReportID    string  `json:"report_id"`
	URL         string  `json:"url"`
	RedirectURL string  `json:"redirect_url,omitempty"`
	Score       float64 `json:"score"`
	Threshold   float64 `json:"threshold"`
}

// ContentFetcher returns the rendered HTML for a URL.
type ContentFetcher interface {
	Fetch(ctx context.Context, rawURL string) (string, error)
}

// InterventionSink redirects or blocks a target classified as phishing.
type InterventionSink interface {
	Block(ctx context.Context, in Intervention) error
}

// CounterStore persists aggregate counters. Increment must be atomic per
// counter.
type CounterStore interface {
	Increment(ctx context.Context, name string) error
	Get(ctx context.Context, name string) (int64, error)
}

// ProtectionSwitch reports whether navigation screening is enabled.
type ProtectionSwitch interface {
	ProtectionActive(ctx context.Context) (bool, error)
}

// Recorder keeps an audit trail of reports.
type Recorder interface {
	Record(ctx context.Context, r Report) error
}

// Recorders fans a report out to every recorder in order and joins their
// errors.
type Recorders []Recorder

func (rs Recorders) Record(ctx context.Context, r Report) error {
	var errs []error
	for _, rec := range rs {
		if rec == nil {
			continue
		}
		if err := rec.Record(ctx, r); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
