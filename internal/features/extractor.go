package features

import (
	"errors"
	"fmt"
	"log/slog"
)

// ExtractionError records why a single feature fell back to Unknown.
type ExtractionError struct {
	Feature Name   `json:"feature"`
	Family  Family `json:"family"`
	Err     error  `json:"-"`
	Message string `json:"message"`
}

func (e ExtractionError) Error() string {
	return fmt.Sprintf("%s: %v", e.Feature, e.Err)
}

func (e ExtractionError) Unwrap() error { return e.Err }

// Extraction is the outcome of one extraction. Analyzable is false when the
// target URL could not be parsed; Vector is then all Unknown.
type Extraction struct {
	Vector      Vector            `json:"vector"`
	Analyzable  bool              `json:"analyzable"`
	ContentUsed bool              `json:"content_used"`
	TargetErr   error             `json:"-"`
	Errors      []ExtractionError `json:"errors,omitempty"`
}

// Failures returns the diagnostics that are not expected degradations, i.e.
// everything except missing content and external sources.
func (e Extraction) Failures() []ExtractionError {
	var out []ExtractionError
	for _, fe := range e.Errors {
		if errors.Is(fe.Err, ErrContentUnavailable) || errors.Is(fe.Err, ErrExternalSource) {
			continue
		}
		out = append(out, fe)
	}
	return out
}

// Extractor runs every registered check against a target.
type Extractor struct {
	registry *Registry
	logger   *slog.Logger
}

// Option configures an Extractor.
type Option func(*Extractor)

// WithRegistry replaces the built-in check table.
func WithRegistry(r *Registry) Option {
	return func(e *Extractor) { e.registry = r }
}

// WithLogger sets the logger used for per-feature failures.
func WithLogger(l *slog.Logger) Option {
	return func(e *Extractor) { e.logger = l }
}

// NewExtractor creates an Extractor using the default registry.
func NewExtractor(opts ...Option) *Extractor {
	e := &Extractor{registry: DefaultRegistry()}
	for _, o := range opts {
		o(e)
	}
	return e
}

func (e *Extractor) log() *slog.Logger {
	if e.logger == nil {
		return slog.Default()
	}
	return e.logger
}

// Registry returns the check table in use.
func (e *Extractor) Registry() *Registry { return e.registry }

// Extract never fails. A malformed URL yields the all-Unknown vector with
// Analyzable unset; a failing check only degrades its own feature.
func (e *Extractor) Extract(rawURL string, content Content) Extraction {
	page, err := NewPage(rawURL, content)
	if err != nil {
		return Extraction{TargetErr: err}
	}

	out := Extraction{Analyzable: true, ContentUsed: content.Available}
	for i, c := range e.registry.checks {
		t, err := runCheck(c, page)
		if err != nil {
			out.Errors = append(out.Errors, ExtractionError{
				Feature: c.Name,
				Family:  c.Family,
				Err:     err,
				Message: err.Error(),
			})
			if !errors.Is(err, ErrContentUnavailable) && !errors.Is(err, ErrExternalSource) {
				e.log().Debug("feature check failed", "feature", c.Name, "error", err)
			}
			continue
		}
		out.Vector.values[i] = t
	}
	return out
}

// runCheck isolates a single check: panics and out-of-range values become
// errors for that feature only.
func runCheck(c Check, p *Page) (t Ternary, err error) {
	defer func() {
		if r := recover(); r != nil {
			t, err = Unknown, fmt.Errorf("check panicked: %v", r)
		}
	}()
	t, err = c.Fn(p)
	if err != nil {
		return Unknown, err
	}
	if t < Benign || t > Suspicious {
		return Unknown, fmt.Errorf("check returned out-of-range value %d", t)
	}
	return t, nil
}

// Extract runs the default extractor.
func Extract(rawURL string, content Content) Extraction {
	return defaultExtractor.Extract(rawURL, content)
}

var defaultExtractor = &Extractor{registry: defaultRegistry}
