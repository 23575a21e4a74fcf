package database

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/ZanzyTHEbar/phish-o-meter/internal/analysis"
	"github.com/ZanzyTHEbar/phish-o-meter/internal/features"
)

// SettingProtectionActive holds "true" or "false".
const SettingProtectionActive = "protection_active"

// AnalysisRecord is one row of the analyses history
type AnalysisRecord struct {
	ID               string          `json:"id" db:"id"`
	URL              string          `json:"url" db:"url"`
	Host             string          `json:"host,omitempty" db:"host"`
	Mode             string          `json:"mode" db:"mode"`
	Outcome          string          `json:"outcome" db:"outcome"`
	Verdict          string          `json:"verdict" db:"verdict"`
	Score            float64         `json:"score" db:"score"`
	Threshold        float64         `json:"threshold" db:"threshold"`
	Confidence       float64         `json:"confidence" db:"confidence"`
	ContentAvailable bool            `json:"content_available" db:"content_available"`
	Features         json.RawMessage `json:"features,omitempty" db:"features"`
	Contributors     json.RawMessage `json:"contributors,omitempty" db:"contributors"`
	Warnings         []string        `json:"warnings,omitempty" db:"warnings"`
	FetchError       string          `json:"fetch_error,omitempty" db:"fetch_error"`
	RedirectURL      string          `json:"redirect_url,omitempty" db:"redirect_url"`
	DurationMS       int64           `json:"duration_ms" db:"duration_ms"`
	AnalyzedAt       time.Time       `json:"analyzed_at" db:"analyzed_at"`
}

// NewAnalysisRecord flattens a report into a history row
func NewAnalysisRecord(rep analysis.Report) (*AnalysisRecord, error) {
	rec := &AnalysisRecord{
		ID:               rep.ID,
		URL:              rep.URL,
		Mode:             string(rep.Mode),
		Outcome:          string(rep.Outcome),
		Verdict:          string(rep.Verdict),
		Score:            rep.Score,
		Threshold:        rep.Threshold,
		Confidence:       rep.Confidence,
		ContentAvailable: rep.ContentAvailable,
		Warnings:         rep.Warnings,
		FetchError:       rep.FetchError,
		RedirectURL:      rep.RedirectURL,
		DurationMS:       rep.DurationMS,
		AnalyzedAt:       rep.AnalyzedAt,
	}
	if page, err := features.NewPage(rep.URL, features.NoContent); err == nil {
		rec.Host = page.Host
	}

	if rep.Vector != nil {
		raw, err := json.Marshal(rep.Vector)
		if err != nil {
			return nil, fmt.Errorf("encode features: %w", err)
		}
		rec.Features = raw
	}
	if len(rep.Contributors) > 0 {
		raw, err := json.Marshal(rep.Contributors)
		if err != nil {
			return nil, fmt.Errorf("encode contributors: %w", err)
		}
		rec.Contributors = raw
	}
	return rec, nil
}

// Vector decodes the stored feature vector
func (r *AnalysisRecord) Vector() (*features.Vector, error) {
	if len(r.Features) == 0 {
		return nil, nil
	}
	var v features.Vector
	if err := json.Unmarshal(r.Features, &v); err != nil {
		return nil, err
	}
	return &v, nil
}

// Stats summarises the persistent state for the stats endpoint
type Stats struct {
	Analyzed         int64            `json:"analyzed"`
	Blocked          int64            `json:"blocked"`
	ProtectionActive bool             `json:"protection_active"`
	Verdicts         map[string]int64 `json:"verdicts"`
	LastAnalysisAt   *time.Time       `json:"last_analysis_at,omitempty"`
}
