package database

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/ZanzyTHEbar/phish-o-meter/internal/analysis"
)

// Store is the sqlite-backed state of the classifier: aggregate counters,
// the protection switch and the analysis history.
type Store struct {
	repo *Repository
}

// NewStore wraps a repository
func NewStore(repo *Repository) *Store {
	return &Store{repo: repo}
}

// Increment implements analysis.CounterStore
func (s *Store) Increment(ctx context.Context, name string) error {
	return s.repo.IncrementCounter(ctx, name)
}

// Get implements analysis.CounterStore
func (s *Store) Get(ctx context.Context, name string) (int64, error) {
	return s.repo.GetCounter(ctx, name)
}

// Record implements analysis.Recorder
func (s *Store) Record(ctx context.Context, rep analysis.Report) error {
	rec, err := NewAnalysisRecord(rep)
	if err != nil {
		return err
	}
	return s.repo.InsertAnalysis(ctx, rec)
}

// ProtectionActive implements analysis.ProtectionSwitch. Protection is on
// until explicitly switched off.
func (s *Store) ProtectionActive(ctx context.Context) (bool, error) {
	value, err := s.repo.GetSetting(ctx, SettingProtectionActive)
	if errors.Is(err, ErrNotFound) {
		return true, nil
	}
	if err != nil {
		return true, err
	}
	active, err := strconv.ParseBool(value)
	if err != nil {
		return true, fmt.Errorf("invalid %s value %q: %w", SettingProtectionActive, value, err)
	}
	return active, nil
}

// SetProtection turns navigation screening on or off
func (s *Store) SetProtection(ctx context.Context, active bool) error {
	return s.repo.SetSetting(ctx, SettingProtectionActive, strconv.FormatBool(active))
}

// Stats collects counters, the switch and the verdict breakdown
func (s *Store) Stats(ctx context.Context) (*Stats, error) {
	analyzed, err := s.Get(ctx, analysis.CounterAnalyzed)
	if err != nil {
		return nil, err
	}
	blocked, err := s.Get(ctx, analysis.CounterBlocked)
	if err != nil {
		return nil, err
	}
	active, err := s.ProtectionActive(ctx)
	if err != nil {
		return nil, err
	}
	verdicts, err := s.repo.VerdictCounts(ctx)
	if err != nil {
		return nil, err
	}
	last, err := s.repo.LastAnalysisAt(ctx)
	if err != nil {
		return nil, err
	}

	return &Stats{
		Analyzed:         analyzed,
		Blocked:          blocked,
		ProtectionActive: active,
		Verdicts:         verdicts,
		LastAnalysisAt:   last,
	}, nil
}

// History returns the most recent analyses, optionally filtered by verdict
func (s *Store) History(ctx context.Context, limit int, verdict string) ([]AnalysisRecord, error) {
	return s.repo.RecentAnalyses(ctx, limit, verdict)
}

// Analysis returns one stored analysis
func (s *Store) Analysis(ctx context.Context, id string) (*AnalysisRecord, error) {
	return s.repo.GetAnalysis(ctx, id)
}

// Prune drops history older than retention
func (s *Store) Prune(ctx context.Context, retention time.Duration) (int64, error) {
	return s.repo.PruneAnalyses(ctx, time.Now().Add(-retention))
}
