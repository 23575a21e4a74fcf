package database

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ZanzyTHEbar/phish-o-meter/internal/analysis"
	"github.com/ZanzyTHEbar/phish-o-meter/internal/features"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) (*Store, *DB) {
	t.Helper()
	db, err := NewDB(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewStore(NewRepository(db)), db
}

func sampleReport(t *testing.T, id string, verdict analysis.Verdict, at time.Time) analysis.Report {
	t.Helper()
	v, err := features.Vector{}.With(features.UsingIP, features.Suspicious)
	require.NoError(t, err)
	v, err = v.With(features.HTTPS, features.Benign)
	require.NoError(t, err)

	return analysis.Report{
		ID:               id,
		URL:              "http://login.example.co.uk/verify",
		Mode:             analysis.ModeNavigation,
		Outcome:          analysis.OutcomeScored,
		Verdict:          verdict,
		Score:            0.75,
		Threshold:        0.5,
		Confidence:       0.4,
		ContentAvailable: true,
		Vector:           &v,
		Contributors: []analysis.Contributor{
			{Name: features.UsingIP, Value: features.Suspicious, Weight: 0.75, Contribution: 0.75},
		},
		Warnings:    []string{"content truncated"},
		RedirectURL: "https://safe.example/",
		AnalyzedAt:  at,
		DurationMS:  12,
	}
}

func TestNewDB_CreatesFile(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "data")
	db, err := NewDB(dir)
	require.NoError(t, err)
	defer db.Close()

	assert.FileExists(t, filepath.Join(dir, FileName))
	assert.NoError(t, db.HealthCheck(context.Background()))
	assert.Equal(t, 8, db.GetPoolStats()["max_open_connections"])

	_, err = db.GetPreparedStatement("missing")
	assert.Error(t, err)
}

func TestStore_Counters(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	n, err := store.Get(ctx, analysis.CounterAnalyzed)
	require.NoError(t, err)
	assert.Zero(t, n, "unknown counters read as zero")

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, store.Increment(ctx, analysis.CounterAnalyzed))
		}()
	}
	wg.Wait()
	require.NoError(t, store.Increment(ctx, analysis.CounterBlocked))

	n, err = store.Get(ctx, analysis.CounterAnalyzed)
	require.NoError(t, err)
	assert.Equal(t, int64(20), n)

	n, err = store.Get(ctx, analysis.CounterBlocked)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestStore_Protection(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	active, err := store.ProtectionActive(ctx)
	require.NoError(t, err)
	assert.True(t, active, "protection defaults to on")

	require.NoError(t, store.SetProtection(ctx, false))
	active, err = store.ProtectionActive(ctx)
	require.NoError(t, err)
	assert.False(t, active)

	require.NoError(t, store.SetProtection(ctx, true))
	active, err = store.ProtectionActive(ctx)
	require.NoError(t, err)
	assert.True(t, active)

	require.NoError(t, store.repo.SetSetting(ctx, SettingProtectionActive, "maybe"))
	active, err = store.ProtectionActive(ctx)
	assert.Error(t, err)
	assert.True(t, active, "an unreadable switch stays on")
}

func TestStore_RecordAndHistory(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, store.Record(ctx, sampleReport(t, "a", analysis.VerdictLegitimate, base)))
	require.NoError(t, store.Record(ctx, sampleReport(t, "b", analysis.VerdictPhishing, base.Add(time.Minute))))
	require.NoError(t, store.Record(ctx, analysis.Report{
		ID:         "c",
		URL:        "about:blank",
		Mode:       analysis.ModeNavigation,
		Outcome:    analysis.OutcomeSkipped,
		Verdict:    analysis.VerdictUnknown,
		AnalyzedAt: base.Add(2 * time.Minute),
	}))

	history, err := store.History(ctx, 10, "")
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, []string{"c", "b", "a"}, []string{history[0].ID, history[1].ID, history[2].ID})

	skipped := history[0]
	assert.Empty(t, skipped.Host)
	assert.Nil(t, skipped.Features)
	assert.Nil(t, skipped.Warnings)

	phishing, err := store.History(ctx, 10, string(analysis.VerdictPhishing))
	require.NoError(t, err)
	require.Len(t, phishing, 1)

	rec := phishing[0]
	assert.Equal(t, "login.example.co.uk", rec.Host)
	assert.Equal(t, "scored", rec.Outcome)
	assert.InDelta(t, 0.75, rec.Score, 1e-9)
	assert.True(t, rec.ContentAvailable)
	assert.Equal(t, []string{"content truncated"}, rec.Warnings)
	assert.Equal(t, "https://safe.example/", rec.RedirectURL)
	assert.True(t, rec.AnalyzedAt.Equal(base.Add(time.Minute)))

	v, err := rec.Vector()
	require.NoError(t, err)
	require.NotNil(t, v)
	assert.Equal(t, features.Suspicious, v.Get(features.UsingIP))
	assert.Equal(t, features.Benign, v.Get(features.HTTPS))
	assert.Equal(t, features.Unknown, v.Get(features.Iframe))

	got, err := store.Analysis(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, rec.URL, got.URL)

	_, err = store.Analysis(ctx, "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_Stats(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	stats, err := store.Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.Analyzed)
	assert.True(t, stats.ProtectionActive)
	assert.Nil(t, stats.LastAnalysisAt)
	assert.Empty(t, stats.Verdicts)

	at := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, store.Record(ctx, sampleReport(t, "x", analysis.VerdictPhishing, at)))
	require.NoError(t, store.Record(ctx, sampleReport(t, "y", analysis.VerdictPhishing, at)))
	require.NoError(t, store.Increment(ctx, analysis.CounterAnalyzed))
	require.NoError(t, store.Increment(ctx, analysis.CounterBlocked))

	stats, err = store.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Analyzed)
	assert.Equal(t, int64(1), stats.Blocked)
	assert.Equal(t, map[string]int64{"phishing": 2}, stats.Verdicts)
	require.NotNil(t, stats.LastAnalysisAt)
}

func TestStore_Prune(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Record(ctx, sampleReport(t, "old", analysis.VerdictLegitimate, time.Now().Add(-48*time.Hour))))
	require.NoError(t, store.Record(ctx, sampleReport(t, "new", analysis.VerdictLegitimate, time.Now())))

	n, err := store.Prune(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	history, err := store.History(ctx, 0, "")
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "new", history[0].ID)
}
