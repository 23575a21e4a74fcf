package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when a row does not exist
var ErrNotFound = errors.New("not found")

// Repository handles database operations
type Repository struct {
	db *DB
}

// NewRepository creates a new repository
func NewRepository(db *DB) *Repository {
	return &Repository{db: db}
}

// IncrementCounter atomically adds one to the named counter, creating it at 1
func (r *Repository) IncrementCounter(ctx context.Context, name string) error {
	stmt, err := r.db.GetPreparedStatement("increment_counter")
	if err != nil {
		return err
	}
	if _, err := stmt.ExecContext(ctx, name, time.Now().UTC()); err != nil {
		return fmt.Errorf("failed to increment counter %s: %w", name, err)
	}
	return nil
}

// GetCounter returns the counter value; unknown counters read as zero
func (r *Repository) GetCounter(ctx context.Context, name string) (int64, error) {
	stmt, err := r.db.GetPreparedStatement("get_counter")
	if err != nil {
		return 0, err
	}
	var value int64
	err = stmt.QueryRowContext(ctx, name).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read counter %s: %w", name, err)
	}
	return value, nil
}

// GetSetting returns the stored value for key or ErrNotFound
func (r *Repository) GetSetting(ctx context.Context, key string) (string, error) {
	stmt, err := r.db.GetPreparedStatement("get_setting")
	if err != nil {
		return "", err
	}
	var value string
	err = stmt.QueryRowContext(ctx, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to read setting %s: %w", key, err)
	}
	return value, nil
}

// SetSetting stores value under key
func (r *Repository) SetSetting(ctx context.Context, key, value string) error {
	stmt, err := r.db.GetPreparedStatement("upsert_setting")
	if err != nil {
		return err
	}
	if _, err := stmt.ExecContext(ctx, key, value, time.Now().UTC()); err != nil {
		return fmt.Errorf("failed to write setting %s: %w", key, err)
	}
	return nil
}

// InsertAnalysis appends a record to the history
func (r *Repository) InsertAnalysis(ctx context.Context, rec *AnalysisRecord) error {
	stmt, err := r.db.GetPreparedStatement("insert_analysis")
	if err != nil {
		return err
	}

	var warnings []byte
	if len(rec.Warnings) > 0 {
		if warnings, err = json.Marshal(rec.Warnings); err != nil {
			return fmt.Errorf("failed to encode warnings: %w", err)
		}
	}

	_, err = stmt.ExecContext(ctx,
		rec.ID, rec.URL, nullString(rec.Host), rec.Mode, rec.Outcome, rec.Verdict,
		rec.Score, rec.Threshold, rec.Confidence, rec.ContentAvailable,
		nullBytes(rec.Features), nullBytes(rec.Contributors), nullBytes(warnings),
		nullString(rec.FetchError), nullString(rec.RedirectURL),
		rec.DurationMS, rec.AnalyzedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert analysis: %w", err)
	}
	return nil
}

const analysisColumns = `id, url, host, mode, outcome, verdict, score, threshold, confidence,
	content_available, features, contributors, warnings, fetch_error, redirect_url,
	duration_ms, analyzed_at`

// RecentAnalyses returns up to limit records, newest first. A non-empty
// verdict filters on it.
func (r *Repository) RecentAnalyses(ctx context.Context, limit int, verdict string) ([]AnalysisRecord, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}

	query := `SELECT ` + analysisColumns + ` FROM analyses`
	args := []interface{}{}
	if verdict != "" {
		query += ` WHERE verdict = ?`
		args = append(args, verdict)
	}
	query += ` ORDER BY analyzed_at DESC, rowid DESC LIMIT ?`
	args = append(args, limit)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query analyses: %w", err)
	}
	defer rows.Close()

	var out []AnalysisRecord
	for rows.Next() {
		rec, err := scanAnalysis(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

// GetAnalysis returns one record by ID or ErrNotFound
func (r *Repository) GetAnalysis(ctx context.Context, id string) (*AnalysisRecord, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+analysisColumns+` FROM analyses WHERE id = ?`, id)
	rec, err := scanAnalysis(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return rec, err
}

// VerdictCounts groups the history by verdict
func (r *Repository) VerdictCounts(ctx context.Context) (map[string]int64, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT verdict, COUNT(*) FROM analyses GROUP BY verdict`)
	if err != nil {
		return nil, fmt.Errorf("failed to count verdicts: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int64)
	for rows.Next() {
		var verdict string
		var n int64
		if err := rows.Scan(&verdict, &n); err != nil {
			return nil, err
		}
		counts[verdict] = n
	}
	return counts, rows.Err()
}

// LastAnalysisAt returns the time of the newest record, or nil
func (r *Repository) LastAnalysisAt(ctx context.Context) (*time.Time, error) {
	var ts time.Time
	err := r.db.QueryRowContext(ctx, `SELECT analyzed_at FROM analyses ORDER BY analyzed_at DESC LIMIT 1`).Scan(&ts)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read last analysis time: %w", err)
	}
	return &ts, nil
}

// PruneAnalyses deletes records older than cutoff and returns how many went
func (r *Repository) PruneAnalyses(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM analyses WHERE analyzed_at < ?`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to prune analyses: %w", err)
	}
	return res.RowsAffected()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanAnalysis(s scanner) (*AnalysisRecord, error) {
	var (
		rec                                      AnalysisRecord
		host, fetchErr, redirect                 sql.NullString
		featuresRaw, contributorsRaw, warningRaw sql.NullString
	)
	err := s.Scan(
		&rec.ID, &rec.URL, &host, &rec.Mode, &rec.Outcome, &rec.Verdict,
		&rec.Score, &rec.Threshold, &rec.Confidence, &rec.ContentAvailable,
		&featuresRaw, &contributorsRaw, &warningRaw, &fetchErr, &redirect,
		&rec.DurationMS, &rec.AnalyzedAt,
	)
	if err != nil {
		return nil, err
	}

	rec.Host = host.String
	rec.FetchError = fetchErr.String
	rec.RedirectURL = redirect.String
	if featuresRaw.Valid {
		rec.Features = json.RawMessage(featuresRaw.String)
	}
	if contributorsRaw.Valid {
		rec.Contributors = json.RawMessage(contributorsRaw.String)
	}
	if warningRaw.Valid {
		if err := json.Unmarshal([]byte(warningRaw.String), &rec.Warnings); err != nil {
			return nil, fmt.Errorf("failed to decode warnings: %w", err)
		}
	}
	return &rec, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullBytes(b []byte) sql.NullString {
	return sql.NullString{String: string(b), Valid: len(b) > 0}
}
