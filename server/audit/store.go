package audit

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/san-kum/parking-traffic-cv/server/models"
	_ "modernc.org/sqlite"
)

// Store persists audit rows. Append reports false when the run id was already
// recorded.
type Store interface {
	Append(ctx context.Context, e Entry) (bool, error)
	List(ctx context.Context, limit int) ([]Entry, error)
	Close() error
}

type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the audit database at path. Use
// "file::memory:" for a throwaway store.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit db: %w", err)
	}
	// a single connection keeps in-memory databases shared and serializes writers
	db.SetMaxOpenConns(1)

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS audit_log (
			run_id                TEXT PRIMARY KEY,
			logged_at             INTEGER NOT NULL,
			video_id              TEXT,
			avg_vehicles          DOUBLE,
			congestion            TEXT,
			risk_score            INTEGER,
			emergency_safe        BOOLEAN,
			emergency_probability DOUBLE,
			accessibility_score   INTEGER,
			climate_score         DOUBLE,
			recommendation        TEXT,
			confidence            TEXT
		);
	`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create audit table: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Append(ctx context.Context, e Entry) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_log (
			run_id, logged_at, video_id, avg_vehicles, congestion, risk_score,
			emergency_safe, emergency_probability, accessibility_score, climate_score,
			recommendation, confidence
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id) DO NOTHING`,
		e.RunID, e.Timestamp.UnixNano(), e.VideoID, e.AvgVehicles, string(e.Congestion), e.RiskScore,
		e.EmergencySafe, e.EmergencyProbability, e.AccessibilityScore, e.ClimateScore,
		e.Recommendation, string(e.Confidence),
	)
	if err != nil {
		return false, fmt.Errorf("failed to insert audit row: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// List returns the most recent rows first.
func (s *SQLiteStore) List(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, logged_at, video_id, avg_vehicles, congestion, risk_score,
			emergency_safe, emergency_probability, accessibility_score, climate_score,
			recommendation, confidence
		FROM audit_log ORDER BY logged_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit rows: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e                  Entry
			loggedAt           int64
			congestion, confid string
		)
		if err := rows.Scan(&e.RunID, &loggedAt, &e.VideoID, &e.AvgVehicles, &congestion, &e.RiskScore,
			&e.EmergencySafe, &e.EmergencyProbability, &e.AccessibilityScore, &e.ClimateScore,
			&e.Recommendation, &confid); err != nil {
			return nil, fmt.Errorf("failed to scan audit row: %w", err)
		}
		e.Timestamp = time.Unix(0, loggedAt).UTC()
		e.Congestion = models.CongestionLevel(congestion)
		e.Confidence = models.Confidence(confid)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
