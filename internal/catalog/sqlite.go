package catalog

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/breeze-rmm/recorder/pkg/models"
)

const sqliteSchema = `
	CREATE TABLE IF NOT EXISTS artifacts (
		sessionId TEXT NOT NULL,
		segmentIndex INTEGER NOT NULL,
		path TEXT NOT NULL,
		container TEXT NOT NULL,
		sizeBytes INTEGER NOT NULL,
		durationMs INTEGER NOT NULL,
		transcoded INTEGER NOT NULL,
		preset TEXT,
		degraded INTEGER NOT NULL DEFAULT 0,
		degradedReason TEXT,
		originalSize INTEGER NOT NULL,
		processingMs INTEGER NOT NULL DEFAULT 0,
		createdAt REAL NOT NULL,
		PRIMARY KEY (sessionId, segmentIndex)
	);

	CREATE TABLE IF NOT EXISTS failures (
		sessionId TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		message TEXT NOT NULL,
		segmentIndex INTEGER,
		elapsedMs INTEGER NOT NULL,
		completed TEXT NOT NULL,
		partial TEXT NOT NULL,
		at REAL NOT NULL
	);
`

// SQLiteStore is a Store backed by a local SQLite file.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the database at path. ":memory:" is
// accepted for tests.
func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite catalog path is required")
	}
	dsn := path
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create catalog directory: %w", err)
		}
		dsn = fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// A single connection keeps ":memory:" databases shared and serializes writers.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// RecordArtifact upserts the artifact for its session and segment.
func (s *SQLiteStore) RecordArtifact(ctx context.Context, a models.Artifact) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO artifacts (sessionId, segmentIndex, path, container, sizeBytes, durationMs,
			transcoded, preset, degraded, degradedReason, originalSize, processingMs, createdAt)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (sessionId, segmentIndex) DO UPDATE SET
			path = excluded.path,
			container = excluded.container,
			sizeBytes = excluded.sizeBytes,
			durationMs = excluded.durationMs,
			transcoded = excluded.transcoded,
			preset = excluded.preset,
			degraded = excluded.degraded,
			degradedReason = excluded.degradedReason,
			originalSize = excluded.originalSize,
			processingMs = excluded.processingMs,
			createdAt = excluded.createdAt
	`, a.SessionID, a.SegmentIndex, a.Path, a.Container, a.SizeBytes, a.Duration.Milliseconds(),
		a.Transcoded, a.Preset, a.Degraded, a.DegradedWhy, a.OriginalSize, a.ProcessingMs,
		timeToUnix(a.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert artifact: %w", err)
	}
	return nil
}

// RecordFailure stores the terminal failure for a session.
func (s *SQLiteStore) RecordFailure(ctx context.Context, rec models.FailureRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO failures (sessionId, kind, message, segmentIndex, elapsedMs, completed, partial, at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, rec.SessionID, rec.Kind, rec.Message, rec.SegmentIndex, rec.Elapsed.Milliseconds(),
		segmentIndices(rec.Completed), segmentIndices(rec.Partial), timeToUnix(rec.At))
	if err != nil {
		return fmt.Errorf("insert failure: %w", err)
	}
	return nil
}

// ListArtifacts returns a session's artifacts ordered by segment index.
func (s *SQLiteStore) ListArtifacts(ctx context.Context, sessionID string) ([]models.Artifact, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT sessionId, segmentIndex, path, container, sizeBytes, durationMs, transcoded,
			preset, degraded, degradedReason, originalSize, processingMs, createdAt
		FROM artifacts
		WHERE sessionId = ?
		ORDER BY segmentIndex ASC
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query artifacts: %w", err)
	}
	defer rows.Close()

	var out []models.Artifact
	for rows.Next() {
		var a models.Artifact
		var durationMs int64
		var createdAt float64
		var preset, reason sql.NullString
		if err := rows.Scan(&a.SessionID, &a.SegmentIndex, &a.Path, &a.Container, &a.SizeBytes,
			&durationMs, &a.Transcoded, &preset, &a.Degraded, &reason, &a.OriginalSize,
			&a.ProcessingMs, &createdAt); err != nil {
			return nil, fmt.Errorf("scan artifact: %w", err)
		}
		a.Duration = time.Duration(durationMs) * time.Millisecond
		a.Preset = preset.String
		a.DegradedWhy = reason.String
		a.CreatedAt = timeFromUnix(createdAt)
		out = append(out, a)
	}
	return out, rows.Err()
}

// Failure returns the recorded failure kind and completed indices for a
// session, or empty strings when none was recorded.
func (s *SQLiteStore) Failure(ctx context.Context, sessionID string) (kind string, completed []string, err error) {
	var list string
	err = s.db.QueryRowContext(ctx, `SELECT kind, completed FROM failures WHERE sessionId = ?`, sessionID).Scan(&kind, &list)
	if err == sql.ErrNoRows {
		return "", nil, nil
	}
	if err != nil {
		return "", nil, fmt.Errorf("query failure: %w", err)
	}
	if list != "" {
		completed = strings.Split(list, ",")
	}
	return kind, completed, nil
}

func timeToUnix(t time.Time) float64 {
	if t.IsZero() {
		return 0
	}
	return float64(t.UnixNano()) / 1e9
}

func timeFromUnix(f float64) time.Time {
	if f == 0 {
		return time.Time{}
	}
	sec := int64(f)
	nsec := int64((f - float64(sec)) * 1e9)
	return time.Unix(sec, nsec).UTC()
}
