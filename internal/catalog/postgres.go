package catalog

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/breeze-rmm/recorder/pkg/models"
)

const postgresSchema = `
	CREATE TABLE IF NOT EXISTS recorder_artifacts (
		session_id TEXT NOT NULL,
		segment_index INTEGER NOT NULL,
		path TEXT NOT NULL,
		container TEXT NOT NULL,
		size_bytes BIGINT NOT NULL,
		duration_ms BIGINT NOT NULL,
		transcoded BOOLEAN NOT NULL,
		preset TEXT NOT NULL DEFAULT '',
		degraded BOOLEAN NOT NULL DEFAULT FALSE,
		degraded_reason TEXT NOT NULL DEFAULT '',
		original_size BIGINT NOT NULL,
		processing_ms BIGINT NOT NULL DEFAULT 0,
		created_at TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (session_id, segment_index)
	);

	CREATE TABLE IF NOT EXISTS recorder_failures (
		session_id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		message TEXT NOT NULL,
		segment_index INTEGER NOT NULL DEFAULT 0,
		elapsed_ms BIGINT NOT NULL,
		completed TEXT NOT NULL,
		partial TEXT NOT NULL,
		at TIMESTAMPTZ NOT NULL
	);
`

// PostgresStore is a Store backed by a shared PostgreSQL database.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// OpenPostgres connects a pool to dsn and creates the tables.
func OpenPostgres(ctx context.Context, dsn string) (*PostgresStore, error) {
	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}
	poolConfig.MaxConns = 4
	poolConfig.MaxConnIdleTime = 5 * time.Minute
	poolConfig.HealthCheckPeriod = time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

// Close closes the pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// RecordArtifact upserts the artifact for its session and segment.
func (s *PostgresStore) RecordArtifact(ctx context.Context, a models.Artifact) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO recorder_artifacts (session_id, segment_index, path, container, size_bytes,
			duration_ms, transcoded, preset, degraded, degraded_reason, original_size, processing_ms, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (session_id, segment_index) DO UPDATE SET
			path = EXCLUDED.path,
			container = EXCLUDED.container,
			size_bytes = EXCLUDED.size_bytes,
			duration_ms = EXCLUDED.duration_ms,
			transcoded = EXCLUDED.transcoded,
			preset = EXCLUDED.preset,
			degraded = EXCLUDED.degraded,
			degraded_reason = EXCLUDED.degraded_reason,
			original_size = EXCLUDED.original_size,
			processing_ms = EXCLUDED.processing_ms,
			created_at = EXCLUDED.created_at
	`, a.SessionID, a.SegmentIndex, a.Path, a.Container, a.SizeBytes, a.Duration.Milliseconds(),
		a.Transcoded, a.Preset, a.Degraded, a.DegradedWhy, a.OriginalSize, a.ProcessingMs, a.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert artifact: %w", err)
	}
	return nil
}

// RecordFailure stores the terminal failure for a session.
func (s *PostgresStore) RecordFailure(ctx context.Context, rec models.FailureRecord) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO recorder_failures (session_id, kind, message, segment_index, elapsed_ms, completed, partial, at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (session_id) DO UPDATE SET
			kind = EXCLUDED.kind,
			message = EXCLUDED.message,
			segment_index = EXCLUDED.segment_index,
			elapsed_ms = EXCLUDED.elapsed_ms,
			completed = EXCLUDED.completed,
			partial = EXCLUDED.partial,
			at = EXCLUDED.at
	`, rec.SessionID, rec.Kind, rec.Message, rec.SegmentIndex, rec.Elapsed.Milliseconds(),
		segmentIndices(rec.Completed), segmentIndices(rec.Partial), rec.At)
	if err != nil {
		return fmt.Errorf("insert failure: %w", err)
	}
	return nil
}

// ListArtifacts returns a session's artifacts ordered by segment index.
func (s *PostgresStore) ListArtifacts(ctx context.Context, sessionID string) ([]models.Artifact, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT session_id, segment_index, path, container, size_bytes, duration_ms, transcoded,
			preset, degraded, degraded_reason, original_size, processing_ms, created_at
		FROM recorder_artifacts
		WHERE session_id = $1
		ORDER BY segment_index ASC
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query artifacts: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.Artifact, error) {
		var a models.Artifact
		var durationMs int64
		err := row.Scan(&a.SessionID, &a.SegmentIndex, &a.Path, &a.Container, &a.SizeBytes,
			&durationMs, &a.Transcoded, &a.Preset, &a.Degraded, &a.DegradedWhy, &a.OriginalSize,
			&a.ProcessingMs, &a.CreatedAt)
		a.Duration = time.Duration(durationMs) * time.Millisecond
		return a, err
	})
}
