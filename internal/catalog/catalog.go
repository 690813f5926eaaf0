// Package catalog records delivered artifacts and session failures so past
// recordings can be listed after the process exits.
package catalog

import (
	"context"
	"fmt"
	"strings"

	"github.com/breeze-rmm/recorder/pkg/models"
)

// Store persists delivery outcomes.
type Store interface {
	RecordArtifact(ctx context.Context, a models.Artifact) error
	RecordFailure(ctx context.Context, rec models.FailureRecord) error
	ListArtifacts(ctx context.Context, sessionID string) ([]models.Artifact, error)
	Close() error
}

// Config selects the catalog backend.
type Config struct {
	Driver string `mapstructure:"driver"`
	DSN    string `mapstructure:"dsn"`
}

// Open returns the store for cfg.Driver. An empty driver disables the catalog.
func Open(ctx context.Context, cfg Config) (Store, error) {
	switch strings.ToLower(cfg.Driver) {
	case "", "none":
		return nil, nil
	case "sqlite":
		s, err := OpenSQLite(ctx, cfg.DSN)
		if err != nil {
			return nil, err
		}
		return s, nil
	case "postgres", "pgx":
		s, err := OpenPostgres(ctx, cfg.DSN)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown catalog driver %q", cfg.Driver)
	}
}

func segmentIndices(segs []models.SegmentInfo) string {
	parts := make([]string, 0, len(segs))
	for _, s := range segs {
		parts = append(parts, fmt.Sprint(s.Index))
	}
	return strings.Join(parts, ",")
}
