// Package delivery receives finished artifacts and terminal failure records
// from the compression handoff and forwards them to storage and the catalog.
package delivery

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/breeze-rmm/recorder/internal/catalog"
	"github.com/breeze-rmm/recorder/internal/logging"
	"github.com/breeze-rmm/recorder/pkg/models"
)

var log = logging.L("delivery")

// Sink is the final destination for a session's outputs. Deliver is called
// once per segment in index order; Fail at most once, after every Deliver.
type Sink interface {
	Deliver(ctx context.Context, a models.Artifact) error
	Fail(ctx context.Context, rec models.FailureRecord) error
}

// Multi fans out to every sink. All sinks are called even if one fails.
type Multi []Sink

func (m Multi) Deliver(ctx context.Context, a models.Artifact) error {
	var errs []error
	for _, s := range m {
		if err := s.Deliver(ctx, a); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m Multi) Fail(ctx context.Context, rec models.FailureRecord) error {
	var errs []error
	for _, s := range m {
		if err := s.Fail(ctx, rec); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// CatalogSink records artifacts and failures in a catalog store.
type CatalogSink struct {
	Store catalog.Store
}

func (c CatalogSink) Deliver(ctx context.Context, a models.Artifact) error {
	return c.Store.RecordArtifact(ctx, a)
}

func (c CatalogSink) Fail(ctx context.Context, rec models.FailureRecord) error {
	return c.Store.RecordFailure(ctx, rec)
}

// LogSink logs every outcome. It is the sink of last resort when no storage
// is configured: artifacts stay where the writer put them.
type LogSink struct{}

func (LogSink) Deliver(_ context.Context, a models.Artifact) error {
	log.Info("artifact ready",
		zap.String(logging.KeySessionID, a.SessionID),
		zap.Int(logging.KeySegment, a.SegmentIndex),
		zap.String("path", a.Path),
		zap.Int64(logging.KeyBytes, a.SizeBytes),
		zap.Bool("transcoded", a.Transcoded),
		zap.Bool("degraded", a.Degraded))
	return nil
}

func (LogSink) Fail(_ context.Context, rec models.FailureRecord) error {
	log.Warn("session failed",
		zap.String(logging.KeySessionID, rec.SessionID),
		zap.String("kind", rec.Kind),
		zap.String(logging.KeyError, rec.Message),
		zap.Int("completed", len(rec.Completed)),
		zap.Int("partial", len(rec.Partial)))
	return nil
}
