// Package handoff runs the optional second compression stage on closed
// segments and releases the resulting artifacts to delivery in index order.
package handoff

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/breeze-rmm/recorder/internal/logging"
	"github.com/breeze-rmm/recorder/pkg/models"
)

var log = logging.L("handoff")

// DefaultTranscodeTimeout bounds a single transcode when Config leaves it unset.
const DefaultTranscodeTimeout = 10 * time.Minute

// Config controls the second stage.
type Config struct {
	Enabled bool          `mapstructure:"enabled"`
	Preset  string        `mapstructure:"preset"`
	Timeout time.Duration `mapstructure:"transcode_timeout"`
	// KeepRaw keeps the stage-one file next to a successful transcode.
	KeepRaw bool `mapstructure:"keep_raw"`
}

// Processor turns one closed segment into an artifact.
type Processor struct {
	cfg   Config
	table *Table
	tx    Transcoder
}

// NewProcessor creates a Processor. tx may be nil when no transcoder is
// installed; segments are then delivered raw.
func NewProcessor(cfg Config, table *Table, tx Transcoder) *Processor {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTranscodeTimeout
	}
	if table == nil {
		table = DefaultTable()
	}
	return &Processor{cfg: cfg, table: table, tx: tx}
}

// Process runs the second stage for seg. It never fails: when compression is
// skipped or fails the raw segment is returned, marked Degraded in the
// failure case.
func (p *Processor) Process(ctx context.Context, seg models.SegmentInfo) models.Artifact {
	start := time.Now()
	a := rawArtifact(seg)
	logger := logging.WithSession(log, seg.SessionID).With(zap.Int(logging.KeySegment, seg.Index))

	if !p.cfg.Enabled || p.tx == nil {
		return a
	}
	preset, err := p.table.Get(p.cfg.Preset)
	if err != nil {
		logger.Warn("compression preset not found, delivering raw segment", zap.Error(err))
		return a
	}
	if !p.tx.IsSupported(preset) {
		logger.Info("compression preset not supported by transcoder, delivering raw segment",
			zap.String(logging.KeyPreset, preset.Name))
		return a
	}

	out := compressedPath(seg.Location, preset.Name)
	tctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	err = p.tx.Transcode(tctx, seg.Location, out, preset)
	timedOut := errors.Is(tctx.Err(), context.DeadlineExceeded)
	cancel()
	a.ProcessingMs = time.Since(start).Milliseconds()

	if err != nil {
		_ = os.Remove(out)
		reason := err.Error()
		if timedOut {
			reason = fmt.Sprintf("transcode timed out after %s", p.cfg.Timeout)
		}
		return degrade(a, reason)
	}

	info, err := os.Stat(out)
	if err != nil {
		return degrade(a, fmt.Sprintf("transcoder produced no output: %v", err))
	}
	if info.Size() >= a.OriginalSize && a.OriginalSize > 0 {
		logger.Info("compressed output not smaller than raw segment, keeping raw",
			zap.String(logging.KeyPreset, preset.Name),
			zap.Int64("compressed", info.Size()),
			zap.Int64("raw", a.OriginalSize))
		_ = os.Remove(out)
		return a
	}

	if !p.cfg.KeepRaw {
		if err := os.Remove(seg.Location); err != nil {
			logger.Warn("failed to remove raw segment", zap.String("path", seg.Location), zap.Error(err))
		}
	}
	a.Path = out
	a.SizeBytes = info.Size()
	a.Transcoded = true
	a.Preset = preset.Name
	logger.Info("segment compressed",
		zap.String(logging.KeyPreset, preset.Name),
		zap.Int64(logging.KeyBytes, a.SizeBytes),
		zap.Float64("reduction", a.ReductionRatio()),
		zap.Int64(logging.KeyDurationMs, a.ProcessingMs))
	return a
}

func degrade(a models.Artifact, reason string) models.Artifact {
	a.Degraded = true
	a.DegradedWhy = reason
	return a
}

func rawArtifact(seg models.SegmentInfo) models.Artifact {
	size := seg.ByteCount
	if info, err := os.Stat(seg.Location); err == nil {
		size = info.Size()
	}
	return models.Artifact{
		SessionID:    seg.SessionID,
		SegmentIndex: seg.Index,
		Path:         seg.Location,
		Container:    seg.Container,
		SizeBytes:    size,
		Duration:     seg.Duration(),
		OriginalSize: size,
		CreatedAt:    time.Now(),
	}
}

// compressedPath places the output next to the raw file:
// rec-part1.webm becomes rec-part1.balanced.webm.
func compressedPath(raw, preset string) string {
	ext := filepath.Ext(raw)
	return strings.TrimSuffix(raw, ext) + "." + preset + ext
}
