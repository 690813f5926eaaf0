package config

import (
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/breeze-rmm/recorder/internal/capture"
	"github.com/breeze-rmm/recorder/internal/logging"
)

var validLogLevels = map[string]bool{
	"debug":   true,
	"info":    true,
	"warn":    true,
	"warning": true,
	"error":   true,
}

var knownProviders = map[string]bool{
	"":      true,
	"none":  true,
	"local": true,
	"s3":    true,
	"gcs":   true,
	"azure": true,
	"b2":    true,
}

var knownDrivers = map[string]bool{
	"":         true,
	"none":     true,
	"sqlite":   true,
	"postgres": true,
	"pgx":      true,
}

// ValidationResult separates problems a session cannot start with from
// values that were clamped to a safe range.
type ValidationResult struct {
	Fatals   []error
	Warnings []error
}

func (r ValidationResult) HasFatals() bool { return len(r.Fatals) > 0 }

// All returns fatals followed by warnings.
func (r ValidationResult) All() []error {
	return append(append([]error(nil), r.Fatals...), r.Warnings...)
}

// Validate checks the config for invalid values and returns all errors found.
// Values that would stall or crash a session are clamped to a safe range.
func (c *Config) Validate() []error {
	return c.ValidateTiered().All()
}

// ValidateTiered is Validate with clamped values reported as warnings. Every
// problem is logged; session settings are validated again by capture when a
// session starts.
func (c *Config) ValidateTiered() ValidationResult {
	var errs, warns []error

	if c.Log.Level != "" && !validLogLevels[strings.ToLower(c.Log.Level)] {
		errs = append(errs, fmt.Errorf("log.level %q is not valid (use debug, info, warn, error)", c.Log.Level))
	}
	if c.Log.Format != "" && c.Log.Format != "text" && c.Log.Format != "json" {
		errs = append(errs, fmt.Errorf("log.format %q is not valid (use text or json)", c.Log.Format))
	}

	switch c.Capture.Source {
	case SourceFFmpeg:
		if c.Capture.Input == "" {
			errs = append(errs, fmt.Errorf("capture.input is required for the ffmpeg source"))
		}
	case SourceWebRTC:
		if c.Telemetry.ListenAddr == "" {
			errs = append(errs, fmt.Errorf("telemetry.listen_addr is required to receive WebRTC offers"))
		}
		if c.Capture.Audio == c.Capture.Video {
			errs = append(errs, fmt.Errorf("the webrtc source records one track, enable exactly one of capture.audio or capture.video"))
		}
	default:
		errs = append(errs, fmt.Errorf("capture.source %q is not valid (use ffmpeg or webrtc)", c.Capture.Source))
	}
	if !c.Capture.Audio && !c.Capture.Video {
		errs = append(errs, fmt.Errorf("capture.audio and capture.video are both disabled"))
	}
	c.Capture.ChunkInterval = clampDuration(&warns, "capture.chunk_interval", c.Capture.ChunkInterval, 100*time.Millisecond, 10*time.Second)

	if c.Split.Preset != "" {
		if _, ok := splitPresets[c.Split.Preset]; !ok {
			errs = append(errs, fmt.Errorf("split.preset %q is not a known preset", c.Split.Preset))
		}
	}
	switch capture.LimitAction(c.Split.OnLimit) {
	case "", capture.OnLimitStop, capture.OnLimitContinue:
	default:
		errs = append(errs, fmt.Errorf("split.on_limit %q is not valid (use stop or continue)", c.Split.OnLimit))
	}
	if c.Split.MaxSegments < 0 {
		warns = append(warns, fmt.Errorf("split.max_segments %d is below minimum 0, clamping", c.Split.MaxSegments))
		c.Split.MaxSegments = 0
	}
	c.Split.PollInterval = clampDuration(&warns, "split.poll_interval", c.Split.PollInterval, time.Second, time.Minute)

	if c.Writer.OutputDir == "" {
		errs = append(errs, fmt.Errorf("writer.output_dir is required"))
	}
	if strings.ContainsAny(c.Writer.FilePrefix, `/\`) {
		errs = append(errs, fmt.Errorf("writer.file_prefix %q must not contain path separators", c.Writer.FilePrefix))
	}
	c.Writer.DrainTimeout = clampDuration(&warns, "writer.drain_timeout", c.Writer.DrainTimeout, time.Second, 2*time.Minute)
	c.Writer.QueueSize = clampInt(&warns, "writer.queue_size", c.Writer.QueueSize, 16, 65536)
	if c.Writer.SyncEvery < 0 {
		warns = append(warns, fmt.Errorf("writer.sync_every %d is below minimum 0, clamping", c.Writer.SyncEvery))
		c.Writer.SyncEvery = 0
	}

	c.Compression.Workers = clampInt(&warns, "compression.workers", c.Compression.Workers, 1, 8)
	c.Compression.QueueSize = clampInt(&warns, "compression.queue_size", c.Compression.QueueSize, 1, 1024)

	if !knownProviders[c.Delivery.Provider.Type] {
		errs = append(errs, fmt.Errorf("delivery.provider.type %q is not valid (use local, s3, gcs, azure or b2)", c.Delivery.Provider.Type))
	}
	if !knownDrivers[c.Catalog.Driver] {
		errs = append(errs, fmt.Errorf("catalog.driver %q is not valid (use sqlite or postgres)", c.Catalog.Driver))
	}

	if c.Resources.MaxMemoryPercent < 0 || c.Resources.MaxMemoryPercent > 100 {
		warns = append(warns, fmt.Errorf("resources.max_memory_percent %.1f is outside 0-100, disabling", c.Resources.MaxMemoryPercent))
		c.Resources.MaxMemoryPercent = 0
	}
	if c.Resources.CheckInterval != 0 {
		c.Resources.CheckInterval = clampDuration(&warns, "resources.check_interval", c.Resources.CheckInterval, time.Second, 10*time.Minute)
	}

	log := logging.L("config")
	for _, err := range errs {
		log.Error("config validation", zap.Error(err))
	}
	for _, err := range warns {
		log.Warn("config validation", zap.Error(err))
	}

	return ValidationResult{Fatals: errs, Warnings: warns}
}

func clampInt(errs *[]error, key string, v, lo, hi int) int {
	if v < lo {
		*errs = append(*errs, fmt.Errorf("%s %d is below minimum %d, clamping", key, v, lo))
		return lo
	}
	if v > hi {
		*errs = append(*errs, fmt.Errorf("%s %d exceeds maximum %d, clamping", key, v, hi))
		return hi
	}
	return v
}

func clampDuration(errs *[]error, key string, v, lo, hi time.Duration) time.Duration {
	if v < lo {
		*errs = append(*errs, fmt.Errorf("%s %s is below minimum %s, clamping", key, v, lo))
		return lo
	}
	if v > hi {
		*errs = append(*errs, fmt.Errorf("%s %s exceeds maximum %s, clamping", key, v, hi))
		return hi
	}
	return v
}
